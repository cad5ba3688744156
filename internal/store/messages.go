// ABOUTME: SQLite persistence for conversations, messages, and rolling summaries
// ABOUTME: Messages are append-only and ordered by an autoincrementing sequence

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// CreateConversation inserts a conversation.
func (s *SQLiteStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	stamp(&conv.ID, &conv.CreatedAt)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, organization_id, agent_id, name, created_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, conv.ID, conv.OrganizationID, conv.AgentID, conv.Name, conv.CreatedBy, formatTime(conv.CreatedAt))
	if err != nil {
		return fmt.Errorf("inserting conversation: %w", err)
	}

	s.logger.Debug("created conversation", "id", conv.ID, "agent_id", conv.AgentID)
	return nil
}

func scanConversation(row rowScanner) (*Conversation, error) {
	var conv Conversation
	var createdAt string
	if err := row.Scan(&conv.ID, &conv.OrganizationID, &conv.AgentID, &conv.Name,
		&conv.CreatedBy, &createdAt); err != nil {
		return nil, err
	}
	var err error
	if conv.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &conv, nil
}

// GetConversation retrieves a conversation by ID.
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, organization_id, agent_id, name, created_by, created_at
		FROM conversations WHERE id = ?
	`, id)
	conv, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying conversation: %w", err)
	}
	return conv, nil
}

// ListConversations returns one page of a user's conversations, newest first,
// along with the total count.
func (s *SQLiteStore) ListConversations(ctx context.Context, createdBy string, limit, offset int) ([]*Conversation, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM conversations WHERE created_by = ?`, createdBy).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting conversations: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, organization_id, agent_id, name, created_by, created_at
		FROM conversations
		WHERE created_by = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT ? OFFSET ?
	`, createdBy, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("querying conversations: %w", err)
	}
	defer rows.Close()

	var convs []*Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scanning conversation row: %w", err)
		}
		convs = append(convs, conv)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterating conversation rows: %w", err)
	}
	return convs, total, nil
}

// SaveMessage appends a message and assigns its sequence number.
func (s *SQLiteStore) SaveMessage(ctx context.Context, msg *Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	stamp(&msg.ID, &msg.CreatedAt)

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, sender_id, agent_id, type, content, replying_to_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, msg.ID, msg.ConversationID, nullString(msg.SenderID), nullString(msg.AgentID),
		string(msg.Type), msg.Content, nullString(msg.ReplyingToID), formatTime(msg.CreatedAt))
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}

	if msg.Seq, err = res.LastInsertId(); err != nil {
		return fmt.Errorf("reading message seq: %w", err)
	}

	s.logger.Debug("saved message", "id", msg.ID, "conversation_id", msg.ConversationID, "type", msg.Type)
	return nil
}

const messageColumns = `seq, id, conversation_id, sender_id, agent_id, type, content, replying_to_id, created_at, deleted_at, deleted_by`

func scanMessage(row rowScanner) (*Message, error) {
	var msg Message
	var senderID, agentID, replyingTo, deletedAt, deletedBy sql.NullString
	var msgType, createdAt string

	if err := row.Scan(&msg.Seq, &msg.ID, &msg.ConversationID, &senderID, &agentID, &msgType,
		&msg.Content, &replyingTo, &createdAt, &deletedAt, &deletedBy); err != nil {
		return nil, err
	}

	msg.Type = MessageType(msgType)
	msg.SenderID, msg.AgentID = senderID.String, agentID.String
	msg.ReplyingToID, msg.DeletedBy = replyingTo.String, deletedBy.String

	var err error
	if msg.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing message created_at: %w", err)
	}
	if deletedAt.Valid {
		t, err := parseTime(deletedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parsing message deleted_at: %w", err)
		}
		msg.DeletedAt = &t
	}
	return &msg, nil
}

func collectMessages(rows *sql.Rows) ([]*Message, error) {
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning message row: %w", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating message rows: %w", err)
	}
	return messages, nil
}

// GetMessage retrieves a message by ID.
func (s *SQLiteStore) GetMessage(ctx context.Context, id string) (*Message, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying message: %w", err)
	}
	return msg, nil
}

// ListMessages returns every message of a conversation, soft-deleted ones
// included, in ascending sequence order.
func (s *SQLiteStore) ListMessages(ctx context.Context, conversationID string) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE conversation_id = ?
		ORDER BY seq ASC
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	return collectMessages(rows)
}

// ListMessagesPage returns one page of visible messages, newest first, along
// with the total number of visible messages.
func (s *SQLiteStore) ListMessagesPage(ctx context.Context, conversationID string, limit, offset int) ([]*Message, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM messages WHERE conversation_id = ? AND deleted_at IS NULL
	`, conversationID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting messages: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE conversation_id = ? AND deleted_at IS NULL
		ORDER BY seq DESC
		LIMIT ? OFFSET ?
	`, conversationID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("querying messages: %w", err)
	}
	messages, err := collectMessages(rows)
	if err != nil {
		return nil, 0, err
	}
	return messages, total, nil
}

// SoftDeleteMessage marks a message deleted. Deleting twice is a no-op.
func (s *SQLiteStore) SoftDeleteMessage(ctx context.Context, id, deletedBy string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages SET deleted_at = COALESCE(deleted_at, ?), deleted_by = COALESCE(deleted_by, ?)
		WHERE id = ?
	`, formatTime(time.Now()), nullString(deletedBy), id)
	if err != nil {
		return fmt.Errorf("deleting message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetSummary retrieves the summary of a conversation.
func (s *SQLiteStore) GetSummary(ctx context.Context, conversationID string) (*Summary, error) {
	var sum Summary
	var updatedAt string

	err := s.db.QueryRowContext(ctx, `
		SELECT conversation_id, context, covered, updated_at FROM summaries WHERE conversation_id = ?
	`, conversationID).Scan(&sum.ConversationID, &sum.Context, &sum.Range, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying summary: %w", err)
	}
	if sum.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &sum, nil
}

// UpsertSummary creates or replaces the summary of a conversation. It returns
// ErrRangeRegression instead of lowering an existing range.
func (s *SQLiteStore) UpsertSummary(ctx context.Context, summary *Summary) error {
	if summary.UpdatedAt.IsZero() {
		summary.UpdatedAt = time.Now().UTC()
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO summaries (conversation_id, context, covered, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(conversation_id) DO UPDATE SET
			context = excluded.context,
			covered = excluded.covered,
			updated_at = excluded.updated_at
		WHERE excluded.covered >= summaries.covered
	`, summary.ConversationID, summary.Context, summary.Range, formatTime(summary.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upserting summary: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: conversation %s", ErrRangeRegression, summary.ConversationID)
	}

	s.logger.Debug("saved summary", "conversation_id", summary.ConversationID, "range", summary.Range)
	return nil
}
