// ABOUTME: SQLite persistence for developer tokens
// ABOUTME: Tokens are looked up by hash; the plaintext never reaches the database

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// CreateDeveloperToken inserts a developer token.
func (s *SQLiteStore) CreateDeveloperToken(ctx context.Context, token *DeveloperToken) error {
	if token.UserID == "" || token.TokenHash == "" {
		return fmt.Errorf("developer token needs a user and a hash")
	}
	stamp(&token.ID, &token.CreatedAt)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO developer_tokens (id, user_id, name, token_hash, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, token.ID, token.UserID, token.Name, token.TokenHash, formatTime(token.CreatedAt))
	if err != nil {
		if isConstraintViolation(err) {
			return fmt.Errorf("developer token: %w", ErrDuplicate)
		}
		return fmt.Errorf("inserting developer token: %w", err)
	}

	s.logger.Debug("created developer token", "id", token.ID, "user_id", token.UserID)
	return nil
}

// GetDeveloperTokenByHash retrieves a developer token by its hash.
func (s *SQLiteStore) GetDeveloperTokenByHash(ctx context.Context, hash string) (*DeveloperToken, error) {
	var token DeveloperToken
	var createdAt string

	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, name, token_hash, created_at
		FROM developer_tokens WHERE token_hash = ?
	`, hash).Scan(&token.ID, &token.UserID, &token.Name, &token.TokenHash, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying developer token: %w", err)
	}

	if token.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &token, nil
}
