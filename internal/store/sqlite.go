// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Schema creation plus organization, tool, role, and agent persistence

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/2389/neon-gateway/internal/toolcall"
)

// timeLayout is fixed-width so text ordering matches time ordering.
const timeLayout = "2006-01-02T15:04:05.000000Z07:00"

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS organizations (
			id          TEXT PRIMARY KEY,
			name        TEXT NOT NULL,
			slug        TEXT NOT NULL UNIQUE,
			provider    TEXT,
			model       TEXT,
			llm_api_key TEXT,
			created_at  TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS tools (
			id          TEXT PRIMARY KEY,
			name        TEXT NOT NULL UNIQUE,
			description TEXT NOT NULL DEFAULT '',
			parameters  TEXT NOT NULL DEFAULT '{}',
			endpoint    TEXT NOT NULL,
			method      TEXT NOT NULL DEFAULT 'GET',
			placement   TEXT NOT NULL DEFAULT 'query',
			headers     TEXT NOT NULL DEFAULT '{}',
			enabled     INTEGER NOT NULL DEFAULT 1,
			created_at  TEXT NOT NULL,

			CHECK (placement IN ('query', 'route', 'body'))
		);

		CREATE TABLE IF NOT EXISTS roles (
			id            TEXT PRIMARY KEY,
			name          TEXT NOT NULL,
			description   TEXT NOT NULL DEFAULT '',
			system_prompt TEXT NOT NULL,
			created_at    TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS role_tools (
			role_id TEXT NOT NULL REFERENCES roles(id) ON DELETE CASCADE,
			tool_id TEXT NOT NULL REFERENCES tools(id) ON DELETE CASCADE,
			PRIMARY KEY (role_id, tool_id)
		);

		CREATE TABLE IF NOT EXISTS agents (
			id              TEXT PRIMARY KEY,
			name            TEXT NOT NULL,
			slug            TEXT NOT NULL,
			organization_id TEXT NOT NULL REFERENCES organizations(id),
			role_id         TEXT NOT NULL REFERENCES roles(id),
			active          INTEGER NOT NULL DEFAULT 1,
			created_at      TEXT NOT NULL,

			UNIQUE (organization_id, slug)
		);

		CREATE TABLE IF NOT EXISTS conversations (
			id              TEXT PRIMARY KEY,
			organization_id TEXT NOT NULL REFERENCES organizations(id),
			agent_id        TEXT NOT NULL REFERENCES agents(id),
			name            TEXT NOT NULL DEFAULT '',
			created_by      TEXT NOT NULL,
			created_at      TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_conversations_created_by
			ON conversations(created_by, created_at);

		CREATE TABLE IF NOT EXISTS messages (
			seq             INTEGER PRIMARY KEY AUTOINCREMENT,
			id              TEXT NOT NULL UNIQUE,
			conversation_id TEXT NOT NULL REFERENCES conversations(id),
			sender_id       TEXT,
			agent_id        TEXT,
			type            TEXT NOT NULL,
			content         TEXT NOT NULL,
			replying_to_id  TEXT,
			created_at      TEXT NOT NULL,
			deleted_at      TEXT,
			deleted_by      TEXT,

			CHECK (type IN ('text', 'ai_reply', 'reply')),
			CHECK ((sender_id IS NULL) != (agent_id IS NULL))
		);

		CREATE INDEX IF NOT EXISTS idx_messages_conversation
			ON messages(conversation_id, seq);

		CREATE TABLE IF NOT EXISTS developer_tokens (
			id         TEXT PRIMARY KEY,
			user_id    TEXT NOT NULL,
			name       TEXT NOT NULL DEFAULT '',
			token_hash TEXT NOT NULL UNIQUE,
			created_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS summaries (
			conversation_id TEXT PRIMARY KEY REFERENCES conversations(id),
			context         TEXT NOT NULL,
			covered         INTEGER NOT NULL,
			updated_at      TEXT NOT NULL
		);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed")
}

// nullString returns nil for empty strings, otherwise the string
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

func stamp(id *string, createdAt *time.Time) {
	if *id == "" {
		*id = uuid.NewString()
	}
	if createdAt.IsZero() {
		*createdAt = time.Now().UTC()
	}
}

// CreateOrganization inserts an organization.
func (s *SQLiteStore) CreateOrganization(ctx context.Context, org *Organization) error {
	stamp(&org.ID, &org.CreatedAt)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO organizations (id, name, slug, provider, model, llm_api_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, org.ID, org.Name, org.Slug, nullString(org.Provider), nullString(org.Model),
		nullString(org.LLMAPIKey), formatTime(org.CreatedAt))
	if err != nil {
		if isConstraintViolation(err) {
			return fmt.Errorf("organization %q: %w", org.Slug, ErrDuplicate)
		}
		return fmt.Errorf("inserting organization: %w", err)
	}

	s.logger.Debug("created organization", "id", org.ID, "slug", org.Slug)
	return nil
}

// GetOrganization retrieves an organization by ID.
func (s *SQLiteStore) GetOrganization(ctx context.Context, id string) (*Organization, error) {
	var org Organization
	var provider, model, apiKey sql.NullString
	var createdAt string

	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, slug, provider, model, llm_api_key, created_at
		FROM organizations WHERE id = ?
	`, id).Scan(&org.ID, &org.Name, &org.Slug, &provider, &model, &apiKey, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying organization: %w", err)
	}

	org.Provider, org.Model, org.LLMAPIKey = provider.String, model.String, apiKey.String
	if org.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &org, nil
}

// CreateTool inserts a tool definition.
func (s *SQLiteStore) CreateTool(ctx context.Context, tool *Tool) error {
	stamp(&tool.ID, &tool.CreatedAt)

	if tool.Method == "" {
		tool.Method = "GET"
	}
	if tool.Placement == "" {
		tool.Placement = toolcall.PlacementQuery
	}
	params := tool.Schema()
	headers, err := json.Marshal(tool.Headers)
	if err != nil {
		return fmt.Errorf("encoding headers: %w", err)
	}
	if tool.Headers == nil {
		headers = []byte("{}")
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tools (id, name, description, parameters, endpoint, method, placement, headers, enabled, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, tool.ID, tool.Name, tool.Description, string(params), tool.Endpoint,
		strings.ToUpper(tool.Method), string(tool.Placement), string(headers), tool.Enabled,
		formatTime(tool.CreatedAt))
	if err != nil {
		if isConstraintViolation(err) {
			return fmt.Errorf("tool %q: %w", tool.Name, ErrDuplicate)
		}
		return fmt.Errorf("inserting tool: %w", err)
	}

	s.logger.Debug("created tool", "id", tool.ID, "name", tool.Name)
	return nil
}

const toolColumns = `t.id, t.name, t.description, t.parameters, t.endpoint, t.method, t.placement, t.headers, t.enabled, t.created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTool(row rowScanner) (*Tool, error) {
	var tool Tool
	var params, placement, headers, createdAt string

	if err := row.Scan(&tool.ID, &tool.Name, &tool.Description, &params, &tool.Endpoint,
		&tool.Method, &placement, &headers, &tool.Enabled, &createdAt); err != nil {
		return nil, err
	}

	tool.Parameters = json.RawMessage(params)
	tool.Placement = toolcall.Placement(placement)
	if err := json.Unmarshal([]byte(headers), &tool.Headers); err != nil {
		return nil, fmt.Errorf("decoding headers of tool %s: %w", tool.Name, err)
	}
	var err error
	if tool.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &tool, nil
}

// GetTool retrieves a tool by ID.
func (s *SQLiteStore) GetTool(ctx context.Context, id string) (*Tool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+toolColumns+` FROM tools t WHERE t.id = ?`, id)
	tool, err := scanTool(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying tool: %w", err)
	}
	return tool, nil
}

// ListTools returns all tools ordered by name.
func (s *SQLiteStore) ListTools(ctx context.Context) ([]*Tool, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+toolColumns+` FROM tools t ORDER BY t.name`)
	if err != nil {
		return nil, fmt.Errorf("querying tools: %w", err)
	}
	defer rows.Close()

	var tools []*Tool
	for rows.Next() {
		tool, err := scanTool(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning tool row: %w", err)
		}
		tools = append(tools, tool)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating tool rows: %w", err)
	}
	return tools, nil
}

// CreateRole inserts a role and its tool links in one transaction.
func (s *SQLiteStore) CreateRole(ctx context.Context, role *Role) error {
	stamp(&role.ID, &role.CreatedAt)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO roles (id, name, description, system_prompt, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, role.ID, role.Name, role.Description, role.SystemPrompt, formatTime(role.CreatedAt)); err != nil {
		return fmt.Errorf("inserting role: %w", err)
	}

	for _, toolID := range role.ToolIDs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO role_tools (role_id, tool_id) VALUES (?, ?)`, role.ID, toolID); err != nil {
			return fmt.Errorf("linking tool %s: %w", toolID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing role: %w", err)
	}

	s.logger.Debug("created role", "id", role.ID, "name", role.Name, "tools", len(role.ToolIDs))
	return nil
}

// GetRole retrieves a role with its tool IDs.
func (s *SQLiteStore) GetRole(ctx context.Context, id string) (*Role, error) {
	var role Role
	var createdAt string

	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, description, system_prompt, created_at FROM roles WHERE id = ?
	`, id).Scan(&role.ID, &role.Name, &role.Description, &role.SystemPrompt, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying role: %w", err)
	}
	if role.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT tool_id FROM role_tools WHERE role_id = ? ORDER BY tool_id`, id)
	if err != nil {
		return nil, fmt.Errorf("querying role tools: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var toolID string
		if err := rows.Scan(&toolID); err != nil {
			return nil, fmt.Errorf("scanning role tool: %w", err)
		}
		role.ToolIDs = append(role.ToolIDs, toolID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating role tools: %w", err)
	}
	return &role, nil
}

// CreateAgent inserts an agent.
func (s *SQLiteStore) CreateAgent(ctx context.Context, agent *Agent) error {
	stamp(&agent.ID, &agent.CreatedAt)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agents (id, name, slug, organization_id, role_id, active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, agent.ID, agent.Name, agent.Slug, agent.OrganizationID, agent.RoleID, agent.Active,
		formatTime(agent.CreatedAt))
	if err != nil {
		if isConstraintViolation(err) {
			return fmt.Errorf("agent %q: %w", agent.Slug, ErrDuplicate)
		}
		return fmt.Errorf("inserting agent: %w", err)
	}

	s.logger.Debug("created agent", "id", agent.ID, "slug", agent.Slug)
	return nil
}

// GetAgent retrieves an agent by ID.
func (s *SQLiteStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	var agent Agent
	var createdAt string

	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, slug, organization_id, role_id, active, created_at FROM agents WHERE id = ?
	`, id).Scan(&agent.ID, &agent.Name, &agent.Slug, &agent.OrganizationID, &agent.RoleID,
		&agent.Active, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying agent: %w", err)
	}
	if agent.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &agent, nil
}

// LoadAgentProfile resolves an agent's system prompt and enabled tools.
func (s *SQLiteStore) LoadAgentProfile(ctx context.Context, agentID string) (*AgentProfile, error) {
	var profile AgentProfile

	err := s.db.QueryRowContext(ctx, `
		SELECT a.id, a.organization_id, r.system_prompt
		FROM agents a JOIN roles r ON r.id = a.role_id
		WHERE a.id = ?
	`, agentID).Scan(&profile.AgentID, &profile.OrganizationID, &profile.SystemPrompt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying agent profile: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+toolColumns+`
		FROM tools t
		JOIN role_tools rt ON rt.tool_id = t.id
		JOIN agents a ON a.role_id = rt.role_id
		WHERE a.id = ? AND t.enabled = 1
		ORDER BY t.name
	`, agentID)
	if err != nil {
		return nil, fmt.Errorf("querying agent tools: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		tool, err := scanTool(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning tool row: %w", err)
		}
		profile.Tools = append(profile.Tools, tool.ToolDefinition)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating tool rows: %w", err)
	}
	return &profile, nil
}

var _ Store = (*SQLiteStore)(nil)
