// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite.
// ABOUTME: Provides conversation/message persistence with automatic schema creation.

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

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

	// Ensure parent directory exists
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

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
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
		CREATE TABLE IF NOT EXISTS projects (
			id         TEXT PRIMARY KEY,
			name       TEXT NOT NULL,
			created_at DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS agents (
			id         TEXT PRIMARY KEY,
			project_id TEXT NOT NULL REFERENCES projects(id),
			name       TEXT NOT NULL,
			created_at DATETIME NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_agents_project ON agents(project_id);

		CREATE TABLE IF NOT EXISTS members (
			id           TEXT PRIMARY KEY,
			project_id   TEXT NOT NULL REFERENCES projects(id),
			email        TEXT,
			full_name    TEXT,
			is_anonymous INTEGER NOT NULL DEFAULT 0,
			created_at   DATETIME NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_members_project ON members(project_id);

		CREATE TABLE IF NOT EXISTS conversations (
			id         TEXT PRIMARY KEY,
			agent_id   TEXT NOT NULL REFERENCES agents(id),
			member_id  TEXT NOT NULL REFERENCES members(id),
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_conversations_agent_member
			ON conversations(agent_id, member_id);

		CREATE TABLE IF NOT EXISTS messages (
			id              TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL REFERENCES conversations(id),
			text            TEXT NOT NULL,
			source          TEXT NOT NULL,
			format          TEXT NOT NULL DEFAULT 'PlainText',
			created_at      DATETIME NOT NULL,

			CHECK (source IN ('AGENT', 'MEMBER')),
			CHECK (format IN ('PlainText', 'Markdown'))
		);

		CREATE INDEX IF NOT EXISTS idx_messages_conversation
			ON messages(conversation_id, created_at);

		CREATE TABLE IF NOT EXISTS sdk_secrets (
			id          TEXT PRIMARY KEY,
			project_id  TEXT NOT NULL REFERENCES projects(id),
			hash        TEXT NOT NULL,
			salt        TEXT NOT NULL,
			description TEXT,
			created_at  DATETIME NOT NULL,
			revoked_at  DATETIME
		);

		CREATE INDEX IF NOT EXISTS idx_sdk_secrets_project ON sdk_secrets(project_id);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("executing schema: %w", err)
	}
	return nil
}

// CreateProject inserts a new project
func (s *SQLiteStore) CreateProject(ctx context.Context, project *Project) error {
	if project.CreatedAt.IsZero() {
		project.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO projects (id, name, created_at) VALUES (?, ?, ?)`,
		project.ID, project.Name, project.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting project: %w", err)
	}
	return nil
}

// GetProject retrieves a project by ID
func (s *SQLiteStore) GetProject(ctx context.Context, id string) (*Project, error) {
	var p Project
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, created_at FROM projects WHERE id = ?`, id,
	).Scan(&p.ID, &p.Name, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying project: %w", err)
	}
	return &p, nil
}

// CreateAgent inserts a new agent
func (s *SQLiteStore) CreateAgent(ctx context.Context, agent *Agent) error {
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agents (id, project_id, name, created_at) VALUES (?, ?, ?, ?)`,
		agent.ID, agent.ProjectID, agent.Name, agent.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting agent: %w", err)
	}
	return nil
}

// GetProjectAgent retrieves an agent scoped to a project. An agent id that
// exists under a different project is reported as ErrNotFound.
func (s *SQLiteStore) GetProjectAgent(ctx context.Context, projectID, agentID string) (*Agent, error) {
	var a Agent
	err := s.db.QueryRowContext(ctx,
		`SELECT id, project_id, name, created_at FROM agents WHERE id = ? AND project_id = ?`,
		agentID, projectID,
	).Scan(&a.ID, &a.ProjectID, &a.Name, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying agent: %w", err)
	}
	return &a, nil
}

// ListProjectAgents returns all agents registered under a project
func (s *SQLiteStore) ListProjectAgents(ctx context.Context, projectID string) ([]*Agent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, project_id, name, created_at FROM agents WHERE project_id = ? ORDER BY created_at`,
		projectID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying agents: %w", err)
	}
	defer rows.Close()

	var agents []*Agent
	for rows.Next() {
		var a Agent
		if err := rows.Scan(&a.ID, &a.ProjectID, &a.Name, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning agent: %w", err)
		}
		agents = append(agents, &a)
	}
	return agents, rows.Err()
}

// CreateMember inserts a new member
func (s *SQLiteStore) CreateMember(ctx context.Context, member *Member) error {
	if member.CreatedAt.IsZero() {
		member.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO members (id, project_id, email, full_name, is_anonymous, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		member.ID, member.ProjectID, member.Email, member.FullName, member.IsAnonymous, member.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting member: %w", err)
	}
	return nil
}

// GetMember retrieves a member by ID
func (s *SQLiteStore) GetMember(ctx context.Context, id string) (*Member, error) {
	var m Member
	err := s.db.QueryRowContext(ctx,
		`SELECT id, project_id, email, full_name, is_anonymous, created_at FROM members WHERE id = ?`,
		id,
	).Scan(&m.ID, &m.ProjectID, &m.Email, &m.FullName, &m.IsAnonymous, &m.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying member: %w", err)
	}
	return &m, nil
}

// CreateConversation inserts a new conversation
func (s *SQLiteStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	now := time.Now().UTC()
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = now
	}
	if conv.UpdatedAt.IsZero() {
		conv.UpdatedAt = now
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, agent_id, member_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)`,
		conv.ID, conv.AgentID, conv.MemberID, conv.CreatedAt, conv.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting conversation: %w", err)
	}
	return nil
}

// GetConversation retrieves a conversation by ID
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	var c Conversation
	err := s.db.QueryRowContext(ctx,
		`SELECT id, agent_id, member_id, created_at, updated_at FROM conversations WHERE id = ?`,
		id,
	).Scan(&c.ID, &c.AgentID, &c.MemberID, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying conversation: %w", err)
	}
	return &c, nil
}

// GetConversationWithAgent retrieves a conversation joined with its agent row
func (s *SQLiteStore) GetConversationWithAgent(ctx context.Context, id string) (*ConversationWithAgent, error) {
	var c ConversationWithAgent
	var a Agent
	err := s.db.QueryRowContext(ctx,
		`SELECT c.id, c.agent_id, c.member_id, c.created_at, c.updated_at,
		        a.id, a.project_id, a.name, a.created_at
		 FROM conversations c
		 JOIN agents a ON a.id = c.agent_id
		 WHERE c.id = ?`,
		id,
	).Scan(
		&c.ID, &c.AgentID, &c.MemberID, &c.CreatedAt, &c.UpdatedAt,
		&a.ID, &a.ProjectID, &a.Name, &a.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying conversation with agent: %w", err)
	}
	c.Agent = &a
	return &c, nil
}

// ListConversations returns conversations for an agent and member,
// newest first. Empty filter values match everything.
func (s *SQLiteStore) ListConversations(ctx context.Context, agentID, memberID string) ([]*Conversation, error) {
	query := `SELECT id, agent_id, member_id, created_at, updated_at FROM conversations WHERE 1=1`
	var args []any
	if agentID != "" {
		query += ` AND agent_id = ?`
		args = append(args, agentID)
	}
	if memberID != "" {
		query += ` AND member_id = ?`
		args = append(args, memberID)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying conversations: %w", err)
	}
	defer rows.Close()

	var convs []*Conversation
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.ID, &c.AgentID, &c.MemberID, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning conversation: %w", err)
		}
		convs = append(convs, &c)
	}
	return convs, rows.Err()
}

// CreateMessage persists a new message and returns the stored row.
// The ID and timestamp are assigned here; the relay never updates a
// message's text after creation.
func (s *SQLiteStore) CreateMessage(ctx context.Context, msg *NewMessage) (*Message, error) {
	format := msg.Format
	if format == "" {
		format = FormatPlainText
	}

	stored := &Message{
		ID:             uuid.New().String(),
		ConversationID: msg.ConversationID,
		Text:           msg.Text,
		Source:         msg.Source,
		Format:         format,
		CreatedAt:      time.Now().UTC(),
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, text, source, format, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		stored.ID, stored.ConversationID, stored.Text, stored.Source, stored.Format, stored.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("inserting message: %w", err)
	}
	return stored, nil
}

// GetMessage retrieves a message by ID
func (s *SQLiteStore) GetMessage(ctx context.Context, id string) (*Message, error) {
	var m Message
	err := s.db.QueryRowContext(ctx,
		`SELECT id, conversation_id, text, source, format, created_at FROM messages WHERE id = ?`,
		id,
	).Scan(&m.ID, &m.ConversationID, &m.Text, &m.Source, &m.Format, &m.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying message: %w", err)
	}
	return &m, nil
}

// ListConversationMessages returns messages for a conversation in creation
// order. limit <= 0 means no limit.
func (s *SQLiteStore) ListConversationMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error) {
	query := `SELECT id, conversation_id, text, source, format, created_at
	          FROM messages WHERE conversation_id = ? ORDER BY created_at, id`
	args := []any{conversationID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var msgs []*Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Text, &m.Source, &m.Format, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		msgs = append(msgs, &m)
	}
	return msgs, rows.Err()
}

// CreateSecret inserts a new SDK secret record (hash and salt only)
func (s *SQLiteStore) CreateSecret(ctx context.Context, secret *SDKSecret) error {
	if secret.CreatedAt.IsZero() {
		secret.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sdk_secrets (id, project_id, hash, salt, description, created_at, revoked_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		secret.ID, secret.ProjectID, secret.Hash, secret.Salt, secret.Description,
		secret.CreatedAt, secret.RevokedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting sdk secret: %w", err)
	}
	return nil
}

// ListProjectSecrets returns all secrets for a project, including revoked
// ones. Callers filter on RevokedAt.
func (s *SQLiteStore) ListProjectSecrets(ctx context.Context, projectID string) ([]*SDKSecret, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, project_id, hash, salt, description, created_at, revoked_at
		 FROM sdk_secrets WHERE project_id = ? ORDER BY created_at`,
		projectID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying sdk secrets: %w", err)
	}
	defer rows.Close()

	var secrets []*SDKSecret
	for rows.Next() {
		var sec SDKSecret
		var desc sql.NullString
		if err := rows.Scan(&sec.ID, &sec.ProjectID, &sec.Hash, &sec.Salt, &desc, &sec.CreatedAt, &sec.RevokedAt); err != nil {
			return nil, fmt.Errorf("scanning sdk secret: %w", err)
		}
		sec.Description = desc.String
		secrets = append(secrets, &sec)
	}
	return secrets, rows.Err()
}

// RevokeSecret marks a secret as revoked. Revoking an already revoked
// secret is a no-op; an unknown id returns ErrNotFound.
func (s *SQLiteStore) RevokeSecret(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sdk_secrets SET revoked_at = COALESCE(revoked_at, ?) WHERE id = ?`,
		time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("revoking sdk secret: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking revoke result: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Close closes the underlying database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// isUniqueViolation reports whether err is a SQLite unique constraint failure
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
