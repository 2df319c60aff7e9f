package conversation

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// Store persists conversations and their sessions.
type Store interface {
	GetOrCreateConversation(ctx context.Context, platform, platformConversationID string, defaults Defaults) (*Conversation, error)
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	GetConversationByPlatformID(ctx context.Context, platform, platformConversationID string) (*Conversation, error)
	UpdateConversation(ctx context.Context, id string, update Update) error
	TouchActivity(ctx context.Context, id string) error
	GetConversationsByIsolationEnv(ctx context.Context, isolationEnvID string) ([]*Conversation, error)
	ListConversations(ctx context.Context) ([]*Conversation, error)

	CreateSession(ctx context.Context, session *Session) error
	GetActiveSession(ctx context.Context, conversationID string) (*Session, error)
	DeactivateSession(ctx context.Context, id string) error
	DeactivateSessionsForConversation(ctx context.Context, conversationID string) error
	UpdateSessionAssistantID(ctx context.Context, id, assistantSessionID string) error
	UpdateSessionMetadata(ctx context.Context, id string, metadata map[string]string) error
}

// SQLiteStore implements Store on sqlx. Despite the name it works against
// Postgres as well via sqlx Rebind.
type SQLiteStore struct {
	db *sqlx.DB // writer
	ro *sqlx.DB // reader
}

// NewStore creates a conversation store and initializes its schema.
func NewStore(writer, reader *sqlx.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: writer, ro: reader}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize conversation schema: %w", err)
	}
	return s, nil
}

// Provide creates the store for dependency injection.
func Provide(writer, reader *sqlx.DB) (Store, func() error, error) {
	store, err := NewStore(writer, reader)
	if err != nil {
		return nil, nil, err
	}
	return store, func() error { return nil }, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		platform TEXT NOT NULL,
		platform_conversation_id TEXT NOT NULL,
		codebase_id TEXT DEFAULT '',
		ai_assistant_type TEXT DEFAULT '',
		cwd TEXT DEFAULT '',
		isolation_env_id TEXT DEFAULT '',
		last_activity_at TIMESTAMP NOT NULL,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		UNIQUE(platform, platform_conversation_id)
	);

	CREATE INDEX IF NOT EXISTS idx_conversations_codebase ON conversations(codebase_id);
	CREATE INDEX IF NOT EXISTS idx_conversations_isolation_env ON conversations(isolation_env_id);
	CREATE INDEX IF NOT EXISTS idx_conversations_last_activity ON conversations(last_activity_at);

	CREATE TABLE IF NOT EXISTS conversation_sessions (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		ai_assistant_type TEXT DEFAULT '',
		assistant_session_id TEXT DEFAULT '',
		active INTEGER NOT NULL DEFAULT 1,
		metadata TEXT DEFAULT '{}',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_conversation ON conversation_sessions(conversation_id);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_one_active ON conversation_sessions(conversation_id) WHERE active = 1;
	`

	_, err := s.db.Exec(schema)
	return err
}

const conversationColumns = `id, platform, platform_conversation_id, codebase_id, ai_assistant_type, cwd, isolation_env_id, last_activity_at, created_at, updated_at`

const sessionColumns = `id, conversation_id, ai_assistant_type, assistant_session_id, active, metadata, created_at, updated_at`

// GetOrCreateConversation returns the conversation for a platform identity,
// creating it from defaults on first contact. Creation races resolve to the
// row that won the unique constraint.
func (s *SQLiteStore) GetOrCreateConversation(ctx context.Context, platform, platformConversationID string, defaults Defaults) (*Conversation, error) {
	conv, err := s.GetConversationByPlatformID(ctx, platform, platformConversationID)
	if err == nil {
		return conv, nil
	}
	if err != ErrNotFound {
		return nil, err
	}

	now := time.Now().UTC()
	conv = &Conversation{
		ID:                     uuid.New().String(),
		Platform:               platform,
		PlatformConversationID: platformConversationID,
		CodebaseID:             defaults.CodebaseID,
		AIAssistantType:        defaults.AIAssistantType,
		CWD:                    defaults.CWD,
		LastActivityAt:         now,
		CreatedAt:              now,
		UpdatedAt:              now,
	}

	query := s.db.Rebind(`
		INSERT INTO conversations (` + conversationColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	_, err = s.db.ExecContext(ctx, query,
		conv.ID, conv.Platform, conv.PlatformConversationID, conv.CodebaseID,
		conv.AIAssistantType, conv.CWD, conv.IsolationEnvID,
		conv.LastActivityAt, conv.CreatedAt, conv.UpdatedAt)
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "unique") {
			// Another writer created it between our read and insert.
			return s.GetConversationByPlatformID(ctx, platform, platformConversationID)
		}
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}
	return conv, nil
}

// GetConversation retrieves a conversation by ID.
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	query := s.ro.Rebind(`SELECT ` + conversationColumns + ` FROM conversations WHERE id = ?`)
	return scanConversation(s.ro.QueryRowContext(ctx, query, id))
}

// GetConversationByPlatformID retrieves a conversation by its platform identity.
func (s *SQLiteStore) GetConversationByPlatformID(ctx context.Context, platform, platformConversationID string) (*Conversation, error) {
	query := s.ro.Rebind(`SELECT ` + conversationColumns + ` FROM conversations
		WHERE platform = ? AND platform_conversation_id = ?`)
	return scanConversation(s.ro.QueryRowContext(ctx, query, platform, platformConversationID))
}

// UpdateConversation applies a partial update. Nil fields are untouched;
// a pointer to the empty string clears the column. The assistant type is
// the exception: it is write-once and ignores updates once set.
func (s *SQLiteStore) UpdateConversation(ctx context.Context, id string, update Update) error {
	sets := []string{"updated_at = ?"}
	args := []interface{}{time.Now().UTC()}

	if update.CodebaseID != nil {
		sets = append(sets, "codebase_id = ?")
		args = append(args, *update.CodebaseID)
	}
	if update.AIAssistantType != nil {
		// Write-once: only an empty column accepts a value.
		sets = append(sets, `ai_assistant_type = CASE
			WHEN ai_assistant_type IS NULL OR ai_assistant_type = '' THEN ?
			ELSE ai_assistant_type END`)
		args = append(args, *update.AIAssistantType)
	}
	if update.CWD != nil {
		sets = append(sets, "cwd = ?")
		args = append(args, *update.CWD)
	}
	if update.IsolationEnvID != nil {
		sets = append(sets, "isolation_env_id = ?")
		args = append(args, *update.IsolationEnvID)
	}

	args = append(args, id)
	query := s.db.Rebind(`UPDATE conversations SET ` + strings.Join(sets, ", ") + ` WHERE id = ?`)

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update conversation: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchActivity bumps last_activity_at to now.
func (s *SQLiteStore) TouchActivity(ctx context.Context, id string) error {
	query := s.db.Rebind(`UPDATE conversations SET last_activity_at = ?, updated_at = ? WHERE id = ?`)
	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx, query, now, now, id)
	if err != nil {
		return fmt.Errorf("failed to touch conversation activity: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// GetConversationsByIsolationEnv lists conversations bound to an isolation
// environment. Cleanup uses this to protect referenced environments.
func (s *SQLiteStore) GetConversationsByIsolationEnv(ctx context.Context, isolationEnvID string) ([]*Conversation, error) {
	query := s.ro.Rebind(`SELECT ` + conversationColumns + ` FROM conversations
		WHERE isolation_env_id = ? ORDER BY created_at ASC`)
	return s.queryConversations(ctx, query, isolationEnvID)
}

// ListConversations returns all conversations ordered by most recent activity.
func (s *SQLiteStore) ListConversations(ctx context.Context) ([]*Conversation, error) {
	query := `SELECT ` + conversationColumns + ` FROM conversations ORDER BY last_activity_at DESC`
	return s.queryConversations(ctx, query)
}

func (s *SQLiteStore) queryConversations(ctx context.Context, query string, args ...interface{}) ([]*Conversation, error) {
	rows, err := s.ro.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query conversations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var conversations []*Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		conversations = append(conversations, conv)
	}
	return conversations, rows.Err()
}

// CreateSession inserts a new session. The schema allows at most one active
// session per conversation; deactivate the previous one first.
func (s *SQLiteStore) CreateSession(ctx context.Context, session *Session) error {
	if session.ID == "" {
		session.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	session.CreatedAt = now
	session.UpdatedAt = now
	session.Active = true

	metadata, err := marshalMetadata(session.Metadata)
	if err != nil {
		return err
	}

	query := s.db.Rebind(`
		INSERT INTO conversation_sessions (` + sessionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)

	_, err = s.db.ExecContext(ctx, query,
		session.ID, session.ConversationID, session.AIAssistantType,
		session.AssistantSessionID, session.Active, metadata,
		session.CreatedAt, session.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

// GetActiveSession returns the active session of a conversation.
func (s *SQLiteStore) GetActiveSession(ctx context.Context, conversationID string) (*Session, error) {
	query := s.ro.Rebind(`SELECT ` + sessionColumns + ` FROM conversation_sessions
		WHERE conversation_id = ? AND active = 1`)
	return scanSession(s.ro.QueryRowContext(ctx, query, conversationID))
}

// DeactivateSession marks one session inactive.
func (s *SQLiteStore) DeactivateSession(ctx context.Context, id string) error {
	query := s.db.Rebind(`UPDATE conversation_sessions SET active = 0, updated_at = ? WHERE id = ?`)
	result, err := s.db.ExecContext(ctx, query, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to deactivate session: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// DeactivateSessionsForConversation marks every session of a conversation
// inactive. A conversation with no active session starts fresh on its next
// message.
func (s *SQLiteStore) DeactivateSessionsForConversation(ctx context.Context, conversationID string) error {
	query := s.db.Rebind(`UPDATE conversation_sessions SET active = 0, updated_at = ?
		WHERE conversation_id = ? AND active = 1`)
	_, err := s.db.ExecContext(ctx, query, time.Now().UTC(), conversationID)
	if err != nil {
		return fmt.Errorf("failed to deactivate sessions: %w", err)
	}
	return nil
}

// UpdateSessionAssistantID persists the provider-side resume token.
func (s *SQLiteStore) UpdateSessionAssistantID(ctx context.Context, id, assistantSessionID string) error {
	query := s.db.Rebind(`UPDATE conversation_sessions SET assistant_session_id = ?, updated_at = ? WHERE id = ?`)
	result, err := s.db.ExecContext(ctx, query, assistantSessionID, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update session assistant id: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// UpdateSessionMetadata replaces the session metadata map.
func (s *SQLiteStore) UpdateSessionMetadata(ctx context.Context, id string, metadata map[string]string) error {
	encoded, err := marshalMetadata(metadata)
	if err != nil {
		return err
	}
	query := s.db.Rebind(`UPDATE conversation_sessions SET metadata = ?, updated_at = ? WHERE id = ?`)
	result, err := s.db.ExecContext(ctx, query, encoded, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update session metadata: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func marshalMetadata(metadata map[string]string) (string, error) {
	if metadata == nil {
		return "{}", nil
	}
	encoded, err := json.Marshal(metadata)
	if err != nil {
		return "", fmt.Errorf("failed to marshal session metadata: %w", err)
	}
	return string(encoded), nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanConversation(row rowScanner) (*Conversation, error) {
	var conv Conversation
	var codebaseID, assistantType, cwd, isolationEnvID sql.NullString

	err := row.Scan(&conv.ID, &conv.Platform, &conv.PlatformConversationID,
		&codebaseID, &assistantType, &cwd, &isolationEnvID,
		&conv.LastActivityAt, &conv.CreatedAt, &conv.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan conversation: %w", err)
	}

	conv.CodebaseID = codebaseID.String
	conv.AIAssistantType = assistantType.String
	conv.CWD = cwd.String
	conv.IsolationEnvID = isolationEnvID.String
	return &conv, nil
}

func scanSession(row rowScanner) (*Session, error) {
	var session Session
	var assistantType, assistantSessionID, metadata sql.NullString

	err := row.Scan(&session.ID, &session.ConversationID, &assistantType,
		&assistantSessionID, &session.Active, &metadata,
		&session.CreatedAt, &session.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan session: %w", err)
	}

	session.AIAssistantType = assistantType.String
	session.AssistantSessionID = assistantSessionID.String
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &session.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal session metadata: %w", err)
		}
	}
	return &session, nil
}

var _ Store = (*SQLiteStore)(nil)
