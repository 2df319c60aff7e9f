package codebase

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/relaybot/relaybot/internal/db/dialect"
)

// Store is the interface for codebase persistence.
type Store interface {
	// CreateCodebase persists a new codebase record.
	CreateCodebase(ctx context.Context, cb *Codebase) error
	// GetCodebase retrieves a codebase by its unique ID.
	GetCodebase(ctx context.Context, id string) (*Codebase, error)
	// GetCodebaseByRepoURL retrieves a codebase by its remote URL.
	GetCodebaseByRepoURL(ctx context.Context, repoURL string) (*Codebase, error)
	// GetCodebaseByPath retrieves a codebase by its canonical local path.
	GetCodebaseByPath(ctx context.Context, localPath string) (*Codebase, error)
	// GetCodebaseByNamePrefix retrieves the codebase whose name starts with prefix.
	GetCodebaseByNamePrefix(ctx context.Context, prefix string) (*Codebase, error)
	// ListCodebases returns all codebases ordered by name.
	ListCodebases(ctx context.Context) ([]*Codebase, error)
	// UpdateCodebase updates mutable fields of an existing record.
	UpdateCodebase(ctx context.Context, cb *Codebase) error
	// UpdateCodebaseCommands replaces the command catalog of a codebase.
	UpdateCodebaseCommands(ctx context.Context, id string, commands map[string]CommandSpec) error
}

// SQLiteStore implements Store over the shared writer/reader pools.
// Despite the name it works against Postgres as well via sqlx Rebind.
type SQLiteStore struct {
	db *sqlx.DB // writer
	ro *sqlx.DB // reader
}

// NewStore creates a codebase store and ensures its schema exists.
func NewStore(writer, reader *sqlx.DB) (*SQLiteStore, error) {
	store := &SQLiteStore{db: writer, ro: reader}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize codebase schema: %w", err)
	}
	return store, nil
}

// Provide creates the codebase store using separate writer and reader pools.
func Provide(writer, reader *sqlx.DB) (*SQLiteStore, func() error, error) {
	store, err := NewStore(writer, reader)
	if err != nil {
		return nil, nil, err
	}
	return store, func() error { return nil }, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS codebases (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		repo_url TEXT DEFAULT '',
		local_path TEXT NOT NULL UNIQUE,
		ai_assistant_type TEXT DEFAULT '',
		commands_folder TEXT DEFAULT '',
		commands TEXT DEFAULT '{}',
		default_branch TEXT DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_codebases_name ON codebases(name);
	CREATE INDEX IF NOT EXISTS idx_codebases_repo_url ON codebases(repo_url);
	`
	_, err := s.db.Exec(schema)
	return err
}

const codebaseColumns = `id, name, repo_url, local_path, ai_assistant_type, commands_folder, commands, default_branch, created_at, updated_at`

// CreateCodebase persists a new codebase record.
func (s *SQLiteStore) CreateCodebase(ctx context.Context, cb *Codebase) error {
	if cb.ID == "" {
		cb.ID = uuid.New().String()
	}
	cb.Name = strings.TrimSpace(cb.Name)
	now := time.Now().UTC()
	if cb.CreatedAt.IsZero() {
		cb.CreatedAt = now
	}
	cb.UpdatedAt = now

	commandsJSON, err := marshalCommands(cb.Commands)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO codebases (`+codebaseColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), cb.ID, cb.Name, cb.RepoURL, cb.LocalPath, cb.AIAssistantType,
		cb.CommandsFolder, commandsJSON, cb.DefaultBranch, cb.CreatedAt, cb.UpdatedAt)
	if err != nil && strings.Contains(strings.ToLower(err.Error()), "unique") {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, cb.LocalPath)
	}
	return err
}

// GetCodebase retrieves a codebase by its unique ID.
func (s *SQLiteStore) GetCodebase(ctx context.Context, id string) (*Codebase, error) {
	row := s.ro.QueryRowContext(ctx, s.ro.Rebind(`
		SELECT `+codebaseColumns+` FROM codebases WHERE id = ?
	`), id)
	return scanCodebase(row)
}

// GetCodebaseByRepoURL retrieves a codebase by its remote URL.
func (s *SQLiteStore) GetCodebaseByRepoURL(ctx context.Context, repoURL string) (*Codebase, error) {
	row := s.ro.QueryRowContext(ctx, s.ro.Rebind(`
		SELECT `+codebaseColumns+` FROM codebases WHERE repo_url = ?
	`), repoURL)
	return scanCodebase(row)
}

// GetCodebaseByPath retrieves a codebase by its canonical local path.
func (s *SQLiteStore) GetCodebaseByPath(ctx context.Context, localPath string) (*Codebase, error) {
	row := s.ro.QueryRowContext(ctx, s.ro.Rebind(`
		SELECT `+codebaseColumns+` FROM codebases WHERE local_path = ?
	`), localPath)
	return scanCodebase(row)
}

// GetCodebaseByNamePrefix retrieves the codebase whose name starts with prefix.
// An exact match wins over a prefix match.
func (s *SQLiteStore) GetCodebaseByNamePrefix(ctx context.Context, prefix string) (*Codebase, error) {
	row := s.ro.QueryRowContext(ctx, s.ro.Rebind(`
		SELECT `+codebaseColumns+` FROM codebases WHERE name = ?
	`), prefix)
	cb, err := scanCodebase(row)
	if err == nil {
		return cb, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	like := dialect.Like(s.ro.DriverName())
	row = s.ro.QueryRowContext(ctx, s.ro.Rebind(`
		SELECT `+codebaseColumns+` FROM codebases WHERE name `+like+` ? ORDER BY name ASC LIMIT 1
	`), prefix+"%")
	return scanCodebase(row)
}

// ListCodebases returns all codebases ordered by name.
func (s *SQLiteStore) ListCodebases(ctx context.Context) ([]*Codebase, error) {
	rows, err := s.ro.QueryContext(ctx, `
		SELECT `+codebaseColumns+` FROM codebases ORDER BY name ASC
	`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Codebase
	for rows.Next() {
		cb, err := scanCodebase(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, cb)
	}
	return result, rows.Err()
}

// UpdateCodebase updates mutable fields of an existing record.
func (s *SQLiteStore) UpdateCodebase(ctx context.Context, cb *Codebase) error {
	cb.UpdatedAt = time.Now().UTC()

	commandsJSON, err := marshalCommands(cb.Commands)
	if err != nil {
		return err
	}

	result, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE codebases SET
			name = ?, repo_url = ?, ai_assistant_type = ?,
			commands_folder = ?, commands = ?, default_branch = ?, updated_at = ?
		WHERE id = ?
	`), cb.Name, cb.RepoURL, cb.AIAssistantType,
		cb.CommandsFolder, commandsJSON, cb.DefaultBranch, cb.UpdatedAt, cb.ID)
	if err != nil {
		return err
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, cb.ID)
	}
	return nil
}

// UpdateCodebaseCommands replaces the command catalog of a codebase.
func (s *SQLiteStore) UpdateCodebaseCommands(ctx context.Context, id string, commands map[string]CommandSpec) error {
	commandsJSON, err := marshalCommands(commands)
	if err != nil {
		return err
	}

	result, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE codebases SET commands = ?, updated_at = ? WHERE id = ?
	`), commandsJSON, time.Now().UTC(), id)
	if err != nil {
		return err
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

func marshalCommands(commands map[string]CommandSpec) (string, error) {
	if commands == nil {
		return "{}", nil
	}
	data, err := json.Marshal(commands)
	if err != nil {
		return "", fmt.Errorf("failed to serialize codebase commands: %w", err)
	}
	return string(data), nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanCodebase(row rowScanner) (*Codebase, error) {
	cb := &Codebase{}
	var commandsJSON string

	err := row.Scan(
		&cb.ID,
		&cb.Name,
		&cb.RepoURL,
		&cb.LocalPath,
		&cb.AIAssistantType,
		&cb.CommandsFolder,
		&commandsJSON,
		&cb.DefaultBranch,
		&cb.CreatedAt,
		&cb.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if commandsJSON != "" && commandsJSON != "{}" {
		if err := json.Unmarshal([]byte(commandsJSON), &cb.Commands); err != nil {
			return nil, fmt.Errorf("failed to deserialize codebase commands: %w", err)
		}
	}
	return cb, nil
}

// Ensure SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)
