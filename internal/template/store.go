package template

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/relaybot/relaybot/internal/db/dialect"
)

// Store persists command templates.
type Store interface {
	Upsert(ctx context.Context, tpl *Template) error
	Get(ctx context.Context, name string) (*Template, error)
	List(ctx context.Context) ([]*Template, error)
	Delete(ctx context.Context, name string) error
}

// SQLiteStore implements Store on sqlx. Despite the name it works against
// Postgres as well via sqlx Rebind.
type SQLiteStore struct {
	db *sqlx.DB // writer
	ro *sqlx.DB // reader
}

// NewStore creates a template store and initializes its schema.
func NewStore(writer, reader *sqlx.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: writer, ro: reader}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize template schema: %w", err)
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
	CREATE TABLE IF NOT EXISTS command_templates (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		description TEXT DEFAULT '',
		content TEXT NOT NULL,
		builtin INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

const templateColumns = `id, name, description, content, builtin, created_at, updated_at`

// Upsert inserts a template or, when the name is taken, replaces its
// description, content and builtin flag in place.
func (s *SQLiteStore) Upsert(ctx context.Context, tpl *Template) error {
	if tpl.ID == "" {
		tpl.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	tpl.CreatedAt = now
	tpl.UpdatedAt = now

	query := s.db.Rebind(`
		INSERT INTO command_templates (` + templateColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			description = excluded.description,
			content = excluded.content,
			builtin = excluded.builtin,
			updated_at = excluded.updated_at`)

	_, err := s.db.ExecContext(ctx, query,
		tpl.ID, tpl.Name, tpl.Description, tpl.Content,
		dialect.BoolToInt(tpl.Builtin), tpl.CreatedAt, tpl.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert template: %w", err)
	}
	return nil
}

// Get retrieves a template by name.
func (s *SQLiteStore) Get(ctx context.Context, name string) (*Template, error) {
	query := s.ro.Rebind(`SELECT ` + templateColumns + ` FROM command_templates WHERE name = ?`)
	return scanTemplate(s.ro.QueryRowContext(ctx, query, name))
}

// List returns all templates ordered by name.
func (s *SQLiteStore) List(ctx context.Context) ([]*Template, error) {
	rows, err := s.ro.QueryContext(ctx,
		`SELECT `+templateColumns+` FROM command_templates ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list templates: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var templates []*Template
	for rows.Next() {
		tpl, err := scanTemplate(rows)
		if err != nil {
			return nil, err
		}
		templates = append(templates, tpl)
	}
	return templates, rows.Err()
}

// Delete removes a template by name.
func (s *SQLiteStore) Delete(ctx context.Context, name string) error {
	query := s.db.Rebind(`DELETE FROM command_templates WHERE name = ?`)
	result, err := s.db.ExecContext(ctx, query, name)
	if err != nil {
		return fmt.Errorf("failed to delete template: %w", err)
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

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTemplate(row rowScanner) (*Template, error) {
	var tpl Template
	var description sql.NullString
	var builtin int

	err := row.Scan(&tpl.ID, &tpl.Name, &description, &tpl.Content,
		&builtin, &tpl.CreatedAt, &tpl.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan template: %w", err)
	}

	tpl.Description = description.String
	tpl.Builtin = builtin != 0
	return &tpl, nil
}

var _ Store = (*SQLiteStore)(nil)
