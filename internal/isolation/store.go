package isolation

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/relaybot/relaybot/internal/db/dialect"
)

// Store persists isolation environments.
type Store interface {
	CreateEnvironment(ctx context.Context, env *Environment) error
	GetEnvironment(ctx context.Context, id string) (*Environment, error)
	GetEnvironmentByPath(ctx context.Context, workingPath string) (*Environment, error)
	GetEnvironmentByBranch(ctx context.Context, codebaseID, branchName string) (*Environment, error)
	ListByCodebase(ctx context.Context, codebaseID string) ([]*Environment, error)
	ListByCodebaseWithAge(ctx context.Context, codebaseID string) ([]*EnvironmentWithAge, error)
	CountActiveByCodebase(ctx context.Context, codebaseID string) (int, error)
	MarkDestroyed(ctx context.Context, id string) error
}

// SQLiteStore implements Store on sqlx. Despite the name it works against
// Postgres as well via sqlx Rebind.
type SQLiteStore struct {
	db *sqlx.DB // writer
	ro *sqlx.DB // reader
}

// NewStore creates an isolation store and initializes its schema.
func NewStore(writer, reader *sqlx.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: writer, ro: reader}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize isolation schema: %w", err)
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
	CREATE TABLE IF NOT EXISTS isolation_environments (
		id TEXT PRIMARY KEY,
		codebase_id TEXT NOT NULL,
		provider TEXT NOT NULL DEFAULT 'worktree',
		working_path TEXT NOT NULL,
		branch_name TEXT NOT NULL,
		workflow_type TEXT NOT NULL,
		identifier TEXT DEFAULT '',
		status TEXT NOT NULL DEFAULT 'active',
		created_by_platform TEXT DEFAULT '',
		metadata TEXT DEFAULT '{}',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		destroyed_at TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_isolation_envs_codebase ON isolation_environments(codebase_id);
	CREATE INDEX IF NOT EXISTS idx_isolation_envs_path ON isolation_environments(working_path);
	CREATE INDEX IF NOT EXISTS idx_isolation_envs_status ON isolation_environments(status);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_isolation_envs_active_branch
		ON isolation_environments(codebase_id, branch_name) WHERE status = 'active';
	`

	_, err := s.db.Exec(schema)
	return err
}

const environmentColumns = `id, codebase_id, provider, working_path, branch_name, workflow_type, identifier, status, created_by_platform, metadata, created_at, updated_at, destroyed_at`

// CreateEnvironment inserts a new active environment. A second active
// environment on the same (codebase, branch) fails with ErrBranchInUse.
func (s *SQLiteStore) CreateEnvironment(ctx context.Context, env *Environment) error {
	if env.ID == "" {
		env.ID = uuid.New().String()
	}
	if env.Provider == "" {
		env.Provider = ProviderWorktree
	}
	if env.Status == "" {
		env.Status = StatusActive
	}
	now := time.Now().UTC()
	env.CreatedAt = now
	env.UpdatedAt = now

	metadata, err := marshalMetadata(env.Metadata)
	if err != nil {
		return err
	}

	query := s.db.Rebind(`
		INSERT INTO isolation_environments (` + environmentColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	_, err = s.db.ExecContext(ctx, query,
		env.ID, env.CodebaseID, env.Provider, env.WorkingPath, env.BranchName,
		env.WorkflowType, env.Identifier, env.Status, env.CreatedByPlatform,
		metadata, env.CreatedAt, env.UpdatedAt, nil)
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "unique") {
			return fmt.Errorf("%w: %s", ErrBranchInUse, env.BranchName)
		}
		return fmt.Errorf("failed to create isolation environment: %w", err)
	}
	return nil
}

// GetEnvironment retrieves an environment by ID regardless of status.
func (s *SQLiteStore) GetEnvironment(ctx context.Context, id string) (*Environment, error) {
	query := s.ro.Rebind(`SELECT ` + environmentColumns + ` FROM isolation_environments WHERE id = ?`)
	return scanEnvironment(s.ro.QueryRowContext(ctx, query, id))
}

// GetEnvironmentByPath retrieves the active environment at a working path.
func (s *SQLiteStore) GetEnvironmentByPath(ctx context.Context, workingPath string) (*Environment, error) {
	query := s.ro.Rebind(`SELECT ` + environmentColumns + ` FROM isolation_environments
		WHERE working_path = ? AND status = 'active'`)
	return scanEnvironment(s.ro.QueryRowContext(ctx, query, workingPath))
}

// GetEnvironmentByBranch retrieves the active environment holding a branch.
func (s *SQLiteStore) GetEnvironmentByBranch(ctx context.Context, codebaseID, branchName string) (*Environment, error) {
	query := s.ro.Rebind(`SELECT ` + environmentColumns + ` FROM isolation_environments
		WHERE codebase_id = ? AND branch_name = ? AND status = 'active'`)
	return scanEnvironment(s.ro.QueryRowContext(ctx, query, codebaseID, branchName))
}

// ListByCodebase returns the active environments of a codebase.
func (s *SQLiteStore) ListByCodebase(ctx context.Context, codebaseID string) ([]*Environment, error) {
	query := s.ro.Rebind(`SELECT ` + environmentColumns + ` FROM isolation_environments
		WHERE codebase_id = ? AND status = 'active' ORDER BY created_at ASC`)

	rows, err := s.ro.QueryContext(ctx, query, codebaseID)
	if err != nil {
		return nil, fmt.Errorf("failed to list isolation environments: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var envs []*Environment
	for rows.Next() {
		env, err := scanEnvironment(rows)
		if err != nil {
			return nil, err
		}
		envs = append(envs, env)
	}
	return envs, rows.Err()
}

// ListByCodebaseWithAge returns the active environments of a codebase with
// DaysSinceActivity computed in SQL: the larger of days-since-creation and
// days since the most recent activity of any referencing conversation. The
// query joins the conversations table owned by the conversation store.
func (s *SQLiteStore) ListByCodebaseWithAge(ctx context.Context, codebaseID string) ([]*EnvironmentWithAge, error) {
	driver := s.ro.DriverName()
	greatest := dialect.Greatest(driver)
	sinceCreated := dialect.DaysSince(driver, "e.created_at")
	sinceActivity := dialect.DaysSince(driver, "COALESCE(MAX(c.last_activity_at), e.created_at)")

	cols := "e." + strings.Join(strings.Split(environmentColumns, ", "), ", e.")
	query := s.ro.Rebind(`
		SELECT ` + cols + `,
			` + greatest + `(` + sinceCreated + `, ` + sinceActivity + `) AS days_since_activity
		FROM isolation_environments e
		LEFT JOIN conversations c ON c.isolation_env_id = e.id
		WHERE e.codebase_id = ? AND e.status = 'active'
		GROUP BY e.id
		ORDER BY days_since_activity DESC, e.created_at ASC`)

	rows, err := s.ro.QueryContext(ctx, query, codebaseID)
	if err != nil {
		return nil, fmt.Errorf("failed to list isolation environments with age: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var envs []*EnvironmentWithAge
	for rows.Next() {
		var aged EnvironmentWithAge
		env, err := scanEnvironmentInto(rows, &aged.DaysSinceActivity)
		if err != nil {
			return nil, err
		}
		aged.Environment = *env
		envs = append(envs, &aged)
	}
	return envs, rows.Err()
}

// CountActiveByCodebase counts the active environments of a codebase, used
// to enforce the per-codebase worktree limit.
func (s *SQLiteStore) CountActiveByCodebase(ctx context.Context, codebaseID string) (int, error) {
	query := s.ro.Rebind(`SELECT COUNT(*) FROM isolation_environments
		WHERE codebase_id = ? AND status = 'active'`)

	var count int
	if err := s.ro.QueryRowContext(ctx, query, codebaseID).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count isolation environments: %w", err)
	}
	return count, nil
}

// MarkDestroyed transitions an environment to the terminal destroyed state.
func (s *SQLiteStore) MarkDestroyed(ctx context.Context, id string) error {
	now := time.Now().UTC()
	query := s.db.Rebind(`UPDATE isolation_environments
		SET status = 'destroyed', destroyed_at = ?, updated_at = ? WHERE id = ?`)

	result, err := s.db.ExecContext(ctx, query, now, now, id)
	if err != nil {
		return fmt.Errorf("failed to mark environment destroyed: %w", err)
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

func marshalMetadata(metadata map[string]string) (string, error) {
	if metadata == nil {
		return "{}", nil
	}
	encoded, err := json.Marshal(metadata)
	if err != nil {
		return "", fmt.Errorf("failed to marshal environment metadata: %w", err)
	}
	return string(encoded), nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEnvironment(row rowScanner) (*Environment, error) {
	return scanEnvironmentInto(row)
}

// scanEnvironmentInto scans the environment columns plus any trailing
// annotation columns (e.g. days_since_activity).
func scanEnvironmentInto(row rowScanner, extra ...interface{}) (*Environment, error) {
	var env Environment
	var identifier, createdBy, metadata sql.NullString
	var destroyedAt sql.NullTime

	dest := []interface{}{
		&env.ID, &env.CodebaseID, &env.Provider, &env.WorkingPath,
		&env.BranchName, &env.WorkflowType, &identifier, &env.Status,
		&createdBy, &metadata, &env.CreatedAt, &env.UpdatedAt, &destroyedAt,
	}
	dest = append(dest, extra...)

	err := row.Scan(dest...)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan isolation environment: %w", err)
	}

	env.Identifier = identifier.String
	env.CreatedByPlatform = createdBy.String
	if destroyedAt.Valid {
		t := destroyedAt.Time
		env.DestroyedAt = &t
	}
	if metadata.Valid && metadata.String != "" && metadata.String != "{}" {
		if err := json.Unmarshal([]byte(metadata.String), &env.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal environment metadata: %w", err)
		}
	}
	return &env, nil
}

var _ Store = (*SQLiteStore)(nil)
