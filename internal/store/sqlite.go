package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	// Register the pure-Go SQLite driver (no CGO required).
	_ "modernc.org/sqlite"

	"github.com/devpocket/environment-broker/internal/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS cluster_credentials (
	id     TEXT PRIMARY KEY,
	name   TEXT NOT NULL,
	config BLOB NOT NULL,
	status TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS users (
	id           TEXT PRIMARY KEY,
	is_active    INTEGER NOT NULL DEFAULT 1,
	locked_until TEXT
);
CREATE TABLE IF NOT EXISTS environments (
	id               TEXT PRIMARY KEY,
	owner_id         TEXT NOT NULL,
	cluster_id       TEXT NOT NULL,
	name             TEXT NOT NULL,
	image            TEXT NOT NULL,
	port             INTEGER NOT NULL,
	cpu              TEXT NOT NULL,
	memory           TEXT NOT NULL,
	storage          TEXT NOT NULL,
	env_vars         TEXT NOT NULL DEFAULT '{}',
	startup_commands TEXT NOT NULL DEFAULT '[]',
	status           TEXT NOT NULL,
	namespace        TEXT NOT NULL DEFAULT '',
	pod_name         TEXT NOT NULL DEFAULT '',
	service_name     TEXT NOT NULL DEFAULT '',
	external_url     TEXT NOT NULL DEFAULT '',
	last_error       TEXT NOT NULL DEFAULT '',
	created_at       TEXT NOT NULL,
	updated_at       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_environments_owner ON environments(owner_id);
CREATE TABLE IF NOT EXISTS terminal_sessions (
	environment_id   TEXT PRIMARY KEY,
	session_id       TEXT NOT NULL,
	status           TEXT NOT NULL,
	started_at       TEXT NOT NULL,
	ended_at         TEXT,
	last_activity_at TEXT NOT NULL
);
`

// SQLiteStore implements Store backed by SQLite via database/sql.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (and if necessary initializes) the broker database at the
// given path. Use ":memory:" for an ephemeral database in tests.
func OpenSQLite(path string) (*SQLiteStore, error) {
	dsn := path
	if path != ":memory:" {
		// WAL keeps readers from blocking the writer; the busy timeout covers
		// concurrent request handlers sharing the single file.
		dsn = fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if path == ":memory:" {
		// Every pooled connection to :memory: would get its own empty database.
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// GetCredential retrieves a cluster credential by ID.
func (s *SQLiteStore) GetCredential(ctx context.Context, id string) (*types.ClusterCredential, error) {
	var cred types.ClusterCredential
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, config, status FROM cluster_credentials WHERE id = ?`, id).
		Scan(&cred.ID, &cred.Name, &cred.Config, &cred.Status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("cluster credential %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cluster credential: %w", err)
	}
	return &cred, nil
}

// PutCredential inserts or replaces a cluster credential.
func (s *SQLiteStore) PutCredential(ctx context.Context, cred *types.ClusterCredential) error {
	if cred.ID == "" {
		cred.ID = uuid.New().String()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO cluster_credentials (id, name, config, status) VALUES (?, ?, ?, ?)`,
		cred.ID, cred.Name, cred.Config, cred.Status)
	if err != nil {
		return fmt.Errorf("failed to save cluster credential: %w", err)
	}
	return nil
}

// CreateEnvironment inserts a new environment record.
func (s *SQLiteStore) CreateEnvironment(ctx context.Context, env *types.EnvironmentRecord) error {
	if env.ID == "" {
		env.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	env.CreatedAt = now
	env.UpdatedAt = now

	envVars, err := json.Marshal(env.EnvVars)
	if err != nil {
		return fmt.Errorf("failed to encode env vars: %w", err)
	}
	commands, err := json.Marshal(env.StartupCommands)
	if err != nil {
		return fmt.Errorf("failed to encode startup commands: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO environments (
			id, owner_id, cluster_id, name, image, port, cpu, memory, storage,
			env_vars, startup_commands, status, namespace, pod_name, service_name,
			external_url, last_error, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		env.ID, env.OwnerID, env.ClusterID, env.Name, env.Image, env.Port,
		env.Resources.CPU, env.Resources.Memory, env.Resources.Storage,
		string(envVars), string(commands), env.Status,
		env.Namespace, env.PodName, env.ServiceName, env.ExternalURL, env.LastError,
		formatTime(now), formatTime(now))
	if err != nil {
		return fmt.Errorf("failed to create environment: %w", err)
	}
	return nil
}

// GetEnvironment retrieves an environment record by ID.
func (s *SQLiteStore) GetEnvironment(ctx context.Context, id string) (*types.EnvironmentRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, cluster_id, name, image, port, cpu, memory, storage,
		       env_vars, startup_commands, status, namespace, pod_name, service_name,
		       external_url, last_error, created_at, updated_at
		FROM environments WHERE id = ?`, id)

	env, err := scanEnvironment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("environment %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get environment: %w", err)
	}
	return env, nil
}

// ListEnvironmentsByOwner returns all environments owned by a user.
func (s *SQLiteStore) ListEnvironmentsByOwner(ctx context.Context, ownerID string) ([]types.EnvironmentRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner_id, cluster_id, name, image, port, cpu, memory, storage,
		       env_vars, startup_commands, status, namespace, pod_name, service_name,
		       external_url, last_error, created_at, updated_at
		FROM environments WHERE owner_id = ? ORDER BY created_at DESC`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list environments: %w", err)
	}
	defer rows.Close()

	var envs []types.EnvironmentRecord
	for rows.Next() {
		env, err := scanEnvironment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan environment: %w", err)
		}
		envs = append(envs, *env)
	}
	return envs, rows.Err()
}

// UpdateEnvironmentStatus sets the environment status.
func (s *SQLiteStore) UpdateEnvironmentStatus(ctx context.Context, id, status string) error {
	return s.updateEnvironment(ctx, id,
		`UPDATE environments SET status = ?, updated_at = ? WHERE id = ?`,
		status, formatTime(time.Now().UTC()), id)
}

// SetEnvironmentError records a provisioning failure and sets status ERROR.
func (s *SQLiteStore) SetEnvironmentError(ctx context.Context, id, lastError string) error {
	return s.updateEnvironment(ctx, id,
		`UPDATE environments SET status = ?, last_error = ?, updated_at = ? WHERE id = ?`,
		types.StatusError, lastError, formatTime(time.Now().UTC()), id)
}

// SetEnvironmentEndpoints records the cluster resource names and internal URL.
func (s *SQLiteStore) SetEnvironmentEndpoints(ctx context.Context, id, namespace, podName, serviceName, externalURL string) error {
	return s.updateEnvironment(ctx, id,
		`UPDATE environments SET namespace = ?, pod_name = ?, service_name = ?, external_url = ?, updated_at = ? WHERE id = ?`,
		namespace, podName, serviceName, externalURL, formatTime(time.Now().UTC()), id)
}

// TouchEnvironmentActivity stamps the environment's last-activity time.
func (s *SQLiteStore) TouchEnvironmentActivity(ctx context.Context, id string) error {
	return s.updateEnvironment(ctx, id,
		`UPDATE environments SET updated_at = ? WHERE id = ?`,
		formatTime(time.Now().UTC()), id)
}

func (s *SQLiteStore) updateEnvironment(ctx context.Context, id, query string, args ...any) error {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update environment: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update result: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("environment %s: %w", id, ErrNotFound)
	}
	return nil
}

// GetUser retrieves a user identity by ID.
func (s *SQLiteStore) GetUser(ctx context.Context, id string) (*types.UserIdentity, error) {
	var user types.UserIdentity
	var lockedUntil sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, is_active, locked_until FROM users WHERE id = ?`, id).
		Scan(&user.ID, &user.IsActive, &lockedUntil)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	if lockedUntil.Valid {
		t, err := parseTime(lockedUntil.String)
		if err != nil {
			return nil, fmt.Errorf("failed to parse locked_until: %w", err)
		}
		user.LockedUntil = &t
	}
	return &user, nil
}

// PutUser inserts or replaces a user identity.
func (s *SQLiteStore) PutUser(ctx context.Context, user *types.UserIdentity) error {
	var lockedUntil any
	if user.LockedUntil != nil {
		lockedUntil = formatTime(*user.LockedUntil)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO users (id, is_active, locked_until) VALUES (?, ?, ?)`,
		user.ID, user.IsActive, lockedUntil)
	if err != nil {
		return fmt.Errorf("failed to save user: %w", err)
	}
	return nil
}

// UpsertTerminalSession creates the terminal session for an environment, or
// marks an existing one ACTIVE and stamps its activity time.
func (s *SQLiteStore) UpsertTerminalSession(ctx context.Context, environmentID string) (*types.TerminalSession, error) {
	now := time.Now().UTC()
	session := &types.TerminalSession{
		SessionID:      uuid.New().String(),
		EnvironmentID:  environmentID,
		Status:         types.TerminalActive,
		StartedAt:      now,
		LastActivityAt: now,
	}

	// Keep the original session id and start time when the row already exists.
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO terminal_sessions (environment_id, session_id, status, started_at, ended_at, last_activity_at)
		VALUES (?, ?, ?, ?, NULL, ?)
		ON CONFLICT(environment_id) DO UPDATE SET
			status = excluded.status,
			ended_at = NULL,
			last_activity_at = excluded.last_activity_at`,
		environmentID, session.SessionID, session.Status,
		formatTime(now), formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("failed to upsert terminal session: %w", err)
	}

	err = s.db.QueryRowContext(ctx,
		`SELECT session_id, started_at FROM terminal_sessions WHERE environment_id = ?`, environmentID).
		Scan(&session.SessionID, &timeScanner{&session.StartedAt})
	if err != nil {
		return nil, fmt.Errorf("failed to read terminal session: %w", err)
	}
	return session, nil
}

// CloseTerminalSession marks the environment's terminal session INACTIVE with
// an end timestamp.
func (s *SQLiteStore) CloseTerminalSession(ctx context.Context, environmentID string) error {
	now := formatTime(time.Now().UTC())
	_, err := s.db.ExecContext(ctx, `
		UPDATE terminal_sessions
		SET status = ?, ended_at = ?, last_activity_at = ?
		WHERE environment_id = ?`,
		types.TerminalInactive, now, now, environmentID)
	if err != nil {
		return fmt.Errorf("failed to close terminal session: %w", err)
	}
	return nil
}

// scanner matches both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanEnvironment(row scanner) (*types.EnvironmentRecord, error) {
	var env types.EnvironmentRecord
	var envVars, commands, createdAt, updatedAt string

	err := row.Scan(
		&env.ID, &env.OwnerID, &env.ClusterID, &env.Name, &env.Image, &env.Port,
		&env.Resources.CPU, &env.Resources.Memory, &env.Resources.Storage,
		&envVars, &commands, &env.Status,
		&env.Namespace, &env.PodName, &env.ServiceName, &env.ExternalURL, &env.LastError,
		&createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(envVars), &env.EnvVars); err != nil {
		return nil, fmt.Errorf("failed to decode env vars: %w", err)
	}
	if err := json.Unmarshal([]byte(commands), &env.StartupCommands); err != nil {
		return nil, fmt.Errorf("failed to decode startup commands: %w", err)
	}
	if env.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("failed to parse created_at: %w", err)
	}
	if env.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("failed to parse updated_at: %w", err)
	}
	return &env, nil
}

// timeScanner adapts a *time.Time to sql.Scanner for TEXT timestamp columns.
type timeScanner struct {
	t *time.Time
}

func (ts *timeScanner) Scan(src any) error {
	s, ok := src.(string)
	if !ok {
		return fmt.Errorf("expected string timestamp, got %T", src)
	}
	t, err := parseTime(s)
	if err != nil {
		return err
	}
	*ts.t = t
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}
