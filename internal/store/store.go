package store

import (
	"context"
	"errors"

	"github.com/devpocket/environment-broker/internal/types"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// Store defines the persistence operations this subsystem depends on. Records
// are owned by the platform's CRUD layer; the orchestrator only reads
// credentials and users, and mutates environment status fields and terminal
// sessions.
type Store interface {
	// GetCredential retrieves a cluster credential by ID.
	GetCredential(ctx context.Context, id string) (*types.ClusterCredential, error)

	// PutCredential inserts or replaces a cluster credential.
	PutCredential(ctx context.Context, cred *types.ClusterCredential) error

	// CreateEnvironment inserts a new environment record.
	CreateEnvironment(ctx context.Context, env *types.EnvironmentRecord) error

	// GetEnvironment retrieves an environment record by ID.
	GetEnvironment(ctx context.Context, id string) (*types.EnvironmentRecord, error)

	// ListEnvironmentsByOwner returns all environments owned by a user.
	ListEnvironmentsByOwner(ctx context.Context, ownerID string) ([]types.EnvironmentRecord, error)

	// UpdateEnvironmentStatus sets the environment status.
	UpdateEnvironmentStatus(ctx context.Context, id, status string) error

	// SetEnvironmentError records a provisioning failure and sets status ERROR.
	SetEnvironmentError(ctx context.Context, id, lastError string) error

	// SetEnvironmentEndpoints records the cluster resource names and internal URL.
	SetEnvironmentEndpoints(ctx context.Context, id, namespace, podName, serviceName, externalURL string) error

	// TouchEnvironmentActivity stamps the environment's last-activity time.
	TouchEnvironmentActivity(ctx context.Context, id string) error

	// GetUser retrieves a user identity by ID.
	GetUser(ctx context.Context, id string) (*types.UserIdentity, error)

	// PutUser inserts or replaces a user identity.
	PutUser(ctx context.Context, user *types.UserIdentity) error

	// UpsertTerminalSession creates the terminal session for an environment, or
	// marks an existing one ACTIVE and stamps its activity time.
	UpsertTerminalSession(ctx context.Context, environmentID string) (*types.TerminalSession, error)

	// CloseTerminalSession marks the environment's terminal session INACTIVE
	// with an end timestamp.
	CloseTerminalSession(ctx context.Context, environmentID string) error

	// Close releases the underlying database handle.
	Close() error
}
