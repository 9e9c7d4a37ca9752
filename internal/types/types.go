package types

import (
	"time"
)

// Environment lifecycle statuses.
const (
	StatusCreating     = "CREATING"
	StatusProvisioning = "PROVISIONING"
	StatusRunning      = "RUNNING"
	StatusStopping     = "STOPPING"
	StatusStopped      = "STOPPED"
	StatusRestarting   = "RESTARTING"
	StatusError        = "ERROR"
	StatusTerminated   = "TERMINATED"
	StatusNotDeployed  = "NOT_DEPLOYED"
	StatusUnknown      = "UNKNOWN"
)

// Cluster credential statuses.
const (
	CredentialActive   = "ACTIVE"
	CredentialInactive = "INACTIVE"
)

// Terminal session statuses.
const (
	TerminalActive     = "ACTIVE"
	TerminalInactive   = "INACTIVE"
	TerminalTerminated = "TERMINATED"
)

// WebSocket channel types.
const (
	ChannelTerminal = "terminal"
	ChannelLogs     = "logs"
)

// ClusterCredential holds connection material for a target cluster. Config is
// either an encrypted blob or, for records predating encryption, a plaintext
// kubeconfig document.
type ClusterCredential struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Config []byte `json:"-"`
	Status string `json:"status"`
}

// ResourceSpec holds the compute and storage quantities requested for an
// environment, in Kubernetes quantity notation (e.g. "500m", "1Gi").
type ResourceSpec struct {
	CPU     string `json:"cpu"`
	Memory  string `json:"memory"`
	Storage string `json:"storage"`
}

// EnvironmentRecord is the persisted state of a workspace environment. Cluster
// resource names are filled in by the provisioner; a record with an empty
// Namespace has no cluster resources behind it.
type EnvironmentRecord struct {
	ID              string            `json:"id"`
	OwnerID         string            `json:"owner_id"`
	ClusterID       string            `json:"cluster_id"`
	Name            string            `json:"name"`
	Image           string            `json:"image"`
	Port            int32             `json:"port"`
	Resources       ResourceSpec      `json:"resources"`
	EnvVars         map[string]string `json:"env_vars,omitempty"`
	StartupCommands []string          `json:"startup_commands,omitempty"`
	Status          string            `json:"status"`
	Namespace       string            `json:"namespace,omitempty"`
	PodName         string            `json:"pod_name,omitempty"`
	ServiceName     string            `json:"service_name,omitempty"`
	ExternalURL     string            `json:"external_url,omitempty"`
	LastError       string            `json:"last_error,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// Deployed reports whether the record has cluster resources recorded behind it.
func (e *EnvironmentRecord) Deployed() bool {
	return e.Namespace != "" && e.PodName != ""
}

// UserIdentity is the slice of a user record this subsystem needs for
// authorization decisions.
type UserIdentity struct {
	ID          string     `json:"id"`
	IsActive    bool       `json:"is_active"`
	LockedUntil *time.Time `json:"locked_until,omitempty"`
}

// Locked reports whether the user is currently locked out.
func (u *UserIdentity) Locked(now time.Time) bool {
	return u.LockedUntil != nil && u.LockedUntil.After(now)
}

// TerminalSession tracks the interactive terminal attached to an environment.
type TerminalSession struct {
	SessionID      string     `json:"session_id"`
	EnvironmentID  string     `json:"environment_id"`
	Status         string     `json:"status"`
	StartedAt      time.Time  `json:"started_at"`
	EndedAt        *time.Time `json:"ended_at,omitempty"`
	LastActivityAt time.Time  `json:"last_activity_at"`
}

// UsageSample is a point-in-time CPU/memory reading for a running environment.
type UsageSample struct {
	CPUMillicores int64 `json:"cpu_millicores"`
	MemoryBytes   int64 `json:"memory_bytes"`
}

// EnvironmentInfo is the live status view returned by the lifecycle controller.
type EnvironmentInfo struct {
	ID     string       `json:"id"`
	Name   string       `json:"name"`
	Status string       `json:"status"`
	Usage  *UsageSample `json:"usage,omitempty"`
}

// ExecResult is the outcome of a command executed inside an environment.
type ExecResult struct {
	Success bool   `json:"success"`
	Output  string `json:"output,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Frame is the wire format for WebSocket messages in both directions. The
// server emits welcome, pong, output and error frames; clients send ping,
// input and resize.
type Frame struct {
	Type        string `json:"type"`
	Data        string `json:"data,omitempty"`
	Environment string `json:"environment,omitempty"`
	Status      string `json:"status,omitempty"`
	Interactive bool   `json:"interactive,omitempty"`
	Cols        uint16 `json:"cols,omitempty"`
	Rows        uint16 `json:"rows,omitempty"`
}
