package orchestrator

import "errors"

var (
	// ErrOrchestration marks a provisioning-pipeline step failure. The step
	// detail is recorded on the environment record's lastError field.
	ErrOrchestration = errors.New("environment provisioning failed")

	// ErrNotDeployed marks an operation against an environment that has no
	// cluster resources recorded.
	ErrNotDeployed = errors.New("environment is not deployed")
)
