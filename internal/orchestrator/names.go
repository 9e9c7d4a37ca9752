package orchestrator

// Cluster resource names are deterministic functions of the environment and
// owner ids. This makes the provisioning pipeline idempotent and lets cleanup
// find everything without a side index.

// ContainerName is the fixed name of the workspace container in every
// environment pod.
const ContainerName = "workspace"

// SSHPort is the second port exposed by every environment, next to the
// application port.
const SSHPort = 22

// Namespace returns the per-owner namespace name.
func Namespace(ownerID string) string {
	return "devpocket-" + ownerID
}

// PodName returns the environment's pod name.
func PodName(environmentID string) string {
	return "env-" + environmentID
}

// ServiceName returns the environment's service name.
func ServiceName(environmentID string) string {
	return "svc-" + environmentID
}

// PVCName returns the environment's persistent volume claim name.
func PVCName(environmentID string) string {
	return "pvc-" + environmentID
}

// ConfigMapName returns the environment's startup script config map name.
func ConfigMapName(environmentID string) string {
	return "config-" + environmentID
}
