package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"runtime/debug"
	"sort"
	"strings"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/devpocket/environment-broker/internal/k8s"
	"github.com/devpocket/environment-broker/internal/types"
)

const (
	workspaceMountPath = "/workspace"
	scriptMountPath    = "/opt/devpocket"
	scriptFileName     = "startup.sh"
)

// stepFailure is the structured error written to the record's lastError field
// when a pipeline step fails.
type stepFailure struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

// CreateEnvironment runs the provisioning pipeline for an environment record:
// namespace, volume claim, startup config map, pod and service, in that order,
// each wrapped by the retry executor. On any step failure the error is
// recorded on the record (status ERROR) and returned wrapped in
// ErrOrchestration; already-created resources are left in place — the caller
// retries the full pipeline (idempotent by deterministic naming) or deletes.
func (o *Orchestrator) CreateEnvironment(ctx context.Context, environmentID string) error {
	env, err := o.store.GetEnvironment(ctx, environmentID)
	if err != nil {
		return fmt.Errorf("loading environment record: %w", err)
	}

	handle, err := o.clients.GetClient(ctx, env.ClusterID)
	if err != nil {
		return o.failProvisioning(ctx, environmentID, "resolve cluster", err)
	}

	quantities, err := parseQuantities(env.Resources)
	if err != nil {
		return o.failProvisioning(ctx, environmentID, "parse resource spec", err)
	}

	namespace := Namespace(env.OwnerID)
	core := handle.Core()

	steps := []struct {
		name string
		run  func() error
	}{
		{"ensure namespace", func() error {
			return ensureNamespace(ctx, core, namespace, env.OwnerID)
		}},
		{"create volume claim", func() error {
			return createVolumeClaim(ctx, core, namespace, env, quantities.storage)
		}},
		{"create config map", func() error {
			return createStartupConfigMap(ctx, core, namespace, env)
		}},
		{"create pod", func() error {
			return createPod(ctx, core, namespace, env, quantities)
		}},
		{"create service", func() error {
			return createService(ctx, core, namespace, env)
		}},
	}

	for _, step := range steps {
		if err := k8s.Retry(ctx, step.name, o.retryAttempts, o.retryBaseDelay, step.run); err != nil {
			return o.failProvisioning(ctx, environmentID, step.name, err)
		}
	}

	externalURL := fmt.Sprintf("http://%s.%s.svc.cluster.local:%d", ServiceName(env.ID), namespace, env.Port)
	if err := o.store.SetEnvironmentEndpoints(ctx, environmentID,
		namespace, PodName(env.ID), ServiceName(env.ID), externalURL); err != nil {
		return o.failProvisioning(ctx, environmentID, "persist endpoints", err)
	}
	if err := o.store.UpdateEnvironmentStatus(ctx, environmentID, types.StatusProvisioning); err != nil {
		return o.failProvisioning(ctx, environmentID, "persist status", err)
	}

	log.Printf("Provisioned environment %s in %s", environmentID, namespace)
	return nil
}

func (o *Orchestrator) failProvisioning(ctx context.Context, environmentID, step string, cause error) error {
	payload, err := json.Marshal(stepFailure{
		Kind:    step,
		Message: cause.Error(),
		Stack:   string(debug.Stack()),
	})
	if err != nil {
		payload = []byte(cause.Error())
	}
	if err := o.store.SetEnvironmentError(ctx, environmentID, string(payload)); err != nil {
		log.Printf("Failed to record provisioning error for %s: %v", environmentID, err)
	}
	return fmt.Errorf("%w: %s: %v", ErrOrchestration, step, cause)
}

type resourceQuantities struct {
	cpu     resource.Quantity
	memory  resource.Quantity
	storage resource.Quantity
}

func parseQuantities(spec types.ResourceSpec) (resourceQuantities, error) {
	var q resourceQuantities
	var err error
	if q.cpu, err = resource.ParseQuantity(spec.CPU); err != nil {
		return q, fmt.Errorf("invalid cpu quantity %q: %w", spec.CPU, err)
	}
	if q.memory, err = resource.ParseQuantity(spec.Memory); err != nil {
		return q, fmt.Errorf("invalid memory quantity %q: %w", spec.Memory, err)
	}
	if q.storage, err = resource.ParseQuantity(spec.Storage); err != nil {
		return q, fmt.Errorf("invalid storage quantity %q: %w", spec.Storage, err)
	}
	return q, nil
}

func environmentLabels(environmentID string) map[string]string {
	return map[string]string{
		"app.kubernetes.io/managed-by": "devpocket",
		"devpocket.io/environment":     environmentID,
	}
}

func ensureNamespace(ctx context.Context, core corev1Client, name, ownerID string) error {
	_, err := core.Namespaces().Get(ctx, name, metav1.GetOptions{})
	if err == nil {
		return nil
	}
	if !apierrors.IsNotFound(err) {
		return err
	}

	ns := &corev1.Namespace{
		ObjectMeta: metav1.ObjectMeta{
			Name: name,
			Labels: map[string]string{
				"app.kubernetes.io/managed-by": "devpocket",
				"devpocket.io/owner":           ownerID,
			},
		},
	}
	_, err = core.Namespaces().Create(ctx, ns, metav1.CreateOptions{})
	if apierrors.IsAlreadyExists(err) {
		return nil
	}
	return err
}

func createVolumeClaim(ctx context.Context, core corev1Client, namespace string, env *types.EnvironmentRecord, storage resource.Quantity) error {
	pvc := &corev1.PersistentVolumeClaim{
		ObjectMeta: metav1.ObjectMeta{
			Name:      PVCName(env.ID),
			Namespace: namespace,
			Labels:    environmentLabels(env.ID),
		},
		Spec: corev1.PersistentVolumeClaimSpec{
			AccessModes: []corev1.PersistentVolumeAccessMode{corev1.ReadWriteOnce},
			Resources: corev1.VolumeResourceRequirements{
				Requests: corev1.ResourceList{corev1.ResourceStorage: storage},
			},
		},
	}

	_, err := core.PersistentVolumeClaims(namespace).Create(ctx, pvc, metav1.CreateOptions{})
	if apierrors.IsAlreadyExists(err) {
		return nil
	}
	return err
}

func createStartupConfigMap(ctx context.Context, core corev1Client, namespace string, env *types.EnvironmentRecord) error {
	cm := &corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{
			Name:      ConfigMapName(env.ID),
			Namespace: namespace,
			Labels:    environmentLabels(env.ID),
		},
		Data: map[string]string{
			scriptFileName: startupScript(env.StartupCommands),
		},
	}

	_, err := core.ConfigMaps(namespace).Create(ctx, cm, metav1.CreateOptions{})
	if apierrors.IsAlreadyExists(err) {
		return nil
	}
	return err
}

// startupScript generates the container entrypoint: provision an unprivileged
// workspace user, make sure tmux is present, run the template's startup
// commands, start a detached tmux session and block to keep the pod alive.
func startupScript(commands []string) string {
	var b strings.Builder
	b.WriteString(`#!/bin/sh
set -e

if ! id devpocket >/dev/null 2>&1; then
	adduser -D -h /workspace devpocket 2>/dev/null || useradd -m -d /workspace devpocket
fi
chown devpocket /workspace 2>/dev/null || true

if ! command -v tmux >/dev/null 2>&1; then
	apk add --no-cache tmux 2>/dev/null || (apt-get update -qq && apt-get install -y -qq tmux) || yum install -y -q tmux
fi

`)
	for _, cmd := range commands {
		b.WriteString(cmd)
		b.WriteString("\n")
	}
	b.WriteString(`
su devpocket -c "tmux new-session -d -s workspace" || tmux new-session -d -s workspace

tail -f /dev/null
`)
	return b.String()
}

func createPod(ctx context.Context, core corev1Client, namespace string, env *types.EnvironmentRecord, quantities resourceQuantities) error {
	// The startup script provisions users and may install packages, so the
	// container starts as root and drops privilege internally.
	rootUser := int64(0)
	scriptMode := int32(0o755)

	// Requests equal limits: environments get guaranteed resources, no burst.
	resources := corev1.ResourceList{
		corev1.ResourceCPU:    quantities.cpu,
		corev1.ResourceMemory: quantities.memory,
	}

	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      PodName(env.ID),
			Namespace: namespace,
			Labels:    environmentLabels(env.ID),
		},
		Spec: corev1.PodSpec{
			Containers: []corev1.Container{
				{
					Name:    ContainerName,
					Image:   env.Image,
					Command: []string{"/bin/sh", scriptMountPath + "/" + scriptFileName},
					Ports: []corev1.ContainerPort{
						{Name: "app", ContainerPort: env.Port},
						{Name: "ssh", ContainerPort: SSHPort},
					},
					Env: sortedEnvVars(env.EnvVars),
					Resources: corev1.ResourceRequirements{
						Requests: resources,
						Limits:   resources,
					},
					SecurityContext: &corev1.SecurityContext{
						RunAsUser: &rootUser,
					},
					VolumeMounts: []corev1.VolumeMount{
						{Name: "workspace", MountPath: workspaceMountPath},
						{Name: "tmux-state", MountPath: "/tmp/tmux"},
						{Name: "startup", MountPath: scriptMountPath, ReadOnly: true},
					},
				},
			},
			Volumes: []corev1.Volume{
				{
					Name: "workspace",
					VolumeSource: corev1.VolumeSource{
						PersistentVolumeClaim: &corev1.PersistentVolumeClaimVolumeSource{
							ClaimName: PVCName(env.ID),
						},
					},
				},
				{
					Name:         "tmux-state",
					VolumeSource: corev1.VolumeSource{EmptyDir: &corev1.EmptyDirVolumeSource{}},
				},
				{
					Name: "startup",
					VolumeSource: corev1.VolumeSource{
						ConfigMap: &corev1.ConfigMapVolumeSource{
							LocalObjectReference: corev1.LocalObjectReference{Name: ConfigMapName(env.ID)},
							DefaultMode:          &scriptMode,
						},
					},
				},
			},
		},
	}

	_, err := core.Pods(namespace).Create(ctx, pod, metav1.CreateOptions{})
	if apierrors.IsAlreadyExists(err) {
		return nil
	}
	return err
}

func createService(ctx context.Context, core corev1Client, namespace string, env *types.EnvironmentRecord) error {
	svc := &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{
			Name:      ServiceName(env.ID),
			Namespace: namespace,
			Labels:    environmentLabels(env.ID),
		},
		Spec: corev1.ServiceSpec{
			Type:     corev1.ServiceTypeClusterIP,
			Selector: environmentLabels(env.ID),
			Ports: []corev1.ServicePort{
				{Name: "app", Port: env.Port},
				{Name: "ssh", Port: SSHPort},
			},
		},
	}

	_, err := core.Services(namespace).Create(ctx, svc, metav1.CreateOptions{})
	if apierrors.IsAlreadyExists(err) {
		return nil
	}
	return err
}

// sortedEnvVars flattens the env var map in a stable order.
func sortedEnvVars(vars map[string]string) []corev1.EnvVar {
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	envVars := make([]corev1.EnvVar, 0, len(keys))
	for _, k := range keys {
		envVars = append(envVars, corev1.EnvVar{Name: k, Value: vars[k]})
	}
	return envVars
}
