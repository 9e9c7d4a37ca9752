package orchestrator

import (
	"context"
	"fmt"
	"log"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"golang.org/x/sync/errgroup"

	"github.com/devpocket/environment-broker/internal/k8s"
	"github.com/devpocket/environment-broker/internal/types"
)

// GetInfo reports the live status of an environment. A record with no cluster
// resources yields NOT_DEPLOYED without contacting the cluster; otherwise the
// pod phase is mapped to an environment status and a usage sample attached
// when the metrics collaborator has one.
func (o *Orchestrator) GetInfo(ctx context.Context, environmentID string) (*types.EnvironmentInfo, error) {
	env, err := o.store.GetEnvironment(ctx, environmentID)
	if err != nil {
		return nil, fmt.Errorf("loading environment record: %w", err)
	}

	info := &types.EnvironmentInfo{ID: env.ID, Name: env.Name}
	if !env.Deployed() {
		info.Status = types.StatusNotDeployed
		return info, nil
	}

	handle, err := o.clients.GetClient(ctx, env.ClusterID)
	if err != nil {
		return nil, err
	}

	var pod *corev1.Pod
	err = k8s.Retry(ctx, "read pod", o.retryAttempts, o.retryBaseDelay, func() error {
		var getErr error
		pod, getErr = handle.Core().Pods(env.Namespace).Get(ctx, env.PodName, metav1.GetOptions{})
		return getErr
	})
	if apierrors.IsNotFound(err) {
		// The pod is gone but the bundle still exists: stopped, not torn down.
		info.Status = types.StatusStopped
		return info, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading pod %s: %w", env.PodName, err)
	}

	info.Status = mapPodPhase(pod.Status.Phase)

	sample, err := o.metrics.Sample(ctx, env.Namespace, env.PodName)
	if err != nil {
		log.Printf("Failed to sample usage for %s: %v", environmentID, err)
	} else {
		info.Usage = sample
	}
	return info, nil
}

// Start deletes the environment pod and optimistically sets status RUNNING.
// Recreation is left to an external controller; readiness is reconciled by a
// separate poll, not awaited here.
func (o *Orchestrator) Start(ctx context.Context, environmentID string) error {
	return o.cyclePod(ctx, environmentID, types.StatusRunning)
}

// Stop deletes the environment pod and sets status STOPPING.
func (o *Orchestrator) Stop(ctx context.Context, environmentID string) error {
	return o.cyclePod(ctx, environmentID, types.StatusStopping)
}

// Restart deletes the environment pod, passing through RESTARTING before
// settling on RUNNING.
func (o *Orchestrator) Restart(ctx context.Context, environmentID string) error {
	if err := o.store.UpdateEnvironmentStatus(ctx, environmentID, types.StatusRestarting); err != nil {
		return fmt.Errorf("persisting status: %w", err)
	}
	return o.cyclePod(ctx, environmentID, types.StatusRunning)
}

func (o *Orchestrator) cyclePod(ctx context.Context, environmentID, targetStatus string) error {
	env, err := o.store.GetEnvironment(ctx, environmentID)
	if err != nil {
		return fmt.Errorf("loading environment record: %w", err)
	}
	if !env.Deployed() {
		return fmt.Errorf("environment %s: %w", environmentID, ErrNotDeployed)
	}

	handle, err := o.clients.GetClient(ctx, env.ClusterID)
	if err != nil {
		return err
	}

	err = k8s.Retry(ctx, "delete pod", o.retryAttempts, o.retryBaseDelay, func() error {
		deleteErr := handle.Core().Pods(env.Namespace).Delete(ctx, env.PodName, metav1.DeleteOptions{})
		if apierrors.IsNotFound(deleteErr) {
			return nil
		}
		return deleteErr
	})
	if err != nil {
		return fmt.Errorf("deleting pod %s: %w", env.PodName, err)
	}

	if err := o.store.UpdateEnvironmentStatus(ctx, environmentID, targetStatus); err != nil {
		return fmt.Errorf("persisting status: %w", err)
	}
	return nil
}

// Delete tears down the environment's cluster resources concurrently with
// all-settled semantics: individual failures are logged but never block the
// other deletions, and the record is set TERMINATED unconditionally. The
// record itself is never physically removed.
func (o *Orchestrator) Delete(ctx context.Context, environmentID string) error {
	env, err := o.store.GetEnvironment(ctx, environmentID)
	if err != nil {
		return fmt.Errorf("loading environment record: %w", err)
	}

	if env.Deployed() {
		handle, err := o.clients.GetClient(ctx, env.ClusterID)
		if err != nil {
			log.Printf("Skipping cluster cleanup for %s, cluster unreachable: %v", environmentID, err)
		} else {
			o.deleteResources(ctx, handle, env)
		}
	}

	if err := o.store.UpdateEnvironmentStatus(ctx, environmentID, types.StatusTerminated); err != nil {
		return fmt.Errorf("persisting status: %w", err)
	}
	return nil
}

func (o *Orchestrator) deleteResources(ctx context.Context, handle *k8s.ClientHandle, env *types.EnvironmentRecord) {
	core := handle.Core()
	opts := metav1.DeleteOptions{}

	deletions := []struct {
		kind string
		name string
		del  func() error
	}{
		{"pod", env.PodName, func() error {
			return core.Pods(env.Namespace).Delete(ctx, env.PodName, opts)
		}},
		{"service", env.ServiceName, func() error {
			return core.Services(env.Namespace).Delete(ctx, env.ServiceName, opts)
		}},
		{"pvc", PVCName(env.ID), func() error {
			return core.PersistentVolumeClaims(env.Namespace).Delete(ctx, PVCName(env.ID), opts)
		}},
		{"configmap", ConfigMapName(env.ID), func() error {
			return core.ConfigMaps(env.Namespace).Delete(ctx, ConfigMapName(env.ID), opts)
		}},
	}

	var g errgroup.Group
	for _, d := range deletions {
		d := d
		g.Go(func() error {
			if err := d.del(); err != nil && !apierrors.IsNotFound(err) {
				log.Printf("Failed to delete %s %s for environment %s: %v", d.kind, d.name, env.ID, err)
			}
			return nil
		})
	}
	// Every goroutine returns nil; failures are logged above.
	_ = g.Wait()
}

func mapPodPhase(phase corev1.PodPhase) string {
	switch phase {
	case corev1.PodRunning:
		return types.StatusRunning
	case corev1.PodPending:
		return types.StatusProvisioning
	case corev1.PodFailed:
		return types.StatusError
	case corev1.PodSucceeded:
		return types.StatusStopped
	default:
		return types.StatusUnknown
	}
}
