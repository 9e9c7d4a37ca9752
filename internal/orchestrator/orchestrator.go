package orchestrator

import (
	"context"
	"time"

	corev1client "k8s.io/client-go/kubernetes/typed/core/v1"

	"github.com/devpocket/environment-broker/internal/k8s"
	"github.com/devpocket/environment-broker/internal/store"
	"github.com/devpocket/environment-broker/internal/types"
)

// corev1Client shortens the signatures of the pipeline step helpers.
type corev1Client = corev1client.CoreV1Interface

// ClientProvider resolves a usable cluster client by cluster id.
type ClientProvider interface {
	GetClient(ctx context.Context, clusterID string) (*k8s.ClientHandle, error)
}

// Metrics supplies CPU/memory samples for running pods. The real collector
// lives outside this subsystem; NoopMetrics stands in when none is wired.
type Metrics interface {
	Sample(ctx context.Context, namespace, podName string) (*types.UsageSample, error)
}

// NoopMetrics reports no usage data.
type NoopMetrics struct{}

// Sample always returns an empty sample.
func (NoopMetrics) Sample(ctx context.Context, namespace, podName string) (*types.UsageSample, error) {
	return nil, nil
}

// Orchestrator provisions environment resources and drives their lifecycle.
type Orchestrator struct {
	store   store.Store
	clients ClientProvider
	metrics Metrics

	retryAttempts  int
	retryBaseDelay time.Duration
}

// New creates an Orchestrator with default retry parameters.
func New(st store.Store, clients ClientProvider, metrics Metrics) *Orchestrator {
	return &Orchestrator{
		store:          st,
		clients:        clients,
		metrics:        metrics,
		retryAttempts:  k8s.DefaultAttempts,
		retryBaseDelay: k8s.DefaultBaseDelay,
	}
}
