package orchestrator

import (
	"context"
	"fmt"
	"io"

	corev1 "k8s.io/api/core/v1"
)

// GetLogs returns up to tailLines of buffered container logs.
func (o *Orchestrator) GetLogs(ctx context.Context, environmentID string, tailLines int64) (string, error) {
	stream, err := o.openLogStream(ctx, environmentID, tailLines, false)
	if err != nil {
		return "", err
	}
	defer stream.Close()

	data, err := io.ReadAll(stream)
	if err != nil {
		return "", fmt.Errorf("reading logs: %w", err)
	}
	return string(data), nil
}

// StreamLogs opens a following log stream for the environment. The caller
// owns the returned stream and must close it.
func (o *Orchestrator) StreamLogs(ctx context.Context, environmentID string, tailLines int64) (io.ReadCloser, error) {
	return o.openLogStream(ctx, environmentID, tailLines, true)
}

func (o *Orchestrator) openLogStream(ctx context.Context, environmentID string, tailLines int64, follow bool) (io.ReadCloser, error) {
	env, err := o.store.GetEnvironment(ctx, environmentID)
	if err != nil {
		return nil, fmt.Errorf("loading environment record: %w", err)
	}
	if !env.Deployed() {
		return nil, fmt.Errorf("environment %s: %w", environmentID, ErrNotDeployed)
	}

	handle, err := o.clients.GetClient(ctx, env.ClusterID)
	if err != nil {
		return nil, err
	}

	opts := &corev1.PodLogOptions{
		Container: ContainerName,
		Follow:    follow,
	}
	if tailLines > 0 {
		opts.TailLines = &tailLines
	}

	stream, err := handle.Core().Pods(env.Namespace).GetLogs(env.PodName, opts).Stream(ctx)
	if err != nil {
		return nil, fmt.Errorf("opening log stream for %s: %w", env.PodName, err)
	}
	return stream, nil
}
