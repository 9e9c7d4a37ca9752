package orchestrator

import (
	"bytes"
	"context"
	"fmt"
	"io"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/tools/remotecommand"

	"github.com/devpocket/environment-broker/internal/types"
)

// ExecuteCommand runs a shell command inside the environment's workspace
// container over an interactive exec stream. An environment with no recorded
// deployment yields a failure result without contacting the cluster;
// cluster-level failures surface as an error result, never a raw error.
func (o *Orchestrator) ExecuteCommand(ctx context.Context, environmentID, command string, attachStdin bool) (*types.ExecResult, error) {
	return o.execute(ctx, environmentID, command, attachStdin, nil)
}

// ExecuteCommandWithInput is ExecuteCommand with a stdin stream attached.
func (o *Orchestrator) ExecuteCommandWithInput(ctx context.Context, environmentID, command string, stdin io.Reader) (*types.ExecResult, error) {
	return o.execute(ctx, environmentID, command, true, stdin)
}

func (o *Orchestrator) execute(ctx context.Context, environmentID, command string, attachStdin bool, stdin io.Reader) (*types.ExecResult, error) {
	env, err := o.store.GetEnvironment(ctx, environmentID)
	if err != nil {
		return nil, fmt.Errorf("loading environment record: %w", err)
	}
	if !env.Deployed() {
		return &types.ExecResult{
			Success: false,
			Error:   "environment has no deployed resources",
		}, nil
	}

	handle, err := o.clients.GetClient(ctx, env.ClusterID)
	if err != nil {
		return &types.ExecResult{Success: false, Error: "cluster is unreachable"}, nil
	}

	req := handle.Clientset.CoreV1().RESTClient().Post().
		Resource("pods").
		Name(env.PodName).
		Namespace(env.Namespace).
		SubResource("exec").
		VersionedParams(&corev1.PodExecOptions{
			Container: ContainerName,
			Command:   []string{"/bin/sh", "-c", command},
			Stdin:     attachStdin,
			Stdout:    true,
			Stderr:    true,
		}, scheme.ParameterCodec)

	executor, err := remotecommand.NewSPDYExecutor(handle.Config, "POST", req.URL())
	if err != nil {
		return &types.ExecResult{Success: false, Error: "failed to open exec stream"}, nil
	}

	var stdout, stderr bytes.Buffer
	streamOpts := remotecommand.StreamOptions{
		Stdout: &stdout,
		Stderr: &stderr,
	}
	if attachStdin {
		streamOpts.Stdin = stdin
	}

	streamErr := executor.StreamWithContext(ctx, streamOpts)

	result := &types.ExecResult{
		Success: streamErr == nil,
		Output:  stdout.String(),
		Error:   stderr.String(),
	}
	if streamErr != nil && result.Error == "" {
		result.Error = streamErr.Error()
	}
	return result, nil
}
