package orchestrator

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/devpocket/environment-broker/internal/store"
	"github.com/devpocket/environment-broker/internal/types"
)

func deployEnvironment(t *testing.T, st *store.SQLiteStore) {
	t.Helper()
	seedEnvironment(t, st)
	err := st.SetEnvironmentEndpoints(context.Background(), "e1",
		"devpocket-u1", "env-e1", "svc-e1", "http://svc-e1.devpocket-u1.svc.cluster.local:8000")
	if err != nil {
		t.Fatalf("Expected no error recording endpoints, got %v", err)
	}
}

func podWithPhase(phase corev1.PodPhase) *corev1.Pod {
	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: "env-e1", Namespace: "devpocket-u1"},
		Status:     corev1.PodStatus{Phase: phase},
	}
}

func TestGetInfo_NotDeployedNeverContactsCluster(t *testing.T) {
	st, err := store.OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("Expected no error opening store, got %v", err)
	}
	t.Cleanup(func() { st.Close() })
	seedEnvironment(t, st)

	// A provider that always fails proves the cluster is never consulted.
	o := New(st, &fakeClients{err: errors.New("cluster unreachable")}, NoopMetrics{})

	info, err := o.GetInfo(context.Background(), "e1")
	if err != nil {
		t.Fatalf("Expected no error for undeployed environment, got %v", err)
	}
	if info.Status != types.StatusNotDeployed {
		t.Errorf("Expected NOT_DEPLOYED, got %s", info.Status)
	}
}

func TestGetInfo_MapsPodPhases(t *testing.T) {
	cases := []struct {
		phase corev1.PodPhase
		want  string
	}{
		{corev1.PodRunning, types.StatusRunning},
		{corev1.PodPending, types.StatusProvisioning},
		{corev1.PodFailed, types.StatusError},
		{corev1.PodSucceeded, types.StatusStopped},
		{corev1.PodUnknown, types.StatusUnknown},
	}

	for _, tc := range cases {
		clientset := fake.NewSimpleClientset(podWithPhase(tc.phase))
		o, st := newTestOrchestrator(t, clientset)
		deployEnvironment(t, st)

		info, err := o.GetInfo(context.Background(), "e1")
		if err != nil {
			t.Fatalf("Expected no error for phase %s, got %v", tc.phase, err)
		}
		if info.Status != tc.want {
			t.Errorf("Phase %s: expected %s, got %s", tc.phase, tc.want, info.Status)
		}
	}
}

func TestGetInfo_MissingPodReportsStopped(t *testing.T) {
	o, st := newTestOrchestrator(t, fake.NewSimpleClientset())
	deployEnvironment(t, st)

	info, err := o.GetInfo(context.Background(), "e1")
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if info.Status != types.StatusStopped {
		t.Errorf("Expected STOPPED for missing pod, got %s", info.Status)
	}
}

func TestStop_DeletesPodAndSetsStopping(t *testing.T) {
	clientset := fake.NewSimpleClientset(podWithPhase(corev1.PodRunning))
	o, st := newTestOrchestrator(t, clientset)
	deployEnvironment(t, st)
	ctx := context.Background()

	if err := o.Stop(ctx, "e1"); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	if _, err := clientset.CoreV1().Pods("devpocket-u1").Get(ctx, "env-e1", metav1.GetOptions{}); err == nil {
		t.Error("Expected pod to be deleted")
	}

	env, err := st.GetEnvironment(ctx, "e1")
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if env.Status != types.StatusStopping {
		t.Errorf("Expected STOPPING, got %s", env.Status)
	}
}

func TestStart_SetsRunningOptimistically(t *testing.T) {
	clientset := fake.NewSimpleClientset(podWithPhase(corev1.PodRunning))
	o, st := newTestOrchestrator(t, clientset)
	deployEnvironment(t, st)
	ctx := context.Background()

	if err := o.Start(ctx, "e1"); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	env, err := st.GetEnvironment(ctx, "e1")
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if env.Status != types.StatusRunning {
		t.Errorf("Expected RUNNING, got %s", env.Status)
	}
}

func TestStart_NotDeployed(t *testing.T) {
	o, st := newTestOrchestrator(t, fake.NewSimpleClientset())
	seedEnvironment(t, st)

	err := o.Start(context.Background(), "e1")
	if !errors.Is(err, ErrNotDeployed) {
		t.Fatalf("Expected ErrNotDeployed, got %v", err)
	}
}

func TestDelete_RemovesAllResourcesAndTerminates(t *testing.T) {
	clientset := fake.NewSimpleClientset(
		podWithPhase(corev1.PodRunning),
		&corev1.Service{ObjectMeta: metav1.ObjectMeta{Name: "svc-e1", Namespace: "devpocket-u1"}},
		&corev1.PersistentVolumeClaim{ObjectMeta: metav1.ObjectMeta{Name: "pvc-e1", Namespace: "devpocket-u1"}},
		&corev1.ConfigMap{ObjectMeta: metav1.ObjectMeta{Name: "config-e1", Namespace: "devpocket-u1"}},
	)
	o, st := newTestOrchestrator(t, clientset)
	deployEnvironment(t, st)
	ctx := context.Background()

	if err := o.Delete(ctx, "e1"); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	if _, err := clientset.CoreV1().Pods("devpocket-u1").Get(ctx, "env-e1", metav1.GetOptions{}); err == nil {
		t.Error("Expected pod to be deleted")
	}
	if _, err := clientset.CoreV1().Services("devpocket-u1").Get(ctx, "svc-e1", metav1.GetOptions{}); err == nil {
		t.Error("Expected service to be deleted")
	}
	if _, err := clientset.CoreV1().PersistentVolumeClaims("devpocket-u1").Get(ctx, "pvc-e1", metav1.GetOptions{}); err == nil {
		t.Error("Expected pvc to be deleted")
	}
	if _, err := clientset.CoreV1().ConfigMaps("devpocket-u1").Get(ctx, "config-e1", metav1.GetOptions{}); err == nil {
		t.Error("Expected configmap to be deleted")
	}

	env, err := st.GetEnvironment(ctx, "e1")
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if env.Status != types.StatusTerminated {
		t.Errorf("Expected TERMINATED, got %s", env.Status)
	}
}

func TestDelete_UnreachableClusterStillTerminates(t *testing.T) {
	st, err := store.OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("Expected no error opening store, got %v", err)
	}
	t.Cleanup(func() { st.Close() })
	deployEnvironment(t, st)

	o := New(st, &fakeClients{err: errors.New("cluster unreachable")}, NoopMetrics{})
	o.retryBaseDelay = time.Millisecond

	if err := o.Delete(context.Background(), "e1"); err != nil {
		t.Fatalf("Expected best-effort delete to succeed, got %v", err)
	}

	env, err := st.GetEnvironment(context.Background(), "e1")
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if env.Status != types.StatusTerminated {
		t.Errorf("Expected TERMINATED, got %s", env.Status)
	}
}

func TestRestart_PassesThroughRestarting(t *testing.T) {
	clientset := fake.NewSimpleClientset(podWithPhase(corev1.PodRunning))
	o, st := newTestOrchestrator(t, clientset)
	deployEnvironment(t, st)
	ctx := context.Background()

	if err := o.Restart(ctx, "e1"); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	env, err := st.GetEnvironment(ctx, "e1")
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if env.Status != types.StatusRunning {
		t.Errorf("Expected RUNNING after restart, got %s", env.Status)
	}
}

func TestExecuteCommand_NotDeployedReturnsFailureResult(t *testing.T) {
	st, err := store.OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("Expected no error opening store, got %v", err)
	}
	t.Cleanup(func() { st.Close() })
	seedEnvironment(t, st)

	// The cluster must never be contacted for an undeployed environment.
	o := New(st, &fakeClients{err: errors.New("cluster unreachable")}, NoopMetrics{})

	result, err := o.ExecuteCommand(context.Background(), "e1", "ls", false)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if result.Success {
		t.Error("Expected failure result for undeployed environment")
	}
	if result.Error == "" {
		t.Error("Expected failure detail in result")
	}

	withInput, err := o.ExecuteCommandWithInput(context.Background(), "e1", "cat", strings.NewReader("stdin"))
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if withInput.Success {
		t.Error("Expected failure result for undeployed environment")
	}
}
