package k8s

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRetry_SucceedsAfterTransientFailures(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), "test op", 3, time.Millisecond, func() error {
		attempts++
		if attempts < 3 {
			return errors.New("connection refused")
		}
		return nil
	})

	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if attempts != 3 {
		t.Errorf("Expected exactly 3 attempts, got %d", attempts)
	}
}

func TestRetry_NonRetryableFailsImmediately(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), "test op", 3, time.Millisecond, func() error {
		attempts++
		return errors.New("authentication failed")
	})

	if err == nil {
		t.Fatal("Expected error")
	}
	if attempts != 1 {
		t.Errorf("Expected exactly 1 attempt, got %d", attempts)
	}
}

func TestRetry_ExhaustsBudget(t *testing.T) {
	attempts := 0
	wantErr := errors.New("service unavailable")
	err := Retry(context.Background(), "test op", 3, time.Millisecond, func() error {
		attempts++
		return wantErr
	})

	if !errors.Is(err, wantErr) {
		t.Fatalf("Expected last error to propagate, got %v", err)
	}
	if attempts != 3 {
		t.Errorf("Expected exactly 3 attempts, got %d", attempts)
	}
}

func TestRetry_ContextCancelledDuringDelay(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Retry(ctx, "test op", 3, time.Minute, func() error {
		return errors.New("connection reset")
	})

	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
}

func TestIsRetryable(t *testing.T) {
	cases := []struct {
		msg  string
		want bool
	}{
		{"dial tcp 10.0.0.1:6443: connection refused", true},
		{"read tcp: connection reset by peer", true},
		{"the server is currently unable to handle the request: Service Unavailable", true},
		{"etcdserver: etcd cluster unavailable", true},
		{"too many requests, please try again later", true},
		{"resource temporarily unavailable", true},
		{"pods \"env-e1\" is forbidden", false},
		{"authentication failed", false},
		{"pods \"env-e1\" not found", false},
	}

	for _, tc := range cases {
		if got := IsRetryable(errors.New(tc.msg)); got != tc.want {
			t.Errorf("IsRetryable(%q) = %v, want %v", tc.msg, got, tc.want)
		}
	}
}
