package ws

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/devpocket/environment-broker/internal/auth"
	"github.com/devpocket/environment-broker/internal/store"
	"github.com/devpocket/environment-broker/internal/types"
)

type fakeExecutor struct {
	result *types.ExecResult
	err    error
}

func (f *fakeExecutor) ExecuteCommand(ctx context.Context, environmentID, command string, attachStdin bool) (*types.ExecResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

type fakeLogStreamer struct {
	lines string
}

func (f *fakeLogStreamer) StreamLogs(ctx context.Context, environmentID string, tailLines int64) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader(f.lines)), nil
}

type routerFixture struct {
	store    *store.SQLiteStore
	verifier *auth.Verifier
	manager  *Manager
	executor *fakeExecutor
	server   *httptest.Server
}

func newRouterFixture(t *testing.T) *routerFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	st, err := store.OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("Expected no error opening store, got %v", err)
	}
	t.Cleanup(func() { st.Close() })

	ctx := context.Background()
	if err := st.PutUser(ctx, &types.UserIdentity{ID: "u1", IsActive: true}); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	env := &types.EnvironmentRecord{
		ID:        "e1",
		OwnerID:   "u1",
		ClusterID: "c1",
		Name:      "python-workspace",
		Image:     "python:3.11-slim",
		Port:      8000,
		Status:    types.StatusRunning,
	}
	if err := st.CreateEnvironment(ctx, env); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	verifier := auth.NewVerifier("test-secret")
	manager := NewManager(2, time.Hour)
	t.Cleanup(manager.Teardown)
	executor := &fakeExecutor{result: &types.ExecResult{Success: true, Output: "ok"}}

	router := NewRouter(verifier, st, manager, executor, &fakeLogStreamer{lines: "line one\nline two\n"})

	engine := gin.New()
	engine.GET("/ws/terminal/:id", router.HandleTerminal)
	engine.GET("/ws/logs/:id", router.HandleLogs)

	server := httptest.NewServer(engine)
	t.Cleanup(server.Close)

	return &routerFixture{store: st, verifier: verifier, manager: manager, executor: executor, server: server}
}

func (f *routerFixture) dial(t *testing.T, path, token string) (*websocket.Conn, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + path
	if token != "" {
		url += "?token=" + token
	}
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if conn != nil {
		t.Cleanup(func() { conn.Close() })
	}
	return conn, err
}

func (f *routerFixture) accessToken(t *testing.T, subject string, ttl time.Duration) string {
	t.Helper()
	token, err := f.verifier.Issue(subject, auth.TokenClassAccess, ttl)
	if err != nil {
		t.Fatalf("Expected no error issuing token, got %v", err)
	}
	return token
}

func readFrame(t *testing.T, conn *websocket.Conn) (*types.Frame, error) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame types.Frame
	if err := conn.ReadJSON(&frame); err != nil {
		return nil, err
	}
	return &frame, nil
}

func expectPolicyClose(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	_, err := readFrame(t, conn)
	if err == nil {
		t.Fatal("Expected the socket to be closed")
	}
	if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Fatalf("Expected policy violation close, got %v", err)
	}
}

func TestRouter_ExpiredTokenRejected(t *testing.T) {
	f := newRouterFixture(t)

	token := f.accessToken(t, "u1", -time.Minute)
	conn, err := f.dial(t, "/ws/terminal/e1", token)
	if err != nil {
		t.Fatalf("Expected handshake to upgrade before validation, got %v", err)
	}

	expectPolicyClose(t, conn)

	if f.manager.CountForUser("u1") != 0 {
		t.Error("Expected no connection to be registered")
	}
}

func TestRouter_RefreshTokenRejected(t *testing.T) {
	f := newRouterFixture(t)

	token, err := f.verifier.Issue("u1", auth.TokenClassRefresh, time.Hour)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	conn, err := f.dial(t, "/ws/terminal/e1", token)
	if err != nil {
		t.Fatalf("Expected handshake to upgrade before validation, got %v", err)
	}
	expectPolicyClose(t, conn)
}

func TestRouter_ForeignEnvironmentRejected(t *testing.T) {
	f := newRouterFixture(t)

	if err := f.store.PutUser(context.Background(), &types.UserIdentity{ID: "u2", IsActive: true}); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	token := f.accessToken(t, "u2", time.Hour)

	conn, err := f.dial(t, "/ws/terminal/e1", token)
	if err != nil {
		t.Fatalf("Expected handshake to upgrade before validation, got %v", err)
	}
	expectPolicyClose(t, conn)
}

func TestRouter_QuotaRejectsExtraConnections(t *testing.T) {
	f := newRouterFixture(t)
	token := f.accessToken(t, "u1", time.Hour)

	for i := 0; i < 2; i++ {
		conn, err := f.dial(t, "/ws/terminal/e1", token)
		if err != nil {
			t.Fatalf("Expected connection %d to succeed, got %v", i, err)
		}
		if _, err := readFrame(t, conn); err != nil {
			t.Fatalf("Expected welcome frame on connection %d, got %v", i, err)
		}
	}

	conn, err := f.dial(t, "/ws/terminal/e1", token)
	if err != nil {
		t.Fatalf("Expected handshake to upgrade before validation, got %v", err)
	}
	expectPolicyClose(t, conn)
}

func TestRouter_TerminalSessionLifecycle(t *testing.T) {
	f := newRouterFixture(t)
	token := f.accessToken(t, "u1", time.Hour)

	conn, err := f.dial(t, "/ws/terminal/e1", token)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	welcome, err := readFrame(t, conn)
	if err != nil {
		t.Fatalf("Expected welcome frame, got %v", err)
	}
	if welcome.Type != "welcome" || welcome.Environment != "python-workspace" {
		t.Errorf("Unexpected welcome frame %+v", welcome)
	}
	if !welcome.Interactive {
		t.Error("Expected terminal channel to be interactive")
	}

	// Command dispatch over the socket.
	if err := conn.WriteJSON(&types.Frame{Type: "input", Data: "ls"}); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	output, err := readFrame(t, conn)
	if err != nil {
		t.Fatalf("Expected output frame, got %v", err)
	}
	if output.Type != "output" || output.Data != "ok" {
		t.Errorf("Unexpected output frame %+v", output)
	}

	// Unknown frames produce an error frame, not a close.
	if err := conn.WriteJSON(&types.Frame{Type: "bogus"}); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	errFrame, err := readFrame(t, conn)
	if err != nil {
		t.Fatalf("Expected error frame, got %v", err)
	}
	if errFrame.Type != "error" {
		t.Errorf("Unexpected frame %+v", errFrame)
	}

	conn.Close()

	// The session record closes once the read loop notices the disconnect.
	deadline := time.Now().Add(2 * time.Second)
	for {
		if time.Now().After(deadline) {
			t.Fatal("Expected terminal session to be closed")
		}
		if f.manager.CountForUser("u1") == 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRouter_PingGetsPong(t *testing.T) {
	f := newRouterFixture(t)
	token := f.accessToken(t, "u1", time.Hour)

	conn, err := f.dial(t, "/ws/terminal/e1", token)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if _, err := readFrame(t, conn); err != nil {
		t.Fatalf("Expected welcome frame, got %v", err)
	}

	if err := conn.WriteJSON(&types.Frame{Type: "ping"}); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	pong, err := readFrame(t, conn)
	if err != nil {
		t.Fatalf("Expected pong frame, got %v", err)
	}
	if pong.Type != "pong" {
		t.Errorf("Expected pong, got %+v", pong)
	}
}

func TestRouter_LogsChannelStreamsAndRejectsInput(t *testing.T) {
	f := newRouterFixture(t)
	token := f.accessToken(t, "u1", time.Hour)

	conn, err := f.dial(t, "/ws/logs/e1", token)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	welcome, err := readFrame(t, conn)
	if err != nil {
		t.Fatalf("Expected welcome frame, got %v", err)
	}
	if welcome.Interactive {
		t.Error("Expected logs channel to be read-only")
	}

	first, err := readFrame(t, conn)
	if err != nil {
		t.Fatalf("Expected log frame, got %v", err)
	}
	if first.Type != "output" || first.Data != "line one" {
		t.Errorf("Unexpected log frame %+v", first)
	}

	if err := conn.WriteJSON(&types.Frame{Type: "input", Data: "rm -rf /"}); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	for {
		frame, err := readFrame(t, conn)
		if err != nil {
			t.Fatalf("Expected error frame, got %v", err)
		}
		if frame.Type == "output" {
			continue
		}
		if frame.Type != "error" {
			t.Fatalf("Expected error frame, got %+v", frame)
		}
		break
	}
}
