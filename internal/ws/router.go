package ws

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/devpocket/environment-broker/internal/auth"
	"github.com/devpocket/environment-broker/internal/store"
	"github.com/devpocket/environment-broker/internal/types"
)

// Executor runs commands inside an environment on behalf of a terminal
// session.
type Executor interface {
	ExecuteCommand(ctx context.Context, environmentID, command string, attachStdin bool) (*types.ExecResult, error)
}

// LogStreamer opens a following log stream for an environment.
type LogStreamer interface {
	StreamLogs(ctx context.Context, environmentID string, tailLines int64) (io.ReadCloser, error)
}

// Router validates WebSocket handshakes and dispatches JSON frames between
// clients and environments.
type Router struct {
	verifier *auth.Verifier
	store    store.Store
	manager  *Manager
	executor Executor
	logs     LogStreamer
	upgrader websocket.Upgrader
}

// NewRouter creates a Router over the given collaborators.
func NewRouter(verifier *auth.Verifier, st store.Store, manager *Manager, executor Executor, logs LogStreamer) *Router {
	return &Router{
		verifier: verifier,
		store:    st,
		manager:  manager,
		executor: executor,
		logs:     logs,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// HandleTerminal serves GET /ws/terminal/:id.
func (r *Router) HandleTerminal(c *gin.Context) {
	r.handle(c, types.ChannelTerminal)
}

// HandleLogs serves GET /ws/logs/:id.
func (r *Router) HandleLogs(c *gin.Context) {
	r.handle(c, types.ChannelLogs)
}

func (r *Router) handle(c *gin.Context, channel string) {
	environmentID := c.Param("id")
	token := c.Query("token")

	sock, err := r.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	userID, env, reason := r.validate(c.Request.Context(), token, environmentID)
	if reason != "" {
		reject(sock, reason)
		return
	}

	r.serve(sock, userID, env, channel)
}

// validate runs the handshake checks in order: token, principal, environment
// ownership, connection quota. It returns a close reason on failure; reasons
// are generic on purpose so the socket never leaks identifiers or token
// material.
func (r *Router) validate(ctx context.Context, token, environmentID string) (string, *types.EnvironmentRecord, string) {
	claims, err := r.verifier.Verify(token)
	if err != nil {
		return "", nil, "authentication failed"
	}
	userID := claims.Subject

	user, err := r.store.GetUser(ctx, userID)
	if err != nil {
		return "", nil, "authentication failed"
	}
	if err := auth.CheckPrincipal(user); err != nil {
		return "", nil, "account is not eligible for sessions"
	}

	env, err := r.store.GetEnvironment(ctx, environmentID)
	if err != nil {
		return "", nil, "environment not found"
	}
	if env.OwnerID != userID {
		return "", nil, "access denied"
	}

	if !r.manager.CanAccept(userID) {
		return "", nil, "connection limit reached"
	}

	return userID, env, ""
}

func reject(sock *websocket.Conn, reason string) {
	msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason)
	deadline := time.Now().Add(5 * time.Second)
	if err := sock.WriteControl(websocket.CloseMessage, msg, deadline); err != nil {
		log.Printf("Failed to write close message: %v", err)
	}
	sock.Close()
}

func (r *Router) serve(sock *websocket.Conn, userID string, env *types.EnvironmentRecord, channel string) {
	conn := r.manager.Register(userID, env.ID, channel, sock)
	sock.SetPongHandler(func(string) error {
		conn.touchPong()
		return nil
	})

	defer func() {
		r.manager.Unregister(conn.ID)
		sock.Close()
		if channel == types.ChannelTerminal {
			if err := r.store.CloseTerminalSession(context.Background(), env.ID); err != nil {
				log.Printf("Failed to close terminal session for %s: %v", env.ID, err)
			}
		}
	}()

	welcome := &types.Frame{
		Type:        "welcome",
		Environment: env.Name,
		Status:      env.Status,
		Interactive: channel == types.ChannelTerminal,
	}
	if err := conn.WriteFrame(welcome); err != nil {
		log.Printf("Failed to write welcome frame: %v", err)
		return
	}

	if channel == types.ChannelTerminal {
		if _, err := r.store.UpsertTerminalSession(context.Background(), env.ID); err != nil {
			log.Printf("Failed to record terminal session for %s: %v", env.ID, err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if channel == types.ChannelLogs {
		go r.pumpLogs(ctx, conn, env.ID)
	}

	r.readLoop(ctx, sock, conn, env.ID, channel)
}

func (r *Router) readLoop(ctx context.Context, sock *websocket.Conn, conn *Conn, environmentID, channel string) {
	for {
		_, data, err := sock.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("Connection %s closed unexpectedly: %v", conn.ID, err)
			}
			return
		}

		var frame types.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			writeError(conn, "malformed frame")
			continue
		}

		switch frame.Type {
		case "ping":
			conn.touchPong()
			if err := conn.WriteFrame(&types.Frame{Type: "pong"}); err != nil {
				return
			}
		case "input":
			if channel != types.ChannelTerminal {
				writeError(conn, "channel is read-only")
				continue
			}
			r.runCommand(ctx, conn, environmentID, frame.Data)
		case "resize":
			// Window size changes are acknowledged but not forwarded: each
			// input frame runs in a fresh exec stream with no persistent TTY.
			log.Printf("Resize on connection %s: %dx%d", conn.ID, frame.Cols, frame.Rows)
		default:
			writeError(conn, "unknown frame type")
		}
	}
}

func (r *Router) runCommand(ctx context.Context, conn *Conn, environmentID, command string) {
	result, err := r.executor.ExecuteCommand(ctx, environmentID, command, false)
	if err != nil {
		writeError(conn, "command failed")
		return
	}

	if result.Success {
		if err := conn.WriteFrame(&types.Frame{Type: "output", Data: result.Output}); err != nil {
			return
		}
	} else {
		writeError(conn, result.Error)
	}

	if err := r.store.TouchEnvironmentActivity(ctx, environmentID); err != nil {
		log.Printf("Failed to touch activity for %s: %v", environmentID, err)
	}
}

// pumpLogs streams pod logs to the client as output frames until the stream
// or the connection ends.
func (r *Router) pumpLogs(ctx context.Context, conn *Conn, environmentID string) {
	stream, err := r.logs.StreamLogs(ctx, environmentID, 100)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		writeError(conn, "log stream unavailable")
		return
	}
	defer stream.Close()

	scanner := bufio.NewScanner(stream)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if err := conn.WriteFrame(&types.Frame{Type: "output", Data: scanner.Text()}); err != nil {
			return
		}
	}
}

func writeError(conn *Conn, detail string) {
	if detail == "" {
		detail = "command failed"
	}
	if err := conn.WriteFrame(&types.Frame{Type: "error", Data: detail}); err != nil {
		log.Printf("Failed to write error frame: %v", err)
	}
}
