package ws

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/devpocket/environment-broker/internal/types"
)

// socket is the subset of *websocket.Conn the manager writes through.
type socket interface {
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Conn is one registered WebSocket connection. Writes are serialized through
// the connection's own mutex because gorilla/websocket allows at most one
// concurrent writer.
type Conn struct {
	ID            string
	UserID        string
	EnvironmentID string
	Channel       string

	sock socket

	mu       sync.Mutex
	lastPong time.Time
}

func newConn(userID, environmentID, channel string, sock socket) *Conn {
	return &Conn{
		ID:            uuid.New().String(),
		UserID:        userID,
		EnvironmentID: environmentID,
		Channel:       channel,
		sock:          sock,
		lastPong:      time.Now(),
	}
}

// WriteFrame marshals and sends a single frame.
func (c *Conn) WriteFrame(frame *types.Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sock.WriteMessage(websocket.TextMessage, data)
}

func (c *Conn) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sock.WriteMessage(websocket.PingMessage, nil)
}

func (c *Conn) touchPong() {
	c.mu.Lock()
	c.lastPong = time.Now()
	c.mu.Unlock()
}

func (c *Conn) pongAge(now time.Time) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return now.Sub(c.lastPong)
}

// Manager tracks live WebSocket connections, enforces the per-user connection
// quota and runs the heartbeat loop that evicts dead peers.
type Manager struct {
	mu     sync.RWMutex
	conns  map[string]*Conn
	byUser map[string]map[string]struct{}

	maxPerUser int
	interval   time.Duration
	done       chan struct{}
	closeOnce  sync.Once
}

// NewManager creates a Manager with the given per-user quota and heartbeat
// interval, and starts the heartbeat loop.
func NewManager(maxPerUser int, interval time.Duration) *Manager {
	m := &Manager{
		conns:      make(map[string]*Conn),
		byUser:     make(map[string]map[string]struct{}),
		maxPerUser: maxPerUser,
		interval:   interval,
		done:       make(chan struct{}),
	}
	go m.heartbeatLoop()
	return m
}

// CanAccept reports whether the user is below their connection quota.
func (m *Manager) CanAccept(userID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byUser[userID]) < m.maxPerUser
}

// Register adds a connection to both registries and returns it.
func (m *Manager) Register(userID, environmentID, channel string, sock socket) *Conn {
	conn := newConn(userID, environmentID, channel, sock)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.conns[conn.ID] = conn
	if m.byUser[userID] == nil {
		m.byUser[userID] = make(map[string]struct{})
	}
	m.byUser[userID][conn.ID] = struct{}{}

	log.Printf("Registered %s connection %s for user %s (env %s)",
		channel, conn.ID, userID, environmentID)
	return conn
}

// Unregister removes a connection from both registries. Safe to call for a
// connection the heartbeat already evicted.
func (m *Manager) Unregister(connID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evictLocked(connID)
}

func (m *Manager) evictLocked(connID string) {
	conn, ok := m.conns[connID]
	if !ok {
		return
	}
	delete(m.conns, connID)
	if userConns, ok := m.byUser[conn.UserID]; ok {
		delete(userConns, connID)
		if len(userConns) == 0 {
			delete(m.byUser, conn.UserID)
		}
	}
}

// CountForUser returns the number of live connections held by a user.
func (m *Manager) CountForUser(userID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byUser[userID])
}

// BroadcastToEnvironment sends a frame to every connection attached to the
// given environment. Write failures are logged and left for the heartbeat to
// clean up.
func (m *Manager) BroadcastToEnvironment(environmentID string, frame *types.Frame) {
	m.mu.RLock()
	var targets []*Conn
	for _, conn := range m.conns {
		if conn.EnvironmentID == environmentID {
			targets = append(targets, conn)
		}
	}
	m.mu.RUnlock()

	for _, conn := range targets {
		if err := conn.WriteFrame(frame); err != nil {
			log.Printf("Broadcast to connection %s failed: %v", conn.ID, err)
		}
	}
}

// Teardown stops the heartbeat loop and closes every live connection.
func (m *Manager) Teardown() {
	m.closeOnce.Do(func() { close(m.done) })

	m.mu.Lock()
	defer m.mu.Unlock()
	for id, conn := range m.conns {
		conn.sock.Close()
		delete(m.conns, id)
	}
	m.byUser = make(map[string]map[string]struct{})
}

func (m *Manager) heartbeatLoop() {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case now := <-ticker.C:
			m.sweepOnce(now)
		}
	}
}

// sweepOnce evicts connections whose last pong is older than two heartbeat
// intervals and pings the rest.
func (m *Manager) sweepOnce(now time.Time) {
	m.mu.Lock()
	var stale, live []*Conn
	for _, conn := range m.conns {
		if conn.pongAge(now) > 2*m.interval {
			stale = append(stale, conn)
		} else {
			live = append(live, conn)
		}
	}
	for _, conn := range stale {
		m.evictLocked(conn.ID)
	}
	m.mu.Unlock()

	for _, conn := range stale {
		log.Printf("Evicting stale connection %s (user %s)", conn.ID, conn.UserID)
		conn.sock.Close()
	}
	for _, conn := range live {
		if err := conn.ping(); err != nil {
			log.Printf("Ping to connection %s failed: %v", conn.ID, err)
		}
	}
}
