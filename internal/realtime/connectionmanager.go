// Package realtime terminates client websocket connections and manages their
// lifecycle against the connection registry.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/tinywideclouds/go-notification-gateway/internal/metrics"
	"github.com/tinywideclouds/go-notification-gateway/internal/platform/presence"
	"github.com/tinywideclouds/go-notification-gateway/internal/registry"
	"github.com/tinywideclouds/go-notification-gateway/pkg/notify"
)

const (
	presenceTimeout = 2 * time.Second
	userLockStripes = 64
)

// Config controls the websocket endpoint.
type Config struct {
	ListenAddr      string
	Path            string
	WriteTimeout    time.Duration
	PingInterval    time.Duration
	PongWait        time.Duration
	MaxMessageSize  int64
	AllowedOrigins  []string
	EvictSuperseded bool
	// ChatterLogRate and ChatterLogBurst throttle the debug log line written
	// for each inbound client frame.
	ChatterLogRate  float64
	ChatterLogBurst int
}

func (c Config) withDefaults() Config {
	if c.Path == "" {
		c.Path = "/"
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.PongWait <= 0 {
		c.PongWait = 60 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = c.PongWait * 9 / 10
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = 4096
	}
	if c.ChatterLogRate <= 0 {
		c.ChatterLogRate = 1
	}
	if c.ChatterLogBurst <= 0 {
		c.ChatterLogBurst = 5
	}
	return c
}

// ConnectionManager manages all active WebSocket connections.
// It runs its own dedicated HTTP server.
type ConnectionManager struct {
	cfg           Config
	server        *http.Server
	upgrader      websocket.Upgrader
	registry      *registry.Registry
	presenceCache presence.Cache
	metrics       *metrics.Metrics
	logger        *slog.Logger
	instanceID    string

	// mu guards shuttingDown and every sessions.Add.
	mu           sync.Mutex
	shuttingDown bool
	sessions     sync.WaitGroup

	// userLocks order registry changes and their presence writes per user.
	userLocks [userLockStripes]sync.Mutex
}

// NewConnectionManager creates and wires up a new WebSocket connection manager.
func NewConnectionManager(
	cfg Config,
	reg *registry.Registry,
	presenceCache presence.Cache,
	m *metrics.Metrics,
	logger *slog.Logger,
) (*ConnectionManager, error) {
	if reg == nil || m == nil {
		return nil, fmt.Errorf("registry and metrics cannot be nil")
	}
	if presenceCache == nil {
		presenceCache = presence.NoopCache{}
	}
	cfg = cfg.withDefaults()
	if cfg.PingInterval >= cfg.PongWait {
		return nil, fmt.Errorf("ping interval (%s) must be shorter than pong wait (%s)", cfg.PingInterval, cfg.PongWait)
	}

	instanceID := uuid.NewString()
	cm := &ConnectionManager{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(cfg.AllowedOrigins),
		},
		registry:      reg,
		presenceCache: presenceCache,
		metrics:       m,
		logger:        logger.With("component", "ConnectionManager", "instance", instanceID),
		instanceID:    instanceID,
	}

	mux := http.NewServeMux()
	mux.HandleFunc(cfg.Path, cm.connectHandler)
	cm.server = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return cm, nil
}

// Handler exposes the upgrade endpoint, mainly for tests.
func (cm *ConnectionManager) Handler() http.Handler {
	return cm.server.Handler
}

// Start runs the HTTP server for WebSocket connections.
func (cm *ConnectionManager) Start(ctx context.Context) error {
	cm.logger.Info("WebSocket server starting...", "addr", cm.server.Addr, "path", cm.cfg.Path)
	if err := cm.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("websocket server failed: %w", err)
	}
	return nil
}

// Shutdown stops accepting upgrades, sends a close frame to every live
// connection and waits for their sessions to finish or for ctx to expire.
func (cm *ConnectionManager) Shutdown(ctx context.Context) error {
	cm.logger.Info("Shutting down WebSocket service...")
	cm.mu.Lock()
	cm.shuttingDown = true
	cm.mu.Unlock()

	var finalErr error

	if err := cm.server.Shutdown(ctx); err != nil {
		cm.logger.Error("WebSocket server shutdown failed.", "err", err)
		finalErr = err
	}

	// Hijacked connections are not tracked by http.Server. Sessions that
	// register after this snapshot close themselves in connectHandler.
	conns := cm.registry.Connections()
	for _, conn := range conns {
		closeWithReason(conn.Handle, websocket.CloseGoingAway, "server shutting down")
	}

	done := make(chan struct{})
	go func() {
		cm.sessions.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		cm.logger.Warn("Timed out waiting for sessions to close.", "err", ctx.Err())
		if finalErr == nil {
			finalErr = ctx.Err()
		}
	}

	cm.logger.Info("WebSocket service shut down.", "closed_connections", len(conns))
	return finalErr
}

// Evict removes a connection that is known to be dead and closes it. It is
// safe to call alongside the connection's own close path.
func (cm *ConnectionManager) Evict(conn *registry.Connection) {
	cm.logger.Info("Evicting connection.", "connection_id", conn.ID, "user", conn.UserID)
	cm.release(conn)
	closeWithReason(conn.Handle, websocket.CloseGoingAway, "write failed")
}

// connectHandler upgrades a new HTTP request to a WebSocket and drives its
// session until the connection ends.
func (cm *ConnectionManager) connectHandler(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(r.URL.Query().Get(notify.UserIDQueryParam))

	if !cm.beginSession() {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	defer cm.sessions.Done()

	ws, err := cm.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied with an HTTP error.
		cm.logger.Warn("Failed to upgrade connection.", "err", err, "remote_addr", r.RemoteAddr)
		return
	}

	handle := newWSHandle(ws, cm.cfg.WriteTimeout)
	defer func() {
		if err := handle.Close(); err != nil {
			cm.logger.Debug("error closing connection", "err", err)
		}
	}()

	conn := &registry.Connection{
		ID:            uuid.NewString(),
		UserID:        userID,
		EstablishedAt: time.Now(),
		Handle:        handle,
	}
	s := cm.newSession(conn)
	s.handleEvent(Event{Kind: EventConnected})
	if cm.isShuttingDown() {
		closeWithReason(handle, websocket.CloseGoingAway, "server shutting down")
	}

	stopPing := make(chan struct{})
	defer close(stopPing)
	go cm.keepalive(handle, stopPing)

	s.handleEvent(cm.readLoop(ws, handle, s))
}

// beginSession counts a new session unless shutdown has started.
func (cm *ConnectionManager) beginSession() bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if cm.shuttingDown {
		return false
	}
	cm.sessions.Add(1)
	return true
}

func (cm *ConnectionManager) isShuttingDown() bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.shuttingDown
}

// readLoop feeds inbound frames to the session and returns the terminal event.
func (cm *ConnectionManager) readLoop(ws *websocket.Conn, handle *wsHandle, s *session) Event {
	ws.SetReadLimit(cm.cfg.MaxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(cm.cfg.PongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(cm.cfg.PongWait))
	})

	for {
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			if handle.isClosed() || websocket.IsCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived,
				websocket.CloseAbnormalClosure,
			) {
				return Event{Kind: EventDisconnected, Err: err}
			}
			return Event{Kind: EventError, Err: err}
		}
		s.handleEvent(Event{Kind: EventMessageReceived, MessageType: messageType, Data: data})
	}
}

func (cm *ConnectionManager) keepalive(handle *wsHandle, stop <-chan struct{}) {
	ticker := time.NewTicker(cm.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := handle.ping(); err != nil {
				// The read deadline will expire and end the session.
				return
			}
		case <-stop:
			return
		}
	}
}

// register adds the connection and returns the one it superseded, if any.
func (cm *ConnectionManager) register(conn *registry.Connection) *registry.Connection {
	if conn.Anonymous() {
		superseded := cm.registry.Register(conn)
		cm.metrics.ActiveConnections.Inc()
		cm.metrics.ConnectionsTotal.Inc()
		return superseded
	}

	lock := cm.userLock(conn.UserID)
	lock.Lock()
	defer lock.Unlock()

	superseded := cm.registry.Register(conn)
	cm.metrics.ActiveConnections.Inc()
	cm.metrics.ConnectionsTotal.Inc()

	ctx, cancel := context.WithTimeout(context.Background(), presenceTimeout)
	defer cancel()
	info := notify.ConnectionInfo{
		ServerInstanceID: cm.instanceID,
		ConnectionID:     conn.ID,
		ConnectedAt:      conn.EstablishedAt.Unix(),
	}
	if err := cm.presenceCache.Set(ctx, conn.UserID, info); err != nil {
		cm.logger.Error("Failed to set user presence.", "err", err, "user", conn.UserID)
	}
	return superseded
}

// release unregisters the connection. Presence is only cleared when this
// connection still owned the user's mapping, and the delete lands before any
// newer registration for the same user writes its own record.
func (cm *ConnectionManager) release(conn *registry.Connection) {
	if !conn.Anonymous() {
		lock := cm.userLock(conn.UserID)
		lock.Lock()
		defer lock.Unlock()
	}

	removed, releasedUser := cm.registry.Unregister(conn.ID)
	if removed == nil {
		return
	}
	cm.metrics.ActiveConnections.Dec()

	if !releasedUser {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), presenceTimeout)
	defer cancel()
	if err := cm.presenceCache.Delete(ctx, conn.UserID); err != nil {
		cm.logger.Error("Failed to delete user presence.", "err", err, "user", conn.UserID)
	}
}

func (cm *ConnectionManager) userLock(userID string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return &cm.userLocks[h.Sum32()%userLockStripes]
}

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[strings.ToLower(strings.TrimRight(o, "/"))] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			// Non-browser clients do not send an Origin header.
			return true
		}
		_, ok := set[strings.ToLower(origin)]
		return ok
	}
}
