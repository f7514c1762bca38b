package realtime

import (
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/tinywideclouds/go-notification-gateway/internal/registry"
)

// State is a connection's lifecycle position. Closed is terminal.
type State int

const (
	StateConnecting State = iota
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// EventKind enumerates what can happen to a connection.
type EventKind int

const (
	EventConnected EventKind = iota
	EventMessageReceived
	EventDisconnected
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventMessageReceived:
		return "message_received"
	case EventDisconnected:
		return "disconnected"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is one input to a session.
type Event struct {
	Kind        EventKind
	MessageType int
	Data        []byte
	Err         error
}

// session is the per-connection state machine. Events are delivered from the
// connection's own goroutine, so it needs no locking.
type session struct {
	cm         *ConnectionManager
	conn       *registry.Connection
	state      State
	chatter    *rate.Limiter
	suppressed int
	log        *slog.Logger
}

func (cm *ConnectionManager) newSession(conn *registry.Connection) *session {
	return &session{
		cm:      cm,
		conn:    conn,
		state:   StateConnecting,
		chatter: rate.NewLimiter(rate.Limit(cm.cfg.ChatterLogRate), cm.cfg.ChatterLogBurst),
		log:     cm.logger.With("connection_id", conn.ID, "user", conn.UserID),
	}
}

// handleEvent is the single entry point for connection events.
func (s *session) handleEvent(ev Event) {
	if s.state == StateClosed {
		s.log.Debug("Ignoring event on closed connection", "event", ev.Kind.String())
		return
	}

	switch ev.Kind {
	case EventConnected:
		if s.state != StateConnecting {
			s.log.Warn("Duplicate connected event", "state", s.state.String())
			return
		}
		s.open()
	case EventMessageReceived:
		if s.state == StateOpen {
			s.onMessage(ev)
		}
	case EventDisconnected, EventError:
		s.close(ev)
	}
}

func (s *session) open() {
	superseded := s.cm.register(s.conn)
	s.state = StateOpen

	if s.conn.Anonymous() {
		s.log.Info("Anonymous client connected; it cannot receive targeted pushes.")
	} else {
		s.log.Info("User connected via WebSocket.")
	}

	if superseded == nil {
		return
	}
	s.log.Info("Connection superseded an older one for the same user.",
		"superseded_connection_id", superseded.ID,
		"evict", s.cm.cfg.EvictSuperseded,
	)
	if s.cm.cfg.EvictSuperseded {
		go closeWithReason(superseded.Handle, websocket.ClosePolicyViolation, "superseded by a newer connection")
	}
}

// onMessage logs inbound chatter. The channel is push-only, so frames are
// never interpreted.
func (s *session) onMessage(ev Event) {
	s.cm.metrics.InboundMessages.Inc()
	if !s.chatter.Allow() {
		s.suppressed++
		return
	}
	s.log.Debug("Ignoring inbound client message", "type", ev.MessageType, "bytes", len(ev.Data))
}

func (s *session) close(ev Event) {
	wasOpen := s.state == StateOpen
	s.state = StateClosed
	if !wasOpen {
		s.log.Warn("Connection failed before it opened.", "err", ev.Err)
		return
	}

	s.cm.release(s.conn)

	attrs := []any{
		"event", ev.Kind.String(),
		"duration", time.Since(s.conn.EstablishedAt).String(),
	}
	if s.suppressed > 0 {
		attrs = append(attrs, "suppressed_log_lines", s.suppressed)
	}
	if ev.Kind == EventError {
		s.log.Warn("Connection closed after error.", append(attrs, "err", ev.Err)...)
		return
	}
	s.log.Info("User disconnected.", attrs...)
}
