// Package dispatch bridges push requests to live connections.
package dispatch

import (
	"context"
	"log/slog"
	"time"

	"github.com/tinywideclouds/go-notification-gateway/internal/metrics"
	"github.com/tinywideclouds/go-notification-gateway/internal/registry"
)

// DefaultWriteTimeout bounds a single delivery write when none is configured.
const DefaultWriteTimeout = 5 * time.Second

// Outcome is the result of a delivery attempt.
type Outcome int

const (
	// Delivered means the payload was written to the transport.
	Delivered Outcome = iota
	// NotConnected means no live connection took the payload.
	NotConnected
)

func (o Outcome) String() string {
	switch o {
	case Delivered:
		return metrics.OutcomeDelivered
	default:
		return metrics.OutcomeNotConnected
	}
}

// Registry is the subset of the connection registry the dispatcher needs.
type Registry interface {
	Lookup(userID string) (*registry.Connection, bool)
	Unregister(connectionID string) (*registry.Connection, bool)
}

// Evictor tears down a connection that is known to be dead.
type Evictor interface {
	Evict(conn *registry.Connection)
}

// EvictorFunc adapts a function to the Evictor interface.
type EvictorFunc func(conn *registry.Connection)

// Evict calls f(conn).
func (f EvictorFunc) Evict(conn *registry.Connection) { f(conn) }

// Dispatcher resolves a user to a live connection and writes to it once.
type Dispatcher struct {
	registry     Registry
	evictor      Evictor
	writeTimeout time.Duration
	metrics      *metrics.Metrics
	logger       *slog.Logger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithEvictor replaces the default eviction, which only unregisters and
// closes the handle.
func WithEvictor(e Evictor) Option {
	return func(d *Dispatcher) { d.evictor = e }
}

// WithWriteTimeout bounds every delivery write.
func WithWriteTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.writeTimeout = timeout
		}
	}
}

// New creates a Dispatcher.
func New(reg Registry, m *metrics.Metrics, logger *slog.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		registry:     reg,
		writeTimeout: DefaultWriteTimeout,
		metrics:      m,
		logger:       logger.With("component", "Dispatcher"),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.evictor == nil {
		d.evictor = EvictorFunc(d.unregisterAndClose)
	}
	return d
}

// Deliver writes payload to the user's routable connection. Delivery is fire
// and forget: a successful transport write is the success criterion. A failed
// or timed-out write is reported as NotConnected and the connection is
// evicted in the background.
func (d *Dispatcher) Deliver(ctx context.Context, userID string, payload []byte) Outcome {
	log := d.logger.With("user", userID)

	conn, ok := d.registry.Lookup(userID)
	if !ok {
		log.Debug("No live connection for user")
		d.metrics.ObserveDelivery(metrics.OutcomeNotConnected)
		return NotConnected
	}
	log = log.With("connection_id", conn.ID)

	// Only writeTimeout bounds the write. Caller cancellation never evicts.
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.writeTimeout)
	defer cancel()

	if err := conn.Handle.Send(writeCtx, payload); err != nil {
		log.Warn("Delivery write failed, evicting connection", "err", err)
		d.metrics.ObserveDelivery(metrics.OutcomeWriteFailed)
		go d.evictor.Evict(conn)
		return NotConnected
	}

	log.Debug("Payload delivered", "bytes", len(payload))
	d.metrics.ObserveDelivery(metrics.OutcomeDelivered)
	return Delivered
}

func (d *Dispatcher) unregisterAndClose(conn *registry.Connection) {
	d.registry.Unregister(conn.ID)
	if err := conn.Handle.Close(); err != nil {
		d.logger.Debug("Error closing evicted connection", "connection_id", conn.ID, "err", err)
	}
}
