/*
File: gatewayservice/gatewayservice.go
Description: Wires the push ingest HTTP server: the push endpoint, health,
registry stats and Prometheus metrics.
*/
package gatewayservice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/handlers"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tinywideclouds/go-notification-gateway/gatewayservice/config"
	"github.com/tinywideclouds/go-notification-gateway/internal/api"
	"github.com/tinywideclouds/go-notification-gateway/internal/metrics"
	"github.com/tinywideclouds/go-notification-gateway/pkg/notify"
)

// Wrapper owns the push ingest HTTP server.
type Wrapper struct {
	server        *http.Server
	apiHandler    *api.API
	logger        *slog.Logger
	httpReadyChan chan struct{}

	mu   sync.Mutex
	addr net.Addr
}

// New creates and wires up the push ingest service.
func New(
	cfg *config.AppConfig,
	deliverer api.Deliverer,
	stats api.StatsSource,
	m *metrics.Metrics,
	gatherer prometheus.Gatherer,
	logger *slog.Logger,
) (*Wrapper, error) {
	if deliverer == nil || stats == nil {
		return nil, fmt.Errorf("deliverer and stats source are required")
	}

	apiHandler := api.NewAPI(deliverer, stats, m, cfg.MaxBodyBytes, logger)

	// Routes carry no method pattern: every unsupported path or method on
	// this port is answered 404, never 405.
	mux := http.NewServeMux()
	mux.HandleFunc(notify.PushPath, apiHandler.PushHandler)
	mux.Handle("/healthz", getOnly(http.HandlerFunc(apiHandler.HealthzHandler)))
	mux.Handle("/stats", getOnly(http.HandlerFunc(apiHandler.StatsHandler)))
	mux.Handle("/metrics", getOnly(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	handler := handlers.RecoveryHandler(
		handlers.RecoveryLogger(recoveryLogger{logger}),
		handlers.PrintRecoveryStack(false),
	)(mux)

	return &Wrapper{
		server: &http.Server{
			Addr:              ":" + cfg.PushPort,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		},
		apiHandler:    apiHandler,
		logger:        logger,
		httpReadyChan: make(chan struct{}),
	}, nil
}

// Handler returns the routed push ingest handler.
func (w *Wrapper) Handler() http.Handler {
	return w.server.Handler
}

// Ready is closed once the listener is bound.
func (w *Wrapper) Ready() <-chan struct{} {
	return w.httpReadyChan
}

// Addr reports the bound listen address, or "" before Start has bound it.
func (w *Wrapper) Addr() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.addr == nil {
		return ""
	}
	return w.addr.String()
}

// Start binds the listener and serves until Shutdown.
func (w *Wrapper) Start(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", w.server.Addr)
	if err != nil {
		return fmt.Errorf("push server failed to listen on %s: %w", w.server.Addr, err)
	}

	w.mu.Lock()
	w.addr = ln.Addr()
	w.mu.Unlock()
	close(w.httpReadyChan)
	w.logger.Info("Push ingest listener is active.", "addr", ln.Addr().String())

	if err := w.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		w.logger.Error("HTTP server failed", "err", err)
		return err
	}
	return nil
}

// Shutdown gracefully stops the push ingest server.
func (w *Wrapper) Shutdown(ctx context.Context) error {
	w.logger.Info("Shutting down push ingest server...")
	if err := w.server.Shutdown(ctx); err != nil {
		w.logger.Error("HTTP server shutdown failed.", "err", err)
		return err
	}
	w.logger.Info("Push ingest server shut down.")
	return nil
}

// getOnly answers anything but GET or HEAD with 404.
func getOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			api.WriteJSONError(w, http.StatusNotFound, "not found")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// recoveryLogger routes recovered handler panics into slog.
type recoveryLogger struct {
	logger *slog.Logger
}

func (l recoveryLogger) Println(v ...interface{}) {
	l.logger.Error("Recovered from panic in HTTP handler", "panic", fmt.Sprint(v...))
}
