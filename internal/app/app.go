// Package app contains the shared, reusable logic for starting and stopping the service.
package app

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// DefaultShutdownTimeout bounds the graceful shutdown of all services.
const DefaultShutdownTimeout = 15 * time.Second

// Service is a long-running server with a graceful stop.
type Service interface {
	Start(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

// Run executes the main application lifecycle for the gateway. It starts both
// the push ingest and WebSocket services, listens for OS signals, and performs
// a graceful shutdown of both. Push ingest is stopped first so no delivery
// races the closing of client connections.
func Run(
	ctx context.Context,
	logger *slog.Logger,
	shutdownTimeout time.Duration,
	pushService Service,
	connManager Service,
) {
	if shutdownTimeout <= 0 {
		shutdownTimeout = DefaultShutdownTimeout
	}

	var wg sync.WaitGroup
	wg.Add(2)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		defer wg.Done()
		logger.Info("Starting Push Ingest Service...")
		err := pushService.Start(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Push Ingest Service failed", "err", err)
			cancel() // Trigger shutdown of other services.
		}
	}()

	go func() {
		defer wg.Done()
		logger.Info("Starting Connection Manager Service...")
		err := connManager.Start(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Connection Manager Service failed", "err", err)
			cancel()
		}
	}()

	// Wait for a shutdown signal.
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(shutdown)
	select {
	case sig := <-shutdown:
		logger.Info("Received shutdown signal.", "signal", sig.String())
	case <-ctx.Done():
		logger.Info("Context cancelled, initiating shutdown.")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	logger.Info("Shutting down Push Ingest Service...")
	if err := pushService.Shutdown(shutdownCtx); err != nil {
		logger.Error("Push Ingest Service shutdown failed.", "err", err)
	}

	logger.Info("Shutting down Connection Manager...")
	if err := connManager.Shutdown(shutdownCtx); err != nil {
		logger.Error("Connection Manager shutdown failed.", "err", err)
	}

	wg.Wait()
	logger.Info("All services shut down gracefully.")
}
