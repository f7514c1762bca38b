package gatewayservice_test

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/go-notification-gateway/gatewayservice"
	"github.com/tinywideclouds/go-notification-gateway/gatewayservice/config"
	"github.com/tinywideclouds/go-notification-gateway/internal/dispatch"
	"github.com/tinywideclouds/go-notification-gateway/internal/metrics"
	"github.com/tinywideclouds/go-notification-gateway/internal/registry"
)

func newTestService(t *testing.T) *gatewayservice.Wrapper {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	promReg := prometheus.NewRegistry()
	m := metrics.New(promReg)
	reg := registry.New()
	svc, err := gatewayservice.New(&config.AppConfig{PushPort: "0"}, dispatch.New(reg, m, logger), reg, m, promReg, logger)
	require.NoError(t, err)
	return svc
}

func TestWrapper_StartAndShutdown(t *testing.T) {
	svc := newTestService(t)
	assert.Empty(t, svc.Addr())

	errCh := make(chan error, 1)
	go func() { errCh <- svc.Start(context.Background()) }()

	select {
	case <-svc.Ready():
	case err := <-errCh:
		t.Fatalf("service failed to start: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("service did not become ready")
	}
	require.NotEmpty(t, svc.Addr())

	resp, err := http.Get("http://" + svc.Addr() + "/healthz")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, svc.Shutdown(ctx))

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after Shutdown")
	}
}

func TestWrapper_StartFailsOnBusyPort(t *testing.T) {
	first := newTestService(t)
	go func() { _ = first.Start(context.Background()) }()
	<-first.Ready()
	t.Cleanup(func() { _ = first.Shutdown(context.Background()) })

	_, port, err := net.SplitHostPort(first.Addr())
	require.NoError(t, err)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	promReg := prometheus.NewRegistry()
	m := metrics.New(promReg)
	reg := registry.New()
	second, err := gatewayservice.New(&config.AppConfig{PushPort: port}, dispatch.New(reg, m, logger), reg, m, promReg, logger)
	require.NoError(t, err)

	assert.Error(t, second.Start(context.Background()))
}

func TestNew_RequiresDependencies(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	promReg := prometheus.NewRegistry()
	_, err := gatewayservice.New(&config.AppConfig{}, nil, nil, metrics.New(promReg), promReg, logger)
	assert.Error(t, err)
}

type panickingDeliverer struct{}

func (panickingDeliverer) Deliver(context.Context, string, []byte) dispatch.Outcome {
	panic("boom")
}

func TestWrapper_RecoversFromHandlerPanic(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	promReg := prometheus.NewRegistry()
	svc, err := gatewayservice.New(&config.AppConfig{PushPort: "0"}, panickingDeliverer{}, registry.New(),
		metrics.New(promReg), promReg, logger)
	require.NoError(t, err)

	rr := httptest.NewRecorder()
	svc.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/push", strings.NewReader(`{"to":1}`)))
	assert.Equal(t, http.StatusInternalServerError, rr.Code)

	// The server keeps answering.
	rr = httptest.NewRecorder()
	svc.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestWrapper_UnsupportedMethodsAreNotFound(t *testing.T) {
	svc := newTestService(t)

	for _, path := range []string{"/healthz", "/stats", "/metrics", "/push"} {
		for _, method := range []string{http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodPatch} {
			if path == "/push" && method == http.MethodPost {
				continue
			}
			t.Run(method+" "+path, func(t *testing.T) {
				rr := httptest.NewRecorder()
				svc.Handler().ServeHTTP(rr, httptest.NewRequest(method, path, nil))
				assert.Equal(t, http.StatusNotFound, rr.Code)
			})
		}
	}

	for _, path := range []string{"/healthz", "/stats", "/metrics"} {
		rr := httptest.NewRecorder()
		svc.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, rr.Code, path)
	}
}
