package dispatch_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/go-notification-gateway/internal/dispatch"
	"github.com/tinywideclouds/go-notification-gateway/internal/metrics"
	"github.com/tinywideclouds/go-notification-gateway/internal/registry"
)

// recordingHandle stores every payload it is asked to send.
type recordingHandle struct {
	mu       sync.Mutex
	received [][]byte
	sendErr  error
	block    bool
	closed   chan struct{}
	once     sync.Once
}

func newRecordingHandle() *recordingHandle {
	return &recordingHandle{closed: make(chan struct{})}
}

func (h *recordingHandle) Send(ctx context.Context, payload []byte) error {
	if h.block {
		<-ctx.Done()
		return ctx.Err()
	}
	if h.sendErr != nil {
		return h.sendErr
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.received = append(h.received, append([]byte(nil), payload...))
	return nil
}

func (h *recordingHandle) Close() error {
	h.once.Do(func() { close(h.closed) })
	return nil
}

func (h *recordingHandle) payloads() [][]byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.received
}

type fixture struct {
	reg     *registry.Registry
	metrics *metrics.Metrics
	d       *dispatch.Dispatcher
}

func setup(t *testing.T, opts ...dispatch.Option) *fixture {
	t.Helper()
	reg := registry.New()
	m := metrics.New(prometheus.NewRegistry())
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return &fixture{reg: reg, metrics: m, d: dispatch.New(reg, m, logger, opts...)}
}

func (fx *fixture) connect(id, user string, h registry.Handle) {
	fx.reg.Register(&registry.Connection{ID: id, UserID: user, EstablishedAt: time.Now(), Handle: h})
}

func TestDeliver_Delivered(t *testing.T) {
	fx := setup(t)
	h := newRecordingHandle()
	fx.connect("c1", "42", h)

	out := fx.d.Deliver(context.Background(), "42", []byte(`{"to":42,"message":"hi"}`))

	assert.Equal(t, dispatch.Delivered, out)
	require.Len(t, h.payloads(), 1)
	assert.JSONEq(t, `{"to":42,"message":"hi"}`, string(h.payloads()[0]))
	assert.Equal(t, 1.0, testutil.ToFloat64(fx.metrics.Deliveries.WithLabelValues(metrics.OutcomeDelivered)))
}

func TestDeliver_NotConnectedHasNoSideEffects(t *testing.T) {
	fx := setup(t)
	fx.connect("c1", "1", newRecordingHandle())
	fx.connect("anon", "", newRecordingHandle())
	before := fx.reg.Stats()

	out := fx.d.Deliver(context.Background(), "99", []byte(`{}`))

	assert.Equal(t, dispatch.NotConnected, out)
	assert.Equal(t, before, fx.reg.Stats())
	assert.Equal(t, 1.0, testutil.ToFloat64(fx.metrics.Deliveries.WithLabelValues(metrics.OutcomeNotConnected)))
}

func TestDeliver_EmptyUserIsNotConnected(t *testing.T) {
	fx := setup(t)
	fx.connect("anon", "", newRecordingHandle())

	assert.Equal(t, dispatch.NotConnected, fx.d.Deliver(context.Background(), "", []byte(`{}`)))
}

func TestDeliver_WriteFailureEvicts(t *testing.T) {
	fx := setup(t)
	h := newRecordingHandle()
	h.sendErr = errors.New("broken pipe")
	fx.connect("c1", "42", h)

	out := fx.d.Deliver(context.Background(), "42", []byte(`{}`))
	assert.Equal(t, dispatch.NotConnected, out)

	select {
	case <-h.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("evicted connection was not closed")
	}
	require.Eventually(t, func() bool {
		_, ok := fx.reg.Lookup("42")
		return !ok
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(fx.metrics.Deliveries.WithLabelValues(metrics.OutcomeWriteFailed)))

	// The next push simply misses.
	assert.Equal(t, dispatch.NotConnected, fx.d.Deliver(context.Background(), "42", []byte(`{}`)))
}

func TestDeliver_WriteTimeoutIsBounded(t *testing.T) {
	evicted := make(chan *registry.Connection, 1)
	fx := setup(t,
		dispatch.WithWriteTimeout(50*time.Millisecond),
		dispatch.WithEvictor(dispatch.EvictorFunc(func(c *registry.Connection) { evicted <- c })),
	)
	h := newRecordingHandle()
	h.block = true
	fx.connect("c1", "42", h)

	start := time.Now()
	out := fx.d.Deliver(context.Background(), "42", []byte(`{}`))

	assert.Equal(t, dispatch.NotConnected, out)
	assert.Less(t, time.Since(start), 2*time.Second)

	select {
	case c := <-evicted:
		assert.Equal(t, "c1", c.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("custom evictor was not called")
	}
}

func TestDeliver_NewerConnectionReceives(t *testing.T) {
	fx := setup(t)
	oldH := newRecordingHandle()
	newH := newRecordingHandle()
	fx.connect("c1", "42", oldH)
	fx.connect("c2", "42", newH)

	assert.Equal(t, dispatch.Delivered, fx.d.Deliver(context.Background(), "42", []byte(`{"n":1}`)))

	assert.Empty(t, oldH.payloads())
	assert.Len(t, newH.payloads(), 1)
}

func TestDeliver_ConcurrentNoCrossDelivery(t *testing.T) {
	const users = 1000
	fx := setup(t)
	handles := make([]*recordingHandle, users)

	var wg sync.WaitGroup
	for i := 0; i < users; i++ {
		handles[i] = newRecordingHandle()
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			fx.connect(fmt.Sprintf("c%d", i), fmt.Sprintf("%d", i), handles[i])
		}(i)
	}
	wg.Wait()

	outcomes := make([]dispatch.Outcome, users)
	for i := 0; i < users; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			payload := []byte(fmt.Sprintf(`{"to":%d,"message":"for-%d"}`, i, i))
			outcomes[i] = fx.d.Deliver(context.Background(), fmt.Sprintf("%d", i), payload)
		}(i)
	}
	wg.Wait()

	for i := 0; i < users; i++ {
		assert.Equal(t, dispatch.Delivered, outcomes[i], "user %d", i)
		got := handles[i].payloads()
		require.Len(t, got, 1, "user %d", i)
		assert.Equal(t, fmt.Sprintf(`{"to":%d,"message":"for-%d"}`, i, i), string(got[0]))
	}
}

func TestOutcome_String(t *testing.T) {
	assert.Equal(t, "delivered", dispatch.Delivered.String())
	assert.Equal(t, "not_connected", dispatch.NotConnected.String())
}

func TestDeliver_CancelledCallerDoesNotEvict(t *testing.T) {
	evicted := make(chan *registry.Connection, 1)
	fx := setup(t, dispatch.WithEvictor(dispatch.EvictorFunc(func(c *registry.Connection) { evicted <- c })))
	h := newRecordingHandle()
	fx.connect("c1", "42", h)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.Equal(t, dispatch.Delivered, fx.d.Deliver(ctx, "42", []byte(`{"n":1}`)))
	select {
	case c := <-evicted:
		t.Fatalf("connection %s evicted after caller cancelled", c.ID)
	case <-time.After(100 * time.Millisecond):
	}

	conn, ok := fx.reg.Lookup("42")
	require.True(t, ok)
	assert.Equal(t, "c1", conn.ID)
	assert.Equal(t, dispatch.Delivered, fx.d.Deliver(context.Background(), "42", []byte(`{"n":2}`)))
	assert.Len(t, h.payloads(), 2)
}
