package realtime

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tinywideclouds/go-notification-gateway/internal/registry"
)

var errHandleClosed = errors.New("connection closed")

// wsHandle is the registry.Handle for a gorilla websocket. Data frames are
// serialised by mu; control frames go through WriteControl, which the library
// allows concurrently with other writers.
type wsHandle struct {
	ws           *websocket.Conn
	writeTimeout time.Duration

	mu        sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
}

func newWSHandle(ws *websocket.Conn, writeTimeout time.Duration) *wsHandle {
	return &wsHandle{
		ws:           ws,
		writeTimeout: writeTimeout,
		closed:       make(chan struct{}),
	}
}

// Send writes payload as a single text frame. The write deadline is the
// earlier of the handle's write timeout and ctx's deadline.
func (h *wsHandle) Send(ctx context.Context, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.isClosed() {
		return errHandleClosed
	}

	deadline := time.Now().Add(h.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := h.ws.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return h.ws.WriteMessage(websocket.TextMessage, payload)
}

// Close sends a normal closure frame and closes the socket.
func (h *wsHandle) Close() error {
	return h.closeWith(websocket.CloseNormalClosure, "")
}

func (h *wsHandle) closeWith(code int, reason string) error {
	var err error
	h.closeOnce.Do(func() {
		close(h.closed)
		msg := websocket.FormatCloseMessage(code, reason)
		_ = h.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(h.writeTimeout))
		err = h.ws.Close()
	})
	return err
}

func (h *wsHandle) ping() error {
	if h.isClosed() {
		return errHandleClosed
	}
	return h.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.writeTimeout))
}

func (h *wsHandle) isClosed() bool {
	select {
	case <-h.closed:
		return true
	default:
		return false
	}
}

// closeWithReason closes any handle, using a close code when the handle is a
// websocket.
func closeWithReason(h registry.Handle, code int, reason string) {
	if ws, ok := h.(*wsHandle); ok {
		_ = ws.closeWith(code, reason)
		return
	}
	_ = h.Close()
}
