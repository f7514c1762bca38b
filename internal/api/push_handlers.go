/*
File: internal/api/push_handlers.go
Description: HTTP handlers for the push ingest port: the push endpoint
plus health and registry stats.
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/tinywideclouds/go-notification-gateway/internal/dispatch"
	"github.com/tinywideclouds/go-notification-gateway/internal/metrics"
	"github.com/tinywideclouds/go-notification-gateway/internal/registry"
	"github.com/tinywideclouds/go-notification-gateway/pkg/notify"
)

// DefaultMaxBodyBytes caps a push request body when no limit is configured.
const DefaultMaxBodyBytes int64 = 64 << 10

var (
	errNotObject        = errors.New("request body must be a JSON object")
	errMissingRecipient = errors.New("missing 'to' field")
	errInvalidRecipient = errors.New("'to' must be a non-empty string or a number")
)

// Deliverer hands a payload to a user's live connection.
type Deliverer interface {
	Deliver(ctx context.Context, userID string, payload []byte) dispatch.Outcome
}

// StatsSource reports registry counts.
type StatsSource interface {
	Stats() registry.Stats
}

// API holds the dependencies for the stateless HTTP handlers.
type API struct {
	deliverer    Deliverer
	stats        StatsSource
	metrics      *metrics.Metrics
	maxBodyBytes int64
	logger       *slog.Logger
}

// NewAPI creates a new, stateless API handler.
func NewAPI(deliverer Deliverer, stats StatsSource, m *metrics.Metrics, maxBodyBytes int64, logger *slog.Logger) *API {
	if maxBodyBytes <= 0 {
		maxBodyBytes = DefaultMaxBodyBytes
	}
	return &API{
		deliverer:    deliverer,
		stats:        stats,
		metrics:      m,
		maxBodyBytes: maxBodyBytes,
		logger:       logger.With("component", "PushAPI"),
	}
}

// PushHandler validates a push request and hands the raw body to the
// dispatcher. Every valid request is answered 200; the body reports whether
// a live connection took the payload.
func (a *API) PushHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		a.writeError(w, http.StatusNotFound, "not found")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, a.maxBodyBytes))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			a.logger.Warn("Push body too large", "limit", maxErr.Limit)
			a.writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		a.logger.Warn("Failed to read request body", "err", err)
		a.writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	to, err := parseRecipient(body)
	if err != nil {
		a.logger.Debug("Rejected push request", "err", err)
		a.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	log := a.logger.With("to", to)

	outcome := a.deliverer.Deliver(r.Context(), to, body)
	log.Debug("Push handled", "outcome", outcome.String())

	a.metrics.ObservePush(http.StatusOK)
	WriteJSON(w, http.StatusOK, notify.PushAck{
		Status:    notify.StatusAccepted,
		To:        to,
		Delivered: outcome == dispatch.Delivered,
	})
}

// HealthzHandler reports that the process is serving.
func (a *API) HealthzHandler(w http.ResponseWriter, _ *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// StatsHandler returns the current registry counts.
func (a *API) StatsHandler(w http.ResponseWriter, _ *http.Request) {
	WriteJSON(w, http.StatusOK, a.stats.Stats())
}

func (a *API) writeError(w http.ResponseWriter, code int, msg string) {
	a.metrics.ObservePush(code)
	WriteJSONError(w, code, msg)
}

// parseRecipient extracts the routing key from a push body. A string is
// trimmed; a number is kept in its literal JSON text, so {"to": 42} targets
// the user who connected with userId=42.
func parseRecipient(body []byte) (string, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil || fields == nil {
		return "", errNotObject
	}

	raw, ok := fields["to"]
	if !ok || len(raw) == 0 || string(raw) == "null" {
		return "", errMissingRecipient
	}

	switch c := raw[0]; {
	case c == '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", errInvalidRecipient
		}
		s = strings.TrimSpace(s)
		if s == "" {
			return "", errInvalidRecipient
		}
		return s, nil
	case c == '-' || (c >= '0' && c <= '9'):
		var n json.Number
		if err := json.Unmarshal(raw, &n); err != nil {
			return "", errInvalidRecipient
		}
		return n.String(), nil
	default:
		return "", errInvalidRecipient
	}
}
