// Package presence mirrors "who is connected" to an external store so the
// upstream application tier can see it. Routing never reads the mirror; the
// in-memory registry stays authoritative.
package presence

import (
	"context"

	"github.com/tinywideclouds/go-notification-gateway/pkg/notify"
)

// Cache is the presence mirror contract.
type Cache interface {
	Set(ctx context.Context, userID string, info notify.ConnectionInfo) error
	Delete(ctx context.Context, userID string) error
	Close() error
}

// NoopCache is used when no presence store is configured.
type NoopCache struct{}

func (NoopCache) Set(context.Context, string, notify.ConnectionInfo) error { return nil }
func (NoopCache) Delete(context.Context, string) error                     { return nil }
func (NoopCache) Close() error                                             { return nil }
