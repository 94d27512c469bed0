package common

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

const defaultResyncAfter = 30 * time.Minute

// ServerClock stamps signed requests with the exchange's notion of now.
// The offset is refreshed lazily when a request finds it older than
// resyncAfter, so pooled clients need no background goroutine.
type ServerClock struct {
	fetch       func(ctx context.Context) (int64, error)
	resyncAfter time.Duration
	logger      *zap.Logger

	mu       sync.Mutex
	offset   int64 // ms, server - local
	syncedAt time.Time
	failedAt time.Time
}

// NewServerClock creates a clock over an exchange server-time endpoint.
func NewServerClock(fetch func(ctx context.Context) (int64, error), logger *zap.Logger) *ServerClock {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ServerClock{fetch: fetch, resyncAfter: defaultResyncAfter, logger: logger}
}

// Now returns the server-adjusted unix millis. A failed refresh keeps the
// previous offset and is not retried for a minute.
func (c *ServerClock) Now(ctx context.Context) int64 {
	c.mu.Lock()
	stale := time.Since(c.syncedAt) > c.resyncAfter && time.Since(c.failedAt) > time.Minute
	c.mu.Unlock()
	if stale {
		if err := c.Sync(ctx); err != nil {
			c.logger.Warn("server time sync failed", zap.Error(err))
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Now().UnixMilli() + c.offset
}

// Sync measures the offset, splitting round-trip latency evenly.
func (c *ServerClock) Sync(ctx context.Context) error {
	before := time.Now().UnixMilli()
	server, err := c.fetch(ctx)
	after := time.Now().UnixMilli()

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.failedAt = time.Now()
		return err
	}
	c.offset = server - (before + (after-before)/2)
	c.syncedAt = time.Now()
	c.logger.Debug("server time synced", zap.Int64("offset_ms", c.offset))
	return nil
}

// Offset reports the last measured offset in milliseconds.
func (c *ServerClock) Offset() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.offset
}
