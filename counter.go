package donneur

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Counter keeps denormalized child counts on parent documents. Every
// adjustment is a store-side increment, so concurrent creates and deletes
// commute no matter the order their writes land in.
type Counter struct {
	store    Documents
	logger   *zap.Logger
	attempts int
	delay    time.Duration
}

func NewCounter(store Documents, logger *zap.Logger) *Counter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Counter{store: store, logger: logger, attempts: 3, delay: 200 * time.Millisecond}
}

// Increment adds one to field on the parent document.
func (c *Counter) Increment(ctx context.Context, parent DocRef, field string) error {
	return c.adjust(ctx, parent, field, 1)
}

// Decrement subtracts one from field on the parent document.
func (c *Counter) Decrement(ctx context.Context, parent DocRef, field string) error {
	return c.adjust(ctx, parent, field, -1)
}

func (c *Counter) adjust(ctx context.Context, parent DocRef, field string, delta int64) error {
	var err error
	for attempt := 0; attempt < c.attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(c.delay << (attempt - 1)):
			case <-ctx.Done():
				return fmt.Errorf("adjust %s.%s: %w", parent.Path(), field, ctx.Err())
			}
		}
		if err = c.store.Update(ctx, parent, Increment(field, delta)); err == nil {
			return nil
		}
		if errors.Is(err, ErrNotFound) {
			break
		}
		c.logger.Warn("counter_adjust_retry",
			zap.String("parent", parent.Path()),
			zap.String("field", field),
			zap.Int64("delta", delta),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}
	return fmt.Errorf("adjust %s.%s by %d: %w", parent.Path(), field, delta, err)
}

// LocalCounter is the count shown for a parent while its thread is open.
// It never goes below zero and ignores changes after Close.
type LocalCounter struct {
	mu     sync.Mutex
	n      int64
	closed bool
}

// Add applies delta and returns the new value.
func (c *LocalCounter) Add(delta int64) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return c.n
	}
	c.n += delta
	if c.n < 0 {
		c.n = 0
	}
	return c.n
}

func (c *LocalCounter) Set(n int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if n < 0 {
		n = 0
	}
	c.n = n
}

func (c *LocalCounter) Value() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

func (c *LocalCounter) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}
