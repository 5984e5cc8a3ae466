package donneur

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestSession(t *testing.T, id string) *Session {
	t.Helper()
	s, err := NewSession(User{ID: id, DisplayName: "user " + id}, "")
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

// settle waits until every notification queued in store has been handled.
func settle(t *testing.T, store *MemoryStore) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, store.Settle(ctx))
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond, msg)
}

// gate blocks matching store operations until released.
type gate struct {
	once    sync.Once
	release chan struct{}
	entered chan struct{}
}

func newGate() *gate {
	return &gate{release: make(chan struct{}), entered: make(chan struct{}, 16)}
}

func (g *gate) wait(ctx context.Context) error {
	g.entered <- struct{}{}
	select {
	case <-g.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *gate) open() { g.once.Do(func() { close(g.release) }) }

// hookFor runs fn for operations named op and lets everything else through.
func hookFor(op string, fn func(ctx context.Context, ref DocRef) error) StoreHook {
	return func(ctx context.Context, name string, ref DocRef) error {
		if name != op {
			return nil
		}
		return fn(ctx, ref)
	}
}

func ids[T Entity](items []T) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.EntityID()
	}
	return out
}
