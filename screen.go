package donneur

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Option configures a screen (ChatRoom, Feed, Thread).
type Option func(*screenConfig)

type screenConfig struct {
	logger      *zap.Logger
	metrics     *Metrics
	retry       RetryPolicy
	autoInsert  *bool
	matchWindow time.Duration
	pageSize    int
	onError     func(error)
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(c *screenConfig) { c.logger = l }
}

func WithMetrics(m *Metrics) Option {
	return func(c *screenConfig) { c.metrics = m }
}

// WithRetryPolicy sets the resubscribe backoff of the screen's listener.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(c *screenConfig) { c.retry = p }
}

// WithAutoInsert controls whether other users' new records appear as they
// arrive or wait for Refresh.
func WithAutoInsert(on bool) Option {
	return func(c *screenConfig) { c.autoInsert = &on }
}

func WithMatchWindow(d time.Duration) Option {
	return func(c *screenConfig) { c.matchWindow = d }
}

// WithPageSize limits the initial load and every full reload. 0 loads
// everything.
func WithPageSize(n int) Option {
	return func(c *screenConfig) { c.pageSize = n }
}

// WithErrorHandler is told about subscription and background write failures.
func WithErrorHandler(fn func(error)) Option {
	return func(c *screenConfig) { c.onError = fn }
}

// screen is the cache, reconciler, mutator and listener of one collection.
type screen[T Entity] struct {
	session    *Session
	store      Store
	collection string
	adapter    Adapter[T]
	cfg        screenConfig
	logger     *zap.Logger

	cache      *Cache[T]
	reconciler *Reconciler[T]
	mutator    *Mutator[T]
	listener   *Listener

	// afterApply runs after each delivery has been folded into the cache.
	afterApply func(ChangeBatch)

	mu     sync.Mutex
	opened bool
	closed bool
	owner  closer
}

func newScreen[T Entity](s *Session, store Store, collection string, adapter Adapter[T], autoInsert bool, opts []Option) *screen[T] {
	cfg := screenConfig{retry: DefaultRetryPolicy()}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = zap.NewNop()
	}
	if cfg.autoInsert != nil {
		autoInsert = *cfg.autoInsert
	}
	logger := cfg.logger.With(zap.String("collection", collection))

	sc := &screen[T]{
		session:    s,
		store:      store,
		collection: collection,
		adapter:    adapter,
		cfg:        cfg,
		logger:     logger,
		cache:      NewCache[T](),
	}
	sc.reconciler = NewReconciler(sc.cache, adapter, ReconcilerOptions{
		Self:        s.UserID(),
		AutoInsert:  autoInsert,
		MatchWindow: cfg.matchWindow,
		PageSize:    cfg.pageSize,
		Logger:      logger,
		Metrics:     cfg.metrics,
	})
	sc.mutator = NewMutator(store, collection, sc.reconciler)
	sc.listener = NewListener(store, collection, sc.apply, ListenerOptions{
		Retry:   cfg.retry,
		Logger:  logger,
		Metrics: cfg.metrics,
		OnError: cfg.onError,
	})
	return sc
}

func (sc *screen[T]) apply(b ChangeBatch) {
	if sc.isClosed() {
		return
	}
	sc.reconciler.Apply(b)
	if sc.afterApply != nil {
		sc.afterApply(b)
	}
}

// open registers with the session, loads the collection and subscribes.
// A failed subscription is not fatal: the loaded contents stay and the
// listener keeps retrying.
func (sc *screen[T]) open(ctx context.Context, owner closer) error {
	sc.mu.Lock()
	if sc.closed {
		sc.mu.Unlock()
		return ErrClosed
	}
	if sc.opened {
		sc.mu.Unlock()
		return nil
	}
	sc.opened = true
	sc.owner = owner
	sc.mu.Unlock()

	if err := sc.session.track(owner); err != nil {
		return err
	}
	if err := sc.refresh(ctx); err != nil {
		return err
	}
	if err := sc.listener.Start(ctx); err != nil {
		sc.logger.Warn("screen_subscribe_failed", zap.Error(err))
	}
	return nil
}

// refresh reloads the collection. Local state that changed while the query
// was in flight wins over the loaded listing.
func (sc *screen[T]) refresh(ctx context.Context) error {
	snap := sc.reconciler.beginSnapshot()
	docs, err := sc.store.Query(ctx, sc.collection, Query{Limit: sc.cfg.pageSize})
	if err != nil {
		sc.reconciler.endSnapshot(snap)
		return fmt.Errorf("load %s: %w", sc.collection, err)
	}
	sc.reconciler.reset(docs, snap, true)
	return nil
}

func (sc *screen[T]) isClosed() bool {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.closed
}

func (sc *screen[T]) checkOpen() error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.closed {
		return ErrClosed
	}
	return nil
}

func (sc *screen[T]) close() {
	sc.mu.Lock()
	if sc.closed {
		sc.mu.Unlock()
		return
	}
	sc.closed = true
	owner := sc.owner
	sc.mu.Unlock()

	sc.listener.Close()
	sc.cache.Close()
	if owner != nil {
		sc.session.untrack(owner)
	}
}
