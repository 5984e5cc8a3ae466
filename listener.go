package donneur

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ListenerOptions tunes a Listener.
type ListenerOptions struct {
	Retry   RetryPolicy
	Logger  *zap.Logger
	Metrics *Metrics
	// OnError is told about every subscription failure.
	OnError func(error)
}

// Listener keeps one collection subscription alive and hands its deliveries
// to a handler. A failed subscription leaves the cache as it was and is
// retried with backoff. After Close no delivery reaches the handler.
type Listener struct {
	sub        Subscriber
	collection string
	handler    func(ChangeBatch)
	opts       ListenerOptions
	logger     *zap.Logger
	recon      *reconnector

	mu     sync.Mutex
	closed bool
	gen    int
	unsub  Unsubscribe
	timer  *time.Timer
	ctx    context.Context
	cancel context.CancelFunc
}

func NewListener(sub Subscriber, collection string, handler func(ChangeBatch), opts ListenerOptions) *Listener {
	l := &Listener{
		sub:        sub,
		collection: collection,
		handler:    handler,
		opts:       opts,
		logger:     opts.Logger,
		recon:      newReconnector(opts.Retry),
	}
	if l.logger == nil {
		l.logger = zap.NewNop()
	}
	return l
}

// Start subscribes. It returns the error of the first attempt; retries keep
// going in the background either way until Close.
func (l *Listener) Start(ctx context.Context) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	if l.cancel == nil {
		l.ctx, l.cancel = context.WithCancel(context.WithoutCancel(ctx))
	}
	l.mu.Unlock()
	return l.subscribe()
}

func (l *Listener) subscribe() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	l.gen++
	gen := l.gen
	ctx := l.ctx
	l.mu.Unlock()

	unsub, err := l.sub.Subscribe(ctx, l.collection, ChangeHandler{
		OnChanges: func(b ChangeBatch) { l.deliver(gen, b) },
		OnError:   func(err error) { l.fail(gen, err) },
	})
	if err != nil {
		l.fail(gen, err)
		return err
	}

	l.mu.Lock()
	if l.closed || gen != l.gen {
		l.mu.Unlock()
		unsub()
		return nil
	}
	l.unsub = unsub
	l.mu.Unlock()
	l.recon.markConnected()
	l.logger.Debug("listener_subscribed", zap.String("collection", l.collection))
	return nil
}

func (l *Listener) deliver(gen int, b ChangeBatch) {
	l.mu.Lock()
	active := !l.closed && gen == l.gen
	l.mu.Unlock()
	if !active {
		return
	}
	l.handler(b)
}

func (l *Listener) fail(gen int, err error) {
	l.mu.Lock()
	if l.closed || gen != l.gen {
		l.mu.Unlock()
		return
	}
	// bump the generation so stragglers of the dead subscription are dropped
	l.gen++
	unsub := l.unsub
	l.unsub = nil
	l.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	l.logger.Warn("listener_subscription_failed",
		zap.String("collection", l.collection),
		zap.Error(err))
	if l.opts.OnError != nil {
		l.opts.OnError(err)
	}

	if !l.recon.shouldReconnect() {
		l.opts.Metrics.resubscribe("gave_up")
		l.logger.Error("listener_retries_exhausted", zap.String("collection", l.collection))
		return
	}
	delay, attempt := l.recon.nextDelay()
	l.logger.Info("listener_resubscribing",
		zap.String("collection", l.collection),
		zap.Int("attempt", attempt),
		zap.Duration("delay", delay))

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.timer = time.AfterFunc(delay, func() {
		l.opts.Metrics.resubscribe("attempt")
		_ = l.subscribe()
	})
}

// Close detaches the subscription. Deliveries already in flight are dropped.
func (l *Listener) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	l.gen++
	unsub := l.unsub
	l.unsub = nil
	if l.timer != nil {
		l.timer.Stop()
	}
	if l.cancel != nil {
		l.cancel()
	}
	l.mu.Unlock()

	if unsub != nil {
		unsub()
	}
}
