package donneur

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Mutator applies user edits to the local cache first and then to the store,
// undoing the local edit when the store write fails.
type Mutator[T Entity] struct {
	store      Documents
	collection string
	cache      *Cache[T]
	reconciler *Reconciler[T]
	adapter    Adapter[T]
	logger     *zap.Logger
	metrics    *Metrics

	mu    sync.Mutex
	tails map[string]chan struct{} // last queued like toggle per record
}

// NewMutator wires a mutator to the cache and reconciler of one collection.
func NewMutator[T Entity](store Documents, collection string, rec *Reconciler[T]) *Mutator[T] {
	return &Mutator[T]{
		store:      store,
		collection: collection,
		cache:      rec.cache,
		reconciler: rec,
		adapter:    rec.adapter,
		logger:     rec.logger,
		metrics:    rec.metrics,
		tails:      make(map[string]chan struct{}),
	}
}

// Create shows rec immediately under a temporary id and writes it. On success
// the returned record carries the store id.
func (m *Mutator[T]) Create(ctx context.Context, rec T) (T, error) {
	return m.Commit(ctx, m.Stage(rec))
}

// Stage inserts rec at the front under a fresh temporary id without writing
// it. Every staged record must be passed to Commit.
func (m *Mutator[T]) Stage(rec T) T {
	staged := m.adapter.WithID(rec, newTempID())
	m.reconciler.hold(staged.EntityID())
	m.cache.InsertFront(staged)
	return staged
}

// Commit writes a staged record.
func (m *Mutator[T]) Commit(ctx context.Context, staged T) (T, error) {
	tempID := staged.EntityID()
	fields := m.adapter.Encode(staged)
	fields[FieldCreatedAt] = ServerTimestamp

	id, err := m.store.Add(ctx, m.collection, fields)
	if err != nil {
		m.cache.RemoveWhere(byID[T](tempID))
		m.reconciler.release(tempID)
		m.metrics.rollback(m.adapter.Kind(), "create")
		m.logger.Warn("optimistic_create_failed",
			zap.String("entity", m.adapter.Kind()),
			zap.String("collection", m.collection),
			zap.Error(err))
		return staged, &MutationError{Op: "create", ID: tempID, Err: err}
	}
	m.reconciler.Resolve(tempID, id)
	return m.adapter.WithID(staged, id), nil
}

// Delete removes the record locally and then from the store. A failed delete
// puts the record back.
func (m *Mutator[T]) Delete(ctx context.Context, id string) error {
	if IsTempID(id) {
		return &MutationError{Op: "delete", ID: id, Err: ErrPending}
	}
	rec, ok := m.cache.Get(id)
	if !ok {
		return &MutationError{Op: "delete", ID: id, Err: ErrNotFound}
	}

	m.reconciler.hold(id)
	m.cache.RemoveWhere(byID[T](id))
	err := m.store.Delete(ctx, Ref(m.collection, id))
	if err != nil {
		m.cache.Insert(rec)
		m.metrics.rollback(m.adapter.Kind(), "delete")
		m.logger.Warn("optimistic_delete_failed",
			zap.String("entity", m.adapter.Kind()),
			zap.String("id", id),
			zap.Error(err))
	} else {
		m.reconciler.noteRemoved(id)
	}
	m.reconciler.release(id)
	if err != nil {
		return &MutationError{Op: "delete", ID: id, Err: err}
	}
	return nil
}

// ToggleLike flips userID's like on the record and reports whether it is
// liked afterwards. Toggles of one record reach the store in the order they
// were applied locally; a failed toggle reverts only itself.
func (m *Mutator[T]) ToggleLike(ctx context.Context, id, userID string) (bool, error) {
	la, ok := m.adapter.(likeAdapter[T])
	if !ok {
		panic("donneur: " + m.adapter.Kind() + " records cannot be liked")
	}
	if IsTempID(id) {
		return false, &MutationError{Op: "like", ID: id, Err: ErrPending}
	}
	if userID == "" {
		return false, ErrUnauthenticated
	}

	var liked bool
	m.mu.Lock()
	found := m.cache.ReplaceWhere(byID[T](id), func(rec T) T {
		next, now := la.Likers(rec).Toggle(userID)
		liked = now
		return la.WithLikers(rec, next)
	}) > 0
	if !found {
		m.mu.Unlock()
		return false, &MutationError{Op: "like", ID: id, Err: ErrNotFound}
	}
	prev := m.tails[id]
	done := make(chan struct{})
	m.tails[id] = done
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		if m.tails[id] == done {
			delete(m.tails, id)
		}
		m.mu.Unlock()
		close(done)
	}()

	var err error
	if prev != nil {
		select {
		case <-prev:
		case <-ctx.Done():
			err = ctx.Err()
		}
	}
	if err == nil {
		upd := ArrayUnion(la.LikersField(), userID)
		if !liked {
			upd = ArrayRemove(la.LikersField(), userID)
		}
		err = m.store.Update(ctx, Ref(m.collection, id), upd)
	}
	if err == nil {
		return liked, nil
	}

	m.cache.ReplaceWhere(byID[T](id), func(rec T) T {
		s := la.Likers(rec)
		if liked {
			s = s.Without(userID)
		} else {
			s = s.With(userID)
		}
		return la.WithLikers(rec, s)
	})
	m.metrics.rollback(m.adapter.Kind(), "like")
	m.logger.Warn("like_toggle_failed",
		zap.String("entity", m.adapter.Kind()),
		zap.String("id", id),
		zap.Bool("liked", liked),
		zap.Error(err))
	return !liked, &MutationError{Op: "like", ID: id, Err: err}
}
