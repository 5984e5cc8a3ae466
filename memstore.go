package donneur

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Operation names passed to a MemoryStore hook.
const (
	OpNameAdd       = "add"
	OpNameGet       = "get"
	OpNameQuery     = "query"
	OpNameUpdate    = "update"
	OpNameDelete    = "delete"
	OpNameSubscribe = "subscribe"
)

// StoreHook runs before every MemoryStore operation. Returning an error fails
// the operation; blocking delays it.
type StoreHook func(ctx context.Context, op string, ref DocRef) error

// MemoryStore is an in-process Store. Change notifications are delivered
// asynchronously, in write order, on one goroutine per subscription.
type MemoryStore struct {
	mu    sync.Mutex
	docs  map[string]map[string]*memDoc
	subs  map[int]*memSub
	seq   int64
	subID int
	now   func() time.Time
	hook  StoreHook
}

type memDoc struct {
	fields Fields
	seq    int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs: make(map[string]map[string]*memDoc),
		subs: make(map[int]*memSub),
		now:  time.Now,
	}
}

// SetHook installs fn in front of every operation. nil removes it.
func (s *MemoryStore) SetHook(fn StoreHook) {
	s.mu.Lock()
	s.hook = fn
	s.mu.Unlock()
}

// SetClock replaces the clock used for server timestamps.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

func (s *MemoryStore) before(ctx context.Context, op string, ref DocRef) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	hook := s.hook
	s.mu.Unlock()
	if hook == nil {
		return nil
	}
	return hook(ctx, op, ref)
}

// Put writes a document with a chosen id, replacing any existing one.
func (s *MemoryStore) Put(ctx context.Context, ref DocRef, fields Fields) error {
	if err := s.before(ctx, OpNameAdd, ref); err != nil {
		return err
	}
	s.write(ref, fields)
	return nil
}

func (s *MemoryStore) Add(ctx context.Context, collection string, fields Fields) (string, error) {
	if err := s.before(ctx, OpNameAdd, Ref(collection, "")); err != nil {
		return "", err
	}
	id := uuid.NewString()
	s.write(Ref(collection, id), fields)
	return id, nil
}

func (s *MemoryStore) write(ref DocRef, fields Fields) {
	s.mu.Lock()
	doc := copyFields(fields)
	resolveServerTimestamps(doc, s.now())
	coll := s.docs[ref.Collection]
	if coll == nil {
		coll = make(map[string]*memDoc)
		s.docs[ref.Collection] = coll
	}
	kind := ChangeAdded
	if _, ok := coll[ref.ID]; ok {
		kind = ChangeModified
	}
	s.seq++
	coll[ref.ID] = &memDoc{fields: doc, seq: s.seq}
	s.publishLocked(ref.Collection, Change{Kind: kind, Doc: Document{ID: ref.ID, Fields: copyFields(doc)}})
	s.mu.Unlock()
}

func (s *MemoryStore) Get(ctx context.Context, ref DocRef) (*Document, error) {
	if err := s.before(ctx, OpNameGet, ref); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.docs[ref.Collection][ref.ID]
	if !ok {
		return nil, ErrNotFound
	}
	return &Document{ID: ref.ID, Fields: copyFields(d.fields)}, nil
}

func (s *MemoryStore) Query(ctx context.Context, collection string, q Query) ([]Document, error) {
	if err := s.before(ctx, OpNameQuery, Ref(collection, "")); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	docs := s.sortedLocked(collection)
	if q.Limit > 0 && len(docs) > q.Limit {
		docs = docs[:q.Limit]
	}
	return docs, nil
}

func (s *MemoryStore) sortedLocked(collection string) []Document {
	type entry struct {
		id  string
		doc *memDoc
		at  time.Time
	}
	coll := s.docs[collection]
	entries := make([]entry, 0, len(coll))
	for id, d := range coll {
		entries = append(entries, entry{id: id, doc: d, at: timeOr(d.fields, FieldCreatedAt)})
	}
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].at.Equal(entries[j].at) {
			return entries[i].at.After(entries[j].at)
		}
		return entries[i].doc.seq > entries[j].doc.seq
	})
	out := make([]Document, len(entries))
	for i, e := range entries {
		out[i] = Document{ID: e.id, Fields: copyFields(e.doc.fields)}
	}
	return out
}

func (s *MemoryStore) Update(ctx context.Context, ref DocRef, updates ...FieldUpdate) error {
	if err := s.before(ctx, OpNameUpdate, ref); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.docs[ref.Collection][ref.ID]
	if !ok {
		return ErrNotFound
	}
	now := s.now()
	for _, u := range updates {
		applyUpdate(d.fields, u, now)
	}
	s.publishLocked(ref.Collection, Change{Kind: ChangeModified, Doc: Document{ID: ref.ID, Fields: copyFields(d.fields)}})
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, ref DocRef) error {
	if err := s.before(ctx, OpNameDelete, ref); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.docs[ref.Collection][ref.ID]; !ok {
		return ErrNotFound
	}
	delete(s.docs[ref.Collection], ref.ID)
	s.publishLocked(ref.Collection, Change{Kind: ChangeRemoved, Doc: Document{ID: ref.ID}})
	return nil
}

// Subscribe delivers the current contents as an initial batch, then every
// change to the collection.
func (s *MemoryStore) Subscribe(ctx context.Context, collection string, h ChangeHandler) (Unsubscribe, error) {
	if err := s.before(ctx, OpNameSubscribe, Ref(collection, "")); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.subID++
	sub := newMemSub(s.subID, collection, h)
	s.subs[sub.id] = sub
	initial := ChangeBatch{Collection: collection, Initial: true}
	for _, d := range s.sortedLocked(collection) {
		initial.Changes = append(initial.Changes, Change{Kind: ChangeAdded, Doc: d})
	}
	sub.push(initial)
	s.mu.Unlock()

	go sub.run()
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, sub.id)
			s.mu.Unlock()
			sub.stop(nil)
		})
	}, nil
}

// BreakSubscriptions kills every subscription on collection with err, as a
// dropped connection would.
func (s *MemoryStore) BreakSubscriptions(collection string, err error) {
	s.mu.Lock()
	var broken []*memSub
	for id, sub := range s.subs {
		if sub.collection == collection {
			broken = append(broken, sub)
			delete(s.subs, id)
		}
	}
	s.mu.Unlock()
	for _, sub := range broken {
		sub.stop(err)
	}
}

// Subscribers returns the number of live subscriptions on collection.
func (s *MemoryStore) Subscribers(collection string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, sub := range s.subs {
		if sub.collection == collection {
			n++
		}
	}
	return n
}

// Settle blocks until every queued notification has been handled.
func (s *MemoryStore) Settle(ctx context.Context) error {
	for {
		s.mu.Lock()
		subs := make([]*memSub, 0, len(s.subs))
		for _, sub := range s.subs {
			subs = append(subs, sub)
		}
		s.mu.Unlock()

		idle := true
		for _, sub := range subs {
			if !sub.idle() {
				idle = false
				break
			}
		}
		if idle {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
}

func (s *MemoryStore) publishLocked(collection string, ch Change) {
	for _, sub := range s.subs {
		if sub.collection == collection {
			sub.push(ChangeBatch{Collection: collection, Changes: []Change{ch}})
		}
	}
}

// ── subscription mailbox ──

type memSub struct {
	id         int
	collection string
	h          ChangeHandler

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []ChangeBatch
	busy    bool
	stopped bool
	err     error
}

func newMemSub(id int, collection string, h ChangeHandler) *memSub {
	sub := &memSub{id: id, collection: collection, h: h}
	sub.cond = sync.NewCond(&sub.mu)
	return sub
}

func (m *memSub) push(b ChangeBatch) {
	m.mu.Lock()
	if !m.stopped {
		m.queue = append(m.queue, b)
		m.cond.Signal()
	}
	m.mu.Unlock()
}

func (m *memSub) stop(err error) {
	m.mu.Lock()
	m.stopped = true
	m.queue = nil
	m.err = err
	m.cond.Signal()
	m.mu.Unlock()
}

func (m *memSub) idle() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.busy && (m.stopped || len(m.queue) == 0)
}

func (m *memSub) run() {
	for {
		m.mu.Lock()
		for len(m.queue) == 0 && !m.stopped {
			m.cond.Wait()
		}
		if m.stopped {
			err := m.err
			m.mu.Unlock()
			if err != nil && m.h.OnError != nil {
				m.h.OnError(err)
			}
			return
		}
		b := m.queue[0]
		m.queue = m.queue[1:]
		m.busy = true
		m.mu.Unlock()

		if m.h.OnChanges != nil {
			m.h.OnChanges(b)
		}

		m.mu.Lock()
		m.busy = false
		m.mu.Unlock()
	}
}

func copyFields(f Fields) Fields {
	if f == nil {
		return Fields{}
	}
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch t := v.(type) {
	case Fields:
		return map[string]any(copyFields(t))
	case map[string]any:
		return map[string]any(copyFields(t))
	case []string:
		return append([]string(nil), t...)
	case LikerSet:
		return append([]string(nil), t...)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = copyValue(e)
		}
		return out
	}
	return v
}
