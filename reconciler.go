package donneur

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// TempIDPrefix marks records created on this device that the store has not
// assigned an id to yet.
const TempIDPrefix = "local-"

// DefaultMatchWindow is how far before its optimistic copy a remote record may
// be stamped and still be taken for it.
const DefaultMatchWindow = 5 * time.Second

func IsTempID(id string) bool {
	return strings.HasPrefix(id, TempIDPrefix)
}

func newTempID() string {
	return TempIDPrefix + uuid.NewString()
}

// Adapter binds the generic reconciler to one entity type.
type Adapter[T Entity] interface {
	// Kind names the entity in logs and metrics.
	Kind() string
	// Decode builds a record from a store document, defaulting missing fields.
	Decode(Document) T
	// Encode produces the fields written when the record is created.
	Encode(T) Fields
	WithID(T, string) T
	// Merge applies the partially synced fields present in doc onto local and
	// leaves every other field alone.
	Merge(local T, doc Document) T
	// SameContent reports whether remote is the stored copy of local.
	SameContent(local, remote T) bool
}

// likeAdapter is implemented by adapters of likeable entities.
type likeAdapter[T Entity] interface {
	LikersField() string
	Likers(T) LikerSet
	WithLikers(T, LikerSet) T
}

// ReconcilerOptions tunes a Reconciler.
type ReconcilerOptions struct {
	// Self is the signed-in user. Their own remote inserts are always shown.
	Self string
	// AutoInsert shows remote inserts by other users as they arrive. When off
	// they are only counted by Pending until the next refresh.
	AutoInsert  bool
	MatchWindow time.Duration
	// PageSize caps how many records the initial batch of a subscription
	// may show. 0 shows all of them.
	PageSize int
	Logger      *zap.Logger
	Metrics     *Metrics
}

// Reconciler folds remote change notifications into a Cache without
// clobbering optimistic local state.
type Reconciler[T Entity] struct {
	cache       *Cache[T]
	adapter     Adapter[T]
	self        string
	autoInsert  bool
	matchWindow time.Duration
	pageSize    int
	logger      *zap.Logger
	metrics     *Metrics

	mu        sync.Mutex
	held      map[string]int
	skipped   map[string]struct{}
	snapshots map[*snapshot]struct{}
}

func NewReconciler[T Entity](cache *Cache[T], adapter Adapter[T], opts ReconcilerOptions) *Reconciler[T] {
	r := &Reconciler[T]{
		cache:       cache,
		adapter:     adapter,
		self:        opts.Self,
		autoInsert:  opts.AutoInsert,
		matchWindow: opts.MatchWindow,
		pageSize:    opts.PageSize,
		logger:      opts.Logger,
		metrics:     opts.Metrics,
		held:        make(map[string]int),
		skipped:     make(map[string]struct{}),
		snapshots:   make(map[*snapshot]struct{}),
	}
	if r.matchWindow <= 0 {
		r.matchWindow = DefaultMatchWindow
	}
	if r.logger == nil {
		r.logger = zap.NewNop()
	}
	return r
}

// Apply folds one delivery into the cache. The initial batch of a
// subscription is a full listing and replaces the cache contents the way a
// refresh does, so records deleted while no subscription was up disappear.
func (r *Reconciler[T]) Apply(batch ChangeBatch) {
	if batch.Initial {
		r.applyInitial(batch)
		return
	}
	for _, ch := range batch.Changes {
		if ch.Doc.ID == "" {
			continue
		}
		switch ch.Kind {
		case ChangeAdded:
			r.applyUpsert(ch.Doc, true)
		case ChangeModified:
			r.applyUpsert(ch.Doc, false)
		case ChangeRemoved:
			r.applyRemoved(ch.Doc.ID)
		default:
			continue
		}
		r.metrics.change(r.adapter.Kind(), ch.Kind)
	}
}

func (r *Reconciler[T]) applyInitial(batch ChangeBatch) {
	docs := make([]Document, 0, len(batch.Changes))
	for _, ch := range batch.Changes {
		if ch.Doc.ID == "" || ch.Kind == ChangeRemoved {
			continue
		}
		docs = append(docs, ch.Doc)
		r.metrics.change(r.adapter.Kind(), ch.Kind)
	}
	if r.pageSize > 0 && len(docs) > r.pageSize {
		sort.SliceStable(docs, func(i, j int) bool {
			return timeOr(docs[i].Fields, FieldCreatedAt).After(timeOr(docs[j].Fields, FieldCreatedAt))
		})
		docs = docs[:r.pageSize]
	}
	r.reset(docs, nil, false)
}

func (r *Reconciler[T]) applyUpsert(doc Document, added bool) {
	remote := r.adapter.Decode(doc)
	var upgradedFrom string
	skip := false

	r.cache.Update(func(prev []T) []T {
		if i := indexOf(prev, doc.ID); i >= 0 {
			prev[i] = r.adapter.Merge(prev[i], doc)
			r.noteAdded(doc.ID)
			return prev
		}
		if i := r.matchTemp(prev, remote); i >= 0 {
			upgradedFrom = prev[i].EntityID()
			prev[i] = r.adapter.Merge(r.adapter.WithID(prev[i], doc.ID), doc)
			r.noteAdded(doc.ID)
			return prev
		}
		if !added || r.isHeld(doc.ID) {
			return prev
		}
		if r.autoInsert || remote.Author() == r.self {
			r.noteAdded(doc.ID)
			return insertSorted(prev, remote)
		}
		skip = true
		return prev
	})

	if upgradedFrom != "" {
		r.logger.Debug("temp_record_upgraded",
			zap.String("entity", r.adapter.Kind()),
			zap.String("temp_id", upgradedFrom),
			zap.String("id", doc.ID))
		r.metrics.upgrade(r.adapter.Kind(), "listener")
	}
	if skip {
		r.mu.Lock()
		r.skipped[doc.ID] = struct{}{}
		for s := range r.snapshots {
			s.skipped[doc.ID] = struct{}{}
		}
		n := len(r.skipped)
		r.mu.Unlock()
		r.metrics.setPending(r.adapter.Kind(), n)
	}
}

// matchTemp finds the oldest optimistic record remote is the stored copy of.
func (r *Reconciler[T]) matchTemp(items []T, remote T) int {
	for i := len(items) - 1; i >= 0; i-- {
		local := items[i]
		if !IsTempID(local.EntityID()) || local.Author() != remote.Author() {
			continue
		}
		// the store stamps on commit, so its copy is never much older
		if remote.Created().Before(local.Created().Add(-r.matchWindow)) {
			continue
		}
		if r.adapter.SameContent(local, remote) {
			return i
		}
	}
	return -1
}

func (r *Reconciler[T]) applyRemoved(id string) {
	r.noteRemoved(id)
	r.mu.Lock()
	if _, ok := r.skipped[id]; ok {
		delete(r.skipped, id)
		n := len(r.skipped)
		r.mu.Unlock()
		r.metrics.setPending(r.adapter.Kind(), n)
		return
	}
	r.mu.Unlock()
	if r.isHeld(id) {
		return
	}
	r.cache.RemoveWhere(byID[T](id))
}

// Resolve swaps the temporary id of a successfully written record for the id
// the store assigned. When the listener already delivered that id the
// temporary record is dropped instead.
func (r *Reconciler[T]) Resolve(tempID, id string) {
	upgraded := false
	r.cache.Update(func(prev []T) []T {
		ti := indexOf(prev, tempID)
		if ti < 0 {
			return prev
		}
		r.noteAdded(id)
		if indexOf(prev, id) >= 0 {
			return append(prev[:ti], prev[ti+1:]...)
		}
		prev[ti] = r.adapter.WithID(prev[ti], id)
		upgraded = true
		return prev
	})
	r.release(tempID)
	if upgraded {
		r.metrics.upgrade(r.adapter.Kind(), "write")
	}
}

// Pending is the number of remote inserts not shown yet.
func (r *Reconciler[T]) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.skipped)
}

// ClearPending forgets held back inserts, after a refresh picked them up.
func (r *Reconciler[T]) ClearPending() {
	r.mu.Lock()
	r.skipped = make(map[string]struct{})
	r.mu.Unlock()
	r.metrics.setPending(r.adapter.Kind(), 0)
}

// hold marks id as owned by an in-flight optimistic write. Removals and
// re-inserts of a held id are ignored until it is released.
func (r *Reconciler[T]) hold(id string) {
	r.mu.Lock()
	r.held[id]++
	r.mu.Unlock()
}

func (r *Reconciler[T]) release(id string) {
	r.mu.Lock()
	if r.held[id] <= 1 {
		delete(r.held, id)
	} else {
		r.held[id]--
	}
	r.mu.Unlock()
}

func (r *Reconciler[T]) isHeld(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.held[id] > 0
}

// snapshot collects what the reconciler saw while a full listing of the
// collection was being loaded, so applying the listing does not undo it.
type snapshot struct {
	added   map[string]struct{}
	removed map[string]struct{}
	skipped map[string]struct{}
}

func (s *snapshot) sawAdded(id string) bool {
	if s == nil {
		return false
	}
	_, ok := s.added[id]
	return ok
}

func (s *snapshot) sawRemoved(id string) bool {
	if s == nil {
		return false
	}
	_, ok := s.removed[id]
	return ok
}

// beginSnapshot starts recording. Pass the result to reset, or to
// endSnapshot when the load failed.
func (r *Reconciler[T]) beginSnapshot() *snapshot {
	s := &snapshot{
		added:   make(map[string]struct{}),
		removed: make(map[string]struct{}),
		skipped: make(map[string]struct{}),
	}
	r.mu.Lock()
	r.snapshots[s] = struct{}{}
	r.mu.Unlock()
	return s
}

func (r *Reconciler[T]) endSnapshot(s *snapshot) {
	if s == nil {
		return
	}
	r.mu.Lock()
	delete(r.snapshots, s)
	r.mu.Unlock()
}

// noteAdded records that id entered the cache. Callers may hold the cache
// lock.
func (r *Reconciler[T]) noteAdded(id string) {
	r.mu.Lock()
	for s := range r.snapshots {
		s.added[id] = struct{}{}
		delete(s.removed, id)
	}
	r.mu.Unlock()
}

func (r *Reconciler[T]) noteRemoved(id string) {
	r.mu.Lock()
	for s := range r.snapshots {
		s.removed[id] = struct{}{}
		delete(s.added, id)
		delete(s.skipped, id)
	}
	r.mu.Unlock()
}

// reset replaces the cache contents with docs, a full listing of the
// collection, merged with local state:
//   - temp records, held records and records that arrived during snap stay;
//   - other cached records missing from docs are dropped;
//   - listed ids under an in-flight delete or removed during snap are skipped;
//   - a listed record that is the stored copy of a temp record upgrades it.
//
// With showAll every remaining listed record is shown. Otherwise inserts by
// other users follow AutoInsert and the rest are counted by Pending.
func (r *Reconciler[T]) reset(docs []Document, snap *snapshot, showAll bool) {
	defer r.endSnapshot(snap)

	listed := make(map[string]Document, len(docs))
	for _, d := range docs {
		listed[d.ID] = d
	}
	var (
		hidden   []string
		upgrades int
	)
	applied := r.cache.Update(func(prev []T) []T {
		r.mu.Lock()
		defer r.mu.Unlock()

		next := make([]T, 0, len(prev)+len(docs))
		for _, rec := range prev {
			id := rec.EntityID()
			d, ok := listed[id]
			switch {
			case ok && !snap.sawRemoved(id):
				rec = r.adapter.Merge(rec, d)
			case IsTempID(id), r.held[id] > 0, snap.sawAdded(id):
			default:
				continue
			}
			next = append(next, rec)
		}

		for _, d := range docs {
			if indexOf(next, d.ID) >= 0 || r.held[d.ID] > 0 || snap.sawRemoved(d.ID) {
				continue
			}
			remote := r.adapter.Decode(d)
			if i := r.matchTemp(next, remote); i >= 0 {
				next[i] = r.adapter.Merge(r.adapter.WithID(next[i], d.ID), d)
				upgrades++
				continue
			}
			if showAll || r.autoInsert || remote.Author() == r.self {
				next = insertSorted(next, remote)
				continue
			}
			hidden = append(hidden, d.ID)
		}
		return next
	})
	if !applied {
		return
	}
	for i := 0; i < upgrades; i++ {
		r.metrics.upgrade(r.adapter.Kind(), "listener")
	}

	r.mu.Lock()
	r.skipped = make(map[string]struct{}, len(hidden))
	for _, id := range hidden {
		r.skipped[id] = struct{}{}
	}
	if snap != nil {
		for id := range snap.skipped {
			if _, ok := listed[id]; !ok {
				r.skipped[id] = struct{}{}
			}
		}
	}
	n := len(r.skipped)
	r.mu.Unlock()
	r.metrics.setPending(r.adapter.Kind(), n)
}
