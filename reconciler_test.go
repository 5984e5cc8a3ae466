package donneur

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPostReconciler(self string, autoInsert bool) (*Cache[Post], *Reconciler[Post]) {
	c := NewCache[Post]()
	return c, NewReconciler[Post](c, postAdapter{}, ReconcilerOptions{Self: self, AutoInsert: autoInsert})
}

func postDoc(id, author, text string, at time.Time) Document {
	return Document{ID: id, Fields: Post{AuthorID: author, Text: text, CreatedAt: at}.fields()}
}

func added(docs ...Document) ChangeBatch {
	b := ChangeBatch{Collection: PostsCollection}
	for _, d := range docs {
		b.Changes = append(b.Changes, Change{Kind: ChangeAdded, Doc: d})
	}
	return b
}

func TestReconcilerModifiedKeepsAbsentFields(t *testing.T) {
	now := time.Now()
	c, r := newPostReconciler("me", true)
	c.Reset([]Post{{ID: "p1", AuthorID: "u1", Text: "coats needed", Image: "img.png", CreatedAt: now, CommentCount: 4}})

	r.Apply(ChangeBatch{Changes: []Change{{Kind: ChangeModified, Doc: Document{ID: "p1", Fields: Fields{"likedBy": []any{"u9"}}}}}})

	got, ok := c.Get("p1")
	require.True(t, ok)
	assert.Equal(t, LikerSet{"u9"}, got.Likers)
	assert.Equal(t, "coats needed", got.Text)
	assert.Equal(t, "img.png", got.Image)
	assert.Equal(t, int64(4), got.CommentCount)
}

func TestReconcilerModifiedUnknownIsIgnored(t *testing.T) {
	c, r := newPostReconciler("me", true)
	r.Apply(ChangeBatch{Changes: []Change{{Kind: ChangeModified, Doc: postDoc("ghost", "u1", "x", time.Now())}}})
	assert.Equal(t, 0, c.Len())
}

func TestReconcilerUpgradesTempRecord(t *testing.T) {
	now := time.Now()
	c, r := newPostReconciler("me", true)
	c.InsertFront(Post{ID: TempIDPrefix + "1", AuthorID: "me", Text: "hello", CreatedAt: now})

	r.Apply(added(postDoc("p1", "me", "hello", now.Add(200*time.Millisecond))))

	assert.Equal(t, []string{"p1"}, ids(c.Snapshot()))

	// the write confirmation arriving later changes nothing
	r.Resolve(TempIDPrefix+"1", "p1")
	assert.Equal(t, []string{"p1"}, ids(c.Snapshot()))
}

func TestReconcilerUpgradesOldestMatchFirst(t *testing.T) {
	now := time.Now()
	c, r := newPostReconciler("me", true)
	c.InsertFront(Post{ID: TempIDPrefix + "old", AuthorID: "me", Text: "same", CreatedAt: now})
	c.InsertFront(Post{ID: TempIDPrefix + "new", AuthorID: "me", Text: "same", CreatedAt: now.Add(time.Millisecond)})

	r.Apply(added(postDoc("p1", "me", "same", now.Add(time.Second))))

	assert.Equal(t, []string{TempIDPrefix + "new", "p1"}, ids(c.Snapshot()))
}

func TestReconcilerDoesNotMatchOtherAuthorsOrStaleCopies(t *testing.T) {
	now := time.Now()
	c, r := newPostReconciler("me", true)
	c.InsertFront(Post{ID: TempIDPrefix + "1", AuthorID: "me", Text: "hello", CreatedAt: now})

	r.Apply(added(postDoc("theirs", "u2", "hello", now)))
	r.Apply(added(postDoc("stale", "me", "hello", now.Add(-time.Minute))))

	snap := c.Snapshot()
	assert.Len(t, snap, 3)
	assert.Contains(t, ids(snap), TempIDPrefix+"1")
}

func TestReconcilerResolveDropsTempWhenListenerWon(t *testing.T) {
	now := time.Now()
	c, r := newPostReconciler("me", true)
	c.InsertFront(Post{ID: TempIDPrefix + "1", AuthorID: "me", Text: "draft", CreatedAt: now})
	// delivered copy differs, so no heuristic upgrade
	c.Insert(Post{ID: "p1", AuthorID: "me", Text: "draft!", CreatedAt: now})

	r.Resolve(TempIDPrefix+"1", "p1")
	assert.Equal(t, []string{"p1"}, ids(c.Snapshot()))
}

func TestReconcilerResolveSwapsID(t *testing.T) {
	c, r := newPostReconciler("me", true)
	c.InsertFront(Post{ID: TempIDPrefix + "1", AuthorID: "me", Text: "x", CreatedAt: time.Now()})
	r.Resolve(TempIDPrefix+"1", "p1")
	assert.Equal(t, []string{"p1"}, ids(c.Snapshot()))
}

func TestReconcilerAutoInsertOff(t *testing.T) {
	now := time.Now()
	c, r := newPostReconciler("me", false)
	c.Reset([]Post{{ID: "p0", AuthorID: "u2", Text: "x", CreatedAt: now}})

	r.Apply(added(postDoc("p1", "u2", "y", now)))
	r.Apply(added(postDoc("p2", "me", "from another device", now.Add(time.Second))))
	assert.Equal(t, []string{"p2", "p0"}, ids(c.Snapshot()))
	assert.Equal(t, 1, r.Pending())

	r.Apply(ChangeBatch{Changes: []Change{{Kind: ChangeRemoved, Doc: Document{ID: "p1"}}}})
	assert.Equal(t, 0, r.Pending())
	assert.Equal(t, 2, c.Len())
}

func TestReconcilerInitialBatchReplacesContents(t *testing.T) {
	now := time.Now()
	c, r := newPostReconciler("me", false)
	c.Reset([]Post{
		{ID: TempIDPrefix + "1", AuthorID: "me", Text: "sending", CreatedAt: now},
		{ID: "gone", AuthorID: "u2", Text: "deleted while offline", CreatedAt: now.Add(-time.Minute)},
		{ID: "p0", AuthorID: "u2", Text: "old text", CreatedAt: now.Add(-2 * time.Minute)},
	})

	r.Apply(ChangeBatch{Initial: true, Changes: []Change{
		{Kind: ChangeAdded, Doc: postDoc("p0", "u2", "edited", now.Add(-2*time.Minute))},
		{Kind: ChangeAdded, Doc: postDoc("p5", "u2", "new while offline", now.Add(-10*time.Second))},
		{Kind: ChangeAdded, Doc: postDoc("p6", "me", "from another device", now.Add(-30*time.Second))},
	}})

	assert.Equal(t, []string{TempIDPrefix + "1", "p6", "p0"}, ids(c.Snapshot()))
	assert.Equal(t, 1, r.Pending(), "others' new posts wait for a refresh")
	got, ok := c.Get("p0")
	require.True(t, ok)
	assert.Equal(t, "edited", got.Text)
}

func TestReconcilerInitialBatchHonorsPageSize(t *testing.T) {
	now := time.Now()
	c := NewCache[Post]()
	r := NewReconciler[Post](c, postAdapter{}, ReconcilerOptions{Self: "me", AutoInsert: true, PageSize: 2})

	r.Apply(ChangeBatch{Initial: true, Changes: []Change{
		{Kind: ChangeAdded, Doc: postDoc("a", "u2", "a", now.Add(-3*time.Minute))},
		{Kind: ChangeAdded, Doc: postDoc("c", "u2", "c", now.Add(-time.Minute))},
		{Kind: ChangeAdded, Doc: postDoc("b", "u2", "b", now.Add(-2*time.Minute))},
	}})
	assert.Equal(t, []string{"c", "b"}, ids(c.Snapshot()))
}

func TestReconcilerResetKeepsChangesDuringLoad(t *testing.T) {
	now := time.Now()
	c, r := newPostReconciler("me", false)
	c.Reset([]Post{
		{ID: TempIDPrefix + "1", AuthorID: "me", Text: "hi", CreatedAt: now},
		{ID: "p1", AuthorID: "me", Text: "to delete", CreatedAt: now.Add(-time.Minute)},
		{ID: "p2", AuthorID: "u2", Text: "removed remotely", CreatedAt: now.Add(-2 * time.Minute)},
	})

	snap := r.beginSnapshot()
	stale := []Document{
		postDoc("p1", "me", "to delete", now.Add(-time.Minute)),
		postDoc("p2", "u2", "removed remotely", now.Add(-2*time.Minute)),
	}

	// while the listing is in flight: a write resolves, a delete starts and
	// another user's post is removed and one is added
	r.Resolve(TempIDPrefix+"1", "p9")
	r.hold("p1")
	c.RemoveWhere(byID[Post]("p1"))
	r.noteRemoved("p1")
	r.Apply(ChangeBatch{Changes: []Change{{Kind: ChangeRemoved, Doc: Document{ID: "p2"}}}})
	r.Apply(added(postDoc("p3", "u2", "late", now)))

	r.reset(stale, snap, true)

	assert.Equal(t, []string{"p9"}, ids(c.Snapshot()))
	assert.Equal(t, 1, r.Pending(), "the late insert is still pending")

	r.mu.Lock()
	assert.Empty(t, r.snapshots)
	r.mu.Unlock()
}

func TestReconcilerRemoved(t *testing.T) {
	now := time.Now()
	c, r := newPostReconciler("me", true)
	c.Reset([]Post{post("a", now), post("b", now)})

	r.Apply(ChangeBatch{Changes: []Change{
		{Kind: ChangeRemoved, Doc: Document{ID: "a"}},
		{Kind: ChangeRemoved, Doc: Document{ID: "missing"}},
		{Kind: ChangeAdded, Doc: Document{}},
	}})
	assert.Equal(t, []string{"b"}, ids(c.Snapshot()))
}

func TestReconcilerHeldIDsIgnoreRemoveAndReadd(t *testing.T) {
	now := time.Now()
	c, r := newPostReconciler("me", true)
	c.Reset([]Post{post("a", now)})

	r.hold("a")
	r.Apply(ChangeBatch{Changes: []Change{{Kind: ChangeRemoved, Doc: Document{ID: "a"}}}})
	assert.Equal(t, 1, c.Len(), "removal of a held record is ignored")

	c.RemoveWhere(byID[Post]("a"))
	r.Apply(added(postDoc("a", "u1", "a", now)))
	assert.Equal(t, 0, c.Len(), "re-add of a held record is ignored")

	r.release("a")
	assert.False(t, r.isHeld("a"))
}

func TestReconcilerMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	c := NewCache[Post]()
	r := NewReconciler[Post](c, postAdapter{}, ReconcilerOptions{Self: "me", Metrics: m})
	now := time.Now()

	c.InsertFront(Post{ID: TempIDPrefix + "1", AuthorID: "me", Text: "hi", CreatedAt: now})
	r.Apply(added(postDoc("p1", "me", "hi", now), postDoc("p2", "u2", "other", now)))

	assert.Equal(t, float64(2), testutil.ToFloat64(m.changes.WithLabelValues("post", "added")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.upgrades.WithLabelValues("post", "listener")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.pending.WithLabelValues("post")))

	r.ClearPending()
	assert.Equal(t, float64(0), testutil.ToFloat64(m.pending.WithLabelValues("post")))
}
