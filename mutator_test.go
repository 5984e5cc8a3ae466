package donneur

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openFeed(t *testing.T, store Store, userID string, opts ...Option) *Feed {
	t.Helper()
	f := NewFeed(newTestSession(t, userID), store, opts...)
	require.NoError(t, f.Open(context.Background()))
	t.Cleanup(f.Close)
	return f
}

// listenerFirst acknowledges adds only after subscribers have seen them.
type listenerFirst struct {
	*MemoryStore
	t *testing.T
}

func (s listenerFirst) Add(ctx context.Context, collection string, fields Fields) (string, error) {
	id, err := s.MemoryStore.Add(ctx, collection, fields)
	settle(s.t, s.MemoryStore)
	return id, err
}

func TestCreateSwapsTempID(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	f := openFeed(t, store, "me")

	p, err := f.Publish(ctx, "  blankets at the north shelter ", "")
	require.NoError(t, err)
	assert.False(t, IsTempID(p.ID))
	assert.Equal(t, "blankets at the north shelter", p.Text)

	settle(t, store)
	assert.Equal(t, []string{p.ID}, ids(f.Posts()))

	doc, err := store.Get(ctx, Ref(PostsCollection, p.ID))
	require.NoError(t, err)
	assert.Equal(t, "me", doc.Fields["userId"])
}

func TestCreateFailureLeavesCacheUntouched(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Put(ctx, Ref(PostsCollection, "p0"), Post{AuthorID: "u2", Text: "hi", CreatedAt: time.Now()}.fields()))
	f := openFeed(t, store, "me")
	settle(t, store)
	before := f.Posts()

	var seen [][]string
	f.OnChange(func(posts []Post) { seen = append(seen, ids(posts)) })

	boom := errors.New("write rejected")
	store.SetHook(hookFor(OpNameAdd, func(context.Context, DocRef) error { return boom }))

	_, err := f.Publish(ctx, "lost", "")
	require.Error(t, err)
	var merr *MutationError
	require.ErrorAs(t, err, &merr)
	assert.Equal(t, "create", merr.Op)
	assert.ErrorIs(t, err, boom)

	assert.Equal(t, before, f.Posts())
	require.Len(t, seen, 2, "shown, then taken back")
	assert.Len(t, seen[0], 2)
	assert.Equal(t, ids(before), seen[1])
}

func TestCreateListenerBeforeAck(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryStore()
	f := openFeed(t, listenerFirst{MemoryStore: mem, t: t}, "me")

	p, err := f.Publish(ctx, "soup kitchen open", "")
	require.NoError(t, err)
	settle(t, mem)

	posts := f.Posts()
	require.Len(t, posts, 1, "no duplicate")
	assert.Equal(t, p.ID, posts[0].ID)
}

func TestDeleteRestoresOnFailure(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	f := openFeed(t, store, "me")
	p, err := f.Publish(ctx, "mine", "")
	require.NoError(t, err)
	settle(t, store)

	store.SetHook(hookFor(OpNameDelete, func(context.Context, DocRef) error { return errors.New("offline") }))
	err = f.Delete(ctx, p.ID)
	require.Error(t, err)
	assert.Equal(t, []string{p.ID}, ids(f.Posts()))

	store.SetHook(nil)
	require.NoError(t, f.Delete(ctx, p.ID))
	settle(t, store)
	assert.Empty(t, f.Posts())
}

func TestOperationsOnPendingRecord(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	g := newGate()
	defer g.open()
	store.SetHook(hookFor(OpNameAdd, func(ctx context.Context, _ DocRef) error { return g.wait(ctx) }))
	f := openFeed(t, store, "me")

	done := make(chan error, 1)
	go func() {
		_, err := f.Publish(ctx, "slow", "")
		done <- err
	}()
	<-g.entered

	tempID := f.Posts()[0].ID
	require.True(t, IsTempID(tempID))
	_, err := f.ToggleLike(ctx, tempID)
	assert.ErrorIs(t, err, ErrPending)
	assert.ErrorIs(t, f.Delete(ctx, tempID), ErrPending)

	g.open()
	require.NoError(t, <-done)
}

func TestLikeThenUnlikeSettlesUnliked(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Put(ctx, Ref(PostsCollection, "p1"), Post{AuthorID: "u2", Text: "x", CreatedAt: time.Now()}.fields()))
	f := openFeed(t, store, "me", WithAutoInsert(true))
	settle(t, store)

	// every store write is slow, so both toggles are in flight together
	store.SetHook(hookFor(OpNameUpdate, func(ctx context.Context, _ DocRef) error {
		time.Sleep(50 * time.Millisecond)
		return nil
	}))

	var wg sync.WaitGroup
	results := make([]bool, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			liked, err := f.ToggleLike(ctx, "p1")
			assert.NoError(t, err)
			results[i] = liked
		}(i)
		// the second tap lands while the first write is pending
		eventually(t, func() bool { return f.Posts()[0].Likers.Has("me") == (i == 0) }, "local flip is immediate")
	}
	wg.Wait()
	settle(t, store)

	assert.ElementsMatch(t, []bool{true, false}, results)
	assert.False(t, f.Posts()[0].Likers.Has("me"))
	doc, err := store.Get(ctx, Ref(PostsCollection, "p1"))
	require.NoError(t, err)
	assert.NotContains(t, stringsOf(doc.Fields["likedBy"]), "me")
}

func TestLikeFailureReverts(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Put(ctx, Ref(PostsCollection, "p1"), Post{AuthorID: "u2", Text: "x", Likers: NewLikerSet("u3"), CreatedAt: time.Now()}.fields()))
	f := openFeed(t, store, "me")
	settle(t, store)

	store.SetHook(hookFor(OpNameUpdate, func(context.Context, DocRef) error { return errors.New("offline") }))
	liked, err := f.ToggleLike(ctx, "p1")
	require.Error(t, err)
	assert.False(t, liked)
	assert.Equal(t, LikerSet{"u3"}, f.Posts()[0].Likers)

	_, err = f.ToggleLike(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestWriteAfterCloseIsInert(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	g := newGate()
	defer g.open()
	store.SetHook(hookFor(OpNameAdd, func(ctx context.Context, _ DocRef) error { return g.wait(ctx) }))

	s := newTestSession(t, "me")
	f := NewFeed(s, store)
	require.NoError(t, f.Open(ctx))

	var calls atomic.Int32
	f.OnChange(func([]Post) { calls.Add(1) })

	done := make(chan error, 1)
	go func() {
		_, err := f.Publish(ctx, "written after the screen went away", "")
		done <- err
	}()
	<-g.entered
	staged := f.Posts()
	callsBefore := calls.Load()

	f.Close()
	g.open()
	require.NoError(t, <-done)
	settle(t, store)

	assert.Equal(t, staged, f.Posts())
	assert.Equal(t, callsBefore, calls.Load())
	assert.Equal(t, 0, store.Subscribers(PostsCollection))

	_, err := f.Publish(ctx, "again", "")
	assert.ErrorIs(t, err, ErrClosed)
}
