package donneur

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFeedHoldsBackOthersPostsUntilRefresh(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	mine := openFeed(t, store, "me")
	theirs := openFeed(t, store, "you")

	_, err := theirs.Publish(ctx, "Need a winter jacket, size M", "")
	require.NoError(t, err)
	settle(t, store)

	assert.Empty(t, mine.Posts())
	assert.Equal(t, 1, mine.Pending())

	require.NoError(t, mine.Refresh(ctx))
	assert.Len(t, mine.Posts(), 1)
	assert.Equal(t, 0, mine.Pending())
}

func TestFeedAutoInsert(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	live := openFeed(t, store, "me", WithAutoInsert(true))
	other := openFeed(t, store, "you")

	_, err := other.Publish(ctx, "hot meals tonight", "")
	require.NoError(t, err)
	eventually(t, func() bool { return len(live.Posts()) == 1 }, "shown as it arrives")
	assert.Equal(t, 0, live.Pending())
}

func TestFeedRemoteLikesAndCountsMerge(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	mine := openFeed(t, store, "me")
	p, err := mine.Publish(ctx, "thanks everyone", "img.jpg")
	require.NoError(t, err)

	require.NoError(t, store.Update(ctx, Ref(PostsCollection, p.ID), ArrayUnion("likedBy", "you"), Increment(FieldCommentCount, 1)))
	settle(t, store)

	got := mine.Posts()[0]
	assert.Equal(t, LikerSet{"you"}, got.Likers)
	assert.Equal(t, int64(1), got.CommentCount)
	assert.Equal(t, "img.jpg", got.Image)
}

func TestFeedValidation(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	mine := openFeed(t, store, "me")
	theirs := openFeed(t, store, "you", WithAutoInsert(true))

	_, err := mine.Publish(ctx, " ", "")
	assert.ErrorIs(t, err, ErrEmptyContent)

	onlyImage, err := mine.Publish(ctx, "", "photo.png")
	require.NoError(t, err)
	eventually(t, func() bool { return len(theirs.Posts()) == 1 }, "delivered")

	assert.ErrorIs(t, theirs.Delete(ctx, onlyImage.ID), ErrNotOwner)
	assert.ErrorIs(t, theirs.Delete(ctx, "missing"), ErrNotFound)
}

func TestFeedPageSize(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	base := time.Now().Add(-time.Hour)
	for i, id := range []string{"a", "b", "c"} {
		require.NoError(t, store.Put(ctx, Ref(PostsCollection, id), Post{AuthorID: "u", Text: id, CreatedAt: base.Add(time.Duration(i) * time.Minute)}.fields()))
	}

	f := openFeed(t, store, "me", WithPageSize(2))
	settle(t, store)
	assert.Equal(t, []string{"c", "b"}, ids(f.Posts()), "the subscription's first batch is limited too")
	assert.Equal(t, 0, f.Pending())
}

func TestFeedResubscribeDropsDeletedRecords(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Put(ctx, Ref(PostsCollection, "p1"), Post{AuthorID: "you", Text: "first", CreatedAt: time.Now().Add(-time.Minute)}.fields()))

	f := openFeed(t, store, "me", WithRetryPolicy(fastRetry))
	settle(t, store)
	require.Equal(t, []string{"p1"}, ids(f.Posts()))

	var offline atomic.Bool
	offline.Store(true)
	store.SetHook(hookFor(OpNameSubscribe, func(context.Context, DocRef) error {
		if offline.Load() {
			return errors.New("unavailable")
		}
		return nil
	}))
	store.BreakSubscriptions(PostsCollection, errors.New("connection reset"))

	require.NoError(t, store.Delete(ctx, Ref(PostsCollection, "p1")))
	require.NoError(t, store.Put(ctx, Ref(PostsCollection, "p2"), Post{AuthorID: "you", Text: "theirs", CreatedAt: time.Now()}.fields()))
	require.NoError(t, store.Put(ctx, Ref(PostsCollection, "p3"), Post{AuthorID: "me", Text: "mine, other device", CreatedAt: time.Now()}.fields()))
	offline.Store(false)

	eventually(t, func() bool { return store.Subscribers(PostsCollection) == 1 }, "resubscribed")
	settle(t, store)

	assert.Equal(t, []string{"p3"}, ids(f.Posts()))
	assert.Equal(t, 1, f.Pending())
}

func TestFeedMetrics(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	f := openFeed(t, store, "me", WithMetrics(m))

	store.SetHook(hookFor(OpNameAdd, func(context.Context, DocRef) error { return assert.AnError }))
	_, err := f.Publish(ctx, "x", "")
	require.Error(t, err)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.rollbacks.WithLabelValues("post", "create")))
}
