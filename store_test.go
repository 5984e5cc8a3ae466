package donneur

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestParseRef(t *testing.T) {
	assert.Equal(t, Ref("posts/p1/responses", "c1"), ParseRef("posts/p1/responses/c1"))
	assert.Equal(t, Ref("posts", "p1"), ParseRef("/posts/p1/"))
	assert.Equal(t, DocRef{ID: "p1"}, ParseRef("p1"))
	assert.Equal(t, "posts/p1/responses/c1/answers/a1", Ref(Answers("p1", "c1"), "a1").Path())
}

func TestApplyUpdate(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	f := Fields{"likedBy": []any{"b"}, "commentCount": float64(2)}

	applyUpdate(f, ArrayUnion("likedBy", "a", "b"), now)
	assert.Equal(t, []string{"a", "b"}, f["likedBy"])

	applyUpdate(f, ArrayRemove("likedBy", "b", "zz"), now)
	assert.Equal(t, []string{"a"}, f["likedBy"])

	applyUpdate(f, Increment("commentCount", -1), now)
	assert.Equal(t, int64(1), f["commentCount"])

	applyUpdate(f, Increment("answerCount", 1), now)
	assert.Equal(t, int64(1), f["answerCount"])

	applyUpdate(f, Set("read", true), now)
	applyUpdate(f, Set("editedAt", ServerTimestamp), now)
	assert.Equal(t, true, f["read"])
	assert.Equal(t, now, f["editedAt"])
}

func TestResolveServerTimestamps(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	f := Fields{"text": "x"}
	resolveServerTimestamps(f, now)
	assert.Equal(t, now, f[FieldCreatedAt], "createdAt is always stamped")

	earlier := now.Add(-time.Hour)
	f = Fields{FieldCreatedAt: earlier, "seen": ServerTimestamp}
	resolveServerTimestamps(f, now)
	assert.Equal(t, earlier, f[FieldCreatedAt])
	assert.Equal(t, now, f["seen"])
}

func TestCombine(t *testing.T) {
	docs := NewMemoryStore()
	feed := NewMemoryStore()
	s := Combine(docs, feed)

	assert.Same(t, docs, s.(combinedStore).Documents)
	assert.Same(t, feed, s.(combinedStore).Subscriber)
}
