package donneur

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func post(id string, at time.Time) Post {
	return Post{ID: id, AuthorID: "u1", Text: id, CreatedAt: at}
}

func TestCacheInsertKeepsNewestFirst(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewCache[Post]()

	c.Insert(post("b", base.Add(2*time.Minute)))
	c.Insert(post("a", base.Add(time.Minute)))
	c.Insert(post("c", base.Add(3*time.Minute)))
	c.Insert(post("b2", base.Add(2*time.Minute)))

	assert.Equal(t, []string{"c", "b", "b2", "a"}, ids(c.Snapshot()))
}

func TestCacheInsertFront(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewCache[Post]()
	c.Insert(post("old", base.Add(time.Hour)))
	c.InsertFront(post("mine", base))

	assert.Equal(t, []string{"mine", "old"}, ids(c.Snapshot()))
}

func TestCacheReplaceAndRemove(t *testing.T) {
	now := time.Now()
	c := NewCache[Post]()
	c.Reset([]Post{post("a", now), post("b", now), post("c", now)})

	n := c.ReplaceWhere(byID[Post]("b"), func(p Post) Post {
		p.Text = "edited"
		return p
	})
	assert.Equal(t, 1, n)
	got, ok := c.Get("b")
	require.True(t, ok)
	assert.Equal(t, "edited", got.Text)

	assert.Equal(t, 1, c.RemoveWhere(byID[Post]("a")))
	assert.Equal(t, 0, c.RemoveWhere(byID[Post]("missing")))
	assert.Equal(t, []string{"b", "c"}, ids(c.Snapshot()))
}

func TestCacheSnapshotIsACopy(t *testing.T) {
	c := NewCache[Post]()
	c.Reset([]Post{post("a", time.Now())})

	snap := c.Snapshot()
	snap[0].Text = "changed"

	got, _ := c.Get("a")
	assert.Equal(t, "a", got.Text)
}

func TestCacheObservers(t *testing.T) {
	c := NewCache[Post]()
	var seen [][]string
	c.OnChange(func(posts []Post) { panic("boom") })
	c.OnChange(func(posts []Post) { seen = append(seen, ids(posts)) })

	c.Insert(post("a", time.Now()))
	c.RemoveWhere(byID[Post]("a"))

	assert.Equal(t, [][]string{{"a"}, {}}, seen)
}

func TestCacheClosedIsInert(t *testing.T) {
	c := NewCache[Post]()
	c.Insert(post("a", time.Now()))
	calls := 0
	c.OnChange(func([]Post) { calls++ })
	c.Close()

	assert.False(t, c.Insert(post("b", time.Now())))
	assert.Equal(t, 0, c.RemoveWhere(byID[Post]("a")))
	assert.Equal(t, []string{"a"}, ids(c.Snapshot()))
	assert.Equal(t, 0, calls)
	assert.True(t, c.Closed())
}
