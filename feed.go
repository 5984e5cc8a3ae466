package donneur

import (
	"context"
	"strings"
	"time"
)

type postAdapter struct{}

func (postAdapter) Kind() string { return "post" }

func (postAdapter) Decode(d Document) Post { return decodePost(d) }

func (postAdapter) Encode(p Post) Fields { return p.fields() }

func (postAdapter) WithID(p Post, id string) Post {
	p.ID = id
	return p
}

// Merge syncs likes and the comment count.
func (postAdapter) Merge(local Post, d Document) Post {
	if d.Has(fieldLikedBy) {
		local.Likers = NewLikerSet(stringsOf(d.Fields[fieldLikedBy])...)
	}
	if d.Has(FieldCommentCount) {
		local.CommentCount = countOr(d.Fields, FieldCommentCount)
	}
	return local
}

func (postAdapter) SameContent(local, remote Post) bool {
	return local.Text == remote.Text && local.Image == remote.Image
}

func (postAdapter) LikersField() string     { return fieldLikedBy }
func (postAdapter) Likers(p Post) LikerSet { return p.Likers }
func (postAdapter) WithLikers(p Post, s LikerSet) Post {
	p.Likers = s
	return p
}

// Feed is the post timeline, newest first. Posts by other users published
// while the feed is open are counted by Pending and shown on Refresh, unless
// WithAutoInsert(true) is given.
type Feed struct {
	*screen[Post]
}

func NewFeed(s *Session, store Store, opts ...Option) *Feed {
	return &Feed{screen: newScreen[Post](s, store, PostsCollection, postAdapter{}, false, opts)}
}

func (f *Feed) Open(ctx context.Context) error {
	return f.open(ctx, f)
}

func (f *Feed) Posts() []Post { return f.cache.Snapshot() }

func (f *Feed) OnChange(fn func([]Post)) { f.cache.OnChange(fn) }

// Pending is the number of new posts waiting for Refresh.
func (f *Feed) Pending() int { return f.reconciler.Pending() }

// Publish shows the post at the top of the feed and writes it.
func (f *Feed) Publish(ctx context.Context, text, image string) (Post, error) {
	if err := f.checkOpen(); err != nil {
		return Post{}, err
	}
	text = strings.TrimSpace(text)
	if text == "" && image == "" {
		return Post{}, ErrEmptyContent
	}
	user := f.session.User()
	return f.mutator.Create(ctx, Post{
		AuthorID:  user.ID,
		Text:      text,
		Image:     image,
		Avatar:    user.AvatarURL,
		CreatedAt: time.Now(),
	})
}

// Delete removes one of the signed-in user's posts.
func (f *Feed) Delete(ctx context.Context, id string) error {
	if err := f.checkOpen(); err != nil {
		return err
	}
	p, ok := f.cache.Get(id)
	if !ok {
		return &MutationError{Op: "delete", ID: id, Err: ErrNotFound}
	}
	if p.AuthorID != f.session.UserID() {
		return ErrNotOwner
	}
	return f.mutator.Delete(ctx, id)
}

func (f *Feed) ToggleLike(ctx context.Context, id string) (bool, error) {
	if err := f.checkOpen(); err != nil {
		return false, err
	}
	return f.mutator.ToggleLike(ctx, id, f.session.UserID())
}

// Refresh reloads the feed, picking up pending posts.
func (f *Feed) Refresh(ctx context.Context) error {
	if err := f.checkOpen(); err != nil {
		return err
	}
	return f.refresh(ctx)
}

func (f *Feed) Close() { f.close() }
