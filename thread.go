package donneur

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"
)

// threadAdapter is an adapter for the children of a counted parent.
type threadAdapter[T Entity] interface {
	Adapter[T]
	likeAdapter[T]
	compose(authorID, text string, at time.Time) T
}

// ── comments ──

type commentAdapter struct {
	postID string
}

func (commentAdapter) Kind() string { return "comment" }

func (a commentAdapter) Decode(d Document) Comment { return decodeComment(a.postID, d) }

func (commentAdapter) Encode(c Comment) Fields { return c.fields() }

func (commentAdapter) WithID(c Comment, id string) Comment {
	c.ID = id
	return c
}

func (commentAdapter) Merge(local Comment, d Document) Comment {
	if d.Has(fieldLikedBy) {
		local.Likers = NewLikerSet(stringsOf(d.Fields[fieldLikedBy])...)
	}
	if d.Has(FieldAnswerCount) {
		local.AnswerCount = countOr(d.Fields, FieldAnswerCount)
	}
	return local
}

func (commentAdapter) SameContent(local, remote Comment) bool { return local.Text == remote.Text }

func (commentAdapter) LikersField() string        { return fieldLikedBy }
func (commentAdapter) Likers(c Comment) LikerSet { return c.Likers }
func (commentAdapter) WithLikers(c Comment, s LikerSet) Comment {
	c.Likers = s
	return c
}

func (a commentAdapter) compose(authorID, text string, at time.Time) Comment {
	return Comment{PostID: a.postID, AuthorID: authorID, Text: text, CreatedAt: at}
}

// ── answers ──

type answerAdapter struct {
	postID    string
	commentID string
}

func (answerAdapter) Kind() string { return "answer" }

func (a answerAdapter) Decode(d Document) Answer { return decodeAnswer(a.postID, a.commentID, d) }

func (answerAdapter) Encode(an Answer) Fields { return an.fields() }

func (answerAdapter) WithID(an Answer, id string) Answer {
	an.ID = id
	return an
}

func (answerAdapter) Merge(local Answer, d Document) Answer {
	if d.Has(fieldLikedBy) {
		local.Likers = NewLikerSet(stringsOf(d.Fields[fieldLikedBy])...)
	}
	return local
}

func (answerAdapter) SameContent(local, remote Answer) bool { return local.Text == remote.Text }

func (answerAdapter) LikersField() string       { return fieldLikedBy }
func (answerAdapter) Likers(an Answer) LikerSet { return an.Likers }
func (answerAdapter) WithLikers(an Answer, s LikerSet) Answer {
	an.Likers = s
	return an
}

func (a answerAdapter) compose(authorID, text string, at time.Time) Answer {
	return Answer{PostID: a.postID, CommentID: a.commentID, AuthorID: authorID, Text: text, CreatedAt: at}
}

// ============================================================================
// Thread
// ============================================================================

// Thread is the list of comments under a post or answers under a comment.
// The parent's counter moves by exactly one per child created or deleted.
type Thread[T Entity] struct {
	*screen[T]
	adapter    threadAdapter[T]
	parent     DocRef
	countField string
	counter    *Counter
	count      LocalCounter
}

// NewCommentThread prepares the comments of a post.
func NewCommentThread(s *Session, store Store, postID string, opts ...Option) *Thread[Comment] {
	a := commentAdapter{postID: postID}
	return newThread[Comment](s, store, Responses(postID), a, Ref(PostsCollection, postID), FieldCommentCount, opts)
}

// NewAnswerThread prepares the answers to a comment.
func NewAnswerThread(s *Session, store Store, postID, commentID string, opts ...Option) *Thread[Answer] {
	a := answerAdapter{postID: postID, commentID: commentID}
	return newThread[Answer](s, store, Answers(postID, commentID), a, Ref(Responses(postID), commentID), FieldAnswerCount, opts)
}

func newThread[T Entity](s *Session, store Store, collection string, a threadAdapter[T], parent DocRef, countField string, opts []Option) *Thread[T] {
	sc := newScreen[T](s, store, collection, a, false, opts)
	return &Thread[T]{
		screen:     sc,
		adapter:    a,
		parent:     parent,
		countField: countField,
		counter:    NewCounter(store, sc.logger),
	}
}

// Open reads the parent counter, loads the children and starts listening.
func (t *Thread[T]) Open(ctx context.Context) error {
	if err := t.loadCount(ctx); err != nil {
		return err
	}
	return t.open(ctx, t)
}

func (t *Thread[T]) loadCount(ctx context.Context) error {
	doc, err := t.store.Get(ctx, t.parent)
	if err != nil {
		return err
	}
	t.count.Set(countOr(doc.Fields, t.countField))
	return nil
}

func (t *Thread[T]) Items() []T { return t.cache.Snapshot() }

func (t *Thread[T]) OnChange(fn func([]T)) { t.cache.OnChange(fn) }

// Count is the parent counter as shown to the user.
func (t *Thread[T]) Count() int64 { return t.count.Value() }

func (t *Thread[T]) Pending() int { return t.reconciler.Pending() }

// Add shows the reply, writes it, then bumps the parent counter. When the
// counter cannot be bumped the reply is taken back so the two never drift.
func (t *Thread[T]) Add(ctx context.Context, text string) (T, error) {
	var zero T
	if err := t.checkOpen(); err != nil {
		return zero, err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return zero, ErrEmptyContent
	}

	staged := t.mutator.Stage(t.adapter.compose(t.session.UserID(), text, time.Now()))
	t.count.Add(1)
	created, err := t.mutator.Commit(ctx, staged)
	if err != nil {
		t.count.Add(-1)
		return zero, err
	}

	if err := t.counter.Increment(ctx, t.parent, t.countField); err != nil {
		t.logger.Warn("thread_counter_increment_failed",
			zap.String("id", created.EntityID()),
			zap.Error(err))
		if derr := t.mutator.Delete(context.WithoutCancel(ctx), created.EntityID()); derr != nil {
			t.logger.Error("thread_compensating_delete_failed",
				zap.String("id", created.EntityID()),
				zap.Error(derr))
		}
		t.count.Add(-1)
		return zero, &MutationError{Op: "create", ID: created.EntityID(), Err: err}
	}
	return created, nil
}

// Delete removes one of the signed-in user's replies and drops the parent
// counter by one. Replies nested under it are left alone.
func (t *Thread[T]) Delete(ctx context.Context, id string) error {
	if err := t.checkOpen(); err != nil {
		return err
	}
	rec, ok := t.cache.Get(id)
	if !ok {
		return &MutationError{Op: "delete", ID: id, Err: ErrNotFound}
	}
	if rec.Author() != t.session.UserID() {
		return ErrNotOwner
	}

	t.count.Add(-1)
	if err := t.mutator.Delete(ctx, id); err != nil {
		t.count.Add(1)
		return err
	}
	if err := t.counter.Decrement(ctx, t.parent, t.countField); err != nil {
		t.logger.Error("thread_counter_decrement_failed", zap.String("id", id), zap.Error(err))
		return err
	}
	return nil
}

func (t *Thread[T]) ToggleLike(ctx context.Context, id string) (bool, error) {
	if err := t.checkOpen(); err != nil {
		return false, err
	}
	return t.mutator.ToggleLike(ctx, id, t.session.UserID())
}

// Refresh reloads the replies and the parent counter.
func (t *Thread[T]) Refresh(ctx context.Context) error {
	if err := t.checkOpen(); err != nil {
		return err
	}
	if err := t.loadCount(ctx); err != nil {
		return err
	}
	return t.refresh(ctx)
}

func (t *Thread[T]) Close() {
	t.close()
	t.count.Close()
}
