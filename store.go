package donneur

import (
	"context"
	"strings"
	"time"
)

// ============================================================================
// Documents
// ============================================================================

// FieldCreatedAt is the creation timestamp every collection is ordered by.
const FieldCreatedAt = "createdAt"

// Fields is the raw field set of a document as returned by a store.
type Fields map[string]any

// Document is one record of a collection.
type Document struct {
	ID     string `json:"id"`
	Fields Fields `json:"fields"`
}

// Has reports whether the document payload carries field.
func (d Document) Has(field string) bool {
	_, ok := d.Fields[field]
	return ok
}

// DocRef addresses a single document.
type DocRef struct {
	Collection string
	ID         string
}

// Ref builds a DocRef.
func Ref(collection, id string) DocRef {
	return DocRef{Collection: collection, ID: id}
}

// ParseRef splits "posts/p1/responses/c1" into its collection and id.
func ParseRef(path string) DocRef {
	path = strings.Trim(path, "/")
	i := strings.LastIndex(path, "/")
	if i < 0 {
		return DocRef{ID: path}
	}
	return DocRef{Collection: path[:i], ID: path[i+1:]}
}

// Path returns the slash separated document path.
func (r DocRef) Path() string {
	return r.Collection + "/" + r.ID
}

// Collection paths used by the app.
const (
	PostsCollection    = "posts"
	ChatCollection     = "chat"
	ChannelsCollection = "channels"
)

func ChatMessages(conversationID string) string {
	return ChatCollection + "/" + conversationID + "/messages"
}

func ChannelMessages(channelID string) string {
	return ChannelsCollection + "/" + channelID + "/messages"
}

func Responses(postID string) string {
	return PostsCollection + "/" + postID + "/responses"
}

func Answers(postID, commentID string) string {
	return Responses(postID) + "/" + commentID + "/answers"
}

type serverTimestamp struct{}

// ServerTimestamp is replaced by the store's clock when a document is written.
var ServerTimestamp = serverTimestamp{}

// ============================================================================
// Field updates
// ============================================================================

// UpdateOp is the kind of a single field update.
type UpdateOp int

const (
	OpSet UpdateOp = iota
	OpIncrement
	OpArrayUnion
	OpArrayRemove
)

// FieldUpdate is one field mutation. Increments and array operations are
// applied by the store itself, never as a read-modify-write on the client.
type FieldUpdate struct {
	Field  string
	Op     UpdateOp
	Value  any
	Delta  int64
	Values []string
}

func Set(field string, value any) FieldUpdate {
	return FieldUpdate{Field: field, Op: OpSet, Value: value}
}

func Increment(field string, delta int64) FieldUpdate {
	return FieldUpdate{Field: field, Op: OpIncrement, Delta: delta}
}

func ArrayUnion(field string, values ...string) FieldUpdate {
	return FieldUpdate{Field: field, Op: OpArrayUnion, Values: values}
}

func ArrayRemove(field string, values ...string) FieldUpdate {
	return FieldUpdate{Field: field, Op: OpArrayRemove, Values: values}
}

// applyUpdate mutates fields in place.
func applyUpdate(fields Fields, u FieldUpdate, now time.Time) {
	switch u.Op {
	case OpSet:
		if _, ok := u.Value.(serverTimestamp); ok {
			fields[u.Field] = now
			return
		}
		fields[u.Field] = u.Value
	case OpIncrement:
		fields[u.Field] = int64Of(fields[u.Field]) + u.Delta
	case OpArrayUnion:
		set := NewLikerSet(stringsOf(fields[u.Field])...)
		for _, v := range u.Values {
			set = set.With(v)
		}
		fields[u.Field] = []string(set)
	case OpArrayRemove:
		set := NewLikerSet(stringsOf(fields[u.Field])...)
		for _, v := range u.Values {
			set = set.Without(v)
		}
		fields[u.Field] = []string(set)
	}
}

func resolveServerTimestamps(fields Fields, now time.Time) {
	for k, v := range fields {
		if _, ok := v.(serverTimestamp); ok {
			fields[k] = now
		}
	}
	if _, ok := fields[FieldCreatedAt]; !ok {
		fields[FieldCreatedAt] = now
	}
}

// ============================================================================
// Change notifications
// ============================================================================

// ChangeKind classifies a change notification.
type ChangeKind string

const (
	ChangeAdded    ChangeKind = "added"
	ChangeModified ChangeKind = "modified"
	ChangeRemoved  ChangeKind = "removed"
)

// Change carries the full current field set of the affected document.
// Removed changes only carry the id.
type Change struct {
	Kind ChangeKind `json:"kind"`
	Doc  Document   `json:"doc"`
}

// ChangeBatch is one delivery from a subscription. The first batch of a
// subscription is the initial snapshot and has Initial set.
type ChangeBatch struct {
	Collection string   `json:"collection"`
	Initial    bool     `json:"initial,omitempty"`
	Changes    []Change `json:"changes"`
}

// ChangeHandler receives deliveries of one subscription. OnError fires once
// when the subscription dies; no batches follow it.
type ChangeHandler struct {
	OnChanges func(ChangeBatch)
	OnError   func(error)
}

// Unsubscribe detaches a subscription. It is safe to call more than once.
type Unsubscribe func()

// ============================================================================
// Store contracts
// ============================================================================

// Query narrows a collection read. Results are always newest first.
type Query struct {
	Limit int
}

// Documents is the request/response side of a document store.
type Documents interface {
	Add(ctx context.Context, collection string, fields Fields) (string, error)
	Get(ctx context.Context, ref DocRef) (*Document, error)
	Query(ctx context.Context, collection string, q Query) ([]Document, error)
	Update(ctx context.Context, ref DocRef, updates ...FieldUpdate) error
	Delete(ctx context.Context, ref DocRef) error
}

// Subscriber is the real-time side of a document store.
type Subscriber interface {
	Subscribe(ctx context.Context, collection string, h ChangeHandler) (Unsubscribe, error)
}

// Store is a document store with real-time subscriptions.
type Store interface {
	Documents
	Subscriber
}

type combinedStore struct {
	Documents
	Subscriber
}

// Combine pairs a document store with a separate change feed, e.g. a
// RedisStore for reads and writes with a RealtimeClient for notifications.
func Combine(docs Documents, sub Subscriber) Store {
	return combinedStore{Documents: docs, Subscriber: sub}
}
