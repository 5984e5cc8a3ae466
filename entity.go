package donneur

import (
	"encoding/json"
	"sort"
	"strconv"
	"time"
)

// Entity is a record held in a local cache.
type Entity interface {
	EntityID() string
	Author() string
	Created() time.Time
}

// ============================================================================
// Liker sets
// ============================================================================

// LikerSet is the set of user ids that liked a record. Values are kept sorted
// and unique; methods never modify the receiver.
type LikerSet []string

func NewLikerSet(ids ...string) LikerSet {
	out := make(LikerSet, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		out = out.With(id)
	}
	return out
}

func (s LikerSet) Has(id string) bool {
	i := sort.SearchStrings(s, id)
	return i < len(s) && s[i] == id
}

func (s LikerSet) With(id string) LikerSet {
	i := sort.SearchStrings(s, id)
	if i < len(s) && s[i] == id {
		return s
	}
	out := make(LikerSet, 0, len(s)+1)
	out = append(out, s[:i]...)
	out = append(out, id)
	return append(out, s[i:]...)
}

func (s LikerSet) Without(id string) LikerSet {
	i := sort.SearchStrings(s, id)
	if i >= len(s) || s[i] != id {
		return s
	}
	out := make(LikerSet, 0, len(s)-1)
	out = append(out, s[:i]...)
	return append(out, s[i+1:]...)
}

// Toggle flips membership of id and reports whether id is a member afterwards.
func (s LikerSet) Toggle(id string) (LikerSet, bool) {
	if s.Has(id) {
		return s.Without(id), false
	}
	return s.With(id), true
}

func (s LikerSet) Len() int { return len(s) }

// ============================================================================
// Messages & conversations
// ============================================================================

// Message is a chat entry in a direct conversation or a channel.
type Message struct {
	ID             string
	ConversationID string
	AuthorID       string
	AuthorName     string
	Body           string
	CreatedAt      time.Time
	Read           bool
	Likers         LikerSet
}

func (m Message) EntityID() string   { return m.ID }
func (m Message) Author() string     { return m.AuthorID }
func (m Message) Created() time.Time { return m.CreatedAt }

const (
	fieldText    = "text"
	fieldUser    = "user"
	fieldRead    = "read"
	fieldLikes   = "likes"
	fieldLikedBy = "likedBy"
	fieldUserID  = "userId"

	FieldCommentCount = "commentCount"
	FieldAnswerCount  = "answerCount"
)

func decodeMessage(conversationID string, d Document) Message {
	user := mapOf(d.Fields[fieldUser])
	return Message{
		ID:             d.ID,
		ConversationID: conversationID,
		AuthorID:       strOr(user, "_id", strOr(d.Fields, fieldUserID, "")),
		AuthorName:     strOr(user, "name", ""),
		Body:           strOr(d.Fields, fieldText, ""),
		CreatedAt:      timeOr(d.Fields, FieldCreatedAt),
		Read:           boolOr(d.Fields, fieldRead, false),
		Likers:         NewLikerSet(stringsOf(d.Fields[fieldLikes])...),
	}
}

func (m Message) fields() Fields {
	return Fields{
		fieldText:      m.Body,
		fieldUser:      map[string]any{"_id": m.AuthorID, "name": m.AuthorName},
		fieldRead:      m.Read,
		fieldLikes:     []string(NewLikerSet(m.Likers...)),
		FieldCreatedAt: m.CreatedAt,
	}
}

// ConversationKind tells direct conversations and channels apart.
type ConversationKind string

const (
	KindDirect  ConversationKind = "direct"
	KindChannel ConversationKind = "channel"
)

// Conversation is either a direct conversation between two users or a
// one-to-many channel only its admin posts to.
type Conversation struct {
	ID           string
	Kind         ConversationKind
	Name         string
	Participants []string
	AdminID      string
	Members      []string
}

// CanPost reports whether userID may author messages here.
func (c Conversation) CanPost(userID string) bool {
	if userID == "" {
		return false
	}
	if c.Kind == KindChannel {
		return c.AdminID == userID
	}
	for _, p := range c.Participants {
		if p == userID {
			return true
		}
	}
	return false
}

// Collection returns the messages collection of the conversation.
func (c Conversation) Collection() string {
	if c.Kind == KindChannel {
		return ChannelMessages(c.ID)
	}
	return ChatMessages(c.ID)
}

func decodeConversation(kind ConversationKind, d Document) Conversation {
	c := Conversation{
		ID:   d.ID,
		Kind: kind,
		Name: strOr(d.Fields, "name", ""),
	}
	if kind == KindChannel {
		c.AdminID = strOr(d.Fields, "admin", strOr(d.Fields, "adminId", ""))
		c.Members = stringsOf(d.Fields["members"])
		return c
	}
	c.Participants = stringsOf(d.Fields["participants"])
	if len(c.Participants) == 0 {
		c.Participants = stringsOf(d.Fields["users"])
	}
	return c
}

// ============================================================================
// Feed
// ============================================================================

// Post is a feed entry.
type Post struct {
	ID           string
	AuthorID     string
	Text         string
	Image        string
	Avatar       string
	CreatedAt    time.Time
	Likers       LikerSet
	CommentCount int64
}

func (p Post) EntityID() string   { return p.ID }
func (p Post) Author() string     { return p.AuthorID }
func (p Post) Created() time.Time { return p.CreatedAt }

func decodePost(d Document) Post {
	return Post{
		ID: d.ID,
		// older posts store the author uid under "name"
		AuthorID:     strOr(d.Fields, fieldUserID, strOr(d.Fields, "name", "")),
		Text:         strOr(d.Fields, fieldText, ""),
		Image:        strOr(d.Fields, "image", ""),
		Avatar:       strOr(d.Fields, "avatar", ""),
		CreatedAt:    timeOr(d.Fields, FieldCreatedAt, "timestamp"),
		Likers:       NewLikerSet(stringsOf(d.Fields[fieldLikedBy])...),
		CommentCount: countOr(d.Fields, FieldCommentCount),
	}
}

func (p Post) fields() Fields {
	return Fields{
		fieldUserID:       p.AuthorID,
		fieldText:         p.Text,
		"image":           p.Image,
		"avatar":          p.Avatar,
		fieldLikedBy:      []string(NewLikerSet(p.Likers...)),
		FieldCommentCount: p.CommentCount,
		FieldCreatedAt:    p.CreatedAt,
	}
}

// Comment is a reply to a post.
type Comment struct {
	ID          string
	PostID      string
	AuthorID    string
	Text        string
	CreatedAt   time.Time
	Likers      LikerSet
	AnswerCount int64
}

func (c Comment) EntityID() string   { return c.ID }
func (c Comment) Author() string     { return c.AuthorID }
func (c Comment) Created() time.Time { return c.CreatedAt }

func decodeComment(postID string, d Document) Comment {
	return Comment{
		ID:          d.ID,
		PostID:      postID,
		AuthorID:    strOr(d.Fields, fieldUserID, ""),
		Text:        strOr(d.Fields, fieldText, ""),
		CreatedAt:   timeOr(d.Fields, FieldCreatedAt, "timestamp"),
		Likers:      NewLikerSet(stringsOf(d.Fields[fieldLikedBy])...),
		AnswerCount: countOr(d.Fields, FieldAnswerCount),
	}
}

func (c Comment) fields() Fields {
	return Fields{
		fieldUserID:      c.AuthorID,
		fieldText:        c.Text,
		fieldLikedBy:     []string(NewLikerSet(c.Likers...)),
		FieldAnswerCount: c.AnswerCount,
		FieldCreatedAt:   c.CreatedAt,
	}
}

// Answer is a reply to a comment.
type Answer struct {
	ID        string
	PostID    string
	CommentID string
	AuthorID  string
	Text      string
	CreatedAt time.Time
	Likers    LikerSet
}

func (a Answer) EntityID() string   { return a.ID }
func (a Answer) Author() string     { return a.AuthorID }
func (a Answer) Created() time.Time { return a.CreatedAt }

func decodeAnswer(postID, commentID string, d Document) Answer {
	return Answer{
		ID:        d.ID,
		PostID:    postID,
		CommentID: commentID,
		AuthorID:  strOr(d.Fields, fieldUserID, ""),
		Text:      strOr(d.Fields, fieldText, ""),
		CreatedAt: timeOr(d.Fields, FieldCreatedAt, "timestamp"),
		Likers:    NewLikerSet(stringsOf(d.Fields[fieldLikedBy])...),
	}
}

func (a Answer) fields() Fields {
	return Fields{
		fieldUserID:    a.AuthorID,
		fieldText:      a.Text,
		fieldLikedBy:   []string(NewLikerSet(a.Likers...)),
		FieldCreatedAt: a.CreatedAt,
	}
}

// ============================================================================
// Decoding helpers
// ============================================================================

func strOr(m map[string]any, key, fallback string) string {
	if v, ok := m[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

func boolOr(m map[string]any, key string, fallback bool) bool {
	if v, ok := m[key].(bool); ok {
		return v
	}
	return fallback
}

// countOr reads a counter field, clamping negative values to zero.
func countOr(m map[string]any, key string) int64 {
	n := int64Of(m[key])
	if n < 0 {
		return 0
	}
	return n
}

func int64Of(v any) int64 {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int32:
		return int64(n)
	case int64:
		return n
	case float64:
		return int64(n)
	case json.Number:
		i, _ := n.Int64()
		return i
	case string:
		i, _ := strconv.ParseInt(n, 10, 64)
		return i
	}
	return 0
}

// timeOr returns the first key holding a usable timestamp. Strings are parsed
// as RFC 3339 and numbers as epoch milliseconds.
func timeOr(m map[string]any, keys ...string) time.Time {
	for _, key := range keys {
		switch v := m[key].(type) {
		case time.Time:
			return v
		case string:
			if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
				return t
			}
		case float64:
			return time.UnixMilli(int64(v))
		case int64:
			return time.UnixMilli(v)
		}
	}
	return time.Time{}
}

func stringsOf(v any) []string {
	switch s := v.(type) {
	case []string:
		return append([]string(nil), s...)
	case LikerSet:
		return append([]string(nil), s...)
	case []any:
		out := make([]string, 0, len(s))
		for _, e := range s {
			if str, ok := e.(string); ok {
				out = append(out, str)
			}
		}
		return out
	}
	return nil
}

func mapOf(v any) map[string]any {
	if m, ok := v.(map[string]any); ok {
		return m
	}
	if f, ok := v.(Fields); ok {
		return f
	}
	return nil
}
