package donneur

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ── message adapter ──

type messageAdapter struct {
	conversationID string
}

func (messageAdapter) Kind() string { return "message" }

func (a messageAdapter) Decode(d Document) Message {
	return decodeMessage(a.conversationID, d)
}

func (messageAdapter) Encode(m Message) Fields { return m.fields() }

func (messageAdapter) WithID(m Message, id string) Message {
	m.ID = id
	return m
}

// Merge syncs the read flag and likes. Read never goes back to false.
func (messageAdapter) Merge(local Message, d Document) Message {
	if d.Has(fieldRead) {
		local.Read = local.Read || boolOr(d.Fields, fieldRead, false)
	}
	if d.Has(fieldLikes) {
		local.Likers = NewLikerSet(stringsOf(d.Fields[fieldLikes])...)
	}
	return local
}

func (messageAdapter) SameContent(local, remote Message) bool {
	return local.Body == remote.Body
}

func (messageAdapter) LikersField() string        { return fieldLikes }
func (messageAdapter) Likers(m Message) LikerSet { return m.Likers }
func (messageAdapter) WithLikers(m Message, s LikerSet) Message {
	m.Likers = s
	return m
}

// ============================================================================
// ChatRoom
// ============================================================================

// ChatRoom is an open direct conversation or channel.
type ChatRoom struct {
	*screen[Message]
	kind         ConversationKind
	id           string
	conversation Conversation
	readWorkers  int
}

// NewDirectChat prepares the direct conversation with the given id.
func NewDirectChat(s *Session, store Store, conversationID string, opts ...Option) *ChatRoom {
	return newChatRoom(s, store, KindDirect, conversationID, opts)
}

// NewChannel prepares a channel. Only its admin can send.
func NewChannel(s *Session, store Store, channelID string, opts ...Option) *ChatRoom {
	return newChatRoom(s, store, KindChannel, channelID, opts)
}

func newChatRoom(s *Session, store Store, kind ConversationKind, id string, opts []Option) *ChatRoom {
	conv := Conversation{ID: id, Kind: kind}
	room := &ChatRoom{
		screen:       newScreen[Message](s, store, conv.Collection(), messageAdapter{conversationID: id}, true, opts),
		kind:         kind,
		id:           id,
		conversation: conv,
		readWorkers:  4,
	}
	room.afterApply = room.markRead
	return room
}

// Open loads the conversation and its messages and starts listening.
func (r *ChatRoom) Open(ctx context.Context) error {
	parent := ChatCollection
	if r.kind == KindChannel {
		parent = ChannelsCollection
	}
	doc, err := r.store.Get(ctx, Ref(parent, r.id))
	if err != nil {
		return fmt.Errorf("open %s %s: %w", r.kind, r.id, err)
	}
	r.conversation = decodeConversation(r.kind, *doc)
	if r.kind == KindDirect && len(r.conversation.Participants) != 2 {
		r.logger.Warn("direct_conversation_malformed",
			zap.String("id", r.id),
			zap.Int("participants", len(r.conversation.Participants)))
	}
	if err := r.open(ctx, r); err != nil {
		return err
	}
	r.markRead(ChangeBatch{Changes: changesOf(r.cache.Snapshot())})
	return nil
}

func (r *ChatRoom) Conversation() Conversation { return r.conversation }

// Messages returns the messages, newest first.
func (r *ChatRoom) Messages() []Message { return r.cache.Snapshot() }

// OnChange registers fn to receive the messages after every change.
func (r *ChatRoom) OnChange(fn func([]Message)) { r.cache.OnChange(fn) }

// Send shows the message at once and writes it.
func (r *ChatRoom) Send(ctx context.Context, body string) (Message, error) {
	staged, err := r.stage(body)
	if err != nil {
		return Message{}, err
	}
	return r.mutator.Commit(ctx, staged)
}

// SendAsync shows the message at once and writes it in the background. The
// returned channel yields the write result exactly once.
func (r *ChatRoom) SendAsync(ctx context.Context, body string) (Message, <-chan error) {
	done := make(chan error, 1)
	staged, err := r.stage(body)
	if err != nil {
		done <- err
		return Message{}, done
	}
	go func() {
		_, err := r.mutator.Commit(ctx, staged)
		if err != nil && r.cfg.onError != nil {
			r.cfg.onError(err)
		}
		done <- err
	}()
	return staged, done
}

func (r *ChatRoom) stage(body string) (Message, error) {
	if err := r.checkOpen(); err != nil {
		return Message{}, err
	}
	body = strings.TrimSpace(body)
	if body == "" {
		return Message{}, ErrEmptyContent
	}
	user := r.session.User()
	if !r.conversation.CanPost(user.ID) {
		if r.kind == KindChannel {
			return Message{}, ErrNotChannelAdmin
		}
		return Message{}, ErrNotOwner
	}
	return r.mutator.Stage(Message{
		ConversationID: r.id,
		AuthorID:       user.ID,
		AuthorName:     user.DisplayName,
		Body:           body,
		CreatedAt:      time.Now(),
		// the admin has read their own announcement
		Read: r.kind == KindChannel,
	}), nil
}

// ToggleLike flips the signed-in user's like on a message.
func (r *ChatRoom) ToggleLike(ctx context.Context, id string) (bool, error) {
	if err := r.checkOpen(); err != nil {
		return false, err
	}
	return r.mutator.ToggleLike(ctx, id, r.session.UserID())
}

// Refresh reloads the messages.
func (r *ChatRoom) Refresh(ctx context.Context) error {
	if err := r.checkOpen(); err != nil {
		return err
	}
	return r.refresh(ctx)
}

// Close stops listening. Writes still in flight finish without touching the
// room.
func (r *ChatRoom) Close() { r.close() }

// markRead flags unread messages written by others as read in the store.
// The writes run in the background.
func (r *ChatRoom) markRead(b ChangeBatch) {
	if r.kind != KindDirect {
		return
	}
	self := r.session.UserID()
	var unread []string
	for _, ch := range b.Changes {
		if ch.Kind == ChangeRemoved || IsTempID(ch.Doc.ID) {
			continue
		}
		m := decodeMessage(r.id, ch.Doc)
		if !m.Read && m.AuthorID != self {
			unread = append(unread, m.ID)
		}
	}
	if len(unread) == 0 || r.isClosed() {
		return
	}
	// deliveries must not wait on store round trips
	go r.writeRead(unread)
}

func (r *ChatRoom) writeRead(unread []string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(r.readWorkers)
	for _, id := range unread {
		id := id
		g.Go(func() error {
			if r.isClosed() {
				return nil
			}
			return r.store.Update(ctx, Ref(r.collection, id), Set(fieldRead, true))
		})
	}
	if err := g.Wait(); err != nil {
		r.logger.Warn("mark_read_failed", zap.Int("messages", len(unread)), zap.Error(err))
	}
}

func changesOf(msgs []Message) []Change {
	out := make([]Change, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, Change{Kind: ChangeAdded, Doc: Document{ID: m.ID, Fields: m.fields()}})
	}
	return out
}
