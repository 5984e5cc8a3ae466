package donneur

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
)

// changeServer is a minimal realtime backend. Every subscribe is answered
// with one change batch; subscribing to "broken" yields a collection error.
type changeServer struct {
	t          *testing.T
	conns      atomic.Int32
	dropFirst  bool
	mu         sync.Mutex
	subscribed []string
	lastToken  string
}

func (s *changeServer) start() *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(s.serve))
	s.t.Cleanup(srv.Close)
	return srv
}

func (s *changeServer) serve(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	n := s.conns.Add(1)

	s.mu.Lock()
	s.lastToken = r.URL.Query().Get("token")
	s.mu.Unlock()

	ctx := r.Context()
	write := func(typ string, payload any) error {
		raw, _ := json.Marshal(payload)
		data, _ := json.Marshal(RealtimeEnvelope{Type: typ, Payload: raw})
		return conn.Write(ctx, websocket.MessageText, data)
	}
	if write("authenticated", AuthenticatedPayload{UserID: "u1"}) != nil {
		return
	}

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var cmd struct {
			Type    string          `json:"type"`
			Payload json.RawMessage `json:"payload"`
		}
		if json.Unmarshal(data, &cmd) != nil {
			continue
		}
		switch cmd.Type {
		case "ping":
			var p PongPayload
			_ = json.Unmarshal(cmd.Payload, &p)
			_ = write("pong", p)
		case "subscribe":
			var p collectionPayload
			_ = json.Unmarshal(cmd.Payload, &p)
			s.mu.Lock()
			s.subscribed = append(s.subscribed, p.Collection)
			s.mu.Unlock()
			if p.Collection == "broken" {
				_ = write("error", RealtimeErrorPayload{Message: "forbidden", Collection: p.Collection})
				continue
			}
			_ = write("change", ChangeBatch{
				Collection: p.Collection,
				Changes: []Change{{Kind: ChangeAdded, Doc: Document{
					ID:     "m" + string(rune('0'+n)),
					Fields: Fields{"text": "hello"},
				}}},
			})
			if s.dropFirst && n == 1 {
				conn.Close(websocket.StatusGoingAway, "restart")
				return
			}
		}
	}
}

func (s *changeServer) subscriptions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.subscribed...)
}

func TestRealtimeSubscribe(t *testing.T) {
	ctx := context.Background()
	cs := &changeServer{t: t}
	srv := cs.start()

	ws := NewRealtimeClient(srv.URL, RealtimeConfig{Token: "tok"})
	defer ws.Disconnect()

	batches := make(chan ChangeBatch, 4)
	unsub, err := ws.Subscribe(ctx, "chat/c1/messages", ChangeHandler{
		OnChanges: func(b ChangeBatch) { batches <- b },
	})
	require.NoError(t, err)
	assert.Equal(t, StateConnected, ws.State())

	select {
	case b := <-batches:
		assert.Equal(t, "chat/c1/messages", b.Collection)
		require.Len(t, b.Changes, 1)
		assert.Equal(t, "m1", b.Changes[0].Doc.ID)
		assert.Equal(t, "hello", b.Changes[0].Doc.Fields["text"])
	case <-time.After(2 * time.Second):
		t.Fatal("no change delivered")
	}

	cs.mu.Lock()
	assert.Equal(t, "tok", cs.lastToken)
	cs.mu.Unlock()

	pong, err := ws.Ping(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ping-1", pong.RequestID)

	unsub()
	unsub()
	require.NoError(t, ws.Disconnect())
	assert.Equal(t, StateDisconnected, ws.State())
}

func TestRealtimeCollectionError(t *testing.T) {
	cs := &changeServer{t: t}
	srv := cs.start()

	ws := NewRealtimeClient(srv.URL, RealtimeConfig{})
	defer ws.Disconnect()

	errs := make(chan error, 1)
	_, err := ws.Subscribe(context.Background(), "broken", ChangeHandler{
		OnChanges: func(ChangeBatch) {},
		OnError:   func(err error) { errs <- err },
	})
	require.NoError(t, err)

	select {
	case err := <-errs:
		assert.Contains(t, err.Error(), "forbidden")
	case <-time.After(2 * time.Second):
		t.Fatal("collection error not reported")
	}
	assert.Equal(t, StateConnected, ws.State(), "a collection error leaves the connection up")
}

func TestRealtimeResubscribesAfterReconnect(t *testing.T) {
	cs := &changeServer{t: t, dropFirst: true}
	srv := cs.start()

	ws := NewRealtimeClient(srv.URL, RealtimeConfig{AutoReconnect: true, Retry: fastRetry})
	defer ws.Disconnect()

	var mu sync.Mutex
	var seen []string
	_, err := ws.Subscribe(context.Background(), "posts", ChangeHandler{
		OnChanges: func(b ChangeBatch) {
			mu.Lock()
			defer mu.Unlock()
			for _, c := range b.Changes {
				seen = append(seen, c.Doc.ID)
			}
		},
	})
	require.NoError(t, err)

	eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 2
	}, "change from the second connection")
	mu.Lock()
	assert.Equal(t, []string{"m1", "m2"}, seen)
	mu.Unlock()
	assert.Equal(t, []string{"posts", "posts"}, cs.subscriptions())
	assert.Equal(t, int32(2), cs.conns.Load())
}

func TestRealtimeConnectFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	ws := NewRealtimeClient(srv.URL, RealtimeConfig{})
	_, err := ws.Subscribe(context.Background(), "posts", ChangeHandler{})
	require.Error(t, err)
	assert.Equal(t, StateDisconnected, ws.State())
}
