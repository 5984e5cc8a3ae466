package donneur

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// ============================================================================
// Wire format
// ============================================================================

// RealtimeEnvelope is the wire format for every server event.
//
// Server events: "authenticated" (first frame), "change" (a ChangeBatch),
// "pong" and "error". Client commands: "subscribe" and "unsubscribe" with
// {"collection": ...}, and "ping".
type RealtimeEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// RealtimeCommand is a client-to-server command.
type RealtimeCommand struct {
	Type      string `json:"type"`
	Payload   any    `json:"payload"`
	RequestID string `json:"requestId,omitempty"`
}

type AuthenticatedPayload struct {
	UserID string `json:"userId"`
}

type PongPayload struct {
	RequestID string `json:"requestId"`
}

// RealtimeErrorPayload reports a server side failure. With Collection set
// only that subscription is affected.
type RealtimeErrorPayload struct {
	Message    string `json:"message"`
	Collection string `json:"collection,omitempty"`
}

type collectionPayload struct {
	Collection string `json:"collection"`
}

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures a RealtimeClient.
type RealtimeConfig struct {
	Token             string
	AutoReconnect     bool
	Retry             RetryPolicy
	HeartbeatInterval time.Duration
	HTTPClient        *http.Client
	Logger            *zap.Logger
}

func (c *RealtimeConfig) defaults() {
	c.Retry = c.Retry.withDefaults()
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// RealtimeState represents the connection state.
type RealtimeState string

const (
	StateDisconnected RealtimeState = "disconnected"
	StateConnecting   RealtimeState = "connecting"
	StateConnected    RealtimeState = "connected"
	StateReconnecting RealtimeState = "reconnecting"
)

// ============================================================================
// RealtimeClient
// ============================================================================

// RealtimeClient is a change feed over a WebSocket. It implements Subscriber,
// multiplexing every collection subscription over one connection, and
// resubscribes after a reconnect.
type RealtimeClient struct {
	baseURL string
	config  RealtimeConfig
	logger  *zap.Logger
	recon   *reconnector

	mu               sync.Mutex
	conn             *websocket.Conn
	state            RealtimeState
	intentionalClose bool
	cancelFn         context.CancelFunc
	handlers         map[string]map[int]ChangeHandler
	nextHandler      int
	pingCounter      int

	pendingMu    sync.Mutex
	pendingPings map[string]chan PongPayload
}

func NewRealtimeClient(baseURL string, config RealtimeConfig) *RealtimeClient {
	config.defaults()
	return &RealtimeClient{
		baseURL:      strings.TrimRight(baseURL, "/"),
		config:       config,
		logger:       config.Logger,
		recon:        newReconnector(config.Retry),
		state:        StateDisconnected,
		handlers:     make(map[string]map[int]ChangeHandler),
		pendingPings: make(map[string]chan PongPayload),
	}
}

func (ws *RealtimeClient) State() RealtimeState {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.state
}

// Connect dials and waits for the "authenticated" frame. The connection
// outlives ctx; use Disconnect to end it.
func (ws *RealtimeClient) Connect(ctx context.Context) error {
	ws.mu.Lock()
	if ws.state == StateConnected || ws.state == StateConnecting {
		ws.mu.Unlock()
		return nil
	}
	ws.state = StateConnecting
	ws.intentionalClose = false
	ws.mu.Unlock()

	wsURL := strings.Replace(ws.baseURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL += "/ws?token=" + ws.config.Token

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{HTTPClient: ws.config.HTTPClient})
	if err != nil {
		ws.setState(StateDisconnected)
		return fmt.Errorf("websocket dial: %w", err)
	}

	_, data, err := conn.Read(ctx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		ws.setState(StateDisconnected)
		return fmt.Errorf("read auth message: %w", err)
	}
	var env RealtimeEnvelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type != "authenticated" {
		conn.Close(websocket.StatusNormalClosure, "")
		ws.setState(StateDisconnected)
		return fmt.Errorf("expected 'authenticated', got '%s'", env.Type)
	}

	connCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	ws.mu.Lock()
	ws.conn = conn
	ws.state = StateConnected
	ws.cancelFn = cancel
	collections := make([]string, 0, len(ws.handlers))
	for c := range ws.handlers {
		collections = append(collections, c)
	}
	ws.mu.Unlock()
	ws.recon.markConnected()
	ws.logger.Info("realtime_connected", zap.String("url", ws.baseURL))

	go ws.readLoop(connCtx, conn)
	go ws.heartbeatLoop(connCtx)

	for _, c := range collections {
		if err := ws.Send(ctx, &RealtimeCommand{Type: "subscribe", Payload: collectionPayload{Collection: c}}); err != nil {
			ws.logger.Warn("realtime_resubscribe_failed", zap.String("collection", c), zap.Error(err))
		}
	}
	return nil
}

// Disconnect closes the connection. Subscriptions stay registered and are
// restored by the next Connect.
func (ws *RealtimeClient) Disconnect() error {
	ws.mu.Lock()
	ws.intentionalClose = true
	if ws.cancelFn != nil {
		ws.cancelFn()
		ws.cancelFn = nil
	}
	conn := ws.conn
	ws.conn = nil
	ws.state = StateDisconnected
	ws.mu.Unlock()

	ws.recon.reset()
	ws.clearPendingPings()
	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}

// Subscribe implements Subscriber. It connects on first use.
func (ws *RealtimeClient) Subscribe(ctx context.Context, collection string, h ChangeHandler) (Unsubscribe, error) {
	if err := ws.Connect(ctx); err != nil {
		return nil, err
	}

	ws.mu.Lock()
	ws.nextHandler++
	id := ws.nextHandler
	first := len(ws.handlers[collection]) == 0
	if first {
		ws.handlers[collection] = make(map[int]ChangeHandler)
	}
	ws.handlers[collection][id] = h
	ws.mu.Unlock()

	if first {
		err := ws.Send(ctx, &RealtimeCommand{Type: "subscribe", Payload: collectionPayload{Collection: collection}})
		if err != nil {
			ws.removeHandler(collection, id)
			return nil, fmt.Errorf("subscribe %s: %w", collection, err)
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			if ws.removeHandler(collection, id) {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = ws.Send(ctx, &RealtimeCommand{Type: "unsubscribe", Payload: collectionPayload{Collection: collection}})
			}
		})
	}, nil
}

// removeHandler reports whether it removed the last handler of collection.
func (ws *RealtimeClient) removeHandler(collection string, id int) bool {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	hs, ok := ws.handlers[collection]
	if !ok {
		return false
	}
	if _, ok := hs[id]; !ok {
		return false
	}
	delete(hs, id)
	if len(hs) == 0 {
		delete(ws.handlers, collection)
		return true
	}
	return false
}

// Send sends a raw command over the WebSocket.
func (ws *RealtimeClient) Send(ctx context.Context, cmd *RealtimeCommand) error {
	ws.mu.Lock()
	conn := ws.conn
	ws.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("not connected")
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// Ping sends a ping and waits for the pong.
func (ws *RealtimeClient) Ping(ctx context.Context) (*PongPayload, error) {
	ws.mu.Lock()
	ws.pingCounter++
	requestID := fmt.Sprintf("ping-%d", ws.pingCounter)
	ws.mu.Unlock()

	ch := make(chan PongPayload, 1)
	ws.pendingMu.Lock()
	ws.pendingPings[requestID] = ch
	ws.pendingMu.Unlock()

	forget := func() {
		ws.pendingMu.Lock()
		delete(ws.pendingPings, requestID)
		ws.pendingMu.Unlock()
	}

	err := ws.Send(ctx, &RealtimeCommand{
		Type:    "ping",
		Payload: PongPayload{RequestID: requestID},
	})
	if err != nil {
		forget()
		return nil, err
	}

	select {
	case pong, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("disconnected")
		}
		return &pong, nil
	case <-time.After(10 * time.Second):
		forget()
		return nil, fmt.Errorf("ping timeout")
	case <-ctx.Done():
		forget()
		return nil, ctx.Err()
	}
}

func (ws *RealtimeClient) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			ws.mu.Lock()
			intentional := ws.intentionalClose
			if !intentional && ws.conn == conn {
				ws.state = StateDisconnected
				ws.conn = nil
				if ws.cancelFn != nil {
					ws.cancelFn()
					ws.cancelFn = nil
				}
			}
			ws.mu.Unlock()
			if intentional {
				return
			}

			ws.logger.Warn("realtime_disconnected", zap.Error(err))
			ws.clearPendingPings()
			if ws.config.AutoReconnect && ws.recon.shouldReconnect() {
				ws.scheduleReconnect()
				return
			}
			ws.failAll(fmt.Errorf("realtime connection lost: %w", err))
			return
		}

		var env RealtimeEnvelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}
		ws.dispatch(env)
	}
}

func (ws *RealtimeClient) dispatch(env RealtimeEnvelope) {
	switch env.Type {
	case "change":
		var b ChangeBatch
		if err := json.Unmarshal(env.Payload, &b); err != nil {
			ws.logger.Warn("realtime_bad_change", zap.Error(err))
			return
		}
		for _, h := range ws.handlersOf(b.Collection) {
			if h.OnChanges != nil {
				h.OnChanges(b)
			}
		}
	case "pong":
		var p PongPayload
		if json.Unmarshal(env.Payload, &p) == nil && p.RequestID != "" {
			ws.pendingMu.Lock()
			ch, ok := ws.pendingPings[p.RequestID]
			if ok {
				delete(ws.pendingPings, p.RequestID)
			}
			ws.pendingMu.Unlock()
			if ok {
				ch <- p
			}
		}
	case "error":
		var p RealtimeErrorPayload
		if json.Unmarshal(env.Payload, &p) != nil {
			return
		}
		ws.logger.Warn("realtime_server_error", zap.String("collection", p.Collection), zap.String("message", p.Message))
		if p.Collection == "" {
			return
		}
		ws.mu.Lock()
		hs := ws.handlers[p.Collection]
		delete(ws.handlers, p.Collection)
		ws.mu.Unlock()
		for _, h := range hs {
			if h.OnError != nil {
				h.OnError(fmt.Errorf("subscription to %s: %s", p.Collection, p.Message))
			}
		}
	}
}

func (ws *RealtimeClient) handlersOf(collection string) []ChangeHandler {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	out := make([]ChangeHandler, 0, len(ws.handlers[collection]))
	for _, h := range ws.handlers[collection] {
		out = append(out, h)
	}
	return out
}

// failAll ends every subscription once the connection is gone for good.
func (ws *RealtimeClient) failAll(err error) {
	ws.mu.Lock()
	all := ws.handlers
	ws.handlers = make(map[string]map[int]ChangeHandler)
	ws.mu.Unlock()
	for _, hs := range all {
		for _, h := range hs {
			if h.OnError != nil {
				h.OnError(err)
			}
		}
	}
}

func (ws *RealtimeClient) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(ws.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ws.State() != StateConnected {
				return
			}
			if _, err := ws.Ping(ctx); err != nil {
				ws.mu.Lock()
				conn := ws.conn
				ws.mu.Unlock()
				if conn != nil {
					conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				}
				return
			}
		}
	}
}

func (ws *RealtimeClient) scheduleReconnect() {
	for {
		delay, attempt := ws.recon.nextDelay()
		ws.setState(StateReconnecting)
		ws.logger.Info("realtime_reconnecting", zap.Int("attempt", attempt), zap.Duration("delay", delay))

		time.Sleep(delay)

		ws.mu.Lock()
		stop := ws.intentionalClose
		if !stop {
			ws.state = StateDisconnected
		}
		ws.mu.Unlock()
		if stop {
			return
		}
		err := ws.Connect(context.Background())
		if err == nil {
			return
		}
		if !ws.recon.shouldReconnect() {
			ws.failAll(fmt.Errorf("realtime reconnect gave up: %w", err))
			return
		}
	}
}

func (ws *RealtimeClient) setState(s RealtimeState) {
	ws.mu.Lock()
	ws.state = s
	ws.mu.Unlock()
}

func (ws *RealtimeClient) clearPendingPings() {
	ws.pendingMu.Lock()
	for k, ch := range ws.pendingPings {
		close(ch)
		delete(ws.pendingPings, k)
	}
	ws.pendingMu.Unlock()
}
