package spareplate

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// ============================================================================
// Wire Format
// ============================================================================

// RealtimeEnvelope is the wire format for all realtime events.
type RealtimeEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// RealtimeCommand is a client-to-server command.
type RealtimeCommand struct {
	Type      string      `json:"type"`
	Payload   interface{} `json:"payload"`
	RequestID string      `json:"requestId,omitempty"`
}

// AckPayload is the server's acknowledgement of a command.
type AckPayload struct {
	RequestID string `json:"requestId"`
	OK        bool   `json:"ok"`
	Error     string `json:"error,omitempty"`
}

// Client-to-server command types.
const (
	cmdJoinUser          = "join_user"
	cmdJoinConversation  = "join_conversation"
	cmdLeaveConversation = "leave_conversation"
)

// Server-to-client event types.
const (
	evtNewMessage          = "new_message"
	evtConversationStarted = "conversation_started"
	evtAck                 = "ack"
)

// ============================================================================
// Configuration
// ============================================================================

// RealtimeState represents the connection state.
type RealtimeState string

const (
	StateDisconnected RealtimeState = "disconnected"
	StateConnecting   RealtimeState = "connecting"
	StateConnected    RealtimeState = "connected"
	StateReconnecting RealtimeState = "reconnecting"
)

// RealtimeOptions configures the realtime client. Reconnects are
// unbounded with a fixed delay; a dropped connection is recovered
// automatically and never surfaced as fatal.
type RealtimeOptions struct {
	ReconnectDelay time.Duration
	DialTimeout    time.Duration
	WriteTimeout   time.Duration
	HTTPClient     *http.Client
	Logger         *zap.Logger
}

func (o *RealtimeOptions) defaults() {
	if o.ReconnectDelay == 0 {
		o.ReconnectDelay = time.Second
	}
	if o.DialTimeout == 0 {
		o.DialTimeout = 10 * time.Second
	}
	if o.WriteTimeout == 0 {
		o.WriteTimeout = 5 * time.Second
	}
	if o.HTTPClient == nil {
		o.HTTPClient = http.DefaultClient
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

// ============================================================================
// RealtimeClient
// ============================================================================

// RealtimeClient owns the single persistent connection for the signed-in
// identity. It keeps the per-user and per-conversation room memberships
// and re-announces all of them on every successful (re)connection, so a
// drop is transparent to subsystems that joined rooms before it.
//
// Construct one per app instance and inject it where needed; lifecycle is
// explicit (Connect at sign-in, Disconnect at sign-out).
type RealtimeClient struct {
	baseURL  string
	opts     *RealtimeOptions
	registry *Registry
	log      *zap.Logger

	mu               sync.Mutex
	conn             *websocket.Conn
	state            RealtimeState
	intentionalClose bool
	reconnecting     bool
	userID           string
	rooms            map[ID]struct{}
	cancelFn         context.CancelFunc

	onConnect    []func()
	onDisconnect []func(reason string)
}

// NewRealtimeClient creates a realtime client. opts may be nil.
func NewRealtimeClient(baseURL string, registry *Registry, opts *RealtimeOptions) *RealtimeClient {
	if opts == nil {
		opts = &RealtimeOptions{}
	}
	opts.defaults()
	return &RealtimeClient{
		baseURL:  strings.TrimRight(baseURL, "/"),
		opts:     opts,
		registry: registry,
		log:      opts.Logger,
		state:    StateDisconnected,
		rooms:    make(map[ID]struct{}),
	}
}

// State returns the current connection state.
func (rc *RealtimeClient) State() RealtimeState {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.state
}

// Rooms returns the retained conversation-room memberships.
func (rc *RealtimeClient) Rooms() []ID {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	out := make([]ID, 0, len(rc.rooms))
	for id := range rc.rooms {
		out = append(out, id)
	}
	return out
}

// OnConnect registers a hook run after every successful (re)connection.
// Used by the UI's offline indicator.
func (rc *RealtimeClient) OnConnect(h func()) {
	rc.mu.Lock()
	rc.onConnect = append(rc.onConnect, h)
	rc.mu.Unlock()
}

// OnDisconnect registers a hook run when the connection drops.
func (rc *RealtimeClient) OnDisconnect(h func(reason string)) {
	rc.mu.Lock()
	rc.onDisconnect = append(rc.onDisconnect, h)
	rc.mu.Unlock()
}

// Connect establishes the connection for userID. Idempotent: when already
// connected it only re-announces the user's room membership. A failed dial
// is returned for logging but reconnection is already scheduled; callers
// need not retry themselves.
func (rc *RealtimeClient) Connect(ctx context.Context, userID string) error {
	rc.mu.Lock()
	rc.intentionalClose = false
	rc.userID = userID
	switch rc.state {
	case StateConnected:
		conn := rc.conn
		rc.mu.Unlock()
		rc.sendCommand(conn, cmdJoinUser, map[string]string{"userId": userID})
		return nil
	case StateConnecting, StateReconnecting:
		rc.mu.Unlock()
		return nil
	}
	rc.state = StateConnecting
	rc.mu.Unlock()

	if err := rc.dial(ctx); err != nil {
		rc.log.Warn("realtime connect failed", zap.Error(err))
		go rc.reconnectLoop()
		return fmt.Errorf("realtime connect: %w", err)
	}
	return nil
}

// Disconnect tears down the transport and clears the retained identity
// and room state. Safe to call when no connection exists.
func (rc *RealtimeClient) Disconnect() {
	rc.mu.Lock()
	rc.intentionalClose = true
	conn := rc.conn
	rc.conn = nil
	rc.userID = ""
	rc.rooms = make(map[ID]struct{})
	rc.state = StateDisconnected
	cancel := rc.cancelFn
	rc.cancelFn = nil
	rc.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
}

// JoinConversation adds the conversation to the retained membership set
// and announces it when connected; otherwise the announcement happens on
// the next successful connection. Joining an already-joined id is a no-op.
func (rc *RealtimeClient) JoinConversation(id ID) {
	rc.mu.Lock()
	if _, ok := rc.rooms[id]; ok {
		rc.mu.Unlock()
		return
	}
	rc.rooms[id] = struct{}{}
	conn := rc.conn
	connected := rc.state == StateConnected
	rc.mu.Unlock()

	if connected {
		rc.sendCommand(conn, cmdJoinConversation, map[string]string{"conversationId": string(id)})
	} else {
		rc.log.Debug("will join conversation on next connect", zap.String("conversationId", string(id)))
	}
}

// LeaveConversation removes the conversation from the membership set.
// Leaving a never-joined id is a no-op.
func (rc *RealtimeClient) LeaveConversation(id ID) {
	rc.mu.Lock()
	if _, ok := rc.rooms[id]; !ok {
		rc.mu.Unlock()
		return
	}
	delete(rc.rooms, id)
	conn := rc.conn
	connected := rc.state == StateConnected
	rc.mu.Unlock()

	if connected {
		rc.sendCommand(conn, cmdLeaveConversation, map[string]string{"conversationId": string(id)})
	}
}

// ============================================================================
// Internals
// ============================================================================

func (rc *RealtimeClient) dial(ctx context.Context) error {
	wsURL := strings.Replace(rc.baseURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL += "/ws"

	dialCtx, cancel := context.WithTimeout(ctx, rc.opts.DialTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, wsURL, &websocket.DialOptions{HTTPClient: rc.opts.HTTPClient})
	if err != nil {
		rc.mu.Lock()
		if !rc.reconnecting {
			rc.state = StateDisconnected
		}
		rc.mu.Unlock()
		return fmt.Errorf("websocket dial: %w", err)
	}

	connCtx, connCancel := context.WithCancel(context.Background())

	rc.mu.Lock()
	if rc.intentionalClose {
		rc.mu.Unlock()
		connCancel()
		_ = conn.Close(websocket.StatusNormalClosure, "client disconnect")
		return nil
	}
	rc.conn = conn
	rc.state = StateConnected
	rc.cancelFn = connCancel
	userID := rc.userID
	rooms := make([]ID, 0, len(rc.rooms))
	for id := range rc.rooms {
		rooms = append(rooms, id)
	}
	hooks := append([]func(){}, rc.onConnect...)
	rc.mu.Unlock()

	rc.log.Info("realtime connected", zap.String("userId", userID))

	// Re-announce the identity room and every previously joined
	// conversation room so the reconnect is transparent.
	if userID != "" {
		rc.sendCommand(conn, cmdJoinUser, map[string]string{"userId": userID})
	}
	for _, id := range rooms {
		rc.sendCommand(conn, cmdJoinConversation, map[string]string{"conversationId": string(id)})
	}

	for _, h := range hooks {
		h()
	}

	go rc.readLoop(connCtx, conn)
	return nil
}

func (rc *RealtimeClient) reconnectLoop() {
	rc.mu.Lock()
	if rc.reconnecting || rc.intentionalClose {
		rc.mu.Unlock()
		return
	}
	rc.reconnecting = true
	rc.state = StateReconnecting
	rc.mu.Unlock()

	for {
		time.Sleep(rc.opts.ReconnectDelay)

		rc.mu.Lock()
		if rc.intentionalClose {
			rc.reconnecting = false
			rc.state = StateDisconnected
			rc.mu.Unlock()
			return
		}
		rc.mu.Unlock()

		if err := rc.dial(context.Background()); err != nil {
			rc.log.Warn("realtime reconnect failed", zap.Error(err))
			continue
		}

		rc.mu.Lock()
		rc.reconnecting = false
		rc.mu.Unlock()
		return
	}
}

func (rc *RealtimeClient) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			rc.mu.Lock()
			intentional := rc.intentionalClose
			if rc.conn == conn {
				rc.conn = nil
				rc.state = StateDisconnected
			}
			hooks := append([]func(string){}, rc.onDisconnect...)
			rc.mu.Unlock()

			if intentional {
				return
			}
			rc.log.Warn("realtime connection lost", zap.Error(err))
			for _, h := range hooks {
				h(err.Error())
			}
			go rc.reconnectLoop()
			return
		}

		rc.handleEnvelope(data)
	}
}

// handleEnvelope validates incoming events at the connection boundary and
// publishes typed payloads through the registry. Undecodable events are
// logged and dropped.
func (rc *RealtimeClient) handleEnvelope(data []byte) {
	var env RealtimeEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		rc.log.Warn("realtime: undecodable frame", zap.Error(err))
		return
	}

	switch env.Type {
	case evtNewMessage:
		var ev NewMessageEvent
		if err := json.Unmarshal(env.Payload, &ev); err != nil {
			rc.log.Warn("realtime: bad new_message payload", zap.Error(err))
			return
		}
		if ev.Message == nil || ev.ConvID() == "" {
			rc.log.Debug("realtime: new_message without message or conversation id")
			return
		}
		rc.registry.PublishNewMessage(ev)

	case evtConversationStarted:
		var ev ConversationStartedEvent
		if err := json.Unmarshal(env.Payload, &ev); err != nil {
			rc.log.Warn("realtime: bad conversation_started payload", zap.Error(err))
			return
		}
		if ev.Conversation == nil {
			return
		}
		rc.registry.PublishConversationStarted(ev)

	case evtAck:
		var ack AckPayload
		if err := json.Unmarshal(env.Payload, &ack); err == nil {
			if ack.OK || ack.Error == "" {
				rc.log.Debug("realtime: ack", zap.String("requestId", ack.RequestID))
			} else {
				rc.log.Warn("realtime: command rejected",
					zap.String("requestId", ack.RequestID), zap.String("error", ack.Error))
			}
		}

	default:
		rc.log.Debug("realtime: unhandled event", zap.String("type", env.Type))
	}
}

// sendCommand is fire-and-forget: transport errors are logged and left to
// the reconnect machinery, never returned to callers.
func (rc *RealtimeClient) sendCommand(conn *websocket.Conn, cmdType string, payload interface{}) {
	if conn == nil {
		return
	}
	cmd := RealtimeCommand{
		Type:      cmdType,
		Payload:   payload,
		RequestID: uuid.NewString(),
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		rc.log.Error("realtime: cannot marshal command", zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), rc.opts.WriteTimeout)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		rc.log.Warn("realtime: command write failed",
			zap.String("type", cmdType), zap.Error(err))
	}
}
