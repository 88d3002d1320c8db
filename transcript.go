package spareplate

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ============================================================================
// Errors
// ============================================================================

// ErrPendingAcceptance is returned by Send while the conversation is
// still PENDING and the local identity is the receiver; they must accept
// the request before replying.
var ErrPendingAcceptance = errors.New("conversation is pending acceptance")

// ErrVoiceTooLarge is returned when an encoded voice payload exceeds the
// backend's transport limit. Rejecting client-side avoids a long upload
// that the server would refuse anyway.
var ErrVoiceTooLarge = errors.New("voice message too large, keep recordings under ~60 seconds")

// maxVoiceBase64Bytes is the ~1.2MB ceiling on the base64 audio payload.
const maxVoiceBase64Bytes = 1258291

// ============================================================================
// Transcript
// ============================================================================

// TranscriptState is the lifecycle of one open conversation transcript.
type TranscriptState string

const (
	TranscriptInitialLoad  TranscriptState = "initial_load"
	TranscriptReady        TranscriptState = "ready"
	TranscriptLoadingOlder TranscriptState = "loading_older"
	TranscriptClosed       TranscriptState = "closed"
)

// TranscriptOptions configures a Transcript.
type TranscriptOptions struct {
	PageSize     int
	PollInterval time.Duration
	Logger       *zap.Logger
}

// Transcript maintains one conversation's message list: newest-first
// ordering, identity-keyed de-duplication, cursor-based backward
// pagination, and reconciliation of realtime pushes against REST pages.
// Realtime delivery and page fetches may complete in any relative order;
// both converge to the same deduplicated state.
type Transcript struct {
	client   *Client
	registry *Registry
	realtime *RealtimeClient
	storage  Storage
	selfID   string
	convID   ID
	log      *zap.Logger

	pageSize     int
	pollInterval time.Duration

	mu           sync.Mutex
	state        TranscriptState
	conversation *Conversation
	messages     []Message
	ids          map[string]struct{}
	hasMore      bool
	loadingMore  bool

	unsub  func()
	stopCh chan struct{}
	once   sync.Once
}

// NewTranscript creates a transcript for conversation convID viewed by
// selfID. realtime may be nil when no socket is available; the polling
// fallback still keeps the transcript converging. opts may be nil.
func NewTranscript(client *Client, registry *Registry, realtime *RealtimeClient, storage Storage, selfID string, convID ID, opts *TranscriptOptions) *Transcript {
	t := &Transcript{
		client:       client,
		registry:     registry,
		realtime:     realtime,
		storage:      storage,
		selfID:       selfID,
		convID:       convID,
		log:          zap.NewNop(),
		pageSize:     DefaultPageSize,
		pollInterval: 5 * time.Second,
		state:        TranscriptInitialLoad,
		ids:          map[string]struct{}{},
		hasMore:      true,
		stopCh:       make(chan struct{}),
	}
	if opts != nil {
		if opts.PageSize > 0 {
			t.pageSize = opts.PageSize
		}
		if opts.PollInterval > 0 {
			t.pollInterval = opts.PollInterval
		}
		if opts.Logger != nil {
			t.log = opts.Logger
		}
	}
	return t
}

// Open joins the conversation room, subscribes to realtime events, loads
// the first page, and starts the polling fallback. An initial-load
// failure still transitions to an empty READY state so the user can send.
func (t *Transcript) Open(ctx context.Context) {
	if t.realtime != nil {
		t.realtime.JoinConversation(t.convID)
	}
	t.unsub = t.registry.SubscribeNewMessage(t.ReceiveRealtime)

	if err := t.FetchPage(ctx, ""); err != nil {
		t.log.Warn("initial transcript fetch failed",
			zap.String("conversationId", string(t.convID)), zap.Error(err))
	}
	t.mu.Lock()
	if t.state == TranscriptInitialLoad {
		t.state = TranscriptReady
	}
	t.mu.Unlock()

	go func() {
		ticker := time.NewTicker(t.pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-t.stopCh:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := t.FetchPage(ctx, ""); err != nil {
					t.log.Warn("transcript poll failed", zap.Error(err))
				}
			}
		}
	}()
}

// Close leaves the room, removes the subscription, and stops polling.
func (t *Transcript) Close() {
	t.once.Do(func() { close(t.stopCh) })
	if t.unsub != nil {
		t.unsub()
		t.unsub = nil
	}
	if t.realtime != nil {
		t.realtime.LeaveConversation(t.convID)
	}
	t.mu.Lock()
	t.state = TranscriptClosed
	t.mu.Unlock()
}

// ============================================================================
// Observable state
// ============================================================================

// Messages returns a copy of the current list, newest first.
func (t *Transcript) Messages() []Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Message(nil), t.messages...)
}

// Conversation returns the conversation header, or nil before the first
// successful fetch.
func (t *Transcript) Conversation() *Conversation {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conversation == nil {
		return nil
	}
	conv := *t.conversation
	return &conv
}

// HasMore reports whether older history may remain.
func (t *Transcript) HasMore() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.hasMore
}

// LoadingMore reports whether an older-page fetch is in flight.
func (t *Transcript) LoadingMore() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.loadingMore
}

// State returns the transcript lifecycle state.
func (t *Transcript) State() TranscriptState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// ============================================================================
// Fetching
// ============================================================================

// FetchPage requests up to one page of messages older than before, or the
// newest page when before is empty. The newest page replaces the list and
// seeds the id-set; an older page is appended to the old end and the
// union re-deduplicated. An empty older page only clears hasMore.
func (t *Transcript) FetchPage(ctx context.Context, before string) error {
	page, err := t.client.Conversation(ctx, t.convID, before, t.pageSize)
	if err != nil {
		return err
	}

	// The server should not return duplicates within a page, but the merge
	// below assumes it might.
	incoming := dedupMessages(page.Messages)

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == TranscriptClosed {
		return nil
	}

	if before == "" {
		if page.Conversation != nil {
			t.conversation = page.Conversation
		}
		t.messages = incoming
		t.hasMore = len(incoming) >= t.pageSize
	} else {
		if len(incoming) == 0 {
			t.hasMore = false
			return nil
		}
		t.messages = dedupMessages(append(t.messages, incoming...))
		t.hasMore = len(incoming) >= t.pageSize
	}
	t.finalizeLocked()
	return nil
}

// LoadOlder fetches the page before the oldest loaded message. No-op when
// a load is already running or no more history remains.
func (t *Transcript) LoadOlder(ctx context.Context) error {
	t.mu.Lock()
	if t.loadingMore || !t.hasMore || t.state == TranscriptClosed {
		t.mu.Unlock()
		return nil
	}
	t.loadingMore = true
	t.state = TranscriptLoadingOlder
	before := ""
	if n := len(t.messages); n > 0 {
		before = t.messages[n-1].CreatedAt
	}
	t.mu.Unlock()

	err := t.FetchPage(ctx, before)

	t.mu.Lock()
	t.loadingMore = false
	if t.state == TranscriptLoadingOlder {
		t.state = TranscriptReady
	}
	t.mu.Unlock()
	return err
}

// ReceiveRealtime merges a realtime-delivered message. Events for other
// conversations and already-known ids are ignored.
func (t *Transcript) ReceiveRealtime(ev NewMessageEvent) {
	if ev.ConvID() != t.convID || ev.Message == nil {
		return
	}
	msg := *ev.Message
	if msg.Key() == "|" {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == TranscriptClosed {
		return
	}
	if _, ok := t.ids[msg.Key()]; ok {
		return
	}
	t.messages = append([]Message{msg}, t.messages...)
	t.finalizeLocked()
}

// ============================================================================
// Sending
// ============================================================================

// Send creates a text message. On success the authoritative message is
// prepended and published through the registry as a local new-message
// event so the conversation store updates without another round trip. On
// failure nothing is mutated; the user resends.
func (t *Transcript) Send(ctx context.Context, content string) (*Message, error) {
	return t.send(ctx, &SendMessageOptions{Content: content, Type: MessageText})
}

// SendVoice creates an AUDIO message from an already-encoded base64 data
// URI. Payloads over the backend's ~1.2MB transport cap are rejected
// before any network use.
func (t *Transcript) SendVoice(ctx context.Context, mediaBase64 string) (*Message, error) {
	if len(mediaBase64) > maxVoiceBase64Bytes {
		return nil, ErrVoiceTooLarge
	}
	return t.send(ctx, &SendMessageOptions{Type: MessageAudio, MediaBase64: mediaBase64})
}

func (t *Transcript) send(ctx context.Context, opts *SendMessageOptions) (*Message, error) {
	t.mu.Lock()
	if t.conversation != nil && t.conversation.Status == StatusPending && t.conversation.IsReceiver(t.selfID) {
		t.mu.Unlock()
		return nil, ErrPendingAcceptance
	}
	t.mu.Unlock()

	msg, err := t.client.SendMessage(ctx, t.convID, opts)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	if _, ok := t.ids[msg.Key()]; !ok {
		t.messages = append([]Message{*msg}, t.messages...)
		t.finalizeLocked()
	}
	t.mu.Unlock()

	t.registry.PublishNewMessage(NewMessageEvent{
		ConversationID: t.convID,
		Message:        msg,
		Sender:         &Participant{ID: t.selfID},
	})
	return msg, nil
}

// Accept transitions the conversation to ACCEPTED and refetches the
// header so the send guard lifts.
func (t *Transcript) Accept(ctx context.Context) error {
	if err := t.client.AcceptConversation(ctx, t.convID); err != nil {
		return err
	}
	page, err := t.client.Conversation(ctx, t.convID, "", 1)
	if err != nil {
		return err
	}
	t.mu.Lock()
	if page.Conversation != nil {
		t.conversation = page.Conversation
	}
	t.mu.Unlock()
	return nil
}

// ============================================================================
// Merge invariants
// ============================================================================

// dedupMessages keeps the first occurrence per identity key, preserving
// input order.
func dedupMessages(in []Message) []Message {
	seen := make(map[string]struct{}, len(in))
	out := make([]Message, 0, len(in))
	for _, m := range in {
		key := m.Key()
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, m)
	}
	return out
}

// finalizeLocked restores the two list invariants after any mutation:
// newest-first ordering and no two entries with the same identity key.
// Ties on createdAt keep arrival order (stable sort).
func (t *Transcript) finalizeLocked() {
	sort.SliceStable(t.messages, func(i, j int) bool {
		return t.messages[i].CreatedAt > t.messages[j].CreatedAt
	})

	seen := make(map[string]struct{}, len(t.messages))
	uniq := t.messages[:0]
	dropped := 0
	for _, m := range t.messages {
		key := m.Key()
		if _, ok := seen[key]; ok {
			dropped++
			continue
		}
		seen[key] = struct{}{}
		uniq = append(uniq, m)
	}
	if dropped > 0 {
		// Upstream merges are expected to keep the list unique already;
		// this repair only prevents rendering-layer crashes.
		t.log.Warn("duplicate message keys repaired",
			zap.String("conversationId", string(t.convID)), zap.Int("dropped", dropped))
	}
	t.messages = uniq
	t.ids = seen

	if len(t.messages) > 0 {
		if err := t.storage.Set(lastReadKey(t.convID), time.Now().UTC().Format(time.RFC3339)); err != nil {
			t.log.Warn("cannot persist last-read timestamp", zap.Error(err))
		}
	}
}
