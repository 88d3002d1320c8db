package spareplate

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ============================================================================
// Reducer
// ============================================================================

// storeState is the conversation-list state. It is replaced wholesale by
// the reducer on every dispatch; readers only ever see complete states.
type storeState struct {
	conversations []Conversation
	unread        map[ID]bool
}

type storeAction interface {
	apply(storeState) storeState
}

type setConversations struct{ list []Conversation }

func (a setConversations) apply(st storeState) storeState {
	st.conversations = a.list
	return st
}

// addOrUpdateConversation removes any existing entry with the same id and
// inserts the new value at the front, so any activity bumps ordering.
// Applying the same conversation N times leaves exactly one entry.
type addOrUpdateConversation struct{ conv Conversation }

func (a addOrUpdateConversation) apply(st storeState) storeState {
	updated := make([]Conversation, 0, len(st.conversations)+1)
	updated = append(updated, a.conv)
	for _, c := range st.conversations {
		if c.ID != a.conv.ID {
			updated = append(updated, c)
		}
	}
	st.conversations = updated
	return st
}

type markUnread struct{ id ID }

func (a markUnread) apply(st storeState) storeState {
	m := make(map[ID]bool, len(st.unread)+1)
	for k, v := range st.unread {
		m[k] = v
	}
	m[a.id] = true
	st.unread = m
	return st
}

// markRead removes the key entirely; absence means read.
type markRead struct{ id ID }

func (a markRead) apply(st storeState) storeState {
	m := make(map[ID]bool, len(st.unread))
	for k, v := range st.unread {
		if k != a.id {
			m[k] = v
		}
	}
	st.unread = m
	return st
}

// ============================================================================
// ConversationStore
// ============================================================================

// StoreOptions configures the ConversationStore.
type StoreOptions struct {
	PollInterval time.Duration
	Logger       *zap.Logger
}

// ConversationStore is the process-wide source of truth for the
// conversation list and unread flags. Realtime events, REST snapshots and
// local optimistic publishes all converge through the same reducer, so
// arrival order does not matter.
type ConversationStore struct {
	client   *Client
	registry *Registry
	storage  Storage
	selfID   string
	log      *zap.Logger

	pollInterval time.Duration

	mu    sync.Mutex
	state storeState

	unsubs []func()
	stopCh chan struct{}
	once   sync.Once
}

// NewConversationStore creates a store for the signed-in identity selfID.
// opts may be nil.
func NewConversationStore(client *Client, registry *Registry, storage Storage, selfID string, opts *StoreOptions) *ConversationStore {
	s := &ConversationStore{
		client:       client,
		registry:     registry,
		storage:      storage,
		selfID:       selfID,
		pollInterval: 10 * time.Second,
		log:          zap.NewNop(),
		state:        storeState{unread: map[ID]bool{}},
		stopCh:       make(chan struct{}),
	}
	if opts != nil {
		if opts.PollInterval > 0 {
			s.pollInterval = opts.PollInterval
		}
		if opts.Logger != nil {
			s.log = opts.Logger
		}
	}
	return s
}

// dispatch is the only mutation path; the reducer is pure and the mutex
// serializes the two producers (polling timers and event listeners).
func (s *ConversationStore) dispatch(a storeAction) {
	s.mu.Lock()
	s.state = a.apply(s.state)
	s.mu.Unlock()
}

// Start subscribes to realtime events, performs the initial fetch, and
// launches the polling fallback. The poll re-fetches on a fixed interval
// regardless of socket health, bounding staleness to one interval.
func (s *ConversationStore) Start(ctx context.Context) {
	s.unsubs = append(s.unsubs,
		s.registry.SubscribeNewMessage(s.handleNewMessage),
		s.registry.SubscribeConversationStarted(s.handleConversationStarted),
	)

	if err := s.FetchConversations(ctx); err != nil {
		s.log.Warn("initial conversation fetch failed", zap.Error(err))
	}

	go func() {
		ticker := time.NewTicker(s.pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stopCh:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := s.FetchConversations(ctx); err != nil {
					s.log.Warn("conversation poll failed", zap.Error(err))
				}
			}
		}
	}()
}

// Close cancels polling and removes the event subscriptions. In-flight
// fetches are allowed to finish; merging into a store nobody reads is
// harmless.
func (s *ConversationStore) Close() {
	s.once.Do(func() { close(s.stopCh) })
	for _, off := range s.unsubs {
		off()
	}
	s.unsubs = nil
}

// ============================================================================
// Operations
// ============================================================================

// FetchConversations pulls a full snapshot from the REST service and
// replaces the list. A failure leaves the last-known-good state untouched;
// background callers log and move on.
func (s *ConversationStore) FetchConversations(ctx context.Context) error {
	convs, err := s.client.Conversations(ctx)
	if err != nil {
		return err
	}
	s.dispatch(setConversations{list: convs})
	return nil
}

// FetchConversationByID fetches a single conversation header.
func (s *ConversationStore) FetchConversationByID(ctx context.Context, id ID) (*Conversation, error) {
	page, err := s.client.Conversation(ctx, id, "", 0)
	if err != nil {
		return nil, err
	}
	return page.Conversation, nil
}

// Conversations returns the current list, most recently active first,
// with locally hidden conversations filtered out.
func (s *ConversationStore) Conversations() []Conversation {
	hidden := s.hiddenIDs()

	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Conversation, 0, len(s.state.conversations))
	for _, c := range s.state.conversations {
		if _, ok := hidden[c.ID]; ok {
			continue
		}
		out = append(out, c)
	}
	return out
}

// Unread reports whether the conversation has unseen activity.
func (s *ConversationStore) Unread(id ID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.unread[id]
}

// UnreadCount returns the number of conversations with unseen activity.
func (s *ConversationStore) UnreadCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.state.unread)
}

// MarkRead clears the unread flag for the conversation.
func (s *ConversationStore) MarkRead(id ID) {
	s.dispatch(markRead{id: id})
}

// NotifyLocalNewMessage publishes a locally originated new-message event
// through the same fan-out path as transport events, so the inbox updates
// without waiting for a network round trip.
func (s *ConversationStore) NotifyLocalNewMessage(ev NewMessageEvent) {
	s.registry.PublishNewMessage(ev)
}

// DeleteConversation removes a conversation from this user's inbox. The
// server delete is best-effort; deployments without the endpoint fall
// back to the persisted local hide list, which leaves the other
// participant's view untouched.
func (s *ConversationStore) DeleteConversation(ctx context.Context, id ID) error {
	if err := s.client.DeleteConversation(ctx, id); err != nil {
		s.log.Info("server delete unsupported or failed, hiding locally",
			zap.String("conversationId", string(id)), zap.Error(err))
	}

	if err := s.hideConversation(id); err != nil {
		return err
	}
	s.dispatch(markRead{id: id})

	if err := s.FetchConversations(ctx); err != nil {
		s.log.Warn("refresh after delete failed", zap.Error(err))
	}
	return nil
}

// ============================================================================
// Event handlers
// ============================================================================

func (s *ConversationStore) handleNewMessage(ev NewMessageEvent) {
	convID := ev.ConvID()
	if convID == "" || ev.Message == nil {
		return
	}

	if ev.Conversation != nil {
		s.dispatch(addOrUpdateConversation{conv: *ev.Conversation})
	} else {
		// No full conversation on the event: synthesize a minimal shell
		// so the inbox can render something until the next snapshot.
		sender := ev.Sender
		if sender == nil {
			sender = &Participant{DisplayName: "Someone"}
		}
		shell := Conversation{
			ID:           convID,
			Participant1: sender,
			Participant2: &Participant{ID: s.selfID, DisplayName: "You"},
			Messages:     []Message{*ev.Message},
			Status:       StatusAccepted,
		}
		s.dispatch(addOrUpdateConversation{conv: shell})
	}

	if ev.SenderID() != s.selfID {
		s.dispatch(markUnread{id: convID})
	}
}

func (s *ConversationStore) handleConversationStarted(ev ConversationStartedEvent) {
	conv := ev.Conversation
	if conv == nil || conv.ID == "" {
		return
	}
	s.dispatch(addOrUpdateConversation{conv: *conv})
	if len(conv.Messages) > 0 {
		s.dispatch(markUnread{id: conv.ID})
	}
}

// ============================================================================
// Hide list
// ============================================================================

func (s *ConversationStore) hiddenIDs() map[ID]struct{} {
	out := map[ID]struct{}{}
	raw, ok := s.storage.Get(hiddenChatsKey(s.selfID))
	if !ok {
		return out
	}
	var ids []string
	if err := json.Unmarshal([]byte(raw), &ids); err != nil {
		s.log.Warn("corrupt hide list, ignoring", zap.Error(err))
		return out
	}
	for _, id := range ids {
		out[ID(id)] = struct{}{}
	}
	return out
}

func (s *ConversationStore) hideConversation(id ID) error {
	hidden := s.hiddenIDs()
	if _, ok := hidden[id]; ok {
		return nil
	}

	ids := make([]string, 0, len(hidden)+1)
	for h := range hidden {
		ids = append(ids, string(h))
	}
	ids = append(ids, string(id))

	raw, err := json.Marshal(ids)
	if err != nil {
		return err
	}
	if err := s.storage.Set(hiddenChatsKey(s.selfID), string(raw)); err != nil {
		s.log.Warn("cannot persist hide list", zap.Error(err))
		return err
	}
	return nil
}
