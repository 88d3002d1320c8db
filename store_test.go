package spareplate

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func testConversation(id ID, p1, p2 string) Conversation {
	return Conversation{
		ID:             id,
		Participant1ID: p1,
		Participant2ID: p2,
		Participant1:   &Participant{ID: p1, DisplayName: "P1"},
		Participant2:   &Participant{ID: p2, DisplayName: "P2"},
		Status:         StatusAccepted,
	}
}

// newListServer serves GET /messages with the given conversations and
// answers DELETE /messages/{id} with deleteStatus.
func newListServer(t *testing.T, convs []Conversation, deleteStatus int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/messages":
			w.Write(mustJSON(t, convs))
		case r.Method == http.MethodDelete:
			w.WriteHeader(deleteStatus)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
}

func newTestStore(t *testing.T, srvURL, selfID string, storage Storage) (*ConversationStore, *Registry) {
	t.Helper()
	client := NewClient("test-token", WithBaseURL(srvURL))
	registry := NewRegistry(nil)
	store := NewConversationStore(client, registry, storage, selfID, &StoreOptions{PollInterval: time.Hour})
	return store, registry
}

func TestConversationStore_FetchNormalization(t *testing.T) {
	convs := []Conversation{testConversation("1", "u1", "u2"), testConversation("2", "u1", "u3")}

	t.Run("bare array", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write(mustJSON(t, convs))
		}))
		defer srv.Close()

		store, _ := newTestStore(t, srv.URL, "u1", NewMemoryStorage())
		if err := store.FetchConversations(context.Background()); err != nil {
			t.Fatalf("FetchConversations: %v", err)
		}
		if got := len(store.Conversations()); got != 2 {
			t.Fatalf("got %d conversations, want 2", got)
		}
	})

	t.Run("wrapped object", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write(mustJSON(t, map[string]any{"conversations": convs}))
		}))
		defer srv.Close()

		store, _ := newTestStore(t, srv.URL, "u1", NewMemoryStorage())
		if err := store.FetchConversations(context.Background()); err != nil {
			t.Fatalf("FetchConversations: %v", err)
		}
		if got := len(store.Conversations()); got != 2 {
			t.Fatalf("got %d conversations, want 2", got)
		}
	})

	t.Run("failure keeps last known good state", func(t *testing.T) {
		fail := false
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if fail {
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
			w.Write(mustJSON(t, convs))
		}))
		defer srv.Close()

		store, _ := newTestStore(t, srv.URL, "u1", NewMemoryStorage())
		if err := store.FetchConversations(context.Background()); err != nil {
			t.Fatalf("FetchConversations: %v", err)
		}
		fail = true
		if err := store.FetchConversations(context.Background()); err == nil {
			t.Fatal("expected error from failing fetch")
		}
		if got := len(store.Conversations()); got != 2 {
			t.Fatalf("state lost after failed refresh: %d conversations", got)
		}
	})
}

func TestConversationStore_IdempotentMerge(t *testing.T) {
	srv := newListServer(t, nil, http.StatusOK)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, registry := newTestStore(t, srv.URL, "u1", NewMemoryStorage())
	store.Start(ctx)
	defer store.Close()

	conv := testConversation("7", "u2", "u1")
	conv.Messages = []Message{*sampleMessage("100", "u2", "2026-01-01T00:00:00Z")}

	other := testConversation("8", "u3", "u1")
	registry.PublishNewMessage(NewMessageEvent{ConversationID: "8", Message: sampleMessage("90", "u3", "2025-12-31T00:00:00Z"), Conversation: &other})

	for i := 0; i < 5; i++ {
		registry.PublishNewMessage(NewMessageEvent{
			ConversationID: "7",
			Message:        sampleMessage("100", "u2", "2026-01-01T00:00:00Z"),
			Sender:         &Participant{ID: "u2", DisplayName: "P1"},
			Conversation:   &conv,
		})
	}

	convs := store.Conversations()
	if len(convs) != 2 {
		t.Fatalf("got %d conversations, want 2", len(convs))
	}
	seen := 0
	for _, c := range convs {
		if c.ID == "7" {
			seen++
		}
	}
	if seen != 1 {
		t.Fatalf("conversation 7 appears %d times, want exactly 1", seen)
	}
	if convs[0].ID != "7" {
		t.Fatalf("most recently active conversation is %s, want 7 at the front", convs[0].ID)
	}
}

func TestConversationStore_UnreadAccounting(t *testing.T) {
	srv := newListServer(t, nil, http.StatusOK)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, registry := newTestStore(t, srv.URL, "u1", NewMemoryStorage())
	store.Start(ctx)
	defer store.Close()

	conv := testConversation("5", "u1", "u2")

	t.Run("own message never marks unread", func(t *testing.T) {
		registry.PublishNewMessage(NewMessageEvent{
			ConversationID: "5",
			Message:        sampleMessage("1", "u1", "2026-01-01T00:00:00Z"),
			Sender:         &Participant{ID: "u1"},
			Conversation:   &conv,
		})
		if store.Unread("5") {
			t.Fatal("own message marked the conversation unread")
		}
	})

	t.Run("other sender marks unread", func(t *testing.T) {
		registry.PublishNewMessage(NewMessageEvent{
			ConversationID: "5",
			Message:        sampleMessage("2", "u2", "2026-01-01T00:01:00Z"),
			Sender:         &Participant{ID: "u2"},
			Conversation:   &conv,
		})
		if !store.Unread("5") {
			t.Fatal("message from the other participant did not mark unread")
		}
		if store.UnreadCount() != 1 {
			t.Fatalf("UnreadCount = %d, want 1", store.UnreadCount())
		}
	})

	t.Run("mark read removes the flag", func(t *testing.T) {
		store.MarkRead("5")
		if store.Unread("5") {
			t.Fatal("conversation still unread after MarkRead")
		}
		if store.UnreadCount() != 0 {
			t.Fatalf("UnreadCount = %d, want 0", store.UnreadCount())
		}
	})

	t.Run("sender id falls back to message", func(t *testing.T) {
		registry.PublishNewMessage(NewMessageEvent{
			ConversationID: "5",
			Message:        sampleMessage("3", "u2", "2026-01-01T00:02:00Z"),
			Conversation:   &conv,
		})
		if !store.Unread("5") {
			t.Fatal("unread not set when sender profile is missing")
		}
	})
}

func TestConversationStore_ShellSynthesis(t *testing.T) {
	srv := newListServer(t, nil, http.StatusOK)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, registry := newTestStore(t, srv.URL, "u1", NewMemoryStorage())
	store.Start(ctx)
	defer store.Close()

	registry.PublishNewMessage(NewMessageEvent{
		ConversationID: "11",
		Message:        sampleMessage("200", "u9", "2026-01-02T00:00:00Z"),
		Sender:         &Participant{ID: "u9", DisplayName: "Maria"},
	})

	convs := store.Conversations()
	if len(convs) != 1 {
		t.Fatalf("got %d conversations, want 1 synthesized shell", len(convs))
	}
	shell := convs[0]
	if shell.ID != "11" || shell.Status != StatusAccepted {
		t.Fatalf("unexpected shell: %+v", shell)
	}
	if shell.Participant1 == nil || shell.Participant1.DisplayName != "Maria" {
		t.Fatalf("shell sender not preserved: %+v", shell.Participant1)
	}
	if len(shell.Messages) != 1 || shell.Messages[0].ID != "200" {
		t.Fatalf("shell does not carry the message: %+v", shell.Messages)
	}
	if !store.Unread("11") {
		t.Fatal("shell conversation not marked unread")
	}
}

func TestConversationStore_ConversationStarted(t *testing.T) {
	srv := newListServer(t, nil, http.StatusOK)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, registry := newTestStore(t, srv.URL, "u1", NewMemoryStorage())
	store.Start(ctx)
	defer store.Close()

	t.Run("without messages no unread", func(t *testing.T) {
		conv := testConversation("20", "u2", "u1")
		registry.PublishConversationStarted(ConversationStartedEvent{Conversation: &conv})
		if len(store.Conversations()) != 1 {
			t.Fatal("conversation not merged")
		}
		if store.Unread("20") {
			t.Fatal("empty conversation marked unread")
		}
	})

	t.Run("with messages marks unread", func(t *testing.T) {
		conv := testConversation("21", "u3", "u1")
		conv.Messages = []Message{*sampleMessage("300", "u3", "2026-01-03T00:00:00Z")}
		registry.PublishConversationStarted(ConversationStartedEvent{Conversation: &conv})
		if !store.Unread("21") {
			t.Fatal("pre-populated conversation not marked unread")
		}
	})
}

func TestConversationStore_HideIsLocalOnly(t *testing.T) {
	convs := []Conversation{testConversation("42", "u1", "u2")}
	srv := newListServer(t, convs, http.StatusGone)
	defer srv.Close()

	storeA, _ := newTestStore(t, srv.URL, "u1", NewMemoryStorage())
	if err := storeA.FetchConversations(context.Background()); err != nil {
		t.Fatalf("FetchConversations: %v", err)
	}
	if len(storeA.Conversations()) != 1 {
		t.Fatal("precondition: u1 sees the conversation")
	}

	// Server answers 410 for deletes; the conversation must disappear for
	// u1 via the local hide list anyway.
	if err := storeA.DeleteConversation(context.Background(), "42"); err != nil {
		t.Fatalf("DeleteConversation: %v", err)
	}
	if len(storeA.Conversations()) != 0 {
		t.Fatal("conversation still visible to u1 after delete")
	}

	// The other participant, with their own local storage, still sees it.
	storeB, _ := newTestStore(t, srv.URL, "u2", NewMemoryStorage())
	if err := storeB.FetchConversations(context.Background()); err != nil {
		t.Fatalf("FetchConversations: %v", err)
	}
	if len(storeB.Conversations()) != 1 {
		t.Fatal("hide leaked to the other participant")
	}
}

func TestConversationStore_HideListSurvivesRestart(t *testing.T) {
	convs := []Conversation{testConversation("42", "u1", "u2")}
	srv := newListServer(t, convs, http.StatusGone)
	defer srv.Close()

	storage := NewMemoryStorage()
	storeA, _ := newTestStore(t, srv.URL, "u1", storage)
	if err := storeA.FetchConversations(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := storeA.DeleteConversation(context.Background(), "42"); err != nil {
		t.Fatal(err)
	}

	// A fresh store over the same storage still hides it.
	storeA2, _ := newTestStore(t, srv.URL, "u1", storage)
	if err := storeA2.FetchConversations(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(storeA2.Conversations()) != 0 {
		t.Fatal("hide list did not survive a restart")
	}
}
