//go:build integration

package spareplate_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	spareplate "github.com/spareplate/spareplate-go"
)

// helpers ---------------------------------------------------------------

func authToken(t *testing.T) string {
	t.Helper()
	token := os.Getenv("SPAREPLATE_TOKEN_TEST")
	if token == "" {
		t.Fatal("SPAREPLATE_TOKEN_TEST environment variable is required")
	}
	return token
}

func selfUserID(t *testing.T) string {
	t.Helper()
	id := os.Getenv("SPAREPLATE_USER_ID_TEST")
	if id == "" {
		t.Fatal("SPAREPLATE_USER_ID_TEST environment variable is required")
	}
	return id
}

func testBaseURL() string {
	if v := os.Getenv("SPAREPLATE_BASE_URL_TEST"); v != "" {
		return v
	}
	return "" // empty means use default (production)
}

func newClient(t *testing.T) *spareplate.Client {
	t.Helper()
	if base := testBaseURL(); base != "" {
		return spareplate.NewClient(authToken(t), spareplate.WithBaseURL(base))
	}
	return spareplate.NewClient(authToken(t))
}

// =======================================================================
// Group 1: Conversation REST API
// =======================================================================

func TestIntegration_Conversations_List(t *testing.T) {
	client := newClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	convs, err := client.Conversations(ctx)
	if err != nil {
		t.Fatalf("Conversations returned error: %v", err)
	}
	t.Logf("Conversations: count=%d", len(convs))

	for _, c := range convs {
		if c.ID == "" {
			t.Errorf("conversation without id: %+v", c)
		}
	}
}

func TestIntegration_Conversation_Pagination(t *testing.T) {
	client := newClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	convs, err := client.Conversations(ctx)
	if err != nil {
		t.Fatalf("Conversations returned error: %v", err)
	}
	if len(convs) == 0 {
		t.Skip("account has no conversations")
	}

	page, err := client.Conversation(ctx, convs[0].ID, "", spareplate.DefaultPageSize)
	if err != nil {
		t.Fatalf("Conversation returned error: %v", err)
	}
	t.Logf("first page: conv=%s messages=%d", convs[0].ID, len(page.Messages))

	if len(page.Messages) < spareplate.DefaultPageSize {
		t.Skip("not enough history to page backward")
	}

	oldest := page.Messages[len(page.Messages)-1]
	older, err := client.Conversation(ctx, convs[0].ID, oldest.CreatedAt, spareplate.DefaultPageSize)
	if err != nil {
		t.Fatalf("older page returned error: %v", err)
	}
	t.Logf("older page: messages=%d", len(older.Messages))

	for _, m := range older.Messages {
		if m.CreatedAt >= oldest.CreatedAt {
			t.Errorf("older page contains message at %s, not before %s", m.CreatedAt, oldest.CreatedAt)
		}
	}
}

// =======================================================================
// Group 2: Transcript + Realtime Lifecycle
// =======================================================================

func TestIntegration_Messaging_FullLifecycle(t *testing.T) {
	client := newClient(t)
	selfID := selfUserID(t)
	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)
	defer cancel()

	convs, err := client.Conversations(ctx)
	if err != nil {
		t.Fatalf("Conversations returned error: %v", err)
	}
	if len(convs) == 0 {
		t.Skip("account has no conversations")
	}
	convID := convs[0].ID

	registry := spareplate.NewRegistry(nil)
	realtime := spareplate.NewRealtimeClient(client.BaseURL(), registry, nil)

	// ---------------------------------------------------------------
	// 2.1  Realtime connect
	// ---------------------------------------------------------------
	t.Run("Realtime_Connect", func(t *testing.T) {
		if err := realtime.Connect(ctx, selfID); err != nil {
			t.Fatalf("realtime Connect error: %v", err)
		}
		if realtime.State() != spareplate.StateConnected {
			t.Fatalf("expected connected, got %s", realtime.State())
		}
		t.Logf("realtime connected as %s", selfID)
	})
	defer realtime.Disconnect()

	// ---------------------------------------------------------------
	// 2.2  Store start + snapshot
	// ---------------------------------------------------------------
	store := spareplate.NewConversationStore(client, registry, spareplate.NewMemoryStorage(), selfID, nil)
	store.Start(ctx)
	defer store.Close()

	t.Run("Store_Snapshot", func(t *testing.T) {
		snapshot := store.Conversations()
		t.Logf("store snapshot: count=%d unread=%d", len(snapshot), store.UnreadCount())
	})

	// ---------------------------------------------------------------
	// 2.3  Open transcript, send, observe echo
	// ---------------------------------------------------------------
	tr := spareplate.NewTranscript(client, registry, realtime, spareplate.NewMemoryStorage(), selfID, convID, nil)
	tr.Open(ctx)
	defer tr.Close()

	t.Run("Transcript_SendAndEcho", func(t *testing.T) {
		body := fmt.Sprintf("go integration test %d", time.Now().UnixNano())
		msg, err := tr.Send(ctx, body)
		if err == spareplate.ErrPendingAcceptance {
			t.Skip("conversation pending acceptance by this account")
		}
		if err != nil {
			t.Fatalf("Send error: %v", err)
		}
		if msg.ID == "" {
			t.Fatal("expected a server-assigned message id")
		}
		t.Logf("sent message id=%s", msg.ID)

		found := false
		for _, m := range tr.Messages() {
			if m.ID == msg.ID {
				found = true
				break
			}
		}
		if !found {
			t.Error("sent message not present in the transcript")
		}

		if store.Unread(convID) {
			t.Error("own message marked the conversation unread")
		}
	})

	t.Run("Transcript_LoadOlder", func(t *testing.T) {
		if !tr.HasMore() {
			t.Skip("no more history")
		}
		before := len(tr.Messages())
		if err := tr.LoadOlder(ctx); err != nil {
			t.Fatalf("LoadOlder error: %v", err)
		}
		t.Logf("loaded older page: %d -> %d messages", before, len(tr.Messages()))
	})
}
