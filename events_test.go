package spareplate

import (
	"testing"
)

func sampleMessage(id ID, sender, createdAt string) *Message {
	return &Message{ID: id, Content: "hello", SenderID: sender, CreatedAt: createdAt, Type: MessageText}
}

func TestRegistry_OrderAndFanout(t *testing.T) {
	r := NewRegistry(nil)

	var order []string
	r.SubscribeNewMessage(func(NewMessageEvent) { order = append(order, "first") })
	r.SubscribeNewMessage(func(NewMessageEvent) { order = append(order, "second") })
	r.SubscribeNewMessage(func(NewMessageEvent) { order = append(order, "third") })

	r.PublishNewMessage(NewMessageEvent{ConversationID: "c1", Message: sampleMessage("1", "u2", "2026-01-01T00:00:00Z")})

	if len(order) != 3 {
		t.Fatalf("expected 3 invocations, got %d", len(order))
	}
	for i, want := range []string{"first", "second", "third"} {
		if order[i] != want {
			t.Fatalf("invocation %d = %q, want %q", i, order[i], want)
		}
	}
}

func TestRegistry_UnsubscribeRemovesExactlyOne(t *testing.T) {
	r := NewRegistry(nil)

	count := 0
	h := func(NewMessageEvent) { count++ }

	off1 := r.SubscribeNewMessage(h)
	r.SubscribeNewMessage(h) // same handler, distinct registration

	off1()
	r.PublishNewMessage(NewMessageEvent{ConversationID: "c1", Message: sampleMessage("1", "u2", "2026-01-01T00:00:00Z")})

	if count != 1 {
		t.Fatalf("expected 1 invocation after unsubscribing one of two registrations, got %d", count)
	}

	// Unsubscribing twice is harmless.
	off1()
	r.PublishNewMessage(NewMessageEvent{ConversationID: "c1", Message: sampleMessage("2", "u2", "2026-01-01T00:00:01Z")})
	if count != 2 {
		t.Fatalf("expected 2 invocations, got %d", count)
	}
}

func TestRegistry_PanicIsolation(t *testing.T) {
	r := NewRegistry(nil)

	ran := false
	r.SubscribeNewMessage(func(NewMessageEvent) { panic("boom") })
	r.SubscribeNewMessage(func(NewMessageEvent) { ran = true })

	r.PublishNewMessage(NewMessageEvent{ConversationID: "c1", Message: sampleMessage("1", "u2", "2026-01-01T00:00:00Z")})

	if !ran {
		t.Fatal("handler after a panicking handler did not run")
	}
}

func TestRegistry_ConversationStarted(t *testing.T) {
	r := NewRegistry(nil)

	var got ID
	off := r.SubscribeConversationStarted(func(ev ConversationStartedEvent) { got = ev.Conversation.ID })

	r.PublishConversationStarted(ConversationStartedEvent{Conversation: &Conversation{ID: "c9"}})
	if got != "c9" {
		t.Fatalf("got conversation %q, want c9", got)
	}

	off()
	got = ""
	r.PublishConversationStarted(ConversationStartedEvent{Conversation: &Conversation{ID: "c10"}})
	if got != "" {
		t.Fatal("handler ran after unsubscribe")
	}
}
