package session

import (
	"context"
	"testing"

	"github.com/kadirpekel/replyengine/pkg/message"
)

func TestAddUsageAccumulates(t *testing.T) {
	s := New("", TypeRegular, "/tmp")
	s.AddUsage(100, 20)
	s.AddUsage(50, 10)

	tok := s.Tokens()
	if tok.Input != 50 || tok.Output != 10 || tok.Total != 60 {
		t.Fatalf("expected current counters to be replaced, got %+v", tok)
	}
	if tok.AccumulatedTotal != 180 {
		t.Fatalf("expected accumulated total to grow monotonically, got %d", tok.AccumulatedTotal)
	}
}

func TestApplyCompactionUsageInvariant(t *testing.T) {
	s := New("", TypeRegular, "/tmp")
	s.AddUsage(10000, 500)
	before := s.Tokens().AccumulatedTotal

	s.ApplyCompactionUsage(2000, 10500, 2000)

	tok := s.Tokens()
	if tok.Input != 2000 || tok.Output != 0 || tok.Total != 2000 {
		t.Fatalf("compaction invariant violated: %+v", tok)
	}
	if tok.AccumulatedTotal <= before {
		t.Fatalf("accumulated total must strictly grow after compaction")
	}
}

func TestReplaceConversationIsAtomic(t *testing.T) {
	s := New("", TypeRegular, "/tmp")
	s.AppendMessage(message.NewMessage(message.RoleUser, message.Text{Value: "hi"}))

	newConv := message.NewConversation()
	newConv.Append(message.NewMessage(message.RoleAssistant, message.Text{Value: "summary"}))
	s.ReplaceConversation(newConv)

	got := s.Conversation()
	if len(got.Messages) != 1 || got.Messages[0].Text() != "summary" {
		t.Fatalf("expected conversation fully replaced, got %+v", got.Messages)
	}
}

func TestInMemoryStoreCRUD(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()

	s, err := store.Create(ctx, TypeRegular, "/tmp")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := store.Get(ctx, s.ID())
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ID() != s.ID() {
		t.Fatalf("expected same session returned")
	}

	if err := store.Delete(ctx, s.ID()); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.Get(ctx, s.ID()); err != ErrSessionNotFound {
		t.Fatalf("expected ErrSessionNotFound after delete, got %v", err)
	}
}
