package session

import (
	"context"
	"testing"

	"github.com/kadirpekel/replyengine/pkg/message"
)

func TestFileStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}

	sess, err := store.Create(ctx, TypeRegular, "/work/project")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	sess.AppendMessage(message.NewMessage(message.RoleUser, message.Text{Value: "hello"}))
	sess.AppendMessage(message.NewMessage(message.RoleAssistant, message.Text{Value: "hi there"}))
	sess.AddUsage(120, 40)
	sess.SetProviderName("anthropic")
	sess.SetModelConfig(ModelConfig{Provider: "anthropic", Model: "claude-sonnet-4-5"})
	sess.ActiveToolGroups = []string{"developer"}
	sess.AllowedExtensions = []string{"mcp"}
	sess.SetDescription("a test session")

	if err := store.Save(sess); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := store.Get(ctx, sess.ID())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	if loaded.ID() != sess.ID() {
		t.Fatalf("id mismatch: got %s want %s", loaded.ID(), sess.ID())
	}
	if loaded.WorkingDir() != "/work/project" {
		t.Fatalf("working dir not persisted: %q", loaded.WorkingDir())
	}
	if loaded.ProviderName() != "anthropic" {
		t.Fatalf("provider name not persisted: %q", loaded.ProviderName())
	}
	if loaded.ModelConfig().Model != "claude-sonnet-4-5" {
		t.Fatalf("model config not persisted: %+v", loaded.ModelConfig())
	}
	if loaded.Description() != "a test session" {
		t.Fatalf("description not persisted: %q", loaded.Description())
	}
	if len(loaded.ActiveToolGroups) != 1 || loaded.ActiveToolGroups[0] != "developer" {
		t.Fatalf("active tool groups not persisted: %v", loaded.ActiveToolGroups)
	}
	if len(loaded.AllowedExtensions) != 1 || loaded.AllowedExtensions[0] != "mcp" {
		t.Fatalf("allowed extensions not persisted: %v", loaded.AllowedExtensions)
	}

	conv := loaded.Conversation()
	if len(conv.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(conv.Messages))
	}
	if conv.Messages[0].Text() != "hello" || conv.Messages[1].Text() != "hi there" {
		t.Fatalf("conversation content not persisted: %+v", conv.Messages)
	}

	tok := loaded.Tokens()
	if tok.AccumulatedTotal != 160 {
		t.Fatalf("token ledger not persisted: %+v", tok)
	}
}

func TestFileStoreGetMissingReturnsErrSessionNotFound(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	if _, err := store.Get(context.Background(), "does-not-exist"); err != ErrSessionNotFound {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestFileStoreList(t *testing.T) {
	ctx := context.Background()
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	if _, err := store.Create(ctx, TypeRegular, "/a"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := store.Create(ctx, TypeRegular, "/b"); err != nil {
		t.Fatalf("Create: %v", err)
	}

	list, err := store.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(list))
	}
}

func TestFileStoreDelete(t *testing.T) {
	ctx := context.Background()
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	sess, err := store.Create(ctx, TypeRegular, "/a")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := store.Delete(ctx, sess.ID()); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := store.Get(ctx, sess.ID()); err != ErrSessionNotFound {
		t.Fatalf("expected ErrSessionNotFound after delete, got %v", err)
	}
}
