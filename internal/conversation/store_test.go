package conversation

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/relaybot/relaybot/internal/db"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	dbConn, err := db.OpenSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { _ = dbConn.Close() })

	sqlxDB := sqlx.NewDb(dbConn, "sqlite3")
	store, err := NewStore(sqlxDB, sqlxDB)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return store
}

func TestStore_GetOrCreateConversation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	defaults := Defaults{CodebaseID: "cb-1", CWD: "/repos/backend", AIAssistantType: "claude"}
	conv, err := store.GetOrCreateConversation(ctx, "github", "owner/repo#42", defaults)
	if err != nil {
		t.Fatalf("failed to create conversation: %v", err)
	}
	if conv.ID == "" {
		t.Fatal("expected generated conversation ID")
	}
	if conv.CodebaseID != "cb-1" || conv.CWD != "/repos/backend" || conv.AIAssistantType != "claude" {
		t.Fatalf("defaults not applied: %+v", conv)
	}

	// Second call must return the same row, ignoring new defaults.
	again, err := store.GetOrCreateConversation(ctx, "github", "owner/repo#42", Defaults{CodebaseID: "other"})
	if err != nil {
		t.Fatalf("failed to get existing conversation: %v", err)
	}
	if again.ID != conv.ID {
		t.Fatalf("expected same conversation, got %s and %s", conv.ID, again.ID)
	}
	if again.CodebaseID != "cb-1" {
		t.Fatalf("existing conversation mutated: %+v", again)
	}

	// The same external ID on a different platform is a distinct conversation.
	other, err := store.GetOrCreateConversation(ctx, "slack", "owner/repo#42", Defaults{})
	if err != nil {
		t.Fatalf("failed to create conversation on second platform: %v", err)
	}
	if other.ID == conv.ID {
		t.Fatal("expected distinct conversations per platform")
	}
}

func TestStore_GetConversation_NotFound(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.GetConversation(ctx, "missing"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := store.GetConversationByPlatformID(ctx, "github", "nope"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := store.UpdateConversation(ctx, "missing", Update{CWD: String("/tmp")}); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := store.TouchActivity(ctx, "missing"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStore_UpdateConversation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	conv, err := store.GetOrCreateConversation(ctx, "discord", "chan-1", Defaults{CWD: "/repos/app"})
	if err != nil {
		t.Fatalf("failed to create conversation: %v", err)
	}

	err = store.UpdateConversation(ctx, conv.ID, Update{
		CodebaseID:     String("cb-2"),
		IsolationEnvID: String("env-1"),
		CWD:            String("/worktrees/app/issue-7"),
	})
	if err != nil {
		t.Fatalf("failed to update conversation: %v", err)
	}

	got, err := store.GetConversation(ctx, conv.ID)
	if err != nil {
		t.Fatalf("failed to get conversation: %v", err)
	}
	if got.CodebaseID != "cb-2" || got.IsolationEnvID != "env-1" || got.CWD != "/worktrees/app/issue-7" {
		t.Fatalf("update not applied: %+v", got)
	}

	// Clearing the isolation binding must not touch other fields.
	if err := store.UpdateConversation(ctx, conv.ID, Update{IsolationEnvID: String("")}); err != nil {
		t.Fatalf("failed to clear isolation env: %v", err)
	}
	got, err = store.GetConversation(ctx, conv.ID)
	if err != nil {
		t.Fatalf("failed to get conversation: %v", err)
	}
	if got.IsolationEnvID != "" {
		t.Fatalf("expected cleared isolation env, got %q", got.IsolationEnvID)
	}
	if got.CodebaseID != "cb-2" || got.CWD != "/worktrees/app/issue-7" {
		t.Fatalf("unrelated fields mutated: %+v", got)
	}
}

func TestStore_UpdateConversation_AssistantTypeWriteOnce(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	// An empty column accepts the first value.
	conv, err := store.GetOrCreateConversation(ctx, "test", "conv-1", Defaults{})
	if err != nil {
		t.Fatalf("failed to create conversation: %v", err)
	}
	if conv.AIAssistantType != "" {
		t.Fatalf("expected empty assistant type at creation, got %q", conv.AIAssistantType)
	}
	if err := store.UpdateConversation(ctx, conv.ID, Update{AIAssistantType: String("codex")}); err != nil {
		t.Fatalf("failed to set assistant type: %v", err)
	}
	got, err := store.GetConversation(ctx, conv.ID)
	if err != nil {
		t.Fatalf("failed to get conversation: %v", err)
	}
	if got.AIAssistantType != "codex" {
		t.Fatalf("first write not applied: %q", got.AIAssistantType)
	}

	// Rebinding to another codebase must not change it.
	err = store.UpdateConversation(ctx, conv.ID, Update{
		CodebaseID:      String("cb-other"),
		AIAssistantType: String("claude"),
	})
	if err != nil {
		t.Fatalf("failed to rebind: %v", err)
	}
	got, err = store.GetConversation(ctx, conv.ID)
	if err != nil {
		t.Fatalf("failed to get conversation: %v", err)
	}
	if got.AIAssistantType != "codex" {
		t.Fatalf("assistant type mutated on rebind: %q", got.AIAssistantType)
	}
	if got.CodebaseID != "cb-other" {
		t.Fatalf("rebind lost other fields: %+v", got)
	}

	// A creation-time value is just as final.
	seeded, err := store.GetOrCreateConversation(ctx, "test", "conv-2", Defaults{AIAssistantType: "claude"})
	if err != nil {
		t.Fatalf("failed to create seeded conversation: %v", err)
	}
	if err := store.UpdateConversation(ctx, seeded.ID, Update{AIAssistantType: String("codex")}); err != nil {
		t.Fatalf("failed to update seeded conversation: %v", err)
	}
	got, err = store.GetConversation(ctx, seeded.ID)
	if err != nil {
		t.Fatalf("failed to get seeded conversation: %v", err)
	}
	if got.AIAssistantType != "claude" {
		t.Fatalf("seeded assistant type mutated: %q", got.AIAssistantType)
	}
}

func TestStore_TouchActivity(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	conv, err := store.GetOrCreateConversation(ctx, "telegram", "chat-9", Defaults{})
	if err != nil {
		t.Fatalf("failed to create conversation: %v", err)
	}

	before := conv.LastActivityAt
	time.Sleep(10 * time.Millisecond)
	if err := store.TouchActivity(ctx, conv.ID); err != nil {
		t.Fatalf("failed to touch activity: %v", err)
	}

	got, err := store.GetConversation(ctx, conv.ID)
	if err != nil {
		t.Fatalf("failed to get conversation: %v", err)
	}
	if !got.LastActivityAt.After(before) {
		t.Fatalf("expected last_activity_at to advance: before=%v after=%v", before, got.LastActivityAt)
	}
}

func TestStore_GetConversationsByIsolationEnv(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	a, _ := store.GetOrCreateConversation(ctx, "github", "r#1", Defaults{})
	b, _ := store.GetOrCreateConversation(ctx, "github", "r#2", Defaults{})
	c, _ := store.GetOrCreateConversation(ctx, "slack", "C1:171", Defaults{})

	for _, conv := range []*Conversation{a, b} {
		if err := store.UpdateConversation(ctx, conv.ID, Update{IsolationEnvID: String("env-shared")}); err != nil {
			t.Fatalf("failed to bind isolation env: %v", err)
		}
	}
	if err := store.UpdateConversation(ctx, c.ID, Update{IsolationEnvID: String("env-other")}); err != nil {
		t.Fatalf("failed to bind isolation env: %v", err)
	}

	bound, err := store.GetConversationsByIsolationEnv(ctx, "env-shared")
	if err != nil {
		t.Fatalf("failed to list by isolation env: %v", err)
	}
	if len(bound) != 2 {
		t.Fatalf("expected 2 conversations, got %d", len(bound))
	}

	all, err := store.ListConversations(ctx)
	if err != nil {
		t.Fatalf("failed to list conversations: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 conversations, got %d", len(all))
	}
}

func TestStore_SessionLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	conv, err := store.GetOrCreateConversation(ctx, "github", "owner/repo#7", Defaults{AIAssistantType: "claude"})
	if err != nil {
		t.Fatalf("failed to create conversation: %v", err)
	}

	if _, err := store.GetActiveSession(ctx, conv.ID); err != ErrSessionNotFound {
		t.Fatalf("expected ErrSessionNotFound before first session, got %v", err)
	}

	first := &Session{ConversationID: conv.ID, AIAssistantType: "claude"}
	if err := store.CreateSession(ctx, first); err != nil {
		t.Fatalf("failed to create session: %v", err)
	}
	if !first.Active || first.ID == "" {
		t.Fatalf("expected active session with generated ID: %+v", first)
	}

	// A second active session for the same conversation violates the
	// one-active-session index.
	dup := &Session{ConversationID: conv.ID}
	if err := store.CreateSession(ctx, dup); err == nil {
		t.Fatal("expected unique violation for second active session")
	}

	if err := store.UpdateSessionAssistantID(ctx, first.ID, "resume-token-abc"); err != nil {
		t.Fatalf("failed to update assistant session id: %v", err)
	}
	if err := store.UpdateSessionMetadata(ctx, first.ID, map[string]string{"lastCommand": "plan"}); err != nil {
		t.Fatalf("failed to update metadata: %v", err)
	}

	active, err := store.GetActiveSession(ctx, conv.ID)
	if err != nil {
		t.Fatalf("failed to get active session: %v", err)
	}
	if active.AssistantSessionID != "resume-token-abc" {
		t.Fatalf("expected resume token, got %q", active.AssistantSessionID)
	}
	if active.Metadata["lastCommand"] != "plan" {
		t.Fatalf("expected metadata round-trip, got %+v", active.Metadata)
	}

	if err := store.DeactivateSessionsForConversation(ctx, conv.ID); err != nil {
		t.Fatalf("failed to deactivate sessions: %v", err)
	}
	if _, err := store.GetActiveSession(ctx, conv.ID); err != ErrSessionNotFound {
		t.Fatalf("expected no active session after deactivation, got %v", err)
	}

	// Now a fresh session may be created.
	second := &Session{ConversationID: conv.ID, AIAssistantType: "claude"}
	if err := store.CreateSession(ctx, second); err != nil {
		t.Fatalf("failed to create follow-up session: %v", err)
	}
	if err := store.DeactivateSession(ctx, second.ID); err != nil {
		t.Fatalf("failed to deactivate session: %v", err)
	}
	if err := store.DeactivateSession(ctx, "missing"); err != ErrSessionNotFound {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}
