package session

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

var ctx = context.Background()

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func testSession(id string) Session {
	now := time.Now().UnixMilli()
	return Session{
		ID:               id,
		Name:             "New Chat",
		Owner:            Owner{Username: "dev", UID: 1000, GID: 1000, Home: "/home/dev"},
		WorkingDirectory: "/home/dev/project",
		AgentType:        "claude",
		Mode:             ModePlan,
		CreatedAt:        now,
		LastActivity:     now,
		IsActive:         true,
	}
}

func TestSQLiteStore_UpsertAndGet(t *testing.T) {
	store := newTestStore(t)

	sess := testSession("sess-1")
	if err := store.UpsertSession(ctx, sess); err != nil {
		t.Fatalf("UpsertSession failed: %v", err)
	}

	got, found, err := store.Get(ctx, "sess-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !found {
		t.Fatal("expected session to be found")
	}
	if got.Name != "New Chat" || got.Mode != ModePlan {
		t.Errorf("unexpected session: %+v", got)
	}
}

func TestSQLiteStore_ListActiveSessions_OrderedByLastActivityDesc(t *testing.T) {
	store := newTestStore(t)

	older := testSession("sess-old")
	older.LastActivity = 1000
	newer := testSession("sess-new")
	newer.LastActivity = 2000

	if err := store.UpsertSession(ctx, older); err != nil {
		t.Fatal(err)
	}
	if err := store.UpsertSession(ctx, newer); err != nil {
		t.Fatal(err)
	}

	list, err := store.ListActiveSessions(ctx)
	if err != nil {
		t.Fatalf("ListActiveSessions failed: %v", err)
	}
	if len(list) != 2 || list[0].ID != "sess-new" || list[1].ID != "sess-old" {
		t.Fatalf("expected [sess-new, sess-old], got %+v", list)
	}
}

func TestSQLiteStore_UpdateSessionField_RejectsUnknownField(t *testing.T) {
	store := newTestStore(t)
	if err := store.UpsertSession(ctx, testSession("sess-1")); err != nil {
		t.Fatal(err)
	}
	if err := store.UpdateSessionField(ctx, "sess-1", "owner_home", "/tmp/evil"); err == nil {
		t.Fatal("expected error for non-whitelisted field")
	}
}

func TestSQLiteStore_UpdateSessionField_NotFound(t *testing.T) {
	store := newTestStore(t)
	if err := store.UpdateSessionField(ctx, "missing", "name", "x"); err != ErrSessionNotFound {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestSQLiteStore_AppendAndLoadMessages(t *testing.T) {
	store := newTestStore(t)
	if err := store.UpsertSession(ctx, testSession("sess-1")); err != nil {
		t.Fatal(err)
	}

	if err := store.AppendMessage(ctx, "sess-1", "user", "hello", 100); err != nil {
		t.Fatalf("AppendMessage failed: %v", err)
	}
	if err := store.AppendMessage(ctx, "sess-1", "assistant", "hi there", 200); err != nil {
		t.Fatalf("AppendMessage failed: %v", err)
	}

	msgs, err := store.LoadMessages(ctx, "sess-1")
	if err != nil {
		t.Fatalf("LoadMessages failed: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Content != "hello" || msgs[1].Content != "hi there" {
		t.Fatalf("unexpected messages: %+v", msgs)
	}

	sess, _, _ := store.Get(ctx, "sess-1")
	if sess.LastActivity != 200 {
		t.Errorf("expected last_activity bumped to 200, got %d", sess.LastActivity)
	}
}

func TestSQLiteStore_AllowedTools(t *testing.T) {
	store := newTestStore(t)
	if err := store.UpsertSession(ctx, testSession("sess-1")); err != nil {
		t.Fatal(err)
	}

	if err := store.AllowTool(ctx, "sess-1", "bash", ""); err != nil {
		t.Fatalf("AllowTool failed: %v", err)
	}
	if err := store.AllowTool(ctx, "sess-1", "bash", ""); err != nil {
		t.Fatalf("AllowTool should be idempotent: %v", err)
	}

	tools, err := store.AllowedToolsFor(ctx, "sess-1")
	if err != nil {
		t.Fatalf("AllowedToolsFor failed: %v", err)
	}
	if len(tools) != 1 || tools[0] != "bash" {
		t.Fatalf("expected [bash], got %v", tools)
	}

	if err := store.ClearAllowedTools(ctx, "sess-1"); err != nil {
		t.Fatalf("ClearAllowedTools failed: %v", err)
	}
	tools, _ = store.AllowedToolsFor(ctx, "sess-1")
	if len(tools) != 0 {
		t.Fatalf("expected no allowed tools after clear, got %v", tools)
	}
}

func TestSQLiteStore_EnqueueDrainPurgeEvents(t *testing.T) {
	store := newTestStore(t)
	if err := store.UpsertSession(ctx, testSession("sess-1")); err != nil {
		t.Fatal(err)
	}

	seq1, err := store.EnqueueEvent(ctx, "sess-1", "text", json.RawMessage(`{"content":"a"}`))
	if err != nil {
		t.Fatalf("EnqueueEvent failed: %v", err)
	}
	seq2, err := store.EnqueueEvent(ctx, "sess-1", "text", json.RawMessage(`{"content":"b"}`))
	if err != nil {
		t.Fatalf("EnqueueEvent failed: %v", err)
	}
	if seq2 != seq1+1 {
		t.Fatalf("expected monotone sequence, got %d then %d", seq1, seq2)
	}

	events, err := store.DrainEvents(ctx, "sess-1")
	if err != nil {
		t.Fatalf("DrainEvents failed: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 pending events, got %d", len(events))
	}

	if err := store.PurgeEvents(ctx, "sess-1", seq1); err != nil {
		t.Fatalf("PurgeEvents failed: %v", err)
	}
	events, _ = store.DrainEvents(ctx, "sess-1")
	if len(events) != 1 || events[0].Sequence != seq2 {
		t.Fatalf("expected only seq2 remaining, got %+v", events)
	}
}

func TestSQLiteStore_DeactivateAndDelete(t *testing.T) {
	store := newTestStore(t)
	if err := store.UpsertSession(ctx, testSession("sess-1")); err != nil {
		t.Fatal(err)
	}

	if err := store.Deactivate(ctx, "sess-1"); err != nil {
		t.Fatalf("Deactivate failed: %v", err)
	}
	active, err := store.ListActiveSessions(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 0 {
		t.Fatalf("expected no active sessions, got %+v", active)
	}
	if _, found, _ := store.Get(ctx, "sess-1"); !found {
		t.Fatal("expected deactivated session row to still exist")
	}

	if err := store.Delete(ctx, "sess-1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, found, _ := store.Get(ctx, "sess-1"); found {
		t.Fatal("expected session row gone after hard delete")
	}
}

func TestSQLiteStore_Delete_CascadesMessagesAndAllowedTools(t *testing.T) {
	store := newTestStore(t)
	if err := store.UpsertSession(ctx, testSession("sess-1")); err != nil {
		t.Fatal(err)
	}
	if err := store.AppendMessage(ctx, "sess-1", "user", "hi", 1); err != nil {
		t.Fatal(err)
	}
	if err := store.AllowTool(ctx, "sess-1", "bash", ""); err != nil {
		t.Fatal(err)
	}

	if err := store.Delete(ctx, "sess-1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	msgs, err := store.LoadMessages(ctx, "sess-1")
	if err != nil {
		t.Fatalf("LoadMessages failed: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("expected messages cascaded away, got %+v", msgs)
	}
	tools, err := store.AllowedToolsFor(ctx, "sess-1")
	if err != nil {
		t.Fatalf("AllowedToolsFor failed: %v", err)
	}
	if len(tools) != 0 {
		t.Fatalf("expected allowed_tools cascaded away, got %v", tools)
	}
}

func TestSQLiteStore_ExpireSessionsOlderThan(t *testing.T) {
	store := newTestStore(t)

	stale := testSession("sess-stale")
	stale.LastActivity = 1000
	fresh := testSession("sess-fresh")
	fresh.LastActivity = time.Now().UnixMilli()

	if err := store.UpsertSession(ctx, stale); err != nil {
		t.Fatal(err)
	}
	if err := store.UpsertSession(ctx, fresh); err != nil {
		t.Fatal(err)
	}

	expired, err := store.ExpireSessionsOlderThan(ctx, 5000)
	if err != nil {
		t.Fatalf("ExpireSessionsOlderThan failed: %v", err)
	}
	if len(expired) != 1 || expired[0] != "sess-stale" {
		t.Fatalf("expected [sess-stale], got %v", expired)
	}

	active, _ := store.ListActiveSessions(ctx)
	if len(active) != 1 || active[0].ID != "sess-fresh" {
		t.Fatalf("expected only sess-fresh active, got %+v", active)
	}
}

func TestSQLiteStore_OnChangeListener_FiresOnUpsertAndDelete(t *testing.T) {
	store := newTestStore(t)

	var events []ChangeEvent
	store.SetOnChangeListener(OnChangeListenerFunc(func(e ChangeEvent) {
		events = append(events, e)
	}))

	if err := store.UpsertSession(ctx, testSession("sess-1")); err != nil {
		t.Fatal(err)
	}
	if err := store.Delete(ctx, "sess-1"); err != nil {
		t.Fatal(err)
	}

	if len(events) != 2 {
		t.Fatalf("expected 2 change events, got %d", len(events))
	}
	if events[0].Op != OperationUpdate || events[1].Op != OperationDelete {
		t.Fatalf("unexpected event ops: %+v", events)
	}
}
