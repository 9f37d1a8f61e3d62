package persistence_test

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/0xGeegZ/openclaw-mission-control-sub006/internal/persistence"
)

func TestSessions_EnsureIsIdempotentWhileOpen(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	scope := persistence.TaskScope("A1", "T1", "ag1")

	first, isNew, err := store.EnsureSession(ctx, scope, "ag1")
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if !isNew {
		t.Fatalf("expected isNew=true on first ensure")
	}
	if first.SessionKey != "task:T1:agent:ag1:A1:v1" {
		t.Fatalf("session key = %q, want task:T1:agent:ag1:A1:v1", first.SessionKey)
	}
	if first.Generation != 1 {
		t.Fatalf("generation = %d, want 1", first.Generation)
	}

	second, isNew, err := store.EnsureSession(ctx, scope, "ag1")
	if err != nil {
		t.Fatalf("second ensure: %v", err)
	}
	if isNew {
		t.Fatalf("expected isNew=false on reuse")
	}
	if second.SessionKey != first.SessionKey {
		t.Fatalf("reuse returned %q, want %q", second.SessionKey, first.SessionKey)
	}
	if second.ID != first.ID {
		t.Fatalf("reuse returned a different row")
	}
}

func TestSessions_GenerationIncrementsAfterClose(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	scope := persistence.TaskScope("A1", "T1", "ag1")

	if _, _, err := store.EnsureSession(ctx, scope, "ag1"); err != nil {
		t.Fatalf("ensure v1: %v", err)
	}
	closed, err := store.CloseSessionsForTask(ctx, "A1", "T1", "")
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if closed != 1 {
		t.Fatalf("closed = %d, want 1", closed)
	}

	next, isNew, err := store.EnsureSession(ctx, scope, "ag1")
	if err != nil {
		t.Fatalf("ensure v2: %v", err)
	}
	if !isNew {
		t.Fatalf("expected a new session after close")
	}
	if next.Generation != 2 {
		t.Fatalf("generation = %d, want 2", next.Generation)
	}
	if next.SessionKey != "task:T1:agent:ag1:A1:v2" {
		t.Fatalf("session key = %q, want task:T1:agent:ag1:A1:v2", next.SessionKey)
	}
}

func TestSessions_SystemScopeKeyFormat(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	sess, _, err := store.EnsureSession(ctx, persistence.SystemScope("A1", "ag1"), "helper-bot")
	if err != nil {
		t.Fatalf("ensure system: %v", err)
	}
	if sess.SessionKey != "system:agent:helper-bot:A1:v1" {
		t.Fatalf("session key = %q, want system:agent:helper-bot:A1:v1", sess.SessionKey)
	}
	if sess.TaskID != "" {
		t.Fatalf("system session must not carry a task_id, got %q", sess.TaskID)
	}
}

func TestSessions_ScopeIsolation(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	scopes := []persistence.SessionScope{
		persistence.TaskScope("A1", "T1", "ag1"),
		persistence.TaskScope("A1", "T2", "ag1"), // different task
		persistence.TaskScope("A1", "T1", "ag2"), // different agent
		persistence.TaskScope("A2", "T1", "ag1"), // different account
		persistence.SystemScope("A1", "ag1"),     // different type
	}
	for _, scope := range scopes {
		if _, _, err := store.EnsureSession(ctx, scope, scope.AgentID); err != nil {
			t.Fatalf("ensure %+v: %v", scope, err)
		}
	}

	// Closing A1/T1 must not touch any other scope.
	closed, err := store.CloseSessionsForTask(ctx, "A1", "T1", "done")
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if closed != 2 {
		t.Fatalf("closed = %d, want 2 (ag1 and ag2 on T1)", closed)
	}

	for _, scope := range scopes[1:2] {
		open, err := store.OpenSession(ctx, scope)
		if err != nil {
			t.Fatalf("open session %+v: %v", scope, err)
		}
		if open == nil {
			t.Fatalf("scope %+v should still be open", scope)
		}
		if open.Generation != 1 {
			t.Fatalf("unrelated scope generation changed: %d", open.Generation)
		}
	}
	for _, scope := range []persistence.SessionScope{scopes[3], scopes[4]} {
		open, err := store.OpenSession(ctx, scope)
		if err != nil {
			t.Fatalf("open session %+v: %v", scope, err)
		}
		if open == nil {
			t.Fatalf("scope %+v should still be open", scope)
		}
	}
}

func TestSessions_BulkCloseCountsOnlyMatchingTask(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	// N=3 open sessions for T1 across agents, M=2 for other work.
	for _, agent := range []string{"ag1", "ag2", "ag3"} {
		if _, _, err := store.EnsureSession(ctx, persistence.TaskScope("A1", "T1", agent), agent); err != nil {
			t.Fatalf("ensure T1/%s: %v", agent, err)
		}
	}
	if _, _, err := store.EnsureSession(ctx, persistence.TaskScope("A1", "T2", "ag1"), "ag1"); err != nil {
		t.Fatalf("ensure T2: %v", err)
	}
	if _, _, err := store.EnsureSession(ctx, persistence.SystemScope("A1", "ag9"), "ag9"); err != nil {
		t.Fatalf("ensure system: %v", err)
	}

	closed, err := store.CloseSessionsForTask(ctx, "A1", "T1", "task completed")
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if closed != 3 {
		t.Fatalf("closed = %d, want 3", closed)
	}

	// Second close is a no-op, not an error.
	closed, err = store.CloseSessionsForTask(ctx, "A1", "T1", "again")
	if err != nil {
		t.Fatalf("re-close: %v", err)
	}
	if closed != 0 {
		t.Fatalf("re-close closed = %d, want 0", closed)
	}
}

func TestSessions_ClosedRowsKeepHistory(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	scope := persistence.TaskScope("A1", "T1", "ag1")

	for i := 0; i < 3; i++ {
		if _, _, err := store.EnsureSession(ctx, scope, "ag1"); err != nil {
			t.Fatalf("ensure: %v", err)
		}
		if _, err := store.CloseSessionsForTask(ctx, "A1", "T1", "cycle"); err != nil {
			t.Fatalf("close: %v", err)
		}
	}

	history, err := store.SessionsForTask(ctx, "A1", "T1")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("history rows = %d, want 3", len(history))
	}
	// Newest generation first.
	if history[0].Generation != 3 || history[2].Generation != 1 {
		t.Fatalf("history order wrong: %d..%d", history[0].Generation, history[2].Generation)
	}
	for _, sess := range history {
		if sess.Open() {
			t.Fatalf("generation %d should be closed", sess.Generation)
		}
		if sess.ClosedReason != "cycle" {
			t.Fatalf("closed reason = %q, want cycle", sess.ClosedReason)
		}
	}
}

func TestSessions_OpenSessionReadMatchesEnsure(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	scope := persistence.TaskScope("A1", "T1", "ag1")

	absent, err := store.OpenSession(ctx, scope)
	if err != nil {
		t.Fatalf("open session: %v", err)
	}
	if absent != nil {
		t.Fatalf("expected no open session, got %+v", absent)
	}

	created, _, err := store.EnsureSession(ctx, scope, "ag1")
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	read, err := store.OpenSession(ctx, scope)
	if err != nil {
		t.Fatalf("open session: %v", err)
	}
	if read == nil || read.SessionKey != created.SessionKey {
		t.Fatalf("read-after-write mismatch: %+v vs %+v", read, created)
	}
}

func TestSessions_ConcurrentEnsureYieldsOneOpenSession(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	scope := persistence.TaskScope("A1", "T1", "ag1")

	const goroutines = 16
	keys := make([]string, goroutines)
	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			sess, _, err := store.EnsureSession(ctx, scope, "ag1")
			if err != nil {
				t.Errorf("concurrent ensure: %v", err)
				return
			}
			keys[slot] = sess.SessionKey
		}(i)
	}
	wg.Wait()

	for i, key := range keys {
		if key != "task:T1:agent:ag1:A1:v1" {
			t.Fatalf("goroutine %d got key %q, want v1", i, key)
		}
	}

	var openCount int
	if err := store.DB().QueryRow(`SELECT COUNT(1) FROM agent_sessions WHERE closed_at IS NULL;`).Scan(&openCount); err != nil {
		t.Fatalf("count open: %v", err)
	}
	if openCount != 1 {
		t.Fatalf("open sessions = %d, want exactly 1", openCount)
	}
}

func TestSessions_ValidationRejectsBeforeIO(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	cases := []struct {
		name  string
		scope persistence.SessionScope
		slug  string
	}{
		{"empty account", persistence.TaskScope("", "T1", "ag1"), "ag1"},
		{"empty task for task scope", persistence.TaskScope("A1", "", "ag1"), "ag1"},
		{"empty agent", persistence.TaskScope("A1", "T1", ""), "ag1"},
		{"empty slug", persistence.TaskScope("A1", "T1", "ag1"), ""},
		{"colon in task id", persistence.TaskScope("A1", "T:1", "ag1"), "ag1"},
		{"whitespace in slug", persistence.TaskScope("A1", "T1", "ag1"), "a g"},
		{"system scope with task id", persistence.SessionScope{AccountID: "A1", Type: persistence.SessionTypeSystem, TaskID: "T1", AgentID: "ag1"}, "ag1"},
		{"unknown type", persistence.SessionScope{AccountID: "A1", Type: "weird", AgentID: "ag1"}, "ag1"},
	}
	for _, tc := range cases {
		if _, _, err := store.EnsureSession(ctx, tc.scope, tc.slug); err == nil {
			t.Errorf("%s: expected validation error", tc.name)
		}
	}

	if _, err := store.CloseSessionsForTask(ctx, "", "T1", ""); err == nil {
		t.Fatalf("expected error for empty account on close")
	}
	if _, err := store.CloseSessionsForTask(ctx, "A1", "", ""); err == nil {
		t.Fatalf("expected error for empty task on close")
	}

	longID := strings.Repeat("x", 129)
	if _, err := store.OpenSession(ctx, persistence.TaskScope(longID, "T1", "ag1")); err == nil {
		t.Fatalf("expected error for oversized account id")
	}
}

func TestSessions_DefaultCloseReason(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	if _, _, err := store.EnsureSession(ctx, persistence.TaskScope("A1", "T1", "ag1"), "ag1"); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if _, err := store.CloseSessionsForTask(ctx, "A1", "T1", ""); err != nil {
		t.Fatalf("close: %v", err)
	}
	history, err := store.SessionsForTask(ctx, "A1", "T1")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 1 || history[0].ClosedReason != "task completed" {
		t.Fatalf("expected default reason 'task completed', got %+v", history)
	}
}
