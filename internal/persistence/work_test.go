package persistence_test

import (
	"context"
	"testing"
	"time"

	"github.com/0xGeegZ/openclaw-mission-control-sub006/internal/persistence"
)

func TestWork_EnqueueClaimDeliver(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	id, err := store.EnqueueWork(ctx, "A1", "ag1", "ag1", "T1", `{"kind":"review"}`)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	item, err := store.ClaimNextWork(ctx)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if item == nil {
		t.Fatalf("expected a claimable item")
	}
	if item.ID != id {
		t.Fatalf("claimed %s, want %s", item.ID, id)
	}
	if item.Status != persistence.WorkStatusDelivering {
		t.Fatalf("status = %s, want DELIVERING", item.Status)
	}
	if item.Attempt != 1 {
		t.Fatalf("attempt = %d, want 1", item.Attempt)
	}

	// Nothing else is due.
	second, err := store.ClaimNextWork(ctx)
	if err != nil {
		t.Fatalf("claim empty: %v", err)
	}
	if second != nil {
		t.Fatalf("expected empty queue, got %+v", second)
	}

	if err := store.MarkWorkDelivered(ctx, id, "task:T1:agent:ag1:A1:v1"); err != nil {
		t.Fatalf("mark delivered: %v", err)
	}
	got, err := store.GetWorkItem(ctx, id)
	if err != nil {
		t.Fatalf("get item: %v", err)
	}
	if got.Status != persistence.WorkStatusDelivered {
		t.Fatalf("status = %s, want DELIVERED", got.Status)
	}
	if got.SessionKey != "task:T1:agent:ag1:A1:v1" {
		t.Fatalf("session key label = %q", got.SessionKey)
	}
}

func TestWork_RescheduleDelaysAvailability(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	id, err := store.EnqueueWork(ctx, "A1", "ag1", "ag1", "", "ping")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := store.ClaimNextWork(ctx); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := store.RescheduleWork(ctx, id, time.Hour, "agent unreachable"); err != nil {
		t.Fatalf("reschedule: %v", err)
	}

	// Back in QUEUED but not due for an hour.
	item, err := store.GetWorkItem(ctx, id)
	if err != nil {
		t.Fatalf("get item: %v", err)
	}
	if item.Status != persistence.WorkStatusQueued {
		t.Fatalf("status = %s, want QUEUED", item.Status)
	}
	if item.LastError != "agent unreachable" {
		t.Fatalf("last error = %q", item.LastError)
	}
	claimed, err := store.ClaimNextWork(ctx)
	if err != nil {
		t.Fatalf("claim delayed: %v", err)
	}
	if claimed != nil {
		t.Fatalf("delayed item should not be claimable yet")
	}
}

func TestWork_DeadLetterParksItem(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	id, err := store.EnqueueWork(ctx, "A1", "ag1", "ag1", "T1", "x")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := store.ClaimNextWork(ctx); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := store.MarkWorkDeadLetter(ctx, id, "gave up"); err != nil {
		t.Fatalf("dead letter: %v", err)
	}
	item, err := store.GetWorkItem(ctx, id)
	if err != nil {
		t.Fatalf("get item: %v", err)
	}
	if item.Status != persistence.WorkStatusDeadLetter {
		t.Fatalf("status = %s, want DEAD_LETTER", item.Status)
	}
}

func TestWork_CancelForTaskDropsOnlyQueued(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	queued, err := store.EnqueueWork(ctx, "A1", "ag1", "ag1", "T1", "a")
	if err != nil {
		t.Fatalf("enqueue queued: %v", err)
	}
	inflight, err := store.EnqueueWork(ctx, "A1", "ag2", "ag2", "T1", "b")
	if err != nil {
		t.Fatalf("enqueue inflight: %v", err)
	}
	otherTask, err := store.EnqueueWork(ctx, "A1", "ag1", "ag1", "T2", "c")
	if err != nil {
		t.Fatalf("enqueue other: %v", err)
	}

	// Claim one of the T1 items so it is DELIVERING when the cancel lands.
	for {
		item, err := store.ClaimNextWork(ctx)
		if err != nil {
			t.Fatalf("claim: %v", err)
		}
		if item == nil {
			t.Fatalf("expected to claim an item")
		}
		if item.ID == inflight {
			break
		}
		// Park non-target items out of claim range so the loop terminates.
		if err := store.RescheduleWork(ctx, item.ID, time.Hour, ""); err != nil {
			t.Fatalf("park: %v", err)
		}
	}

	canceled, err := store.CancelWorkForTask(ctx, "A1", "T1")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if canceled != 1 {
		t.Fatalf("canceled = %d, want 1 (only the queued T1 item)", canceled)
	}

	q, _ := store.GetWorkItem(ctx, queued)
	if q.Status != persistence.WorkStatusCanceled {
		t.Fatalf("queued T1 item status = %s, want CANCELED", q.Status)
	}
	in, _ := store.GetWorkItem(ctx, inflight)
	if in.Status != persistence.WorkStatusDelivering {
		t.Fatalf("in-flight item status = %s, want DELIVERING", in.Status)
	}
	o, _ := store.GetWorkItem(ctx, otherTask)
	if o.Status == persistence.WorkStatusCanceled {
		t.Fatalf("other task's work must not be canceled")
	}
}
