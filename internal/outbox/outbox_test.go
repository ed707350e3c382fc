package outbox_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"flowline/internal/db"
	"flowline/internal/events"
	"flowline/internal/migrate"
	"flowline/internal/outbox"
)

func newStore(t *testing.T) (outbox.Store, context.Context) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	store := outbox.Store{DB: conn, Now: func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }}
	return store, context.Background()
}

func enqueueOne(t *testing.T, s outbox.Store, ctx context.Context) int64 {
	t.Helper()
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	w := events.Writer{Now: s.Now}
	eventID, err := w.Append(ctx, tx, events.Record{
		EventType:  events.TypeWorkItemCreated,
		EntityType: "work_item",
		EntityID:   "wi-1",
		ToState:    "new",
		Actor:      "tester",
	})
	if err != nil {
		t.Fatalf("append event: %v", err)
	}
	id, err := s.Enqueue(ctx, tx, eventID)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	return id
}

func TestDrainClaimsOnce(t *testing.T) {
	store, ctx := newStore(t)
	id := enqueueOne(t, store, ctx)

	claimed, err := store.DrainPending(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(claimed) != 1 || claimed[0].ID != id {
		t.Fatalf("claimed %v", claimed)
	}
	if claimed[0].Status != outbox.StatusProcessing {
		t.Fatalf("status = %s, want processing", claimed[0].Status)
	}

	// second drain sees nothing: the record is claimed
	again, err := store.DrainPending(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(again) != 0 {
		t.Fatalf("drained a processing record: %v", again)
	}

	if err := store.MarkDispatched(ctx, id); err != nil {
		t.Fatal(err)
	}
	counts, err := store.CountByStatus(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if counts[outbox.StatusDispatched] != 1 {
		t.Fatalf("counts = %v", counts)
	}
}

func TestMarkFailedRetriesThenParks(t *testing.T) {
	store, ctx := newStore(t)
	store.MaxAttempts = 3
	id := enqueueOne(t, store, ctx)

	for i := 0; i < 2; i++ {
		if _, err := store.DrainPending(ctx, 10); err != nil {
			t.Fatal(err)
		}
		if err := store.MarkFailed(ctx, id, errors.New("boom")); err != nil {
			t.Fatal(err)
		}
		rec, err := store.Get(ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		if rec.Status != outbox.StatusPending {
			t.Fatalf("attempt %d: status = %s, want pending", i+1, rec.Status)
		}
	}

	// third failure hits the ceiling
	if _, err := store.DrainPending(ctx, 10); err != nil {
		t.Fatal(err)
	}
	if err := store.MarkFailed(ctx, id, errors.New("boom")); err != nil {
		t.Fatal(err)
	}
	rec, err := store.Get(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != outbox.StatusFailed {
		t.Fatalf("status = %s, want failed", rec.Status)
	}
	if rec.AttemptCount != 3 {
		t.Fatalf("attempts = %d, want 3", rec.AttemptCount)
	}
	if rec.LastError == nil || *rec.LastError != "boom" {
		t.Fatalf("last error = %v", rec.LastError)
	}
}

func TestRequeueStale(t *testing.T) {
	store, ctx := newStore(t)
	id := enqueueOne(t, store, ctx)

	claimTime := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	store.Now = func() time.Time { return claimTime }
	if _, err := store.DrainPending(ctx, 10); err != nil {
		t.Fatal(err)
	}

	// not yet stale
	store.Now = func() time.Time { return claimTime.Add(5 * time.Minute) }
	n, err := store.RequeueStale(ctx, 10*time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("requeued %d fresh claims", n)
	}

	// past the threshold the claim is abandoned
	store.Now = func() time.Time { return claimTime.Add(11 * time.Minute) }
	n, err = store.RequeueStale(ctx, 10*time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("requeued = %d, want 1", n)
	}
	rec, err := store.Get(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != outbox.StatusPending {
		t.Fatalf("status = %s, want pending", rec.Status)
	}
}
