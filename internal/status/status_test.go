package status

import (
	"context"
	"testing"
	"time"

	"github.com/BTreeMap/ShopPipe/internal/clock"
	"github.com/BTreeMap/ShopPipe/internal/models"
	"github.com/BTreeMap/ShopPipe/internal/store"
	"github.com/BTreeMap/ShopPipe/internal/whatsapp"
)

type fixedConn struct{ state whatsapp.State }

func (f *fixedConn) Status() whatsapp.ConnectionStatus {
	return whatsapp.ConnectionStatus{State: f.state}
}

var noon = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

func seed(t *testing.T, s store.Store) {
	t.Helper()
	ctx := context.Background()
	add := func(id string) {
		msg := &models.QueuedMessage{ID: id, Recipient: "5511999990000", Content: "hi", Category: models.CategoryManual, ScheduledAt: noon.Add(-time.Hour).Unix()}
		if err := s.InsertMessage(ctx, msg); err != nil {
			t.Fatal(err)
		}
	}
	for _, id := range []string{"p1", "p2", "sent-today", "sent-yesterday", "failed"} {
		add(id)
	}
	for _, id := range []string{"sent-today", "sent-yesterday", "failed"} {
		s.ClaimMessage(ctx, id)
	}
	s.MarkMessageSent(ctx, "sent-today", noon.Add(-time.Hour).Unix())
	s.MarkMessageSent(ctx, "sent-yesterday", noon.Add(-24*time.Hour).Unix())
	s.MarkMessageFailed(ctx, "failed", "boom")
}

func TestSnapshot(t *testing.T) {
	s := store.NewInMemoryStore()
	seed(t, s)
	conn := &fixedConn{state: whatsapp.StatePairing}
	var hooked map[models.MessageStatus]int
	r := NewReporter(s, conn, WithLocation(time.UTC), WithClock(clock.NewFake(noon)),
		WithCountsHook(func(c map[models.MessageStatus]int) { hooked = c }))

	snap, err := r.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.PendingCount != 2 || snap.SentTodayCount != 1 || snap.FailedCount != 1 {
		t.Errorf("unexpected counts: %+v", snap)
	}
	if len(snap.RecentItems) != 5 {
		t.Errorf("expected 5 recent items, got %d", len(snap.RecentItems))
	}
	if snap.Connection.State != whatsapp.StatePairing {
		t.Errorf("unexpected connection: %+v", snap.Connection)
	}
	if hooked[models.MessageStatusPending] != 2 {
		t.Errorf("counts hook not called: %v", hooked)
	}
}

func TestSnapshotCachesCountsButNotConnection(t *testing.T) {
	ctx := context.Background()
	s := store.NewInMemoryStore()
	conn := &fixedConn{state: whatsapp.StateDisconnected}
	r := NewReporter(s, conn, WithLocation(time.UTC), WithClock(clock.NewFake(noon)), WithCacheTTL(time.Minute))

	if snap, _ := r.Snapshot(ctx); snap.PendingCount != 0 {
		t.Fatalf("expected empty queue, got %+v", snap)
	}
	s.InsertMessage(ctx, &models.QueuedMessage{Recipient: "5511999990000", Content: "hi", Category: models.CategoryManual})
	conn.state = whatsapp.StateConnected

	snap, _ := r.Snapshot(ctx)
	if snap.PendingCount != 0 {
		t.Errorf("expected cached counts, got %d pending", snap.PendingCount)
	}
	if snap.Connection.State != whatsapp.StateConnected {
		t.Errorf("connection must be live, got %s", snap.Connection.State)
	}

	r.Invalidate()
	if snap, _ := r.Snapshot(ctx); snap.PendingCount != 1 {
		t.Errorf("expected fresh counts after Invalidate, got %d", snap.PendingCount)
	}
}

func TestSnapshotWithoutCache(t *testing.T) {
	ctx := context.Background()
	s := store.NewInMemoryStore()
	r := NewReporter(s, nil, WithCacheTTL(0))
	r.Snapshot(ctx)
	s.InsertMessage(ctx, &models.QueuedMessage{Recipient: "5511999990000", Content: "hi", Category: models.CategoryManual})
	if snap, _ := r.Snapshot(ctx); snap.PendingCount != 1 {
		t.Errorf("expected uncached read, got %+v", snap)
	}
}
