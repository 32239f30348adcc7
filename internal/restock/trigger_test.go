package restock

import (
	"context"
	"testing"
	"time"

	"github.com/BTreeMap/ShopPipe/internal/clock"
	"github.com/BTreeMap/ShopPipe/internal/generator"
	"github.com/BTreeMap/ShopPipe/internal/models"
	"github.com/BTreeMap/ShopPipe/internal/store"
	"github.com/BTreeMap/ShopPipe/internal/window"
)

// Saturday 18:00: the next business window is Monday 09:00-17:00.
var saturdayEvening = time.Date(2026, 3, 7, 18, 0, 0, 0, time.UTC)

func newTestTrigger(s store.Store, now time.Time) *Trigger {
	cfg := window.DefaultConfig()
	cfg.Location = time.UTC
	gen := generator.New(s, generator.WithLocation(time.UTC), generator.WithDefaultCountryCode("55"))
	return NewTrigger(s, gen, WithWindow(cfg), WithClock(clock.NewFake(now)))
}

func TestShouldFire(t *testing.T) {
	tests := []struct {
		old, new int
		want     bool
	}{
		{0, 5, true},
		{-2, 1, true},
		{0, 0, false},
		{3, 8, false},
		{5, 0, false},
		{1, 0, false},
		{-1, -1, false},
	}
	for _, tt := range tests {
		if got := ShouldFire(tt.old, tt.new); got != tt.want {
			t.Errorf("ShouldFire(%d, %d) = %v, want %v", tt.old, tt.new, got, tt.want)
		}
	}
}

func subscribe(t *testing.T, s store.Store, variant, phone, name string) *models.RestockSubscription {
	t.Helper()
	sub := &models.RestockSubscription{ProductID: "shirt", VariantName: variant, ContactAddress: phone, CustomerName: name, ProductName: "Linen Shirt"}
	if err := s.AddRestockSubscription(context.Background(), sub); err != nil {
		t.Fatalf("AddRestockSubscription: %v", err)
	}
	return sub
}

func TestRestockScenario(t *testing.T) {
	ctx := context.Background()
	s := store.NewInMemoryStore()
	subs := []*models.RestockSubscription{
		subscribe(t, s, "X", "11999990000", "Ana"),
		subscribe(t, s, "X", "11999990001", "Bia"),
		subscribe(t, s, "X", "11999990002", "Caio"),
	}
	subscribe(t, s, "Y", "11999990003", "Duda")

	trig := newTestTrigger(s, saturdayEvening)
	res, err := trig.SetStock(ctx, "shirt", "X", 5)
	if err != nil {
		t.Fatalf("SetStock: %v", err)
	}
	if !res.Fired || res.Enqueued != 3 || res.Subscribers != 3 {
		t.Fatalf("unexpected result: %+v", res)
	}

	for _, sub := range subs {
		got, _ := s.GetRestockSubscription(ctx, sub.ID)
		if !got.Notified {
			t.Errorf("subscription %s not notified", sub.ID)
		}
	}

	msgs, _ := s.ListRecentMessages(ctx, 10)
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	wantStart := time.Date(2026, 3, 9, 9, 0, 0, 0, time.UTC)
	w := window.Window{Start: wantStart, End: wantStart.Add(8 * time.Hour)}
	seen := map[int64]bool{}
	for _, m := range msgs {
		if m.Category != models.CategoryRestockAlert || m.Priority != models.PriorityRestock {
			t.Errorf("unexpected message: %+v", m)
		}
		if !w.Contains(time.Unix(m.ScheduledAt, 0)) {
			t.Errorf("scheduledAt %v outside next business window", time.Unix(m.ScheduledAt, 0).UTC())
		}
		seen[m.ScheduledAt] = true
	}
	if len(seen) != 3 {
		t.Errorf("expected 3 distinct send times, got %d", len(seen))
	}

	// The variant Y subscriber is untouched.
	open, _ := s.ListUnnotifiedSubscriptions(ctx)
	if len(open) != 1 || open[0].VariantName != "Y" {
		t.Errorf("expected only the Y subscription open, got %+v", open)
	}
}

func TestRestockIgnoresPartialRestock(t *testing.T) {
	ctx := context.Background()
	s := store.NewInMemoryStore()
	s.SetVariantStock(ctx, "shirt", "X", 2)
	subscribe(t, s, "X", "11999990000", "Ana")

	res, err := newTestTrigger(s, saturdayEvening).SetStock(ctx, "shirt", "X", 10)
	if err != nil {
		t.Fatalf("SetStock: %v", err)
	}
	if res.Fired || res.Enqueued != 0 {
		t.Errorf("restock of an available variant must not fire: %+v", res)
	}
	counts, _ := s.CountMessagesByStatus(ctx)
	if len(counts) != 0 {
		t.Errorf("expected no messages, got %v", counts)
	}
}

func TestRestockRepeatedTransitionDoesNotDuplicate(t *testing.T) {
	ctx := context.Background()
	s := store.NewInMemoryStore()
	subscribe(t, s, "X", "11999990000", "Ana")
	trig := newTestTrigger(s, saturdayEvening)

	if res, _ := trig.OnStockChange(ctx, "shirt", "X", 0, 3); res.Enqueued != 1 {
		t.Fatalf("expected 1 alert, got %+v", res)
	}
	if res, _ := trig.OnStockChange(ctx, "shirt", "X", 0, 3); res.Enqueued != 0 {
		t.Errorf("notified subscriptions must not get a second alert: %+v", res)
	}
	counts, _ := s.CountMessagesByStatus(ctx)
	if counts[models.MessageStatusPending] != 1 {
		t.Errorf("expected one message, got %v", counts)
	}
}

func TestRestockBadSubscriberDoesNotBlockOthers(t *testing.T) {
	ctx := context.Background()
	s := store.NewInMemoryStore()
	bad := subscribe(t, s, "X", "email@example.com", "Ana")
	subscribe(t, s, "X", "11999990001", "Bia")

	res, err := newTestTrigger(s, saturdayEvening).OnStockChange(ctx, "shirt", "X", 0, 1)
	if err != nil {
		t.Fatalf("OnStockChange: %v", err)
	}
	if res.Enqueued != 1 || len(res.Errors) != 1 || res.Err() == nil {
		t.Errorf("expected one alert and one error, got %+v", res)
	}
	got, _ := s.GetRestockSubscription(ctx, bad.ID)
	if got.Notified {
		t.Error("a subscription without a message must stay unnotified")
	}
}

func TestRestockDuringBusinessHours(t *testing.T) {
	ctx := context.Background()
	s := store.NewInMemoryStore()
	subscribe(t, s, "X", "11999990000", "Ana")
	mondayNoon := time.Date(2026, 3, 9, 12, 30, 0, 0, time.UTC)

	res, err := newTestTrigger(s, mondayNoon).OnStockChange(ctx, "shirt", "X", 0, 1)
	if err != nil {
		t.Fatalf("OnStockChange: %v", err)
	}
	if res.Window == nil || !res.Window.Start.Equal(mondayNoon) {
		t.Errorf("expected the rest of today's window, got %+v", res.Window)
	}
}
