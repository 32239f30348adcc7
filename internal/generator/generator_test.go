package generator

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/BTreeMap/ShopPipe/internal/messaging"
	"github.com/BTreeMap/ShopPipe/internal/models"
	"github.com/BTreeMap/ShopPipe/internal/store"
)

var testNow = time.Date(2026, 3, 20, 8, 0, 0, 0, time.UTC)

func newTestGenerator(s store.Store) *Generator {
	return New(s, WithLocation(time.UTC), WithDefaultCountryCode("55"), WithShopName("Loja Aurora"), WithCurrencySymbol("R$"))
}

func save(t *testing.T, s store.Store, o models.Order) {
	t.Helper()
	if err := s.SaveOrder(context.Background(), &o); err != nil {
		t.Fatalf("SaveOrder: %v", err)
	}
}

func TestRecoveryScenario(t *testing.T) {
	ctx := context.Background()
	s := store.NewInMemoryStore()
	save(t, s, models.Order{ID: "ord_1", CustomerName: "Ana Souza", CustomerAddress: "+55 11 99999-0000", Status: models.OrderStatusPending, Total: 12990, CreatedAt: testNow.Add(-35 * time.Minute)})
	save(t, s, models.Order{ID: "ord_fresh", CustomerName: "Bia", CustomerAddress: "11999990001", Status: models.OrderStatusPending, CreatedAt: testNow.Add(-10 * time.Minute)})
	save(t, s, models.Order{ID: "ord_stale", CustomerName: "Caio", CustomerAddress: "11999990002", Status: models.OrderStatusPending, CreatedAt: testNow.Add(-25 * time.Hour)})
	save(t, s, models.Order{ID: "ord_paid", CustomerName: "Duda", CustomerAddress: "11999990003", Status: models.OrderStatusPaid, CreatedAt: testNow.Add(-time.Hour)})

	g := newTestGenerator(s)
	cands, skipped, err := g.Recovery(ctx, testNow)
	if err != nil {
		t.Fatalf("Recovery: %v", err)
	}
	if len(skipped) != 0 {
		t.Errorf("unexpected skipped records: %v", skipped)
	}
	if len(cands) != 1 {
		t.Fatalf("expected 1 candidate, got %d", len(cands))
	}
	c := cands[0]
	if c.Recipient != "5511999990000" || c.Category != models.CategoryRecovery || c.Priority != models.PriorityRecovery {
		t.Errorf("unexpected candidate: %+v", c)
	}
	if !strings.Contains(c.Content, "R$129.90") || !strings.Contains(c.Content, "Ana") {
		t.Errorf("content should cite total and first name: %q", c.Content)
	}

	msg := &models.QueuedMessage{Recipient: c.Recipient, Content: c.Content, Category: c.Category, Priority: c.Priority, ScheduledAt: testNow.Unix()}
	if ok, err := s.EnqueueMessage(ctx, msg, c.Mark); !ok || err != nil {
		t.Fatalf("EnqueueMessage = %v, %v", ok, err)
	}
	again, _, err := g.Recovery(ctx, testNow)
	if err != nil {
		t.Fatalf("Recovery: %v", err)
	}
	if len(again) != 0 {
		t.Errorf("expected no candidates after marking, got %d", len(again))
	}
}

func TestWinbackSuppressesReturningCustomers(t *testing.T) {
	ctx := context.Background()
	s := store.NewInMemoryStore()
	fifteenAgo := testNow.AddDate(0, 0, -15).Add(-5 * time.Hour) // 03:00 on the tier day
	save(t, s, models.Order{ID: "returned", CustomerName: "Ana", CustomerAddress: "11999990000", Status: models.OrderStatusPaid, CreatedAt: fifteenAgo})
	save(t, s, models.Order{ID: "reorder", CustomerName: "Ana", CustomerAddress: "11999990000", Status: models.OrderStatusDelivered, CreatedAt: testNow.AddDate(0, 0, -3)})
	save(t, s, models.Order{ID: "lapsed", CustomerName: "Bia", CustomerAddress: "11999990001", Status: models.OrderStatusCompleted, CreatedAt: fifteenAgo, Items: []models.OrderItem{
		{ProductName: "Scarf", Quantity: 1, UnitPrice: 5000},
		{ProductName: "Socks", Quantity: 4, UnitPrice: 900},
		{ProductName: "Belt", Quantity: 1, UnitPrice: 7000},
		{ProductName: "Hat", Quantity: 1, UnitPrice: 100},
	}})
	save(t, s, models.Order{ID: "cancelled_later", CustomerName: "Caio", CustomerAddress: "11999990002", Status: models.OrderStatusPaid, CreatedAt: testNow.AddDate(0, 0, -30)})
	save(t, s, models.Order{ID: "cancelled_reorder", CustomerName: "Caio", CustomerAddress: "11999990002", Status: models.OrderStatusCancelled, CreatedAt: testNow.AddDate(0, 0, -1)})
	save(t, s, models.Order{ID: "off_day", CustomerName: "Duda", CustomerAddress: "11999990003", Status: models.OrderStatusPaid, CreatedAt: testNow.AddDate(0, 0, -16)})

	g := newTestGenerator(s)
	cands, _, err := g.Winback(ctx, testNow)
	if err != nil {
		t.Fatalf("Winback: %v", err)
	}
	byOrder := map[string]models.Candidate{}
	for _, c := range cands {
		byOrder[c.Mark.OrderID] = c
	}
	if _, ok := byOrder["returned"]; ok {
		t.Error("customer with a later paid order must be suppressed")
	}
	if _, ok := byOrder["off_day"]; ok {
		t.Error("orders outside the tier day must not be selected")
	}
	lapsed, ok := byOrder["lapsed"]
	if !ok {
		t.Fatal("expected candidate for lapsed customer")
	}
	if lapsed.Category != models.CategoryWinback15 || lapsed.Mark.Stage != 15 || lapsed.Mark.Kind != models.MarkOrderWinback {
		t.Errorf("unexpected lapsed candidate: %+v", lapsed)
	}
	if !strings.Contains(lapsed.Content, "Socks, Belt and Scarf") || strings.Contains(lapsed.Content, "Hat") {
		t.Errorf("expected top three products in content: %q", lapsed.Content)
	}
	caio, ok := byOrder["cancelled_later"]
	if !ok || caio.Category != models.CategoryWinback30 {
		t.Errorf("cancelled reorders must not suppress win-back, got %+v", caio)
	}
	if len(cands) != 2 {
		t.Errorf("expected 2 candidates, got %d", len(cands))
	}
}

func TestWinbackMatchesCustomerAcrossAddressFormats(t *testing.T) {
	ctx := context.Background()
	s := store.NewInMemoryStore()
	save(t, s, models.Order{ID: "first", CustomerName: "Ana", CustomerAddress: "+55 11 99999-0000", Status: models.OrderStatusPaid, CreatedAt: testNow.AddDate(0, 0, -15)})
	save(t, s, models.Order{ID: "again", CustomerName: "Ana", CustomerAddress: "5511999990000", Status: models.OrderStatusPaid, CreatedAt: testNow.AddDate(0, 0, -2)})
	save(t, s, models.Order{ID: "intl", CustomerName: "Bia", CustomerAddress: "0055 11 99999-0001", Status: models.OrderStatusPaid, CreatedAt: testNow.AddDate(0, 0, -30)})
	save(t, s, models.Order{ID: "intl_again", CustomerName: "Bia", CustomerAddress: "+55 (11) 99999-0001", Status: models.OrderStatusShipped, CreatedAt: testNow.AddDate(0, 0, -1)})

	cands, _, err := newTestGenerator(s).Winback(ctx, testNow)
	if err != nil {
		t.Fatalf("Winback: %v", err)
	}
	if len(cands) != 0 {
		t.Errorf("returning customers written in another format must be suppressed, got %+v", cands)
	}
}

func TestWinbackSkipsAlreadyQueuedTier(t *testing.T) {
	ctx := context.Background()
	s := store.NewInMemoryStore()
	save(t, s, models.Order{ID: "o", CustomerName: "Ana", CustomerAddress: "11999990000", Status: models.OrderStatusPaid, CreatedAt: testNow.AddDate(0, 0, -45)})
	msg := &models.QueuedMessage{Recipient: "5511999990000", Content: "x", Category: models.CategoryWinback45, ScheduledAt: 1}
	s.EnqueueMessage(ctx, msg, models.Mark{Kind: models.MarkOrderWinback, OrderID: "o", Stage: 45})

	cands, _, err := newTestGenerator(s).Winback(ctx, testNow)
	if err != nil {
		t.Fatalf("Winback: %v", err)
	}
	if len(cands) != 0 {
		t.Errorf("expected queued tier to be skipped, got %+v", cands)
	}
}

func TestDataErrorsSkipRecord(t *testing.T) {
	ctx := context.Background()
	s := store.NewInMemoryStore()
	save(t, s, models.Order{ID: "no_name", CustomerName: "  ", CustomerAddress: "11999990000", Status: models.OrderStatusPending, CreatedAt: testNow.Add(-time.Hour)})
	save(t, s, models.Order{ID: "bad_phone", CustomerName: "Ana", CustomerAddress: "n/a", Status: models.OrderStatusPending, CreatedAt: testNow.Add(-time.Hour)})
	save(t, s, models.Order{ID: "good", CustomerName: "Bia", CustomerAddress: "11999990001", Status: models.OrderStatusPending, CreatedAt: testNow.Add(-time.Hour)})

	cands, skipped, err := newTestGenerator(s).Recovery(ctx, testNow)
	if err != nil {
		t.Fatalf("Recovery: %v", err)
	}
	if len(cands) != 1 || cands[0].Mark.OrderID != "good" {
		t.Errorf("expected only the good order, got %+v", cands)
	}
	if len(skipped) != 2 {
		t.Fatalf("expected 2 skipped records, got %v", skipped)
	}
	var sawName, sawPhone bool
	for _, e := range skipped {
		var rec *RecordError
		if !errors.As(e, &rec) || rec.Kind != "order" {
			t.Errorf("expected RecordError, got %v", e)
		}
		sawName = sawName || errors.Is(e, ErrMissingCustomerName)
		sawPhone = sawPhone || errors.Is(e, messaging.ErrInvalidRecipient)
	}
	if !sawName || !sawPhone {
		t.Errorf("expected both name and phone errors, got %v", skipped)
	}
}

func TestRestockSweep(t *testing.T) {
	ctx := context.Background()
	s := store.NewInMemoryStore()
	s.SetVariantStock(ctx, "p1", "M", 3)
	s.SetVariantStock(ctx, "p1", "L", 0)
	inStock := &models.RestockSubscription{ProductID: "p1", VariantName: "M", ContactAddress: "11999990000", CustomerName: "Ana", ProductName: "Linen Shirt"}
	outOfStock := &models.RestockSubscription{ProductID: "p1", VariantName: "L", ContactAddress: "11999990001", CustomerName: "Bia"}
	anonymous := &models.RestockSubscription{ProductID: "p1", VariantName: "M", ContactAddress: "11999990002"}
	for _, sub := range []*models.RestockSubscription{inStock, outOfStock, anonymous} {
		if err := s.AddRestockSubscription(ctx, sub); err != nil {
			t.Fatalf("AddRestockSubscription: %v", err)
		}
	}

	cands, skipped, err := newTestGenerator(s).Restock(ctx)
	if err != nil {
		t.Fatalf("Restock: %v", err)
	}
	if len(skipped) != 0 {
		t.Errorf("unexpected skipped: %v", skipped)
	}
	if len(cands) != 2 {
		t.Fatalf("expected 2 candidates, got %d", len(cands))
	}
	for _, c := range cands {
		if c.Category != models.CategoryRestockAlert || c.Priority != models.PriorityRestock || c.Mark.Kind != models.MarkSubscription {
			t.Errorf("unexpected candidate: %+v", c)
		}
		if c.Mark.SubscriptionID == outOfStock.ID {
			t.Error("out-of-stock variant must not produce a candidate")
		}
		if strings.Contains(c.Content, "{") {
			t.Errorf("unrendered placeholder in %q", c.Content)
		}
	}
}

func TestAllEmissionOrder(t *testing.T) {
	ctx := context.Background()
	s := store.NewInMemoryStore()
	save(t, s, models.Order{ID: "w", CustomerName: "Ana", CustomerAddress: "11999990000", Status: models.OrderStatusPaid, CreatedAt: testNow.AddDate(0, 0, -30)})
	save(t, s, models.Order{ID: "r", CustomerName: "Bia", CustomerAddress: "11999990001", Status: models.OrderStatusPending, CreatedAt: testNow.Add(-time.Hour)})
	s.SetVariantStock(ctx, "p1", "M", 1)
	s.AddRestockSubscription(ctx, &models.RestockSubscription{ProductID: "p1", VariantName: "M", ContactAddress: "11999990002", CustomerName: "Caio"})

	cands, _, err := newTestGenerator(s).All(ctx, testNow)
	if err != nil {
		t.Fatalf("All: %v", err)
	}
	want := []models.Category{models.CategoryRestockAlert, models.CategoryRecovery, models.CategoryWinback30}
	if len(cands) != len(want) {
		t.Fatalf("expected %d candidates, got %d", len(want), len(cands))
	}
	for i, c := range want {
		if cands[i].Category != c {
			t.Errorf("position %d: got %s, want %s", i, cands[i].Category, c)
		}
	}
}

func TestTopProducts(t *testing.T) {
	items := []models.OrderItem{
		{ProductName: "A", Quantity: 1, UnitPrice: 100},
		{ProductName: "B", Quantity: 1, UnitPrice: 300},
		{ProductName: "A", Quantity: 2, UnitPrice: 100},
		{ProductName: "", Quantity: 9},
		{ProductName: "C", Quantity: 1, UnitPrice: 200},
	}
	got := TopProducts(items, 2)
	if len(got) != 2 || got[0] != "A" || got[1] != "B" {
		t.Errorf("TopProducts = %v, want [A B]", got)
	}
}

func TestRenderAndFormat(t *testing.T) {
	out := Render("Hi {name}, {name}! {missing}", map[string]string{"name": "Ana"})
	if out != "Hi Ana, Ana! {missing}" {
		t.Errorf("Render = %q", out)
	}
	tests := []struct {
		cents int64
		want  string
	}{
		{0, "$0.00"},
		{5, "$0.05"},
		{12990, "$129.90"},
		{-150, "-$1.50"},
	}
	for _, tt := range tests {
		if got := FormatMoney("$", tt.cents); got != tt.want {
			t.Errorf("FormatMoney(%d) = %q, want %q", tt.cents, got, tt.want)
		}
	}
	if joinProducts([]string{"A", "B"}) != "A and B" {
		t.Errorf("joinProducts two = %q", joinProducts([]string{"A", "B"}))
	}
}
