// Package testutil provides common test utilities and helpers for ShopPipe tests.
package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"time"

	"github.com/BTreeMap/ShopPipe/internal/models"
)

// TestingT is the subset of testing.TB the helpers need.
type TestingT interface {
	Helper()
	Errorf(format string, args ...interface{})
	Fatalf(format string, args ...interface{})
}

// ShopStore is the write side SeedShop fills. store.Store satisfies it.
type ShopStore interface {
	SaveOrder(ctx context.Context, order *models.Order) error
	SetVariantStock(ctx context.Context, productID, variantName string, quantity int) (int, error)
	AddRestockSubscription(ctx context.Context, sub *models.RestockSubscription) error
}

// QueueCounter reports queue depth per status. store.Store satisfies it.
type QueueCounter interface {
	CountMessagesByStatus(ctx context.Context) (map[models.MessageStatus]int, error)
}

// Seeded identifiers written by SeedShop.
const (
	SeedPendingOrderID = "ord_pending"
	SeedPaidOrderID    = "ord_paid"
	SeedProductID      = "linen-shirt"
	SeedVariantName    = "M"
)

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t TestingT, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// AssertAPIResponse decodes the response envelope and validates its status field.
func AssertAPIResponse(t TestingT, rr *httptest.ResponseRecorder, expected models.APIStatus) models.APIResponse {
	t.Helper()
	var response models.APIResponse
	if err := json.NewDecoder(rr.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode JSON response: %v", err)
		return response
	}
	if response.Status != string(expected) {
		t.Errorf("expected status '%s', got '%s' (message %q)", expected, response.Status, response.Message)
	}
	return response
}

// CreateJSONRequest creates an HTTP request carrying a raw JSON body.
func CreateJSONRequest(t TestingT, method, url, body string) *http.Request {
	t.Helper()
	req, err := http.NewRequest(method, url, bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("failed to create HTTP request: %v", err)
		return nil
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	return req
}

// AssertQueueCounts compares the per-status queue depth with want. Statuses
// missing from want are expected to be zero.
func AssertQueueCounts(t TestingT, st QueueCounter, want map[models.MessageStatus]int, label string) {
	t.Helper()
	got, err := st.CountMessagesByStatus(context.Background())
	if err != nil {
		t.Fatalf("%s: failed to count messages: %v", label, err)
		return
	}
	for _, s := range []models.MessageStatus{models.MessageStatusPending, models.MessageStatusSending, models.MessageStatusSent, models.MessageStatusFailed} {
		if got[s] != want[s] {
			t.Errorf("%s: expected %d %s messages, got %d", label, want[s], s, got[s])
		}
	}
}

// SeedShop writes a small storefront relative to now: an order left
// pending 45 minutes ago, a paid order from 15 days ago and a sold-out
// variant with one subscriber.
func SeedShop(t TestingT, st ShopStore, now time.Time) {
	t.Helper()
	ctx := context.Background()

	orders := []models.Order{
		{
			ID:              SeedPendingOrderID,
			CustomerName:    "Ana Souza",
			CustomerAddress: "5511999990001",
			Status:          models.OrderStatusPending,
			Total:           12990,
			CreatedAt:       now.Add(-45 * time.Minute),
		},
		{
			ID:              SeedPaidOrderID,
			CustomerName:    "Bruno Lima",
			CustomerAddress: "5511999990002",
			Status:          models.OrderStatusPaid,
			Total:           25980,
			CreatedAt:       now.AddDate(0, 0, -15),
			Items: []models.OrderItem{
				{ProductName: "Linen Shirt", Quantity: 2, UnitPrice: 12990},
			},
		},
	}
	for i := range orders {
		if err := st.SaveOrder(ctx, &orders[i]); err != nil {
			t.Fatalf("failed to seed order %s: %v", orders[i].ID, err)
			return
		}
	}

	if _, err := st.SetVariantStock(ctx, SeedProductID, SeedVariantName, 0); err != nil {
		t.Fatalf("failed to seed stock: %v", err)
		return
	}
	sub := models.RestockSubscription{
		ProductID:      SeedProductID,
		VariantName:    SeedVariantName,
		ContactAddress: "5511999990003",
		CustomerName:   "Carla",
		ProductName:    "Linen Shirt",
		CreatedAt:      now.AddDate(0, 0, -2),
	}
	if err := st.AddRestockSubscription(ctx, &sub); err != nil {
		t.Fatalf("failed to seed subscription: %v", err)
	}
}

// MustMarshalJSON marshals an object to JSON and fails test on error.
func MustMarshalJSON(t TestingT, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("failed to marshal JSON: %v", err)
	}
	return data
}

// MustUnmarshalJSON unmarshals JSON data into target and fails test on error.
func MustUnmarshalJSON(t TestingT, data []byte, target interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, target); err != nil {
		t.Fatalf("failed to unmarshal JSON: %v", err)
	}
}
