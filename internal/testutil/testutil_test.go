package testutil

import (
	"context"
	"fmt"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/BTreeMap/ShopPipe/internal/models"
	"github.com/BTreeMap/ShopPipe/internal/store"
)

func TestAssertHTTPStatus(t *testing.T) {
	tests := []struct {
		name       string
		expected   int
		actual     int
		shouldFail bool
	}{
		{"matching status codes", 200, 200, false},
		{"different status codes", 200, 404, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockT := &mockTestingT{}
			AssertHTTPStatus(mockT, tt.expected, tt.actual, "test context")

			if tt.shouldFail != mockT.failed {
				t.Errorf("expected failed=%v, got %v (%s)", tt.shouldFail, mockT.failed, mockT.errorMsg)
			}
			if !mockT.helper {
				t.Error("Helper was not called")
			}
		})
	}
}

func TestAssertAPIResponse(t *testing.T) {
	tests := []struct {
		name       string
		jsonBody   string
		expected   models.APIStatus
		shouldFail bool
	}{
		{"matching status", `{"status":"ok","result":"test"}`, models.APIStatusOK, false},
		{"scheduled", `{"status":"scheduled"}`, models.APIStatusScheduled, false},
		{"different status", `{"status":"error","message":"boom"}`, models.APIStatusOK, true},
		{"invalid JSON", `{"status":}`, models.APIStatusOK, true},
		{"missing status field", `{"result":"test"}`, models.APIStatusOK, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockT := &mockTestingT{}
			rr := httptest.NewRecorder()
			rr.Body.WriteString(tt.jsonBody)

			AssertAPIResponse(mockT, rr, tt.expected)

			if tt.shouldFail != mockT.failed {
				t.Errorf("expected failed=%v, got %v (%s)", tt.shouldFail, mockT.failed, mockT.errorMsg)
			}
		})
	}
}

func TestCreateJSONRequest(t *testing.T) {
	tests := []struct {
		name     string
		method   string
		url      string
		jsonBody string
	}{
		{"GET request with empty body", "GET", "/status", ""},
		{"POST request with JSON body", "POST", "/messages", `{"recipient":"11999990000","content":"hi"}`},
		{"PUT request with stock body", "PUT", "/stock", `{"product_id":"p","variant_name":"M","quantity":3}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := CreateJSONRequest(t, tt.method, tt.url, tt.jsonBody)
			if req.Method != tt.method {
				t.Errorf("Expected method %s, got %s", tt.method, req.Method)
			}
			if req.URL.Path != tt.url {
				t.Errorf("Expected URL %s, got %s", tt.url, req.URL.Path)
			}
			wantType := ""
			if tt.jsonBody != "" {
				wantType = "application/json"
			}
			if got := req.Header.Get("Content-Type"); got != wantType {
				t.Errorf("Expected Content-Type %q, got %q", wantType, got)
			}
		})
	}
}

func TestAssertQueueCounts(t *testing.T) {
	ctx := context.Background()
	st := store.NewInMemoryStore()

	mockT := &mockTestingT{}
	AssertQueueCounts(mockT, st, nil, "empty store")
	if mockT.failed {
		t.Errorf("Expected empty store to pass, got: %s", mockT.errorMsg)
	}

	msg := &models.QueuedMessage{Recipient: "5511999990000", Content: "hi", Category: models.CategoryManual, ScheduledAt: 1}
	if err := st.InsertMessage(ctx, msg); err != nil {
		t.Fatalf("InsertMessage: %v", err)
	}

	mockT = &mockTestingT{}
	AssertQueueCounts(mockT, st, map[models.MessageStatus]int{models.MessageStatusPending: 1}, "one pending")
	if mockT.failed {
		t.Errorf("Expected one pending to pass, got: %s", mockT.errorMsg)
	}

	mockT = &mockTestingT{}
	AssertQueueCounts(mockT, st, map[models.MessageStatus]int{models.MessageStatusSent: 1}, "wrong status")
	if !mockT.failed {
		t.Error("Expected wrong counts to fail")
	}
}

func TestSeedShop(t *testing.T) {
	ctx := context.Background()
	st := store.NewInMemoryStore()
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

	SeedShop(t, st, now)

	pending, err := st.GetOrder(ctx, SeedPendingOrderID)
	if err != nil {
		t.Fatalf("GetOrder pending: %v", err)
	}
	if pending.Status != models.OrderStatusPending || !pending.CreatedAt.Equal(now.Add(-45*time.Minute)) {
		t.Errorf("unexpected pending order: %+v", pending)
	}
	paid, err := st.GetOrder(ctx, SeedPaidOrderID)
	if err != nil {
		t.Fatalf("GetOrder paid: %v", err)
	}
	if !paid.Status.IsPaid() || len(paid.Items) != 1 {
		t.Errorf("unexpected paid order: %+v", paid)
	}
	if qty, _ := st.GetVariantStock(ctx, SeedProductID, SeedVariantName); qty != 0 {
		t.Errorf("expected sold-out variant, got %d", qty)
	}
	subs, err := st.ListUnnotifiedSubscriptionsForVariant(ctx, SeedProductID, SeedVariantName)
	if err != nil || len(subs) != 1 {
		t.Errorf("expected one subscriber, got %d (%v)", len(subs), err)
	}
}

func TestMustJSONRoundTrip(t *testing.T) {
	data := MustMarshalJSON(t, map[string]interface{}{"key": "value", "number": 123})
	var target map[string]interface{}
	MustUnmarshalJSON(t, data, &target)

	if target["key"] != "value" {
		t.Errorf("Expected key to be 'value', got %v", target["key"])
	}
	if target["number"].(float64) != 123 {
		t.Errorf("Expected number to be 123, got %v", target["number"])
	}

	mockT := &mockTestingT{}
	MustUnmarshalJSON(mockT, []byte(`{`), &target)
	if !mockT.failed {
		t.Error("Expected invalid JSON to fail")
	}
}

// mockTestingT records failures instead of stopping the test.
type mockTestingT struct {
	failed   bool
	errorMsg string
	helper   bool
}

func (m *mockTestingT) Helper() {
	m.helper = true
}

func (m *mockTestingT) Errorf(format string, args ...interface{}) {
	m.failed = true
	m.errorMsg = fmt.Sprintf(format, args...)
}

func (m *mockTestingT) Fatalf(format string, args ...interface{}) {
	m.failed = true
	m.errorMsg = fmt.Sprintf(format, args...)
}
