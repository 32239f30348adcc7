package models

import (
	"errors"
	"strings"
	"testing"
)

func TestParseCategory(t *testing.T) {
	for _, c := range AllCategories {
		got, err := ParseCategory(string(c))
		if err != nil {
			t.Errorf("ParseCategory(%q) unexpected error: %v", c, err)
		}
		if got != c {
			t.Errorf("ParseCategory(%q) = %q", c, got)
		}
	}

	for _, bad := range []string{"", "winback_60", "RECOVERY", "promo"} {
		if _, err := ParseCategory(bad); !errors.Is(err, ErrUnknownCategory) {
			t.Errorf("ParseCategory(%q) expected ErrUnknownCategory, got %v", bad, err)
		}
	}
}

func TestParseMessageStatus(t *testing.T) {
	if _, err := ParseMessageStatus("queued"); !errors.Is(err, ErrUnknownStatus) {
		t.Errorf("expected ErrUnknownStatus, got %v", err)
	}
	s, err := ParseMessageStatus("sent")
	if err != nil || s != MessageStatusSent {
		t.Errorf("ParseMessageStatus(sent) = %q, %v", s, err)
	}
	if !MessageStatusFailed.IsTerminal() || !MessageStatusSent.IsTerminal() {
		t.Error("sent and failed must be terminal")
	}
	if MessageStatusPending.IsTerminal() || MessageStatusSending.IsTerminal() {
		t.Error("pending and sending must not be terminal")
	}
}

func TestWinbackCategory(t *testing.T) {
	tests := []struct {
		days int
		want Category
	}{
		{15, CategoryWinback15},
		{30, CategoryWinback30},
		{45, CategoryWinback45},
	}
	for _, tt := range tests {
		got, err := WinbackCategory(tt.days)
		if err != nil || got != tt.want {
			t.Errorf("WinbackCategory(%d) = %q, %v; want %q", tt.days, got, err, tt.want)
		}
	}
	if _, err := WinbackCategory(60); err == nil {
		t.Error("expected error for unknown tier")
	}
}

func TestQueuedMessageValidate(t *testing.T) {
	tests := []struct {
		name    string
		msg     QueuedMessage
		wantErr error
	}{
		{"valid", QueuedMessage{Recipient: "5511999990000", Content: "hi", Category: CategoryManual}, nil},
		{"empty recipient", QueuedMessage{Content: "hi", Category: CategoryManual}, ErrEmptyRecipient},
		{"empty content", QueuedMessage{Recipient: "5511999990000", Content: "  ", Category: CategoryManual}, ErrEmptyContent},
		{"too long", QueuedMessage{Recipient: "5511999990000", Content: strings.Repeat("a", MaxContentLength+1), Category: CategoryManual}, ErrContentTooLong},
		{"unknown category", QueuedMessage{Recipient: "5511999990000", Content: "hi", Category: "promo"}, ErrUnknownCategory},
		{"unknown status", QueuedMessage{Recipient: "5511999990000", Content: "hi", Category: CategoryManual, Status: "queued"}, ErrUnknownStatus},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.msg.Validate()
			if tt.wantErr == nil {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestOrderStatusIsPaid(t *testing.T) {
	for _, s := range PaidOrderStatuses {
		if !s.IsPaid() {
			t.Errorf("%q should be paid", s)
		}
	}
	if OrderStatusPending.IsPaid() || OrderStatusCancelled.IsPaid() {
		t.Error("pending and cancelled must not count as paid")
	}
}

func TestAPIResponseEnvelope(t *testing.T) {
	msg := &QueuedMessage{ID: "msg_1"}
	tests := []struct {
		name   string
		resp   APIResponse
		status APIStatus
		hasMsg bool
		hasRes bool
	}{
		{"success", Success(map[string]int{"n": 1}), APIStatusOK, false, true},
		{"success with message", SuccessWithMessage("done", nil), APIStatusOK, true, false},
		{"error", Error("boom"), APIStatusError, true, false},
		{"scheduled", ScheduledWithResult(msg), APIStatusScheduled, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.resp.Status != string(tt.status) {
				t.Errorf("status = %q, want %q", tt.resp.Status, tt.status)
			}
			if (tt.resp.Message != "") != tt.hasMsg {
				t.Errorf("unexpected message %q", tt.resp.Message)
			}
			if (tt.resp.Result != nil) != tt.hasRes {
				t.Errorf("unexpected result %v", tt.resp.Result)
			}
		})
	}
}
