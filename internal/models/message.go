package models

import (
	"errors"
	"fmt"
	"strings"
)

// Category classifies a queued message. It drives reporting only.
type Category string

const (
	CategoryRecovery     Category = "recovery"
	CategoryWinback15    Category = "winback_15"
	CategoryWinback30    Category = "winback_30"
	CategoryWinback45    Category = "winback_45"
	CategoryRestockAlert Category = "restock_alert"
	CategoryManual       Category = "manual"
	CategoryCampaign     Category = "campaign"
)

// AllCategories lists every known category in reporting order.
var AllCategories = []Category{
	CategoryRecovery,
	CategoryWinback15,
	CategoryWinback30,
	CategoryWinback45,
	CategoryRestockAlert,
	CategoryManual,
	CategoryCampaign,
}

// Priority values. Lower sends first within the same time slot.
const (
	PriorityRestock  = 1
	PriorityRecovery = 2
	PriorityWinback  = 2
	PriorityDefault  = 5
)

// MessageStatus is the lifecycle state of a queued message.
//
// pending -> sending (claimed) -> sent | failed. sent and failed are terminal.
type MessageStatus string

const (
	MessageStatusPending MessageStatus = "pending"
	MessageStatusSending MessageStatus = "sending"
	MessageStatusSent    MessageStatus = "sent"
	MessageStatusFailed  MessageStatus = "failed"
)

var (
	ErrUnknownCategory = errors.New("unknown message category")
	ErrUnknownStatus   = errors.New("unknown message status")
	ErrEmptyContent    = errors.New("message content cannot be empty")
	ErrContentTooLong  = errors.New("message content exceeds maximum length")
)

// MaxContentLength caps rendered message bodies.
const MaxContentLength = 4096

// ParseCategory converts raw input into a Category, rejecting unknown values.
func ParseCategory(s string) (Category, error) {
	c := Category(strings.TrimSpace(s))
	for _, known := range AllCategories {
		if c == known {
			return c, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownCategory, s)
}

// ParseMessageStatus converts raw input into a MessageStatus, rejecting unknown values.
func ParseMessageStatus(s string) (MessageStatus, error) {
	switch MessageStatus(s) {
	case MessageStatusPending, MessageStatusSending, MessageStatusSent, MessageStatusFailed:
		return MessageStatus(s), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownStatus, s)
	}
}

// IsTerminal reports whether no further transition is allowed.
func (s MessageStatus) IsTerminal() bool {
	return s == MessageStatusSent || s == MessageStatusFailed
}

// WinbackCategory returns the category for a win-back tier in days.
func WinbackCategory(days int) (Category, error) {
	switch days {
	case 15:
		return CategoryWinback15, nil
	case 30:
		return CategoryWinback30, nil
	case 45:
		return CategoryWinback45, nil
	default:
		return "", fmt.Errorf("%w: no win-back tier for %d days", ErrUnknownCategory, days)
	}
}

// QueuedMessage is the unit of work drained by the queue worker.
type QueuedMessage struct {
	ID          string        `json:"id"`
	Recipient   string        `json:"recipient"`
	Content     string        `json:"content"`
	Category    Category      `json:"category"`
	Priority    int           `json:"priority"`
	ScheduledAt int64         `json:"scheduled_at"` // unix seconds; eligible once now >= ScheduledAt
	Status      MessageStatus `json:"status"`
	SentAt      *int64        `json:"sent_at,omitempty"`
	LastError   string        `json:"last_error,omitempty"`
	CreatedAt   int64         `json:"created_at"`
}

// Validate checks the fields required before a message may be persisted.
func (m *QueuedMessage) Validate() error {
	if m.Recipient == "" {
		return ErrEmptyRecipient
	}
	if strings.TrimSpace(m.Content) == "" {
		return ErrEmptyContent
	}
	if len(m.Content) > MaxContentLength {
		return ErrContentTooLong
	}
	if _, err := ParseCategory(string(m.Category)); err != nil {
		return err
	}
	if m.Status != "" {
		if _, err := ParseMessageStatus(string(m.Status)); err != nil {
			return err
		}
	}
	return nil
}

// MarkKind identifies the idempotency side effect tied to a candidate.
type MarkKind string

const (
	MarkNone          MarkKind = ""
	MarkOrderRecovery MarkKind = "order_recovery"
	MarkOrderWinback  MarkKind = "order_winback"
	MarkSubscription  MarkKind = "subscription"
)

// Mark is the idempotency write performed only after its message was inserted.
type Mark struct {
	Kind           MarkKind `json:"kind,omitempty"`
	OrderID        string   `json:"order_id,omitempty"`
	SubscriptionID string   `json:"subscription_id,omitempty"`
	Stage          int      `json:"stage,omitempty"` // win-back tier in days
}

// Candidate is an unscheduled, not yet persisted message produced by a generator.
type Candidate struct {
	Recipient string   `json:"recipient"`
	Content   string   `json:"content"`
	Category  Category `json:"category"`
	Priority  int      `json:"priority"`
	Mark      Mark     `json:"mark"`
}
