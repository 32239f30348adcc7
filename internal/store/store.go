// Package store persists the outbound message queue and the shop data the
// candidate generators read: orders, variant stock and restock subscriptions.
//
// Three backends implement Store: InMemoryStore (tests, ephemeral runs),
// SQLiteStore (default) and PostgresStore.
package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/BTreeMap/ShopPipe/internal/models"
	"github.com/BTreeMap/ShopPipe/internal/util"
)

var (
	// ErrNotFound is returned when a lookup by ID matches no row.
	ErrNotFound = errors.New("not found")
	// ErrNotClaimed is returned when completing a message that is not in the sending state.
	ErrNotClaimed = errors.New("message is not claimed")
	// ErrUnknownMark is returned for a mark kind the store cannot apply.
	ErrUnknownMark = errors.New("unknown mark kind")
)

// MessageRepo is the queue of outbound messages.
type MessageRepo interface {
	// InsertMessage stores msg as pending. ID, CreatedAt and Priority are filled when zero.
	InsertMessage(ctx context.Context, msg *models.QueuedMessage) error
	// EnqueueMessage inserts msg and applies mark in one transaction. It
	// returns false without inserting anything when the mark was already
	// applied by an earlier run.
	EnqueueMessage(ctx context.Context, msg *models.QueuedMessage, mark models.Mark) (bool, error)
	// ListDueMessages returns pending messages with scheduled_at <= now,
	// ordered by priority then scheduled_at, at most limit rows.
	ListDueMessages(ctx context.Context, now int64, limit int) ([]models.QueuedMessage, error)
	// ClaimMessage moves a pending message to sending. Exactly one of any
	// number of concurrent callers observes true.
	ClaimMessage(ctx context.Context, id string) (bool, error)
	// ReleaseMessage returns a claimed message to pending.
	ReleaseMessage(ctx context.Context, id string) error
	MarkMessageSent(ctx context.Context, id string, sentAt int64) error
	MarkMessageFailed(ctx context.Context, id string, reason string) error
	// FailStaleSending marks every message left in sending as failed.
	FailStaleSending(ctx context.Context, reason string) (int, error)
	GetMessage(ctx context.Context, id string) (*models.QueuedMessage, error)
	CountMessagesByStatus(ctx context.Context) (map[models.MessageStatus]int, error)
	CountSentSince(ctx context.Context, since int64) (int, error)
	// ListRecentMessages returns the newest messages first.
	ListRecentMessages(ctx context.Context, limit int) ([]models.QueuedMessage, error)
}

// OrderRepo exposes orders. ShopPipe only writes the recovery and win-back
// marks; SaveOrder exists for the shop integration and for seeding.
type OrderRepo interface {
	SaveOrder(ctx context.Context, order *models.Order) error
	GetOrder(ctx context.Context, id string) (*models.Order, error)
	// ListPendingOrders returns pending orders created in [from, to] whose
	// recovery message has not been queued yet.
	ListPendingOrders(ctx context.Context, from, to time.Time) ([]models.Order, error)
	// ListPaidOrders returns paid orders created in [from, to), items included.
	ListPaidOrders(ctx context.Context, from, to time.Time) ([]models.Order, error)
	// HasPaidOrderAfter reports whether the customer placed a paid order created
	// strictly after t. Addresses are compared by messaging.CustomerKey.
	HasPaidOrderAfter(ctx context.Context, customerAddress string, t time.Time) (bool, error)
}

// StockRepo exposes per-variant stock.
type StockRepo interface {
	// GetVariantStock returns 0 for unknown variants.
	GetVariantStock(ctx context.Context, productID, variantName string) (int, error)
	// SetVariantStock writes the new quantity and returns the previous one.
	SetVariantStock(ctx context.Context, productID, variantName string, quantity int) (int, error)
}

// SubscriptionRepo exposes restock subscriptions.
type SubscriptionRepo interface {
	// AddRestockSubscription is idempotent per (product, variant, contact)
	// while unnotified: an existing open subscription is returned in sub.
	AddRestockSubscription(ctx context.Context, sub *models.RestockSubscription) error
	GetRestockSubscription(ctx context.Context, id string) (*models.RestockSubscription, error)
	ListUnnotifiedSubscriptions(ctx context.Context) ([]models.RestockSubscription, error)
	ListUnnotifiedSubscriptionsForVariant(ctx context.Context, productID, variantName string) ([]models.RestockSubscription, error)
}

// Store is the full persistence surface used by the service.
type Store interface {
	MessageRepo
	OrderRepo
	StockRepo
	SubscriptionRepo
	Close() error
}

// Opts holds configuration options for store implementations.
type Opts struct {
	DSN string
}

// Option defines a function that modifies store options.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithPostgresDSN sets the Postgres connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// DetectDSNType returns "postgres" for Postgres URLs or key=value
// connection strings and "sqlite3" for everything else.
func DetectDSNType(dsn string) string {
	d := strings.TrimSpace(dsn)
	if strings.HasPrefix(d, "postgres://") || strings.HasPrefix(d, "postgresql://") {
		return "postgres"
	}
	if strings.Contains(d, "host=") || strings.Contains(d, "dbname=") || strings.Contains(d, "user=") {
		return "postgres"
	}
	return "sqlite3"
}

// Open creates the backend matching dsn. An empty dsn yields an InMemoryStore.
func Open(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		return NewInMemoryStore(), nil
	}
	if DetectDSNType(dsn) == "postgres" {
		return NewPostgresStore(WithPostgresDSN(dsn))
	}
	return NewSQLiteStore(WithSQLiteDSN(dsn))
}

// prepareMessage fills defaults and validates msg before an insert.
func prepareMessage(msg *models.QueuedMessage, now time.Time) error {
	if msg.ID == "" {
		msg.ID = util.GenerateMessageID()
	}
	if msg.CreatedAt == 0 {
		msg.CreatedAt = now.Unix()
	}
	if msg.ScheduledAt == 0 {
		msg.ScheduledAt = msg.CreatedAt
	}
	if msg.Priority == 0 {
		msg.Priority = models.PriorityDefault
	}
	msg.Status = models.MessageStatusPending
	msg.SentAt = nil
	msg.LastError = ""
	return msg.Validate()
}

func validateMark(mark models.Mark) error {
	switch mark.Kind {
	case models.MarkNone:
		return nil
	case models.MarkOrderRecovery:
		if mark.OrderID == "" {
			return errors.New("recovery mark requires an order ID")
		}
	case models.MarkOrderWinback:
		if mark.OrderID == "" || mark.Stage <= 0 {
			return errors.New("win-back mark requires an order ID and a stage")
		}
	case models.MarkSubscription:
		if mark.SubscriptionID == "" {
			return errors.New("subscription mark requires a subscription ID")
		}
	default:
		return ErrUnknownMark
	}
	return nil
}
