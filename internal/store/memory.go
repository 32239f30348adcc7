package store

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/BTreeMap/ShopPipe/internal/messaging"
	"github.com/BTreeMap/ShopPipe/internal/models"
	"github.com/BTreeMap/ShopPipe/internal/util"
)

// Compile-time check that InMemoryStore implements Store.
var _ Store = (*InMemoryStore)(nil)

// InMemoryStore keeps everything in process memory. Every method holds one
// mutex, which gives the same atomicity as the SQL backends' conditional updates.
type InMemoryStore struct {
	mu            sync.Mutex
	messages      map[string]*models.QueuedMessage
	orders        map[string]*models.Order
	stock         map[variantKey]int
	subscriptions map[string]*models.RestockSubscription
	now           func() time.Time
}

type variantKey struct {
	productID, variantName string
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		messages:      make(map[string]*models.QueuedMessage),
		orders:        make(map[string]*models.Order),
		stock:         make(map[variantKey]int),
		subscriptions: make(map[string]*models.RestockSubscription),
		now:           time.Now,
	}
}

func (s *InMemoryStore) InsertMessage(ctx context.Context, msg *models.QueuedMessage) error {
	if err := prepareMessage(msg, s.now()); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.messages[msg.ID]; exists {
		return errors.New("duplicate message ID")
	}
	cp := *msg
	s.messages[msg.ID] = &cp
	return nil
}

func (s *InMemoryStore) EnqueueMessage(ctx context.Context, msg *models.QueuedMessage, mark models.Mark) (bool, error) {
	if err := validateMark(mark); err != nil {
		return false, err
	}
	if err := prepareMessage(msg, s.now()); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.messages[msg.ID]; exists {
		return false, errors.New("duplicate message ID")
	}
	if !s.applyMarkLocked(mark) {
		return false, nil
	}
	cp := *msg
	s.messages[msg.ID] = &cp
	return true, nil
}

// applyMarkLocked mirrors the SQL conditional updates. Unknown targets count as not applied.
func (s *InMemoryStore) applyMarkLocked(mark models.Mark) bool {
	switch mark.Kind {
	case models.MarkNone:
		return true
	case models.MarkOrderRecovery:
		o, ok := s.orders[mark.OrderID]
		if !ok || o.RecoveryStatus == models.RecoveryStatusSent {
			return false
		}
		o.RecoveryStatus = models.RecoveryStatusSent
	case models.MarkOrderWinback:
		o, ok := s.orders[mark.OrderID]
		if !ok || o.WinbackStage >= mark.Stage {
			return false
		}
		o.WinbackStage = mark.Stage
	case models.MarkSubscription:
		sub, ok := s.subscriptions[mark.SubscriptionID]
		if !ok || sub.Notified {
			return false
		}
		t := s.now().UTC().Truncate(time.Second)
		sub.Notified = true
		sub.NotifiedAt = &t
	}
	return true
}

func (s *InMemoryStore) ListDueMessages(ctx context.Context, now int64, limit int) ([]models.QueuedMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []models.QueuedMessage
	for _, m := range s.messages {
		if m.Status == models.MessageStatusPending && m.ScheduledAt <= now {
			due = append(due, *m)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].Priority != due[j].Priority {
			return due[i].Priority < due[j].Priority
		}
		if due[i].ScheduledAt != due[j].ScheduledAt {
			return due[i].ScheduledAt < due[j].ScheduledAt
		}
		return due[i].ID < due[j].ID
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (s *InMemoryStore) ClaimMessage(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok || m.Status != models.MessageStatusPending {
		return false, nil
	}
	m.Status = models.MessageStatusSending
	return true, nil
}

func (s *InMemoryStore) completeLocked(id string) (*models.QueuedMessage, error) {
	m, ok := s.messages[id]
	if !ok || m.Status != models.MessageStatusSending {
		return nil, ErrNotClaimed
	}
	return m, nil
}

func (s *InMemoryStore) ReleaseMessage(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.completeLocked(id)
	if err != nil {
		return err
	}
	m.Status = models.MessageStatusPending
	return nil
}

func (s *InMemoryStore) MarkMessageSent(ctx context.Context, id string, sentAt int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.completeLocked(id)
	if err != nil {
		return err
	}
	m.Status = models.MessageStatusSent
	m.SentAt = &sentAt
	m.LastError = ""
	return nil
}

func (s *InMemoryStore) MarkMessageFailed(ctx context.Context, id string, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.completeLocked(id)
	if err != nil {
		return err
	}
	m.Status = models.MessageStatusFailed
	m.LastError = reason
	return nil
}

func (s *InMemoryStore) FailStaleSending(ctx context.Context, reason string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.messages {
		if m.Status == models.MessageStatusSending {
			m.Status = models.MessageStatusFailed
			m.LastError = reason
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) GetMessage(ctx context.Context, id string) (*models.QueuedMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (s *InMemoryStore) CountMessagesByStatus(ctx context.Context) (map[models.MessageStatus]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[models.MessageStatus]int)
	for _, m := range s.messages {
		counts[m.Status]++
	}
	return counts, nil
}

func (s *InMemoryStore) CountSentSince(ctx context.Context, since int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.messages {
		if m.Status == models.MessageStatusSent && m.SentAt != nil && *m.SentAt >= since {
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) ListRecentMessages(ctx context.Context, limit int) ([]models.QueuedMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.QueuedMessage, 0, len(s.messages))
	for _, m := range s.messages {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt > out[j].CreatedAt
		}
		return out[i].ID > out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func cloneOrder(o *models.Order) models.Order {
	cp := *o
	cp.Items = append([]models.OrderItem(nil), o.Items...)
	return cp
}

func (s *InMemoryStore) SaveOrder(ctx context.Context, order *models.Order) error {
	if order.ID == "" {
		return errors.New("order ID cannot be empty")
	}
	if order.RecoveryStatus == "" {
		order.RecoveryStatus = models.RecoveryStatusNone
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := cloneOrder(order)
	cp.CreatedAt = cp.CreatedAt.UTC().Truncate(time.Second)
	if existing, ok := s.orders[order.ID]; ok {
		cp.RecoveryStatus = existing.RecoveryStatus
		cp.WinbackStage = existing.WinbackStage
	}
	s.orders[order.ID] = &cp
	return nil
}

func (s *InMemoryStore) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := cloneOrder(o)
	return &cp, nil
}

func (s *InMemoryStore) listOrders(match func(*models.Order) bool) []models.Order {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Order
	for _, o := range s.orders {
		if match(o) {
			out = append(out, cloneOrder(o))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *InMemoryStore) ListPendingOrders(ctx context.Context, from, to time.Time) ([]models.Order, error) {
	lo, hi := from.Unix(), to.Unix()
	return s.listOrders(func(o *models.Order) bool {
		c := o.CreatedAt.Unix()
		return o.Status == models.OrderStatusPending && o.RecoveryStatus != models.RecoveryStatusSent && c >= lo && c <= hi
	}), nil
}

func (s *InMemoryStore) ListPaidOrders(ctx context.Context, from, to time.Time) ([]models.Order, error) {
	lo, hi := from.Unix(), to.Unix()
	return s.listOrders(func(o *models.Order) bool {
		c := o.CreatedAt.Unix()
		return o.Status.IsPaid() && c >= lo && c < hi
	}), nil
}

func (s *InMemoryStore) HasPaidOrderAfter(ctx context.Context, customerAddress string, t time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	after := t.Unix()
	key := messaging.CustomerKey(customerAddress)
	for _, o := range s.orders {
		if messaging.CustomerKey(o.CustomerAddress) == key && o.Status.IsPaid() && o.CreatedAt.Unix() > after {
			return true, nil
		}
	}
	return false, nil
}

func (s *InMemoryStore) GetVariantStock(ctx context.Context, productID, variantName string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stock[variantKey{productID, variantName}], nil
}

func (s *InMemoryStore) SetVariantStock(ctx context.Context, productID, variantName string, quantity int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := variantKey{productID, variantName}
	old := s.stock[k]
	s.stock[k] = quantity
	return old, nil
}

func (s *InMemoryStore) AddRestockSubscription(ctx context.Context, sub *models.RestockSubscription) error {
	if sub.ProductID == "" || sub.VariantName == "" {
		return errors.New("subscription requires a product and a variant")
	}
	if sub.ContactAddress == "" {
		return models.ErrEmptyRecipient
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.subscriptions {
		if !existing.Notified && existing.ProductID == sub.ProductID && existing.VariantName == sub.VariantName && existing.ContactAddress == sub.ContactAddress {
			*sub = *existing
			return nil
		}
	}
	if sub.ID == "" {
		sub.ID = util.GenerateSubscriptionID()
	}
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = s.now().UTC().Truncate(time.Second)
	}
	sub.Notified = false
	sub.NotifiedAt = nil
	cp := *sub
	s.subscriptions[sub.ID] = &cp
	return nil
}

func (s *InMemoryStore) GetRestockSubscription(ctx context.Context, id string) (*models.RestockSubscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subscriptions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *sub
	return &cp, nil
}

func (s *InMemoryStore) listSubscriptions(match func(*models.RestockSubscription) bool) []models.RestockSubscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.RestockSubscription
	for _, sub := range s.subscriptions {
		if !sub.Notified && match(sub) {
			out = append(out, *sub)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *InMemoryStore) ListUnnotifiedSubscriptions(ctx context.Context) ([]models.RestockSubscription, error) {
	return s.listSubscriptions(func(*models.RestockSubscription) bool { return true }), nil
}

func (s *InMemoryStore) ListUnnotifiedSubscriptionsForVariant(ctx context.Context, productID, variantName string) ([]models.RestockSubscription, error) {
	return s.listSubscriptions(func(sub *models.RestockSubscription) bool {
		return sub.ProductID == productID && sub.VariantName == variantName
	}), nil
}

func (s *InMemoryStore) Close() error { return nil }
