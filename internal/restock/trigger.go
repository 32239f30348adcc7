// Package restock queues back-in-stock alerts the moment a sold-out variant
// is restocked.
package restock

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"

	"github.com/hashicorp/go-multierror"

	"github.com/BTreeMap/ShopPipe/internal/clock"
	"github.com/BTreeMap/ShopPipe/internal/models"
	"github.com/BTreeMap/ShopPipe/internal/window"
)

// Store is the persistence the trigger needs. store.Store satisfies it.
type Store interface {
	ListUnnotifiedSubscriptionsForVariant(ctx context.Context, productID, variantName string) ([]models.RestockSubscription, error)
	EnqueueMessage(ctx context.Context, msg *models.QueuedMessage, mark models.Mark) (bool, error)
	SetVariantStock(ctx context.Context, productID, variantName string, quantity int) (int, error)
}

// CandidateBuilder renders the alert for one subscription. *generator.Generator satisfies it.
type CandidateBuilder interface {
	RestockCandidate(sub models.RestockSubscription) (models.Candidate, error)
}

// ShouldFire reports whether a stock change is a restock from sold out.
// Restocks of variants that never sold out do not notify anyone.
func ShouldFire(oldQty, newQty int) bool {
	return oldQty <= 0 && newQty > 0
}

// Result summarizes one stock change.
type Result struct {
	Fired         bool           `json:"fired"`
	Subscribers   int            `json:"subscribers"`
	Enqueued      int            `json:"enqueued"`
	AlreadyQueued int            `json:"already_queued"`
	Window        *window.Window `json:"window,omitempty"`
	Errors        []string       `json:"errors,omitempty"`

	errs *multierror.Error
}

// Err returns the per-subscriber errors, or nil.
func (r Result) Err() error {
	return r.errs.ErrorOrNil()
}

// Option configures a Trigger.
type Option func(*Trigger)

// WithWindow sets the business window alerts are spread over.
func WithWindow(cfg window.Config) Option {
	return func(t *Trigger) { t.window = cfg }
}

// WithJitter sets the maximum random offset added to each slot, in minutes.
func WithJitter(minutes int) Option {
	return func(t *Trigger) { t.jitterMinutes = minutes }
}

// WithClock sets the time source used to pick the window.
func WithClock(c clock.Clock) Option {
	return func(t *Trigger) { t.clock = c }
}

// WithRand sets the jitter source.
func WithRand(r window.Rand) Option {
	return func(t *Trigger) { t.rng = r }
}

// WithEnqueueHook registers a callback invoked once per inserted alert.
func WithEnqueueHook(fn func(models.Category)) Option {
	return func(t *Trigger) { t.onEnqueued = fn }
}

// Trigger fans a restock out to the variant's subscribers.
type Trigger struct {
	store         Store
	builder       CandidateBuilder
	window        window.Config
	jitterMinutes int
	clock         clock.Clock
	onEnqueued    func(models.Category)

	rngMu sync.Mutex
	rng   window.Rand
}

// NewTrigger creates a Trigger.
func NewTrigger(store Store, builder CandidateBuilder, opts ...Option) *Trigger {
	t := &Trigger{
		store:         store,
		builder:       builder,
		window:        window.DefaultConfig(),
		jitterMinutes: window.DefaultJitterMinutes,
		clock:         clock.New(),
		rng:           rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
		onEnqueued:    func(models.Category) {},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// SetStock persists the new quantity and runs OnStockChange with the previous one.
func (t *Trigger) SetStock(ctx context.Context, productID, variantName string, quantity int) (Result, error) {
	old, err := t.store.SetVariantStock(ctx, productID, variantName, quantity)
	if err != nil {
		return Result{}, fmt.Errorf("set stock: %w", err)
	}
	return t.OnStockChange(ctx, productID, variantName, old, quantity)
}

// OnStockChange must be called synchronously after every stock write. It
// enqueues one restock alert per unnotified subscriber when the variant goes
// from sold out to available, spreading the sends across the next business
// window. Each alert and its subscription mark commit together.
func (t *Trigger) OnStockChange(ctx context.Context, productID, variantName string, oldQty, newQty int) (Result, error) {
	var res Result
	if !ShouldFire(oldQty, newQty) {
		return res, nil
	}
	res.Fired = true

	subs, err := t.store.ListUnnotifiedSubscriptionsForVariant(ctx, productID, variantName)
	if err != nil {
		return res, fmt.Errorf("list subscriptions for %s/%s: %w", productID, variantName, err)
	}
	res.Subscribers = len(subs)
	if len(subs) == 0 {
		slog.Debug("Trigger.OnStockChange: no subscribers", "productID", productID, "variant", variantName)
		return res, nil
	}

	now := t.clock.Now()
	w := t.window.Next(now)
	res.Window = &w
	t.rngMu.Lock()
	slots := window.Distribute(w, len(subs), t.jitterMinutes, t.rng)
	t.rngMu.Unlock()

	for i, sub := range subs {
		c, err := t.builder.RestockCandidate(sub)
		if err != nil {
			slog.Warn("Trigger.OnStockChange: skipping subscription with bad data", "id", sub.ID, "error", err)
			res.addError(fmt.Errorf("subscription %s: %w", sub.ID, err))
			continue
		}
		msg := &models.QueuedMessage{
			Recipient:   c.Recipient,
			Content:     c.Content,
			Category:    c.Category,
			Priority:    c.Priority,
			ScheduledAt: slots[i].Unix(),
			CreatedAt:   now.Unix(),
		}
		inserted, err := t.store.EnqueueMessage(ctx, msg, c.Mark)
		if err != nil {
			slog.Error("Trigger.OnStockChange: enqueue failed", "id", sub.ID, "error", err)
			res.addError(fmt.Errorf("subscription %s: %w", sub.ID, err))
			continue
		}
		if !inserted {
			res.AlreadyQueued++
			continue
		}
		res.Enqueued++
		t.onEnqueued(c.Category)
	}
	slog.Info("Trigger.OnStockChange: restock alerts queued", "productID", productID, "variant", variantName,
		"enqueued", res.Enqueued, "subscribers", res.Subscribers, "windowStart", w.Start)
	return res, nil
}

func (r *Result) addError(err error) {
	r.errs = multierror.Append(r.errs, err)
	r.Errors = append(r.Errors, err.Error())
}
