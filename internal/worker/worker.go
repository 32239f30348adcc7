// Package worker drains the message queue through the connected channel,
// one message at a time, with human-like pacing between sends.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/BTreeMap/ShopPipe/internal/clock"
	"github.com/BTreeMap/ShopPipe/internal/models"
	"github.com/BTreeMap/ShopPipe/internal/whatsapp"
)

// Worker defaults.
const (
	DefaultPollInterval = 10 * time.Second
	DefaultBatchSize    = 10
	DefaultPacingMin    = 5 * time.Second
	DefaultPacingMax    = 15 * time.Second

	// InterruptedReason is recorded on messages found mid-send at startup.
	InterruptedReason = "interrupted"
)

// Store is the queue persistence the worker needs. store.Store satisfies it.
type Store interface {
	ListDueMessages(ctx context.Context, now int64, limit int) ([]models.QueuedMessage, error)
	ClaimMessage(ctx context.Context, id string) (bool, error)
	ReleaseMessage(ctx context.Context, id string) error
	MarkMessageSent(ctx context.Context, id string, sentAt int64) error
	MarkMessageFailed(ctx context.Context, id string, reason string) error
	FailStaleSending(ctx context.Context, reason string) (int, error)
}

// Sender delivers one message. *whatsapp.Supervisor satisfies it.
type Sender interface {
	IsConnected() bool
	Send(ctx context.Context, to, body string) error
}

// Rand picks pacing delays. *rand.Rand satisfies it.
type Rand interface {
	Int64N(n int64) int64
}

// Hooks are optional metric callbacks, mirroring metrics.Metrics.WorkerHooks.
type Hooks struct {
	OnSent     func(category models.Category, latency time.Duration)
	OnFailed   func(category models.Category)
	OnReleased func()
}

// Option configures a Worker.
type Option func(*Worker)

// WithPollInterval sets how often the queue is polled for due messages.
func WithPollInterval(d time.Duration) Option {
	return func(w *Worker) { w.pollInterval = d }
}

// WithBatchSize caps the messages fetched per tick.
func WithBatchSize(n int) Option {
	return func(w *Worker) { w.batchSize = n }
}

// WithPacing sets the bounds of the random delay between consecutive sends.
func WithPacing(min, max time.Duration) Option {
	return func(w *Worker) {
		w.pacingMin = min
		w.pacingMax = max
	}
}

// WithHourlyLimit caps sends per rolling hour. Zero disables the ceiling.
func WithHourlyLimit(n int) Option {
	return func(w *Worker) { w.hourlyLimit = n }
}

// WithClock sets the time source for polling and pacing.
func WithClock(c clock.Clock) Option {
	return func(w *Worker) { w.clock = c }
}

// WithRand sets the source of pacing delays.
func WithRand(r Rand) Option {
	return func(w *Worker) { w.rng = r }
}

// WithHooks registers metric callbacks.
func WithHooks(h Hooks) Option {
	return func(w *Worker) { w.hooks = h }
}

// TickResult summarizes one poll.
type TickResult struct {
	Due         int  `json:"due"`
	Sent        int  `json:"sent"`
	Failed      int  `json:"failed"`
	LostClaims  int  `json:"lost_claims"`
	Released    int  `json:"released"`
	Skipped     bool `json:"skipped"` // not connected at tick start
	Aborted     bool `json:"aborted"` // connection dropped mid-batch
	RateLimited bool `json:"rate_limited"`
}

// Worker is the single queue consumer.
type Worker struct {
	store        Store
	sender       Sender
	clock        clock.Clock
	rng          Rand
	hooks        Hooks
	pollInterval time.Duration
	batchSize    int
	pacingMin    time.Duration
	pacingMax    time.Duration
	hourlyLimit  int
	limiter      *rate.Limiter

	mu         sync.Mutex
	nextSendAt time.Time
}

// New creates a Worker.
func New(store Store, sender Sender, opts ...Option) *Worker {
	w := &Worker{
		store:        store,
		sender:       sender,
		clock:        clock.New(),
		rng:          rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
		pollInterval: DefaultPollInterval,
		batchSize:    DefaultBatchSize,
		pacingMin:    DefaultPacingMin,
		pacingMax:    DefaultPacingMax,
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.pacingMax < w.pacingMin {
		w.pacingMax = w.pacingMin
	}
	if w.batchSize <= 0 {
		w.batchSize = DefaultBatchSize
	}
	if w.pollInterval <= 0 {
		w.pollInterval = DefaultPollInterval
	}
	if w.hooks.OnSent == nil {
		w.hooks.OnSent = func(models.Category, time.Duration) {}
	}
	if w.hooks.OnFailed == nil {
		w.hooks.OnFailed = func(models.Category) {}
	}
	if w.hooks.OnReleased == nil {
		w.hooks.OnReleased = func() {}
	}
	w.limiter = rate.NewLimiter(rate.Inf, 0)
	if w.hourlyLimit > 0 {
		w.limiter = rate.NewLimiter(rate.Every(time.Hour/time.Duration(w.hourlyLimit)), w.hourlyLimit)
	}
	return w
}

// RecoverStale fails every message a previous process left in sending.
// Those sends may or may not have reached the recipient, so they are
// never retried automatically.
func (w *Worker) RecoverStale(ctx context.Context) (int, error) {
	n, err := w.store.FailStaleSending(ctx, InterruptedReason)
	if err != nil {
		return 0, fmt.Errorf("recover stale sends: %w", err)
	}
	if n > 0 {
		slog.Warn("Worker.RecoverStale: marked interrupted sends as failed", "count", n)
	}
	return n, nil
}

// Run recovers stale sends, then ticks every poll interval until ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	if _, err := w.RecoverStale(ctx); err != nil {
		return err
	}
	slog.Info("Worker.Run: started", "pollInterval", w.pollInterval, "batchSize", w.batchSize)
	for {
		if _, err := w.Tick(ctx); err != nil && ctx.Err() == nil {
			slog.Error("Worker.Run: tick failed", "error", err)
		}
		select {
		case <-ctx.Done():
			slog.Info("Worker.Run: stopping")
			return nil
		case <-w.clock.After(w.pollInterval):
		}
	}
}

// Tick processes one batch of due messages.
func (w *Worker) Tick(ctx context.Context) (TickResult, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	var res TickResult
	if !w.sender.IsConnected() {
		res.Skipped = true
		return res, nil
	}

	msgs, err := w.store.ListDueMessages(ctx, w.clock.Now().Unix(), w.batchSize)
	if err != nil {
		return res, fmt.Errorf("list due messages: %w", err)
	}
	res.Due = len(msgs)

	for _, msg := range msgs {
		if err := w.pace(ctx); err != nil {
			return res, nil
		}
		if !w.sender.IsConnected() {
			slog.Warn("Worker.Tick: connection lost, aborting batch", "remaining", res.Due-res.Sent-res.Failed-res.LostClaims)
			res.Aborted = true
			return res, nil
		}
		now := w.clock.Now()
		reservation := w.limiter.ReserveN(now, 1)
		if delay := reservation.DelayFrom(now); !reservation.OK() || delay > 0 {
			reservation.CancelAt(now)
			slog.Info("Worker.Tick: hourly send ceiling reached", "limit", w.hourlyLimit, "retryIn", delay)
			res.RateLimited = true
			return res, nil
		}

		claimed, err := w.store.ClaimMessage(ctx, msg.ID)
		if err != nil {
			reservation.CancelAt(now)
			return res, fmt.Errorf("claim %s: %w", msg.ID, err)
		}
		if !claimed {
			reservation.CancelAt(now)
			res.LostClaims++
			continue
		}

		aborted, err := w.deliver(ctx, msg, &res)
		if err != nil {
			return res, err
		}
		if aborted {
			reservation.CancelAt(now)
			res.Aborted = true
			return res, nil
		}
		w.nextSendAt = w.clock.Now().Add(w.pacingDelay())
	}
	return res, nil
}

// deliver sends a claimed message and records the outcome. It reports
// true when the channel refused the send because the session dropped.
func (w *Worker) deliver(ctx context.Context, msg models.QueuedMessage, res *TickResult) (bool, error) {
	started := w.clock.Now()
	sendErr := w.sender.Send(ctx, msg.Recipient, msg.Content)
	// Completion writes must land even if shutdown cancelled ctx mid-send.
	wctx := context.WithoutCancel(ctx)

	switch {
	case errors.Is(sendErr, whatsapp.ErrNotConnected):
		if err := w.store.ReleaseMessage(wctx, msg.ID); err != nil {
			return true, fmt.Errorf("release %s: %w", msg.ID, err)
		}
		res.Released++
		w.hooks.OnReleased()
		slog.Warn("Worker.deliver: session dropped before send, released", "id", msg.ID)
		return true, nil
	case sendErr != nil:
		if err := w.store.MarkMessageFailed(wctx, msg.ID, sendErr.Error()); err != nil {
			return false, fmt.Errorf("mark %s failed: %w", msg.ID, err)
		}
		res.Failed++
		w.hooks.OnFailed(msg.Category)
		slog.Error("Worker.deliver: send failed", "id", msg.ID, "category", msg.Category, "error", sendErr)
		return false, nil
	}

	sentAt := w.clock.Now()
	if err := w.store.MarkMessageSent(wctx, msg.ID, sentAt.Unix()); err != nil {
		return false, fmt.Errorf("mark %s sent: %w", msg.ID, err)
	}
	res.Sent++
	w.hooks.OnSent(msg.Category, sentAt.Sub(started))
	slog.Debug("Worker.deliver: message sent", "id", msg.ID, "category", msg.Category)
	return false, nil
}

// pace waits until the pacing gap after the previous send has elapsed,
// which also holds across ticks.
func (w *Worker) pace(ctx context.Context) error {
	if w.nextSendAt.IsZero() {
		return nil
	}
	wait := w.nextSendAt.Sub(w.clock.Now())
	if wait <= 0 {
		return nil
	}
	return w.clock.Sleep(ctx, wait)
}

func (w *Worker) pacingDelay() time.Duration {
	span := int64(w.pacingMax - w.pacingMin)
	if span <= 0 {
		return w.pacingMin
	}
	return w.pacingMin + time.Duration(w.rng.Int64N(span+1))
}
