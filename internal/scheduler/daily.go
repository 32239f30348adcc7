package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/BTreeMap/ShopPipe/internal/clock"
	"github.com/BTreeMap/ShopPipe/internal/models"
	"github.com/BTreeMap/ShopPipe/internal/window"
)

// ErrRunInProgress is returned when a daily run is requested while one is active.
var ErrRunInProgress = errors.New("daily run already in progress")

// CandidateSource produces the day's candidates. *generator.Generator satisfies it.
type CandidateSource interface {
	All(ctx context.Context, now time.Time) ([]models.Candidate, []error, error)
}

// Enqueuer persists a message together with its idempotency mark.
type Enqueuer interface {
	EnqueueMessage(ctx context.Context, msg *models.QueuedMessage, mark models.Mark) (bool, error)
}

// Report summarizes one daily run.
type Report struct {
	RunAt         time.Time               `json:"run_at"`
	RestDay       bool                    `json:"rest_day,omitempty"`
	Window        *window.Window          `json:"window,omitempty"`
	Candidates    int                     `json:"candidates"`
	Enqueued      int                     `json:"enqueued"`
	AlreadyQueued int                     `json:"already_queued"`
	Counts        map[models.Category]int `json:"counts"`
	Errors        []string                `json:"errors,omitempty"`

	errs *multierror.Error
}

// Err returns the per-record errors of the run, or nil.
func (r Report) Err() error {
	return r.errs.ErrorOrNil()
}

func (r *Report) addError(err error) {
	r.errs = multierror.Append(r.errs, err)
	r.Errors = append(r.Errors, err.Error())
}

// DailyOption configures a Daily.
type DailyOption func(*Daily)

// WithWindow sets the business window configuration.
func WithWindow(cfg window.Config) DailyOption {
	return func(d *Daily) { d.window = cfg }
}

// WithJitter sets the maximum random slot offset in minutes.
func WithJitter(minutes int) DailyOption {
	return func(d *Daily) { d.jitterMinutes = minutes }
}

// WithClock sets the time source.
func WithClock(c clock.Clock) DailyOption {
	return func(d *Daily) { d.clock = c }
}

// WithRand sets the jitter source.
func WithRand(r window.Rand) DailyOption {
	return func(d *Daily) { d.rng = r }
}

// WithEnqueueHook registers a callback invoked once per inserted message.
func WithEnqueueHook(fn func(models.Category)) DailyOption {
	return func(d *Daily) { d.onEnqueued = fn }
}

// Daily generates, prioritizes and distributes the day's messages.
type Daily struct {
	gen           CandidateSource
	store         Enqueuer
	window        window.Config
	jitterMinutes int
	clock         clock.Clock
	rng           window.Rand
	onEnqueued    func(models.Category)

	running sync.Mutex
}

// NewDaily creates a Daily reading candidates from gen and writing to store.
func NewDaily(gen CandidateSource, store Enqueuer, opts ...DailyOption) *Daily {
	d := &Daily{
		gen:           gen,
		store:         store,
		window:        window.DefaultConfig(),
		jitterMinutes: window.DefaultJitterMinutes,
		clock:         clock.New(),
		rng:           rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
		onEnqueued:    func(models.Category) {},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run executes one scheduling pass. Bad records and failed inserts are
// collected in the report; only a failing data source aborts the run.
func (d *Daily) Run(ctx context.Context) (Report, error) {
	if !d.running.TryLock() {
		return Report{}, ErrRunInProgress
	}
	defer d.running.Unlock()

	now := d.clock.Now()
	report := Report{RunAt: now, Counts: make(map[models.Category]int)}

	if d.window.IsRestDay(now) {
		slog.Info("Daily.Run: rest day, nothing scheduled", "weekday", now.In(loc(d.window)).Weekday())
		report.RestDay = true
		return report, nil
	}

	candidates, skipped, err := d.gen.All(ctx, now)
	if err != nil {
		return report, fmt.Errorf("generate candidates: %w", err)
	}
	for _, e := range skipped {
		report.addError(e)
	}
	report.Candidates = len(candidates)
	if len(candidates) == 0 {
		slog.Info("Daily.Run: no candidates", "skipped", len(skipped))
		return report, nil
	}

	// Stable: equal priorities keep generator emission order.
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Priority < candidates[j].Priority
	})

	w := d.window.Next(now)
	report.Window = &w
	slots := window.Distribute(w, len(candidates), d.jitterMinutes, d.rng)

	for i, c := range candidates {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		msg := &models.QueuedMessage{
			Recipient:   c.Recipient,
			Content:     c.Content,
			Category:    c.Category,
			Priority:    c.Priority,
			ScheduledAt: slots[i].Unix(),
			CreatedAt:   now.Unix(),
		}
		inserted, err := d.store.EnqueueMessage(ctx, msg, c.Mark)
		if err != nil {
			slog.Error("Daily.Run: enqueue failed", "error", err, "category", c.Category, "recipient", c.Recipient)
			report.addError(fmt.Errorf("enqueue %s for %s: %w", c.Category, c.Recipient, err))
			continue
		}
		if !inserted {
			report.AlreadyQueued++
			continue
		}
		report.Enqueued++
		report.Counts[c.Category]++
		d.onEnqueued(c.Category)
	}

	slog.Info("Daily.Run: scheduled", "enqueued", report.Enqueued, "alreadyQueued", report.AlreadyQueued,
		"errors", len(report.Errors), "windowStart", w.Start, "windowEnd", w.End)
	return report, nil
}

func loc(c window.Config) *time.Location {
	if c.Location == nil {
		return time.Local
	}
	return c.Location
}
