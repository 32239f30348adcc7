// Package status builds the operator status snapshot: queue counts, recent
// items and the connection state.
package status

import (
	"context"
	"fmt"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/BTreeMap/ShopPipe/internal/clock"
	"github.com/BTreeMap/ShopPipe/internal/models"
	"github.com/BTreeMap/ShopPipe/internal/whatsapp"
)

const (
	DefaultCacheTTL    = 2 * time.Second
	DefaultRecentLimit = 20

	snapshotKey = "snapshot"
)

// Store is the read side of the queue. store.Store satisfies it.
type Store interface {
	CountMessagesByStatus(ctx context.Context) (map[models.MessageStatus]int, error)
	CountSentSince(ctx context.Context, since int64) (int, error)
	ListRecentMessages(ctx context.Context, limit int) ([]models.QueuedMessage, error)
}

// Connection reports the session state. *whatsapp.Supervisor satisfies it.
type Connection interface {
	Status() whatsapp.ConnectionStatus
}

// Snapshot is the operator view.
type Snapshot struct {
	PendingCount   int                       `json:"pending_count"`
	SendingCount   int                       `json:"sending_count"`
	SentTodayCount int                       `json:"sent_today_count"`
	FailedCount    int                       `json:"failed_count"`
	RecentItems    []models.QueuedMessage    `json:"recent_items"`
	Connection     whatsapp.ConnectionStatus `json:"connection"`
	GeneratedAt    time.Time                 `json:"generated_at"`
}

// Option configures a Reporter.
type Option func(*Reporter)

// WithLocation sets the location that defines "today".
func WithLocation(loc *time.Location) Option {
	return func(r *Reporter) { r.loc = loc }
}

// WithClock sets the time source for the sent-today boundary.
func WithClock(c clock.Clock) Option {
	return func(r *Reporter) { r.clock = c }
}

// WithCacheTTL sets how long queue counts are reused. Zero disables caching.
func WithCacheTTL(d time.Duration) Option {
	return func(r *Reporter) { r.ttl = d }
}

// WithRecentLimit caps the recent items in a snapshot.
func WithRecentLimit(n int) Option {
	return func(r *Reporter) { r.recentLimit = n }
}

// WithCountsHook receives the per-status counts on every fresh read.
func WithCountsHook(fn func(map[models.MessageStatus]int)) Option {
	return func(r *Reporter) { r.onCounts = fn }
}

// Reporter assembles snapshots. Queue figures are cached briefly so
// dashboards polling the endpoint do not hammer the store; the connection
// state is always read live.
type Reporter struct {
	store       Store
	conn        Connection
	loc         *time.Location
	clock       clock.Clock
	ttl         time.Duration
	recentLimit int
	onCounts    func(map[models.MessageStatus]int)
	cache       *gocache.Cache
}

// NewReporter creates a Reporter.
func NewReporter(store Store, conn Connection, opts ...Option) *Reporter {
	r := &Reporter{
		store:       store,
		conn:        conn,
		loc:         time.Local,
		clock:       clock.New(),
		ttl:         DefaultCacheTTL,
		recentLimit: DefaultRecentLimit,
		onCounts:    func(map[models.MessageStatus]int) {},
	}
	for _, opt := range opts {
		opt(r)
	}
	r.cache = gocache.New(r.ttl, 10*r.ttl+time.Minute)
	return r
}

// Snapshot returns the current status.
func (r *Reporter) Snapshot(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	if cached, ok := r.cache.Get(snapshotKey); ok && r.ttl > 0 {
		snap = cached.(Snapshot)
	} else {
		fresh, err := r.load(ctx)
		if err != nil {
			return Snapshot{}, err
		}
		snap = fresh
		if r.ttl > 0 {
			r.cache.Set(snapshotKey, snap, r.ttl)
		}
	}
	if r.conn != nil {
		snap.Connection = r.conn.Status()
	}
	return snap, nil
}

// Invalidate drops cached queue figures, e.g. after a manual enqueue.
func (r *Reporter) Invalidate() {
	r.cache.Delete(snapshotKey)
}

func (r *Reporter) load(ctx context.Context) (Snapshot, error) {
	now := r.clock.Now()
	counts, err := r.store.CountMessagesByStatus(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("count messages: %w", err)
	}
	local := now.In(r.loc)
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, r.loc)
	sentToday, err := r.store.CountSentSince(ctx, midnight.Unix())
	if err != nil {
		return Snapshot{}, fmt.Errorf("count sent today: %w", err)
	}
	recent, err := r.store.ListRecentMessages(ctx, r.recentLimit)
	if err != nil {
		return Snapshot{}, fmt.Errorf("list recent messages: %w", err)
	}
	if recent == nil {
		recent = []models.QueuedMessage{}
	}
	r.onCounts(counts)
	return Snapshot{
		PendingCount:   counts[models.MessageStatusPending],
		SendingCount:   counts[models.MessageStatusSending],
		SentTodayCount: sentToday,
		FailedCount:    counts[models.MessageStatusFailed],
		RecentItems:    recent,
		GeneratedAt:    now,
	}, nil
}
