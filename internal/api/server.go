// Package api exposes the operator HTTP surface: queue status, connection
// control, manual enqueue, the scheduler trigger and the stock-write hook.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/BTreeMap/ShopPipe/internal/clock"
	"github.com/BTreeMap/ShopPipe/internal/models"
	"github.com/BTreeMap/ShopPipe/internal/restock"
	"github.com/BTreeMap/ShopPipe/internal/scheduler"
	"github.com/BTreeMap/ShopPipe/internal/status"
	"github.com/BTreeMap/ShopPipe/internal/whatsapp"
)

// Server defaults.
const (
	DefaultAddr            = ":8080"
	DefaultShutdownTimeout = 10 * time.Second
	maxBodyBytes           = 1 << 20
)

// Store is the persistence the handlers write to. store.Store satisfies it.
type Store interface {
	InsertMessage(ctx context.Context, msg *models.QueuedMessage) error
	GetMessage(ctx context.Context, id string) (*models.QueuedMessage, error)
	SaveOrder(ctx context.Context, order *models.Order) error
	AddRestockSubscription(ctx context.Context, sub *models.RestockSubscription) error
}

// Connection is the session control surface. *whatsapp.Supervisor satisfies it.
type Connection interface {
	Status() whatsapp.ConnectionStatus
	PairingCode() string
	Logout(ctx context.Context) error
}

// DailyRunner runs the candidate scheduler on demand.
type DailyRunner interface {
	Run(ctx context.Context) (scheduler.Report, error)
}

// StockSetter persists stock and fires restock alerts.
type StockSetter interface {
	SetStock(ctx context.Context, productID, variantName string, quantity int) (restock.Result, error)
}

// Snapshotter builds the status view.
type Snapshotter interface {
	Snapshot(ctx context.Context) (status.Snapshot, error)
	Invalidate()
}

// Deps are the collaborators the handlers call.
type Deps struct {
	Store      Store
	Connection Connection
	Daily      DailyRunner
	Restock    StockSetter
	Status     Snapshotter
}

// Opts holds configuration options for the API server.
type Opts struct {
	Addr               string
	DefaultCountryCode string
	Gatherer           prometheus.Gatherer
	Clock              clock.Clock
	ShutdownTimeout    time.Duration
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithDefaultCountryCode is prepended to national numbers in requests.
func WithDefaultCountryCode(cc string) Option {
	return func(o *Opts) { o.DefaultCountryCode = cc }
}

// WithGatherer serves reg on /metrics.
func WithGatherer(reg prometheus.Gatherer) Option {
	return func(o *Opts) { o.Gatherer = reg }
}

// WithClock sets the time source for manual enqueue.
func WithClock(c clock.Clock) Option {
	return func(o *Opts) { o.Clock = c }
}

// WithShutdownTimeout bounds graceful shutdown.
func WithShutdownTimeout(d time.Duration) Option {
	return func(o *Opts) { o.ShutdownTimeout = d }
}

// Server is the operator HTTP server.
type Server struct {
	deps Deps
	opts Opts
}

// NewServer creates a Server.
func NewServer(deps Deps, opts ...Option) *Server {
	cfg := Opts{
		Addr:            DefaultAddr,
		Gatherer:        prometheus.DefaultGatherer,
		Clock:           clock.New(),
		ShutdownTimeout: DefaultShutdownTimeout,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Server{deps: deps, opts: cfg}
}

// Handler returns the router with every route registered.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(chimw.RequestSize(maxBodyBytes))
	r.Use(requestLogger)

	r.Get("/status", s.statusHandler)
	r.Route("/connection", func(r chi.Router) {
		r.Get("/", s.connectionHandler)
		r.Get("/qr", s.qrHandler)
		r.Post("/logout", s.logoutHandler)
	})
	r.Post("/messages", s.enqueueHandler)
	r.Get("/messages/{id}", s.getMessageHandler)
	r.Post("/orders", s.orderHandler)
	r.Post("/subscriptions", s.subscriptionHandler)
	r.Put("/stock", s.stockHandler)
	r.Post("/scheduler/run", s.schedulerRunHandler)
	r.Handle("/metrics", promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{}))
	return r
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: listening", "addr", s.opts.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	slog.Info("Server.Run: stopped")
	return nil
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		slog.Debug("Server: request", "method", r.Method, "path", r.URL.Path, "status", ww.Status(), "duration", time.Since(start))
	})
}
