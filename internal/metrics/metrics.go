// Package metrics holds the Prometheus instruments for the queue, the
// worker and the connection supervisor.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/BTreeMap/ShopPipe/internal/models"
	"github.com/BTreeMap/ShopPipe/internal/whatsapp"
	"github.com/BTreeMap/ShopPipe/internal/worker"
)

const namespace = "shoppipe"

// Metrics groups all Prometheus instruments used across the application.
// Registered once at startup via New and passed by pointer.
type Metrics struct {
	MessagesEnqueued *prometheus.CounterVec
	MessagesSent     *prometheus.CounterVec
	MessagesFailed   *prometheus.CounterVec
	MessagesReleased prometheus.Counter
	SendLatency      *prometheus.HistogramVec
	QueueDepth       *prometheus.GaugeVec
	ConnectionState  *prometheus.GaugeVec
	SchedulerRuns    *prometheus.CounterVec
}

// New registers all instruments with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		MessagesEnqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_enqueued_total",
			Help:      "Messages inserted into the queue.",
		}, []string{"category"}),
		MessagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Messages delivered to the channel.",
		}, []string{"category"}),
		MessagesFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_failed_total",
			Help:      "Messages whose send failed. Failed messages are not retried.",
		}, []string{"category"}),
		MessagesReleased: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_released_total",
			Help:      "Claimed messages returned to pending because the session dropped.",
		}),
		SendLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "send_duration_seconds",
			Help:      "Time from claim to channel acknowledgement.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"category"}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_messages",
			Help:      "Messages in the queue by status.",
		}, []string{"status"}),
		ConnectionState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_state",
			Help:      "1 for the current session state, 0 otherwise.",
		}, []string{"state"}),
		SchedulerRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_runs_total",
			Help:      "Daily scheduler runs by outcome.",
		}, []string{"outcome"}),
	}

	reg.MustRegister(
		m.MessagesEnqueued,
		m.MessagesSent,
		m.MessagesFailed,
		m.MessagesReleased,
		m.SendLatency,
		m.QueueDepth,
		m.ConnectionState,
		m.SchedulerRuns,
	)
	m.SetConnectionState(whatsapp.StateDisconnected)
	return m
}

// WorkerHooks returns the callbacks expected by worker.WithHooks.
func (m *Metrics) WorkerHooks() worker.Hooks {
	return worker.Hooks{
		OnSent: func(c models.Category, latency time.Duration) {
			m.MessagesSent.WithLabelValues(string(c)).Inc()
			m.SendLatency.WithLabelValues(string(c)).Observe(latency.Seconds())
		},
		OnFailed: func(c models.Category) {
			m.MessagesFailed.WithLabelValues(string(c)).Inc()
		},
		OnReleased: m.MessagesReleased.Inc,
	}
}

// EnqueueHook counts inserted messages for the scheduler and restock trigger.
func (m *Metrics) EnqueueHook() func(models.Category) {
	return func(c models.Category) {
		m.MessagesEnqueued.WithLabelValues(string(c)).Inc()
	}
}

// SetConnectionState flips the state gauge. Usable as a supervisor state hook.
func (m *Metrics) SetConnectionState(state whatsapp.State) {
	for _, s := range []whatsapp.State{whatsapp.StateDisconnected, whatsapp.StatePairing, whatsapp.StateConnected} {
		v := 0.0
		if s == state {
			v = 1
		}
		m.ConnectionState.WithLabelValues(string(s)).Set(v)
	}
}

// SetQueueDepth publishes per-status counts; missing statuses report zero.
func (m *Metrics) SetQueueDepth(counts map[models.MessageStatus]int) {
	for _, s := range []models.MessageStatus{models.MessageStatusPending, models.MessageStatusSending, models.MessageStatusSent, models.MessageStatusFailed} {
		m.QueueDepth.WithLabelValues(string(s)).Set(float64(counts[s]))
	}
}

// ObserveSchedulerRun counts a daily run by outcome.
func (m *Metrics) ObserveSchedulerRun(err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.SchedulerRuns.WithLabelValues(outcome).Inc()
}
