package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/BTreeMap/ShopPipe/internal/models"
	"github.com/BTreeMap/ShopPipe/internal/whatsapp"
)

func counterValue(t *testing.T, c prometheus.Collector) float64 {
	t.Helper()
	ch := make(chan prometheus.Metric, 1)
	c.Collect(ch)
	var m dto.Metric
	if err := (<-ch).Write(&m); err != nil {
		t.Fatal(err)
	}
	if m.Counter != nil {
		return m.Counter.GetValue()
	}
	return m.Gauge.GetValue()
}

func TestWorkerHooks(t *testing.T) {
	m := New(prometheus.NewRegistry())
	hooks := m.WorkerHooks()
	hooks.OnSent(models.CategoryRecovery, 2*time.Second)
	hooks.OnSent(models.CategoryRecovery, time.Second)
	hooks.OnFailed(models.CategoryWinback15)
	hooks.OnReleased()

	if got := counterValue(t, m.MessagesSent.WithLabelValues("recovery")); got != 2 {
		t.Errorf("sent = %v, want 2", got)
	}
	if got := counterValue(t, m.MessagesFailed.WithLabelValues("winback_15")); got != 1 {
		t.Errorf("failed = %v, want 1", got)
	}
	if got := counterValue(t, m.MessagesReleased); got != 1 {
		t.Errorf("released = %v, want 1", got)
	}
}

func TestGauges(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.SetConnectionState(whatsapp.StateConnected)
	if got := counterValue(t, m.ConnectionState.WithLabelValues("connected")); got != 1 {
		t.Errorf("connected gauge = %v", got)
	}
	if got := counterValue(t, m.ConnectionState.WithLabelValues("disconnected")); got != 0 {
		t.Errorf("disconnected gauge = %v", got)
	}

	m.SetQueueDepth(map[models.MessageStatus]int{models.MessageStatusPending: 4})
	if got := counterValue(t, m.QueueDepth.WithLabelValues("pending")); got != 4 {
		t.Errorf("pending gauge = %v", got)
	}
	if got := counterValue(t, m.QueueDepth.WithLabelValues("failed")); got != 0 {
		t.Errorf("failed gauge = %v", got)
	}

	m.EnqueueHook()(models.CategoryRestockAlert)
	m.ObserveSchedulerRun(errors.New("boom"))
	if got := counterValue(t, m.MessagesEnqueued.WithLabelValues("restock_alert")); got != 1 {
		t.Errorf("enqueued = %v", got)
	}
	if got := counterValue(t, m.SchedulerRuns.WithLabelValues("error")); got != 1 {
		t.Errorf("scheduler errors = %v", got)
	}
}

func TestNewRegistersOnce(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg)
	defer func() {
		if recover() == nil {
			t.Error("expected duplicate registration to panic")
		}
	}()
	New(reg)
}
