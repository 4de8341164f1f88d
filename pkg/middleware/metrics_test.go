package middleware

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/vango-dev/boardsync/pkg/protocol"
	"github.com/vango-dev/boardsync/pkg/server"
)

func metricCounterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("counter Write() error: %v", err)
	}
	if m.Counter == nil {
		t.Fatal("expected counter metric to have Counter field")
	}
	return m.GetCounter().GetValue()
}

func metricGaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	var m dto.Metric
	if err := g.Write(&m); err != nil {
		t.Fatalf("gauge Write() error: %v", err)
	}
	if m.Gauge == nil {
		t.Fatal("expected gauge metric to have Gauge field")
	}
	return m.GetGauge().GetValue()
}

func metricHistogramCount(t *testing.T, o prometheus.Observer) uint64 {
	t.Helper()
	metric, ok := o.(prometheus.Metric)
	if !ok {
		t.Fatalf("observer %T does not implement prometheus.Metric", o)
	}
	var m dto.Metric
	if err := metric.Write(&m); err != nil {
		t.Fatalf("histogram Write() error: %v", err)
	}
	if m.Histogram == nil {
		t.Fatal("expected histogram metric to have Histogram field")
	}
	return m.GetHistogram().GetSampleCount()
}

func drawEvent() *server.EventContext {
	ec := server.NewEventContext(context.Background(), protocol.Draw{
		BoardID:  "b1",
		Elements: protocol.EmptyElements,
	})
	ec.Size = 64
	return ec
}

func TestMetricsMiddleware_RecordsStatus(t *testing.T) {
	m := NewMetrics(WithRegistry(prometheus.NewRegistry()))
	mw := m.Middleware()

	if err := mw.Handle(drawEvent(), func() error { return nil }); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	forbidden := fmt.Errorf("%w: view access", server.ErrForbidden)
	if err := mw.Handle(drawEvent(), func() error { return forbidden }); !errors.Is(err, server.ErrForbidden) {
		t.Fatalf("expected forbidden error to propagate, got %v", err)
	}

	if got := metricCounterValue(t, m.eventsTotal.WithLabelValues("draw", "ok")); got != 1 {
		t.Fatalf("events_total(draw, ok)=%v, want 1", got)
	}
	if got := metricCounterValue(t, m.eventsTotal.WithLabelValues("draw", "forbidden")); got != 1 {
		t.Fatalf("events_total(draw, forbidden)=%v, want 1", got)
	}
	if got := metricHistogramCount(t, m.eventDuration.WithLabelValues("draw")); got != 2 {
		t.Fatalf("event_duration_seconds count=%v, want 2", got)
	}
	if got := metricCounterValue(t, m.eventBytes); got != 128 {
		t.Fatalf("event_bytes_total=%v, want 128", got)
	}
}

func TestMetricsMiddleware_UndecodableEventIsUnknown(t *testing.T) {
	m := NewMetrics(WithRegistry(prometheus.NewRegistry()))
	ec := server.NewEventContext(context.Background(), nil)

	_ = m.Middleware().Handle(ec, func() error { return server.ErrInvalidEvent })

	if got := metricCounterValue(t, m.eventsTotal.WithLabelValues("unknown", "invalid")); got != 1 {
		t.Fatalf("events_total(unknown, invalid)=%v, want 1", got)
	}
}

func TestMetrics_ConnObserver(t *testing.T) {
	m := NewMetrics(WithRegistry(prometheus.NewRegistry()))

	m.ConnOpened()
	m.ConnOpened()
	m.ConnClosed(3 * time.Second)
	m.SlowConsumer()

	if got := metricGaugeValue(t, m.activeConns); got != 1 {
		t.Fatalf("active_connections=%v, want 1", got)
	}
	if got := metricHistogramCount(t, m.connLifetime); got != 1 {
		t.Fatalf("connection_lifetime_seconds count=%v, want 1", got)
	}
	if got := metricCounterValue(t, m.slowConsumers); got != 1 {
		t.Fatalf("slow_consumers_total=%v, want 1", got)
	}
}

func TestMetrics_CacheObserver(t *testing.T) {
	m := NewMetrics(WithRegistry(prometheus.NewRegistry()))
	boom := errors.New("boom")

	m.BoardLoaded("b1", false, nil)
	m.BoardLoaded("b1", true, nil)
	m.BoardLoaded("b2", false, boom)
	m.BoardFlushed("b1", 5*time.Millisecond, nil)
	m.BoardFlushed("b2", time.Millisecond, boom)
	m.BoardDegraded("b2", true)
	m.BoardDegraded("b3", true)
	m.BoardDegraded("b2", false)

	for result, want := range map[string]float64{"hit": 1, "miss": 1, "error": 1} {
		if got := metricCounterValue(t, m.boardLoads.WithLabelValues(result)); got != want {
			t.Fatalf("board_loads_total(%s)=%v, want %v", result, got, want)
		}
	}
	if got := metricCounterValue(t, m.flushesTotal.WithLabelValues("ok")); got != 1 {
		t.Fatalf("flushes_total(ok)=%v, want 1", got)
	}
	if got := metricCounterValue(t, m.flushesTotal.WithLabelValues("error")); got != 1 {
		t.Fatalf("flushes_total(error)=%v, want 1", got)
	}
	if got := metricHistogramCount(t, m.flushDuration); got != 2 {
		t.Fatalf("flush_duration_seconds count=%v, want 2", got)
	}
	if got := metricGaugeValue(t, m.boardsDegraded); got != 1 {
		t.Fatalf("boards_degraded=%v, want 1", got)
	}
}

func TestMetrics_HandlerServesRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(WithRegistry(reg), WithNamespace("wb"), WithConstLabels(prometheus.Labels{"node": "a"}))
	m.ConnOpened()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	if rec.Code != 200 {
		t.Fatalf("status=%d, want 200", rec.Code)
	}
	if !strings.Contains(string(body), `wb_active_connections{node="a"} 1`) {
		t.Fatalf("expected active connections gauge in output, got:\n%s", body)
	}
}

func TestNewMetrics_DuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewMetrics(WithRegistry(reg))

	defer func() {
		if recover() == nil {
			t.Fatal("expected second registration to panic")
		}
	}()
	NewMetrics(WithRegistry(reg))
}
