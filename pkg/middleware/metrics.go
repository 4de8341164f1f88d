package middleware

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vango-dev/boardsync/pkg/boardstate"
	"github.com/vango-dev/boardsync/pkg/server"
)

// MetricsConfig configures the Prometheus collectors.
type MetricsConfig struct {
	// Namespace is the metrics namespace (default: "boardsync").
	Namespace string

	// Subsystem is the metrics subsystem (default: "").
	Subsystem string

	// ConstLabels are constant labels added to all metrics.
	ConstLabels prometheus.Labels

	// Buckets are the histogram buckets for event and flush durations.
	// Default: prometheus.DefBuckets
	Buckets []float64

	// Registry is the Prometheus registry to register with.
	// Default: prometheus.DefaultRegisterer
	Registry prometheus.Registerer

	// Gatherer serves /metrics. Defaults to Registry when it is a
	// *prometheus.Registry, otherwise prometheus.DefaultGatherer.
	Gatherer prometheus.Gatherer
}

// MetricsOption configures the Prometheus collectors.
type MetricsOption func(*MetricsConfig)

// WithNamespace sets the metrics namespace.
func WithNamespace(namespace string) MetricsOption {
	return func(c *MetricsConfig) {
		c.Namespace = namespace
	}
}

// WithSubsystem sets the metrics subsystem.
func WithSubsystem(subsystem string) MetricsOption {
	return func(c *MetricsConfig) {
		c.Subsystem = subsystem
	}
}

// WithConstLabels sets constant labels for all metrics.
func WithConstLabels(labels prometheus.Labels) MetricsOption {
	return func(c *MetricsConfig) {
		c.ConstLabels = labels
	}
}

// WithBuckets sets the histogram buckets.
func WithBuckets(buckets []float64) MetricsOption {
	return func(c *MetricsConfig) {
		c.Buckets = buckets
	}
}

// WithRegistry sets the Prometheus registry.
func WithRegistry(registry prometheus.Registerer) MetricsOption {
	return func(c *MetricsConfig) {
		c.Registry = registry
	}
}

func defaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Namespace: "boardsync",
		Buckets:   prometheus.DefBuckets,
		Registry:  prometheus.DefaultRegisterer,
	}
}

// Metrics holds the sync server's Prometheus collectors. It observes board
// cache and connection lifecycles and provides event middleware.
type Metrics struct {
	eventsTotal    *prometheus.CounterVec
	eventDuration  *prometheus.HistogramVec
	eventBytes     prometheus.Counter
	activeConns    prometheus.Gauge
	connLifetime   prometheus.Histogram
	slowConsumers  prometheus.Counter
	boardLoads     *prometheus.CounterVec
	flushesTotal   *prometheus.CounterVec
	flushDuration  prometheus.Histogram
	boardsDegraded prometheus.Gauge

	gatherer prometheus.Gatherer
}

// NewMetrics creates and registers the collectors. Registering twice with
// the same registry panics, as with promauto.
//
// Metrics collected:
//   - boardsync_events_total: inbound events by type and status
//   - boardsync_event_duration_seconds: event handling duration by type
//   - boardsync_event_bytes_total: inbound frame bytes
//   - boardsync_active_connections: open WebSocket connections
//   - boardsync_connection_lifetime_seconds: connection lifetimes
//   - boardsync_slow_consumers_total: connections dropped for a full queue
//   - boardsync_board_loads_total: cache lookups by result (hit, miss, error)
//   - boardsync_flushes_total: durable writes by result (ok, error)
//   - boardsync_flush_duration_seconds: durable write duration
//   - boardsync_boards_degraded: boards failing to persist repeatedly
func NewMetrics(opts ...MetricsOption) *Metrics {
	config := defaultMetricsConfig()
	for _, opt := range opts {
		opt(&config)
	}
	if config.Gatherer == nil {
		if g, ok := config.Registry.(prometheus.Gatherer); ok {
			config.Gatherer = g
		} else {
			config.Gatherer = prometheus.DefaultGatherer
		}
	}
	factory := promauto.With(config.Registry)

	return &Metrics{
		eventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "events_total",
			Help:        "Total number of inbound events by type and status",
			ConstLabels: config.ConstLabels,
		}, []string{"type", "status"}),

		eventDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "event_duration_seconds",
			Help:        "Event handling duration in seconds",
			ConstLabels: config.ConstLabels,
			Buckets:     config.Buckets,
		}, []string{"type"}),

		eventBytes: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "event_bytes_total",
			Help:        "Total bytes of inbound event frames",
			ConstLabels: config.ConstLabels,
		}),

		activeConns: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "active_connections",
			Help:        "Number of open WebSocket connections",
			ConstLabels: config.ConstLabels,
		}),

		connLifetime: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "connection_lifetime_seconds",
			Help:        "WebSocket connection lifetime in seconds",
			ConstLabels: config.ConstLabels,
			Buckets:     []float64{1, 10, 60, 300, 1800, 3600, 14400},
		}),

		slowConsumers: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "slow_consumers_total",
			Help:        "Connections closed because their outbound queue was full",
			ConstLabels: config.ConstLabels,
		}),

		boardLoads: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "board_loads_total",
			Help:        "Board cache lookups by result",
			ConstLabels: config.ConstLabels,
		}, []string{"result"}),

		flushesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "flushes_total",
			Help:        "Durable board writes by result",
			ConstLabels: config.ConstLabels,
		}, []string{"result"}),

		flushDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "flush_duration_seconds",
			Help:        "Durable board write duration in seconds",
			ConstLabels: config.ConstLabels,
			Buckets:     config.Buckets,
		}),

		boardsDegraded: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "boards_degraded",
			Help:        "Boards whose writes have failed repeatedly",
			ConstLabels: config.ConstLabels,
		}),

		gatherer: config.Gatherer,
	}
}

// Handler serves the gathered metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// Middleware returns event middleware counting and timing every inbound
// event, including invalid ones.
func (m *Metrics) Middleware() server.EventMiddleware {
	return server.EventMiddlewareFunc(func(ec *server.EventContext, next func() error) error {
		eventType := string(ec.Type)
		if eventType == "" {
			eventType = "unknown"
		}

		start := time.Now()
		err := next()
		m.eventDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
		m.eventsTotal.WithLabelValues(eventType, server.EventStatus(err)).Inc()
		m.eventBytes.Add(float64(ec.Size))
		return err
	})
}

// ConnOpened implements server.ConnObserver.
func (m *Metrics) ConnOpened() {
	m.activeConns.Inc()
}

// ConnClosed implements server.ConnObserver.
func (m *Metrics) ConnClosed(lifetime time.Duration) {
	m.activeConns.Dec()
	m.connLifetime.Observe(lifetime.Seconds())
}

// SlowConsumer implements server.ConnObserver.
func (m *Metrics) SlowConsumer() {
	m.slowConsumers.Inc()
}

// BoardLoaded implements boardstate.Observer.
func (m *Metrics) BoardLoaded(boardID string, hit bool, err error) {
	switch {
	case err != nil:
		m.boardLoads.WithLabelValues("error").Inc()
	case hit:
		m.boardLoads.WithLabelValues("hit").Inc()
	default:
		m.boardLoads.WithLabelValues("miss").Inc()
	}
}

// BoardFlushed implements boardstate.Observer.
func (m *Metrics) BoardFlushed(boardID string, d time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.flushesTotal.WithLabelValues(result).Inc()
	m.flushDuration.Observe(d.Seconds())
}

// BoardDegraded implements boardstate.Observer.
func (m *Metrics) BoardDegraded(boardID string, degraded bool) {
	if degraded {
		m.boardsDegraded.Inc()
	} else {
		m.boardsDegraded.Dec()
	}
}

var (
	_ server.ConnObserver = (*Metrics)(nil)
	_ boardstate.Observer = (*Metrics)(nil)
)
