package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics stores Prometheus collectors used by the API and the background
// flows.
type Metrics struct {
	registry *prometheus.Registry

	httpRequestsTotal     *prometheus.CounterVec
	httpRequestDuration   *prometheus.HistogramVec
	intentsTotal          *prometheus.CounterVec
	webhookEventsTotal    *prometheus.CounterVec
	gatewayCallDuration   *prometheus.HistogramVec
	replayQueuedTotal     prometheus.Counter
	intentsPurgedTotal    prometheus.Counter
	intentsAbandonedTotal prometheus.Counter
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "civicrm_stripe",
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests processed by method, path, and status.",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "civicrm_stripe",
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds by method and path.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		intentsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "civicrm_stripe",
				Name:      "intents_total",
				Help:      "Total number of intent operations by kind and resulting status.",
			},
			[]string{"kind", "status"},
		),
		webhookEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "civicrm_stripe",
				Name:      "webhook_events_total",
				Help:      "Total number of webhook deliveries by trigger and outcome.",
			},
			[]string{"trigger", "outcome"},
		),
		gatewayCallDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "civicrm_stripe",
				Name:      "gateway_call_duration_seconds",
				Help:      "Gateway call duration in seconds grouped by operation.",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
			},
			[]string{"operation"},
		),
		replayQueuedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "civicrm_stripe",
				Name:      "webhook_replays_queued_total",
				Help:      "Total number of webhook deliveries queued for replay.",
			},
		),
		intentsPurgedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "civicrm_stripe",
				Name:      "intents_purged_total",
				Help:      "Total number of terminal intent records purged by housekeeping.",
			},
		),
		intentsAbandonedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "civicrm_stripe",
				Name:      "intents_abandoned_total",
				Help:      "Total number of stale intents canceled by housekeeping.",
			},
		),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.intentsTotal,
		m.webhookEventsTotal,
		m.gatewayCallDuration,
		m.replayQueuedTotal,
		m.intentsPurgedTotal,
		m.intentsAbandonedTotal,
	)

	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) HTTPMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		path := routePath(c)
		// Avoid self-scrape noise for request counters.
		if path == "/metrics" {
			return err
		}

		m.recordHTTPRequest(c.Method(), path, statusFromResult(c, err), time.Since(start))
		return err
	}
}

func (m *Metrics) IncIntent(kind string, status string) {
	if m == nil {
		return
	}
	m.intentsTotal.WithLabelValues(normalizeLabel(kind), normalizeLabel(status)).Inc()
}

func (m *Metrics) IncWebhookEvent(trigger string, outcome string) {
	if m == nil {
		return
	}
	m.webhookEventsTotal.WithLabelValues(normalizeLabel(trigger), normalizeLabel(outcome)).Inc()
}

func (m *Metrics) ObserveGatewayCall(operation string, duration time.Duration) {
	if m == nil {
		return
	}
	seconds := duration.Seconds()
	if seconds < 0 {
		seconds = 0
	}
	m.gatewayCallDuration.WithLabelValues(normalizeLabel(operation)).Observe(seconds)
}

func (m *Metrics) IncReplayQueued() {
	if m == nil {
		return
	}
	m.replayQueuedTotal.Inc()
}

func (m *Metrics) AddIntentsPurged(count int64) {
	if m == nil || count < 1 {
		return
	}
	m.intentsPurgedTotal.Add(float64(count))
}

func (m *Metrics) IncIntentAbandoned() {
	if m == nil {
		return
	}
	m.intentsAbandonedTotal.Inc()
}

func (m *Metrics) recordHTTPRequest(method string, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}

	methodLabel := strings.ToUpper(strings.TrimSpace(method))
	if methodLabel == "" {
		methodLabel = "UNKNOWN"
	}
	pathLabel := strings.TrimSpace(path)
	if pathLabel == "" {
		pathLabel = "unmatched"
	}

	m.httpRequestsTotal.WithLabelValues(methodLabel, pathLabel, strconv.Itoa(status)).Inc()
	m.httpRequestDuration.WithLabelValues(methodLabel, pathLabel).Observe(duration.Seconds())
}

func routePath(c *fiber.Ctx) string {
	if c == nil {
		return "unmatched"
	}

	if route := c.Route(); route != nil {
		if path := strings.TrimSpace(route.Path); path != "" {
			return path
		}
	}
	return "unmatched"
}

func statusFromResult(c *fiber.Ctx, err error) int {
	if err != nil {
		if fiberErr, ok := err.(*fiber.Error); ok {
			return fiberErr.Code
		}
		return fiber.StatusInternalServerError
	}

	if c == nil {
		return fiber.StatusOK
	}

	status := c.Response().StatusCode()
	if status == 0 {
		return fiber.StatusOK
	}
	return status
}

func normalizeLabel(value string) string {
	normalized := strings.ToLower(strings.TrimSpace(value))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}
