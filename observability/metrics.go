package observability

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type httpMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

var (
	httpMetricsOnce sync.Once
	httpRegistry    *httpMetrics

	mintMetricsOnce sync.Once
	mintRegistry    *MintMetrics

	gatewayMetricsOnce sync.Once
	gatewayRegistry    *MintGatewayMetrics
)

// HTTP returns the lazily-initialised registry recording API handler activity
// for both daemons.
func HTTP() *httpMetrics {
	httpMetricsOnce.Do(func() {
		httpRegistry = &httpMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "spatters",
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total API requests segmented by service, route and outcome.",
			}, []string{"service", "route", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "spatters",
				Subsystem: "http",
				Name:      "errors_total",
				Help:      "Total API errors segmented by service, route and status code.",
			}, []string{"service", "route", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "spatters",
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for API handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"service", "route"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "spatters",
				Subsystem: "http",
				Name:      "throttles_total",
				Help:      "Count of requests rejected due to throttling policies.",
			}, []string{"service", "reason"}),
		}
		prometheus.MustRegister(
			httpRegistry.requests,
			httpRegistry.errors,
			httpRegistry.latency,
			httpRegistry.throttles,
		)
	})
	return httpRegistry
}

// Observe records the outcome of an API request. The status code should be the
// HTTP status that was ultimately written to the response writer.
func (m *httpMetrics) Observe(service, route string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	service = labelOr(service, "unknown")
	route = labelOr(route, "unknown")
	outcome := "success"
	if status >= 400 {
		outcome = "error"
	}
	m.requests.WithLabelValues(service, route, outcome).Inc()
	if status >= 400 {
		m.errors.WithLabelValues(service, route, fmt.Sprintf("%d", status)).Inc()
	}
	m.latency.WithLabelValues(service, route).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter. Reasons should be stable
// strings such as "rate_limit" so dashboards remain consistent.
func (m *httpMetrics) RecordThrottle(service, reason string) {
	if m == nil {
		return
	}
	m.throttles.WithLabelValues(labelOr(service, "unknown"), labelOr(reason, "unspecified")).Inc()
}

// MintMetrics captures the mint session daemon's behaviour.
type MintMetrics struct {
	view          *prometheus.GaugeVec
	writes        *prometheus.CounterVec
	writeLatency  *prometheus.HistogramVec
	snapshots     *prometheus.CounterVec
	snapshotLag   prometheus.Histogram
	previews      *prometheus.CounterVec
	notifications *prometheus.CounterVec
}

// Mint returns the lazily-initialised mintd metrics registry.
func Mint() *MintMetrics {
	mintMetricsOnce.Do(func() {
		mintRegistry = &MintMetrics{
			view: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "spatters",
				Subsystem: "mint",
				Name:      "session_view",
				Help:      "Set to 1 for the currently derived session view, 0 otherwise.",
			}, []string{"view"}),
			writes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "spatters",
				Subsystem: "mint",
				Name:      "writes_total",
				Help:      "Contract writes segmented by operation and outcome.",
			}, []string{"op", "outcome"}),
			writeLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "spatters",
				Subsystem: "mint",
				Name:      "write_confirmation_seconds",
				Help:      "Time from submission to confirmation for contract writes.",
				Buckets:   []float64{1, 5, 12, 30, 60, 120, 300},
			}, []string{"op"}),
			snapshots: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "spatters",
				Subsystem: "mint",
				Name:      "snapshots_total",
				Help:      "Contract snapshot reads segmented by outcome.",
			}, []string{"outcome"}),
			snapshotLag: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "spatters",
				Subsystem: "mint",
				Name:      "snapshot_duration_seconds",
				Help:      "Latency of a full contract snapshot read.",
				Buckets:   prometheus.DefBuckets,
			}),
			previews: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "spatters",
				Subsystem: "mint",
				Name:      "previews_total",
				Help:      "Preview renders segmented by how they finished.",
			}, []string{"outcome"}),
			notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "spatters",
				Subsystem: "mint",
				Name:      "notifications_total",
				Help:      "Post-completion notifications segmented by collaborator and outcome.",
			}, []string{"kind", "outcome"}),
		}
		prometheus.MustRegister(
			mintRegistry.view,
			mintRegistry.writes,
			mintRegistry.writeLatency,
			mintRegistry.snapshots,
			mintRegistry.snapshotLag,
			mintRegistry.previews,
			mintRegistry.notifications,
		)
	})
	return mintRegistry
}

// SetView marks view as the current session view.
func (m *MintMetrics) SetView(view string, all []string) {
	if m == nil {
		return
	}
	for _, candidate := range all {
		value := 0.0
		if candidate == view {
			value = 1
		}
		m.view.WithLabelValues(candidate).Set(value)
	}
}

// RecordWrite counts a contract write outcome.
func (m *MintMetrics) RecordWrite(op string, err error) {
	if m == nil {
		return
	}
	m.writes.WithLabelValues(labelOr(op, "unknown"), outcomeOf(err)).Inc()
}

// ObserveConfirmation records how long a write took to confirm.
func (m *MintMetrics) ObserveConfirmation(op string, d time.Duration) {
	if m == nil {
		return
	}
	m.writeLatency.WithLabelValues(labelOr(op, "unknown")).Observe(d.Seconds())
}

// ObserveSnapshot records a contract snapshot read.
func (m *MintMetrics) ObserveSnapshot(d time.Duration, err error) {
	if m == nil {
		return
	}
	m.snapshots.WithLabelValues(outcomeOf(err)).Inc()
	if err == nil {
		m.snapshotLag.Observe(d.Seconds())
	}
}

// RecordPreview counts a preview finishing as "ready" or "timeout".
func (m *MintMetrics) RecordPreview(outcome string) {
	if m == nil {
		return
	}
	m.previews.WithLabelValues(labelOr(outcome, "unknown")).Inc()
}

// RecordNotification counts a post-completion notification.
func (m *MintMetrics) RecordNotification(kind string, err error) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(labelOr(kind, "unknown"), outcomeOf(err)).Inc()
}

// MintGatewayMetrics captures the collaborator gateway's behaviour.
type MintGatewayMetrics struct {
	consent    *prometheus.CounterVec
	triggers   *prometheus.CounterVec
	rateLimits *prometheus.CounterVec
	rpc        *prometheus.CounterVec
}

// MintGateway returns the lazily-initialised mint-gateway metrics registry.
func MintGateway() *MintGatewayMetrics {
	gatewayMetricsOnce.Do(func() {
		gatewayRegistry = &MintGatewayMetrics{
			consent: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "spatters",
				Subsystem: "gateway",
				Name:      "consent_total",
				Help:      "Consent submissions segmented by outcome (validated, stored, duplicate, rejected, error).",
			}, []string{"outcome"}),
			triggers: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "spatters",
				Subsystem: "gateway",
				Name:      "generation_triggers_total",
				Help:      "Generation dispatches segmented by event and outcome.",
			}, []string{"event", "outcome"}),
			rateLimits: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "spatters",
				Subsystem: "gateway",
				Name:      "rate_limit_decisions_total",
				Help:      "Rate limit decisions segmented by backend and decision.",
			}, []string{"backend", "decision"}),
			rpc: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "spatters",
				Subsystem: "gateway",
				Name:      "rpc_proxy_total",
				Help:      "Proxied JSON-RPC calls segmented by network and outcome.",
			}, []string{"network", "outcome"}),
		}
		prometheus.MustRegister(
			gatewayRegistry.consent,
			gatewayRegistry.triggers,
			gatewayRegistry.rateLimits,
			gatewayRegistry.rpc,
		)
	})
	return gatewayRegistry
}

// RecordConsent counts a consent submission outcome.
func (m *MintGatewayMetrics) RecordConsent(outcome string) {
	if m == nil {
		return
	}
	m.consent.WithLabelValues(labelOr(outcome, "unknown")).Inc()
}

// RecordTrigger counts a generation dispatch.
func (m *MintGatewayMetrics) RecordTrigger(event string, err error) {
	if m == nil {
		return
	}
	m.triggers.WithLabelValues(labelOr(event, "unknown"), outcomeOf(err)).Inc()
}

// RecordRateLimit counts a limiter decision ("allow", "deny" or "fail_open").
func (m *MintGatewayMetrics) RecordRateLimit(backend, decision string) {
	if m == nil {
		return
	}
	m.rateLimits.WithLabelValues(labelOr(backend, "unknown"), labelOr(decision, "unknown")).Inc()
}

// RecordRPC counts a proxied JSON-RPC call.
func (m *MintGatewayMetrics) RecordRPC(network string, err error) {
	if m == nil {
		return
	}
	m.rpc.WithLabelValues(labelOr(network, "unknown"), outcomeOf(err)).Inc()
}

func labelOr(value, fallback string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return fallback
	}
	return value
}

func outcomeOf(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
