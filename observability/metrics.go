package observability

import (
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type moduleMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

var (
	moduleMetricsOnce sync.Once
	moduleRegistry    *moduleMetrics

	substMetricsOnce sync.Once
	substRegistry    *SubstMetrics
)

// ModuleMetrics returns the lazily-initialised registry used to record API
// module activity.
func ModuleMetrics() *moduleMetrics {
	moduleMetricsOnce.Do(func() {
		moduleRegistry = &moduleMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "subst",
				Subsystem: "api",
				Name:      "requests_total",
				Help:      "Total API requests segmented by module and method.",
			}, []string{"module", "method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "subst",
				Subsystem: "api",
				Name:      "errors_total",
				Help:      "Total API errors segmented by module, method, and status code.",
			}, []string{"module", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "subst",
				Subsystem: "api",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for API handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"module", "method"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "subst",
				Subsystem: "api",
				Name:      "throttles_total",
				Help:      "Count of API requests rejected due to throttling policies.",
			}, []string{"module", "reason"}),
		}
		prometheus.MustRegister(
			moduleRegistry.requests,
			moduleRegistry.errors,
			moduleRegistry.latency,
			moduleRegistry.throttles,
		)
	})
	return moduleRegistry
}

// Observe records the outcome of a module request. The status code should be
// the HTTP status that was ultimately written to the response writer.
func (m *moduleMetrics) Observe(module, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if module == "" {
		module = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	outcome := "success"
	if status >= 400 {
		outcome = "error"
	}
	m.requests.WithLabelValues(module, method, outcome).Inc()
	if status >= 400 {
		m.errors.WithLabelValues(module, method, fmt.Sprintf("%d", status)).Inc()
	}
	m.latency.WithLabelValues(module, method).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter for the supplied module and
// reason. Reasons should be stable strings such as "rate_limit" so dashboards
// and alerts remain consistent.
func (m *moduleMetrics) RecordThrottle(module, reason string) {
	if m == nil {
		return
	}
	if module == "" {
		module = "unknown"
	}
	if reason == "" {
		reason = "unspecified"
	}
	m.throttles.WithLabelValues(module, reason).Inc()
}

// SubstMetrics tracks the substitution hook, code swaps and manifest refreshes.
type SubstMetrics struct {
	hook           *prometheus.CounterVec
	swaps          *prometheus.CounterVec
	evictions      *prometheus.CounterVec
	refreshes      *prometheus.CounterVec
	refreshLatency prometheus.Histogram
	tracked        prometheus.Gauge
}

// Subst returns the singleton substitution metrics registry.
func Subst() *SubstMetrics {
	substMetricsOnce.Do(func() {
		substRegistry = &SubstMetrics{
			hook: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "subst",
				Subsystem: "hook",
				Name:      "invocations_total",
				Help:      "Apply hook invocations segmented by reconciliation outcome.",
			}, []string{"outcome"}),
			swaps: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "subst",
				Subsystem: "code",
				Name:      "swaps_total",
				Help:      "Canonical code rewrites segmented by operation.",
			}, []string{"operation"}),
			evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "subst",
				Subsystem: "cache",
				Name:      "evictions_total",
				Help:      "Cache entries purged after a code swap, per tier.",
			}, []string{"tier"}),
			refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "subst",
				Subsystem: "manifest",
				Name:      "refreshes_total",
				Help:      "Manifest refresh attempts segmented by outcome.",
			}, []string{"outcome"}),
			refreshLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "subst",
				Subsystem: "manifest",
				Name:      "refresh_duration_seconds",
				Help:      "Wall time of manifest refreshes including downloads.",
				Buckets:   prometheus.DefBuckets,
			}),
			tracked: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "subst",
				Name:      "tracked_accounts",
				Help:      "Number of accounts with substitution metadata.",
			}),
		}
		prometheus.MustRegister(
			substRegistry.hook,
			substRegistry.swaps,
			substRegistry.evictions,
			substRegistry.refreshes,
			substRegistry.refreshLatency,
			substRegistry.tracked,
		)
	})
	return substRegistry
}

// RecordHook counts one hook outcome.
func (m *SubstMetrics) RecordHook(outcome string) {
	if m == nil {
		return
	}
	m.hook.WithLabelValues(outcome).Inc()
}

// RecordSwap counts a canonical code rewrite ("activate" or "deactivate").
func (m *SubstMetrics) RecordSwap(operation string) {
	if m == nil {
		return
	}
	m.swaps.WithLabelValues(operation).Inc()
}

// RecordEviction counts a purged cache entry.
func (m *SubstMetrics) RecordEviction(tier string) {
	if m == nil {
		return
	}
	m.evictions.WithLabelValues(tier).Inc()
}

// ObserveRefresh records a manifest refresh outcome and its duration.
func (m *SubstMetrics) ObserveRefresh(outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.refreshes.WithLabelValues(outcome).Inc()
	m.refreshLatency.Observe(duration.Seconds())
}

// SetTracked publishes the number of tracked substitutions.
func (m *SubstMetrics) SetTracked(n int) {
	if m == nil {
		return
	}
	m.tracked.Set(float64(n))
}
