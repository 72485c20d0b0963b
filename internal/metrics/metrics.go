// Package metrics exposes Prometheus instrumentation for the detection and
// settlement pipeline.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Manager owns every metric on one registry. Construct once and share; all
// observation methods are safe for concurrent use and tolerate a nil
// receiver so instrumentation stays optional in tests and tools.
type Manager struct {
	registry *prometheus.Registry

	detections    *prometheus.CounterVec // by source: local, external, none
	fallbacks     prometheus.Counter
	detectLatency *prometheus.HistogramVec // by stage: local, external
	rateLimitHits prometheus.Counter
	fingerprinted prometheus.Counter
	playsCreated  prometheus.Counter
	failedGroups  prometheus.Counter
	settlements   *prometheus.CounterVec // by status: paid, declined
	royaltiesPaid prometheus.Counter
}

// NewManager builds a manager with its own registry, keeping the default Go
// runtime collectors out of the scrape.
func NewManager() *Manager {
	registry := prometheus.NewRegistry()
	auto := promauto.With(registry)

	m := &Manager{registry: registry}
	m.detections = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "soundtrace",
		Name:      "detections_total",
		Help:      "Detection outcomes by resolving source",
	}, []string{"source"})
	m.fallbacks = auto.NewCounter(prometheus.CounterOpts{
		Namespace: "soundtrace",
		Name:      "external_fallbacks_total",
		Help:      "Detections that fell through to the external provider",
	})
	m.detectLatency = auto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "soundtrace",
		Name:      "detection_stage_seconds",
		Help:      "Per-stage identification latency",
		Buckets:   prometheus.DefBuckets,
	}, []string{"stage"})
	m.rateLimitHits = auto.NewCounter(prometheus.CounterOpts{
		Namespace: "soundtrace",
		Name:      "rate_limit_rejections_total",
		Help:      "External calls rejected by the rate limiter",
	})
	m.fingerprinted = auto.NewCounter(prometheus.CounterOpts{
		Namespace: "soundtrace",
		Name:      "tracks_fingerprinted_total",
		Help:      "Catalog tracks fingerprinted",
	})
	m.playsCreated = auto.NewCounter(prometheus.CounterOpts{
		Namespace: "soundtrace",
		Name:      "plays_created_total",
		Help:      "Validated plays produced by aggregation",
	})
	m.failedGroups = auto.NewCounter(prometheus.CounterOpts{
		Namespace: "soundtrace",
		Name:      "failed_play_groups_total",
		Help:      "Raw match groups that failed play validation",
	})
	m.settlements = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "soundtrace",
		Name:      "settlements_total",
		Help:      "Ledger transfers by final status",
	}, []string{"status"})
	m.royaltiesPaid = auto.NewCounter(prometheus.CounterOpts{
		Namespace: "soundtrace",
		Name:      "royalties_paid_amount_total",
		Help:      "Total royalty amount paid out",
	})
	return m
}

// Handler serves the registry for scraping.
func (m *Manager) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Manager) ObserveDetection(source string, fallbackUsed bool, localMs, externalMs int64) {
	if m == nil {
		return
	}
	m.detections.WithLabelValues(source).Inc()
	if fallbackUsed {
		m.fallbacks.Inc()
	}
	m.detectLatency.WithLabelValues("local").Observe((time.Duration(localMs) * time.Millisecond).Seconds())
	if externalMs > 0 {
		m.detectLatency.WithLabelValues("external").Observe((time.Duration(externalMs) * time.Millisecond).Seconds())
	}
}

func (m *Manager) ObserveRateLimited() {
	if m == nil {
		return
	}
	m.rateLimitHits.Inc()
}

func (m *Manager) ObserveFingerprinted() {
	if m == nil {
		return
	}
	m.fingerprinted.Inc()
}

func (m *Manager) ObserveAggregation(plays, failed int) {
	if m == nil {
		return
	}
	m.playsCreated.Add(float64(plays))
	m.failedGroups.Add(float64(failed))
}

func (m *Manager) ObserveSettlements(paid, declined int, totalPaid float64) {
	if m == nil {
		return
	}
	m.settlements.WithLabelValues("paid").Add(float64(paid))
	m.settlements.WithLabelValues("declined").Add(float64(declined))
	if totalPaid > 0 {
		m.royaltiesPaid.Add(totalPaid)
	}
}
