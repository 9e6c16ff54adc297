// Package metrics exposes tracker activity as Prometheus metrics.
//
// Metrics:
//   - tokmon_snapshots_total: snapshots received, by provider, stream and result
//   - tokmon_model_switches_total: model switches, by provider and result
//   - tokmon_sessions_retired_total: sessions leaving the tracker, by reason
//   - tokmon_sessions: live sessions
//   - tokmon_tokens: live tokens, by stream
//   - tokmon_cost_usd: estimated cost of live sessions
//   - tokmon_estimate_cache_hits_total / _misses_total / _entries
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/theirongolddev/tokmon/internal/model"
)

const namespace = "tokmon"

// Snapshot results.
const (
	ResultEmitted = "emitted"
	ResultSkipped = "skipped"
	ResultFlushed = "flushed"
	ResultIgnored = "ignored"
)

// TotalsSource reports the live totals at scrape time.
type TotalsSource interface {
	Totals() model.Totals
}

// CacheSource reports estimate cache counters at scrape time.
type CacheSource interface {
	Stats() (hits, misses int64)
	Len() int
}

// Collector owns the tokmon metrics and the registry they are exposed from.
type Collector struct {
	registry *prometheus.Registry

	snapshots     *prometheus.CounterVec
	modelSwitches *prometheus.CounterVec
	retired       *prometheus.CounterVec
}

// NewCollector registers the metrics on registry, or on a fresh registry if
// nil. totals and cache may be nil.
func NewCollector(registry *prometheus.Registry, totals TotalsSource, cache CacheSource) *Collector {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	c := &Collector{
		registry: registry,
		snapshots: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshots_total",
			Help:      "Text snapshots received, by detector result",
		}, []string{"provider", "stream", "result"}),
		modelSwitches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "model_switches_total",
			Help:      "Model switch requests, by outcome",
		}, []string{"provider", "result"}),
		retired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_retired_total",
			Help:      "Sessions removed from the tracker, by reason",
		}, []string{"reason"}),
	}
	registry.MustRegister(c.snapshots, c.modelSwitches, c.retired)

	if totals != nil {
		registry.MustRegister(
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "sessions",
				Help:      "Live sessions",
			}, func() float64 { return float64(totals.Totals().Sessions) }),
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace:   namespace,
				Name:        "tokens",
				Help:        "Estimated tokens across live sessions",
				ConstLabels: prometheus.Labels{"stream": string(model.Input)},
			}, func() float64 { return float64(totals.Totals().InputTokens) }),
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace:   namespace,
				Name:        "tokens",
				Help:        "Estimated tokens across live sessions",
				ConstLabels: prometheus.Labels{"stream": string(model.Output)},
			}, func() float64 { return float64(totals.Totals().OutputTokens) }),
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "cost_usd",
				Help:      "Estimated cost of live sessions in USD",
			}, func() float64 { return totals.Totals().CostUSD }),
		)
	}

	if cache != nil {
		registry.MustRegister(
			prometheus.NewCounterFunc(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "estimate_cache_hits_total",
				Help:      "Estimate cache hits",
			}, func() float64 { h, _ := cache.Stats(); return float64(h) }),
			prometheus.NewCounterFunc(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "estimate_cache_misses_total",
				Help:      "Estimate cache misses",
			}, func() float64 { _, m := cache.Stats(); return float64(m) }),
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "estimate_cache_entries",
				Help:      "Entries held by the estimate cache",
			}, func() float64 { return float64(cache.Len()) }),
		)
	}
	return c
}

// Registry returns the registry the metrics live on.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// RecordSnapshot counts one snapshot.
func (c *Collector) RecordSnapshot(provider string, stream model.StreamKind, result string) {
	c.snapshots.WithLabelValues(provider, string(stream), result).Inc()
}

// RecordModelSwitch counts a model switch attempt.
func (c *Collector) RecordModelSwitch(provider string, ok bool) {
	result := "ok"
	if !ok {
		result = "rejected"
	}
	c.modelSwitches.WithLabelValues(provider, result).Inc()
}

// RecordRetired counts a session leaving the tracker.
func (c *Collector) RecordRetired(reason string) {
	c.retired.WithLabelValues(reason).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	})
}
