// Package metrics exposes server counters to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/matheus3301/inline/internal/membership"
	"github.com/matheus3301/inline/internal/protocol"
)

var (
	ConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "inline_connections_active",
			Help: "Current number of open realtime connections",
		},
	)

	RPCCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inline_rpc_calls_total",
			Help: "RPC calls by method and result code",
		},
		[]string{"method", "code"},
	)

	RPCDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "inline_rpc_duration_seconds",
			Help:    "RPC handler latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	UpdatesPushedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "inline_updates_pushed_total",
			Help: "Updates written to connection send queues",
		},
	)
)

// Observer feeds realtime and fanout events into the collectors above.
type Observer struct{}

func (Observer) RPC(method string, code protocol.Code, elapsed time.Duration) {
	label := "OK"
	if code != 0 {
		label = code.String()
	}
	RPCCallsTotal.WithLabelValues(method, label).Inc()
	RPCDuration.WithLabelValues(method).Observe(elapsed.Seconds())
}

func (Observer) ConnectionOpened() { ConnectionsActive.Inc() }
func (Observer) ConnectionClosed() { ConnectionsActive.Dec() }

func (Observer) Pushed(updates, connections int) {
	UpdatesPushedTotal.Add(float64(updates * connections))
}

// RegisterCache exports hit, miss and eviction counts of a membership cache.
func RegisterCache(reg prometheus.Registerer, name string, stats func() membership.Stats) {
	labels := prometheus.Labels{"cache": name}
	reg.MustRegister(
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "inline_cache_hits_total", Help: "Membership cache hits", ConstLabels: labels,
		}, func() float64 { return float64(stats().Hits) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "inline_cache_misses_total", Help: "Membership cache misses", ConstLabels: labels,
		}, func() float64 { return float64(stats().Misses) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "inline_cache_evictions_total", Help: "Full membership cache evictions", ConstLabels: labels,
		}, func() float64 { return float64(stats().Evictions) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "inline_cache_entries", Help: "Membership cache size", ConstLabels: labels,
		}, func() float64 { return float64(stats().Size) }),
	)
}

func Handler() http.Handler {
	return promhttp.Handler()
}
