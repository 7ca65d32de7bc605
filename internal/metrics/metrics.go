// Package metrics exposes Prometheus collectors for enrichment runs.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "enricher"

var (
	recordsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "records_total",
		Help:      "Records processed by outcome (enriched, failed, skipped, released).",
	}, []string{"outcome"})

	runsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "runs_total",
		Help:      "Enrichment runs by final status.",
	}, []string{"status"})

	runDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "run_duration_seconds",
		Help:      "Wall time of enrichment runs.",
		Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 540},
	})

	providerLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "provider_request_duration_seconds",
		Help:      "Latency of provider calls by result.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"result"})

	recoveredClaims = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "recovered_claims_total",
		Help:      "Records moved out of enriching after their claim lease expired.",
	})
)

func init() {
	prometheus.MustRegister(recordsTotal, runsTotal, runDuration, providerLatency, recoveredClaims)
}

// Handler returns the exposition handler for the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// AddRecords adds n records with the given outcome.
func AddRecords(outcome string, n int64) {
	if n <= 0 {
		return
	}
	recordsTotal.WithLabelValues(outcome).Add(float64(n))
}

// ObserveRun records a finished run.
func ObserveRun(status string, elapsed time.Duration) {
	runsTotal.WithLabelValues(status).Inc()
	runDuration.Observe(elapsed.Seconds())
}

// ObserveProviderCall records one provider round trip.
func ObserveProviderCall(elapsed time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	providerLatency.WithLabelValues(result).Observe(elapsed.Seconds())
}

// AddRecovered counts records recovered from expired claims.
func AddRecovered(n int64) {
	if n <= 0 {
		return
	}
	recoveredClaims.Add(float64(n))
}
