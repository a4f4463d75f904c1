package main

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for one server instance.
type Metrics struct {
	CatalogLocations     prometheus.Gauge
	RoundsServed         prometheus.Counter
	ScoresSaved          prometheus.Counter
	VerificationFailures *prometheus.CounterVec
	LedgerErrors         *prometheus.CounterVec
	LedgerWriteMs        prometheus.Histogram
}

// newMetrics registers every collector with reg. Each server gets its own
// registry so tests can build as many as they like.
func newMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		CatalogLocations: factory.NewGauge(prometheus.GaugeOpts{
			Name: "wherebox_catalog_locations",
			Help: "Number of locations in the currently loaded catalog",
		}),
		RoundsServed: factory.NewCounter(prometheus.CounterOpts{
			Name: "wherebox_rounds_served_total",
			Help: "Total number of random rounds handed out",
		}),
		ScoresSaved: factory.NewCounter(prometheus.CounterOpts{
			Name: "wherebox_scores_saved_total",
			Help: "Total number of score records appended to the ledger",
		}),
		VerificationFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "wherebox_verification_failures_total",
			Help: "Credential verification failures by reason",
		}, []string{"reason"}),
		LedgerErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "wherebox_ledger_errors_total",
			Help: "Ledger storage faults by operation",
		}, []string{"op"}),
		LedgerWriteMs: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "wherebox_ledger_write_duration_ms",
			Help:    "Latency of score ledger writes in milliseconds",
			Buckets: []float64{0.25, 0.5, 1, 2.5, 5, 10, 25, 50, 100},
		}),
	}
}
