package settlement

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	surveyorWrites = promauto.NewCounter(prometheus.CounterOpts{
		Name: "settlement_surveyor_writes_total",
		Help: "surveyor rows rewritten by the aggregator",
	})
	sliceWrites = promauto.NewCounter(prometheus.CounterOpts{
		Name: "settlement_slice_writes_total",
		Help: "vote slices rewritten by the mixer",
	})
	surveyorErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "settlement_surveyor_errors_total",
		Help: "surveyors skipped during an aggregation pass",
	})
	missingFields = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_missing_fields_total",
		Help: "surveyor rows found without an expected field",
	}, []string{"field"})
	cycleDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "settlement_cycle_seconds",
		Help:    "duration of scheduled settlement work",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"job"})
	sweepFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_sweep_failures_total",
		Help: "failed steps of the nightly sweep",
	}, []string{"step"})
)
