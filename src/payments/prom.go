package payments

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	contributions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payments_contributions_total",
		Help: "settled contributions by cohort",
	}, []string{"cohort"})
	transferFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "payments_transfer_failures_total",
		Help: "contribution transfers rejected or failed",
	})
)
