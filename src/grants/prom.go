package grants

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	claimOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "grants_claims_total",
		Help: "grant claims by outcome",
	}, []string{"result"})
	grantRedemptions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "grants_redemptions_total",
		Help: "transfers funded from grants",
	}, []string{"mode"})
)
