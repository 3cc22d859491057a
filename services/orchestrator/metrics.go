package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	paymentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "billing",
		Name:      "payments_total",
		Help:      "Payment operations by step, provider and resulting status.",
	}, []string{"operation", "provider", "outcome"})

	adminActionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "billing",
		Name:      "admin_actions_total",
		Help:      "Manual payment decisions taken by administrators.",
	}, []string{"action"})
)
