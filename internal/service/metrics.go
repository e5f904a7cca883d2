package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	settlementRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_requests_total",
		Help: "Settlement requests by outcome (response status or failure kind)",
	}, []string{"status"})

	settlementDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "settlement_duration_seconds",
		Help:    "Latency of CreateTransaction by outcome",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"status"})
)
