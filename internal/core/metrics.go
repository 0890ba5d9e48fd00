package core

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "midterm_sessions_active",
		Help: "Sessions currently in the registry.",
	})
	scrollbackDroppedBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "midterm_scrollback_dropped_bytes_total",
		Help: "Bytes evicted from scrollback rings across all sessions.",
	})
)
