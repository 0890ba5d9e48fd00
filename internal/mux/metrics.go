package mux

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	clientsConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "midterm",
		Subsystem: "mux",
		Name:      "clients_connected",
		Help:      "Currently connected mux channel clients.",
	})

	framesSent = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "midterm",
		Subsystem: "mux",
		Name:      "frames_sent_total",
		Help:      "Frames written to mux clients.",
	})

	resyncsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "midterm",
		Subsystem: "mux",
		Name:      "resyncs_total",
		Help:      "Client resyncs forced by outbound queue overflow.",
	})

	dataLossTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "midterm",
		Subsystem: "mux",
		Name:      "data_loss_frames_total",
		Help:      "DataLoss frames emitted for scrollback evictions past a client cursor.",
	})
)
