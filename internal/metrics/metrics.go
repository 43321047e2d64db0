// Package metrics holds the process-wide prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_cache_hits_total",
		Help: "Total number of cache hits",
	}, []string{"module"})
	CacheMisses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_cache_misses_total",
		Help: "Total number of cache misses",
	}, []string{"module"})
	CacheSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_cache_local_entries",
		Help: "Current number of entries in the in-process cache",
	})

	Deliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_dispatch_deliveries_total",
		Help: "Sink deliveries by sink kind and outcome",
	}, []string{"sink", "outcome"})
	DeliveryLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gateway_dispatch_delivery_seconds",
		Help:    "Sink delivery latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"sink"})

	SessionsLive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_sessions_live",
		Help: "Number of live sessions in the registry",
	})
	SessionTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_session_transitions_total",
		Help: "Connection state transitions",
	}, []string{"state"})
	QRCodesIssued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_qrcodes_issued_total",
		Help: "Pairing QR codes issued across all instances",
	})
	Reconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_session_reconnects_total",
		Help: "Automatic reconnect attempts",
	})
	AuthKeysPurged = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_authstate_keys_purged_total",
		Help: "Transient auth keys removed by the periodic sweep",
	})
)

// Delivery outcomes.
const (
	OutcomeDelivered = "delivered"
	OutcomeFailed    = "failed"
)
