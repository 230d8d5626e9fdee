// Package metrics declares the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Reasons a published message does not reach the broadcast.
const (
	DropEmpty   = "empty"
	DropStorage = "storage"
	DropDecode  = "decode"
)

var (
	ConnectedClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "twis_connected_clients",
			Help: "Current number of realtime connections registered with the hub",
		},
	)

	MessagesPublished = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "twis_messages_published_total",
			Help: "Total number of chat messages persisted and broadcast",
		},
	)

	MessagesDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "twis_messages_dropped_total",
			Help: "Total number of inbound chat messages that were not broadcast",
		},
		[]string{"reason"},
	)

	BroadcastEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "twis_broadcast_evictions_total",
			Help: "Total number of clients removed because their send buffer was full",
		},
	)

	AuthRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "twis_auth_requests_total",
			Help: "Total number of register and login requests by outcome",
		},
		[]string{"operation", "result"},
	)

	StoreErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "twis_store_errors_total",
			Help: "Total number of document store operations that failed",
		},
		[]string{"operation"},
	)
)
