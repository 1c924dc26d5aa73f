// Package metrics provides Prometheus instrumentation for the wallet bridge.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// ConnectsTotal counts connect attempts by result.
	ConnectsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "walletbridge",
			Name:      "connects_total",
			Help:      "Total wallet connect attempts by result.",
		},
		[]string{"result"},
	)

	// SagasTotal counts deposit/withdraw sagas by kind and result.
	SagasTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "walletbridge",
			Name:      "sagas_total",
			Help:      "Total bridge sagas by kind (deposit, withdraw) and result.",
		},
		[]string{"kind", "result"},
	)

	// NotifyRetriesTotal counts explicit ledger reconciliation retries.
	NotifyRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "walletbridge",
			Name:      "notify_retries_total",
			Help:      "Total explicit notify-step reconciliation retries.",
		},
	)

	// SessionConnected reports whether a session is currently established.
	SessionConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "walletbridge",
			Name:      "session_connected",
			Help:      "1 when a wallet session is established, 0 otherwise.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		ConnectsTotal,
		SagasTotal,
		NotifyRetriesTotal,
		SessionConnected,
	)
}
