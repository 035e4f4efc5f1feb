package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Ledger metrics
	TicksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "meter_ticks_total",
			Help: "Total consumption ticks applied",
		},
	)

	EnergyConsumedKwh = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "meter_energy_consumed_kwh_total",
			Help: "Energy drawn from running sessions in kWh",
		},
	)

	PurchasesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "meter_purchases_total",
			Help: "Total ticket purchases",
		},
	)

	ActiveSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "meter_active_sessions",
			Help: "Number of sessions with energy remaining",
		},
	)

	EnergyRemainingKwh = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "meter_energy_remaining_kwh",
			Help: "Energy remaining across all sessions in kWh",
		},
	)

	// Sync metrics
	SyncWritesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meter_sync_writes_total",
			Help: "Store writes by operation and result",
		},
		[]string{"op", "result"},
	)

	SyncWriteDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "meter_sync_write_duration_seconds",
			Help:    "Store write duration including retries",
			Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5},
		},
		[]string{"op"},
	)

	SnapshotsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "meter_snapshots_total",
			Help: "Store snapshots applied to the ledger",
		},
	)

	// Connection metrics
	WebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "meter_websocket_clients",
			Help: "Number of connected dashboard clients",
		},
	)
)

func init() {
	prometheus.MustRegister(
		TicksTotal,
		EnergyConsumedKwh,
		PurchasesTotal,
		ActiveSessions,
		EnergyRemainingKwh,
		SyncWritesTotal,
		SyncWriteDuration,
		SnapshotsTotal,
		WebSocketClients,
	)
}

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveWrite records the outcome of one store write.
func ObserveWrite(op string, seconds float64, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	SyncWritesTotal.WithLabelValues(op, result).Inc()
	SyncWriteDuration.WithLabelValues(op).Observe(seconds)
}
