// Package metrics holds the collector's prometheus instruments.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "sensorfabric"

var (
	// DatagramsTotal counts inbound datagrams by wire format (legacy/framed/stun).
	DatagramsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "datagrams_total",
			Help:      "Total number of datagrams received",
		},
		[]string{"format"},
	)

	// CommandsTotal counts classified commands.
	CommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Total number of commands handled",
		},
		[]string{"command", "status"}, // status: ok/rejected/ignored/error
	)

	// CommandDuration measures time spent inside the dispatcher lock.
	CommandDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "command_duration_seconds",
			Help:      "Command handling latency in seconds",
			Buckets:   []float64{.00001, .00005, .0001, .0005, .001, .005, .01, .05, .1},
		},
		[]string{"command"},
	)

	Sessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions",
			Help:      "Number of registered sessions",
		},
	)

	// TransfersTotal counts finished transfers by result (stored/expired/aborted).
	TransfersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transfers_total",
			Help:      "Total number of file transfers by result",
		},
		[]string{"result"},
	)

	TransferBytes = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transfer_bytes_total",
			Help:      "Bytes written to the storage root",
		},
	)

	TransferActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "transfer_active",
			Help:      "1 while the transfer slot is held",
		},
	)

	// DatagramsDropped counts datagrams discarded before classification.
	DatagramsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "datagrams_dropped_total",
			Help:      "Datagrams dropped by the receive loop",
		},
		[]string{"reason"}, // reason: oversize/read_error
	)

	// ChunksDropped counts duplicate and out-of-window chunks.
	ChunksDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_dropped_total",
			Help:      "Chunks dropped by the reassembler",
		},
		[]string{"reason"},
	)

	TelemetryRecords = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "telemetry_records_total",
			Help:      "Telemetry records routed",
		},
	)

	BroadcastDeliveries = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_deliveries_total",
			Help:      "Telemetry datagrams fanned out to peers",
		},
	)

	SendErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_errors_total",
			Help:      "Outbound datagrams that failed to send",
		},
	)
)

// RecordCommand records one handled command.
func RecordCommand(command, status string, seconds float64) {
	CommandsTotal.WithLabelValues(command, status).Inc()
	CommandDuration.WithLabelValues(command).Observe(seconds)
}

// RecordTransfer records a finished transfer.
func RecordTransfer(result string, bytes int64) {
	TransfersTotal.WithLabelValues(result).Inc()
	if result == "stored" {
		TransferBytes.Add(float64(bytes))
	}
}
