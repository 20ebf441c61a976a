// Package metrics defines all Prometheus metrics for kestrel-dhcpd.
// All metrics use the "kestrel_dhcpd_" prefix.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "kestrel_dhcpd"

// --- DHCP Packet Metrics ---

var (
	// PacketsReceived counts DHCP packets received by message type.
	PacketsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "packets_received_total",
		Help:      "Total DHCP packets received, by message type.",
	}, []string{"msg_type"})

	// PacketsSent counts DHCP packets sent by message type.
	PacketsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "packets_sent_total",
		Help:      "Total DHCP packets sent, by message type.",
	}, []string{"msg_type"})

	// PacketErrors counts packet processing errors by stage
	// (decode, handler, encode, send).
	PacketErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "packet_errors_total",
		Help:      "Total packet processing errors, by type.",
	}, []string{"type"})

	// PacketsDropped counts datagrams discarded without a reply.
	PacketsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "packets_dropped_total",
		Help:      "Total DHCP datagrams dropped, by reason.",
	}, []string{"reason"})

	// PacketProcessingDuration tracks DHCP packet handling latency.
	PacketProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "packet_processing_duration_seconds",
		Help:      "DHCP packet processing duration in seconds.",
		Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
	}, []string{"msg_type"})

	// WorkersInFlight is the number of datagrams currently being handled.
	WorkersInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "workers_in_flight",
		Help:      "Number of DHCP datagrams currently being processed.",
	})
)

// --- Lease Metrics ---

var (
	// LeasesActive is a gauge of currently active leases.
	LeasesActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "leases_active",
		Help:      "Number of currently active leases.",
	})

	// LeasesOffered is a gauge of offers awaiting a REQUEST.
	LeasesOffered = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "leases_offered",
		Help:      "Number of currently offered (pending) addresses.",
	})

	// LeaseOperations counts lease state transitions.
	LeaseOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "lease_operations_total",
		Help:      "Total lease operations, by type (offer, ack, nak, release, expire).",
	}, []string{"operation"})
)

// --- Pool Metrics ---

var (
	// PoolAvailable is the number of unassigned addresses.
	PoolAvailable = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "pool_available",
		Help:      "Number of unassigned addresses in the pool.",
	})

	// PoolExhausted counts DISCOVERs that found no usable address.
	PoolExhausted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "pool_exhausted_total",
		Help:      "Total times the pool was exhausted during allocation.",
	})
)

// --- Conflict Detection Metrics ---

var (
	// ConflictProbes counts conflict probes by method and result.
	ConflictProbes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "conflict_probes_total",
		Help:      "Total conflict probes performed.",
	}, []string{"method", "result"})

	// ConflictProbeDuration tracks probe latency by method.
	ConflictProbeDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "conflict_probe_duration_seconds",
		Help:      "Conflict probe duration in seconds.",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.0},
	}, []string{"method"})
)

// --- Server Info ---

var (
	// ServerInfo is a constant gauge with server metadata.
	ServerInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "server_info",
		Help:      "Server build and version info.",
	}, []string{"version"})

	// ServerStartTime tracks server start time as a unix timestamp.
	ServerStartTime = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "server_start_time_seconds",
		Help:      "Server start time as Unix timestamp.",
	})
)
