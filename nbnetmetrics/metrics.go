// Package nbnetmetrics defines the prometheus metric types the engine
// updates as it sends, receives, and drops traffic. Modeled on
// m-lab-tcp-info/metrics's package-level promauto vars.
package nbnetmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PacketsSent counts every datagram handed to a driver.Driver.
	PacketsSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nbnet_packets_sent_total",
			Help: "Total datagrams handed to the transport driver.",
		},
	)

	// PacketsReceived counts every datagram accepted from RecvPackets before
	// protocol/parse validation.
	PacketsReceived = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nbnet_packets_received_total",
			Help: "Total datagrams read from the transport driver.",
		},
	)

	// BytesSent sums the wire size of every sent datagram.
	BytesSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nbnet_bytes_sent_total",
			Help: "Total bytes handed to the transport driver.",
		},
	)

	// BytesReceived sums the wire size of every received datagram.
	BytesReceived = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nbnet_bytes_received_total",
			Help: "Total bytes read from the transport driver.",
		},
	)

	// PacketsDropped counts datagrams rejected before delivery, labeled by
	// the reason (protocol_mismatch, malformed, truncated, peer_table_full).
	PacketsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nbnet_packets_dropped_total",
			Help: "Datagrams dropped before delivery, by reason.",
		}, []string{"reason"})

	// MessagesResent counts channel-level retransmissions, labeled by
	// channel id.
	MessagesResent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nbnet_messages_resent_total",
			Help: "Reliable-channel message retransmissions, by channel id.",
		}, []string{"channel"})

	// RTT tracks the smoothed round-trip-time estimate at the moment each
	// ack is processed.
	RTT = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name: "nbnet_rtt_seconds",
			Help: "Smoothed per-connection RTT estimate.",
			Buckets: []float64{
				0.005, 0.01, 0.02, 0.03, 0.05, 0.08, 0.13, 0.2, 0.3, 0.5, 0.8, 1.3, 2,
			},
		},
	)

	// ConnectedPeers tracks the live peer-table occupancy.
	ConnectedPeers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "nbnet_connected_peers",
			Help: "Number of peers currently occupying the endpoint's peer table.",
		},
	)

	// EventsDropped counts events discarded because the bounded event queue
	// was full when a new one was raised.
	EventsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nbnet_events_dropped_total",
			Help: "Host-facing events dropped because the event queue was full.",
		},
	)
)
