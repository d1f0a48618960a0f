// Package metrics exposes a prometheus.Collector gathering peer,
// sync, and AirPlay transport statistics at scrape time, adapted from the
// teacher's provider-interface collector pattern
// (internal/metrics/metrics.go): every stat source is an optional
// interface so the collector degrades gracefully when a subsystem isn't
// wired in.
package metrics

import (
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PeerStatsProvider reports the peer manager's live view.
type PeerStatsProvider interface {
	ConnectedPeerCount() int
	PeerDeltas() map[string]float64 // uuid -> committed_delta
}

// BufferStatsProvider reports per-sink buffer health.
type BufferStatsProvider interface {
	UnderrunCount() uint64
}

// AirplayStatsProvider reports AirPlay transport activity.
type AirplayStatsProvider interface {
	ResendCount() uint64
	AudioPacketsSent() uint64
}

// Collector is a prometheus.Collector gathering meshsync metrics. Any
// provider may be nil if that subsystem is not active in this process.
type Collector struct {
	peers   PeerStatsProvider
	buffers BufferStatsProvider
	airplay AirplayStatsProvider

	startTime time.Time
	logger    *slog.Logger

	connectedPeersDesc *prometheus.Desc
	peerDeltaDesc      *prometheus.Desc
	underrunDesc       *prometheus.Desc
	resendDesc         *prometheus.Desc
	audioPacketsDesc   *prometheus.Desc
	uptimeDesc         *prometheus.Desc
}

// NewCollector constructs a Collector. Any provider argument may be nil.
func NewCollector(peers PeerStatsProvider, buffers BufferStatsProvider, airplay AirplayStatsProvider, startTime time.Time, logger *slog.Logger) *Collector {
	return &Collector{
		peers:     peers,
		buffers:   buffers,
		airplay:   airplay,
		startTime: startTime,
		logger:    logger.With("subsystem", "metrics"),

		connectedPeersDesc: prometheus.NewDesc(
			"meshsync_connected_peers",
			"Number of peers currently in the Connected state",
			nil, nil,
		),
		peerDeltaDesc: prometheus.NewDesc(
			"meshsync_peer_committed_delta_ms",
			"Committed clock offset to a peer, in milliseconds",
			[]string{"peer_uuid"}, nil,
		),
		underrunDesc: prometheus.NewDesc(
			"meshsync_buffer_underruns_total",
			"Total circular buffer underrun events across all sinks",
			nil, nil,
		),
		resendDesc: prometheus.NewDesc(
			"meshsync_airplay_resends_total",
			"Total rangeResend packets received from AirPlay sinks",
			nil, nil,
		),
		audioPacketsDesc: prometheus.NewDesc(
			"meshsync_airplay_audio_packets_sent_total",
			"Total audioData packets sent over the AirPlay transport",
			nil, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"meshsync_uptime_seconds",
			"Seconds since the daemon process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.connectedPeersDesc
	ch <- c.peerDeltaDesc
	ch <- c.underrunDesc
	ch <- c.resendDesc
	ch <- c.audioPacketsDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.peers != nil {
		ch <- prometheus.MustNewConstMetric(
			c.connectedPeersDesc, prometheus.GaugeValue,
			float64(c.peers.ConnectedPeerCount()),
		)
		for uuid, delta := range c.peers.PeerDeltas() {
			ch <- prometheus.MustNewConstMetric(
				c.peerDeltaDesc, prometheus.GaugeValue, delta, uuid,
			)
		}
	}

	if c.buffers != nil {
		ch <- prometheus.MustNewConstMetric(
			c.underrunDesc, prometheus.CounterValue,
			float64(c.buffers.UnderrunCount()),
		)
	}

	if c.airplay != nil {
		ch <- prometheus.MustNewConstMetric(
			c.resendDesc, prometheus.CounterValue,
			float64(c.airplay.ResendCount()),
		)
		ch <- prometheus.MustNewConstMetric(
			c.audioPacketsDesc, prometheus.CounterValue,
			float64(c.airplay.AudioPacketsSent()),
		)
	}

	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue,
		time.Since(c.startTime).Seconds(),
	)
}
