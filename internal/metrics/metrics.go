// Package metrics exposes relay statistics as Prometheus metrics. The
// collector pulls from provider interfaces at scrape time; nothing is
// counted on the media path beyond the engine's own atomics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// RelayStatsProvider exposes aggregate relay statistics.
type RelayStatsProvider interface {
	ActiveSessionCount() int
	SessionsCreated() uint64
	AggregatePacketsForwarded() uint64
	AggregatePacketsDropped() uint64
	AggregateBytesForwarded() uint64
	PortPairsInUse() int
	PortPairCapacity() int
}

// Collector is a prometheus.Collector that gathers relay metrics at
// scrape time.
type Collector struct {
	relay     RelayStatsProvider
	startTime time.Time

	sessionsActiveDesc  *prometheus.Desc
	sessionsCreatedDesc *prometheus.Desc
	packetsDesc         *prometheus.Desc
	packetsDroppedDesc  *prometheus.Desc
	bytesDesc           *prometheus.Desc
	portsInUseDesc      *prometheus.Desc
	portCapacityDesc    *prometheus.Desc
	uptimeDesc          *prometheus.Desc
}

// NewCollector creates a metrics collector over the given provider.
func NewCollector(relay RelayStatsProvider, startTime time.Time) *Collector {
	return &Collector{
		relay:     relay,
		startTime: startTime,

		sessionsActiveDesc: prometheus.NewDesc(
			"rtprelay_sessions_active",
			"Number of live relay session pairs",
			nil, nil,
		),
		sessionsCreatedDesc: prometheus.NewDesc(
			"rtprelay_sessions_created_total",
			"Total relay session pairs created since start",
			nil, nil,
		),
		packetsDesc: prometheus.NewDesc(
			"rtprelay_packets_relayed_total",
			"Total RTP and RTCP packets relayed",
			nil, nil,
		),
		packetsDroppedDesc: prometheus.NewDesc(
			"rtprelay_packets_dropped_total",
			"Total packets dropped (unknown destination or player-owned side)",
			nil, nil,
		),
		bytesDesc: prometheus.NewDesc(
			"rtprelay_bytes_relayed_total",
			"Total payload bytes relayed",
			nil, nil,
		),
		portsInUseDesc: prometheus.NewDesc(
			"rtprelay_port_pairs_in_use",
			"Media port pairs currently bound",
			nil, nil,
		),
		portCapacityDesc: prometheus.NewDesc(
			"rtprelay_port_pair_capacity",
			"Media port pairs available in the configured range",
			nil, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"rtprelay_uptime_seconds",
			"Seconds since the rtprelay process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.sessionsActiveDesc
	ch <- c.sessionsCreatedDesc
	ch <- c.packetsDesc
	ch <- c.packetsDroppedDesc
	ch <- c.bytesDesc
	ch <- c.portsInUseDesc
	ch <- c.portCapacityDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(
		c.sessionsActiveDesc, prometheus.GaugeValue,
		float64(c.relay.ActiveSessionCount()),
	)
	ch <- prometheus.MustNewConstMetric(
		c.sessionsCreatedDesc, prometheus.CounterValue,
		float64(c.relay.SessionsCreated()),
	)
	ch <- prometheus.MustNewConstMetric(
		c.packetsDesc, prometheus.CounterValue,
		float64(c.relay.AggregatePacketsForwarded()),
	)
	ch <- prometheus.MustNewConstMetric(
		c.packetsDroppedDesc, prometheus.CounterValue,
		float64(c.relay.AggregatePacketsDropped()),
	)
	ch <- prometheus.MustNewConstMetric(
		c.bytesDesc, prometheus.CounterValue,
		float64(c.relay.AggregateBytesForwarded()),
	)
	ch <- prometheus.MustNewConstMetric(
		c.portsInUseDesc, prometheus.GaugeValue,
		float64(c.relay.PortPairsInUse()),
	)
	ch <- prometheus.MustNewConstMetric(
		c.portCapacityDesc, prometheus.GaugeValue,
		float64(c.relay.PortPairCapacity()),
	)
	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue,
		time.Since(c.startTime).Seconds(),
	)
}
