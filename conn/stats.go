package conn

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Stats is the counters snapshot exposed through the STATISTICS /
// STATISTICS_PLAT parameter (§4.9) and mirrored, for process-wide
// observability, as Prometheus counters via StatsCollector.
type Stats struct {
	PacketsReceived    uint64
	PacketsSent        uint64
	BytesReceived      uint64
	BytesSent          uint64
	DuplicatePackets   uint64
	DecryptionFailures uint64
	KeyUpdateCount     uint64
	CidUpdateCount     uint64
	CongestionEvents   uint64
}

// Snapshot returns a consistent point-in-time copy, reading each field
// atomically. Stats fields are mutated only from the connection's drain
// goroutine (§5), so a plain struct copy without a lock is safe for the
// "current" numbers; atomics guard the rare case of STATISTICS being read
// concurrently from an application callback re-entering the API (§9
// callback reentrancy note) before its enqueue has actually drained.
func (s *Stats) Snapshot() Stats {
	return Stats{
		PacketsReceived:    atomic.LoadUint64(&s.PacketsReceived),
		PacketsSent:        atomic.LoadUint64(&s.PacketsSent),
		BytesReceived:      atomic.LoadUint64(&s.BytesReceived),
		BytesSent:          atomic.LoadUint64(&s.BytesSent),
		DuplicatePackets:   atomic.LoadUint64(&s.DuplicatePackets),
		DecryptionFailures: atomic.LoadUint64(&s.DecryptionFailures),
		KeyUpdateCount:     atomic.LoadUint64(&s.KeyUpdateCount),
		CidUpdateCount:     atomic.LoadUint64(&s.CidUpdateCount),
		CongestionEvents:   atomic.LoadUint64(&s.CongestionEvents),
	}
}

// StatsCollector adapts a connection's Stats to prometheus.Collector, so a
// listener holding many connections can register one collector per
// connection (or fan them into a registry keyed by CorrelationId) without
// hand-rolling a /metrics exporter, grounded on the teacher's own
// Prometheus remote-write output.
type StatsCollector struct {
	conn *Connection

	packetsReceived    *prometheus.Desc
	packetsSent        *prometheus.Desc
	bytesReceived      *prometheus.Desc
	bytesSent          *prometheus.Desc
	duplicatePackets   *prometheus.Desc
	decryptionFailures *prometheus.Desc
	keyUpdateCount     *prometheus.Desc
}

// NewStatsCollector builds a collector reporting c's live Stats.
func NewStatsCollector(c *Connection) *StatsCollector {
	constLabels := prometheus.Labels{"correlation_id": c.CorrelationId.String()}
	return &StatsCollector{
		conn:               c,
		packetsReceived:    prometheus.NewDesc("quic_conn_packets_received_total", "Packets received.", nil, constLabels),
		packetsSent:        prometheus.NewDesc("quic_conn_packets_sent_total", "Packets sent.", nil, constLabels),
		bytesReceived:      prometheus.NewDesc("quic_conn_bytes_received_total", "Bytes received.", nil, constLabels),
		bytesSent:          prometheus.NewDesc("quic_conn_bytes_sent_total", "Bytes sent.", nil, constLabels),
		duplicatePackets:   prometheus.NewDesc("quic_conn_duplicate_packets_total", "Duplicate packets dropped.", nil, constLabels),
		decryptionFailures: prometheus.NewDesc("quic_conn_decryption_failures_total", "AEAD authentication failures.", nil, constLabels),
		keyUpdateCount:     prometheus.NewDesc("quic_conn_key_update_total", "1-RTT key updates completed.", nil, constLabels),
	}
}

// Describe implements prometheus.Collector.
func (c *StatsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.packetsReceived
	ch <- c.packetsSent
	ch <- c.bytesReceived
	ch <- c.bytesSent
	ch <- c.duplicatePackets
	ch <- c.decryptionFailures
	ch <- c.keyUpdateCount
}

// Collect implements prometheus.Collector.
func (c *StatsCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.conn.Stats.Snapshot()
	ch <- prometheus.MustNewConstMetric(c.packetsReceived, prometheus.CounterValue, float64(s.PacketsReceived))
	ch <- prometheus.MustNewConstMetric(c.packetsSent, prometheus.CounterValue, float64(s.PacketsSent))
	ch <- prometheus.MustNewConstMetric(c.bytesReceived, prometheus.CounterValue, float64(s.BytesReceived))
	ch <- prometheus.MustNewConstMetric(c.bytesSent, prometheus.CounterValue, float64(s.BytesSent))
	ch <- prometheus.MustNewConstMetric(c.duplicatePackets, prometheus.CounterValue, float64(s.DuplicatePackets))
	ch <- prometheus.MustNewConstMetric(c.decryptionFailures, prometheus.CounterValue, float64(s.DecryptionFailures))
	ch <- prometheus.MustNewConstMetric(c.keyUpdateCount, prometheus.CounterValue, float64(s.KeyUpdateCount))
}
