package bridge

import (
	"runtime"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector exports a bridge's Stats to Prometheus.
type Collector struct {
	stats             *Stats
	BuildInfo         *prometheus.Desc
	SessionsActive    *prometheus.Desc
	SessionsOpened    *prometheus.Desc
	SessionsClosed    *prometheus.Desc
	SessionsReaped    *prometheus.Desc
	EstablishFailures *prometheus.Desc
	TargetFailures    *prometheus.Desc
	BytesToMesh       *prometheus.Desc
	BytesFromMesh     *prometheus.Desc
	DatagramPeers     *prometheus.Desc
	Announces         *prometheus.Desc
}

// NewCollector returns a new Collector with all prometheus.Desc initialized.
// name prefixes every metric, e.g. "meshbridge_client".
func NewCollector(name string, stats *Stats) Collector {
	prefix := name + "_"
	return Collector{
		stats: stats,

		BuildInfo: prometheus.NewDesc(
			prefix+"build_info",
			"Build information",
			[]string{
				"goarch",
				"goos",
				"goversion",
			}, nil,
		),

		SessionsActive: prometheus.NewDesc(
			prefix+"sessions_active",
			"Number of sessions in the connection table",
			nil, nil,
		),
		SessionsOpened: prometheus.NewDesc(
			prefix+"sessions_opened_total",
			"Number of sessions that reached the relaying state",
			nil, nil,
		),
		SessionsClosed: prometheus.NewDesc(
			prefix+"sessions_closed_total",
			"Number of sessions removed from the connection table",
			nil, nil,
		),
		SessionsReaped: prometheus.NewDesc(
			prefix+"sessions_reaped_total",
			"Number of sessions evicted for inactivity",
			nil, nil,
		),
		EstablishFailures: prometheus.NewDesc(
			prefix+"establish_failures_total",
			"Number of circuits that could not be established",
			nil, nil,
		),
		TargetFailures: prometheus.NewDesc(
			prefix+"target_failures_total",
			"Number of inbound circuits whose local target could not be opened",
			nil, nil,
		),
		BytesToMesh: prometheus.NewDesc(
			prefix+"bytes_to_mesh_total",
			"Bytes read from local sockets and sent on circuits",
			nil, nil,
		),
		BytesFromMesh: prometheus.NewDesc(
			prefix+"bytes_from_mesh_total",
			"Bytes received on circuits and written to local sockets",
			nil, nil,
		),
		DatagramPeers: prometheus.NewDesc(
			prefix+"datagram_peers",
			"Number of remembered local UDP peer entries",
			nil, nil,
		),
		Announces: prometheus.NewDesc(
			prefix+"announces_total",
			"Number of destination announces sent",
			nil, nil,
		),
	}
}

func (c Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.BuildInfo
	ch <- c.SessionsActive
	ch <- c.SessionsOpened
	ch <- c.SessionsClosed
	ch <- c.SessionsReaped
	ch <- c.EstablishFailures
	ch <- c.TargetFailures
	ch <- c.BytesToMesh
	ch <- c.BytesFromMesh
	ch <- c.DatagramPeers
	ch <- c.Announces
}

func (c Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.stats.Snapshot()

	ch <- prometheus.MustNewConstMetric(
		c.BuildInfo,
		prometheus.GaugeValue,
		1,
		runtime.GOARCH,
		runtime.GOOS,
		runtime.Version(),
	)

	ch <- prometheus.MustNewConstMetric(c.SessionsActive, prometheus.GaugeValue, float64(s.SessionsActive))
	ch <- prometheus.MustNewConstMetric(c.SessionsOpened, prometheus.CounterValue, float64(s.SessionsOpened))
	ch <- prometheus.MustNewConstMetric(c.SessionsClosed, prometheus.CounterValue, float64(s.SessionsClosed))
	ch <- prometheus.MustNewConstMetric(c.SessionsReaped, prometheus.CounterValue, float64(s.SessionsReaped))
	ch <- prometheus.MustNewConstMetric(c.EstablishFailures, prometheus.CounterValue, float64(s.EstablishFailures))
	ch <- prometheus.MustNewConstMetric(c.TargetFailures, prometheus.CounterValue, float64(s.TargetFailures))
	ch <- prometheus.MustNewConstMetric(c.BytesToMesh, prometheus.CounterValue, float64(s.BytesToMesh))
	ch <- prometheus.MustNewConstMetric(c.BytesFromMesh, prometheus.CounterValue, float64(s.BytesFromMesh))
	ch <- prometheus.MustNewConstMetric(c.DatagramPeers, prometheus.GaugeValue, float64(s.DatagramPeers))
	ch <- prometheus.MustNewConstMetric(c.Announces, prometheus.CounterValue, float64(s.Announces))
}
