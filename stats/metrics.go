package stats

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the Prometheus metrics exported by Collectors, labeled by group
type Metrics struct {
	SnapshotsReceived *prometheus.CounterVec
	BytesReceived     *prometheus.CounterVec
	SentinelsReceived *prometheus.CounterVec
	SnapshotsDropped  *prometheus.CounterVec
	ProtocolErrors    *prometheus.CounterVec
	Merges            *prometheus.CounterVec
	MergeDuration     *prometheus.HistogramVec
	ContactedWorkers  *prometheus.GaugeVec
	FinishedWorkers   *prometheus.GaugeVec
	StalledWorkers    *prometheus.GaugeVec
	PendingSnapshots  *prometheus.GaugeVec
}

// NewMetrics creates Collector metrics and registers them with reg. A nil reg
// produces unregistered metrics.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	labels := []string{"group"}
	m := &Metrics{
		SnapshotsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sif_collect",
			Name:      "snapshots_received_total",
			Help:      "Data snapshots received from workers",
		}, labels),
		BytesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sif_collect",
			Name:      "snapshot_bytes_received_total",
			Help:      "Serialized snapshot bytes received from workers",
		}, labels),
		SentinelsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sif_collect",
			Name:      "sentinels_received_total",
			Help:      "Completion sentinels received from workers",
		}, labels),
		SnapshotsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sif_collect",
			Name:      "snapshots_dropped_total",
			Help:      "Snapshots dropped because they could not be decoded or merged",
		}, labels),
		ProtocolErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sif_collect",
			Name:      "protocol_errors_total",
			Help:      "Tolerated protocol violations, such as duplicate sentinels",
		}, labels),
		Merges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sif_collect",
			Name:      "merges_total",
			Help:      "Merges of held snapshots into the running output",
		}, []string{"group", "kind"}),
		MergeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "sif_collect",
			Name:      "merge_duration_seconds",
			Help:      "Time spent merging held snapshots",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 10),
		}, labels),
		ContactedWorkers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "sif_collect",
			Name:      "contacted_workers",
			Help:      "Distinct workers which have contacted the collector",
		}, labels),
		FinishedWorkers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "sif_collect",
			Name:      "finished_workers",
			Help:      "Workers which have sent their sentinel",
		}, labels),
		StalledWorkers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "sif_collect",
			Name:      "stalled_workers",
			Help:      "Unfinished workers which have been silent for longer than the stall timeout",
		}, labels),
		PendingSnapshots: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "sif_collect",
			Name:      "pending_snapshots",
			Help:      "Snapshots held until the next merge",
		}, labels),
	}
	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{
		m.SnapshotsReceived, m.BytesReceived, m.SentinelsReceived, m.SnapshotsDropped,
		m.ProtocolErrors, m.Merges, m.MergeDuration, m.ContactedWorkers,
		m.FinishedWorkers, m.StalledWorkers, m.PendingSnapshots,
	} {
		if err := reg.Register(c); err != nil {
			// several collectors may share a process (and a registry) in local runs
			if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
				if err := adopt(m, are); err != nil {
					return nil, err
				}
				continue
			}
			return nil, err
		}
	}
	return m, nil
}

// adopt replaces a freshly created metric with the identical, already registered one
func adopt(m *Metrics, are prometheus.AlreadyRegisteredError) error {
	switch existing := are.ExistingCollector.(type) {
	case *prometheus.CounterVec:
		switch are.NewCollector {
		case m.SnapshotsReceived:
			m.SnapshotsReceived = existing
		case m.BytesReceived:
			m.BytesReceived = existing
		case m.SentinelsReceived:
			m.SentinelsReceived = existing
		case m.SnapshotsDropped:
			m.SnapshotsDropped = existing
		case m.ProtocolErrors:
			m.ProtocolErrors = existing
		case m.Merges:
			m.Merges = existing
		}
	case *prometheus.HistogramVec:
		m.MergeDuration = existing
	case *prometheus.GaugeVec:
		switch are.NewCollector {
		case m.ContactedWorkers:
			m.ContactedWorkers = existing
		case m.FinishedWorkers:
			m.FinishedWorkers = existing
		case m.StalledWorkers:
			m.StalledWorkers = existing
		case m.PendingSnapshots:
			m.PendingSnapshots = existing
		}
	default:
		return are
	}
	return nil
}

// GroupLabel formats a group id as a label value
func GroupLabel(group int) string {
	return strconv.Itoa(group)
}
