// Package metrics exposes the WAL's own invariants (§8) as Prometheus
// instruments: the durable epoch horizon, the on-disk frontier, the
// paged MDS horizon, and flush/fsync latency. It never owns a global
// registry — a prometheus.Registerer is supplied at Init the way the
// teacher is handed a *zap.Logger rather than configuring one itself.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles the engine's Prometheus instruments. A Metrics built
// with New(nil) is safe to use: its collectors record observations as
// usual but are registered against a private registry that nothing
// scrapes. The zero value of Metrics has nil collectors and is not
// usable.
type Metrics struct {
	DurableEpoch     prometheus.Gauge
	LastSyncedDsid   prometheus.Gauge
	PagedMdsEpoch    prometheus.Gauge
	FlushDuration    prometheus.Histogram
	FsyncDuration    prometheus.Histogram
	WriterBackpressures prometheus.Counter
	MdsBufferFulls   prometheus.Counter
}

// New builds the instrument set and registers it against reg. A nil
// reg registers against a private, unexported registry so calling code
// never has to nil-check before observing a metric.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		DurableEpoch: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "nvwal",
			Name:      "durable_epoch",
			Help:      "Largest epoch whose bytes are all persisted and published to readers.",
		}),
		LastSyncedDsid: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "nvwal",
			Name:      "last_synced_dsid",
			Help:      "Largest segment dsid durably copied from NVM to block storage.",
		}),
		PagedMdsEpoch: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "nvwal",
			Name:      "paged_mds_epoch",
			Help:      "Largest epoch whose EpochMetadata record lives in an on-disk MDS page file.",
		}),
		FlushDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "nvwal",
			Name:      "flush_duration_seconds",
			Help:      "Time to conclude a stable epoch: persist, MDS write, and publish.",
			Buckets:   prometheus.ExponentialBuckets(0.00005, 2, 16),
		}),
		FsyncDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "nvwal",
			Name:      "fsync_duration_seconds",
			Help:      "Time to copy a full NVM segment to block storage and fsync it.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 16),
		}),
		WriterBackpressures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nvwal",
			Name:      "writer_backpressure_total",
			Help:      "Times a writer observed has_enough_space == false and yielded.",
		}),
		MdsBufferFulls: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nvwal",
			Name:      "mds_buffer_full_total",
			Help:      "Times the MDS buffer manager returned BufferFull and triggered writeback.",
		}),
	}
	reg.MustRegister(
		m.DurableEpoch,
		m.LastSyncedDsid,
		m.PagedMdsEpoch,
		m.FlushDuration,
		m.FsyncDuration,
		m.WriterBackpressures,
		m.MdsBufferFulls,
	)
	return m
}
