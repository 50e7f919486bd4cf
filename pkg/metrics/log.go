package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	EntriesAppended = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "seglog_entries_appended_total",
		Help: "Total number of entries appended to segment files",
	})

	SegmentRotations = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "seglog_segment_rotations_total",
		Help: "Total number of segment files created by rotation, truncation or skip",
	})

	SegmentsPruned = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "seglog_segments_pruned_total",
		Help: "Total number of segment files disposed and deleted by pruning",
	})

	PruneDeferred = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "seglog_prune_deferred_total",
		Help: "Prune attempts skipped because the segment was still referenced",
	})

	Segments = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "seglog_segments",
		Help: "Number of segment files currently tracked",
	})

	OpenCursors = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "seglog_open_cursors",
		Help: "Number of entry cursors currently open",
	})

	PooledReaders = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "seglog_pooled_readers",
		Help: "Number of idle reader files held by reader pools",
	})

	ScanDistance = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "seglog_scan_distance_entries",
		Help:    "Entries scanned past the cached checkpoint when opening a reader",
		Buckets: prometheus.ExponentialBuckets(1, 4, 8),
	})

	FlushLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "seglog_flush_latency_seconds",
		Help:    "Histogram of segment flush latency",
		Buckets: prometheus.DefBuckets,
	})

	MembershipChanges = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "seglog_membership_changes_total",
		Help: "Total number of membership mutations",
	})
)
