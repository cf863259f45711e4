package logdev

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	appends         prometheus.Counter
	flushes         prometheus.Counter
	chainFlushes    prometheus.Counter
	flushedBytes    prometheus.Counter
	groupRecords    prometheus.Histogram
	writesFailed    prometheus.Counter
	truncations     prometheus.Counter
	pendingBytes    prometheus.Gauge
	lastFlushedIdx  prometheus.Gauge
	flushesRejected prometheus.Counter
}

func NewMetrics(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{}

	m.appends = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "appends_total",
		Help: "Total number of appended records.",
	})

	m.flushes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "flushes_total",
		Help: "Total number of dispatched log groups.",
	})

	m.chainFlushes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chain_flushes_total",
		Help: "Total number of flushes started from a flush completion.",
	})

	m.flushedBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "flushed_bytes_total",
		Help: "Total number of group bytes handed to the block writer.",
	})

	m.groupRecords = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "group_records",
		Help:    "Number of records per flushed group.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 10),
	})

	m.writesFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "writes_failed_total",
		Help: "Total number of group writes that failed.",
	})

	m.truncations = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "truncations_total",
		Help: "Total number of record tracker truncations.",
	})

	m.pendingBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pending_flush_bytes",
		Help: "Serialized bytes appended but not yet gathered into a group.",
	})

	m.lastFlushedIdx = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "last_flushed_index",
		Help: "Highest log index known to be durable.",
	})

	m.flushesRejected = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "flush_elections_lost_total",
		Help: "Total number of flush attempts that found another flush in flight.",
	})

	if registerer != nil {
		registerer.MustRegister(
			m.appends,
			m.flushes,
			m.chainFlushes,
			m.flushedBytes,
			m.groupRecords,
			m.writesFailed,
			m.truncations,
			m.pendingBytes,
			m.lastFlushedIdx,
			m.flushesRejected,
		)
	}

	return m
}
