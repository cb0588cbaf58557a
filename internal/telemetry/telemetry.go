// Package telemetry holds the prometheus metrics exported by traceprof.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "traceprof"

var (
	EventsProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ingest_events_total",
		Help:      "Trace events handled by the dispatcher.",
	}, []string{"type"})
	EventsDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ingest_events_dropped_total",
		Help:      "Trace events ignored by the dispatcher.",
	}, []string{"reason"})
	MalformedEvents = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ingest_malformed_events_total",
		Help:      "Trace events that could not be decoded.",
	})
	PoolOutstanding = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "ingest_pool_outstanding",
		Help:      "Pooled objects allocated by the dispatcher and not returned.",
	}, []string{"pool"})
	ModulesLoaded = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "resolver_modules_total",
		Help:      "Modules initialized by the module resolver, by outcome.",
	}, []string{"status"})
	SymbolLookups = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "symbol_lookups_total",
		Help:      "Binary and debug file lookups, by kind and result.",
	}, []string{"kind", "result"})
	FramesResolved = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "resolver_frames_total",
		Help:      "Stack frames resolved, by kind of attribution.",
	}, []string{"kind"})
	ProcessingDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "processing_duration_seconds",
		Help:      "Duration of each trace processing phase.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"phase"})
)

func init() {
	prometheus.MustRegister(
		EventsProcessed,
		EventsDropped,
		MalformedEvents,
		PoolOutstanding,
		ModulesLoaded,
		SymbolLookups,
		FramesResolved,
		ProcessingDuration,
	)
}
