// Package metrics exposes the counters and gauges the pipeline emits for
// operational visibility: ACKs sent, reassembly timeouts, dispatcher skips,
// queue depth, per-subscriber drops, and the FPS/latency gauges that the
// original frame-sequencer instrumentation reported (the FPS and latency
// collectors are registered, but no pipeline stage sets them). Each
// Registry registers its metrics on its own prometheus.Registry; a process
// (one variant, per spec.md §6) builds one and exposes that set.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry is the collector set for one running session. RESET (spec.md
// §4.8) keeps the same Registry, so counters accumulate across resets.
type Registry struct {
	reg *prometheus.Registry

	AcksSent           *prometheus.CounterVec
	ChunksDropped      *prometheus.CounterVec
	ReassemblyTimeouts prometheus.Counter
	DispatcherSkips    prometheus.Counter
	DispatcherDelivers prometheus.Counter
	QueueDepth         *prometheus.GaugeVec
	SubscriberDrops    *prometheus.CounterVec
	SubscriberCount    prometheus.Gauge
	CodecErrors        *prometheus.CounterVec
	InferenceCrashes   prometheus.Counter
	FPS                prometheus.Gauge
	DispatchLatencyMs  prometheus.Histogram
}

// New constructs a Registry with all collectors registered against a fresh
// prometheus.Registry (not the global DefaultRegisterer, so multiple
// sessions in the same process never collide on metric names).
func New() *Registry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	r := &Registry{
		reg: reg,
		AcksSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ingest",
			Name:      "acks_sent_total",
			Help:      "Acknowledgements written to the transport, by protocol.",
		}, []string{"protocol"}),
		ChunksDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ingest",
			Name:      "chunks_dropped_total",
			Help:      "Chunks dropped or flagged before reassembly, by reason; crc_mismatch also counts chunks still delivered.",
		}, []string{"reason"}),
		ReassemblyTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "ingest",
			Name:      "reassembly_timeouts_total",
			Help:      "Reassembly entries evicted by the timeout sweep.",
		}),
		DispatcherSkips: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "ingest",
			Name:      "dispatcher_skips_total",
			Help:      "Times the ordered dispatcher skipped forward past a missing frame.",
		}),
		DispatcherDelivers: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "ingest",
			Name:      "dispatcher_delivers_total",
			Help:      "Frames delivered by the ordered dispatcher.",
		}),
		QueueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "ingest",
			Name:      "queue_depth",
			Help:      "Current depth of a named queue (shared ring or subscriber).",
		}, []string{"queue"}),
		SubscriberDrops: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ingest",
			Name:      "subscriber_drops_total",
			Help:      "Frames dropped for a subscriber, by reason (slow, stale).",
		}, []string{"subscriber_id", "reason"}),
		SubscriberCount: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "ingest",
			Name:      "subscriber_count",
			Help:      "Currently connected subscribers.",
		}),
		CodecErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ingest",
			Name:      "codec_errors_total",
			Help:      "Decode/encode failures, by stage.",
		}, []string{"stage"}),
		InferenceCrashes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "ingest",
			Name:      "inference_crashes_total",
			Help:      "Unclean exits of the inference worker process.",
		}),
		FPS: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "ingest",
			Name:      "dispatch_fps",
			Help:      "Smoothed delivery rate out of the ordered dispatcher.",
		}),
		DispatchLatencyMs: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "ingest",
			Name:      "dispatch_latency_ms",
			Help:      "Time from chunk arrival to dispatcher delivery.",
			Buckets:   []float64{5, 10, 25, 50, 100, 200, 400, 800},
		}),
	}
	return r
}

// Registerer exposes the underlying registry so an HTTP handler
// (promhttp.HandlerFor) can be mounted by whoever owns the outer mux.
func (r *Registry) Registerer() *prometheus.Registry { return r.reg }
