package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "metalpipe"

// Metrics instruments kernel compilation and dispatch. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	CompileDuration prometheus.Histogram
	CompileTotal    *prometheus.CounterVec

	DispatchDuration prometheus.Histogram
	DispatchTotal    *prometheus.CounterVec

	// Size of each of the two buffers of the last dispatch.
	BufferBytes prometheus.Gauge

	// Total threads (groups x threads per group) of the last dispatch.
	ThreadsDispatched prometheus.Gauge
}

// NewMetrics registers the collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		CompileDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "kernel_compile_duration_ms",
			Help:      "Duration of kernel compilation in milliseconds",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12), // 1ms to ~2s
		}),
		CompileTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kernel_compile_total",
			Help:      "Total number of kernel compilations by result",
		}, []string{"result"}),
		DispatchDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_duration_ms",
			Help:      "Duration of a kernel dispatch from allocation to read-back in milliseconds",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 15), // 1ms to ~32s
		}),
		DispatchTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_total",
			Help:      "Total number of kernel dispatches by result",
		}, []string{"result"}),
		BufferBytes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dispatch_buffer_bytes",
			Help:      "Size in bytes of each buffer used by the last dispatch",
		}),
		ThreadsDispatched: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dispatch_threads",
			Help:      "Number of threads launched by the last dispatch",
		}),
	}
}

// ObserveCompile records one compilation. result is "ok" or a failure kind.
func (m *Metrics) ObserveCompile(d time.Duration, result string) {
	if m == nil {
		return
	}
	m.CompileDuration.Observe(float64(d.Microseconds()) / 1000)
	m.CompileTotal.WithLabelValues(result).Inc()
}

// ObserveDispatch records one dispatch. result is "ok" or a failure kind.
func (m *Metrics) ObserveDispatch(d time.Duration, result string, bufferBytes, threads int) {
	if m == nil {
		return
	}
	m.DispatchDuration.Observe(float64(d.Microseconds()) / 1000)
	m.DispatchTotal.WithLabelValues(result).Inc()
	m.BufferBytes.Set(float64(bufferBytes))
	m.ThreadsDispatched.Set(float64(threads))
}

// WriteTextfile writes everything gathered by g to path in the text
// exposition format, for node_exporter's textfile collector.
func WriteTextfile(path string, g prometheus.Gatherer) error {
	return prometheus.WriteToTextfile(path, g)
}
