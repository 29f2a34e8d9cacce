package locator

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	Libraries prometheus.Counter
	Errors    *prometheus.CounterVec
	Spans     prometheus.Counter
	SpanBytes prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Libraries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gpuslim_locator_libraries_total",
			Help: "Total number of libraries analyzed",
		}),
		Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gpuslim_locator_errors_total",
			Help: "Total number of per-library analysis failures",
		}, []string{"error"}),
		Spans: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gpuslim_locator_spans_total",
			Help: "Total number of unused spans located",
		}),
		SpanBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gpuslim_locator_span_bytes_total",
			Help: "Total number of unused bytes located",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.Libraries,
			m.Errors,
			m.Spans,
			m.SpanBytes,
		)
	}

	return m
}
