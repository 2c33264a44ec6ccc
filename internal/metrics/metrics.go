// Package metrics is the metrics sink: a gauge for peak memory per
// function/runtime and a counter for exit status, exported directly via
// prometheus client_golang rather than through a tracing-span shim.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Sink is the narrow metrics contract every other component depends on.
type Sink interface {
	ObservePeakMemory(functionID, runtime string, bytes int64)
	CountExit(status string)
}

// PrometheusSink registers and updates the two metrics named in the
// specification's external interfaces section.
type PrometheusSink struct {
	peakMemory *prometheus.GaugeVec
	exitCount  *prometheus.CounterVec
}

// NewPrometheusSink registers its metrics against reg. Pass
// prometheus.DefaultRegisterer to use the global registry.
func NewPrometheusSink(reg prometheus.Registerer) *PrometheusSink {
	factory := promauto.With(reg)
	return &PrometheusSink{
		peakMemory: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "function_peak_memory_bytes",
			Help: "Peak resident memory observed during the most recent execution of a function.",
		}, []string{"function_id", "runtime"}),
		exitCount: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "function_exit",
			Help: "Count of function executions by terminal status.",
		}, []string{"status"}),
	}
}

func (s *PrometheusSink) ObservePeakMemory(functionID, runtime string, bytes int64) {
	s.peakMemory.WithLabelValues(functionID, runtime).Set(float64(bytes))
}

func (s *PrometheusSink) CountExit(status string) {
	s.exitCount.WithLabelValues(status).Inc()
}

var _ Sink = (*PrometheusSink)(nil)
