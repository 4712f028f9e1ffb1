package merger

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus instrumentation for the merger.
type Metrics struct {
	InvalidEventsIgnored *prometheus.CounterVec
}

var (
	metricsMu    sync.Mutex
	metricsCache = map[string]*Metrics{}
)

// NewMetrics returns the merger's metrics registered under namespace,
// defaulting to "accessgraph_merger" if empty. Every call for the same
// namespace returns the same *Metrics rather than re-registering with
// promauto's default registry, since New() calls this once per Merger
// constructed (in tests, many times within one process).
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "accessgraph_merger"
	}

	metricsMu.Lock()
	defer metricsMu.Unlock()
	if m, ok := metricsCache[namespace]; ok {
		return m
	}

	m := &Metrics{
		InvalidEventsIgnored: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "invalid_events_ignored_total",
				Help:      "Total number of malformed merge-source events dropped instead of raising MergeIntegrityError",
			},
			[]string{"kind", "action", "source"},
		),
	}
	metricsCache[namespace] = m
	return m
}
