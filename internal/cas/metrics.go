package cas

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc/codes"
)

// Metrics collects request and per-item counters for the CAS service. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
	items    *prometheus.CounterVec
	lookups  *prometheus.CounterVec
}

// NewMetrics creates the CAS collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "casd",
			Name:      "requests_total",
			Help:      "gRPC requests handled, by method and status code.",
		}, []string{"method", "code"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "casd",
			Name:      "request_duration_seconds",
			Help:      "gRPC request latency, by method.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
		items: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "casd",
			Name:      "batch_update_items_total",
			Help:      "BatchUpdateBlobs items processed, by per-item status code.",
		}, []string{"code"}),
		lookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "casd",
			Name:      "blob_lookups_total",
			Help:      "FindMissingBlobs existence checks, by result.",
		}, []string{"result"}),
	}

	reg.MustRegister(m.requests, m.duration, m.items, m.lookups)
	return m
}

func (m *Metrics) observeRequest(method string, code codes.Code, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(method, code.String()).Inc()
	m.duration.WithLabelValues(method).Observe(elapsed.Seconds())
}

func (m *Metrics) observeItem(code codes.Code) {
	if m == nil {
		return
	}
	m.items.WithLabelValues(code.String()).Inc()
}

func (m *Metrics) observeLookup(result string) {
	if m == nil {
		return
	}
	m.lookups.WithLabelValues(result).Inc()
}
