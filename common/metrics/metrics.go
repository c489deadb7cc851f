package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "estatehub"

// Metrics holds the process-wide collectors
type Metrics struct {
	changeTransitions *prometheus.CounterVec
	changeConflicts   *prometheus.CounterVec
	validationFailed  *prometheus.CounterVec
	eventsPublished   *prometheus.CounterVec
	rateLimited       *prometheus.CounterVec
	reassignments     prometheus.Counter
	streamClients     prometheus.Gauge

	httpDuration *prometheus.HistogramVec
}

var singleton = sync.OnceValue(func() *Metrics {
	return &Metrics{
		changeTransitions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "change_transitions_total",
			Help:      "Change record operations by resource type, operation and resulting status.",
		}, []string{"resource_type", "operation", "status"}),
		changeConflicts: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "change_conflicts_total",
			Help:      "Submissions rejected because the target already has an active change.",
		}, []string{"resource_type"}),
		validationFailed: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "validation_failures_total",
			Help:      "Payload validation failures by resource type and stage.",
		}, []string{"resource_type", "stage"}),
		eventsPublished: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "change_events_total",
			Help:      "Change events delivered to subscribers.",
		}, []string{"event", "result"}),
		rateLimited: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the rate limiter.",
		}, []string{"scope"}),
		reassignments: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "employee_reassignments_total",
			Help:      "Completed reassign-and-delete operations.",
		}),
		streamClients: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stream_clients",
			Help:      "Open change-event stream connections.",
		}),
		httpDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by method, route and status.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"method", "route", "status"}),
	}
})

// Get returns the shared collectors
func Get() *Metrics {
	return singleton()
}

func (m *Metrics) ChangeTransition(resourceType, operation, status string) {
	m.changeTransitions.WithLabelValues(resourceType, operation, status).Inc()
}

func (m *Metrics) ChangeConflict(resourceType string) {
	m.changeConflicts.WithLabelValues(resourceType).Inc()
}

func (m *Metrics) ValidationFailed(resourceType, stage string) {
	m.validationFailed.WithLabelValues(resourceType, stage).Inc()
}

func (m *Metrics) EventDelivered(event string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.eventsPublished.WithLabelValues(event, result).Inc()
}

func (m *Metrics) RateLimited(scope string) {
	m.rateLimited.WithLabelValues(scope).Inc()
}

func (m *Metrics) Reassigned() {
	m.reassignments.Inc()
}

// StreamClients records the number of open stream connections
func (m *Metrics) StreamClients(n int) {
	m.streamClients.Set(float64(n))
}

func (m *Metrics) ObserveHTTP(method, route, status string, elapsed time.Duration) {
	m.httpDuration.WithLabelValues(method, route, status).Observe(elapsed.Seconds())
}
