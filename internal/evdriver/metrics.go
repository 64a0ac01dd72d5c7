package evdriver

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	directionRead  = "read"
	directionWrite = "write"
)

type Metrics struct {
	fdsOpen         prometheus.Gauge
	fdsCreated      prometheus.Counter
	fdsReleased     prometheus.Counter
	events          *prometheus.CounterVec
	reconciliations prometheus.Counter
	cancels         prometheus.Counter
}

// NewMetrics creates the driver collectors and registers them with reg when
// it is not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		fdsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dns_evdriver",
			Name:      "fds_open",
			Help:      "Engine descriptors currently wrapped by a driver.",
		}),
		fdsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dns_evdriver",
			Name:      "fds_created_total",
			Help:      "Engine descriptors wrapped.",
		}),
		fdsReleased: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dns_evdriver",
			Name:      "fds_released_total",
			Help:      "Engine descriptors released after their last reference dropped.",
		}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dns_evdriver",
			Name:      "events_total",
			Help:      "Readiness completions handled, by direction and result.",
		}, []string{"direction", "result"}),
		reconciliations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dns_evdriver",
			Name:      "reconciliations_total",
			Help:      "Reconciliation passes against the engine interest set.",
		}),
		cancels: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dns_evdriver",
			Name:      "cancel_all_total",
			Help:      "Engine cancel-all calls issued by drivers.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.fdsOpen, m.fdsCreated, m.fdsReleased, m.events, m.reconciliations, m.cancels)
	}
	return m
}

func (m *Metrics) fdCreated() {
	m.fdsCreated.Inc()
	m.fdsOpen.Inc()
}

func (m *Metrics) fdReleased() {
	m.fdsReleased.Inc()
	m.fdsOpen.Dec()
}

func (m *Metrics) event(direction string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.events.WithLabelValues(direction, result).Inc()
}
