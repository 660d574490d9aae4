package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts what happens to incoming notifications. A nil *Metrics
// records nothing.
type Metrics struct {
	frames      *prometheus.CounterVec // by result: queued, dispatched, dropped
	drops       *prometheus.CounterVec // by reason
	reassembled prometheus.Counter
	handlerErrs prometheus.Counter
}

// NewMetrics creates the dispatcher metrics and registers them with reg.
// A nil reg disables metrics.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		return nil, nil
	}
	m := &Metrics{
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dataroute",
			Subsystem: "dispatch",
			Name:      "frames_total",
			Help:      "Notification frames by result",
		}, []string{"result"}),
		drops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dataroute",
			Subsystem: "dispatch",
			Name:      "dropped_total",
			Help:      "Dropped notification frames by reason",
		}, []string{"reason"}),
		reassembled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dataroute",
			Subsystem: "dispatch",
			Name:      "reassembled_total",
			Help:      "Multi packet payloads completed",
		}),
		handlerErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dataroute",
			Subsystem: "dispatch",
			Name:      "handler_panics_total",
			Help:      "Handlers that panicked",
		}),
	}
	for _, c := range []prometheus.Collector{m.frames, m.drops, m.reassembled, m.handlerErrs} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) frame(result string) {
	if m != nil {
		m.frames.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) drop(reason string) {
	if m != nil {
		m.frames.WithLabelValues("dropped").Inc()
		m.drops.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) completed() {
	if m != nil {
		m.reassembled.Inc()
	}
}

func (m *Metrics) panicked() {
	if m != nil {
		m.handlerErrs.Inc()
	}
}
