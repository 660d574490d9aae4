package queue

import "github.com/prometheus/client_golang/prometheus"

type metrics struct {
	commands *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) (*metrics, error) {
	if reg == nil {
		return nil, nil
	}
	m := &metrics{
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dataroute",
			Subsystem: "queue",
			Name:      "commands_total",
			Help:      "Device commands by result",
		}, []string{"result"}),
	}
	if err := reg.Register(m.commands); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *metrics) sent() {
	if m != nil {
		m.commands.WithLabelValues("sent").Inc()
	}
}

func (m *metrics) failed() {
	if m != nil {
		m.commands.WithLabelValues("failed").Inc()
	}
}
