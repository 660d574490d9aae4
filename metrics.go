package dataroute

import (
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	routes    prometheus.Gauge
	commits   *prometheus.CounterVec
	removals  *prometheus.CounterVec
	downloads *prometheus.CounterVec
	samples   prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) (*metrics, error) {
	if reg == nil {
		return nil, nil
	}
	m := &metrics{
		routes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dataroute",
			Name:      "routes_active",
			Help:      "Routes currently installed on the device",
		}),
		commits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dataroute",
			Name:      "commits_total",
			Help:      "Route commits by result",
		}, []string{"result"}),
		removals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dataroute",
			Name:      "removals_total",
			Help:      "Route removals by result",
		}, []string{"result"}),
		downloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dataroute",
			Name:      "log_downloads_total",
			Help:      "Log downloads by result",
		}, []string{"result"}),
		samples: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dataroute",
			Name:      "log_samples_total",
			Help:      "Samples reassembled from log downloads",
		}),
	}
	for _, c := range []prometheus.Collector{m.routes, m.commits, m.removals, m.downloads, m.samples} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func result(err error) string {
	if err != nil {
		return "failed"
	}
	return "ok"
}

func (m *metrics) committed(err error) {
	if m == nil {
		return
	}
	m.commits.WithLabelValues(result(err)).Inc()
	if err == nil {
		m.routes.Inc()
	}
}

func (m *metrics) removed(err error) {
	if m == nil {
		return
	}
	m.removals.WithLabelValues(result(err)).Inc()
	m.routes.Dec()
}

func (m *metrics) downloaded(n int, err error) {
	if m == nil {
		return
	}
	m.downloads.WithLabelValues(result(err)).Inc()
	m.samples.Add(float64(n))
}
