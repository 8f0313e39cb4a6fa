package samplebuf

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

type bufferMetrics struct {
	registerer prometheus.Registerer
	collectors []prometheus.Collector

	writes     prometheus.Counter
	reads      prometheus.Counter
	peeks      prometheus.Counter
	overwrites prometheus.Counter

	size        prometheus.Gauge
	utilization prometheus.Gauge
}

func newBufferMetrics(reg prometheus.Registerer, prefix string) (*bufferMetrics, error) {
	labels := prometheus.Labels{"component": prefix}
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "biolink",
			Subsystem:   "samplebuf",
			Name:        name,
			ConstLabels: labels,
			Help:        help,
		})
	}
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "biolink",
			Subsystem:   "samplebuf",
			Name:        name,
			ConstLabels: labels,
			Help:        help,
		})
	}

	m := &bufferMetrics{
		registerer:  reg,
		writes:      counter("writes_total", "Total number of rows pushed"),
		reads:       counter("reads_total", "Total number of drain operations"),
		peeks:       counter("peeks_total", "Total number of peek operations"),
		overwrites:  counter("overwrites_total", "Total number of rows lost to overflow"),
		size:        gauge("size", "Current number of rows in buffer"),
		utilization: gauge("utilization", "Buffer fill ratio (0.0 to 1.0)"),
	}

	m.writes = register(m, m.writes)
	m.reads = register(m, m.reads)
	m.peeks = register(m, m.peeks)
	m.overwrites = register(m, m.overwrites)
	m.size = register(m, m.size)
	m.utilization = register(m, m.utilization)

	for _, c := range m.collectors {
		if c == nil {
			m.unregister()
			return nil, errors.New("metric registration failed")
		}
	}
	return m, nil
}

// register adds c to the registry, reusing an identical collector already registered
// by a previous buffer of the same component (streams restart on the same session).
func register[C prometheus.Collector](m *bufferMetrics, c C) C {
	if err := m.registerer.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				m.collectors = append(m.collectors, existing)
				return existing
			}
		}
		m.collectors = append(m.collectors, nil)
		return c
	}
	m.collectors = append(m.collectors, c)
	return c
}

func (m *bufferMetrics) unregister() {
	for _, c := range m.collectors {
		if c != nil {
			m.registerer.Unregister(c)
		}
	}
	m.collectors = nil
}

func (m *bufferMetrics) recordWrite(size, capacity int) {
	m.writes.Inc()
	m.updateSize(size, capacity)
}

func (m *bufferMetrics) recordRead(size, capacity int) {
	m.reads.Inc()
	m.updateSize(size, capacity)
}

func (m *bufferMetrics) recordPeek() {
	m.peeks.Inc()
}

func (m *bufferMetrics) recordOverwrite() {
	m.overwrites.Inc()
}

func (m *bufferMetrics) updateSize(size, capacity int) {
	m.size.Set(float64(size))
	m.utilization.Set(float64(size) / float64(capacity))
}
