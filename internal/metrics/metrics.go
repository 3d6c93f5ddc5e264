// Package metrics exports device status and snapshot values to Prometheus.
package metrics

import (
	"context"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/resident-x/go-solarman/internal/domain"
)

const namespace = "solarman"

// Metrics holds the collectors of every polled device.
type Metrics struct {
	registry *prometheus.Registry

	polls       *prometheus.CounterVec
	failures    *prometheus.CounterVec
	available   *prometheus.GaugeVec
	backoff     *prometheus.GaugeVec
	lastPower   *prometheus.GaugeVec
	lastSuccess *prometheus.GaugeVec
	values      *prometheus.GaugeVec

	mu     sync.Mutex
	counts map[string]counts
	fields map[string]map[string]bool
}

type counts struct {
	polls    uint64
	failures uint64
}

// New creates the collectors on a dedicated registry that also carries the
// Go runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "polls_total",
			Help:      "Poll cycles started per device.",
		}, []string{"device"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_failures_total",
			Help:      "Poll cycles that failed per device.",
		}, []string{"device"}),
		available: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "device_available",
			Help:      "1 when the device is considered reachable.",
		}, []string{"device"}),
		backoff: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "device_backoff",
			Help:      "1 while polling is suspended outside the solar window.",
		}, []string{"device"}),
		lastPower: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "device_last_power",
			Help:      "Last known output power of the device.",
		}, []string{"device"}),
		lastSuccess: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "device_last_success_timestamp_seconds",
			Help:      "Unix time of the last successful poll.",
		}, []string{"device"}),
		values: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "value",
			Help:      "Numeric snapshot values by device and field.",
		}, []string{"device", "field"}),
		counts: make(map[string]counts),
		fields: make(map[string]map[string]bool),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.polls, m.failures, m.available, m.backoff, m.lastPower, m.lastSuccess, m.values,
	)

	return m
}

// Registry returns the registry the collectors are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// OnStatus updates the collectors of one device.
func (m *Metrics) OnStatus(_ context.Context, status domain.DeviceStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()

	name := status.Name

	// Status counters restart at zero when a device is reconfigured.
	prev := m.counts[name]
	if status.Polls < prev.polls || status.Failures < prev.failures {
		prev = counts{}
	}
	m.polls.WithLabelValues(name).Add(float64(status.Polls - prev.polls))
	m.failures.WithLabelValues(name).Add(float64(status.Failures - prev.failures))
	m.counts[name] = counts{polls: status.Polls, failures: status.Failures}

	m.available.WithLabelValues(name).Set(boolGauge(status.Available))
	m.backoff.WithLabelValues(name).Set(boolGauge(status.Phase == domain.PhaseBackoff))
	m.lastPower.WithLabelValues(name).Set(status.LastPower)
	if !status.LastSuccess.IsZero() {
		m.lastSuccess.WithLabelValues(name).Set(float64(status.LastSuccess.Unix()))
	}

	fields := m.fields[name]
	if fields == nil {
		fields = make(map[string]bool)
		m.fields[name] = fields
	}
	for field, value := range status.Snapshot {
		if v, ok := value.(float64); ok {
			m.values.WithLabelValues(name, field).Set(v)
			fields[field] = true
		}
	}
}

// Remove drops every series of a device.
func (m *Metrics) Remove(device string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.polls.DeleteLabelValues(device)
	m.failures.DeleteLabelValues(device)
	m.available.DeleteLabelValues(device)
	m.backoff.DeleteLabelValues(device)
	m.lastPower.DeleteLabelValues(device)
	m.lastSuccess.DeleteLabelValues(device)
	for field := range m.fields[device] {
		m.values.DeleteLabelValues(device, field)
	}
	delete(m.fields, device)
	delete(m.counts, device)
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
