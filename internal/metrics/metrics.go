// Package metrics exposes agent activity as Prometheus metrics.
package metrics

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/HerbHall/robobridge/internal/protocol"
	"github.com/HerbHall/robobridge/pkg/events"
	"github.com/HerbHall/robobridge/pkg/models"
)

const namespace = "robobridge"

// Metrics holds the agent's collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	transitions    *prometheus.CounterVec
	sessions       *prometheus.CounterVec
	sessionActive  prometheus.Gauge
	robots         prometheus.Gauge
	serialBytes    prometheus.Counter
	idTableErrors  prometheus.Gauge
	serverRequests *prometheus.HistogramVec
}

// New creates the collectors, including the Go runtime and process
// collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	m := &Metrics{
		registry: reg,
		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_transitions_total",
			Help:      "Connector state transitions by target state.",
		}, []string{"state"}),
		sessions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Connector sessions started, by robot kind.",
		}, []string{"kind"}),
		sessionActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_active",
			Help:      "1 while a connector session runs.",
		}),
		robots: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "detected_robots",
			Help:      "Robots found by the last detection pass.",
		}),
		serialBytes: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "serial_bytes_total",
			Help:      "Bytes read by the serial monitor.",
		}),
		idTableErrors: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "arduino_id_table_errors",
			Help:      "Rejected lines in the last loaded Arduino ID table.",
		}),
		serverRequests: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "server_request_duration_seconds",
			Help:      "Programming server request attempts. Long polls are held by the server.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30, 60},
		}, []string{"endpoint", "scheme", "result"}),
	}
	// Every state is exported from the start so rates work before the
	// first transition.
	for _, s := range models.States() {
		m.transitions.WithLabelValues(string(s))
	}
	return m
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Subscribe feeds the collectors from bus events. The returned func
// unsubscribes.
func (m *Metrics) Subscribe(bus events.EventBus) func() {
	return bus.SubscribeAll(m.handle)
}

func (m *Metrics) handle(_ context.Context, e events.Event) {
	switch p := e.Payload.(type) {
	case events.StateChange:
		m.transitions.WithLabelValues(string(p.State)).Inc()
	case events.Session:
		switch e.Topic {
		case events.TopicSessionStarted:
			kind := "unknown"
			if p.Robot != nil {
				kind = string(p.Robot.Kind())
			}
			m.sessions.WithLabelValues(kind).Inc()
			m.sessionActive.Set(1)
		case events.TopicSessionEnded:
			m.sessionActive.Set(0)
		}
	case events.RobotsDetected:
		m.robots.Set(float64(len(p.Robots)))
	case events.SerialData:
		m.serialBytes.Add(float64(len(p.Data)))
	case events.IDTableErrors:
		m.idTableErrors.Set(float64(len(p.Errors)))
	}
}

// ObserveRequest records one server request attempt. It has the shape of
// protocol.Observer.
func (m *Metrics) ObserveRequest(endpoint, scheme string, d time.Duration, err error) {
	m.serverRequests.WithLabelValues(endpointLabel(endpoint), scheme, result(err)).Observe(d.Seconds())
}

// endpointLabel folds per-file firmware endpoints into one label value.
func endpointLabel(endpoint string) string {
	if strings.HasPrefix(endpoint, protocol.EndpointUpdate) {
		return strings.TrimSuffix(protocol.EndpointUpdate, "/")
	}
	return endpoint
}

func result(err error) string {
	switch {
	case err == nil:
		return "ok"
	case protocol.IsTransport(err):
		return "transport_error"
	default:
		return "error"
	}
}
