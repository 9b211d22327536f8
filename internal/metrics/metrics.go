// Package metrics exposes prometheus counters and gauges for a scan
// run: sessions opened, frames sent/received, bus probes in flight and
// completed, and decode errors. A nil *Metrics is a safe no-op, so
// callers that run without --metrics-addr never need a nil check.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector this tool registers. It owns its own
// prometheus.Registry rather than using the global default, so a
// library caller embedding the scanner never collides with the
// process's own metrics.
type Metrics struct {
	registry *prometheus.Registry

	sessionsOpened    prometheus.Counter
	framesSent        prometheus.Counter
	framesReceived    prometheus.Counter
	decodeErrors      prometheus.Counter
	busProbesInFlight prometheus.Gauge
	busProbesTotal    *prometheus.CounterVec
}

// New creates and registers the collector set.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		sessionsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "knxmapper",
			Name:      "sessions_opened_total",
			Help:      "Tunnelling sessions that reached the Active state.",
		}),
		framesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "knxmapper",
			Name:      "frames_sent_total",
			Help:      "KNXnet/IP frames sent to any gateway.",
		}),
		framesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "knxmapper",
			Name:      "frames_received_total",
			Help:      "KNXnet/IP frames received from any gateway.",
		}),
		decodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "knxmapper",
			Name:      "decode_errors_total",
			Help:      "Inbound datagrams dropped for failing to decode.",
		}),
		busProbesInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "knxmapper",
			Name:      "bus_probes_in_flight",
			Help:      "Bus probes currently holding a worker-pool permit.",
		}),
		busProbesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "knxmapper",
			Name:      "bus_probes_total",
			Help:      "Completed bus probes by outcome.",
		}, []string{"outcome"}),
	}

	reg.MustRegister(
		m.sessionsOpened,
		m.framesSent,
		m.framesReceived,
		m.decodeErrors,
		m.busProbesInFlight,
		m.busProbesTotal,
	)

	return m
}

// Handler exposes the registry in the Prometheus text exposition
// format. Mounting it on an HTTP server is left to the caller; this
// tool's core never opens a listener on its own.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// IncSessionsOpened records a tunnelling session reaching Active.
func (m *Metrics) IncSessionsOpened() {
	if m == nil {
		return
	}
	m.sessionsOpened.Inc()
}

// IncFramesSent records one outbound KNXnet/IP frame.
func (m *Metrics) IncFramesSent() {
	if m == nil {
		return
	}
	m.framesSent.Inc()
}

// IncFramesReceived records one inbound KNXnet/IP frame.
func (m *Metrics) IncFramesReceived() {
	if m == nil {
		return
	}
	m.framesReceived.Inc()
}

// IncDecodeErrors records one dropped, undecodable datagram.
func (m *Metrics) IncDecodeErrors() {
	if m == nil {
		return
	}
	m.decodeErrors.Inc()
}

// BusProbeStarted marks a bus probe as holding a worker-pool permit.
// Callers must pair every call with BusProbeFinished.
func (m *Metrics) BusProbeStarted() {
	if m == nil {
		return
	}
	m.busProbesInFlight.Inc()
}

// BusProbeFinished releases the permit recorded by BusProbeStarted and
// tallies the probe's outcome ("reachable", "unreachable", "error").
func (m *Metrics) BusProbeFinished(outcome string) {
	if m == nil {
		return
	}
	m.busProbesInFlight.Dec()
	m.busProbesTotal.WithLabelValues(outcome).Inc()
}
