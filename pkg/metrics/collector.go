// Package metrics exposes relay runtime counters over Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector holds the relay's Prometheus instruments on a private
// registry so tests and embedded servers do not collide on the global
// default registry.
type Collector struct {
	registry *prometheus.Registry

	sessionsActive prometheus.Gauge
	framesReceived prometheus.Counter
	framesRelayed  prometheus.Counter
	bytesReceived  prometheus.Counter
	bytesRelayed   prometheus.Counter
	framesDropped  *prometheus.CounterVec
	controlFrames  *prometheus.CounterVec
	transmissions  prometheus.Counter
}

// NewCollector creates a collector with all instruments registered.
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Collector{
		registry: reg,
		sessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "radio_sessions_active",
			Help: "Number of currently tracked client sessions",
		}),
		framesReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "radio_audio_frames_received_total",
			Help: "Total audio frames received from clients",
		}),
		framesRelayed: factory.NewCounter(prometheus.CounterOpts{
			Name: "radio_audio_frames_relayed_total",
			Help: "Total audio frame deliveries to recipients",
		}),
		bytesReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "radio_audio_bytes_received_total",
			Help: "Total audio payload bytes received from clients",
		}),
		bytesRelayed: factory.NewCounter(prometheus.CounterOpts{
			Name: "radio_audio_bytes_relayed_total",
			Help: "Total audio payload bytes forwarded to recipients",
		}),
		framesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "radio_frames_dropped_total",
			Help: "Frames discarded before relay",
		}, []string{"reason"}),
		controlFrames: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "radio_control_frames_total",
			Help: "Control frames received by operation",
		}, []string{"code"}),
		transmissions: factory.NewCounter(prometheus.CounterOpts{
			Name: "radio_transmissions_total",
			Help: "Completed push-to-talk transmissions",
		}),
	}
}

// Registry returns the private registry for HTTP exposition.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// SetSessions records the current session count.
func (c *Collector) SetSessions(n int) { c.sessionsActive.Set(float64(n)) }

// AudioReceived records one inbound audio frame.
func (c *Collector) AudioReceived(nbytes int) {
	c.framesReceived.Inc()
	c.bytesReceived.Add(float64(nbytes))
}

// AudioRelayed records deliveries of one frame to its recipient set.
func (c *Collector) AudioRelayed(recipients, nbytes int) {
	c.framesRelayed.Add(float64(recipients))
	c.bytesRelayed.Add(float64(nbytes * recipients))
}

// FrameDropped records a discarded frame by reason.
func (c *Collector) FrameDropped(reason string) {
	c.framesDropped.WithLabelValues(reason).Inc()
}

// ControlReceived records a control frame by operation name.
func (c *Collector) ControlReceived(code string) {
	c.controlFrames.WithLabelValues(code).Inc()
}

// TransmissionEnded records one completed transmission.
func (c *Collector) TransmissionEnded() { c.transmissions.Inc() }
