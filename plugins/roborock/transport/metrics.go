package transport

import "github.com/prometheus/client_golang/prometheus"

// Metrics counts transport traffic. A nil *Metrics records nothing.
type Metrics struct {
	framesSent     *prometheus.CounterVec
	framesReceived *prometheus.CounterVec
	decodeErrors   *prometheus.CounterVec
	handshakes     *prometheus.CounterVec
	sendRejected   *prometheus.CounterVec
	beacons        *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	return &Metrics{
		framesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "robobridge_roborock_frames_sent_total",
			Help: "Frames written to devices",
		}, []string{"transport", "protocol"}),
		framesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "robobridge_roborock_frames_received_total",
			Help: "Frames decoded from devices",
		}, []string{"transport", "protocol"}),
		decodeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "robobridge_roborock_decode_errors_total",
			Help: "Frames or datagrams dropped because they failed to decode",
		}, []string{"transport", "kind"}),
		handshakes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "robobridge_roborock_handshakes_total",
			Help: "Local hello handshakes by outcome",
		}, []string{"version", "outcome"}),
		sendRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "robobridge_roborock_send_rejected_total",
			Help: "Sends refused because the transport was not ready",
		}, []string{"transport", "reason"}),
		beacons: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "robobridge_roborock_discovery_beacons_total",
			Help: "Discovery beacons decoded",
		}, []string{"version"}),
	}
}

func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	m.framesSent.Describe(ch)
	m.framesReceived.Describe(ch)
	m.decodeErrors.Describe(ch)
	m.handshakes.Describe(ch)
	m.sendRejected.Describe(ch)
	m.beacons.Describe(ch)
}

func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	m.framesSent.Collect(ch)
	m.framesReceived.Collect(ch)
	m.decodeErrors.Collect(ch)
	m.handshakes.Collect(ch)
	m.sendRejected.Collect(ch)
	m.beacons.Collect(ch)
}

func (m *Metrics) frameSent(transport, protocol string) {
	if m != nil {
		m.framesSent.WithLabelValues(transport, protocol).Inc()
	}
}

func (m *Metrics) frameReceived(transport, protocol string) {
	if m != nil {
		m.framesReceived.WithLabelValues(transport, protocol).Inc()
	}
}

func (m *Metrics) decodeError(transport, kind string) {
	if m != nil {
		m.decodeErrors.WithLabelValues(transport, kind).Inc()
	}
}

func (m *Metrics) handshake(version, outcome string) {
	if m != nil {
		m.handshakes.WithLabelValues(version, outcome).Inc()
	}
}

func (m *Metrics) rejected(transport, reason string) {
	if m != nil {
		m.sendRejected.WithLabelValues(transport, reason).Inc()
	}
}

func (m *Metrics) beacon(version string) {
	if m != nil {
		m.beacons.WithLabelValues(version).Inc()
	}
}
