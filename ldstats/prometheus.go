package ldstats

import (
	"strconv"

	"github.com/march-github/LogDevice/ldproto"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "logdevice"
	subsystem = "conn"
)

// Prometheus is a [Sink] backed by Prometheus collectors.
type Prometheus struct {
	connections    *prometheus.GaugeVec
	closed         *prometheus.CounterVec
	connectEvents  *prometheus.CounterVec
	handshakes     *prometheus.CounterVec
	messagesSent   *prometheus.CounterVec
	bytesSent      *prometheus.CounterVec
	messagesRecv   *prometheus.CounterVec
	bytesRecv      *prometheus.CounterVec
	messagesFailed *prometheus.CounterVec
	checksums      *prometheus.CounterVec
	readNoBufs     prometheus.Counter
	bytesPending   prometheus.Gauge
	protocolErrors *prometheus.CounterVec
}

var _ Sink = (*Prometheus)(nil)

// NewPrometheus registers the connection metrics with reg.
// Registering twice on the same registry panics.
func NewPrometheus(reg prometheus.Registerer) *Prometheus {
	f := promauto.With(reg)

	return &Prometheus{
		connections: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "open",
			Help:      "Number of open connections.",
		}, []string{"kind", "encrypted"}),

		closed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "closed_total",
			Help:      "Connections closed, by reason.",
		}, []string{"reason"}),

		connectEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "connect_events_total",
			Help:      "Outgoing connect attempts, retries and timeouts.",
		}, []string{"event"}),

		handshakes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "handshakes_total",
			Help:      "Handshake outcomes; completed handshakes are labeled by protocol version.",
		}, []string{"outcome", "proto"}),

		messagesSent: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "messages_sent_total",
			Help:      "Messages fully handed to a transport.",
		}, []string{"type"}),

		bytesSent: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "bytes_sent_total",
			Help:      "Framed bytes handed to a transport.",
		}, []string{"type"}),

		messagesRecv: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "messages_received_total",
			Help:      "Messages received and dispatched.",
		}, []string{"type"}),

		bytesRecv: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "bytes_received_total",
			Help:      "Framed bytes received.",
		}, []string{"type"}),

		messagesFailed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "messages_failed_total",
			Help:      "Registered messages completed with an error.",
		}, []string{"type", "reason"}),

		checksums: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "checksums_total",
			Help:      "Body checksum verifications, by result.",
		}, []string{"result"}),

		readNoBufs: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "read_nobufs_total",
			Help:      "Times receipt of a message was deferred for lack of buffer budget.",
		}),

		bytesPending: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "bytes_pending",
			Help:      "Bytes queued on connections but not yet acknowledged by a transport.",
		}),

		protocolErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "protocol_errors_total",
			Help:      "Connection-fatal protocol errors, by reason.",
		}, []string{"reason"}),
	}
}

func (p *Prometheus) ConnectionOpened(kind string, encrypted bool) {
	p.connections.WithLabelValues(kind, strconv.FormatBool(encrypted)).Inc()
}

func (p *Prometheus) ConnectionClosed(kind string, encrypted bool, reason string) {
	p.connections.WithLabelValues(kind, strconv.FormatBool(encrypted)).Dec()
	p.closed.WithLabelValues(reason).Inc()
}

func (p *Prometheus) ConnectAttempt() { p.connectEvents.WithLabelValues("attempt").Inc() }
func (p *Prometheus) ConnectRetry()   { p.connectEvents.WithLabelValues("retry").Inc() }
func (p *Prometheus) ConnectTimeout() { p.connectEvents.WithLabelValues("timeout").Inc() }

func (p *Prometheus) HandshakeTimeout() {
	p.handshakes.WithLabelValues("timeout", "").Inc()
}

func (p *Prometheus) HandshakeCompleted(proto ldproto.ProtocolVersion) {
	p.handshakes.WithLabelValues("completed", strconv.Itoa(int(proto))).Inc()
}

func (p *Prometheus) MessageSent(t ldproto.MessageType, bytes int) {
	p.messagesSent.WithLabelValues(t.String()).Inc()
	p.bytesSent.WithLabelValues(t.String()).Add(float64(bytes))
}

func (p *Prometheus) MessageReceived(t ldproto.MessageType, bytes int) {
	p.messagesRecv.WithLabelValues(t.String()).Inc()
	p.bytesRecv.WithLabelValues(t.String()).Add(float64(bytes))
}

func (p *Prometheus) MessageFailed(t ldproto.MessageType, reason string) {
	p.messagesFailed.WithLabelValues(t.String(), reason).Inc()
}

func (p *Prometheus) ChecksumVerified() { p.checksums.WithLabelValues("ok").Inc() }
func (p *Prometheus) ChecksumMismatch() { p.checksums.WithLabelValues("mismatch").Inc() }

func (p *Prometheus) ReadNoBufs() { p.readNoBufs.Inc() }

func (p *Prometheus) BytesPending(delta int) { p.bytesPending.Add(float64(delta)) }

func (p *Prometheus) ProtocolError(reason string) {
	p.protocolErrors.WithLabelValues(reason).Inc()
}
