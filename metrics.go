package realtime

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	stateTransitions  *prometheus.CounterVec
	transportAttempts *prometheus.CounterVec
	messagesSent      prometheus.Counter
	acks              *prometheus.CounterVec
	queuedMessages    prometheus.Gauge
}

// newMetrics registers the connection metrics with reg. Managers sharing a
// registerer share the collectors. A nil registerer keeps the collectors
// unregistered.
func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		stateTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "realtime",
				Subsystem: "connection",
				Name:      "state_transitions_total",
				Help:      "Connection state transitions.",
			},
			[]string{"from", "to"},
		),
		transportAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "realtime",
				Subsystem: "transport",
				Name:      "attempts_total",
				Help:      "Transport connection attempts by outcome.",
			},
			[]string{"transport", "result"},
		),
		messagesSent: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "realtime",
				Subsystem: "protocol",
				Name:      "messages_sent_total",
				Help:      "Protocol messages handed to a transport.",
			},
		),
		acks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "realtime",
				Subsystem: "protocol",
				Name:      "acks_total",
				Help:      "ACK and NACK frames received.",
			},
			[]string{"result"},
		),
		queuedMessages: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "realtime",
				Subsystem: "connection",
				Name:      "queued_messages",
				Help:      "Messages waiting for a connected transport.",
			},
		),
	}
	if reg == nil {
		return m
	}
	m.stateTransitions = register(reg, m.stateTransitions)
	m.transportAttempts = register(reg, m.transportAttempts)
	m.messagesSent = register(reg, m.messagesSent)
	m.acks = register(reg, m.acks)
	m.queuedMessages = register(reg, m.queuedMessages)
	return m
}

// register returns the already registered collector when c is a duplicate.
func register[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing
			}
		}
	}
	return c
}

func (m *metrics) stateChange(from, to ConnectionState) {
	m.stateTransitions.WithLabelValues(from.String(), to.String()).Inc()
}

func (m *metrics) transportAttempt(kind TransportKind, result string) {
	m.transportAttempts.WithLabelValues(string(kind), result).Inc()
}

func (m *metrics) ack(nack bool) {
	result := "ack"
	if nack {
		result = "nack"
	}
	m.acks.WithLabelValues(result).Inc()
}
