package broker

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Publish results.
const (
	ResultOK           = "ok"
	ResultNotConnected = "not_connected"
	ResultNacked       = "nacked"
	ResultError        = "error"
)

// Consume outcomes.
const (
	OutcomeAcked        = "acked"
	OutcomeDeadLettered = "dead_lettered"
	OutcomeRequeued     = "requeued"
	OutcomePoison       = "poison"
	OutcomeIgnored      = "ignored"
)

// Metrics holds the bus-level Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	published         *prometheus.CounterVec
	consumed          *prometheus.CounterVec
	retries           *prometheus.CounterVec
	connectionUp      prometheus.Gauge
	reconnectAttempts prometheus.Counter
}

// NewMetrics creates the collectors and registers them with registerer.
// Collectors already registered by an earlier instance are reused.
func NewMetrics(registerer prometheus.Registerer) (*Metrics, error) {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tenantbus",
			Name:      "published_total",
			Help:      "Events handed to the broker, by event type and result.",
		}, []string{"event_type", "result"}),
		consumed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tenantbus",
			Name:      "consumed_total",
			Help:      "Deliveries settled by the dispatcher, by queue, event type and outcome.",
		}, []string{"queue", "event_type", "outcome"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tenantbus",
			Name:      "handler_retries_total",
			Help:      "Handler re-invocations after a failure.",
		}, []string{"queue"}),
		connectionUp: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tenantbus",
			Name:      "connection_up",
			Help:      "1 while the broker connection is established.",
		}),
		reconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tenantbus",
			Name:      "reconnect_attempts_total",
			Help:      "Broker reconnect attempts.",
		}),
	}

	var err error
	if m.published, err = register(registerer, m.published); err != nil {
		return nil, err
	}
	if m.consumed, err = register(registerer, m.consumed); err != nil {
		return nil, err
	}
	if m.retries, err = register(registerer, m.retries); err != nil {
		return nil, err
	}
	if m.connectionUp, err = register(registerer, m.connectionUp); err != nil {
		return nil, err
	}
	if m.reconnectAttempts, err = register(registerer, m.reconnectAttempts); err != nil {
		return nil, err
	}
	return m, nil
}

func register[C prometheus.Collector](registerer prometheus.Registerer, c C) (C, error) {
	if err := registerer.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

func (m *Metrics) observePublished(eventType, result string) {
	if m == nil {
		return
	}
	m.published.WithLabelValues(eventType, result).Inc()
}

// ObserveConsumed records how a delivery was settled.
func (m *Metrics) ObserveConsumed(queue, eventType, outcome string) {
	if m == nil {
		return
	}
	m.consumed.WithLabelValues(queue, eventType, outcome).Inc()
}

// ObserveRetry records one handler re-invocation.
func (m *Metrics) ObserveRetry(queue string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(queue).Inc()
}

func (m *Metrics) setConnected(up bool) {
	if m == nil {
		return
	}
	if up {
		m.connectionUp.Set(1)
		return
	}
	m.connectionUp.Set(0)
}

func (m *Metrics) reconnectAttempt() {
	if m == nil {
		return
	}
	m.reconnectAttempts.Inc()
}
