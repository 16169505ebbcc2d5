package middleware

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/tailored-agentic-units/fabric/messaging"
	"github.com/tailored-agentic-units/fabric/transport"
)

// Metrics holds the transport's Prometheus instruments.
type Metrics struct {
	operations *prometheus.CounterVec
	duration   *prometheus.HistogramVec
}

// MustNewMetrics registers the transport instruments on reg. Panics on
// duplicate registration, so call it once per process per registry.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		operations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fabric",
			Subsystem: "transport",
			Name:      "operations_total",
			Help:      "Transport operations by operation and outcome.",
		}, []string{"operation", "status"}),

		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "fabric",
			Subsystem: "transport",
			Name:      "operation_duration_seconds",
			Help:      "Transport operation latency. Request latency includes waiting for the reply.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		}, []string{"operation"}),
	}
}

// OperationsCounter returns the labeled operations counter. Exposed for
// assertions on recorded outcomes.
func (m *Metrics) OperationsCounter(operation, status string) prometheus.Counter {
	return m.operations.WithLabelValues(operation, status)
}

func (m *Metrics) observe(op transport.Operation, start time.Time, err error) {
	status := "ok"
	switch {
	case errors.Is(err, transport.ErrRequestTimeout):
		status = "timeout"
	case errors.Is(err, ErrUnauthorized):
		status = "unauthorized"
	case errors.Is(err, ErrRateLimited):
		status = "rate_limited"
	case err != nil:
		status = "error"
	}

	m.operations.WithLabelValues(string(op), status).Inc()
	m.duration.WithLabelValues(string(op)).Observe(time.Since(start).Seconds())
}

type metricsTransport struct {
	passthrough
	metrics *Metrics
}

// Instrument returns a decorator recording operation counts and latency.
// Place it outermost so rejections by inner decorators are counted too.
func Instrument(metrics *Metrics) Decorator {
	return func(next transport.Transport) transport.Transport {
		return &metricsTransport{passthrough: passthrough{next: next}, metrics: metrics}
	}
}

func (m *metricsTransport) Send(ctx context.Context, recipientID string, msg *messaging.Message) error {
	start := time.Now()
	err := m.next.Send(ctx, recipientID, msg)
	m.metrics.observe(transport.OpSend, start, err)
	return err
}

func (m *metricsTransport) SendWithReply(ctx context.Context, recipientID string, msg *messaging.Message, timeout time.Duration) (*messaging.Message, error) {
	start := time.Now()
	reply, err := m.next.SendWithReply(ctx, recipientID, msg, timeout)
	m.metrics.observe(transport.OpRequest, start, err)
	return reply, err
}

func (m *metricsTransport) Publish(ctx context.Context, topic string, msg *messaging.Message) error {
	start := time.Now()
	err := m.next.Publish(ctx, topic, msg)
	m.metrics.observe(transport.OpPublish, start, err)
	return err
}

func (m *metricsTransport) Broadcast(ctx context.Context, msg *messaging.Message) error {
	start := time.Now()
	err := m.next.Broadcast(ctx, msg)
	m.metrics.observe(transport.OpBroadcast, start, err)
	return err
}
