// Package middleware decorates a Transport with cross-cutting concerns:
// sender authentication, rate limiting, tracing, and metrics. Each decorator
// wraps the four delivery operations and passes everything else through, so
// decorators stack in any order around the local transport.
package middleware

import (
	"context"
	"time"

	"github.com/tailored-agentic-units/fabric/messaging"
	"github.com/tailored-agentic-units/fabric/transport"
)

// Decorator wraps a Transport with one concern.
type Decorator func(transport.Transport) transport.Transport

// Chain applies decorators around base, first decorator outermost. A call
// into the returned transport traverses the decorators in argument order
// before reaching base.
func Chain(base transport.Transport, decorators ...Decorator) transport.Transport {
	wrapped := base
	for i := len(decorators) - 1; i >= 0; i-- {
		wrapped = decorators[i](wrapped)
	}
	return wrapped
}

// passthrough delegates the full Transport surface to next. Decorators embed
// it and override only the operations they care about.
type passthrough struct {
	next transport.Transport
}

func (p passthrough) Register(agentID string, handler transport.Handler) error {
	return p.next.Register(agentID, handler)
}

func (p passthrough) Deregister(agentID string) error {
	return p.next.Deregister(agentID)
}

func (p passthrough) Send(ctx context.Context, recipientID string, msg *messaging.Message) error {
	return p.next.Send(ctx, recipientID, msg)
}

func (p passthrough) SendWithReply(ctx context.Context, recipientID string, msg *messaging.Message, timeout time.Duration) (*messaging.Message, error) {
	return p.next.SendWithReply(ctx, recipientID, msg, timeout)
}

func (p passthrough) Publish(ctx context.Context, topic string, msg *messaging.Message) error {
	return p.next.Publish(ctx, topic, msg)
}

func (p passthrough) Broadcast(ctx context.Context, msg *messaging.Message) error {
	return p.next.Broadcast(ctx, msg)
}

func (p passthrough) Subscribe(topic string, handler transport.Handler) (func(), error) {
	return p.next.Subscribe(topic, handler)
}

func (p passthrough) Close() error {
	return p.next.Close()
}
