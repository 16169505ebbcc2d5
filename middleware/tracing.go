package middleware

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tailored-agentic-units/fabric/messaging"
	"github.com/tailored-agentic-units/fabric/transport"
)

const tracerName = "github.com/tailored-agentic-units/fabric/middleware"

type tracingTransport struct {
	passthrough
	tracer trace.Tracer
}

// Tracing returns a decorator that opens a span per delivery operation,
// annotated with the message ID, kind, sender, and destination.
func Tracing() Decorator {
	return func(next transport.Transport) transport.Transport {
		return &tracingTransport{
			passthrough: passthrough{next: next},
			tracer:      otel.Tracer(tracerName),
		}
	}
}

func (t *tracingTransport) start(ctx context.Context, op transport.Operation, msg *messaging.Message, destination string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "transport."+string(op),
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.message.id", msg.ID),
			attribute.String("messaging.message.kind", string(msg.Kind)),
			attribute.String("messaging.sender.id", msg.Sender.ID),
			attribute.String("messaging.destination", destination),
		),
	)
}

func finish(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func (t *tracingTransport) Send(ctx context.Context, recipientID string, msg *messaging.Message) error {
	ctx, span := t.start(ctx, transport.OpSend, msg, recipientID)
	err := t.next.Send(ctx, recipientID, msg)
	finish(span, err)
	return err
}

func (t *tracingTransport) SendWithReply(ctx context.Context, recipientID string, msg *messaging.Message, timeout time.Duration) (*messaging.Message, error) {
	ctx, span := t.start(ctx, transport.OpRequest, msg, recipientID)
	span.SetAttributes(attribute.String("messaging.request.timeout", timeout.String()))
	reply, err := t.next.SendWithReply(ctx, recipientID, msg, timeout)
	if reply != nil {
		span.SetAttributes(attribute.String("messaging.reply.id", reply.ID))
	}
	finish(span, err)
	return reply, err
}

func (t *tracingTransport) Publish(ctx context.Context, topic string, msg *messaging.Message) error {
	ctx, span := t.start(ctx, transport.OpPublish, msg, "topic:"+topic)
	err := t.next.Publish(ctx, topic, msg)
	finish(span, err)
	return err
}

func (t *tracingTransport) Broadcast(ctx context.Context, msg *messaging.Message) error {
	ctx, span := t.start(ctx, transport.OpBroadcast, msg, "broadcast")
	err := t.next.Broadcast(ctx, msg)
	finish(span, err)
	return err
}
