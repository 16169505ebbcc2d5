package transport

import (
	"context"
	"time"

	"github.com/tailored-agentic-units/fabric/messaging"
)

// Handler consumes a delivered message. A non-nil returned message is routed
// by the transport: replies resolve their pending request, anything else is
// delivered to its recipient's inbox.
type Handler func(ctx context.Context, msg *messaging.Message) (*messaging.Message, error)

// Operation names a transport primitive. Decorators key rate limits and
// metrics by operation.
type Operation string

const (
	OpSend      Operation = "send"
	OpRequest   Operation = "request"
	OpPublish   Operation = "publish"
	OpBroadcast Operation = "broadcast"
)

// Transport is the delivery contract shared by the local implementation and
// the decorator chain. All blocking operations honor ctx.
type Transport interface {
	// Register creates an inbox for agentID and starts delivering to handler.
	Register(agentID string, handler Handler) error

	// Deregister removes the agent's inbox. Idempotent.
	Deregister(agentID string) error

	// Send delivers msg point-to-point to recipientID's inbox. Fire and
	// forget: an error reports delivery failure, not handler failure.
	Send(ctx context.Context, recipientID string, msg *messaging.Message) error

	// SendWithReply sends a request and blocks until a Response or Error
	// carrying the request's ID as ParentMessageID arrives, the timeout
	// elapses (ErrRequestTimeout), or ctx is cancelled. A timeout <= 0 falls
	// back to the configured default.
	SendWithReply(ctx context.Context, recipientID string, msg *messaging.Message, timeout time.Duration) (*messaging.Message, error)

	// Publish fans msg out to all current subscribers of topic. Subscribers
	// that join later never see it.
	Publish(ctx context.Context, topic string, msg *messaging.Message) error

	// Broadcast fans msg out to every registered inbox except the sender's.
	Broadcast(ctx context.Context, msg *messaging.Message) error

	// Subscribe registers handler for a topic and returns an unsubscribe
	// function. Handlers run concurrently; a panicking handler is logged and
	// stays subscribed.
	Subscribe(topic string, handler Handler) (func(), error)

	// Close shuts down delivery. Pending requests fail with context errors.
	Close() error
}
