package coordinate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/tailored-agentic-units/fabric/messaging"
	"github.com/tailored-agentic-units/fabric/observability"
	"github.com/tailored-agentic-units/fabric/transport"
)

// Chain message headers: TraceHeader accumulates the IDs of links a request
// passed through, ExhaustedHeader marks an error reply from the last link.
const (
	TraceHeader     = "x-chain-trace"
	ExhaustedHeader = "x-chain-exhausted"
)

// ErrChainExhausted means no link accepted the request.
var ErrChainExhausted = errors.New("no chain link accepted the request")

// Link is one handler in a chain-of-responsibility. A request travels the
// chain in order; the first link whose CanProcess returns true owns it.
type Link struct {
	ID         string
	CanProcess func(ctx context.Context, payload any) bool
	Process    func(ctx context.Context, payload any) (any, error)
}

// ChainResult is a successfully processed chain request.
type ChainResult struct {
	// Value is the processing link's result.
	Value any

	// ProcessedBy is the link that accepted the request; Trace lists every
	// link visited, in order.
	ProcessedBy string
	Trace       []string
}

// Chain wires links together over the transport: each link is a registered
// inbox that either answers the request or forwards it to its successor.
type Chain struct {
	identity  messaging.Participant
	transport transport.Transport
	links     []Link
	timeout   time.Duration
	logger    *slog.Logger
	observer  observability.Observer
}

// ChainOption customizes a Chain.
type ChainOption func(*Chain)

// WithChainTimeout sets the end-to-end reply timeout for Submit.
func WithChainTimeout(d time.Duration) ChainOption {
	return func(c *Chain) {
		c.timeout = d
	}
}

// WithChainLogger overrides the default logger.
func WithChainLogger(logger *slog.Logger) ChainOption {
	return func(c *Chain) {
		c.logger = logger
	}
}

// WithChainObserver overrides the no-op observer.
func WithChainObserver(observer observability.Observer) ChainOption {
	return func(c *Chain) {
		c.observer = observability.OrNoOp(observer)
	}
}

// NewChain registers every link's inbox and returns the assembled chain.
// Link order is significant. On a registration failure the links already
// registered are torn down again.
func NewChain(id string, tr transport.Transport, links []Link, opts ...ChainOption) (*Chain, error) {
	if len(links) == 0 {
		return nil, errors.New("chain needs at least one link")
	}

	c := &Chain{
		identity:  messaging.Participant{ID: id, Role: "chain"},
		transport: tr,
		links:     links,
		timeout:   30 * time.Second,
		logger:    slog.Default(),
		observer:  observability.NoOpObserver{},
	}
	for _, opt := range opts {
		opt(c)
	}

	for i, link := range links {
		next := ""
		if i+1 < len(links) {
			next = links[i+1].ID
		}
		if err := tr.Register(link.ID, c.linkHandler(link, next)); err != nil {
			for _, registered := range links[:i] {
				_ = tr.Deregister(registered.ID)
			}
			return nil, fmt.Errorf("register chain link %s: %w", link.ID, err)
		}
	}

	return c, nil
}

// Close deregisters every link.
func (c *Chain) Close() error {
	var errs []error
	for _, link := range c.links {
		if err := c.transport.Deregister(link.ID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Submit sends payload into the chain's first link and waits for the
// outcome. When no link accepts, the error wraps ErrChainExhausted and
// names the links visited.
func (c *Chain) Submit(ctx context.Context, payload any) (ChainResult, error) {
	msg := messaging.NewRequest(c.identity, c.links[0].ID, payload).Build()

	reply, err := c.transport.SendWithReply(ctx, c.links[0].ID, msg, c.timeout)
	if err != nil {
		return ChainResult{}, err
	}

	trace := splitTrace(reply.Headers[TraceHeader])
	if reply.IsError() {
		if reply.Headers[ExhaustedHeader] != "" {
			return ChainResult{}, fmt.Errorf("%w: visited %s", ErrChainExhausted, strings.Join(trace, ", "))
		}
		return ChainResult{}, fmt.Errorf("chain link %s: %v", reply.Sender.ID, reply.Payload)
	}

	return ChainResult{
		Value:       reply.Payload,
		ProcessedBy: reply.Sender.ID,
		Trace:       trace,
	}, nil
}

// linkHandler builds the inbox handler for one link. The handler either
// answers the request, forwards it to next, or reports exhaustion when it is
// the last link.
func (c *Chain) linkHandler(link Link, next string) transport.Handler {
	identity := messaging.Participant{ID: link.ID, Role: "chain-link"}

	return func(ctx context.Context, msg *messaging.Message) (*messaging.Message, error) {
		if !msg.IsRequest() {
			return nil, nil
		}

		trace := appendTrace(msg.Headers[TraceHeader], link.ID)

		if link.CanProcess(ctx, msg.Payload) {
			c.observer.OnEvent(ctx, observability.NewEvent(
				observability.EventChainProcessed,
				observability.LevelInfo,
				"coordinate",
				map[string]any{"link": link.ID, "message_id": msg.ID},
			))

			result, err := link.Process(ctx, msg.Payload)
			if err != nil {
				return messaging.NewError(identity, msg, err.Error()).
					Header(TraceHeader, trace).
					Build(), nil
			}
			return messaging.NewResponse(identity, msg, result).
				Header(TraceHeader, trace).
				Build(), nil
		}

		if next == "" {
			c.observer.OnEvent(ctx, observability.NewEvent(
				observability.EventChainExhausted,
				observability.LevelWarning,
				"coordinate",
				map[string]any{"message_id": msg.ID, "trace": trace},
			))
			return messaging.NewError(identity, msg, "no link accepted the request").
				Header(TraceHeader, trace).
				Header(ExhaustedHeader, "true").
				Build(), nil
		}

		c.observer.OnEvent(ctx, observability.NewEvent(
			observability.EventChainForwarded,
			observability.LevelVerbose,
			"coordinate",
			map[string]any{"link": link.ID, "next": next, "message_id": msg.ID},
		))

		forward := msg.Clone()
		forward.Recipient = messaging.Recipient{ID: next}
		if forward.Headers == nil {
			forward.Headers = make(map[string]string)
		}
		forward.Headers[TraceHeader] = trace

		if err := c.transport.Send(ctx, next, forward); err != nil {
			return messaging.NewError(identity, msg, fmt.Sprintf("forward to %s: %v", next, err)).
				Header(TraceHeader, trace).
				Build(), nil
		}
		return nil, nil
	}
}

func appendTrace(trace, linkID string) string {
	if trace == "" {
		return linkID
	}
	return trace + "," + linkID
}

func splitTrace(trace string) []string {
	if trace == "" {
		return nil
	}
	return strings.Split(trace, ",")
}
