package coordinate

import (
	"context"
	"fmt"
	"time"

	"github.com/tailored-agentic-units/fabric/messaging"
	"github.com/tailored-agentic-units/fabric/registry"
	"github.com/tailored-agentic-units/fabric/transport"
)

// Peer is an agent's handle for direct collaboration without a central
// coordinator: discover other agents through the registry, then talk to them
// over the transport.
type Peer struct {
	identity  messaging.Participant
	transport transport.Transport
	registry  *registry.Registry
	timeout   time.Duration
}

// PeerOption customizes a Peer.
type PeerOption func(*Peer)

// WithPeerTimeout sets the default reply timeout for Ask.
func WithPeerTimeout(d time.Duration) PeerOption {
	return func(p *Peer) {
		p.timeout = d
	}
}

// NewPeer creates a peer handle for the agent identified by id and role.
// The agent must separately register a transport inbox (see Serve) to
// receive traffic.
func NewPeer(id, role string, tr transport.Transport, reg *registry.Registry, opts ...PeerOption) *Peer {
	p := &Peer{
		identity:  messaging.Participant{ID: id, Role: role},
		transport: tr,
		registry:  reg,
		timeout:   30 * time.Second,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// RequestHandler answers a peer's request. The returned value becomes the
// reply payload; an error becomes an error reply.
type RequestHandler func(ctx context.Context, from messaging.Participant, payload any) (any, error)

// Serve registers this peer's inbox: requests are answered through handler,
// everything else is delivered and dropped.
func (p *Peer) Serve(handler RequestHandler) error {
	return p.transport.Register(p.identity.ID, func(ctx context.Context, msg *messaging.Message) (*messaging.Message, error) {
		if !msg.IsRequest() {
			return nil, nil
		}

		result, err := handler(ctx, msg.Sender, msg.Payload)
		if err != nil {
			return messaging.NewError(p.identity, msg, err.Error()).Build(), nil
		}
		return messaging.NewResponse(p.identity, msg, result).Build(), nil
	})
}

// Shutdown removes this peer's inbox.
func (p *Peer) Shutdown() error {
	return p.transport.Deregister(p.identity.ID)
}

// Discover returns live peers matching q, least-loaded first, with this
// peer itself filtered out.
func (p *Peer) Discover(ctx context.Context, q registry.Query) ([]registry.Record, error) {
	matches, err := p.registry.FindAvailable(ctx, q)
	if err != nil {
		return nil, err
	}

	peers := matches[:0]
	for _, rec := range matches {
		if rec.ID != p.identity.ID {
			peers = append(peers, rec)
		}
	}
	if len(peers) == 0 {
		return nil, fmt.Errorf("%w: only self matches capabilities=%v type=%q",
			registry.ErrAgentUnavailable, q.Capabilities, q.Type)
	}
	return peers, nil
}

// Ask sends a request to peerID and waits for its reply payload. An error
// reply surfaces as an error.
func (p *Peer) Ask(ctx context.Context, peerID string, payload any) (any, error) {
	msg := messaging.NewRequest(p.identity, peerID, payload).Build()

	reply, err := p.transport.SendWithReply(ctx, peerID, msg, p.timeout)
	if err != nil {
		return nil, err
	}
	if reply.IsError() {
		return nil, fmt.Errorf("peer %s: %v", peerID, reply.Payload)
	}
	return reply.Payload, nil
}

// Tell sends a one-way notification to peerID.
func (p *Peer) Tell(ctx context.Context, peerID string, payload any) error {
	msg := messaging.NewMessage(p.identity, messaging.KindNotification, payload).To(peerID).Build()
	return p.transport.Send(ctx, peerID, msg)
}

// Announce broadcasts payload to every registered agent except this peer.
func (p *Peer) Announce(ctx context.Context, payload any) error {
	msg := messaging.NewBroadcast(p.identity, payload).Build()
	return p.transport.Broadcast(ctx, msg)
}
