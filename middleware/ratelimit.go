package middleware

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/tailored-agentic-units/fabric/messaging"
	"github.com/tailored-agentic-units/fabric/transport"
)

// ErrRateLimited rejects traffic from a sender that exceeded its budget.
var ErrRateLimited = errors.New("rate limited")

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

type rateLimitTransport struct {
	passthrough

	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*limiterEntry

	cancel context.CancelFunc
}

// RateLimit returns a decorator enforcing a token-bucket budget per
// (sender, recipient, operation) tuple, so one noisy conversation cannot
// starve a sender's traffic to everyone else. The recipient is the inbox ID
// for sends, the topic for publishes, and "*" for broadcasts. Over-budget
// calls fail immediately with ErrRateLimited rather than queueing. Limiters
// idle longer than ttl are dropped by a background cleanup so the map does
// not grow with every conversation that ever existed.
func RateLimit(requestsPerSecond float64, burst int, ttl time.Duration) Decorator {
	return func(next transport.Transport) transport.Transport {
		ctx, cancel := context.WithCancel(context.Background())

		rl := &rateLimitTransport{
			passthrough: passthrough{next: next},
			limit:       rate.Limit(requestsPerSecond),
			burst:       burst,
			limiters:    make(map[string]*limiterEntry),
			cancel:      cancel,
		}
		if ttl > 0 {
			go rl.cleanup(ctx, ttl)
		}
		return rl
	}
}

func (rl *rateLimitTransport) allow(senderID, recipientID string, op transport.Operation) error {
	key := senderID + "|" + recipientID + "|" + string(op)

	rl.mu.Lock()
	entry, ok := rl.limiters[key]
	if !ok {
		entry = &limiterEntry{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.limiters[key] = entry
	}
	entry.lastSeen = time.Now()
	rl.mu.Unlock()

	if !entry.limiter.Allow() {
		return fmt.Errorf("%w: %s -> %s on %s", ErrRateLimited, senderID, recipientID, op)
	}
	return nil
}

func (rl *rateLimitTransport) cleanup(ctx context.Context, ttl time.Duration) {
	ticker := time.NewTicker(ttl)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-ttl)
			rl.mu.Lock()
			for key, entry := range rl.limiters {
				if entry.lastSeen.Before(cutoff) {
					delete(rl.limiters, key)
				}
			}
			rl.mu.Unlock()
		}
	}
}

func (rl *rateLimitTransport) Send(ctx context.Context, recipientID string, msg *messaging.Message) error {
	if err := rl.allow(msg.Sender.ID, recipientID, transport.OpSend); err != nil {
		return err
	}
	return rl.next.Send(ctx, recipientID, msg)
}

func (rl *rateLimitTransport) SendWithReply(ctx context.Context, recipientID string, msg *messaging.Message, timeout time.Duration) (*messaging.Message, error) {
	if err := rl.allow(msg.Sender.ID, recipientID, transport.OpRequest); err != nil {
		return nil, err
	}
	return rl.next.SendWithReply(ctx, recipientID, msg, timeout)
}

func (rl *rateLimitTransport) Publish(ctx context.Context, topic string, msg *messaging.Message) error {
	if err := rl.allow(msg.Sender.ID, topic, transport.OpPublish); err != nil {
		return err
	}
	return rl.next.Publish(ctx, topic, msg)
}

func (rl *rateLimitTransport) Broadcast(ctx context.Context, msg *messaging.Message) error {
	if err := rl.allow(msg.Sender.ID, RecipientWildcard, transport.OpBroadcast); err != nil {
		return err
	}
	return rl.next.Broadcast(ctx, msg)
}

func (rl *rateLimitTransport) Close() error {
	rl.cancel()
	return rl.next.Close()
}
