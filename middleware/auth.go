package middleware

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/tailored-agentic-units/fabric/messaging"
	"github.com/tailored-agentic-units/fabric/transport"
)

// TokenHeader carries the sender's credential on every message.
const TokenHeader = "x-fabric-token"

// RecipientWildcard in a credential grants the sender any recipient. It is
// also the recipient a broadcast is checked against.
const RecipientWildcard = "*"

// ErrUnauthorized rejects a message with a missing, malformed, expired, or
// mis-attributed token, or an operation the policy denies.
var ErrUnauthorized = errors.New("unauthorized")

// TokenProvider issues and verifies credentials binding a sender to the
// recipients it may address, and gates individual operations.
type TokenProvider interface {
	// Issue mints a credential for senderID to address recipientID. An
	// empty recipientID mints a wildcard credential.
	Issue(senderID, recipientID string) (string, error)

	// Verify checks that token binds claimedSender to claimedRecipient,
	// returning an error wrapping ErrUnauthorized otherwise.
	Verify(token, claimedSender, claimedRecipient string) error

	// Authorized reports whether the sender may perform op against the
	// recipient. Consulted only after Verify succeeded.
	Authorized(senderID, recipientID string, op transport.Operation) bool
}

// HMACProvider signs credentials with HMAC-SHA256 over a shared secret.
// Tokens are "expiryUnix:signature"; the bound sender and recipient are
// never carried in the token, they are re-derived from the claimed pair at
// verification, so identities containing separators need no escaping.
type HMACProvider struct {
	secret    []byte
	ttl       time.Duration
	authorize func(senderID, recipientID string, op transport.Operation) bool
}

// HMACOption customizes an HMACProvider.
type HMACOption func(*HMACProvider)

// WithAuthorizer installs an operation-level policy consulted after
// signature verification. The default permits every operation.
func WithAuthorizer(fn func(senderID, recipientID string, op transport.Operation) bool) HMACOption {
	return func(p *HMACProvider) {
		p.authorize = fn
	}
}

// NewHMACProvider creates a provider from a shared secret. A ttl <= 0 means
// tokens never expire.
func NewHMACProvider(secret string, ttl time.Duration, opts ...HMACOption) (*HMACProvider, error) {
	if secret == "" {
		return nil, errors.New("auth secret is required")
	}

	p := &HMACProvider{secret: []byte(secret), ttl: ttl}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

func (p *HMACProvider) Issue(senderID, recipientID string) (string, error) {
	if senderID == "" {
		return "", errors.New("sender ID is required")
	}
	if recipientID == "" {
		recipientID = RecipientWildcard
	}

	expiry := int64(0)
	if p.ttl > 0 {
		expiry = time.Now().Add(p.ttl).Unix()
	}

	exp := strconv.FormatInt(expiry, 10)
	return exp + ":" + p.sign(senderID, recipientID, exp), nil
}

func (p *HMACProvider) Verify(token, claimedSender, claimedRecipient string) error {
	exp, signature, ok := strings.Cut(token, ":")
	if !ok {
		return fmt.Errorf("%w: malformed token", ErrUnauthorized)
	}

	if !hmac.Equal([]byte(p.sign(claimedSender, claimedRecipient, exp)), []byte(signature)) {
		return fmt.Errorf("%w: token does not bind %s to %s", ErrUnauthorized, claimedSender, claimedRecipient)
	}

	expiry, err := strconv.ParseInt(exp, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: malformed expiry", ErrUnauthorized)
	}
	if expiry != 0 && time.Now().Unix() > expiry {
		return fmt.Errorf("%w: token expired", ErrUnauthorized)
	}

	return nil
}

func (p *HMACProvider) Authorized(senderID, recipientID string, op transport.Operation) bool {
	if p.authorize == nil {
		return true
	}
	return p.authorize(senderID, recipientID, op)
}

// sign keys the MAC over the NUL-joined binding so no identity can smuggle
// a separator into another field.
func (p *HMACProvider) sign(senderID, recipientID, expiry string) string {
	mac := hmac.New(sha256.New, p.secret)
	mac.Write([]byte(senderID))
	mac.Write([]byte{0})
	mac.Write([]byte(recipientID))
	mac.Write([]byte{0})
	mac.Write([]byte(expiry))
	return hex.EncodeToString(mac.Sum(nil))
}

type authTransport struct {
	passthrough
	provider TokenProvider
}

// Auth returns a decorator that rejects outbound messages whose token is
// absent, invalid, bound to a different sender or recipient than the
// message claims, or whose operation the provider's policy denies. A
// credential bound to RecipientWildcard passes for any recipient.
// Registration and subscription are not guarded; only traffic is.
func Auth(provider TokenProvider) Decorator {
	return func(next transport.Transport) transport.Transport {
		return &authTransport{passthrough: passthrough{next: next}, provider: provider}
	}
}

func (a *authTransport) authorize(msg *messaging.Message, recipientID string, op transport.Operation) error {
	token := msg.Header(TokenHeader)
	if token == "" {
		return fmt.Errorf("%w: missing token from %s", ErrUnauthorized, msg.Sender.ID)
	}

	if err := a.provider.Verify(token, msg.Sender.ID, recipientID); err != nil {
		if recipientID == RecipientWildcard {
			return err
		}
		// Fall back to a wildcard-bound credential.
		if wErr := a.provider.Verify(token, msg.Sender.ID, RecipientWildcard); wErr != nil {
			return err
		}
	}

	if !a.provider.Authorized(msg.Sender.ID, recipientID, op) {
		return fmt.Errorf("%w: %s may not %s to %s", ErrUnauthorized, msg.Sender.ID, op, recipientID)
	}
	return nil
}

func (a *authTransport) Send(ctx context.Context, recipientID string, msg *messaging.Message) error {
	if err := a.authorize(msg, recipientID, transport.OpSend); err != nil {
		return err
	}
	return a.next.Send(ctx, recipientID, msg)
}

func (a *authTransport) SendWithReply(ctx context.Context, recipientID string, msg *messaging.Message, timeout time.Duration) (*messaging.Message, error) {
	if err := a.authorize(msg, recipientID, transport.OpRequest); err != nil {
		return nil, err
	}
	return a.next.SendWithReply(ctx, recipientID, msg, timeout)
}

func (a *authTransport) Publish(ctx context.Context, topic string, msg *messaging.Message) error {
	if err := a.authorize(msg, topic, transport.OpPublish); err != nil {
		return err
	}
	return a.next.Publish(ctx, topic, msg)
}

func (a *authTransport) Broadcast(ctx context.Context, msg *messaging.Message) error {
	if err := a.authorize(msg, RecipientWildcard, transport.OpBroadcast); err != nil {
		return err
	}
	return a.next.Broadcast(ctx, msg)
}
