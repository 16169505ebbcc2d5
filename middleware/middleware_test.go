package middleware_test

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tailored-agentic-units/fabric/config"
	"github.com/tailored-agentic-units/fabric/messaging"
	"github.com/tailored-agentic-units/fabric/middleware"
	"github.com/tailored-agentic-units/fabric/transport"
)

func newLocal(t *testing.T) transport.Transport {
	t.Helper()

	tr, err := transport.New(context.Background(), config.DefaultTransportConfig())
	require.NoError(t, err)
	t.Cleanup(func() { tr.Close() })
	return tr
}

func registerEcho(t *testing.T, tr transport.Transport, id string) {
	t.Helper()

	identity := messaging.Participant{ID: id, Role: "worker"}
	require.NoError(t, tr.Register(id, func(ctx context.Context, msg *messaging.Message) (*messaging.Message, error) {
		if !msg.IsRequest() {
			return nil, nil
		}
		return messaging.NewResponse(identity, msg, msg.Payload).Build(), nil
	}))
}

func TestHMACProvider_IssueAndVerify(t *testing.T) {
	provider, err := middleware.NewHMACProvider("s3cret", time.Minute)
	require.NoError(t, err)

	token, err := provider.Issue("agent-1", "worker-9")
	require.NoError(t, err)

	require.NoError(t, provider.Verify(token, "agent-1", "worker-9"))

	// The binding covers both ends.
	err = provider.Verify(token, "agent-2", "worker-9")
	assert.ErrorIs(t, err, middleware.ErrUnauthorized)
	err = provider.Verify(token, "agent-1", "worker-3")
	assert.ErrorIs(t, err, middleware.ErrUnauthorized)
}

func TestHMACProvider_WildcardRecipient(t *testing.T) {
	provider, err := middleware.NewHMACProvider("s3cret", time.Minute)
	require.NoError(t, err)

	token, err := provider.Issue("agent-1", "")
	require.NoError(t, err)

	require.NoError(t, provider.Verify(token, "agent-1", middleware.RecipientWildcard))
	err = provider.Verify(token, "agent-1", "worker-9")
	assert.ErrorIs(t, err, middleware.ErrUnauthorized, "wildcard tokens bind the wildcard, not every literal recipient")
}

func TestHMACProvider_RejectsTampering(t *testing.T) {
	provider, err := middleware.NewHMACProvider("s3cret", time.Minute)
	require.NoError(t, err)

	token, err := provider.Issue("agent-1", "worker-9")
	require.NoError(t, err)

	err = provider.Verify(token+"0", "agent-1", "worker-9")
	assert.ErrorIs(t, err, middleware.ErrUnauthorized)

	err = provider.Verify("garbage", "agent-1", "worker-9")
	assert.ErrorIs(t, err, middleware.ErrUnauthorized)
}

func TestHMACProvider_RejectsExpired(t *testing.T) {
	provider, err := middleware.NewHMACProvider("s3cret", -time.Minute)
	require.NoError(t, err)

	token, err := provider.Issue("agent-1", "worker-9")
	require.NoError(t, err)

	err = provider.Verify(token, "agent-1", "worker-9")
	assert.ErrorIs(t, err, middleware.ErrUnauthorized)
}

func TestHMACProvider_DifferentSecretsDisagree(t *testing.T) {
	issuer, err := middleware.NewHMACProvider("secret-a", time.Minute)
	require.NoError(t, err)
	verifier, err := middleware.NewHMACProvider("secret-b", time.Minute)
	require.NoError(t, err)

	token, err := issuer.Issue("agent-1", "worker-9")
	require.NoError(t, err)

	err = verifier.Verify(token, "agent-1", "worker-9")
	assert.ErrorIs(t, err, middleware.ErrUnauthorized)
}

func TestAuth_AllowsSignedTraffic(t *testing.T) {
	provider, err := middleware.NewHMACProvider("s3cret", time.Minute)
	require.NoError(t, err)

	tr := middleware.Chain(newLocal(t), middleware.Auth(provider))
	registerEcho(t, tr, "echo")

	token, err := provider.Issue("caller", "echo")
	require.NoError(t, err)

	msg := messaging.NewRequest(messaging.Participant{ID: "caller"}, "echo", "ping").
		Header(middleware.TokenHeader, token).
		Build()

	reply, err := tr.SendWithReply(context.Background(), "echo", msg, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "ping", reply.Payload)

	// A wildcard credential reaches any recipient.
	wildcard, err := provider.Issue("caller", "")
	require.NoError(t, err)
	roaming := messaging.NewRequest(messaging.Participant{ID: "caller"}, "echo", "pong").
		Header(middleware.TokenHeader, wildcard).
		Build()
	reply, err = tr.SendWithReply(context.Background(), "echo", roaming, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "pong", reply.Payload)
}

func TestAuth_RejectsMissingAndForeignTokens(t *testing.T) {
	provider, err := middleware.NewHMACProvider("s3cret", time.Minute)
	require.NoError(t, err)

	tr := middleware.Chain(newLocal(t), middleware.Auth(provider))
	registerEcho(t, tr, "echo")
	ctx := context.Background()

	// No token at all.
	bare := messaging.NewRequest(messaging.Participant{ID: "caller"}, "echo", "ping").Build()
	_, err = tr.SendWithReply(ctx, "echo", bare, time.Second)
	assert.ErrorIs(t, err, middleware.ErrUnauthorized)

	// A valid token bound to someone else.
	stolen, err := provider.Issue("victim", "echo")
	require.NoError(t, err)
	spoofed := messaging.NewRequest(messaging.Participant{ID: "caller"}, "echo", "ping").
		Header(middleware.TokenHeader, stolen).
		Build()
	_, err = tr.SendWithReply(ctx, "echo", spoofed, time.Second)
	assert.ErrorIs(t, err, middleware.ErrUnauthorized)

	// The caller's own token, but bound to a different recipient.
	misdirected, err := provider.Issue("caller", "other")
	require.NoError(t, err)
	wrongDoor := messaging.NewRequest(messaging.Participant{ID: "caller"}, "echo", "ping").
		Header(middleware.TokenHeader, misdirected).
		Build()
	_, err = tr.SendWithReply(ctx, "echo", wrongDoor, time.Second)
	assert.ErrorIs(t, err, middleware.ErrUnauthorized)
}

func TestAuth_AuthorizerGatesOperations(t *testing.T) {
	provider, err := middleware.NewHMACProvider("s3cret", time.Minute,
		middleware.WithAuthorizer(func(senderID, recipientID string, op transport.Operation) bool {
			return op != transport.OpBroadcast
		}))
	require.NoError(t, err)

	tr := middleware.Chain(newLocal(t), middleware.Auth(provider))
	registerEcho(t, tr, "echo")
	ctx := context.Background()

	token, err := provider.Issue("caller", "")
	require.NoError(t, err)

	allowed := messaging.NewMessage(messaging.Participant{ID: "caller"}, messaging.KindNotification, "hi").
		To("echo").
		Header(middleware.TokenHeader, token).
		Build()
	require.NoError(t, tr.Send(ctx, "echo", allowed))

	denied := messaging.NewBroadcast(messaging.Participant{ID: "caller"}, "hi").
		Header(middleware.TokenHeader, token).
		Build()
	assert.ErrorIs(t, tr.Broadcast(ctx, denied), middleware.ErrUnauthorized)
}

func TestRateLimit_EnforcesBudget(t *testing.T) {
	tr := middleware.Chain(newLocal(t), middleware.RateLimit(1, 2, 0))
	registerEcho(t, tr, "sink")
	ctx := context.Background()

	sender := messaging.Participant{ID: "chatty"}

	// The burst allows two immediate sends.
	for i := 0; i < 2; i++ {
		msg := messaging.NewMessage(sender, messaging.KindNotification, i).To("sink").Build()
		require.NoError(t, tr.Send(ctx, "sink", msg))
	}

	msg := messaging.NewMessage(sender, messaging.KindNotification, 3).To("sink").Build()
	err := tr.Send(ctx, "sink", msg)
	assert.ErrorIs(t, err, middleware.ErrRateLimited)
}

func TestRateLimit_IsolatesSendersRecipientsAndOperations(t *testing.T) {
	tr := middleware.Chain(newLocal(t), middleware.RateLimit(1, 1, 0))
	registerEcho(t, tr, "sink")
	registerEcho(t, tr, "drain")
	ctx := context.Background()

	first := messaging.NewMessage(messaging.Participant{ID: "a"}, messaging.KindNotification, 1).To("sink").Build()
	require.NoError(t, tr.Send(ctx, "sink", first))

	// A different sender has its own budget.
	other := messaging.NewMessage(messaging.Participant{ID: "b"}, messaging.KindNotification, 1).To("sink").Build()
	require.NoError(t, tr.Send(ctx, "sink", other))

	// Same sender and operation, different recipient: separate bucket.
	elsewhere := messaging.NewMessage(messaging.Participant{ID: "a"}, messaging.KindNotification, 1).To("drain").Build()
	require.NoError(t, tr.Send(ctx, "drain", elsewhere))

	// Same sender, different operation: separate bucket.
	pub := messaging.NewNotification(messaging.Participant{ID: "a"}, "events", 1).Build()
	require.NoError(t, tr.Publish(ctx, "events", pub))

	// Same sender, recipient, and operation: over budget.
	again := messaging.NewMessage(messaging.Participant{ID: "a"}, messaging.KindNotification, 2).To("sink").Build()
	assert.ErrorIs(t, tr.Send(ctx, "sink", again), middleware.ErrRateLimited)
}

func TestInstrument_CountsOutcomes(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := middleware.MustNewMetrics(reg)

	tr := middleware.Chain(newLocal(t),
		middleware.Instrument(metrics),
		middleware.RateLimit(1, 1, 0),
	)
	registerEcho(t, tr, "sink")
	ctx := context.Background()

	sender := messaging.Participant{ID: "a"}
	ok := messaging.NewMessage(sender, messaging.KindNotification, 1).To("sink").Build()
	require.NoError(t, tr.Send(ctx, "sink", ok))

	limited := messaging.NewMessage(sender, messaging.KindNotification, 2).To("sink").Build()
	require.Error(t, tr.Send(ctx, "sink", limited))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)

	opsOK := testutil.ToFloat64(metrics.OperationsCounter("send", "ok"))
	assert.Equal(t, 1.0, opsOK)
	opsLimited := testutil.ToFloat64(metrics.OperationsCounter("send", "rate_limited"))
	assert.Equal(t, 1.0, opsLimited)
}

func TestChain_OrderOutermostFirst(t *testing.T) {
	provider, err := middleware.NewHMACProvider("s3cret", time.Minute)
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	metrics := middleware.MustNewMetrics(reg)

	// Metrics outermost: an auth rejection must still be counted.
	tr := middleware.Chain(newLocal(t),
		middleware.Instrument(metrics),
		middleware.Auth(provider),
	)
	registerEcho(t, tr, "sink")

	bare := messaging.NewMessage(messaging.Participant{ID: "a"}, messaging.KindNotification, 1).To("sink").Build()
	require.ErrorIs(t, tr.Send(context.Background(), "sink", bare), middleware.ErrUnauthorized)

	denied := testutil.ToFloat64(metrics.OperationsCounter("send", "unauthorized"))
	assert.Equal(t, 1.0, denied)
}
