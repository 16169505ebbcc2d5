package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/tailored-agentic-units/fabric/config"
	"github.com/tailored-agentic-units/fabric/messaging"
	"github.com/tailored-agentic-units/fabric/observability"
)

type inbox struct {
	agentID string
	handler Handler
	channel *MessageChannel[*messaging.Message]
}

// Local is the in-process Transport implementation. One consumer goroutine
// per inbox dequeues messages and dispatches each to its handler on a fresh
// goroutine, so a slow handler never stalls delivery to its peers.
type Local struct {
	name           string
	bufferSize     int
	defaultTimeout time.Duration

	logger   *slog.Logger
	observer observability.Observer

	inboxMu sync.RWMutex
	inboxes map[string]*inbox

	subsMu    sync.RWMutex
	subs      map[string]map[int64]Handler
	nextSubID atomic.Int64

	pendingMu sync.Mutex
	pending   map[string]chan *messaging.Message
	// resolved remembers request IDs that already got a reply (or timed
	// out), so duplicate deliveries are dropped instead of misrouted.
	resolved *lru.Cache[string, time.Time]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool
}

// Option customizes a Local transport.
type Option func(*Local)

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Local) {
		t.logger = logger
	}
}

// WithObserver overrides the observer resolved from configuration.
func WithObserver(observer observability.Observer) Option {
	return func(t *Local) {
		t.observer = observability.OrNoOp(observer)
	}
}

// New creates a Local transport from cfg. The configured observer name is
// resolved through the observability registry.
func New(ctx context.Context, cfg config.TransportConfig, opts ...Option) (*Local, error) {
	observer, err := observability.GetObserver(cfg.Observer)
	if err != nil {
		return nil, fmt.Errorf("resolve observer: %w", err)
	}

	cacheSize := cfg.DedupCacheSize
	if cacheSize <= 0 {
		cacheSize = 1024
	}
	resolved, err := lru.New[string, time.Time](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("create dedup cache: %w", err)
	}

	transportCtx, cancel := context.WithCancel(ctx)

	t := &Local{
		name:           cfg.Name,
		bufferSize:     cfg.InboxBufferSize,
		defaultTimeout: cfg.DefaultTimeout.Std(),
		logger:         slog.Default(),
		observer:       observer,
		inboxes:        make(map[string]*inbox),
		subs:           make(map[string]map[int64]Handler),
		pending:        make(map[string]chan *messaging.Message),
		resolved:       resolved,
		ctx:            transportCtx,
		cancel:         cancel,
	}

	for _, opt := range opts {
		opt(t)
	}

	return t, nil
}

func (t *Local) Register(agentID string, handler Handler) error {
	if t.closed.Load() {
		return ErrClosed
	}

	t.inboxMu.Lock()
	if _, exists := t.inboxes[agentID]; exists {
		t.inboxMu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, agentID)
	}

	box := &inbox{
		agentID: agentID,
		handler: handler,
		channel: NewMessageChannel[*messaging.Message](t.ctx, t.bufferSize),
	}
	t.inboxes[agentID] = box
	t.inboxMu.Unlock()

	t.wg.Add(1)
	go t.consume(box)

	t.logger.DebugContext(t.ctx, "inbox registered",
		slog.String("transport", t.name),
		slog.String("agent_id", agentID),
	)

	return nil
}

func (t *Local) Deregister(agentID string) error {
	t.inboxMu.Lock()
	box, exists := t.inboxes[agentID]
	if exists {
		delete(t.inboxes, agentID)
		box.channel.Close()
	}
	t.inboxMu.Unlock()

	if exists {
		t.logger.DebugContext(t.ctx, "inbox deregistered",
			slog.String("transport", t.name),
			slog.String("agent_id", agentID),
		)
	}

	return nil
}

func (t *Local) Send(ctx context.Context, recipientID string, msg *messaging.Message) error {
	if t.closed.Load() {
		return ErrClosed
	}

	// Replies are correlated before inbox delivery so a blocked
	// SendWithReply caller wakes instead of re-consuming its own reply.
	if msg.IsReply() && t.resolveReply(ctx, msg) {
		return nil
	}

	t.inboxMu.RLock()
	box, exists := t.inboxes[recipientID]
	t.inboxMu.RUnlock()

	if !exists {
		return fmt.Errorf("%w: %s", ErrRecipientNotFound, recipientID)
	}

	if err := box.channel.Send(ctx, msg); err != nil {
		return fmt.Errorf("deliver to %s: %w", recipientID, err)
	}

	t.observer.OnEvent(ctx, observability.NewEvent(
		observability.EventMessageSent,
		observability.LevelVerbose,
		"transport",
		map[string]any{"message_id": msg.ID, "to": recipientID, "kind": string(msg.Kind)},
	))

	return nil
}

func (t *Local) SendWithReply(ctx context.Context, recipientID string, msg *messaging.Message, timeout time.Duration) (*messaging.Message, error) {
	if t.closed.Load() {
		return nil, ErrClosed
	}
	if !msg.IsRequest() {
		return nil, fmt.Errorf("%w: %s", ErrNotARequest, msg.Kind)
	}

	if timeout <= 0 {
		timeout = t.defaultTimeout
	}
	if msg.Metadata.TTL <= 0 {
		msg.Metadata.TTL = timeout
	}

	replyCh := make(chan *messaging.Message, 1)
	t.pendingMu.Lock()
	t.pending[msg.ID] = replyCh
	t.pendingMu.Unlock()

	if err := t.Send(ctx, recipientID, msg); err != nil {
		t.pendingMu.Lock()
		delete(t.pending, msg.ID)
		t.pendingMu.Unlock()
		return nil, err
	}

	t.observer.OnEvent(ctx, observability.NewEvent(
		observability.EventRequestSent,
		observability.LevelVerbose,
		"transport",
		map[string]any{"message_id": msg.ID, "to": recipientID, "timeout": timeout.String()},
	))

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case reply := <-replyCh:
		t.observer.OnEvent(ctx, observability.NewEvent(
			observability.EventRequestResolved,
			observability.LevelVerbose,
			"transport",
			map[string]any{"message_id": msg.ID, "reply_id": reply.ID, "kind": string(reply.Kind)},
		))
		return reply, nil

	case <-ctx.Done():
		t.expirePending(msg.ID)
		return nil, fmt.Errorf("request %s cancelled: %w", msg.ID, ctx.Err())

	case <-timer.C:
		t.expirePending(msg.ID)
		t.observer.OnEvent(ctx, observability.NewEvent(
			observability.EventRequestTimeout,
			observability.LevelWarning,
			"transport",
			map[string]any{"message_id": msg.ID, "to": recipientID, "timeout": timeout.String()},
		))
		return nil, fmt.Errorf("request %s to %s after %v: %w", msg.ID, recipientID, timeout, ErrRequestTimeout)
	}
}

func (t *Local) Publish(ctx context.Context, topic string, msg *messaging.Message) error {
	if t.closed.Load() {
		return ErrClosed
	}

	t.subsMu.RLock()
	handlers := make([]Handler, 0, len(t.subs[topic]))
	for _, h := range t.subs[topic] {
		handlers = append(handlers, h)
	}
	t.subsMu.RUnlock()

	if len(handlers) == 0 {
		t.logger.DebugContext(ctx, "no subscribers for topic",
			slog.String("transport", t.name),
			slog.String("topic", topic),
		)
		return nil
	}

	for _, handler := range handlers {
		delivery := msg.Clone()
		delivery.Recipient = messaging.Recipient{Topic: topic}
		go t.invoke(handler, delivery, "topic:"+topic)
	}

	t.observer.OnEvent(ctx, observability.NewEvent(
		observability.EventMessagePublished,
		observability.LevelVerbose,
		"transport",
		map[string]any{"message_id": msg.ID, "topic": topic, "subscribers": len(handlers)},
	))

	return nil
}

func (t *Local) Broadcast(ctx context.Context, msg *messaging.Message) error {
	if t.closed.Load() {
		return ErrClosed
	}

	t.inboxMu.RLock()
	boxes := make([]*inbox, 0, len(t.inboxes))
	for agentID, box := range t.inboxes {
		if agentID != msg.Sender.ID {
			boxes = append(boxes, box)
		}
	}
	t.inboxMu.RUnlock()

	delivered := 0
	for _, box := range boxes {
		delivery := msg.Clone()
		delivery.Recipient = messaging.Recipient{ID: box.agentID}
		if err := box.channel.Send(ctx, delivery); err != nil {
			t.logger.WarnContext(ctx, "broadcast delivery failed",
				slog.String("transport", t.name),
				slog.String("to", box.agentID),
				slog.String("error", err.Error()),
			)
			continue
		}
		delivered++
	}

	t.logger.DebugContext(ctx, "broadcast sent",
		slog.String("transport", t.name),
		slog.String("from", msg.Sender.ID),
		slog.Int("recipients", len(boxes)),
		slog.Int("delivered", delivered),
	)

	return nil
}

func (t *Local) Subscribe(topic string, handler Handler) (func(), error) {
	if t.closed.Load() {
		return nil, ErrClosed
	}

	id := t.nextSubID.Add(1)

	t.subsMu.Lock()
	if t.subs[topic] == nil {
		t.subs[topic] = make(map[int64]Handler)
	}
	t.subs[topic][id] = handler
	t.subsMu.Unlock()

	unsubscribe := func() {
		t.subsMu.Lock()
		if handlers, ok := t.subs[topic]; ok {
			delete(handlers, id)
			if len(handlers) == 0 {
				delete(t.subs, topic)
			}
		}
		t.subsMu.Unlock()
	}

	return unsubscribe, nil
}

func (t *Local) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}

	t.cancel()

	t.inboxMu.Lock()
	for agentID, box := range t.inboxes {
		box.channel.Close()
		delete(t.inboxes, agentID)
	}
	t.inboxMu.Unlock()

	t.wg.Wait()

	t.logger.DebugContext(context.Background(), "transport closed",
		slog.String("transport", t.name),
	)

	return nil
}

// consume drains one inbox until the transport shuts down or the inbox is
// deregistered.
func (t *Local) consume(box *inbox) {
	defer t.wg.Done()

	for {
		msg, err := box.channel.Receive(t.ctx)
		if err != nil {
			// Transport shutdown or inbox deregistered.
			return
		}
		go t.dispatch(box, msg)
	}
}

// dispatch runs an inbox handler and routes whatever it returns.
func (t *Local) dispatch(box *inbox, msg *messaging.Message) {
	reply, err := t.safeHandle(box.handler, msg, box.agentID)
	if err != nil {
		t.logger.ErrorContext(t.ctx, "message handler failed",
			slog.String("transport", t.name),
			slog.String("agent_id", box.agentID),
			slog.String("message_id", msg.ID),
			slog.String("error", err.Error()),
		)
		return
	}

	if reply == nil {
		return
	}

	if reply.IsReply() && t.resolveReply(t.ctx, reply) {
		return
	}

	if err := t.Send(t.ctx, reply.Recipient.ID, reply); err != nil {
		t.logger.ErrorContext(t.ctx, "reply delivery failed",
			slog.String("transport", t.name),
			slog.String("from", reply.Sender.ID),
			slog.String("to", reply.Recipient.ID),
			slog.String("error", err.Error()),
		)
	}
}

// invoke runs a topic subscriber handler and routes its optional reply.
func (t *Local) invoke(handler Handler, msg *messaging.Message, source string) {
	reply, err := t.safeHandle(handler, msg, source)
	if err != nil {
		t.logger.ErrorContext(t.ctx, "subscriber handler failed",
			slog.String("transport", t.name),
			slog.String("subscriber", source),
			slog.String("message_id", msg.ID),
			slog.String("error", err.Error()),
		)
		return
	}

	if reply == nil {
		return
	}
	if reply.IsReply() && t.resolveReply(t.ctx, reply) {
		return
	}
	if reply.Recipient.ID != "" {
		_ = t.Send(t.ctx, reply.Recipient.ID, reply)
	}
}

// safeHandle invokes handler with panic recovery. A panicking handler is
// logged and reported through the observer but stays registered.
func (t *Local) safeHandle(handler Handler, msg *messaging.Message, who string) (reply *messaging.Message, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
			t.observer.OnEvent(t.ctx, observability.NewEvent(
				observability.EventHandlerPanic,
				observability.LevelError,
				"transport",
				map[string]any{"handler": who, "message_id": msg.ID, "panic": fmt.Sprint(r)},
			))
		}
	}()

	if handler == nil {
		return nil, nil
	}
	return handler(t.ctx, msg)
}

// resolveReply delivers a reply to the goroutine blocked in SendWithReply.
// Returns true when the message was consumed as a correlated reply, either
// delivered or dropped as a duplicate.
func (t *Local) resolveReply(ctx context.Context, msg *messaging.Message) bool {
	parentID := msg.Conversation.ParentMessageID
	if parentID == "" {
		return false
	}

	t.pendingMu.Lock()
	replyCh, waiting := t.pending[parentID]
	if waiting {
		delete(t.pending, parentID)
		t.resolved.Add(parentID, time.Now())
	}
	_, alreadyResolved := t.resolved.Get(parentID)
	t.pendingMu.Unlock()

	if waiting {
		replyCh <- msg
		return true
	}

	if alreadyResolved {
		t.logger.WarnContext(ctx, "duplicate reply dropped",
			slog.String("transport", t.name),
			slog.String("parent_message_id", parentID),
			slog.String("reply_id", msg.ID),
		)
		t.observer.OnEvent(ctx, observability.NewEvent(
			observability.EventMessageDropped,
			observability.LevelWarning,
			"transport",
			map[string]any{"message_id": msg.ID, "parent_message_id": parentID, "reason": "duplicate reply"},
		))
		return true
	}

	return false
}

// expirePending garbage-collects a pending entry after timeout or
// cancellation and marks the request resolved so a late reply is dropped
// instead of misdelivered.
func (t *Local) expirePending(requestID string) {
	t.pendingMu.Lock()
	delete(t.pending, requestID)
	t.resolved.Add(requestID, time.Now())
	t.pendingMu.Unlock()
}
