package transport

import (
	"context"
)

// MessageChannel is a bounded, context-aware channel used as an agent inbox.
// Send blocks when the inbox is full until either context is cancelled.
//
// The underlying Go channel is never closed: shutdown is signalled through
// the channel's own context instead, so a Send racing a Close can fail with
// an error but never panic. Messages still queued at Close are dropped.
type MessageChannel[T any] struct {
	channel chan T
	context context.Context
	cancel  context.CancelFunc
}

// NewMessageChannel creates a channel bound to ctx with the given capacity.
func NewMessageChannel[T any](ctx context.Context, bufferSize int) *MessageChannel[T] {
	channelCtx, cancel := context.WithCancel(ctx)
	return &MessageChannel[T]{
		channel: make(chan T, bufferSize),
		context: channelCtx,
		cancel:  cancel,
	}
}

// Send enqueues a message, honoring both the caller's and the channel's
// context. Sending on a closed channel returns the channel context's error.
func (mc *MessageChannel[T]) Send(ctx context.Context, message T) error {
	if err := mc.context.Err(); err != nil {
		return err
	}

	select {
	case mc.channel <- message:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-mc.context.Done():
		return mc.context.Err()
	}
}

// Receive dequeues the next message, blocking until one is available or a
// context is cancelled.
func (mc *MessageChannel[T]) Receive(ctx context.Context) (T, error) {
	select {
	case message := <-mc.channel:
		return message, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	case <-mc.context.Done():
		var zero T
		return zero, mc.context.Err()
	}
}

// Close makes further sends fail and unblocks pending senders and receivers.
// Idempotent.
func (mc *MessageChannel[T]) Close() {
	mc.cancel()
}

// Len reports the number of queued messages.
func (mc *MessageChannel[T]) Len() int {
	return len(mc.channel)
}
