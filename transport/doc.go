// Package transport implements the delivery layer of the fabric: topic
// publish/subscribe, point-to-point sends into per-agent inboxes, and
// request/reply correlation over an asynchronous substrate.
//
// The local transport keeps one buffered inbox channel per registered agent
// and a pending-reply table keyed by request message ID. SendWithReply blocks
// the calling goroutine (never the delivery loop) until a Response or Error
// carrying the matching ParentMessageID arrives, or the timeout elapses with
// ErrRequestTimeout. Delivery is at-least-once: duplicate replies are dropped
// with a warning and consumers must be idempotent.
//
// Handler panics are recovered and logged; a panicking subscriber stays
// subscribed. Cross-cutting concerns (auth, rate limiting, tracing, metrics)
// wrap Transport as decorators, see package middleware.
package transport
