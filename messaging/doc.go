// Package messaging provides the structured message envelope for all
// communication across the fabric.
//
// Every message carries routing metadata (sender, recipient or topic),
// correlation metadata (conversation ID and parent message ID), a kind, a
// priority, and an opaque payload. The transport never inspects payloads;
// it routes and correlates purely on envelope fields.
//
// # Message Kinds
//
//   - Request: expects a correlated Response or Error
//   - Response: reply to a previous Request
//   - Error: failure reply to a previous Request
//   - Notification: one-way message requiring no response
//   - Heartbeat: liveness signal from an agent
//   - Broadcast: message fanned out to all participants
//
// # Construction
//
// Messages are constructed with a fluent builder:
//
//	msg := messaging.NewRequest(sender, "worker-7", payload).
//	    Priority(messaging.PriorityHigh).
//	    TTL(30 * time.Second).
//	    Build()
//
// Replies inherit the conversation thread from the request they answer:
//
//	reply := messaging.NewResponse(sender, request, result).Build()
//
// # Correlation invariant
//
// Every Response or Error carries the ParentMessageID of the Request it
// answers. The transport resolves pending requests by that field alone.
package messaging
