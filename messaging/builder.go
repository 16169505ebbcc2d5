package messaging

import "time"

// Builder assembles a Message with fluent setters. Terminal call is Build.
type Builder struct {
	message *Message
}

// NewMessage starts a builder for a message of the given kind. A fresh
// UUIDv7 ID, timestamp, and conversation ID are assigned; replies built via
// InReplyTo inherit the parent's conversation instead.
func NewMessage(sender Participant, kind Kind, payload any) *Builder {
	return &Builder{
		message: &Message{
			ID:        generateID(),
			Timestamp: time.Now(),
			Sender:    sender,
			Kind:      kind,
			Priority:  PriorityMedium,
			Payload:   payload,
			Conversation: Conversation{
				ConversationID: generateID(),
			},
		},
	}
}

// NewRequest starts a request addressed to a specific agent.
func NewRequest(sender Participant, to string, payload any) *Builder {
	return NewMessage(sender, KindRequest, payload).To(to)
}

// NewResponse starts a successful reply to request, addressed back to its
// sender and threaded into its conversation.
func NewResponse(sender Participant, request *Message, payload any) *Builder {
	return NewMessage(sender, KindResponse, payload).InReplyTo(request)
}

// NewError starts a failure reply to request.
func NewError(sender Participant, request *Message, payload any) *Builder {
	return NewMessage(sender, KindError, payload).InReplyTo(request)
}

// NewNotification starts a one-way message for a topic.
func NewNotification(sender Participant, topic string, payload any) *Builder {
	return NewMessage(sender, KindNotification, payload).OnTopic(topic)
}

// NewHeartbeat starts a liveness message carrying agent metrics.
func NewHeartbeat(sender Participant, payload any) *Builder {
	return NewMessage(sender, KindHeartbeat, payload)
}

// NewBroadcast starts a message fanned out to all registered inboxes.
func NewBroadcast(sender Participant, payload any) *Builder {
	return NewMessage(sender, KindBroadcast, payload)
}

// To addresses the message to a specific agent inbox.
func (b *Builder) To(agentID string) *Builder {
	b.message.Recipient = Recipient{ID: agentID}
	return b
}

// OnTopic addresses the message to a pub/sub topic.
func (b *Builder) OnTopic(topic string) *Builder {
	b.message.Recipient = Recipient{Topic: topic}
	return b
}

// InReplyTo threads the message as an answer to request: the recipient
// becomes the request's sender, the conversation ID is inherited, and
// ParentMessageID is set to the request's ID.
func (b *Builder) InReplyTo(request *Message) *Builder {
	b.message.Recipient = Recipient{ID: request.Sender.ID}
	b.message.Conversation = Conversation{
		ConversationID:  request.Conversation.ConversationID,
		ParentMessageID: request.ID,
	}
	return b
}

// Conversation overrides the conversation thread.
func (b *Builder) Conversation(conv Conversation) *Builder {
	b.message.Conversation = conv
	return b
}

// Priority sets the advisory priority.
func (b *Builder) Priority(priority Priority) *Builder {
	b.message.Priority = priority
	return b
}

// TTL bounds how long the message may wait for delivery or reply.
func (b *Builder) TTL(ttl time.Duration) *Builder {
	b.message.Metadata.TTL = ttl
	return b
}

// MaxRetries sets the redelivery budget.
func (b *Builder) MaxRetries(n int) *Builder {
	b.message.Metadata.MaxRetries = n
	return b
}

// Header sets a single header key.
func (b *Builder) Header(key, value string) *Builder {
	if b.message.Headers == nil {
		b.message.Headers = make(map[string]string)
	}
	b.message.Headers[key] = value
	return b
}

// Headers replaces the headers map.
func (b *Builder) Headers(headers map[string]string) *Builder {
	b.message.Headers = headers
	return b
}

// Build returns the assembled message.
func (b *Builder) Build() *Message {
	return b.message
}
