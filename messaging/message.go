package messaging

import (
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"
)

// Kind is the closed set of message kinds understood by the transport.
type Kind string

const (
	KindRequest      Kind = "request"
	KindResponse     Kind = "response"
	KindNotification Kind = "notification"
	KindError        Kind = "error"
	KindHeartbeat    Kind = "heartbeat"
	KindBroadcast    Kind = "broadcast"
)

// Valid reports whether k is one of the defined message kinds. Dispatchers
// match exhaustively on Kind; an invalid kind is a routing error, not a
// fall-through case.
func (k Kind) Valid() bool {
	switch k {
	case KindRequest, KindResponse, KindNotification, KindError, KindHeartbeat, KindBroadcast:
		return true
	}
	return false
}

// Priority orders messages when a consumer has a choice. It is advisory:
// the transport prefers higher priorities but guarantees no strict ordering.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityMedium:
		return "medium"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// Participant identifies the sending side of a message.
type Participant struct {
	ID   string `json:"id"`
	Role string `json:"role,omitempty"`
}

// Recipient addresses a message to either a specific agent inbox or a topic.
// Exactly one of ID or Topic is set.
type Recipient struct {
	ID    string `json:"id,omitempty"`
	Topic string `json:"topic,omitempty"`
}

// Conversation threads a message into a causal chain. ConversationID groups
// all messages of one logical exchange; ParentMessageID points at the message
// this one answers or follows.
type Conversation struct {
	ConversationID  string `json:"conversation_id,omitempty"`
	ParentMessageID string `json:"parent_message_id,omitempty"`
}

// Metadata carries delivery bookkeeping. TTL bounds how long a pending
// request waits for its reply; RetryCount/MaxRetries track redelivery.
type Metadata struct {
	TTL        time.Duration `json:"ttl,omitempty"`
	RetryCount int           `json:"retry_count,omitempty"`
	MaxRetries int           `json:"max_retries,omitempty"`
}

// Message is the envelope for all fabric communication. Payload is opaque to
// the transport.
type Message struct {
	ID           string            `json:"id"`
	Timestamp    time.Time         `json:"timestamp"`
	Sender       Participant       `json:"sender"`
	Recipient    Recipient         `json:"recipient"`
	Conversation Conversation      `json:"conversation,omitempty"`
	Kind         Kind              `json:"kind"`
	Priority     Priority          `json:"priority,omitempty"`
	Payload      any               `json:"payload,omitempty"`
	Metadata     Metadata          `json:"metadata,omitempty"`
	Headers      map[string]string `json:"headers,omitempty"`
}

// IsRequest reports whether the message expects a correlated reply.
func (msg *Message) IsRequest() bool {
	return msg.Kind == KindRequest
}

// IsReply reports whether the message answers a request (Response or Error).
func (msg *Message) IsReply() bool {
	return msg.Kind == KindResponse || msg.Kind == KindError
}

// IsError reports whether the message is a failure reply.
func (msg *Message) IsError() bool {
	return msg.Kind == KindError
}

// Expired reports whether the message's TTL has elapsed relative to now.
// Messages without a TTL never expire.
func (msg *Message) Expired(now time.Time) bool {
	if msg.Metadata.TTL <= 0 {
		return false
	}
	return now.After(msg.Timestamp.Add(msg.Metadata.TTL))
}

// Clone returns a copy of the message with its own Headers map. The payload
// is shared; envelopes are cloned for refanning, payloads are never mutated
// in place.
func (msg *Message) Clone() *Message {
	clone := *msg
	clone.Headers = maps.Clone(msg.Headers)
	return &clone
}

// Header returns the named header, or "" when absent.
func (msg *Message) Header(key string) string {
	return msg.Headers[key]
}

func (msg *Message) String() string {
	to := msg.Recipient.ID
	if to == "" {
		to = "topic:" + msg.Recipient.Topic
	}
	return fmt.Sprintf(
		"Message{ID: %s, From: %s, To: %s, Kind: %s, Conversation: %s}",
		msg.ID,
		msg.Sender.ID,
		to,
		msg.Kind,
		msg.Conversation.ConversationID,
	)
}

func generateID() string {
	return uuid.Must(uuid.NewV7()).String()
}
