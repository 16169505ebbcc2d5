package transport

import "errors"

var (
	// ErrRequestTimeout is returned by SendWithReply when no correlated
	// reply arrives within the timeout. The remote handler may still be
	// running; only the caller's view gives up.
	ErrRequestTimeout = errors.New("request timed out")

	// ErrRecipientNotFound is returned when no inbox is registered for the
	// addressed agent.
	ErrRecipientNotFound = errors.New("recipient not found")

	// ErrAlreadyRegistered is returned by Register for a duplicate agent ID.
	ErrAlreadyRegistered = errors.New("agent already registered")

	// ErrClosed is returned for operations on a closed transport.
	ErrClosed = errors.New("transport closed")

	// ErrNotARequest is returned by SendWithReply for messages whose kind
	// cannot expect a correlated reply.
	ErrNotARequest = errors.New("message kind cannot expect a reply")
)
