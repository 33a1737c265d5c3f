package errors

import "errors"

// Connection errors.
var (
	ErrNotConnected       = errors.New("not connected")
	ErrAlreadyConnected   = errors.New("already connected with a different identity")
	ErrEmptyIdentity      = errors.New("identity token is required")
	ErrAuthRejected       = errors.New("server rejected identity")
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
)

// Message errors.
var (
	ErrEmptyContent = errors.New("message content is empty")
	ErrNoRecipient  = errors.New("recipient is required")
	ErrSendFailed   = errors.New("message could not be delivered")
)

// Server/transport errors.
var (
	ErrAPIRequest  = errors.New("API request failed")
	ErrAPIResponse = errors.New("unexpected API response")
)
