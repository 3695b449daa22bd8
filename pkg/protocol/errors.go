package protocol

import (
	"errors"
	"strings"
)

// Errors the broker reports in ErrorReply. Their text is the wire text.
var (
	ErrTargetNotFound    = errors.New("target connection not found")
	ErrNotRegistered     = errors.New("connection not registered")
	ErrChannelNotFound   = errors.New("channel not found")
	ErrNotAuthorized     = errors.New("not authorized for this channel")
	ErrRecipientNotFound = errors.New("recipient not found")
	ErrAlreadyRegistered = errors.New("connection already registered")
)

// Decoding errors. A broker closes the offending socket on either.
var (
	ErrMalformedMessage   = errors.New("invalid message format")
	ErrUnknownMessageType = errors.New("unknown message type")
)

var wireErrors = []error{
	ErrTargetNotFound,
	ErrNotRegistered,
	ErrChannelNotFound,
	ErrNotAuthorized,
	ErrRecipientNotFound,
	ErrAlreadyRegistered,
}

// ErrorFromWire maps error text received in an ErrorReply back to its
// sentinel. Matching ignores case. It returns nil for unrecognised text.
func ErrorFromWire(msg string) error {
	for _, err := range wireErrors {
		if strings.EqualFold(err.Error(), msg) {
			return err
		}
	}
	return nil
}

// RemoteError is an error reported by the broker whose text matches no
// known sentinel.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string { return e.Message }
