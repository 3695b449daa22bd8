package client

import (
	"errors"
	"fmt"

	"github.com/yusitnikov/websocket-mcp/pkg/protocol"
)

var (
	ErrNotConnected        = errors.New("not connected to broker")
	ErrAlreadyConnected    = errors.New("already connected or connecting")
	ErrConnectionTimeout   = errors.New("connection timeout")
	ErrRegistrationTimeout = errors.New("registration timeout")
	ErrRequestTimeout      = errors.New("request timeout")
	ErrDisconnected        = errors.New("disconnected from broker")
	ErrClientClosed        = errors.New("client disconnected")
	ErrUnexpectedReply     = errors.New("unexpected reply")
)

// RequestError is a local failure of one request, such as a timeout. Message
// is the caller-facing description; Err is the kind, for errors.Is.
type RequestError struct {
	Message string
	Err     error
}

func (e *RequestError) Error() string { return e.Message }
func (e *RequestError) Unwrap() error { return e.Err }

// BrokerError is a failure the broker reported in an error reply. It
// unwraps to the matching protocol sentinel when there is one, so
// errors.Is(err, protocol.ErrTargetNotFound) works, and to a
// *protocol.RemoteError otherwise.
type BrokerError struct {
	Message string
	Err     error
}

func (e *BrokerError) Error() string { return e.Message }
func (e *BrokerError) Unwrap() error { return e.Err }

func newBrokerError(reply protocol.ErrorReply) *BrokerError {
	return &BrokerError{Message: reply.Message, Err: reply.Err()}
}

// replyErr converts a reply that is not the expected success type into an
// error.
func replyErr(op string, msg protocol.Message) error {
	if reply, ok := msg.(protocol.ErrorReply); ok {
		return newBrokerError(reply)
	}
	return fmt.Errorf("%w to %s: %s", ErrUnexpectedReply, op, msg.MessageType())
}
