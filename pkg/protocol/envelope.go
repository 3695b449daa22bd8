package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/google/uuid"
)

// Envelope is one frame: a message body plus its correlation header.
type Envelope struct {
	ID      int64
	ReplyTo int64 // 0 on requests and notifications; ids start at 1
	Message Message
}

type header struct {
	Type    string `json:"type"`
	ID      int64  `json:"id"`
	ReplyTo int64  `json:"replyTo,omitempty"`
}

// MarshalJSON flattens the header and the body into one object.
func (e Envelope) MarshalJSON() ([]byte, error) {
	if e.Message == nil {
		return nil, fmt.Errorf("%w: envelope %d has no message", ErrMalformedMessage, e.ID)
	}
	body, err := json.Marshal(e.Message)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s body: %w", e.Message.MessageType(), err)
	}
	if len(body) < 2 || body[0] != '{' {
		return nil, fmt.Errorf("%w: %s body is not an object", ErrMalformedMessage, e.Message.MessageType())
	}

	var buf bytes.Buffer
	buf.Grow(len(body) + 48)
	buf.WriteString(`{"type":`)
	buf.WriteString(strconv.Quote(e.Message.MessageType()))
	buf.WriteString(`,"id":`)
	buf.WriteString(strconv.FormatInt(e.ID, 10))
	if e.ReplyTo != 0 {
		buf.WriteString(`,"replyTo":`)
		buf.WriteString(strconv.FormatInt(e.ReplyTo, 10))
	}
	if rest := bytes.TrimSpace(body[1:]); len(rest) > 0 && rest[0] != '}' {
		buf.WriteByte(',')
	}
	buf.Write(body[1:])
	return buf.Bytes(), nil
}

// Encode marshals a frame.
func Encode(id, replyTo int64, msg Message) ([]byte, error) {
	return Envelope{ID: id, ReplyTo: replyTo, Message: msg}.MarshalJSON()
}

// DecodeClient parses a frame sent by a client. Invalid JSON yields
// ErrMalformedMessage; a type outside the client set yields
// ErrUnknownMessageType.
func DecodeClient(data []byte) (Envelope, error) {
	h, err := decodeHeader(data)
	if err != nil {
		return Envelope{}, err
	}
	var msg ClientMessage
	switch h.Type {
	case TypeRegister:
		msg, err = decodeBody[Register](data)
	case TypeListByRole:
		msg, err = decodeBody[ListByRole](data)
	case TypeOpen:
		msg, err = decodeBody[Open](data)
	case TypeMessage:
		msg, err = decodeBody[Send](data)
	case TypeClose:
		msg, err = decodeBody[Close](data)
	default:
		return Envelope{ID: h.ID}, fmt.Errorf("%w: %q", ErrUnknownMessageType, h.Type)
	}
	if err != nil {
		return Envelope{ID: h.ID}, err
	}
	return Envelope{ID: h.ID, ReplyTo: h.ReplyTo, Message: msg}, nil
}

// DecodeBroker parses a frame sent by the broker.
func DecodeBroker(data []byte) (Envelope, error) {
	h, err := decodeHeader(data)
	if err != nil {
		return Envelope{}, err
	}
	var msg BrokerMessage
	switch h.Type {
	case TypeRegistered:
		msg, err = decodeBody[Registered](data)
	case TypeConnections:
		msg, err = decodeBody[Connections](data)
	case TypeChannelOpened:
		msg, err = decodeBody[ChannelOpened](data)
	case TypeIncomingChannel:
		msg, err = decodeBody[IncomingChannel](data)
	case TypeChannelMessage:
		msg, err = decodeBody[ChannelMessage](data)
	case TypeChannelClosedNotification:
		msg, err = decodeBody[ChannelClosed](data)
	case TypeSuccess:
		msg = Success{}
	case TypeError:
		msg, err = decodeBody[ErrorReply](data)
	default:
		return Envelope{ID: h.ID}, fmt.Errorf("%w: %q", ErrUnknownMessageType, h.Type)
	}
	if err != nil {
		return Envelope{ID: h.ID}, err
	}
	return Envelope{ID: h.ID, ReplyTo: h.ReplyTo, Message: msg}, nil
}

func decodeHeader(data []byte) (header, error) {
	var h header
	if err := json.Unmarshal(data, &h); err != nil {
		return header{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	return h, nil
}

func decodeBody[T Message](data []byte) (T, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	return v, nil
}

// NewID returns a fresh identifier for a connection or channel.
func NewID() string {
	return uuid.NewString()
}
