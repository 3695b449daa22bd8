// Package protocol defines the JSON messages exchanged between broker clients
// and the broker over a single WebSocket connection.
//
// Every frame is a JSON object carrying a "type" discriminator and an integer
// "id". Broker replies additionally carry "replyTo", the id of the request
// they answer. Broker notifications carry no "replyTo".
package protocol

import "encoding/json"

// Message type discriminators sent by clients.
const (
	TypeRegister   = "register"
	TypeListByRole = "list_by_role"
	TypeOpen       = "open"
	TypeMessage    = "message"
	TypeClose      = "close"
)

// Message type discriminators sent by the broker.
const (
	TypeRegistered                = "registered"
	TypeConnections               = "connections"
	TypeChannelOpened             = "channel_opened"
	TypeIncomingChannel           = "incoming_channel"
	TypeChannelMessage            = "channel_message"
	TypeChannelClosedNotification = "channel_closed_notification"
	TypeSuccess                   = "success"
	TypeError                     = "error"
)

// Message is the body of one frame. The concrete type determines the "type"
// field on the wire.
type Message interface {
	MessageType() string
}

// ClientMessage is a Message a client may send to the broker.
type ClientMessage interface {
	Message
	clientMessage()
}

// BrokerMessage is a Message the broker may send to a client.
type BrokerMessage interface {
	Message
	brokerMessage()
}

// Register declares the caller's role and requests a connection id.
type Register struct {
	Role string `json:"role"`
}

// ListByRole asks for every live connection id registered with Role.
type ListByRole struct {
	Role string `json:"role"`
}

// Open requests a channel to TargetID.
type Open struct {
	TargetID string `json:"targetId"`
}

// Send carries a payload on an open channel. Its wire type is "message".
type Send struct {
	ChannelID string  `json:"channelId"`
	Payload   Payload `json:"payload"`
}

// Close closes an open channel.
type Close struct {
	ChannelID string `json:"channelId"`
}

func (Register) MessageType() string   { return TypeRegister }
func (ListByRole) MessageType() string { return TypeListByRole }
func (Open) MessageType() string       { return TypeOpen }
func (Send) MessageType() string       { return TypeMessage }
func (Close) MessageType() string      { return TypeClose }

func (Register) clientMessage()   {}
func (ListByRole) clientMessage() {}
func (Open) clientMessage()       {}
func (Send) clientMessage()       {}
func (Close) clientMessage()      {}

// Registered answers Register.
type Registered struct {
	ConnectionID string `json:"connectionId"`
}

// Connections answers ListByRole. IDs is never encoded as null.
type Connections struct {
	IDs []string `json:"ids"`
}

// ChannelOpened answers Open for the opener.
type ChannelOpened struct {
	ChannelID string `json:"channelId"`
}

// IncomingChannel notifies the target of Open that a channel now exists.
type IncomingChannel struct {
	From      string `json:"from"`
	ChannelID string `json:"channelId"`
}

// ChannelMessage forwards a Send payload to the other endpoint.
type ChannelMessage struct {
	ChannelID string  `json:"channelId"`
	Payload   Payload `json:"payload"`
}

// ChannelClosed tells an endpoint its channel is gone.
// Its wire type is "channel_closed_notification".
type ChannelClosed struct {
	ChannelID string `json:"channelId"`
}

// Success is the generic acknowledgement for Send and Close.
type Success struct{}

// payloadFields is the wire form of Send and ChannelMessage. A payload the
// sender left out stays out; an explicit null is kept.
type payloadFields struct {
	ChannelID string   `json:"channelId"`
	Payload   *Payload `json:"payload,omitempty"`
}

func marshalPayloadFields(channelID string, p Payload) ([]byte, error) {
	f := payloadFields{ChannelID: channelID}
	if !p.IsZero() {
		f.Payload = &p
	}
	return json.Marshal(f)
}

func (m Send) MarshalJSON() ([]byte, error) {
	return marshalPayloadFields(m.ChannelID, m.Payload)
}

func (m ChannelMessage) MarshalJSON() ([]byte, error) {
	return marshalPayloadFields(m.ChannelID, m.Payload)
}

// ErrorReply reports a failed request. Its wire type is "error".
type ErrorReply struct {
	Message string `json:"error"`
}

func (Registered) MessageType() string      { return TypeRegistered }
func (Connections) MessageType() string     { return TypeConnections }
func (ChannelOpened) MessageType() string   { return TypeChannelOpened }
func (IncomingChannel) MessageType() string { return TypeIncomingChannel }
func (ChannelMessage) MessageType() string  { return TypeChannelMessage }
func (ChannelClosed) MessageType() string   { return TypeChannelClosedNotification }
func (Success) MessageType() string         { return TypeSuccess }
func (ErrorReply) MessageType() string      { return TypeError }

func (Registered) brokerMessage()      {}
func (Connections) brokerMessage()     {}
func (ChannelOpened) brokerMessage()   {}
func (IncomingChannel) brokerMessage() {}
func (ChannelMessage) brokerMessage()  {}
func (ChannelClosed) brokerMessage()   {}
func (Success) brokerMessage()         {}
func (ErrorReply) brokerMessage()      {}

// Err returns the sentinel matching the reported text, or a plain error
// carrying it when the text is not one the broker is known to send.
func (e ErrorReply) Err() error {
	if err := ErrorFromWire(e.Message); err != nil {
		return err
	}
	return &RemoteError{Message: e.Message}
}
