// connbroker.go
package connbroker

import (
	"github.com/yusitnikov/websocket-mcp/pkg/broker"
	"github.com/yusitnikov/websocket-mcp/pkg/client"
	"github.com/yusitnikov/websocket-mcp/pkg/events"
	"github.com/yusitnikov/websocket-mcp/pkg/protocol"
	"github.com/yusitnikov/websocket-mcp/pkg/server"
)

// Re-export core types
type (
	Broker        = broker.Broker
	BrokerOptions = broker.Options
	BrokerOption  = broker.Option
	Stats         = broker.Stats

	Client        = client.Client
	ClientOptions = client.Options
	ClientOption  = client.Option
	ClientState   = client.State
	Channel       = client.Channel
	BrokerError   = client.BrokerError
	RequestError  = client.RequestError

	Server        = server.Server
	ServerOptions = server.Options

	Payload   = protocol.Payload
	Event     = events.Event
	EventKind = events.Kind
	EventBus  = events.Bus
)

// Client states
const (
	StateDisconnected = client.StateDisconnected
	StateConnecting   = client.StateConnecting
	StateRegistering  = client.StateRegistering
	StateConnected    = client.StateConnected
	StateReconnecting = client.StateReconnectScheduled
)

// Broker-side failures a client can match with errors.Is.
var (
	ErrTargetNotFound    = protocol.ErrTargetNotFound
	ErrNotRegistered     = protocol.ErrNotRegistered
	ErrChannelNotFound   = protocol.ErrChannelNotFound
	ErrNotAuthorized     = protocol.ErrNotAuthorized
	ErrRecipientNotFound = protocol.ErrRecipientNotFound
	ErrAlreadyRegistered = protocol.ErrAlreadyRegistered
)

// Client-side failures.
var (
	ErrNotConnected        = client.ErrNotConnected
	ErrConnectionTimeout   = client.ErrConnectionTimeout
	ErrRegistrationTimeout = client.ErrRegistrationTimeout
	ErrRequestTimeout      = client.ErrRequestTimeout
	ErrDisconnected        = client.ErrDisconnected
	ErrClientClosed        = client.ErrClientClosed
)

// NewBroker creates a broker. Mount its UpgradeHandler on any http.ServeMux.
func NewBroker(opts ...broker.Option) (*broker.Broker, error) {
	return broker.New(opts...)
}

// DefaultBrokerOptions returns default options for the broker.
func DefaultBrokerOptions() broker.Options {
	return broker.DefaultOptions()
}

// NewClient creates a client that registers under role once connected.
func NewClient(url, role string, opts ...client.Option) *client.Client {
	return client.New(url, role, opts...)
}

// DefaultClientOptions returns default options for the client.
func DefaultClientOptions() client.Options {
	return client.DefaultOptions()
}

// NewServer assembles a broker with health, request logging and event
// export behind one HTTP handler.
func NewServer(opts server.Options) (*server.Server, error) {
	return server.New(opts)
}

// NewPayload encodes v as a channel message payload.
func NewPayload(v any) (protocol.Payload, error) {
	return protocol.NewPayload(v)
}
