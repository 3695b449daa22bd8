package broker

import (
	"errors"
	"log/slog"
	"time"

	"github.com/coder/websocket"

	"github.com/yusitnikov/websocket-mcp/pkg/events"
)

// Option configures the Broker.
type Option func(*Broker)

// WithLogger sets a custom logging implementation.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Broker) {
		if logger != nil {
			b.config.logger = logger
		}
	}
}

// WithAcceptOptions provides custom websocket.AcceptOptions.
func WithAcceptOptions(opts *websocket.AcceptOptions) Option {
	return func(b *Broker) {
		b.config.acceptOptions = opts
	}
}

// WithClientSendBuffer sets how many outgoing frames may queue per socket
// before the socket is treated as a slow consumer and closed.
func WithClientSendBuffer(size int) Option {
	return func(b *Broker) {
		if size > 0 {
			b.config.clientSendBuffer = size
		}
	}
}

// WithPingInterval sets the server-initiated ping interval.
// interval < 0: Disables server pings.
// interval == 0: Uses the library's default ping interval (30s).
// interval > 0: Uses the specified interval.
func WithPingInterval(interval time.Duration) Option {
	return func(b *Broker) {
		b.config.pingInterval = interval
	}
}

// WithWriteTimeout sets the write timeout for sending frames to clients.
func WithWriteTimeout(timeout time.Duration) Option {
	return func(b *Broker) {
		if timeout > 0 {
			b.config.writeTimeout = timeout
		}
	}
}

// WithReadLimit caps the size of one inbound frame in bytes.
func WithReadLimit(limit int64) Option {
	return func(b *Broker) {
		if limit > 0 {
			b.config.readLimit = limit
		}
	}
}

// WithEventBus publishes lifecycle events to bus.
func WithEventBus(bus *events.Bus) Option {
	return func(b *Broker) {
		b.config.events = bus
	}
}

// Options contains configuration values for creating a Broker using NewWithOptions.
// All fields have reasonable defaults provided by DefaultOptions().
type Options struct {
	// Logger for structured logging. Defaults to slog.Default().
	Logger *slog.Logger

	// AcceptOptions configures the WebSocket accept behavior.
	// Defaults to &websocket.AcceptOptions{}.
	AcceptOptions *websocket.AcceptOptions

	// ClientSendBuffer is the per-socket outgoing queue length.
	// Must be non-negative. Defaults to 64.
	ClientSendBuffer int

	// WriteTimeout bounds one frame write. Defaults to 10 seconds.
	WriteTimeout time.Duration

	// PingInterval is the interval between pings.
	// Use 0 for library default (30s), negative to disable.
	PingInterval time.Duration

	// ReadLimit is the largest accepted inbound frame. Defaults to 1MiB.
	ReadLimit int64

	// Events receives lifecycle events when non-nil.
	Events *events.Bus
}

// DefaultOptions returns an Options struct populated with library defaults.
func DefaultOptions() Options {
	return Options{
		Logger:           slog.Default(),
		AcceptOptions:    &websocket.AcceptOptions{},
		ClientSendBuffer: defaultClientSendBuffer,
		WriteTimeout:     defaultWriteTimeout,
		PingInterval:     libraryDefaultPingInterval,
		ReadLimit:        defaultReadLimit,
	}
}

// NewWithOptions creates a new Broker using an Options struct.
// Additional functional options are applied after the struct and override it.
//
// Example:
//
//	opts := broker.DefaultOptions()
//	opts.Logger = myLogger
//	opts.PingInterval = 15 * time.Second
//	b, err := broker.NewWithOptions(opts)
func NewWithOptions(opts Options, extraOpts ...Option) (*Broker, error) {
	if err := validateOptions(opts); err != nil {
		return nil, err
	}

	optionFns := []Option{
		WithLogger(opts.Logger),
		WithAcceptOptions(opts.AcceptOptions),
		WithEventBus(opts.Events),
	}
	if opts.ClientSendBuffer > 0 {
		optionFns = append(optionFns, WithClientSendBuffer(opts.ClientSendBuffer))
	}
	if opts.WriteTimeout > 0 {
		optionFns = append(optionFns, WithWriteTimeout(opts.WriteTimeout))
	}
	if opts.PingInterval != 0 {
		optionFns = append(optionFns, WithPingInterval(opts.PingInterval))
	}
	if opts.ReadLimit > 0 {
		optionFns = append(optionFns, WithReadLimit(opts.ReadLimit))
	}
	optionFns = append(optionFns, extraOpts...)

	return New(optionFns...)
}

func validateOptions(opts Options) error {
	if opts.ClientSendBuffer < 0 {
		return errors.New("ClientSendBuffer must be non-negative")
	}
	if opts.WriteTimeout < 0 {
		return errors.New("WriteTimeout must be non-negative")
	}
	if opts.ReadLimit < 0 {
		return errors.New("ReadLimit must be non-negative")
	}
	return nil
}
