package client

import (
	"errors"
	"log/slog"
	"time"

	"github.com/coder/websocket"
)

const (
	defaultConnectTimeout      = 10 * time.Second
	defaultRegistrationTimeout = 5 * time.Second
	defaultRequestTimeout      = 5 * time.Second
	defaultSendTimeout         = 5 * time.Second
	defaultWriteTimeout        = 5 * time.Second
	defaultReconnectDelayMin   = 1 * time.Second
	defaultReconnectDelayMax   = 30 * time.Second
	defaultReadLimit           = 1 << 20
)

type clientConfig struct {
	logger              *slog.Logger
	dialOptions         *websocket.DialOptions
	connectTimeout      time.Duration // caps dial plus registration
	registrationTimeout time.Duration
	requestTimeout      time.Duration // ListByRole and OpenChannel
	sendTimeout         time.Duration // Channel.Send
	writeTimeout        time.Duration
	reconnectDelayMin   time.Duration
	reconnectDelayMax   time.Duration
	readLimit           int64
}

func defaultConfig() clientConfig {
	return clientConfig{
		logger:              slog.Default(),
		connectTimeout:      defaultConnectTimeout,
		registrationTimeout: defaultRegistrationTimeout,
		requestTimeout:      defaultRequestTimeout,
		sendTimeout:         defaultSendTimeout,
		writeTimeout:        defaultWriteTimeout,
		reconnectDelayMin:   defaultReconnectDelayMin,
		reconnectDelayMax:   defaultReconnectDelayMax,
		readLimit:           defaultReadLimit,
	}
}

// Option configures the Client.
type Option func(*Client)

// WithLogger sets a custom logging implementation.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.config.logger = logger
		}
	}
}

// WithDialOptions sets custom websocket.DialOptions.
func WithDialOptions(opts *websocket.DialOptions) Option {
	return func(c *Client) {
		c.config.dialOptions = opts
	}
}

// WithConnectTimeout caps one connection attempt, dial and registration
// together.
func WithConnectTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 {
			c.config.connectTimeout = timeout
		}
	}
}

// WithRegistrationTimeout bounds the wait for the register reply.
func WithRegistrationTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 {
			c.config.registrationTimeout = timeout
		}
	}
}

// WithRequestTimeout bounds ListByRole and OpenChannel.
func WithRequestTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 {
			c.config.requestTimeout = timeout
		}
	}
}

// WithSendTimeout bounds Channel.Send.
func WithSendTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 {
			c.config.sendTimeout = timeout
		}
	}
}

// WithWriteTimeout bounds a single socket write.
func WithWriteTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 {
			c.config.writeTimeout = timeout
		}
	}
}

// WithReconnectDelay sets the first and the largest reconnect delay. Delays
// double on each failed attempt between the two.
func WithReconnectDelay(minDelay, maxDelay time.Duration) Option {
	return func(c *Client) {
		if minDelay > 0 {
			c.config.reconnectDelayMin = minDelay
		}
		if maxDelay > 0 {
			c.config.reconnectDelayMax = maxDelay
		}
		if c.config.reconnectDelayMax < c.config.reconnectDelayMin {
			c.config.reconnectDelayMax = c.config.reconnectDelayMin
		}
	}
}

// WithReadLimit caps the size of one inbound frame.
func WithReadLimit(limit int64) Option {
	return func(c *Client) {
		if limit > 0 {
			c.config.readLimit = limit
		}
	}
}

// Options contains configuration values for NewWithOptions.
type Options struct {
	Logger              *slog.Logger
	DialOptions         *websocket.DialOptions
	ConnectTimeout      time.Duration
	RegistrationTimeout time.Duration
	RequestTimeout      time.Duration
	SendTimeout         time.Duration
	WriteTimeout        time.Duration
	ReconnectDelayMin   time.Duration
	ReconnectDelayMax   time.Duration
	ReadLimit           int64
}

// DefaultOptions returns an Options struct populated with library defaults.
func DefaultOptions() Options {
	return Options{
		Logger:              slog.Default(),
		ConnectTimeout:      defaultConnectTimeout,
		RegistrationTimeout: defaultRegistrationTimeout,
		RequestTimeout:      defaultRequestTimeout,
		SendTimeout:         defaultSendTimeout,
		WriteTimeout:        defaultWriteTimeout,
		ReconnectDelayMin:   defaultReconnectDelayMin,
		ReconnectDelayMax:   defaultReconnectDelayMax,
		ReadLimit:           defaultReadLimit,
	}
}

// NewWithOptions creates a Client from an Options struct. Zero fields keep
// their defaults; extraOpts are applied last.
func NewWithOptions(urlStr, role string, opts Options, extraOpts ...Option) (*Client, error) {
	if err := validateOptions(opts); err != nil {
		return nil, err
	}
	optionFns := []Option{
		WithLogger(opts.Logger),
		WithDialOptions(opts.DialOptions),
		WithConnectTimeout(opts.ConnectTimeout),
		WithRegistrationTimeout(opts.RegistrationTimeout),
		WithRequestTimeout(opts.RequestTimeout),
		WithSendTimeout(opts.SendTimeout),
		WithWriteTimeout(opts.WriteTimeout),
		WithReconnectDelay(opts.ReconnectDelayMin, opts.ReconnectDelayMax),
		WithReadLimit(opts.ReadLimit),
	}
	return New(urlStr, role, append(optionFns, extraOpts...)...), nil
}

func validateOptions(opts Options) error {
	for name, d := range map[string]time.Duration{
		"ConnectTimeout":      opts.ConnectTimeout,
		"RegistrationTimeout": opts.RegistrationTimeout,
		"RequestTimeout":      opts.RequestTimeout,
		"SendTimeout":         opts.SendTimeout,
		"WriteTimeout":        opts.WriteTimeout,
		"ReconnectDelayMin":   opts.ReconnectDelayMin,
		"ReconnectDelayMax":   opts.ReconnectDelayMax,
	} {
		if d < 0 {
			return errors.New(name + " must be non-negative")
		}
	}
	if opts.ReadLimit < 0 {
		return errors.New("ReadLimit must be non-negative")
	}
	return nil
}
