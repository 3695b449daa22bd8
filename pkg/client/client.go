// Package client is the Go SDK for the connection broker. A Client owns one
// WebSocket to the broker: it registers a role, discovers peers, opens
// channels, correlates requests with replies and, when asked to, keeps the
// connection alive with exponential backoff.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/jpillora/backoff"

	"github.com/yusitnikov/websocket-mcp/pkg/protocol"
)

// State is the client's connection state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateRegistering
	StateConnected
	StateReconnectScheduled
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateRegistering:
		return "registering"
	case StateConnected:
		return "connected"
	case StateReconnectScheduled:
		return "reconnect-scheduled"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Client is a broker client. Its methods are safe for concurrent use.
type Client struct {
	config clientConfig
	urlStr string
	role   string

	writeMu sync.Mutex // orders id assignment with the socket write

	mu             sync.Mutex
	conn           *websocket.Conn
	gen            uint64 // changes whenever conn is attached or detached
	state          State
	connID         string
	nextMessageID  int64
	pending        map[int64]*pendingRequest
	channels       map[string]*Channel
	maintain       bool
	reconnectTimer *time.Timer
	backoff        *backoff.Backoff

	onIncomingChannel func(*Channel)
	onConnected       func(connectionID string)
	onDisconnected    func(err error)

	dispatch *dispatcher
}

// New creates a Client for the broker at urlStr that will register as role.
// It does not connect; call Connect or MaintainConnection.
func New(urlStr, role string, opts ...Option) *Client {
	c := &Client{
		config:        defaultConfig(),
		urlStr:        urlStr,
		role:          role,
		nextMessageID: 1,
		pending:       make(map[int64]*pendingRequest),
		channels:      make(map[string]*Channel),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.backoff = &backoff.Backoff{
		Min:    c.config.reconnectDelayMin,
		Max:    c.config.reconnectDelayMax,
		Factor: 2,
		Jitter: false,
	}
	c.dispatch = newDispatcher(c.config.logger)
	return c
}

// ReconnectDelay is the delay before reconnect attempt n (counting from 0)
// with default settings: min(1s * 2^n, 30s).
func ReconnectDelay(attempt int) time.Duration {
	b := backoff.Backoff{Min: defaultReconnectDelayMin, Max: defaultReconnectDelayMax, Factor: 2}
	return b.ForAttempt(float64(attempt))
}

// Role returns the role the client registers with.
func (c *Client) Role() string { return c.role }

// ID returns the connection id assigned by the broker, or "" when not
// registered. It changes after every reconnect.
func (c *Client) ID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connID
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// OnIncomingChannel sets the handler for channels opened by peers. It
// replaces any previous handler; pass nil to clear it. Set the channel's
// OnMessage inside the handler to receive every message on it.
func (c *Client) OnIncomingChannel(fn func(*Channel)) {
	c.mu.Lock()
	c.onIncomingChannel = fn
	c.mu.Unlock()
}

// OnConnected sets the handler run after each successful registration.
func (c *Client) OnConnected(fn func(connectionID string)) {
	c.mu.Lock()
	c.onConnected = fn
	c.mu.Unlock()
}

// OnDisconnected sets the handler run whenever the socket goes away.
func (c *Client) OnDisconnected(fn func(err error)) {
	c.mu.Lock()
	c.onDisconnected = fn
	c.mu.Unlock()
}

// Connect opens a socket and registers, once. It does not retry.
func (c *Client) Connect(ctx context.Context) error {
	return c.connect(ctx, false)
}

// MaintainConnection connects like Connect and keeps reconnecting whenever
// the socket closes, until Disconnect is called. If the first attempt
// fails its error is returned and a retry is still scheduled. On a client
// that is already connected it only turns reconnecting on and returns nil.
// While another connect is in flight it returns ErrAlreadyConnected and
// changes nothing.
func (c *Client) MaintainConnection(ctx context.Context) error {
	c.mu.Lock()
	switch {
	case c.state == StateConnected:
		c.maintain = true
		c.mu.Unlock()
		return nil
	case c.conn != nil || c.state == StateConnecting || c.state == StateRegistering:
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.maintain = true
	c.mu.Unlock()
	return c.connect(ctx, false)
}

func (c *Client) connect(ctx context.Context, fromReconnect bool) error {
	c.mu.Lock()
	if fromReconnect && !c.maintain {
		c.mu.Unlock()
		return ErrClientClosed
	}
	if c.conn != nil || c.state == StateConnecting || c.state == StateRegistering {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	c.state = StateConnecting
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, c.config.connectTimeout)
	defer cancel()

	c.config.logger.Debug("Client: dialing broker", "url", c.urlStr, "role", c.role)
	conn, _, err := websocket.Dial(ctx, c.urlStr, c.config.dialOptions)
	if err != nil {
		c.mu.Lock()
		if c.state == StateConnecting {
			c.state = StateDisconnected
			c.scheduleReconnectLocked()
		}
		c.mu.Unlock()
		if errors.Is(err, context.DeadlineExceeded) && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return &RequestError{Message: "connection timeout", Err: ErrConnectionTimeout}
		}
		return fmt.Errorf("failed to dial broker %s: %w", c.urlStr, err)
	}
	conn.SetReadLimit(c.config.readLimit)

	c.mu.Lock()
	if c.state != StateConnecting {
		// Disconnect ran while dialing.
		c.mu.Unlock()
		conn.CloseNow()
		return ErrClientClosed
	}
	c.gen++
	gen := c.gen
	c.conn = conn
	c.state = StateRegistering
	c.mu.Unlock()

	go c.readPump(conn, gen)

	env, err := c.request(ctx, protocol.Register{Role: c.role}, c.config.registrationTimeout,
		"registration timeout", ErrRegistrationTimeout, nil)
	if err == nil {
		if _, ok := env.Message.(protocol.Registered); !ok {
			err = replyErr("register", env.Message)
		}
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = &RequestError{Message: "connection timeout", Err: ErrConnectionTimeout}
		}
		c.config.logger.Warn("Client: registration failed", "url", c.urlStr, "error", err)
		c.teardown(gen, err, false)
		conn.Close(websocket.StatusNormalClosure, "registration failed")
		return err
	}

	reg := env.Message.(protocol.Registered)
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return ErrDisconnected
	}
	c.connID = reg.ConnectionID
	c.state = StateConnected
	c.backoff.Reset()
	if cb := c.onConnected; cb != nil {
		c.dispatch.enqueue(func() { cb(reg.ConnectionID) })
	}
	c.mu.Unlock()

	c.config.logger.Info("Client: registered with broker", "connectionId", reg.ConnectionID, "role", c.role)
	return nil
}

// scheduleReconnectLocked arms the reconnect timer if reconnecting is
// enabled and no attempt is already pending. Must be called with c.mu held.
func (c *Client) scheduleReconnectLocked() {
	if !c.maintain || c.reconnectTimer != nil {
		return
	}
	attempt := c.backoff.Attempt()
	delay := c.backoff.Duration()
	c.state = StateReconnectScheduled
	c.reconnectTimer = time.AfterFunc(delay, c.reconnect)
	c.config.logger.Info("Client: reconnect scheduled", "delay", delay, "attempt", int(attempt)+1)
}

func (c *Client) reconnect() {
	c.mu.Lock()
	c.reconnectTimer = nil
	c.mu.Unlock()

	if err := c.connect(context.Background(), true); err != nil {
		c.config.logger.Warn("Client: reconnect attempt failed", "error", err)
	}
}

// teardown detaches the socket of generation gen and settles everything
// that depended on it. Every tracked channel gets its OnClosed handler.
// Explicit teardowns come from Disconnect and never arm a reconnect.
func (c *Client) teardown(gen uint64, cause error, explicit bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen || c.conn == nil {
		return
	}

	c.conn = nil
	c.gen++
	c.connID = ""
	c.state = StateDisconnected

	pending := c.pending
	c.pending = make(map[int64]*pendingRequest)
	for _, pr := range pending {
		pr.done <- result{err: ErrDisconnected}
	}

	channels := c.channels
	c.channels = make(map[string]*Channel)
	for _, ch := range channels {
		ch.closed()
	}

	if cb := c.onDisconnected; cb != nil {
		c.dispatch.enqueue(func() { cb(cause) })
	}

	c.config.logger.Info("Client: disconnected from broker",
		"cause", cause, "pendingRejected", len(pending), "channelsClosed", len(channels))

	if !explicit {
		c.scheduleReconnectLocked()
	}
}

// Disconnect closes the socket, drops all channels, rejects pending requests
// and stops reconnecting. Connect or MaintainConnection may be called again
// afterwards.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	c.maintain = false
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	conn, gen := c.conn, c.gen
	if conn == nil {
		c.state = StateDisconnected
	}
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	c.teardown(gen, ErrClientClosed, true)
	err := conn.Close(websocket.StatusNormalClosure, "client disconnect")
	if err != nil && websocket.CloseStatus(err) == -1 && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("failed to close broker socket: %w", err)
	}
	return nil
}

// ListByRole returns the ids of every live connection registered with role.
func (c *Client) ListByRole(ctx context.Context, role string) ([]string, error) {
	env, err := c.request(ctx, protocol.ListByRole{Role: role}, c.config.requestTimeout,
		"listByRole timeout", ErrRequestTimeout, nil)
	if err != nil {
		return nil, err
	}
	conns, ok := env.Message.(protocol.Connections)
	if !ok {
		return nil, replyErr("list_by_role", env.Message)
	}
	if conns.IDs == nil {
		return []string{}, nil
	}
	return conns.IDs, nil
}

// OpenChannel opens a channel to targetID.
func (c *Client) OpenChannel(ctx context.Context, targetID string) (*Channel, error) {
	var ch *Channel
	// Runs on the read loop before any later frame is handled, so the
	// channel is known by the time the peer can write to it.
	onReply := func(env protocol.Envelope) {
		if opened, ok := env.Message.(protocol.ChannelOpened); ok {
			ch = newChannel(c, opened.ChannelID, targetID)
			c.channels[opened.ChannelID] = ch
		}
	}
	env, err := c.request(ctx, protocol.Open{TargetID: targetID}, c.config.requestTimeout,
		"openChannel timeout", ErrRequestTimeout, onReply)
	if err != nil {
		return nil, err
	}
	if ch == nil {
		return nil, replyErr("open", env.Message)
	}
	c.config.logger.Debug("Client: channel opened", "channelId", ch.ID(), "peer", targetID)
	return ch, nil
}

// forgetChannel removes ch from the local table if it is still there.
func (c *Client) forgetChannel(ch *Channel) {
	c.mu.Lock()
	if c.channels[ch.id] == ch {
		delete(c.channels, ch.id)
	}
	c.mu.Unlock()
}
