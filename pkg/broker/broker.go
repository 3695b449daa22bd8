// Package broker implements the connection broker server: it registers
// WebSocket connections under caller-declared roles, opens channels between
// them and relays opaque channel payloads.
package broker

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/jpillora/sizestr"

	"github.com/yusitnikov/websocket-mcp/pkg/events"
	"github.com/yusitnikov/websocket-mcp/pkg/protocol"
)

const (
	defaultClientSendBuffer    = 64
	defaultWriteTimeout        = 10 * time.Second
	defaultReadLimit           = 1 << 20
	libraryDefaultPingInterval = 30 * time.Second
)

// Close reasons sent with websocket close frames.
const (
	reasonInvalidFormat = "Invalid message format"
	reasonUnknownType   = "Unknown message type"
	reasonSlowConsumer  = "send buffer full"
	reasonShutdown      = "broker shutting down"
)

type brokerConfig struct {
	logger           *slog.Logger
	acceptOptions    *websocket.AcceptOptions
	clientSendBuffer int
	writeTimeout     time.Duration
	pingInterval     time.Duration // 0 disables pings after New resolves defaults
	readLimit        int64
	events           *events.Bus
}

// channel is the broker's record of one open channel.
type channel struct {
	from string
	to   string
}

func (c channel) peer(id string) string {
	if c.from == id {
		return c.to
	}
	return c.from
}

// Stats is a point-in-time count of broker state.
type Stats struct {
	Sockets     int `json:"sockets"`
	Connections int `json:"connections"`
	Channels    int `json:"channels"`
}

// Broker routes messages between registered connections.
type Broker struct {
	config brokerConfig

	// mu guards every field below it. Message handling holds it for the
	// whole of one message, so registry changes are applied one at a time.
	mu            sync.Mutex
	sockets       map[*managedConn]struct{}
	connections   map[string]*managedConn // connectionId -> socket
	channels      map[string]channel      // channelId -> endpoints
	nextMessageID int64
	closing       bool

	wg           sync.WaitGroup
	shutdownOnce sync.Once
	shutdownChan chan struct{}
	mainCtx      context.Context
	mainCancel   context.CancelFunc
}

// New creates a Broker.
func New(opts ...Option) (*Broker, error) {
	mainCtx, mainCancel := context.WithCancel(context.Background())
	b := &Broker{
		config: brokerConfig{
			logger:           slog.Default(),
			clientSendBuffer: defaultClientSendBuffer,
			writeTimeout:     defaultWriteTimeout,
			readLimit:        defaultReadLimit,
		},
		sockets:       make(map[*managedConn]struct{}),
		connections:   make(map[string]*managedConn),
		channels:      make(map[string]channel),
		nextMessageID: 1,
		shutdownChan:  make(chan struct{}),
		mainCtx:       mainCtx,
		mainCancel:    mainCancel,
	}
	for _, opt := range opts {
		opt(b)
	}

	if b.config.pingInterval == 0 {
		b.config.pingInterval = libraryDefaultPingInterval
	} else if b.config.pingInterval < 0 {
		b.config.pingInterval = 0
	}
	if b.config.acceptOptions == nil {
		b.config.acceptOptions = &websocket.AcceptOptions{}
	}

	b.config.logger.Info("Broker: initialized",
		"pingInterval", b.config.pingInterval,
		"clientSendBuffer", b.config.clientSendBuffer,
		"readLimit", sizestr.ToString(b.config.readLimit))
	return b, nil
}

// UpgradeHandler returns an http.HandlerFunc that accepts broker WebSocket
// connections.
func (b *Broker) UpgradeHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-b.shutdownChan:
			http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
			b.config.logger.Info("Broker: rejected connection, shutting down", "remote", r.RemoteAddr)
			return
		default:
		}

		conn, err := websocket.Accept(w, r, b.config.acceptOptions)
		if err != nil {
			b.config.logger.Warn("Broker: failed to accept websocket connection", "remote", r.RemoteAddr, "error", err)
			return
		}
		conn.SetReadLimit(b.config.readLimit)

		ctx, cancel := context.WithCancel(b.mainCtx)
		mc := &managedConn{
			broker: b,
			conn:   conn,
			remote: r.RemoteAddr,
			send:   make(chan []byte, b.config.clientSendBuffer),
			ctx:    ctx,
			cancel: cancel,
			logger: b.config.logger.With("remote", r.RemoteAddr),
		}

		b.mu.Lock()
		if b.closing {
			b.mu.Unlock()
			cancel()
			conn.Close(websocket.StatusGoingAway, reasonShutdown)
			return
		}
		b.sockets[mc] = struct{}{}
		b.wg.Add(2)
		if b.config.pingInterval > 0 {
			b.wg.Add(1)
		}
		b.mu.Unlock()

		mc.logger.Debug("Broker: socket connected")

		go mc.writePump()
		if b.config.pingInterval > 0 {
			go mc.pingLoop()
		}
		go mc.readPump()
	}
}

// handle applies one decoded client message. Replies and notifications are
// queued on the affected sockets before the lock is released, so every
// socket observes broker output in the order the broker produced it.
func (b *Broker) handle(mc *managedConn, env protocol.Envelope) {
	var evs []events.Event

	b.mu.Lock()
	switch msg := env.Message.(type) {
	case protocol.Register:
		evs = b.handleRegister(mc, env.ID, msg)
	case protocol.ListByRole:
		b.handleListByRole(mc, env.ID, msg)
	case protocol.Open:
		evs = b.handleOpen(mc, env.ID, msg)
	case protocol.Send:
		evs = b.handleSend(mc, env.ID, msg)
	case protocol.Close:
		evs = b.handleClose(mc, env.ID, msg)
	default:
		// DecodeClient only yields the types above.
		mc.logger.Error("Broker: unhandled message type", "type", env.Message.MessageType())
	}
	b.mu.Unlock()

	b.publish(evs...)
}

func (b *Broker) handleRegister(mc *managedConn, reqID int64, msg protocol.Register) []events.Event {
	if mc.connID != "" {
		b.replyError(mc, reqID, protocol.ErrAlreadyRegistered)
		return nil
	}
	id := protocol.NewID()
	for b.connections[id] != nil {
		id = protocol.NewID()
	}
	mc.connID = id
	mc.role = msg.Role
	b.connections[id] = mc
	b.reply(mc, reqID, protocol.Registered{ConnectionID: id})

	mc.logger.Info("Broker: connection registered", "connectionId", id, "role", msg.Role)
	return []events.Event{{Kind: events.ConnectionRegistered, ConnectionID: id, Role: msg.Role}}
}

func (b *Broker) handleListByRole(mc *managedConn, reqID int64, msg protocol.ListByRole) {
	ids := make([]string, 0)
	for id, c := range b.connections {
		if c.role == msg.Role {
			ids = append(ids, id)
		}
	}
	b.reply(mc, reqID, protocol.Connections{IDs: ids})
}

func (b *Broker) handleOpen(mc *managedConn, reqID int64, msg protocol.Open) []events.Event {
	target, ok := b.connections[msg.TargetID]
	if !ok {
		b.replyError(mc, reqID, protocol.ErrTargetNotFound)
		return nil
	}
	if mc.connID == "" {
		b.replyError(mc, reqID, protocol.ErrNotRegistered)
		return nil
	}

	chID := protocol.NewID()
	for _, taken := b.channels[chID]; taken; _, taken = b.channels[chID] {
		chID = protocol.NewID()
	}
	b.channels[chID] = channel{from: mc.connID, to: target.connID}

	// The target learns about the channel before the opener can use it.
	b.notify(target, protocol.IncomingChannel{From: mc.connID, ChannelID: chID})
	b.reply(mc, reqID, protocol.ChannelOpened{ChannelID: chID})

	mc.logger.Info("Broker: channel opened", "channelId", chID, "from", mc.connID, "to", target.connID)
	return []events.Event{{Kind: events.ChannelOpened, ChannelID: chID, From: mc.connID, To: target.connID}}
}

// authorize runs the checks shared by Send and Close and returns the channel.
func (b *Broker) authorize(mc *managedConn, channelID string) (channel, error) {
	ch, ok := b.channels[channelID]
	if !ok {
		return channel{}, protocol.ErrChannelNotFound
	}
	if mc.connID == "" {
		return channel{}, protocol.ErrNotRegistered
	}
	if mc.connID != ch.from && mc.connID != ch.to {
		return channel{}, protocol.ErrNotAuthorized
	}
	return ch, nil
}

func (b *Broker) handleSend(mc *managedConn, reqID int64, msg protocol.Send) []events.Event {
	ch, err := b.authorize(mc, msg.ChannelID)
	if err != nil {
		b.replyError(mc, reqID, err)
		return nil
	}

	recipient, ok := b.connections[ch.peer(mc.connID)]
	if !ok {
		// Disconnect cleanup should make this unreachable. Tear the channel
		// down so the sender stops using it.
		b.replyError(mc, reqID, protocol.ErrRecipientNotFound)
		delete(b.channels, msg.ChannelID)
		b.notify(mc, protocol.ChannelClosed{ChannelID: msg.ChannelID})
		mc.logger.Warn("Broker: recipient missing, channel removed", "channelId", msg.ChannelID)
		return []events.Event{{Kind: events.ChannelClosed, ChannelID: msg.ChannelID, From: ch.from, To: ch.to, Reason: "recipient not found"}}
	}

	b.notify(recipient, protocol.ChannelMessage{ChannelID: msg.ChannelID, Payload: msg.Payload})
	b.reply(mc, reqID, protocol.Success{})

	if mc.logger.Enabled(context.Background(), slog.LevelDebug) {
		mc.logger.Debug("Broker: routed message",
			"channelId", msg.ChannelID,
			"from", mc.connID,
			"to", recipient.connID,
			"size", sizestr.ToString(int64(msg.Payload.Len())))
	}
	return nil
}

func (b *Broker) handleClose(mc *managedConn, reqID int64, msg protocol.Close) []events.Event {
	ch, err := b.authorize(mc, msg.ChannelID)
	if err != nil {
		b.replyError(mc, reqID, err)
		return nil
	}

	if other, ok := b.connections[ch.peer(mc.connID)]; ok {
		b.notify(other, protocol.ChannelClosed{ChannelID: msg.ChannelID})
	}
	b.reply(mc, reqID, protocol.Success{})
	delete(b.channels, msg.ChannelID)

	mc.logger.Info("Broker: channel closed", "channelId", msg.ChannelID, "by", mc.connID)
	return []events.Event{{Kind: events.ChannelClosed, ChannelID: msg.ChannelID, From: ch.from, To: ch.to, Reason: "closed by " + mc.connID}}
}

// removeConn forgets a socket and, if it was registered, closes every
// channel it took part in, notifying the surviving endpoint.
func (b *Broker) removeConn(mc *managedConn) {
	mc.cancel()

	var evs []events.Event
	b.mu.Lock()
	if _, ok := b.sockets[mc]; !ok {
		b.mu.Unlock()
		return
	}
	delete(b.sockets, mc)

	id := mc.connID
	if id != "" {
		delete(b.connections, id)
		evs = append(evs, events.Event{Kind: events.ConnectionClosed, ConnectionID: id, Role: mc.role})
		for chID, ch := range b.channels {
			if ch.from != id && ch.to != id {
				continue
			}
			if other, ok := b.connections[ch.peer(id)]; ok {
				b.notify(other, protocol.ChannelClosed{ChannelID: chID})
			}
			delete(b.channels, chID)
			evs = append(evs, events.Event{Kind: events.ChannelClosed, ChannelID: chID, From: ch.from, To: ch.to, Reason: "disconnect"})
		}
	}
	b.mu.Unlock()

	if id != "" {
		mc.logger.Info("Broker: connection closed", "connectionId", id, "closedChannels", len(evs)-1)
	} else {
		mc.logger.Debug("Broker: unregistered socket closed")
	}
	b.publish(evs...)
}

// nextID must be called with b.mu held.
func (b *Broker) nextID() int64 {
	id := b.nextMessageID
	b.nextMessageID++
	return id
}

// reply and notify must be called with b.mu held.
func (b *Broker) reply(mc *managedConn, replyTo int64, msg protocol.BrokerMessage) {
	b.emit(mc, replyTo, msg)
}

func (b *Broker) notify(mc *managedConn, msg protocol.BrokerMessage) {
	b.emit(mc, 0, msg)
}

func (b *Broker) replyError(mc *managedConn, replyTo int64, err error) {
	mc.logger.Debug("Broker: request failed", "replyTo", replyTo, "error", err)
	b.emit(mc, replyTo, protocol.ErrorReply{Message: err.Error()})
}

func (b *Broker) emit(mc *managedConn, replyTo int64, msg protocol.BrokerMessage) {
	data, err := protocol.Encode(b.nextID(), replyTo, msg)
	if err != nil {
		// Only a payload that was never valid JSON can fail here, and payloads
		// arrive already parsed.
		mc.logger.Error("Broker: failed to encode message", "type", msg.MessageType(), "error", err)
		return
	}
	mc.enqueue(data)
}

func (b *Broker) publish(evs ...events.Event) {
	if b.config.events == nil {
		return
	}
	for _, ev := range evs {
		b.config.events.Publish(ev)
	}
}

// Stats returns current registry sizes.
func (b *Broker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{Sockets: len(b.sockets), Connections: len(b.connections), Channels: len(b.channels)}
}

// ConnectionRole reports the role a live connection registered with.
func (b *Broker) ConnectionRole(id string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	mc, ok := b.connections[id]
	if !ok {
		return "", false
	}
	return mc.role, true
}

// Context returns the broker's main context, cancelled once Shutdown finishes.
func (b *Broker) Context() context.Context {
	return b.mainCtx
}

// Shutdown stops accepting connections, closes every socket with a going
// away status and waits for their goroutines to exit or ctx to end.
func (b *Broker) Shutdown(ctx context.Context) error {
	var sockets []*managedConn
	b.shutdownOnce.Do(func() {
		close(b.shutdownChan)
		b.mu.Lock()
		b.closing = true
		for mc := range b.sockets {
			sockets = append(sockets, mc)
		}
		b.mu.Unlock()
		b.config.logger.Info("Broker: shutting down", "sockets", len(sockets))
	})
	for _, mc := range sockets {
		go mc.conn.Close(websocket.StatusGoingAway, reasonShutdown)
	}

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		b.mainCancel()
		b.config.logger.Info("Broker: shutdown complete")
		return nil
	case <-ctx.Done():
		b.mainCancel()
		b.config.logger.Warn("Broker: shutdown context ended before sockets closed", "error", ctx.Err())
		return errors.Join(errors.New("broker shutdown incomplete"), ctx.Err())
	}
}
