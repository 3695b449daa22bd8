package client

import (
	"context"
	"fmt"
	"sync"

	"github.com/yusitnikov/websocket-mcp/pkg/protocol"
)

// Channel is one end of a broker channel.
type Channel struct {
	client *Client
	id     string
	peerID string

	mu        sync.Mutex
	onMessage func(protocol.Payload)
	onClosed  func()
}

func newChannel(c *Client, id, peerID string) *Channel {
	return &Channel{client: c, id: id, peerID: peerID}
}

// ID returns the broker-assigned channel id.
func (ch *Channel) ID() string { return ch.id }

// PeerID returns the connection id of the other endpoint.
func (ch *Channel) PeerID() string { return ch.peerID }

// OnMessage sets the handler for payloads from the peer. Messages that
// arrive while no handler is set are dropped.
func (ch *Channel) OnMessage(fn func(protocol.Payload)) {
	ch.mu.Lock()
	ch.onMessage = fn
	ch.mu.Unlock()
}

// OnClosed sets the handler run once when the peer or the broker closes the
// channel, or the connection is lost. It is not run by Close.
func (ch *Channel) OnClosed(fn func()) {
	ch.mu.Lock()
	ch.onClosed = fn
	ch.mu.Unlock()
}

// Send delivers payload to the peer and waits for the broker to
// acknowledge it.
func (ch *Channel) Send(ctx context.Context, payload protocol.Payload) error {
	env, err := ch.client.request(ctx, protocol.Send{ChannelID: ch.id, Payload: payload},
		ch.client.config.sendTimeout, "send timeout", ErrRequestTimeout, nil)
	if err != nil {
		return err
	}
	if _, ok := env.Message.(protocol.Success); ok {
		return nil
	}
	return replyErr("message", env.Message)
}

// SendJSON marshals v and sends it.
func (ch *Channel) SendJSON(ctx context.Context, v any) error {
	payload, err := protocol.NewPayload(v)
	if err != nil {
		return fmt.Errorf("failed to encode payload: %w", err)
	}
	return ch.Send(ctx, payload)
}

// Close forgets the channel locally and asks the broker to close it. It
// does not wait for the acknowledgement.
func (ch *Channel) Close() error {
	ch.client.forgetChannel(ch)
	if _, err := ch.client.Send(protocol.Close{ChannelID: ch.id}); err != nil {
		return err
	}
	return nil
}

func (ch *Channel) deliver(payload protocol.Payload) {
	ch.mu.Lock()
	fn := ch.onMessage
	ch.mu.Unlock()
	if fn == nil {
		ch.client.config.logger.Debug("Client: message on channel with no handler", "channelId", ch.id)
		return
	}
	fn(payload)
}

// closed queues the OnClosed handler. Called with client.mu held.
func (ch *Channel) closed() {
	ch.client.dispatch.enqueue(func() {
		ch.mu.Lock()
		fn := ch.onClosed
		ch.mu.Unlock()
		if fn != nil {
			fn()
		}
	})
}
