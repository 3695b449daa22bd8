package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/coder/websocket"

	"github.com/yusitnikov/websocket-mcp/pkg/protocol"
)

type result struct {
	env protocol.Envelope
	err error
}

// pendingRequest is a request waiting for its reply. done receives exactly
// one result from whoever removes the entry from Client.pending.
type pendingRequest struct {
	kind    string
	done    chan result
	onReply func(protocol.Envelope) // runs on the read loop with c.mu held
}

// Send writes msg with a fresh message id and returns that id. It does not
// wait for a reply.
func (c *Client) Send(msg protocol.ClientMessage) (int64, error) {
	return c.send(msg, nil)
}

func (c *Client) send(msg protocol.ClientMessage, pr *pendingRequest) (int64, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return 0, ErrNotConnected
	}
	id := c.nextMessageID
	c.nextMessageID++
	if pr != nil {
		c.pending[id] = pr
	}
	c.mu.Unlock()

	data, err := protocol.Encode(id, 0, msg)
	if err == nil {
		ctx, cancel := context.WithTimeout(context.Background(), c.config.writeTimeout)
		err = conn.Write(ctx, websocket.MessageText, data)
		cancel()
	}
	if err != nil {
		if pr != nil {
			c.takePending(id)
		}
		return 0, fmt.Errorf("failed to send %s: %w", msg.MessageType(), err)
	}
	c.config.logger.Debug("Client: sent message", "type", msg.MessageType(), "id", id)
	return id, nil
}

// takePending removes and returns the pending entry for id, or nil if it
// was already settled.
func (c *Client) takePending(id int64) *pendingRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	pr, ok := c.pending[id]
	if !ok {
		return nil
	}
	delete(c.pending, id)
	return pr
}

// SendWithResponse sends msg and waits up to timeout for the reply that
// carries its id. On timeout the error is a *RequestError whose message is
// errMsg. An error reply from the broker is returned as the envelope, not as
// an error.
func (c *Client) SendWithResponse(ctx context.Context, msg protocol.ClientMessage, timeout time.Duration, errMsg string) (protocol.Envelope, error) {
	return c.request(ctx, msg, timeout, errMsg, ErrRequestTimeout, nil)
}

func (c *Client) request(ctx context.Context, msg protocol.ClientMessage, timeout time.Duration,
	errMsg string, kind error, onReply func(protocol.Envelope)) (protocol.Envelope, error) {

	pr := &pendingRequest{
		kind:    msg.MessageType(),
		done:    make(chan result, 1),
		onReply: onReply,
	}
	id, err := c.send(msg, pr)
	if err != nil {
		return protocol.Envelope{}, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-pr.done:
		return res.env, res.err
	case <-timer.C:
		if c.takePending(id) != nil {
			c.config.logger.Debug("Client: request timed out", "type", pr.kind, "id", id, "timeout", timeout)
			return protocol.Envelope{}, &RequestError{Message: errMsg, Err: kind}
		}
	case <-ctx.Done():
		if c.takePending(id) != nil {
			return protocol.Envelope{}, ctx.Err()
		}
	}
	// Settled concurrently with the timeout; the result is already queued.
	res := <-pr.done
	return res.env, res.err
}

// readPump reads frames from conn until it fails, then tears the
// connection of generation gen down.
func (c *Client) readPump(conn *websocket.Conn, gen uint64) {
	for {
		_, data, err := conn.Read(context.Background())
		if err != nil {
			cause := ErrDisconnected
			if status := websocket.CloseStatus(err); status != -1 {
				cause = fmt.Errorf("%w: %d %s", ErrDisconnected, status, closeReason(err))
			}
			c.config.logger.Debug("Client: read loop finished", "error", err)
			c.teardown(gen, cause, false)
			conn.CloseNow()
			return
		}

		env, err := protocol.DecodeBroker(data)
		if err != nil {
			c.config.logger.Warn("Client: dropping undecodable frame", "error", err, "size", len(data))
			continue
		}
		c.dispatchEnvelope(env, gen)
	}
}

func closeReason(err error) string {
	var ce websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Reason
	}
	return ""
}

func (c *Client) dispatchEnvelope(env protocol.Envelope, gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return
	}

	if env.ReplyTo != 0 {
		pr, ok := c.pending[env.ReplyTo]
		if ok {
			delete(c.pending, env.ReplyTo)
			if pr.onReply != nil {
				pr.onReply(env)
			}
			pr.done <- result{env: env}
			return
		}
		if opened, isOpen := env.Message.(protocol.ChannelOpened); isOpen {
			// The opener gave up waiting; nobody will ever use this channel.
			c.config.logger.Debug("Client: closing channel opened after timeout", "channelId", opened.ChannelID)
			go c.Send(protocol.Close{ChannelID: opened.ChannelID})
			return
		}
		c.config.logger.Debug("Client: reply with no pending request", "type", env.Message.MessageType(), "replyTo", env.ReplyTo)
		return
	}

	switch m := env.Message.(type) {
	case protocol.IncomingChannel:
		ch := newChannel(c, m.ChannelID, m.From)
		c.channels[m.ChannelID] = ch
		if cb := c.onIncomingChannel; cb != nil {
			c.dispatch.enqueue(func() { cb(ch) })
		} else {
			c.config.logger.Debug("Client: incoming channel with no handler", "channelId", m.ChannelID, "from", m.From)
		}
	case protocol.ChannelMessage:
		ch, ok := c.channels[m.ChannelID]
		if !ok {
			c.config.logger.Debug("Client: message for unknown channel", "channelId", m.ChannelID)
			return
		}
		payload := m.Payload
		c.dispatch.enqueue(func() { ch.deliver(payload) })
	case protocol.ChannelClosed:
		ch, ok := c.channels[m.ChannelID]
		if !ok {
			return
		}
		delete(c.channels, m.ChannelID)
		ch.closed()
	default:
		c.config.logger.Debug("Client: ignoring unsolicited message", "type", env.Message.MessageType())
	}
}
