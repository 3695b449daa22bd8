package broker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/coder/websocket"

	"github.com/yusitnikov/websocket-mcp/pkg/protocol"
)

// managedConn is the broker's side of one WebSocket.
type managedConn struct {
	broker *Broker
	conn   *websocket.Conn
	remote string
	send   chan []byte // encoded frames waiting for writePump
	logger *slog.Logger

	ctx    context.Context // ends when the socket is removed or the broker stops
	cancel context.CancelFunc

	// Guarded by broker.mu.
	connID string
	role   string
	killed bool
}

// readPump reads and handles frames one at a time until the socket fails.
// Handling inline keeps per-socket receive order.
func (mc *managedConn) readPump() {
	defer mc.broker.wg.Done()
	defer mc.broker.removeConn(mc)

	for {
		_, data, err := mc.conn.Read(mc.ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if errors.Is(err, context.Canceled) || status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
				mc.logger.Debug("Broker: readPump closing", "status", status)
			} else {
				mc.logger.Info("Broker: read error", "error", err, "status", status)
			}
			return
		}

		env, err := protocol.DecodeClient(data)
		if err != nil {
			reason := reasonInvalidFormat
			if errors.Is(err, protocol.ErrUnknownMessageType) {
				reason = reasonUnknownType
			}
			mc.logger.Warn("Broker: closing socket after bad message", "error", err)
			mc.conn.Close(websocket.StatusUnsupportedData, reason)
			return
		}
		mc.broker.handle(mc, env)
	}
}

// enqueue queues an encoded frame without blocking. A socket whose queue is
// full is closed; its removal then cascades like any other disconnect.
// Must be called with broker.mu held.
func (mc *managedConn) enqueue(data []byte) {
	if mc.killed {
		return
	}
	select {
	case mc.send <- data:
	default:
		mc.killed = true
		mc.logger.Warn("Broker: send buffer full, disconnecting slow client", "buffer", cap(mc.send))
		go mc.conn.Close(websocket.StatusPolicyViolation, reasonSlowConsumer)
	}
}

func (mc *managedConn) writePump() {
	defer mc.broker.wg.Done()

	for {
		select {
		case data := <-mc.send:
			writeCtx, cancel := context.WithTimeout(mc.ctx, mc.broker.config.writeTimeout)
			err := mc.conn.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				mc.logger.Info("Broker: write error, closing socket", "error", err)
				mc.conn.Close(websocket.StatusInternalError, "write error")
				return
			}
		case <-mc.ctx.Done():
			return
		}
	}
}

func (mc *managedConn) pingLoop() {
	defer mc.broker.wg.Done()

	interval := mc.broker.config.pingInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(mc.ctx, interval/2)
			err := mc.conn.Ping(pingCtx)
			cancel()
			if err != nil {
				if mc.ctx.Err() == nil {
					mc.logger.Info("Broker: ping failed, closing socket", "error", err)
					mc.conn.Close(websocket.StatusPolicyViolation, "ping failure")
				}
				return
			}
		case <-mc.ctx.Done():
			return
		}
	}
}
