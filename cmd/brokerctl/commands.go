package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/jpillora/sizestr"

	"github.com/yusitnikov/websocket-mcp/pkg/client"
	"github.com/yusitnikov/websocket-mcp/pkg/protocol"
)

// ctlRole is the role brokerctl registers under for one-shot commands.
const ctlRole = "brokerctl"

func listRole(ctx context.Context, c *client.Client, role string, w io.Writer) error {
	ids, err := c.ListByRole(ctx, role)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		fmt.Fprintf(w, "no connections with role %q\n", role)
		return nil
	}
	for _, id := range ids {
		fmt.Fprintln(w, id)
	}
	return nil
}

type pingConfig struct {
	role    string
	count   int
	padding int
	timeout time.Duration
}

type pingMessage struct {
	Seq     int    `json:"ping"`
	Padding string `json:"padding,omitempty"`
}

// pingResult summarizes the round trips to one peer.
type pingResult struct {
	peer     string
	received int
	total    time.Duration
	bytes    int64
	err      error
}

func (r pingResult) String() string {
	if r.err != nil && r.received == 0 {
		return fmt.Sprintf("%s  error: %v", r.peer, r.err)
	}
	avg := r.total / time.Duration(max(r.received, 1))
	line := fmt.Sprintf("%s  %d replies  avg %s  %s echoed", r.peer, r.received,
		avg.Round(time.Microsecond), sizestr.ToString(r.bytes))
	if r.err != nil {
		line += fmt.Sprintf("  (stopped: %v)", r.err)
	}
	return line
}

func pingRole(ctx context.Context, c *client.Client, cfg pingConfig, w io.Writer) error {
	ids, err := c.ListByRole(ctx, cfg.role)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return fmt.Errorf("no connections with role %q", cfg.role)
	}

	results := make([]pingResult, len(ids))
	var wg sync.WaitGroup
	for i, id := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = pingPeer(ctx, c, id, cfg)
		}()
	}
	wg.Wait()

	failed := 0
	for _, r := range results {
		fmt.Fprintln(w, r)
		if r.received == 0 {
			failed++
		}
	}
	if failed == len(results) {
		return errors.New("no peer replied")
	}
	return nil
}

func pingPeer(ctx context.Context, c *client.Client, peer string, cfg pingConfig) pingResult {
	res := pingResult{peer: peer}
	ch, err := c.OpenChannel(ctx, peer)
	if err != nil {
		res.err = err
		return res
	}
	defer ch.Close()

	replies := make(chan protocol.Payload, 1)
	closed := make(chan struct{})
	ch.OnMessage(func(p protocol.Payload) {
		select {
		case replies <- p:
		default:
		}
	})
	ch.OnClosed(func() { close(closed) })

	padding := strings.Repeat("x", cfg.padding)
	for seq := 1; seq <= cfg.count; seq++ {
		start := time.Now()
		if err := ch.SendJSON(ctx, pingMessage{Seq: seq, Padding: padding}); err != nil {
			res.err = err
			return res
		}
		timer := time.NewTimer(cfg.timeout)
		select {
		case p := <-replies:
			timer.Stop()
			var echoed pingMessage
			if err := p.Decode(&echoed); err != nil || echoed.Seq != seq {
				res.err = fmt.Errorf("unexpected reply %s", p)
				return res
			}
			res.received++
			res.total += time.Since(start)
			res.bytes += int64(p.Len())
		case <-closed:
			timer.Stop()
			res.err = errors.New("channel closed by peer")
			return res
		case <-timer.C:
			res.err = errors.New("no reply")
			return res
		case <-ctx.Done():
			timer.Stop()
			res.err = ctx.Err()
			return res
		}
	}
	return res
}

// installEcho makes c send every message received on an incoming channel
// back on the same channel.
func installEcho(ctx context.Context, c *client.Client, timeout time.Duration, w io.Writer) {
	var mu sync.Mutex
	logf := func(format string, args ...any) {
		mu.Lock()
		defer mu.Unlock()
		fmt.Fprintf(w, format+"\n", args...)
	}

	c.OnIncomingChannel(func(ch *client.Channel) {
		logf("channel %s opened by %s", ch.ID(), ch.PeerID())
		ch.OnMessage(func(p protocol.Payload) {
			sendCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			if err := ch.Send(sendCtx, p); err != nil {
				logf("channel %s: echo failed: %v", ch.ID(), err)
			}
		})
		ch.OnClosed(func() { logf("channel %s closed", ch.ID()) })
	})
	c.OnDisconnected(func(err error) { logf("disconnected: %v", err) })
	c.OnConnected(func(id string) { logf("connected as %s (role %s)", id, c.Role()) })
}
