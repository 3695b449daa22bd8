package testutil

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/yusitnikov/websocket-mcp/pkg/protocol"
)

// RawConn is a protocol-level WebSocket peer. It speaks to a real broker as
// a hand-driven client (DialRaw) or plays the broker for a client under test
// (MockBroker).
type RawConn struct {
	T    *testing.T
	Conn *websocket.Conn

	frames chan []byte

	mu     sync.Mutex
	err    error
	nextID int64
}

func newRawConn(t *testing.T, conn *websocket.Conn) *RawConn {
	rc := &RawConn{T: t, Conn: conn, frames: make(chan []byte, 256), nextID: 1}
	go rc.readLoop()
	return rc
}

// DialRaw opens a WebSocket to url without registering.
func DialRaw(t *testing.T, url string) *RawConn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("DialRaw %s: %v", url, err)
	}
	rc := newRawConn(t, conn)
	t.Cleanup(func() { conn.CloseNow() })
	return rc
}

func (rc *RawConn) readLoop() {
	defer close(rc.frames)
	for {
		_, data, err := rc.Conn.Read(context.Background())
		if err != nil {
			rc.mu.Lock()
			rc.err = err
			rc.mu.Unlock()
			return
		}
		rc.frames <- data
	}
}

// Err returns the error that ended the read loop, if it has ended.
func (rc *RawConn) Err() error {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.err
}

// WriteText writes a raw text frame.
func (rc *RawConn) WriteText(s string) {
	rc.T.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rc.Conn.Write(ctx, websocket.MessageText, []byte(s)); err != nil {
		rc.T.Fatalf("RawConn write: %v", err)
	}
}

// Send writes msg with the next local id and returns that id.
func (rc *RawConn) Send(msg protocol.Message) int64 {
	rc.T.Helper()
	return rc.Reply(0, msg)
}

// Reply writes msg as an answer to replyTo and returns the id it used.
func (rc *RawConn) Reply(replyTo int64, msg protocol.Message) int64 {
	rc.T.Helper()
	rc.mu.Lock()
	id := rc.nextID
	rc.nextID++
	rc.mu.Unlock()

	data, err := protocol.Encode(id, replyTo, msg)
	if err != nil {
		rc.T.Fatalf("RawConn encode %s: %v", msg.MessageType(), err)
	}
	rc.WriteText(string(data))
	return id
}

// Next returns the next frame or fails the test after timeout.
func (rc *RawConn) Next(timeout time.Duration) []byte {
	rc.T.Helper()
	select {
	case data, ok := <-rc.frames:
		if !ok {
			rc.T.Fatalf("RawConn closed while waiting for a frame: %v", rc.Err())
		}
		return data
	case <-time.After(timeout):
		rc.T.Fatalf("RawConn: no frame within %v", timeout)
	}
	return nil
}

// NextBroker decodes the next frame as a broker message.
func (rc *RawConn) NextBroker(timeout time.Duration) protocol.Envelope {
	rc.T.Helper()
	data := rc.Next(timeout)
	env, err := protocol.DecodeBroker(data)
	if err != nil {
		rc.T.Fatalf("RawConn decode %s: %v", data, err)
	}
	return env
}

// NextClient decodes the next frame as a client message.
func (rc *RawConn) NextClient(timeout time.Duration) protocol.Envelope {
	rc.T.Helper()
	data := rc.Next(timeout)
	env, err := protocol.DecodeClient(data)
	if err != nil {
		rc.T.Fatalf("RawConn decode %s: %v", data, err)
	}
	return env
}

// ExpectNone fails the test if a frame arrives within d.
func (rc *RawConn) ExpectNone(d time.Duration) {
	rc.T.Helper()
	select {
	case data, ok := <-rc.frames:
		if ok {
			rc.T.Fatalf("RawConn: unexpected frame %s", data)
		}
	case <-time.After(d):
	}
}

// WaitClosed drains frames until the peer closes and returns the close status.
func (rc *RawConn) WaitClosed(timeout time.Duration) websocket.StatusCode {
	rc.T.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case _, ok := <-rc.frames:
			if !ok {
				return websocket.CloseStatus(rc.Err())
			}
		case <-deadline:
			rc.T.Fatalf("RawConn: still open after %v", timeout)
			return -1
		}
	}
}

// Register registers role and returns the assigned connection id.
func (rc *RawConn) Register(role string) string {
	rc.T.Helper()
	id := rc.Send(protocol.Register{Role: role})
	env := rc.NextBroker(2 * time.Second)
	reg, ok := env.Message.(protocol.Registered)
	if !ok || env.ReplyTo != id {
		rc.T.Fatalf("RawConn: expected registered reply to %d, got %#v (replyTo %d)", id, env.Message, env.ReplyTo)
	}
	return reg.ConnectionID
}

// Close closes the socket immediately.
func (rc *RawConn) Close() {
	rc.Conn.CloseNow()
}

// MockBroker is an httptest server that hands every accepted socket to the
// test as a RawConn.
type MockBroker struct {
	T      *testing.T
	Server *httptest.Server
	WSURL  string

	conns chan *RawConn

	mu  sync.Mutex
	all []*RawConn
}

// NewMockBroker starts a MockBroker that is closed by t.Cleanup.
func NewMockBroker(t *testing.T) *MockBroker {
	t.Helper()
	mb := &MockBroker{T: t, conns: make(chan *RawConn, 16)}
	mb.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Logf("MockBroker: accept error: %v", err)
			return
		}
		rc := newRawConn(t, conn)
		// Reply ids from a mock broker start well away from client ids.
		rc.nextID = 1000
		mb.mu.Lock()
		mb.all = append(mb.all, rc)
		mb.mu.Unlock()
		mb.conns <- rc
	}))
	mb.WSURL = "ws" + strings.TrimPrefix(mb.Server.URL, "http")
	t.Cleanup(mb.Close)
	return mb
}

// Accept returns the next socket a client opened.
func (mb *MockBroker) Accept(timeout time.Duration) *RawConn {
	mb.T.Helper()
	select {
	case rc := <-mb.conns:
		return rc
	case <-time.After(timeout):
		mb.T.Fatalf("MockBroker: no connection within %v", timeout)
	}
	return nil
}

// AcceptRegistered accepts a socket, answers its register request with
// connID and returns the socket.
func (mb *MockBroker) AcceptRegistered(connID string, timeout time.Duration) *RawConn {
	mb.T.Helper()
	rc := mb.Accept(timeout)
	env := rc.NextClient(timeout)
	if _, ok := env.Message.(protocol.Register); !ok {
		mb.T.Fatalf("MockBroker: expected register, got %s", env.Message.MessageType())
	}
	rc.Reply(env.ID, protocol.Registered{ConnectionID: connID})
	return rc
}

// Close shuts the server and every open socket down.
func (mb *MockBroker) Close() {
	mb.mu.Lock()
	for _, rc := range mb.all {
		rc.Close()
	}
	mb.mu.Unlock()
	mb.Server.Close()
}
