package client_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yusitnikov/websocket-mcp/pkg/broker"
	"github.com/yusitnikov/websocket-mcp/pkg/client"
	"github.com/yusitnikov/websocket-mcp/pkg/protocol"
	"github.com/yusitnikov/websocket-mcp/pkg/testutil"
)

const waitTimeout = 2 * time.Second

func TestConnectRegisters(t *testing.T) {
	bs := testutil.NewBrokerServer(t)
	cli := testutil.NewTestClient(t, bs.WSURL, "worker")

	assert.NotEmpty(t, cli.ID())
	assert.Equal(t, client.StateConnected, cli.State())
	assert.Equal(t, "worker", cli.Role())
	role, ok := bs.ConnectionRole(cli.ID())
	require.True(t, ok)
	assert.Equal(t, "worker", role)

	err := cli.Connect(context.Background())
	assert.ErrorIs(t, err, client.ErrAlreadyConnected)
}

func TestListByRole(t *testing.T) {
	bs := testutil.NewBrokerServer(t)
	w1 := testutil.NewTestClient(t, bs.WSURL, "worker")
	w2 := testutil.NewTestClient(t, bs.WSURL, "worker")
	ui := testutil.NewTestClient(t, bs.WSURL, "ui")

	ids, err := ui.ListByRole(context.Background(), "worker")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{w1.ID(), w2.ID()}, ids)

	ids, err = ui.ListByRole(context.Background(), "nobody")
	require.NoError(t, err)
	assert.NotNil(t, ids)
	assert.Empty(t, ids)
}

func TestChannelRoundTrip(t *testing.T) {
	bs := testutil.NewBrokerServer(t)
	opener := testutil.NewTestClient(t, bs.WSURL, "ui")
	target := testutil.NewTestClient(t, bs.WSURL, "worker")

	type ping struct {
		Seq int `json:"seq"`
	}

	// The target echoes every payload back on the same channel.
	incoming := make(chan *client.Channel, 1)
	target.OnIncomingChannel(func(ch *client.Channel) {
		ch.OnMessage(func(p protocol.Payload) {
			ch.Send(context.Background(), p)
		})
		incoming <- ch
	})

	ch, err := opener.OpenChannel(context.Background(), target.ID())
	require.NoError(t, err)
	assert.NotEmpty(t, ch.ID())
	assert.Equal(t, target.ID(), ch.PeerID())

	var remote *client.Channel
	select {
	case remote = <-incoming:
	case <-time.After(waitTimeout):
		t.Fatal("target never saw the incoming channel")
	}
	assert.Equal(t, ch.ID(), remote.ID())
	assert.Equal(t, opener.ID(), remote.PeerID())

	echoes := make(chan ping, 3)
	ch.OnMessage(func(p protocol.Payload) {
		var got ping
		if err := p.Decode(&got); err == nil {
			echoes <- got
		}
	})

	for i := 1; i <= 3; i++ {
		require.NoError(t, ch.SendJSON(context.Background(), ping{Seq: i}))
	}
	for i := 1; i <= 3; i++ {
		select {
		case got := <-echoes:
			assert.Equal(t, i, got.Seq, "payloads arrive in send order")
		case <-time.After(waitTimeout):
			t.Fatalf("echo %d never arrived", i)
		}
	}
}

func TestOpenChannelTargetNotFound(t *testing.T) {
	bs := testutil.NewBrokerServer(t)
	cli := testutil.NewTestClient(t, bs.WSURL, "ui")

	_, err := cli.OpenChannel(context.Background(), "no-such-connection")
	require.Error(t, err)
	assert.ErrorIs(t, err, protocol.ErrTargetNotFound)
	assert.Equal(t, "target connection not found", err.Error())

	var be *client.BrokerError
	require.True(t, errors.As(err, &be))
	assert.Equal(t, 0, bs.Stats().Channels)
}

func TestPeerCloseNotifies(t *testing.T) {
	bs := testutil.NewBrokerServer(t)
	opener := testutil.NewTestClient(t, bs.WSURL, "ui")
	target := testutil.NewTestClient(t, bs.WSURL, "worker")

	incoming := make(chan *client.Channel, 1)
	target.OnIncomingChannel(func(ch *client.Channel) { incoming <- ch })

	ch, err := opener.OpenChannel(context.Background(), target.ID())
	require.NoError(t, err)
	closed := make(chan struct{})
	ch.OnClosed(func() { close(closed) })

	var remote *client.Channel
	select {
	case remote = <-incoming:
	case <-time.After(waitTimeout):
		t.Fatal("target never saw the incoming channel")
	}
	require.NoError(t, remote.Close())

	select {
	case <-closed:
	case <-time.After(waitTimeout):
		t.Fatal("opener was not told the channel closed")
	}
	require.NoError(t, testutil.WaitForStats(t, bs.Broker, waitTimeout, func(s broker.Stats) bool { return s.Channels == 0 }))

	err = ch.SendJSON(context.Background(), "late")
	assert.ErrorIs(t, err, protocol.ErrChannelNotFound)
}

func TestPeerDisconnectClosesChannels(t *testing.T) {
	bs := testutil.NewBrokerServer(t)
	opener := testutil.NewTestClient(t, bs.WSURL, "ui")
	target := testutil.NewTestClient(t, bs.WSURL, "worker")

	ch, err := opener.OpenChannel(context.Background(), target.ID())
	require.NoError(t, err)
	closed := make(chan struct{})
	ch.OnClosed(func() { close(closed) })

	require.NoError(t, target.Disconnect())

	select {
	case <-closed:
	case <-time.After(waitTimeout):
		t.Fatal("opener was not told the channel closed")
	}
	require.NoError(t, testutil.WaitForConnections(t, bs.Broker, 1, waitTimeout))

	ids, err := opener.ListByRole(context.Background(), "worker")
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestNotConnected(t *testing.T) {
	cli := client.New("ws://127.0.0.1:1/", "ui", client.WithLogger(testutil.DefaultLogger))

	_, err := cli.Send(protocol.ListByRole{Role: "x"})
	assert.ErrorIs(t, err, client.ErrNotConnected)
	_, err = cli.ListByRole(context.Background(), "x")
	assert.ErrorIs(t, err, client.ErrNotConnected)
	assert.Equal(t, client.StateDisconnected, cli.State())
	assert.Empty(t, cli.ID())
	assert.NoError(t, cli.Disconnect())
}

// connectToMock connects cli to mb and answers registration with connID.
func connectToMock(t *testing.T, mb *testutil.MockBroker, cli *client.Client, connID string) *testutil.RawConn {
	t.Helper()
	errCh := make(chan error, 1)
	go func() { errCh <- cli.Connect(context.Background()) }()
	rc := mb.AcceptRegistered(connID, waitTimeout)
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(waitTimeout):
		t.Fatal("Connect did not return")
	}
	t.Cleanup(func() { cli.Disconnect() })
	return rc
}

func TestRegistrationTimeout(t *testing.T) {
	mb := testutil.NewMockBroker(t)
	cli := client.New(mb.WSURL, "ui",
		client.WithLogger(testutil.DefaultLogger),
		client.WithRegistrationTimeout(100*time.Millisecond))
	t.Cleanup(func() { cli.Disconnect() })

	errCh := make(chan error, 1)
	go func() { errCh <- cli.Connect(context.Background()) }()
	rc := mb.Accept(waitTimeout)
	env := rc.NextClient(waitTimeout)
	_, ok := env.Message.(protocol.Register)
	require.True(t, ok)

	select {
	case err := <-errCh:
		require.Error(t, err)
		assert.Equal(t, "registration timeout", err.Error())
		assert.ErrorIs(t, err, client.ErrRegistrationTimeout)
	case <-time.After(waitTimeout):
		t.Fatal("Connect did not time out")
	}
	assert.Equal(t, client.StateDisconnected, cli.State())
	assert.Empty(t, cli.ID())
}

func TestRequestTimeout(t *testing.T) {
	mb := testutil.NewMockBroker(t)
	cli := client.New(mb.WSURL, "ui",
		client.WithLogger(testutil.DefaultLogger),
		client.WithRequestTimeout(100*time.Millisecond))
	rc := connectToMock(t, mb, cli, "conn-1")
	assert.Equal(t, "conn-1", cli.ID())

	start := time.Now()
	_, err := cli.ListByRole(context.Background(), "worker")
	require.Error(t, err)
	assert.Equal(t, "listByRole timeout", err.Error())
	assert.ErrorIs(t, err, client.ErrRequestTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)

	env := rc.NextClient(waitTimeout)
	list, ok := env.Message.(protocol.ListByRole)
	require.True(t, ok)
	assert.Equal(t, "worker", list.Role)

	// A reply after the timeout is ignored and the client keeps working.
	rc.Reply(env.ID, protocol.Connections{IDs: []string{"late"}})

	errCh := make(chan error, 1)
	var ids []string
	go func() {
		var err error
		ids, err = cli.ListByRole(context.Background(), "worker")
		errCh <- err
	}()
	env = rc.NextClient(waitTimeout)
	rc.Reply(env.ID, protocol.Connections{IDs: []string{"w1"}})
	require.NoError(t, <-errCh)
	assert.Equal(t, []string{"w1"}, ids)
}

func TestRequestContextCancelled(t *testing.T) {
	mb := testutil.NewMockBroker(t)
	cli := client.New(mb.WSURL, "ui", client.WithLogger(testutil.DefaultLogger))
	connectToMock(t, mb, cli, "conn-1")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := cli.OpenChannel(ctx, "peer")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLateChannelOpenedIsClosed(t *testing.T) {
	mb := testutil.NewMockBroker(t)
	cli := client.New(mb.WSURL, "ui",
		client.WithLogger(testutil.DefaultLogger),
		client.WithRequestTimeout(100*time.Millisecond))
	rc := connectToMock(t, mb, cli, "conn-1")

	_, err := cli.OpenChannel(context.Background(), "peer")
	require.Error(t, err)
	assert.Equal(t, "openChannel timeout", err.Error())

	env := rc.NextClient(waitTimeout)
	open, ok := env.Message.(protocol.Open)
	require.True(t, ok)
	assert.Equal(t, "peer", open.TargetID)

	rc.Reply(env.ID, protocol.ChannelOpened{ChannelID: "ch-late"})

	env = rc.NextClient(waitTimeout)
	closeMsg, ok := env.Message.(protocol.Close)
	require.True(t, ok, "expected close, got %s", env.Message.MessageType())
	assert.Equal(t, "ch-late", closeMsg.ChannelID)
}

func TestBrokerErrorMatchesCaseInsensitively(t *testing.T) {
	mb := testutil.NewMockBroker(t)
	cli := client.New(mb.WSURL, "ui", client.WithLogger(testutil.DefaultLogger))
	rc := connectToMock(t, mb, cli, "conn-1")

	errCh := make(chan error, 1)
	go func() {
		_, err := cli.OpenChannel(context.Background(), "peer")
		errCh <- err
	}()
	env := rc.NextClient(waitTimeout)
	rc.Reply(env.ID, protocol.ErrorReply{Message: "Target connection not found"})

	err := <-errCh
	assert.ErrorIs(t, err, protocol.ErrTargetNotFound)
	assert.Equal(t, "Target connection not found", err.Error())
}

func TestDisconnectRejectsPending(t *testing.T) {
	mb := testutil.NewMockBroker(t)
	cli := client.New(mb.WSURL, "ui", client.WithLogger(testutil.DefaultLogger))
	rc := connectToMock(t, mb, cli, "conn-1")

	var disconnected sync.WaitGroup
	disconnected.Add(1)
	cli.OnDisconnected(func(error) { disconnected.Done() })

	errCh := make(chan error, 1)
	go func() {
		_, err := cli.ListByRole(context.Background(), "worker")
		errCh <- err
	}()
	rc.NextClient(waitTimeout)
	rc.Close()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, client.ErrDisconnected)
	case <-time.After(waitTimeout):
		t.Fatal("pending request was not rejected")
	}
	disconnected.Wait()
	assert.Equal(t, client.StateDisconnected, cli.State())
}

func TestIncomingChannelFromMock(t *testing.T) {
	mb := testutil.NewMockBroker(t)
	cli := client.New(mb.WSURL, "worker", client.WithLogger(testutil.DefaultLogger))

	payloads := make(chan string, 2)
	closed := make(chan struct{})
	cli.OnIncomingChannel(func(ch *client.Channel) {
		assert.Equal(t, "opener", ch.PeerID())
		ch.OnMessage(func(p protocol.Payload) { payloads <- p.String() })
		ch.OnClosed(func() { close(closed) })
	})
	rc := connectToMock(t, mb, cli, "conn-1")

	rc.Send(protocol.IncomingChannel{From: "opener", ChannelID: "ch-1"})
	rc.Send(protocol.ChannelMessage{ChannelID: "ch-1", Payload: protocol.RawPayload([]byte(`{"a":1}`))})
	rc.Send(protocol.ChannelMessage{ChannelID: "unknown", Payload: protocol.RawPayload([]byte(`1`))})
	rc.Send(protocol.ChannelMessage{ChannelID: "ch-1", Payload: protocol.RawPayload([]byte(`"b"`))})
	rc.Send(protocol.ChannelClosed{ChannelID: "ch-1"})

	for _, want := range []string{`{"a":1}`, `"b"`} {
		select {
		case got := <-payloads:
			assert.JSONEq(t, want, got)
		case <-time.After(waitTimeout):
			t.Fatalf("payload %s never delivered", want)
		}
	}
	select {
	case <-closed:
	case <-time.After(waitTimeout):
		t.Fatal("OnClosed never ran")
	}
}

func TestMaintainConnectionReconnects(t *testing.T) {
	mb := testutil.NewMockBroker(t)
	cli := client.New(mb.WSURL, "worker",
		client.WithLogger(testutil.DefaultLogger),
		client.WithReconnectDelay(20*time.Millisecond, 100*time.Millisecond))
	t.Cleanup(func() { cli.Disconnect() })

	connected := make(chan string, 4)
	cli.OnConnected(func(id string) { connected <- id })

	errCh := make(chan error, 1)
	go func() { errCh <- cli.MaintainConnection(context.Background()) }()
	rc := mb.AcceptRegistered("conn-1", waitTimeout)
	require.NoError(t, <-errCh)
	assert.Equal(t, "conn-1", <-connected)

	rc.Close()
	mb.AcceptRegistered("conn-2", waitTimeout)

	select {
	case id := <-connected:
		assert.Equal(t, "conn-2", id)
	case <-time.After(waitTimeout):
		t.Fatal("client did not reconnect")
	}
	assert.Equal(t, "conn-2", cli.ID())
	assert.Equal(t, client.StateConnected, cli.State())

	require.NoError(t, cli.Disconnect())
	assert.Equal(t, client.StateDisconnected, cli.State())
}

func TestMaintainConnectionRetriesFailedDial(t *testing.T) {
	mb := testutil.NewMockBroker(t)
	url := mb.WSURL
	mb.Close()

	cli := client.New(url, "worker",
		client.WithLogger(testutil.DefaultLogger),
		client.WithConnectTimeout(200*time.Millisecond),
		client.WithReconnectDelay(time.Hour, time.Hour))

	err := cli.MaintainConnection(context.Background())
	require.Error(t, err)
	assert.Equal(t, client.StateReconnectScheduled, cli.State())

	require.NoError(t, cli.Disconnect())
	assert.Equal(t, client.StateDisconnected, cli.State())
}

// acceptAfter accepts the next socket and reports how long after since it
// arrived.
func acceptAfter(mb *testutil.MockBroker, since time.Time) (*testutil.RawConn, time.Duration) {
	rc := mb.Accept(5 * time.Second)
	return rc, time.Since(since)
}

func TestReconnectBackoffGrowsAndResets(t *testing.T) {
	const minDelay = 100 * time.Millisecond
	mb := testutil.NewMockBroker(t)
	cli := client.New(mb.WSURL, "worker",
		client.WithLogger(testutil.DefaultLogger),
		client.WithReconnectDelay(minDelay, 5*time.Second))
	t.Cleanup(func() { cli.Disconnect() })

	connected := make(chan string, 4)
	cli.OnConnected(func(id string) { connected <- id })

	errCh := make(chan error, 1)
	go func() { errCh <- cli.MaintainConnection(context.Background()) }()
	rc := mb.AcceptRegistered("conn-1", waitTimeout)
	require.NoError(t, <-errCh)
	assert.Equal(t, "conn-1", <-connected)

	// Drop, then refuse registration twice: each retry waits twice as long.
	dropped := time.Now()
	rc.Close()
	rc, gap := acceptAfter(mb, dropped)
	assert.GreaterOrEqual(t, gap, minDelay)

	for _, want := range []time.Duration{2 * minDelay, 4 * minDelay} {
		env := rc.NextClient(waitTimeout)
		_, ok := env.Message.(protocol.Register)
		require.True(t, ok, "expected register, got %s", env.Message.MessageType())
		refused := time.Now()
		rc.Reply(env.ID, protocol.ErrorReply{Message: "registration refused"})
		rc, gap = acceptAfter(mb, refused)
		assert.GreaterOrEqual(t, gap, want)
	}

	env := rc.NextClient(waitTimeout)
	rc.Reply(env.ID, protocol.Registered{ConnectionID: "conn-2"})
	select {
	case id := <-connected:
		assert.Equal(t, "conn-2", id)
	case <-time.After(waitTimeout):
		t.Fatal("client did not register after retries")
	}

	// A success resets the schedule to the minimum delay. Without the reset
	// the next wait would be 8x the minimum.
	dropped = time.Now()
	rc.Close()
	_, gap = acceptAfter(mb, dropped)
	assert.GreaterOrEqual(t, gap, minDelay)
	assert.Less(t, gap, 4*minDelay)
}

func TestDisconnectClosesOwnChannels(t *testing.T) {
	bs := testutil.NewBrokerServer(t)
	target := testutil.NewTestClient(t, bs.WSURL, "worker")

	opener := client.New(bs.WSURL, "ui",
		client.WithLogger(testutil.DefaultLogger),
		client.WithReconnectDelay(10*time.Millisecond, 10*time.Millisecond))
	require.NoError(t, opener.MaintainConnection(context.Background()))

	ch, err := opener.OpenChannel(context.Background(), target.ID())
	require.NoError(t, err)
	closed := make(chan struct{})
	ch.OnClosed(func() { close(closed) })

	require.NoError(t, opener.Disconnect())
	select {
	case <-closed:
	case <-time.After(waitTimeout):
		t.Fatal("OnClosed did not run after Disconnect")
	}

	// Disconnect stops reconnecting even though MaintainConnection armed it.
	require.NoError(t, testutil.WaitForConnections(t, bs.Broker, 1, waitTimeout))
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, client.StateDisconnected, opener.State())
	assert.Equal(t, 1, bs.Stats().Connections)
}

func TestUnknownBrokerErrorIsRemote(t *testing.T) {
	mb := testutil.NewMockBroker(t)
	cli := client.New(mb.WSURL, "ui", client.WithLogger(testutil.DefaultLogger))
	rc := connectToMock(t, mb, cli, "conn-1")

	errCh := make(chan error, 1)
	go func() {
		_, err := cli.ListByRole(context.Background(), "worker")
		errCh <- err
	}()
	env := rc.NextClient(waitTimeout)
	rc.Reply(env.ID, protocol.ErrorReply{Message: "quota exceeded"})

	err := <-errCh
	assert.EqualError(t, err, "quota exceeded")
	var be *client.BrokerError
	require.True(t, errors.As(err, &be))
	var remote *protocol.RemoteError
	require.True(t, errors.As(err, &remote))
	assert.Equal(t, "quota exceeded", remote.Message)
	assert.False(t, errors.Is(err, protocol.ErrTargetNotFound))
}

func TestMaintainConnectionOnConnectedClient(t *testing.T) {
	mb := testutil.NewMockBroker(t)
	cli := client.New(mb.WSURL, "worker",
		client.WithLogger(testutil.DefaultLogger),
		client.WithReconnectDelay(20*time.Millisecond, 100*time.Millisecond))
	rc := connectToMock(t, mb, cli, "conn-1")

	require.NoError(t, cli.MaintainConnection(context.Background()))
	assert.Equal(t, "conn-1", cli.ID())

	rc.Close()
	mb.AcceptRegistered("conn-2", waitTimeout)
	require.NoError(t, testutil.WaitFor(t, "reconnect", waitTimeout, func() bool {
		return cli.ID() == "conn-2"
	}))
}

func TestReconnectDelay(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 1 * time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 16 * time.Second},
		{5, 30 * time.Second},
		{10, 30 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, client.ReconnectDelay(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "connected", client.StateConnected.String())
	assert.Equal(t, "reconnect-scheduled", client.StateReconnectScheduled.String())
	assert.Equal(t, "State(42)", client.State(42).String())
}

func TestNewWithOptionsValidates(t *testing.T) {
	opts := client.DefaultOptions()
	opts.RequestTimeout = -time.Second
	_, err := client.NewWithOptions("ws://localhost/", "ui", opts)
	assert.Error(t, err)

	cli, err := client.NewWithOptions("ws://localhost/", "ui", client.DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, "ui", cli.Role())
}
