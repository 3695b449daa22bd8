package main

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yusitnikov/websocket-mcp/pkg/testutil"
)

// syncBuffer guards a bytes.Buffer written from client callbacks.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestListRole(t *testing.T) {
	bs := testutil.NewBrokerServer(t)
	w1 := testutil.NewTestClient(t, bs.WSURL, "worker")
	w2 := testutil.NewTestClient(t, bs.WSURL, "worker")
	ctl := testutil.NewTestClient(t, bs.WSURL, ctlRole)

	var out bytes.Buffer
	require.NoError(t, listRole(context.Background(), ctl, "worker", &out))
	lines := strings.Fields(out.String())
	assert.ElementsMatch(t, []string{w1.ID(), w2.ID()}, lines)

	out.Reset()
	require.NoError(t, listRole(context.Background(), ctl, "nobody", &out))
	assert.Equal(t, "no connections with role \"nobody\"\n", out.String())
}

func TestPingAgainstEcho(t *testing.T) {
	bs := testutil.NewBrokerServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	echoOut := &syncBuffer{}
	echo := testutil.NewTestClient(t, bs.WSURL, "echo")
	installEcho(ctx, echo, 2*time.Second, echoOut)
	ctl := testutil.NewTestClient(t, bs.WSURL, ctlRole)

	var out bytes.Buffer
	err := pingRole(ctx, ctl, pingConfig{role: "echo", count: 3, padding: 16, timeout: 2 * time.Second}, &out)
	require.NoError(t, err)
	assert.Contains(t, out.String(), echo.ID()+"  3 replies")
	assert.Contains(t, echoOut.String(), "opened by "+ctl.ID())
}

func TestPingWithoutEchoTimesOut(t *testing.T) {
	bs := testutil.NewBrokerServer(t)
	silent := testutil.NewTestClient(t, bs.WSURL, "silent")
	ctl := testutil.NewTestClient(t, bs.WSURL, ctlRole)

	var out bytes.Buffer
	err := pingRole(context.Background(), ctl, pingConfig{role: "silent", count: 1, timeout: 200 * time.Millisecond}, &out)
	require.Error(t, err)
	assert.Contains(t, out.String(), silent.ID()+"  error: no reply")
}

func TestPingUnknownRole(t *testing.T) {
	bs := testutil.NewBrokerServer(t)
	ctl := testutil.NewTestClient(t, bs.WSURL, ctlRole)

	err := pingRole(context.Background(), ctl, pingConfig{role: "ghost", count: 1, timeout: time.Second}, &bytes.Buffer{})
	assert.EqualError(t, err, `no connections with role "ghost"`)
}

func TestRootCommandFlags(t *testing.T) {
	cmd := newRootCmd()
	var names []string
	for _, sub := range cmd.Commands() {
		names = append(names, sub.Name())
	}
	assert.Subset(t, names, []string{"list", "ping", "echo"})

	url, err := cmd.PersistentFlags().GetString("url")
	require.NoError(t, err)
	assert.Equal(t, defaultURL, url)

	cmd.SetArgs([]string{"list"})
	cmd.SetOut(&bytes.Buffer{})
	err = cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "role")
}
