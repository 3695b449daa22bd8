package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/yusitnikov/websocket-mcp/pkg/client"
)

// ClientOptions contains options for creating a test client
type ClientOptions struct {
	Logger            bool // Use the default logger
	RequestTimeout    time.Duration
	Maintain          bool // Use MaintainConnection instead of Connect
	ReconnectMinDelay time.Duration
	ReconnectMaxDelay time.Duration
	ConnectionTimeout time.Duration
}

// DefaultClientOptions returns the default options for creating a test client
func DefaultClientOptions() ClientOptions {
	return ClientOptions{
		Logger:            true,
		RequestTimeout:    2 * time.Second,
		ReconnectMinDelay: 50 * time.Millisecond,
		ReconnectMaxDelay: 500 * time.Millisecond,
		ConnectionTimeout: 2 * time.Second,
	}
}

// NewTestClient creates a client registered as role on the broker at urlStr.
func NewTestClient(t *testing.T, urlStr, role string, opts ...client.Option) *client.Client {
	t.Helper()
	return NewTestClientWithOptions(t, urlStr, role, DefaultClientOptions(), opts...)
}

// NewTestClientWithOptions creates a registered client with the specified
// options. The client is disconnected by t.Cleanup.
func NewTestClientWithOptions(t *testing.T, urlStr, role string, options ClientOptions, opts ...client.Option) *client.Client {
	t.Helper()

	clientOpts := client.DefaultOptions()
	if options.Logger {
		clientOpts.Logger = DefaultLogger
	}
	if options.RequestTimeout > 0 {
		clientOpts.RequestTimeout = options.RequestTimeout
		clientOpts.SendTimeout = options.RequestTimeout
	}
	clientOpts.ReconnectDelayMin = options.ReconnectMinDelay
	clientOpts.ReconnectDelayMax = options.ReconnectMaxDelay
	if options.ConnectionTimeout > 0 {
		clientOpts.ConnectTimeout = options.ConnectionTimeout
	}

	cli, err := client.NewWithOptions(urlStr, role, clientOpts, opts...)
	if err != nil {
		t.Fatalf("client.NewWithOptions: %v", err)
	}
	t.Cleanup(func() { cli.Disconnect() })

	ctx, cancel := context.WithTimeout(context.Background(), options.ConnectionTimeout+time.Second)
	defer cancel()
	if options.Maintain {
		err = cli.MaintainConnection(ctx)
	} else {
		err = cli.Connect(ctx)
	}
	if err != nil {
		t.Fatalf("client %q failed to connect to %s: %v", role, urlStr, err)
	}
	return cli
}
