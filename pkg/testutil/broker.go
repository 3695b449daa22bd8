// Package testutil provides common test utilities for the connection broker
// and its client.
package testutil

import (
	"context"
	"log/slog"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/yusitnikov/websocket-mcp/pkg/broker"
	"github.com/yusitnikov/websocket-mcp/pkg/events"
)

var (
	// Default logger for tests
	defaultSlogHandler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level:     slog.LevelDebug,
		AddSource: true,
	})
	DefaultLogger = slog.New(defaultSlogHandler)
)

// BrokerServer combines a broker, its event bus and its HTTP server.
type BrokerServer struct {
	*broker.Broker
	HTTP   *httptest.Server
	WSURL  string
	Events *events.Bus
}

// NewBrokerServer creates a broker behind an httptest.Server. The broker,
// server and bus are torn down by t.Cleanup.
func NewBrokerServer(t *testing.T, opts ...broker.Option) *BrokerServer {
	t.Helper()

	bus := events.NewBus(64, DefaultLogger)
	finalOpts := append([]broker.Option{
		broker.WithLogger(DefaultLogger),
		broker.WithEventBus(bus),
	}, opts...)
	b, err := broker.New(finalOpts...)
	if err != nil {
		t.Fatalf("broker.New: %v", err)
	}
	srv := httptest.NewServer(b.UpgradeHandler())
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		b.Shutdown(ctx)
		srv.Close()
		bus.Shutdown()
	})

	return &BrokerServer{Broker: b, HTTP: srv, WSURL: wsURL, Events: bus}
}
