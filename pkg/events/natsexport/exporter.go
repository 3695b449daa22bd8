// Package natsexport forwards broker lifecycle events to NATS so processes
// outside the broker can observe connections and channels.
package natsexport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/yusitnikov/websocket-mcp/pkg/events"
)

// DefaultSubjectPrefix is used when Options.SubjectPrefix is empty.
const DefaultSubjectPrefix = "connbroker"

// Publisher is the subset of *nats.Conn the exporter needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Options configures an Exporter.
type Options struct {
	// URL of the NATS server. Defaults to nats.DefaultURL.
	URL string
	// SubjectPrefix is prepended to each event kind: "<prefix>.<kind>".
	SubjectPrefix string
	// Logger defaults to slog.Default().
	Logger *slog.Logger
	// ConnectionOptions are passed through to nats.Connect.
	ConnectionOptions []nats.Option
}

// Exporter publishes every event it receives as JSON.
type Exporter struct {
	pub    Publisher
	conn   *nats.Conn // nil when built around a caller-supplied Publisher
	prefix string
	logger *slog.Logger
}

// Connect dials NATS and returns an Exporter owning the connection.
func Connect(opts Options) (*Exporter, error) {
	if opts.URL == "" {
		opts.URL = nats.DefaultURL
	}
	connOpts := append([]nats.Option{
		nats.Name("connbroker-events"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
	}, opts.ConnectionOptions...)

	conn, err := nats.Connect(opts.URL, connOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", opts.URL, err)
	}
	e := New(conn, opts.SubjectPrefix, opts.Logger)
	e.conn = conn
	return e, nil
}

// New wraps an existing publisher.
func New(pub Publisher, prefix string, logger *slog.Logger) *Exporter {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Exporter{pub: pub, prefix: prefix, logger: logger}
}

// Subject returns the NATS subject for kind.
func (e *Exporter) Subject(kind events.Kind) string {
	return e.prefix + "." + string(kind)
}

// Export publishes a single event.
func (e *Exporter) Export(ev events.Event) error {
	if ev.Kind == "" {
		return errors.New("natsexport: event has no kind")
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("natsexport: failed to marshal %s event: %w", ev.Kind, err)
	}
	if err := e.pub.Publish(e.Subject(ev.Kind), data); err != nil {
		return fmt.Errorf("natsexport: failed to publish %s: %w", ev.Kind, err)
	}
	return nil
}

// Run subscribes to bus and exports events until ctx is done.
func (e *Exporter) Run(ctx context.Context, bus *events.Bus) {
	bus.Subscribe(ctx, func(ev events.Event) {
		if err := e.Export(ev); err != nil {
			e.logger.Warn("Event export failed", "kind", ev.Kind, "error", err)
		}
	})
	e.logger.Info("Exporting broker events to NATS", "prefix", e.prefix)
}

// Close flushes and closes the NATS connection if the exporter owns one.
func (e *Exporter) Close() error {
	if e.conn == nil {
		return nil
	}
	if err := e.conn.Drain(); err != nil {
		e.conn.Close()
		return fmt.Errorf("natsexport: drain: %w", err)
	}
	return nil
}
