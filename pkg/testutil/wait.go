package testutil

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/yusitnikov/websocket-mcp/pkg/broker"
)

// WaitForStats waits until the broker's counters satisfy cond.
func WaitForStats(t *testing.T, b *broker.Broker, timeout time.Duration, cond func(broker.Stats) bool) error {
	t.Helper()
	var last broker.Stats
	err := WaitFor(t, "broker stats", timeout, func() bool {
		last = b.Stats()
		return cond(last)
	})
	if err != nil {
		return fmt.Errorf("%w (last stats: %+v)", err, last)
	}
	return nil
}

// WaitForConnections waits until exactly n connections are registered.
func WaitForConnections(t *testing.T, b *broker.Broker, n int, timeout time.Duration) error {
	t.Helper()
	return WaitForStats(t, b, timeout, func(s broker.Stats) bool { return s.Connections == n })
}

// WaitFor is a generic utility to wait for a condition to be true.
// It returns nil if the condition becomes true within the timeout.
// It returns an error if the condition does not become true within the timeout.
func WaitFor(t *testing.T, description string, timeout time.Duration, condition func() bool) error {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return nil
		}
		time.Sleep(10 * time.Millisecond)
	}
	return fmt.Errorf("condition '%s' not met within %v", description, timeout)
}

// WaitForWithContext is WaitFor bounded by ctx instead of a timeout.
func WaitForWithContext(ctx context.Context, t *testing.T, description string, condition func() bool) error {
	t.Helper()
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		if condition() {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("context canceled while waiting for condition '%s': %v", description, ctx.Err())
		case <-ticker.C:
		}
	}
}
