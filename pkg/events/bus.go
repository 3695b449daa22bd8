// Package events carries broker lifecycle events (registrations, channel
// opens and closes, disconnects) to in-process subscribers.
package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cskr/pubsub"
)

// Kind names an event and doubles as its pubsub topic.
type Kind string

const (
	ConnectionRegistered Kind = "connection.registered"
	ConnectionClosed     Kind = "connection.closed"
	ChannelOpened        Kind = "channel.opened"
	ChannelClosed        Kind = "channel.closed"
)

// AllKinds lists every kind the broker emits.
var AllKinds = []Kind{ConnectionRegistered, ConnectionClosed, ChannelOpened, ChannelClosed}

// Event describes one change in broker state. Fields that do not apply to a
// kind are left empty.
type Event struct {
	Kind         Kind      `json:"kind"`
	ConnectionID string    `json:"connectionId,omitempty"`
	Role         string    `json:"role,omitempty"`
	ChannelID    string    `json:"channelId,omitempty"`
	From         string    `json:"from,omitempty"`
	To           string    `json:"to,omitempty"`
	Reason       string    `json:"reason,omitempty"`
	Time         time.Time `json:"time"`
}

const defaultCapacity = 64

// Bus fans events out to subscribers. Publish blocks only while a
// subscriber's buffer is full.
type Bus struct {
	ps     *pubsub.PubSub
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
}

// NewBus creates a Bus whose subscriber channels hold capacity events.
func NewBus(capacity int, logger *slog.Logger) *Bus {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{ps: pubsub.New(capacity), logger: logger}
}

// Publish delivers ev to every subscriber of ev.Kind. It is a no-op after
// Shutdown.
func (b *Bus) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	b.ps.Pub(ev, string(ev.Kind))
}

// Subscribe calls fn for each event of the given kinds (all kinds when none
// are given) until ctx is cancelled or the bus shuts down. fn runs on a single
// goroutine per subscription, in publish order.
func (b *Bus) Subscribe(ctx context.Context, fn func(Event), kinds ...Kind) {
	if len(kinds) == 0 {
		kinds = AllKinds
	}
	topics := make([]string, len(kinds))
	for i, k := range kinds {
		topics[i] = string(k)
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	ch := b.ps.Sub(topics...)
	b.mu.RUnlock()

	go func() {
		for {
			select {
			case <-ctx.Done():
				// Unsub must not run on the draining goroutine.
				go b.unsub(ch, topics)
				for range ch {
				}
				return
			case msg, ok := <-ch:
				if !ok {
					b.logger.Debug("events: subscription closed", "topics", topics)
					return
				}
				if ev, isEvent := msg.(Event); isEvent {
					fn(ev)
				}
			}
		}
	}()
}

func (b *Bus) unsub(ch chan interface{}, topics []string) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	b.ps.Unsub(ch, topics...)
}

// Shutdown closes every subscription. Later Publish calls are dropped.
func (b *Bus) Shutdown() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	b.ps.Shutdown()
}
