package client

import (
	"log/slog"
	"sync"
)

// dispatcher runs user callbacks one at a time, in the order they were
// queued, off the read loop. A worker goroutine exists only while the queue
// is non-empty.
type dispatcher struct {
	logger *slog.Logger

	mu      sync.Mutex
	queue   []func()
	running bool
}

func newDispatcher(logger *slog.Logger) *dispatcher {
	return &dispatcher{logger: logger}
}

func (d *dispatcher) enqueue(fn func()) {
	d.mu.Lock()
	d.queue = append(d.queue, fn)
	if d.running {
		d.mu.Unlock()
		return
	}
	d.running = true
	d.mu.Unlock()
	go d.run()
}

func (d *dispatcher) run() {
	for {
		d.mu.Lock()
		if len(d.queue) == 0 {
			d.running = false
			d.mu.Unlock()
			return
		}
		fn := d.queue[0]
		d.queue[0] = nil
		d.queue = d.queue[1:]
		d.mu.Unlock()

		d.call(fn)
	}
}

func (d *dispatcher) call(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Client: callback panicked", "panic", r)
		}
	}()
	fn()
}
