package status

import (
	"context"
	"sync"
)

const defaultBufferSize = 16

// Dispatcher fans Status updates out to subscribers. Slow subscribers miss updates rather than block publishers.
type Dispatcher struct {
	mu          sync.RWMutex
	subscribers map[int64]*subscriber
	nextID      int64
	bufferSize  int
}

type subscriber struct {
	id     int64
	stream chan Status
}

// NewDispatcher constructs a dispatcher with no subscribers.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		subscribers: make(map[int64]*subscriber),
		bufferSize:  defaultBufferSize,
	}
}

// Subscribe registers a stream that is closed when ctx ends or the cleanup func runs.
func (d *Dispatcher) Subscribe(ctx context.Context) (<-chan Status, func()) {
	d.mu.Lock()
	d.nextID++
	entry := &subscriber{id: d.nextID, stream: make(chan Status, d.bufferSize)}
	d.subscribers[entry.id] = entry
	d.mu.Unlock()

	var once sync.Once
	cleanup := func() {
		once.Do(func() { d.unregister(entry.id) })
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return entry.stream, cleanup
}

// Publish delivers the status to every subscriber with buffer space.
func (d *Dispatcher) Publish(value Status) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, entry := range d.subscribers {
		select {
		case entry.stream <- copyStatus(value):
		default:
		}
	}
}

// Subscribers returns the number of registered streams.
func (d *Dispatcher) Subscribers() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers)
}

func (d *Dispatcher) unregister(id int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if entry, ok := d.subscribers[id]; ok {
		delete(d.subscribers, id)
		close(entry.stream)
	}
}
