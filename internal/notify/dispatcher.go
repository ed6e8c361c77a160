package notify

import (
	"context"
	"sync"
)

// Dispatcher fans lifecycle events out to in-process subscribers keyed by
// recipient pseudonym. Sends never block: a subscriber whose buffer is full
// misses the event, which is acceptable for fire-and-forget delivery.
type Dispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*subscriber
	nextID      int64
	bufferSize  int
}

type subscriber struct {
	id     int64
	stream chan Event
	done   chan struct{}
}

// NewDispatcher constructs a dispatcher with a small per-subscriber buffer.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		subscribers: make(map[string]map[int64]*subscriber),
		bufferSize:  16,
	}
}

// Subscribe registers a stream of events addressed to the given recipient.
// The subscription ends when the context is done or the cleanup func runs.
func (d *Dispatcher) Subscribe(ctx context.Context, recipient string) (<-chan Event, func()) {
	if recipient == "" {
		ch := make(chan Event)
		close(ch)
		return ch, func() {}
	}
	sub := &subscriber{
		id:     d.nextSequence(),
		stream: make(chan Event, d.bufferSize),
		done:   make(chan struct{}),
	}
	d.register(recipient, sub)
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.unregister(recipient, sub.id)
			close(sub.done)
		})
	}
	// The watcher exits on cleanup too, so a subscription under a long-lived
	// context does not park a goroutine forever.
	go func() {
		select {
		case <-ctx.Done():
			cleanup()
		case <-sub.done:
		}
	}()
	return sub.stream, cleanup
}

// Notify implements Sink.
func (d *Dispatcher) Notify(event Event) {
	if event.Recipient == "" || event.Kind == "" {
		return
	}
	d.mu.RLock()
	subs := d.subscribers[event.Recipient]
	if len(subs) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*subscriber, 0, len(subs))
	for _, sub := range subs {
		copies = append(copies, sub)
	}
	d.mu.RUnlock()
	for _, sub := range copies {
		select {
		case sub.stream <- event:
		default:
		}
	}
}

func (d *Dispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *Dispatcher) register(recipient string, sub *subscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[recipient]; !ok {
		d.subscribers[recipient] = make(map[int64]*subscriber)
	}
	d.subscribers[recipient][sub.id] = sub
}

func (d *Dispatcher) unregister(recipient string, subscriberID int64) {
	d.mu.Lock()
	subs := d.subscribers[recipient]
	if subs != nil {
		delete(subs, subscriberID)
		if len(subs) == 0 {
			delete(d.subscribers, recipient)
		}
	}
	d.mu.Unlock()
}
