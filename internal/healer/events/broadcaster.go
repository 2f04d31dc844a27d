package events

import "sync"

// Broadcaster fans out events to multiple subscribers (SSE clients, tests).
// Thread-safe. New subscribers receive a replay of history, then live events.
type Broadcaster struct {
	mu      sync.Mutex
	history []Event
	clients map[uint64]chan Event
	nextID  uint64
	closed  bool
	doneCh  chan struct{} // closed only on Close(), not on slow-client drops
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		clients: make(map[uint64]chan Event),
		doneCh:  make(chan struct{}),
	}
}

// Publish implements Sink. A slow client is dropped rather than letting it
// block the engine.
func (b *Broadcaster) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.history = append(b.history, ev)
	for id, ch := range b.clients {
		select {
		case ch <- ev:
		default:
			close(ch)
			delete(b.clients, id)
		}
	}
}

// Subscribe returns an events channel, a done channel, and an unsubscribe
// function. The events channel replays all history before live events. The
// done channel closes only when the broadcaster closes, which lets callers
// distinguish shutdown from a slow-client drop.
func (b *Broadcaster) Subscribe() (<-chan Event, <-chan struct{}, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, len(b.history)+256)
	id := b.nextID
	b.nextID++

	// Sized to hold all history plus live headroom, so replay never blocks
	// while the mutex is held.
	for _, ev := range b.history {
		ch <- ev
	}

	if b.closed {
		close(ch)
		return ch, b.doneCh, func() {}
	}

	b.clients[id] = ch
	unsub := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.clients[id]; ok {
			delete(b.clients, id)
			close(ch)
		}
	}
	return ch, b.doneCh, unsub
}

// Close signals that no more events will be sent.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.doneCh)
	for id, ch := range b.clients {
		close(ch)
		delete(b.clients, id)
	}
}

// History returns a copy of every event published so far.
func (b *Broadcaster) History() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Event, len(b.history))
	copy(out, b.history)
	return out
}

// Types returns the event types of History in order, a convenience for
// asserting lifecycle sequences.
func (b *Broadcaster) Types() []Type {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Type, 0, len(b.history))
	for _, ev := range b.history {
		out = append(out, ev.Type)
	}
	return out
}
