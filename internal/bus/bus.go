// Package bus delivers committed-submission events to in-process
// subscribers. One Bus belongs to one repository instance and is passed by
// reference to every component that publishes or subscribes.
package bus

import (
	"sync"

	"github.com/roach88/hashrepo/internal/ident"
)

// Event announces a committed submission.
type Event struct {
	SubmissionID int64
	URI          ident.URI
	MediaType    string
	SubmitterID  int64
}

// Handler receives events on the publisher's goroutine. It must not block
// and must not call Unsubscribe.
type Handler func(Event)

// Bus fans events out to subscribers.
type Bus struct {
	mu     sync.RWMutex
	subs   map[uint64]Handler
	nextID uint64
	closed bool
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[uint64]Handler)}
}

// Subscription is a registered handler.
type Subscription struct {
	bus  *Bus
	id   uint64
	once sync.Once
}

// Subscribe registers h. On a closed bus the returned subscription is
// inert and h is never called.
func (b *Bus) Subscribe(h Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{bus: b, id: b.nextID}
	if !b.closed {
		b.subs[sub.id] = h
	}
	return sub
}

// Publish delivers e to every current subscriber and returns how many
// handlers ran.
func (b *Bus) Publish(e Event) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, h := range b.subs {
		h(e)
	}
	return len(b.subs)
}

// Len returns the number of active subscriptions.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close detaches every subscriber. Later subscriptions are inert.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	clear(b.subs)
}

// Unsubscribe removes the handler. It waits for any in-flight Publish, so
// once it returns the handler is never invoked again. Safe to call more
// than once.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		defer s.bus.mu.Unlock()
		delete(s.bus.subs, s.id)
	})
}
