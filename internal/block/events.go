package block

import (
	"sync"

	"github.com/tzhukov/immaterium/internal/shared/id"
	"github.com/tzhukov/immaterium/internal/stream"
)

// EventType discriminates feed events.
type EventType string

const (
	// EventStateChanged fires on every lifecycle transition and on
	// presentation-flag updates.
	EventStateChanged EventType = "state_changed"
	// EventOutputAppended fires for each output chunk applied to a block.
	EventOutputAppended EventType = "output_appended"
	// EventBlockDeleted fires when a block leaves the collection.
	EventBlockDeleted EventType = "block_deleted"
)

// Event is one entry in a context's event stream.
type Event struct {
	Type      EventType     `json:"type"`
	ContextID id.ContextID  `json:"context_id"`
	BlockID   id.BlockID    `json:"block_id"`
	State     State         `json:"state,omitempty"`
	ExitCode  *int          `json:"exit_code,omitempty"`
	Chunk     *stream.Chunk `json:"chunk,omitempty"`
}

// Feed fans events out to subscribers. Publishing never blocks the
// single-writer mutation path: a subscriber whose buffer is full misses
// events and is expected to re-sync from a snapshot.
type Feed struct {
	mu     sync.Mutex
	subs   map[int]chan Event
	nextID int
	closed bool
}

// NewFeed creates an empty feed.
func NewFeed() *Feed {
	return &Feed{subs: make(map[int]chan Event)}
}

// Subscribe registers a buffered subscriber. The returned cancel func must
// be called to release it.
func (f *Feed) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		close(ch)
		return ch, func() {}
	}
	subID := f.nextID
	f.nextID++
	f.subs[subID] = ch

	return ch, func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if sub, ok := f.subs[subID]; ok {
			delete(f.subs, subID)
			close(sub)
		}
	}
}

// Publish delivers ev to every subscriber with buffer room.
func (f *Feed) Publish(ev Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Close terminates all subscriptions.
func (f *Feed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	for subID, ch := range f.subs {
		delete(f.subs, subID)
		close(ch)
	}
}
