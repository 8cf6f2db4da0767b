// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import "sync"

// =============================================================================
// EVENT TYPES
// =============================================================================

// EventType identifies what happened on a session.
type EventType string

const (
	// EventDelta carries one streamed content chunk.
	EventDelta EventType = "delta"
	// EventComplete signals a successfully finished turn.
	EventComplete EventType = "complete"
	// EventError signals a failed turn. Err carries the cause.
	EventError EventType = "error"
	// EventCancelled signals a user-cancelled turn.
	EventCancelled EventType = "cancelled"
	// EventTitle signals a title change. Content carries the new title.
	EventTitle EventType = "title"
)

// Event is one notification about a session.
type Event struct {
	Type      EventType
	SessionID string
	Content   string
	Err       error
}

// =============================================================================
// EVENT BUS
// =============================================================================

// subscriberBuffer is the per-subscriber channel capacity. A subscriber that
// falls this far behind starts losing events rather than blocking streaming.
const subscriberBuffer = 256

// eventBus fans events out to subscribers. Delivery is non-blocking.
type eventBus struct {
	mu   sync.Mutex
	subs map[int]chan Event
	next int
}

func newEventBus() *eventBus {
	return &eventBus{subs: make(map[int]chan Event)}
}

// subscribe registers a new subscriber and returns its channel and id.
func (b *eventBus) subscribe() (<-chan Event, int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	ch := make(chan Event, subscriberBuffer)
	b.subs[id] = ch
	return ch, id
}

// unsubscribe removes a subscriber and closes its channel.
func (b *eventBus) unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(ch)
	}
}

// publish delivers an event to all subscribers without blocking.
func (b *eventBus) publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			// Subscriber buffer full: drop rather than stall the stream.
		}
	}
}

// close closes all subscriber channels.
func (b *eventBus) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
