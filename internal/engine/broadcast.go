// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package engine

import (
	"sync"

	"github.com/google/uuid"

	"icarus/internal/model"
)

// EventType discriminates the two message shapes sent on a job's push
// channel.
type EventType string

const (
	EventStatusUpdate EventType = "status_update"
	EventLog          EventType = "log"
)

// Event is one message on a job's push channel.
type Event struct {
	Type    EventType    `json:"type"`
	Status  model.Status `json:"status,omitempty"`
	Message string       `json:"message,omitempty"`
}

// subscriberBufferSize is the bounded per-subscriber buffer size; a
// subscriber that falls behind by this many messages is disconnected
// rather than allowed to stall the pipeline.
const subscriberBufferSize = 64

// broadcaster fans a job's events out to any number of subscribers,
// each with its own bounded buffer, the Go translation of spec.md's
// "each subscriber has its own bounded buffer; the Engine iterates
// subscribers on publish, dropping laggards" design note.
type broadcaster struct {
	mu          sync.Mutex
	subscribers map[string]chan Event
	closed      bool
}

func newBroadcaster() *broadcaster {
	return &broadcaster{subscribers: make(map[string]chan Event)}
}

// subscribe registers a new subscriber and returns its id (for later
// unsubscribe) and its receive channel. If the broadcaster is already
// closed (job reached a terminal status and its grace period lapsed),
// the returned channel is closed immediately.
func (b *broadcaster) subscribe() (string, <-chan Event) {
	id := uuid.NewString()
	ch := make(chan Event, subscriberBufferSize)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return id, ch
	}
	b.subscribers[id] = ch
	return id, ch
}

func (b *broadcaster) unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subscribers[id]; ok {
		delete(b.subscribers, id)
		close(ch)
	}
}

// publish delivers ev to every subscriber, non-blocking: a subscriber
// whose buffer is full is dropped rather than allowed to stall this
// call.
func (b *broadcaster) publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for id, ch := range b.subscribers {
		select {
		case ch <- ev:
		default:
			delete(b.subscribers, id)
			close(ch)
		}
	}
}

// close marks the broadcaster closed and closes every remaining
// subscriber channel. Called after the terminal event's grace period.
func (b *broadcaster) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subscribers {
		delete(b.subscribers, id)
		close(ch)
	}
}
