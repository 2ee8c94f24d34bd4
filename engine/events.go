// Copyright 2025 medialib
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package engine

import (
	"sync"
	"time"

	"github.com/medialib/bt/metainfo"
)

// EventType represents the type of event emitted by a Session.
type EventType string

// Predefine the session event types.
const (
	// EventPieceVerified is emitted when one piece passes hash
	// verification. Piece, VerifiedPieces and TotalPieces are set.
	EventPieceVerified EventType = "piece.verified"

	// EventPeerCountChanged is emitted when a peer link opens or closes.
	// Peers is set.
	EventPeerCountChanged EventType = "peers.changed"

	// EventCompleted is emitted once when every wanted piece is verified.
	EventCompleted EventType = "session.completed"

	// EventDegraded is emitted when every configured tracker failed a
	// full announce pass. It is informational; downloading continues
	// with the existing peer set.
	EventDegraded EventType = "session.degraded"

	// EventStopped is emitted when the session stops by pause or cancel.
	EventStopped EventType = "session.stopped"

	// EventFailed is emitted when the session fails terminally. Err is set.
	EventFailed EventType = "session.failed"
)

// Event is one progress notification of a Session.
type Event struct {
	Type      EventType
	InfoHash  metainfo.Hash
	Timestamp time.Time

	// Piece is the index of the verified piece for EventPieceVerified.
	Piece int

	// VerifiedPieces and TotalPieces report overall progress.
	VerifiedPieces int
	TotalPieces    int

	// Peers is the connected peer count for EventPeerCountChanged.
	Peers int

	// Err is set for EventFailed.
	Err error
}

// eventBus fans session events out to subscribers. Delivery is
// non-blocking: a subscriber that stops draining its channel misses
// events rather than stalling the swarm.
type eventBus struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan Event
	closed bool
}

func newEventBus() *eventBus {
	return &eventBus{subs: make(map[int]chan Event)}
}

// subscribe registers a subscriber and returns its channel plus an
// unsubscribe function. The channel is closed on unsubscribe and on bus
// shutdown.
func (b *eventBus) subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
}

func (b *eventBus) publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (b *eventBus) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
