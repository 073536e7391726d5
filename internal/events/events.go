// Package events carries mutation and sync outcomes from the repository
// to in-process observers: the daemon's index updater, the websocket
// feed, metrics, and tests. The bus is deliberately small; it is not a
// durable queue, and a subscriber that falls behind loses events rather
// than blocking writers.
package events

import (
	"sync"
	"time"

	"github.com/odi-tracker/odi/internal/core"
)

// Type tags an event payload.
type Type string

const (
	// TypeMutation is a committed entity create, modify, or delete.
	TypeMutation Type = "mutation"

	// TypeSyncOutcome is one ref's result from a push or pull.
	TypeSyncOutcome Type = "sync_outcome"

	// TypeConflict is a persisted conflict record awaiting resolution.
	TypeConflict Type = "conflict"
)

// Event is the envelope delivered to subscribers. Exactly one payload
// field is non-nil, matching Type.
type Event struct {
	Type Type
	At   time.Time

	Mutation    *Mutation
	SyncOutcome *SyncOutcome
	Conflict    *Conflict
}

// Mutation describes one committed write.
type Mutation struct {
	Kind     core.Kind
	EntityID string
	Op       core.ChangeOp
	// Hash is the new object hash; zero on delete.
	Hash core.Hash
	// PriorHash is the replaced object hash; zero on create.
	PriorHash core.Hash
}

// SyncOutcome describes one ref's result from a sync operation.
type SyncOutcome struct {
	Remote    string
	Direction string // "push" or "pull"
	Ref       string
	Status    string // fast_forwarded, merged, conflicted, unchanged, failed
}

// Conflict describes a divergent ref that needs manual resolution.
type Conflict struct {
	Remote   string
	Kind     core.Kind
	EntityID string
}

// Bus fans events out to subscribers. The zero value is not usable; call
// NewBus.
type Bus struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan Event
	closed bool
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe registers a new subscriber with the given channel buffer and
// returns its receive channel plus a cancel function. Cancel is
// idempotent and closes the channel.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan Event, buffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	b.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if sub, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub)
			}
		})
	}
	return ch, cancel
}

// Publish delivers the event to every subscriber. A subscriber whose
// buffer is full is skipped; mutations must never block on observers.
func (b *Bus) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// PublishMutation is a convenience wrapper for the common case.
func (b *Bus) PublishMutation(m Mutation) {
	b.Publish(Event{Type: TypeMutation, Mutation: &m})
}

// PublishSyncOutcome is a convenience wrapper for per-ref sync results.
func (b *Bus) PublishSyncOutcome(o SyncOutcome) {
	b.Publish(Event{Type: TypeSyncOutcome, SyncOutcome: &o})
}

// PublishConflict is a convenience wrapper for conflict records.
func (b *Bus) PublishConflict(c Conflict) {
	b.Publish(Event{Type: TypeConflict, Conflict: &c})
}

// Close drops every subscriber and closes their channels. Publishing to
// a closed bus is a no-op.
func (b *Bus) Close() {
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
