// Package eventbus implements the node's in-process structured-event
// publisher for state-affecting errors (spec §7 "Propagation policy").
// Operational errors (transient network, protocol, auth) are handled
// entirely at the sync engine boundary and never reach here; only
// root-hash divergence and missing-parent cascades are published, so
// user-facing APIs can reflect them without polling logs.
package eventbus

import (
	"sync"

	"github.com/luxfi/ids"
)

// Kind distinguishes the two state-affecting error classes spec.md §7
// names as event-bus material.
type Kind string

const (
	// KindRootHashDivergence fires when a delta's post-apply root hash
	// no longer matches its declared expectation (spec §7 "State
	// divergence").
	KindRootHashDivergence Kind = "root_hash_divergence"
	// KindMissingParentCascade fires when a delta is recorded pending
	// because one or more of its parents are not yet applied (spec §7
	// "Causal gap").
	KindMissingParentCascade Kind = "missing_parent_cascade"
)

// Event is one structured, state-affecting occurrence (spec §7).
type Event struct {
	Kind      Kind
	ContextID ids.ID
	DeltaID   ids.ID
	// Computed and Expected are populated for KindRootHashDivergence.
	Computed [32]byte
	Expected [32]byte
	// MissingParents is populated for KindMissingParentCascade.
	MissingParents []ids.ID
}

// RootHashDivergence builds a KindRootHashDivergence event.
func RootHashDivergence(ctxID, deltaID ids.ID, computed, expected [32]byte) Event {
	return Event{Kind: KindRootHashDivergence, ContextID: ctxID, DeltaID: deltaID, Computed: computed, Expected: expected}
}

// MissingParentCascade builds a KindMissingParentCascade event.
func MissingParentCascade(ctxID, deltaID ids.ID, missingParents []ids.ID) Event {
	return Event{Kind: KindMissingParentCascade, ContextID: ctxID, DeltaID: deltaID, MissingParents: missingParents}
}

// subscriberBuffer bounds how many unread events a slow subscriber may
// accumulate before Publish starts dropping for it, so one stalled
// consumer (e.g. a disconnected HTTP long-poll) cannot block the
// publisher (spec §5 "external accessors ... go through message
// passing").
const subscriberBuffer = 64

// Bus is a mutex-guarded set of channel subscribers, modeled on the
// teacher's NotificationForwarder subscribe/forward shape rather than
// an external broker — there is no multi-process fanout requirement
// here, only in-process delivery to whatever is presenting the node's
// state to a user.
type Bus struct {
	mu          sync.Mutex
	nextID      int
	subscribers map[int]chan Event
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{subscribers: make(map[int]chan Event)}
}

// Subscribe registers a new listener and returns its channel plus an
// unsubscribe function. The channel is closed once unsubscribe runs.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan Event, subscriberBuffer)
	b.subscribers[id] = ch

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if existing, ok := b.subscribers[id]; ok {
			delete(b.subscribers, id)
			close(existing)
		}
	}
	return ch, unsubscribe
}

// Publish fans ev out to every current subscriber. A subscriber whose
// buffer is full has the event dropped for it rather than blocking
// the publisher or the other subscribers.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.subscribers {
		select {
		case ch <- ev:
		default:
		}
	}
}

// SubscriberCount reports how many listeners are currently registered.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}
