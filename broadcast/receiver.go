package broadcast

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/luxfi/ids"
	"github.com/luxfi/log"

	"github.com/calimero-network/core/apply"
	"github.com/calimero-network/core/dagstore"
	"github.com/calimero-network/core/eventbus"
	"github.com/calimero-network/core/storage"
	"github.com/calimero-network/core/stream"
	syncengine "github.com/calimero-network/core/sync"
	"github.com/calimero-network/core/wire"
)

// SyncDialer opens protocol streams to a specific, already-known
// libp2p peer for catch-up and snapshot escalation (spec §4.4.1 step
// 1, §4.4.2 Trigger). It mirrors node.keyShareDialer's per-context
// stream-open pattern, but keyed by the raw peer id GossipSub handed
// the receiver rather than the identity-keyed peer directory: the
// sender of a broadcast is already a live libp2p connection, not an
// identity that needs address resolution.
type SyncDialer interface {
	OpenCatchUp(ctx context.Context, p peer.ID) (network.Stream, error)
	OpenSnapshot(ctx context.Context, p peer.ID) (network.Stream, error)
}

// EventHandler is the narrow contract the sandbox — an external
// collaborator per spec.md §1 — fulfills to receive handler-triggered
// events (spec §4.5 "Event handlers"). The node core only dispatches;
// it has no opinion on what a handler does with an event.
type EventHandler interface {
	HandleEvent(ctx context.Context, contextID, deltaID ids.ID, event wire.Event) error
}

// DeltaApplier adapts an apply.Applier into a dagstore.Applier that
// recovers from a missing sender key by performing the bidirectional
// key-share handshake with the delta's author, dialed by its identity
// id (the peer that relayed the broadcast is not dialed), then
// retrying once (spec §4.5 "opens an authenticated stream ... and
// performs a bidirectional key share").
type DeltaApplier struct {
	applier *apply.Applier
	dialer  syncengine.KeyShareDialer
	log     log.Logger
}

// NewDeltaApplier builds a DeltaApplier. dialer may be nil, in which
// case a missing sender key simply drops the delta (spec §4.5 "If the
// key share fails, the broadcast is dropped").
func NewDeltaApplier(applier *apply.Applier, dialer syncengine.KeyShareDialer, logger log.Logger) *DeltaApplier {
	return &DeltaApplier{applier: applier, dialer: dialer, log: logger}
}

// Apply satisfies dagstore.Applier.
func (a *DeltaApplier) Apply(ctx context.Context, d *wire.Delta) error {
	if a.dialer == nil {
		return a.applier.Apply(ctx, d)
	}
	return syncengine.ApplyWithKeyShareRetry(ctx, a.applier, d, d.AuthorID, a.dialer, a.log)
}

// Receiver admits a peer-published delta into the local DAG and runs
// any event handlers it unlocks, skipping the author's own node and
// deduplicating cascaded deltas by id (spec §4.5). When admission
// leaves parents missing or yields a root-hash mismatch, it escalates
// to the sender directly — opening a catch-up or snapshot-sync stream
// — and publishes a structured event on bus for observers (spec §4.4,
// §7 "Propagation policy").
type Receiver struct {
	ctxID   ids.ID
	selfID  ids.ID
	dag     *dagstore.Store
	applier dagstore.Applier
	handler EventHandler
	log     log.Logger

	dialer  SyncDialer
	store   *storage.Store
	syncCfg syncengine.Config
	bus     *eventbus.Bus

	mu       sync.Mutex
	executed map[ids.ID]struct{}
}

// NewReceiver builds a Receiver for one context. handler may be nil if
// no sandbox is wired up (events are then simply not dispatched).
// dialer, store and bus may be nil/zero, in which case the receiver
// still admits deltas and dispatches events but skips catch-up/
// snapshot escalation and event publication — the shape every
// existing broadcast test already relies on.
func NewReceiver(ctxID, selfID ids.ID, dag *dagstore.Store, applier dagstore.Applier, handler EventHandler, dialer SyncDialer, store *storage.Store, syncCfg syncengine.Config, bus *eventbus.Bus, logger log.Logger) *Receiver {
	return &Receiver{
		ctxID:    ctxID,
		selfID:   selfID,
		dag:      dag,
		applier:  applier,
		handler:  handler,
		log:      logger,
		dialer:   dialer,
		store:    store,
		syncCfg:  syncCfg,
		bus:      bus,
		executed: make(map[ids.ID]struct{}),
	}
}

// Receive decodes payload, admits the delta, and dispatches events for
// it and for any delta it cascades into applied state. from is the
// GossipSub id of the peer that published payload, used to escalate a
// causal gap or root-hash divergence back to that same peer.
func (r *Receiver) Receive(ctx context.Context, from peer.ID, payload *wire.BroadcastPayload) error {
	d, err := fromBroadcastPayload(payload)
	if err != nil {
		return err
	}

	applied, cascaded, err := r.dag.AddDelta(ctx, d, r.applier)
	if err != nil {
		if ev, ok := eventbus.FromRootHashMismatch(r.ctxID, err); ok {
			r.publish(ev)
			r.escalateToSnapshot(ctx, from, err)
		}
		return fmt.Errorf("broadcast: admit delta %s: %w", d.ID, err)
	}

	if applied {
		r.dispatch(ctx, d.ID, d.AuthorID, d.Events)
	} else if !r.dag.IsApplied(d.ID) {
		if missing := r.dag.GetMissingParents(); len(missing) > 0 {
			r.publish(eventbus.FromPendingDeltas(r.ctxID, d.ID, missing))
			r.escalateToCatchUp(ctx, from, missing)
		}
	}
	for _, c := range cascaded {
		cd, ok := r.dag.GetDelta(c.DeltaID)
		if !ok {
			continue
		}
		r.dispatch(ctx, c.DeltaID, cd.AuthorID, c.Events)
	}
	return nil
}

func (r *Receiver) publish(ev eventbus.Event) {
	if r.bus != nil {
		r.bus.Publish(ev)
	}
}

// escalateToCatchUp opens a catch-up stream to the delta's sender and
// fetches the dependency closure named by missing (spec §4.4.1 step
// 1, §4.4.4 "Causal gap ... schedules a catch-up").
func (r *Receiver) escalateToCatchUp(ctx context.Context, from peer.ID, missing []ids.ID) {
	if r.dialer == nil {
		return
	}
	s, err := r.dialer.OpenCatchUp(ctx, from)
	if err != nil {
		r.log.Debug("broadcast: open catch-up escalation stream failed", log.Stringer("peer", from), log.Err(err))
		return
	}
	defer s.Close()

	proto := stream.NewProtocol(s, 0)
	if err := syncengine.RequestCatchUp(ctx, proto, missing, r.dag, r.applier, false, r.log); err != nil {
		r.log.Warn("broadcast: catch-up escalation failed", log.Stringer("peer", from), log.Err(err))
	}
}

// escalateToSnapshot requests a full snapshot from the delta's sender
// when admission failed with a root-hash mismatch (spec §4.4.2
// Trigger: "requested when delta application yields a root-hash
// mismatch whose repair via catch-up is impractical"). Any other
// admission failure (e.g. a missing sender key, already retried
// inside DeltaApplier) is left alone.
func (r *Receiver) escalateToSnapshot(ctx context.Context, from peer.ID, applyErr error) {
	var mismatch *apply.RootHashMismatchError
	if !errors.As(applyErr, &mismatch) || r.dialer == nil || r.store == nil {
		return
	}
	s, err := r.dialer.OpenSnapshot(ctx, from)
	if err != nil {
		r.log.Debug("broadcast: open snapshot escalation stream failed", log.Stringer("peer", from), log.Err(err))
		return
	}
	defer s.Close()

	proto := stream.NewProtocol(s, 0)
	if _, err := syncengine.RequestSnapshot(proto, r.ctxID, r.store, r.syncCfg, r.log); err != nil {
		r.log.Warn("broadcast: snapshot escalation failed", log.Stringer("peer", from), log.Err(err))
	}
}

// dispatch runs handlers for deltaID's events exactly once, skipping
// deltas this node itself authored (spec §4.5: "not on the author
// node, which already executed the logic that produced the events").
func (r *Receiver) dispatch(ctx context.Context, deltaID, authorID ids.ID, eventsBlob []byte) {
	if authorID == r.selfID || r.handler == nil || len(eventsBlob) == 0 {
		return
	}

	r.mu.Lock()
	if _, done := r.executed[deltaID]; done {
		r.mu.Unlock()
		return
	}
	r.executed[deltaID] = struct{}{}
	r.mu.Unlock()

	var events []wire.Event
	if err := wire.Unmarshal(eventsBlob, &events); err != nil {
		r.log.Warn("broadcast: failed decoding delta events", log.Stringer("delta", deltaID), log.Err(err))
		return
	}
	for _, ev := range events {
		if err := r.handler.HandleEvent(ctx, r.ctxID, deltaID, ev); err != nil {
			r.log.Warn("broadcast: event handler failed", log.Stringer("delta", deltaID), log.String("kind", ev.Kind), log.Err(err))
		}
	}
}
