package sync

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/luxfi/ids"
	"github.com/luxfi/log"

	"github.com/calimero-network/core/dagstore"
	"github.com/calimero-network/core/stream"
	"github.com/calimero-network/core/wire"
)

// ErrCatchUpStalled is the cycle-detection guard named in spec §9: a
// pass over the fetched-but-unapplied buffer added zero deltas while
// the buffer is still non-empty, meaning a dependency can never be
// satisfied from what was fetched.
var ErrCatchUpStalled = errors.New("sync: catch-up stalled on an unresolvable dependency")

// RequestCatchUp drives the client side of DAG catch-up (spec
// §4.4.1) over an unauthenticated proto: it optionally asks for the
// peer's current heads, fetches every id in missing (and transitively
// every still-unknown parent those deltas name) by explicit request,
// and finally hands the whole fetched set to the DAG store oldest
// first so the store's topological invariant holds regardless of
// arrival order.
func RequestCatchUp(ctx context.Context, proto *stream.Protocol, missing []ids.ID, store *dagstore.Store, applier dagstore.Applier, askHeads bool, logger log.Logger) error {
	queue := append([]ids.ID(nil), missing...)
	queued := make(map[ids.ID]struct{}, len(queue))
	for _, id := range queue {
		queued[id] = struct{}{}
	}

	if askHeads {
		if err := proto.Send(wire.PayloadDagHeadsRequest, nil); err != nil {
			return fmt.Errorf("sync: send heads request: %w", err)
		}
		msg, err := proto.Expect(wire.PayloadDagHeadsResponse)
		if err != nil {
			return fmt.Errorf("sync: read heads response: %w", err)
		}
		var resp wire.DagHeadsResponse
		if err := wire.Unmarshal(msg.Payload, &resp); err != nil {
			return fmt.Errorf("sync: decode heads response: %w", err)
		}
		for _, head := range resp.Heads {
			if store.HasDelta(head) {
				continue
			}
			if _, ok := queued[head]; ok {
				continue
			}
			queued[head] = struct{}{}
			queue = append(queue, head)
		}
	}

	fetched := make(map[ids.ID]*wire.Delta)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]

		if store.HasDelta(id) {
			continue
		}

		d, err := requestDelta(proto, id)
		if err != nil {
			return err
		}
		if d == nil {
			logger.Warn("catch-up: peer does not have requested delta", log.Stringer("delta", id))
			continue
		}
		fetched[id] = d

		for _, p := range d.Parents {
			if p == wire.GenesisID {
				continue
			}
			if store.HasDelta(p) {
				continue
			}
			if _, ok := fetched[p]; ok {
				continue
			}
			if _, ok := queued[p]; ok {
				continue
			}
			queued[p] = struct{}{}
			queue = append(queue, p)
		}
	}

	return applyOldestFirst(ctx, fetched, store, applier)
}

func requestDelta(proto *stream.Protocol, id ids.ID) (*wire.Delta, error) {
	payload, err := wire.Marshal(wire.DeltaRequest{DeltaID: id})
	if err != nil {
		return nil, fmt.Errorf("sync: encode delta request: %w", err)
	}
	if err := proto.Send(wire.PayloadDeltaRequest, payload); err != nil {
		return nil, fmt.Errorf("sync: send delta request: %w", err)
	}
	msg, err := proto.Receive()
	if err != nil {
		return nil, fmt.Errorf("sync: read delta response: %w", err)
	}
	switch msg.PayloadKind {
	case wire.PayloadDeltaResponse:
		var resp wire.DeltaResponse
		if err := wire.Unmarshal(msg.Payload, &resp); err != nil {
			return nil, fmt.Errorf("sync: decode delta response: %w", err)
		}
		var d wire.Delta
		if err := wire.Unmarshal(resp.Delta, &d); err != nil {
			return nil, fmt.Errorf("sync: decode delta body: %w", err)
		}
		return &d, nil
	case wire.PayloadDeltaNotFound:
		return nil, nil
	default:
		return nil, stream.ErrUnexpectedPayloadKind
	}
}

// applyOldestFirst repeatedly scans remaining for deltas whose
// parents are already satisfied (applied in store, or simply absent
// from this fetch batch — the DAG store itself will hold those
// pending until they arrive separately), adding the satisfied ones to
// the store oldest-physical-timestamp-first within each pass, until a
// full pass makes no progress.
func applyOldestFirst(ctx context.Context, fetched map[ids.ID]*wire.Delta, store *dagstore.Store, applier dagstore.Applier) error {
	remaining := make(map[ids.ID]*wire.Delta, len(fetched))
	for id, d := range fetched {
		remaining[id] = d
	}

	for len(remaining) > 0 {
		progressed := false
		for _, d := range orderedByPhysical(remaining) {
			if !parentsReady(d, store, remaining) {
				continue
			}
			if _, _, err := store.AddDelta(ctx, d, applier); err != nil {
				return fmt.Errorf("sync: apply fetched delta %s: %w", d.ID, err)
			}
			delete(remaining, d.ID)
			progressed = true
		}
		if !progressed {
			return ErrCatchUpStalled
		}
	}
	return nil
}

func parentsReady(d *wire.Delta, store *dagstore.Store, remaining map[ids.ID]*wire.Delta) bool {
	for _, p := range d.Parents {
		if p == wire.GenesisID {
			continue
		}
		if store.IsApplied(p) {
			continue
		}
		if _, stillPending := remaining[p]; stillPending {
			return false
		}
	}
	return true
}

func orderedByPhysical(remaining map[ids.ID]*wire.Delta) []*wire.Delta {
	out := make([]*wire.Delta, 0, len(remaining))
	for _, d := range remaining {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Physical != out[j].Physical {
			return out[i].Physical < out[j].Physical
		}
		return out[i].Logical < out[j].Logical
	})
	return out
}

// ServeCatchUp is the server side of DAG catch-up: it answers
// DagHeadsRequest and DeltaRequest frames on proto, looking delta
// bodies up in the DAG store only (persistent storage is not
// consulted), until the stream is closed by the peer.
func ServeCatchUp(proto *stream.Protocol, store *dagstore.Store, rootHash func() ([32]byte, error)) error {
	for {
		msg, err := proto.Receive()
		if err != nil {
			return err
		}
		switch msg.PayloadKind {
		case wire.PayloadDagHeadsRequest:
			if err := serveHeads(proto, store, rootHash); err != nil {
				return err
			}
		case wire.PayloadDeltaRequest:
			if err := serveDeltaRequest(proto, store, msg.Payload); err != nil {
				return err
			}
		default:
			return fmt.Errorf("%w: %d", stream.ErrUnexpectedPayloadKind, msg.PayloadKind)
		}
	}
}

func serveHeads(proto *stream.Protocol, store *dagstore.Store, rootHash func() ([32]byte, error)) error {
	root, err := rootHash()
	if err != nil {
		return fmt.Errorf("sync: compute root hash for heads response: %w", err)
	}
	payload, err := wire.Marshal(wire.DagHeadsResponse{Heads: store.Heads(), RootHash: root})
	if err != nil {
		return fmt.Errorf("sync: encode heads response: %w", err)
	}
	return proto.Send(wire.PayloadDagHeadsResponse, payload)
}

func serveDeltaRequest(proto *stream.Protocol, store *dagstore.Store, reqPayload []byte) error {
	var req wire.DeltaRequest
	if err := wire.Unmarshal(reqPayload, &req); err != nil {
		return fmt.Errorf("sync: decode delta request: %w", err)
	}
	d, ok := store.GetDelta(req.DeltaID)
	if !ok {
		payload, err := wire.Marshal(wire.DeltaNotFound{DeltaID: req.DeltaID})
		if err != nil {
			return fmt.Errorf("sync: encode delta-not-found: %w", err)
		}
		return proto.Send(wire.PayloadDeltaNotFound, payload)
	}
	encoded, err := wire.Marshal(d)
	if err != nil {
		return fmt.Errorf("sync: encode delta body: %w", err)
	}
	payload, err := wire.Marshal(wire.DeltaResponse{Delta: encoded})
	if err != nil {
		return fmt.Errorf("sync: encode delta response: %w", err)
	}
	return proto.Send(wire.PayloadDeltaResponse, payload)
}
