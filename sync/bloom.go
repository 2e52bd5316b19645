package sync

import (
	"context"
	"fmt"

	"github.com/luxfi/ids"
	"github.com/luxfi/log"
	"golang.org/x/sync/errgroup"

	"github.com/calimero-network/core/dagstore"
	"github.com/calimero-network/core/stream"
	"github.com/calimero-network/core/wire"
)

// RunAntiEntropy drives one symmetric bloom-filter exchange round
// (spec §4.4.3): this side sends a filter over its applied delta ids,
// reads the peer's filter, and both ends exchange the deltas the
// other's filter reports missing, applying whatever comes back
// oldest-first. Both peers call this same function; the exchange has
// no distinguished client/server role.
//
// Each round trip's send and receive run on separate goroutines: since
// both peers write before reading, a transport that blocks a writer
// until its peer drains the frame (as an in-memory pipe does, and as a
// congested real stream can) would otherwise deadlock two symmetric
// callers.
func RunAntiEntropy(ctx context.Context, proto *stream.Protocol, store *dagstore.Store, applier dagstore.Applier, logger log.Logger) error {
	local := store.BuildFilter()
	localPayload, err := wire.Marshal(wire.BloomFilter{Serialized: local.Encode()})
	if err != nil {
		return fmt.Errorf("sync: encode bloom filter: %w", err)
	}

	var peerFilter wire.BloomFilter
	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := proto.Send(wire.PayloadBloomFilter, localPayload); err != nil {
			return fmt.Errorf("sync: send bloom filter: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		msg, err := proto.Expect(wire.PayloadBloomFilter)
		if err != nil {
			return fmt.Errorf("sync: read peer bloom filter: %w", err)
		}
		if err := wire.Unmarshal(msg.Payload, &peerFilter); err != nil {
			return fmt.Errorf("sync: decode peer bloom filter: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}

	missingForPeer := store.GetDeltasNotInBloom(peerFilter.Serialized)
	encoded := make([][]byte, 0, len(missingForPeer))
	for _, d := range missingForPeer {
		e, err := wire.Marshal(d)
		if err != nil {
			return fmt.Errorf("sync: encode anti-entropy delta %s: %w", d.ID, err)
		}
		encoded = append(encoded, e)
	}
	batchPayload, err := wire.Marshal(wire.DeltaBatch{Deltas: encoded})
	if err != nil {
		return fmt.Errorf("sync: encode anti-entropy batch: %w", err)
	}

	var reply *wire.Message
	g, _ = errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := proto.Send(wire.PayloadDeltaBatch, batchPayload); err != nil {
			return fmt.Errorf("sync: send anti-entropy batch: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		msg, err := proto.Expect(wire.PayloadDeltaBatch)
		if err != nil {
			return fmt.Errorf("sync: read peer anti-entropy batch: %w", err)
		}
		reply = msg
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}
	var peerBatch wire.DeltaBatch
	if err := wire.Unmarshal(reply.Payload, &peerBatch); err != nil {
		return fmt.Errorf("sync: decode peer anti-entropy batch: %w", err)
	}

	received := make(map[ids.ID]*wire.Delta, len(peerBatch.Deltas))
	for _, raw := range peerBatch.Deltas {
		var d wire.Delta
		if err := wire.Unmarshal(raw, &d); err != nil {
			return fmt.Errorf("sync: decode anti-entropy delta: %w", err)
		}
		cp := d
		received[d.ID] = &cp
	}
	if err := applyOldestFirst(ctx, received, store, applier); err != nil {
		return fmt.Errorf("sync: apply anti-entropy deltas: %w", err)
	}

	logger.Debug("anti-entropy round complete", log.Int("sent", len(encoded)), log.Int("received", len(received)))
	return nil
}
