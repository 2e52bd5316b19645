// Package broadcast implements the node's contextual broadcast and
// key-exchange pipeline (spec §4.5): minting an authored delta into a
// publishable record, publishing and receiving that record over a
// GossipSub topic scoped to the context, and running any
// sandbox-registered event handlers the delta's receivers owe it.
package broadcast

import (
	"crypto/rand"
	"fmt"

	"github.com/luxfi/ids"

	"github.com/calimero-network/core/aead"
	"github.com/calimero-network/core/dagstore"
	"github.com/calimero-network/core/hlc"
	"github.com/calimero-network/core/identity"
	"github.com/calimero-network/core/storage"
	"github.com/calimero-network/core/wire"
)

// MintDelta builds and content-addresses a new causal delta authored
// by author: it reads the context's current DAG heads as parents,
// stamps an HLC timestamp, previews the root hash actions would
// produce, and seals actions under the author's sender key with a
// fresh nonce (spec §4.5 "A published state delta carries ..."). The
// returned delta is ready to be admitted to the local DAG store and
// then published; MintDelta itself performs neither.
func MintDelta(clock *hlc.Clock, dag *dagstore.Store, store *storage.Store, author *identity.Identity, ctxID ids.ID, actions []wire.StorageAction, events []wire.Event) (*wire.Delta, error) {
	if author.SenderKey == nil {
		return nil, fmt.Errorf("broadcast: author %s has no sender key", author.ID)
	}

	parents := dag.Heads()
	if len(parents) == 0 {
		parents = []ids.ID{wire.GenesisID}
	}

	ts := clock.Now()

	expectedRootHash, err := store.PreviewRootHash(ctxID, toStateActions(actions))
	if err != nil {
		return nil, fmt.Errorf("broadcast: preview root hash: %w", err)
	}

	plaintext, err := wire.Marshal(actions)
	if err != nil {
		return nil, fmt.Errorf("broadcast: encode actions: %w", err)
	}

	var nonce [aead.NonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("broadcast: generate nonce: %w", err)
	}
	ciphertext, err := aead.Seal(*author.SenderKey, nonce, plaintext, nil)
	if err != nil {
		return nil, fmt.Errorf("broadcast: seal actions: %w", err)
	}

	var eventsBlob []byte
	if len(events) > 0 {
		eventsBlob, err = wire.Marshal(events)
		if err != nil {
			return nil, fmt.Errorf("broadcast: encode events: %w", err)
		}
	}

	d := &wire.Delta{
		ContextID:        ctxID,
		AuthorID:         author.ID,
		Parents:          parents,
		Kind:             wire.DeltaRegular,
		Payload:          ciphertext,
		Nonce:            nonce,
		Physical:         ts.Physical,
		Logical:          ts.Logical,
		ExpectedRootHash: expectedRootHash,
		Events:           eventsBlob,
	}
	id, err := wire.HashDelta(d)
	if err != nil {
		return nil, fmt.Errorf("broadcast: hash delta: %w", err)
	}
	d.ID = id
	return d, nil
}

func toStateActions(actions []wire.StorageAction) []storage.StateAction {
	out := make([]storage.StateAction, len(actions))
	for i, a := range actions {
		kind := storage.StateActionPut
		if a.Kind == wire.ActionDelete {
			kind = storage.StateActionDelete
		}
		out[i] = storage.StateAction{Kind: kind, Key: a.Key, Value: a.Value}
	}
	return out
}

// toBroadcastPayload converts a locally admitted delta into the
// record published over the publish-subscribe layer (spec §4.5/§6).
// Only regular deltas are ever broadcast; checkpoint deltas are a
// purely local snapshot-completion marker.
func toBroadcastPayload(d *wire.Delta) *wire.BroadcastPayload {
	return &wire.BroadcastPayload{
		ContextID:        d.ContextID,
		AuthorID:         d.AuthorID,
		DeltaID:          d.ID,
		Parents:          d.Parents,
		Physical:         d.Physical,
		Logical:          d.Logical,
		ExpectedRootHash: d.ExpectedRootHash,
		EncryptedActions: d.Payload,
		Nonce:            d.Nonce,
		Events:           d.Events,
	}
}

// fromBroadcastPayload reconstructs the delta a peer published,
// recomputing its content-addressed id rather than trusting the
// wire-carried one (DeltaID is present for logging/correlation only).
func fromBroadcastPayload(p *wire.BroadcastPayload) (*wire.Delta, error) {
	d := &wire.Delta{
		ContextID:        p.ContextID,
		AuthorID:         p.AuthorID,
		Parents:          p.Parents,
		Kind:             wire.DeltaRegular,
		Payload:          p.EncryptedActions,
		Nonce:            p.Nonce,
		Physical:         p.Physical,
		Logical:          p.Logical,
		ExpectedRootHash: p.ExpectedRootHash,
		Events:           p.Events,
	}
	id, err := wire.HashDelta(d)
	if err != nil {
		return nil, fmt.Errorf("broadcast: hash received delta: %w", err)
	}
	d.ID = id
	return d, nil
}
