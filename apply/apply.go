// Package apply implements the delta applier: the bridge between the
// DAG store and the storage engine (spec §4.3). It decodes a delta's
// payload into storage actions, applies them atomically, and verifies
// the resulting root hash before committing.
package apply

import (
	"context"
	"fmt"
	"sort"

	"github.com/luxfi/ids"
	"github.com/luxfi/log"
	"github.com/zeebo/blake3"

	"github.com/calimero-network/core/aead"
	"github.com/calimero-network/core/identity"
	"github.com/calimero-network/core/storage"
	"github.com/calimero-network/core/wire"
)

// RootHashMismatchError carries both hashes so the caller (the sync
// engine) can decide how to recover — per spec §4.3/§4.4.4, recovery
// is a snapshot-sync request, not a retry of the same delta.
type RootHashMismatchError struct {
	DeltaID  ids.ID
	Computed [32]byte
	Expected [32]byte
}

func (e *RootHashMismatchError) Error() string {
	return fmt.Sprintf("apply: root hash mismatch applying %s: computed %x, expected %x",
		e.DeltaID, e.Computed, e.Expected)
}

// SenderKeyUnavailableError is returned when the delta's author has no
// known sender key. The sync engine distinguishes this from a
// decryption (MAC) failure and responds with a one-shot key-share
// retry instead of dropping the delta (spec §7 "Decryption failure").
type SenderKeyUnavailableError struct {
	DeltaID  ids.ID
	AuthorID ids.ID
}

func (e *SenderKeyUnavailableError) Error() string {
	return fmt.Sprintf("apply: no sender key for author %s applying %s", e.AuthorID, e.DeltaID)
}

func (e *SenderKeyUnavailableError) Unwrap() error { return identity.ErrNoSenderKey }

// Applier decodes and applies a context's deltas against the shared
// storage engine. One Applier instance is shared by every context's
// DAG store; the context-id in each delta selects the state-key
// partition it writes. Deltas admitted to the DAG carry their actions
// payload encrypted with the author's sender key (spec §3 "Causal
// delta ... payload (encrypted bytes)"); Apply decrypts it using the
// shared identity table before decoding.
type Applier struct {
	store      *storage.Store
	identities *identity.Table
	log        log.Logger
}

// New creates an Applier bound to store, resolving sender keys from
// identities.
func New(store *storage.Store, identities *identity.Table, logger log.Logger) *Applier {
	return &Applier{store: store, identities: identities, log: logger}
}

// Apply decrypts d.Payload with the author's sender key, decodes the
// result into an ordered storage-action list (both skipped for a
// checkpoint delta, which the DAG store never routes here — see
// dagstore.Store.applyOne), applies them atomically, and verifies the
// post-apply root hash against d.ExpectedRootHash. The batch is
// committed only when the hashes agree (spec §4.3 step 5).
func (a *Applier) Apply(_ context.Context, d *wire.Delta) error {
	var actions []wire.StorageAction
	if len(d.Payload) > 0 {
		senderKey, err := a.identities.SenderKey(d.AuthorID)
		if err != nil {
			return &SenderKeyUnavailableError{DeltaID: d.ID, AuthorID: d.AuthorID}
		}

		plaintext, err := aead.Open(senderKey, d.Nonce, d.Payload, nil)
		if err != nil {
			return fmt.Errorf("apply: decrypt actions for %s: %w", d.ID, err)
		}

		if err := wire.Unmarshal(plaintext, &actions); err != nil {
			return fmt.Errorf("apply: decode actions for %s: %w", d.ID, err)
		}
	}

	current, err := a.snapshotState(d.ContextID)
	if err != nil {
		return fmt.Errorf("apply: read current state for %s: %w", d.ID, err)
	}

	for _, action := range actions {
		switch action.Kind {
		case wire.ActionPut, wire.ActionUpdate:
			current[string(action.Key)] = action.Value
		case wire.ActionDelete:
			delete(current, string(action.Key))
		default:
			return fmt.Errorf("apply: unknown action kind %d in %s", action.Kind, d.ID)
		}
	}

	computed := hashRecords(current)
	if computed != d.ExpectedRootHash {
		return &RootHashMismatchError{
			DeltaID:  d.ID,
			Computed: computed,
			Expected: d.ExpectedRootHash,
		}
	}

	batch := a.store.Batch()
	for _, action := range actions {
		switch action.Kind {
		case wire.ActionPut, wire.ActionUpdate:
			if err := a.store.PutState(batch, d.ContextID, action.Key, action.Value); err != nil {
				return fmt.Errorf("apply: stage put for %s: %w", d.ID, err)
			}
		case wire.ActionDelete:
			if err := a.store.DeleteState(batch, d.ContextID, action.Key); err != nil {
				return fmt.Errorf("apply: stage delete for %s: %w", d.ID, err)
			}
		}
	}
	if err := batch.Write(); err != nil {
		return fmt.Errorf("apply: commit batch for %s: %w", d.ID, err)
	}

	a.log.Debug("applied delta", log.Stringer("delta", d.ID), log.Int("actions", len(actions)))
	return nil
}

func (a *Applier) snapshotState(contextID ids.ID) (map[string][]byte, error) {
	out := make(map[string][]byte)
	err := a.store.WalkState(contextID, func(r storage.StateRecord) error {
		out[string(r.Key)] = r.Value
		return nil
	})
	return out, err
}

// hashRecords reproduces storage.Store.RootHash's BLAKE3-over-sorted-
// records computation against an in-memory overlay, so the expected
// hash can be verified before any write is committed (SPEC_FULL.md
// §4.6).
func hashRecords(records map[string][]byte) [32]byte {
	keys := make([]string, 0, len(records))
	for k := range records {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := blake3.New()
	for _, k := range keys {
		h.Write([]byte(k))
		h.Write([]byte{0x00})
		h.Write(records[k])
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}
