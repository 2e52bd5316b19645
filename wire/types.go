// Package wire defines the node's on-the-wire and on-disk record
// types, their canonical binary encoding, and the bloom-filter format
// used for anti-entropy (spec §6).
package wire

import (
	"github.com/luxfi/ids"
)

// DeltaKind distinguishes a regular causal delta from a checkpoint
// delta marking the boundary of a completed snapshot sync.
type DeltaKind uint8

const (
	// DeltaRegular carries an encrypted actions payload.
	DeltaRegular DeltaKind = iota
	// DeltaCheckpoint has an empty payload and parent = genesis; it
	// exists only so deltas authored after a snapshot have a valid
	// parent id to reference.
	DeltaCheckpoint
)

// GenesisID is the all-zero hash denoting "no parent" per spec §3.
var GenesisID = ids.Empty

// Delta is a causal delta: a content-addressed record of a state
// mutation plus references to its causal predecessors (spec §3).
type Delta struct {
	ID        ids.ID    `cbor:"1,keyasint"`
	ContextID ids.ID    `cbor:"2,keyasint"`
	AuthorID  ids.ID    `cbor:"3,keyasint"`
	Parents   []ids.ID  `cbor:"4,keyasint"`
	Kind      DeltaKind `cbor:"5,keyasint"`
	// Payload is the encrypted actions blob for a regular delta, or
	// empty for a checkpoint.
	Payload []byte `cbor:"6,keyasint"`
	Nonce   [12]byte `cbor:"7,keyasint"`
	Physical int64   `cbor:"8,keyasint"`
	Logical  uint32  `cbor:"9,keyasint"`
	// ExpectedRootHash is the root hash the author computed after
	// applying this delta locally.
	ExpectedRootHash [32]byte `cbor:"10,keyasint"`
	// Events is an optional serialized list of sandbox-emitted events,
	// used only to trigger handler execution on receivers.
	Events []byte `cbor:"11,keyasint"`
}

// IsGenesisParent reports whether the delta's only parent is the
// genesis hash.
func (d *Delta) IsGenesisParent() bool {
	return len(d.Parents) == 1 && d.Parents[0] == GenesisID
}

// StorageActionKind enumerates the ways a delta can mutate a key.
type StorageActionKind uint8

const (
	ActionPut StorageActionKind = iota
	ActionDelete
	ActionUpdate
)

// StorageAction is a single ordered mutation within a context's
// state-key prefix, the decoded form of a delta's payload (spec §4.3).
type StorageAction struct {
	Kind  StorageActionKind `cbor:"1,keyasint"`
	Key   []byte            `cbor:"2,keyasint"`
	Value []byte            `cbor:"3,keyasint"`
}

// BroadcastPayload is the record published over the publish-subscribe
// layer for a newly authored delta (spec §4.5/§6).
type BroadcastPayload struct {
	ContextID        ids.ID   `cbor:"1,keyasint"`
	AuthorID         ids.ID   `cbor:"2,keyasint"`
	DeltaID          ids.ID   `cbor:"3,keyasint"`
	Parents          []ids.ID `cbor:"4,keyasint"`
	Physical         int64    `cbor:"5,keyasint"`
	Logical          uint32   `cbor:"6,keyasint"`
	ExpectedRootHash [32]byte `cbor:"7,keyasint"`
	EncryptedActions []byte   `cbor:"8,keyasint"`
	Nonce            [12]byte `cbor:"9,keyasint"`
	Events           []byte   `cbor:"10,keyasint"`
}

// Event is one sandbox-emitted event carried in a delta's Events blob
// (spec §4.5). Kind identifies which registered handler, if any, a
// receiving node should invoke; Payload is opaque to the node core.
type Event struct {
	Kind    string `cbor:"1,keyasint"`
	Payload []byte `cbor:"2,keyasint"`
}

// IdentityRecord is the on-disk shape of one identity table entry
// (spec §3 "Identity"; persisted state layout's "identity table"
// column). PrivateKey is empty for a foreign identity.
type IdentityRecord struct {
	ID           ids.ID   `cbor:"1,keyasint"`
	PublicKey    []byte   `cbor:"2,keyasint"`
	PrivateKey   []byte   `cbor:"3,keyasint"`
	HasSenderKey bool     `cbor:"4,keyasint"`
	SenderKey    [32]byte `cbor:"5,keyasint"`
	Capabilities []string `cbor:"6,keyasint"`
}

// InvitationPayload binds a join to an inviter's signature (spec §3).
type InvitationPayload struct {
	ContextID ids.ID `cbor:"1,keyasint"`
	InviterID ids.ID `cbor:"2,keyasint"`
	InviteeID ids.ID `cbor:"3,keyasint"`
	Signature [64]byte `cbor:"4,keyasint"`
}
