package wire

import "github.com/luxfi/ids"

// PayloadKind tags the variant carried by a stream Message/Init frame
// (spec §6 "Wire protocol (stream messages)").
type PayloadKind uint8

const (
	PayloadKeyShare PayloadKind = iota
	PayloadDagHeadsRequest
	PayloadDeltaRequest
	PayloadSnapshotBoundaryRequest
	PayloadSnapshotStreamRequest
	PayloadChallenge
	PayloadChallengeResponse
	PayloadDagHeadsResponse
	PayloadDeltaResponse
	PayloadDeltaNotFound
	PayloadSnapshotBoundaryResponse
	PayloadSnapshotPage
	PayloadSnapshotError
	PayloadBloomFilter
	PayloadDeltaBatch
)

// Init is the first frame exchanged on a fresh protocol stream, before
// any authenticated upgrade: each side announces the context it wants
// to talk about, its claimed identity in that context, the payload it
// is opening with, and an initial nonce for the eventual AEAD upgrade
// (spec §4.1 step 1, §6).
type Init struct {
	ContextID        ids.ID      `cbor:"1,keyasint"`
	ClaimedIdentity  ids.ID      `cbor:"2,keyasint"`
	PayloadKind      PayloadKind `cbor:"3,keyasint"`
	Payload          []byte      `cbor:"4,keyasint"`
	NextNonce        [12]byte    `cbor:"5,keyasint"`
}

// Message is every subsequent frame on a stream: a sequence id (for
// the per-direction ordering check in spec §4.1), a tagged payload
// variant, and the plaintext-embedded next_nonce the sender will use
// to encrypt its following frame (spec §4.1: "the peer mirrors this by
// reading the next_nonce field embedded in the decrypted plaintext").
type Message struct {
	SequenceID  uint64      `cbor:"1,keyasint"`
	PayloadKind PayloadKind `cbor:"2,keyasint"`
	Payload     []byte      `cbor:"3,keyasint"`
	NextNonce   [12]byte    `cbor:"4,keyasint"`
}

// OpaqueError carries no detail: the peer hit an error and is closing
// the stream (spec §6).
type OpaqueError struct{}

// --- payload variants (spec §6 table), each CBOR-encoded into
// Init.Payload / Message.Payload and selected by PayloadKind ---

type KeyShare struct {
	SenderKey [32]byte `cbor:"1,keyasint"`
}

type DagHeadsRequest struct{}

type DeltaRequest struct {
	DeltaID ids.ID `cbor:"1,keyasint"`
}

type SnapshotBoundaryRequest struct {
	Cutoff *int64 `cbor:"1,keyasint"`
}

type SnapshotStreamRequest struct {
	RootHash      [32]byte `cbor:"1,keyasint"`
	PageLimit     int      `cbor:"2,keyasint"`
	ByteLimit     int      `cbor:"3,keyasint"`
	ResumeCursor  []byte   `cbor:"4,keyasint"`
}

type Challenge struct {
	Nonce [32]byte `cbor:"1,keyasint"`
}

type ChallengeResponse struct {
	Signature [64]byte `cbor:"1,keyasint"`
}

type DagHeadsResponse struct {
	Heads    []ids.ID `cbor:"1,keyasint"`
	RootHash [32]byte `cbor:"2,keyasint"`
}

type DeltaResponse struct {
	Delta []byte `cbor:"1,keyasint"`
}

type DeltaNotFound struct {
	DeltaID ids.ID `cbor:"1,keyasint"`
}

type SnapshotBoundaryResponse struct {
	Physical int64    `cbor:"1,keyasint"`
	Logical  uint32   `cbor:"2,keyasint"`
	RootHash [32]byte `cbor:"3,keyasint"`
	Heads    []ids.ID `cbor:"4,keyasint"`
}

type SnapshotPage struct {
	Compressed       []byte `cbor:"1,keyasint"`
	UncompressedSize int    `cbor:"2,keyasint"`
	ResumeCursor     []byte `cbor:"3,keyasint"`
	PageCount        int    `cbor:"4,keyasint"`
	SentCount        int    `cbor:"5,keyasint"`
}

// SnapshotErrorKind enumerates why a snapshot-sync request was
// refused or aborted.
type SnapshotErrorKind uint8

const (
	SnapshotErrorUnknownContext SnapshotErrorKind = iota
	SnapshotErrorMarkerRequired
	SnapshotErrorBoundaryDiverged
)

type SnapshotError struct {
	Kind SnapshotErrorKind `cbor:"1,keyasint"`
}

// BloomFilter carries one side's serialized anti-entropy filter (spec
// §4.4.3).
type BloomFilter struct {
	Serialized []byte `cbor:"1,keyasint"`
}

// DeltaBatch carries zero or more canonically encoded deltas in one
// frame, used to return an anti-entropy side's missing set in a
// single round trip.
type DeltaBatch struct {
	Deltas [][]byte `cbor:"1,keyasint"`
}
