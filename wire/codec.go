package wire

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/luxfi/ids"
	"github.com/zeebo/blake3"
)

// Version identifies the wire encoding in use. A single version exists
// today; future incompatible changes bump this so decode can reject
// unknown versions the way the teacher codec does.
type Version uint16

const (
	// CurrentVersion is the only version this build understands.
	CurrentVersion Version = 0
)

var canonical cbor.EncMode

func init() {
	opts, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("wire: building canonical cbor enc mode: %v", err))
	}
	canonical = opts
}

// Marshal canonically encodes v. The same logical value always
// produces byte-identical output, which is required both for
// content-addressing (delta-id = hash of this encoding) and for
// spec §6's "stable across implementations" requirement.
func Marshal(v interface{}) ([]byte, error) {
	return canonical.Marshal(v)
}

// Unmarshal decodes data produced by Marshal.
func Unmarshal(data []byte, v interface{}) error {
	return cbor.Unmarshal(data, v)
}

// HashDelta computes the content-addressed id of a delta: the BLAKE3
// hash of the canonical encoding of its content, excluding the ID
// field itself (spec §3: "delta-id = hash(canonical encoding of
// content)").
func HashDelta(d *Delta) (ids.ID, error) {
	cp := *d
	cp.ID = ids.Empty
	encoded, err := Marshal(&cp)
	if err != nil {
		return ids.Empty, fmt.Errorf("wire: encode delta for hashing: %w", err)
	}
	sum := blake3.Sum256(encoded)
	id, err := ids.ToID(sum[:])
	if err != nil {
		return ids.Empty, fmt.Errorf("wire: convert hash to id: %w", err)
	}
	return id, nil
}

// CanonicalRoundTrip re-encodes data after decoding it into a Delta,
// used by tests to assert the round-trip law in spec §8.
func CanonicalRoundTrip(data []byte) ([]byte, error) {
	var d Delta
	if err := Unmarshal(data, &d); err != nil {
		return nil, err
	}
	return Marshal(&d)
}
