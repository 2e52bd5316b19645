package wire

import (
	"encoding/binary"
	"errors"
	"math"

	"github.com/bits-and-blooms/bitset"
	"github.com/luxfi/ids"
)

// ErrMalformedFilter is returned by DecodeFilter when the input is
// too short or declares zero bits. Per spec §4.2, callers treat this
// as "probe returns false for everything" rather than a hard error —
// all applied deltas get sent.
var ErrMalformedFilter = errors.New("wire: malformed bloom filter")

// filterHeaderSize is the 4-byte little-endian bit count plus the
// 1-byte hash count preceding the bit array (spec §6).
const filterHeaderSize = 5

const (
	fnvOffset64 = 14695981039346656037
	fnvPrime64  = 1099511628211
)

// seededFNV1a hashes data with FNV-1a, folding seed in as the first
// byte processed. This exact variant (not a generic hasher) is what
// spec §4.2/§9 calls out as required for interop: an unrelated default
// hash would put bits in different positions on each side.
func seededFNV1a(seed byte, data []byte) uint64 {
	h := uint64(fnvOffset64)
	h ^= uint64(seed)
	h *= fnvPrime64
	for _, b := range data {
		h ^= uint64(b)
		h *= fnvPrime64
	}
	return h
}

// Filter is a Bloom filter over 32-byte content hashes.
type Filter struct {
	bits      uint32
	hashCount uint8
	set       *bitset.BitSet
}

// NewFilter sizes a filter for n expected elements at approximately
// targetFPR false-positive rate (spec §4.4.3 targets ~1%).
func NewFilter(n int, targetFPR float64) *Filter {
	if n < 1 {
		n = 1
	}
	if targetFPR <= 0 || targetFPR >= 1 {
		targetFPR = 0.01
	}
	m := math.Ceil(-1 * float64(n) * math.Log(targetFPR) / (math.Ln2 * math.Ln2))
	if m < 8 {
		m = 8
	}
	k := math.Round((m / float64(n)) * math.Ln2)
	if k < 1 {
		k = 1
	}
	if k > 32 {
		k = 32
	}
	return &Filter{
		bits:      uint32(m),
		hashCount: uint8(k),
		set:       bitset.New(uint(m)),
	}
}

// Add inserts id into the filter.
func (f *Filter) Add(id ids.ID) {
	for i := uint8(0); i < f.hashCount; i++ {
		pos := seededFNV1a(i, id[:]) % uint64(f.bits)
		f.set.Set(uint(pos))
	}
}

// Test reports whether id is possibly present (no false negatives,
// false positives are expected per spec §8).
func (f *Filter) Test(id ids.ID) bool {
	for i := uint8(0); i < f.hashCount; i++ {
		pos := seededFNV1a(i, id[:]) % uint64(f.bits)
		if !f.set.Test(uint(pos)) {
			return false
		}
	}
	return true
}

// Encode serializes the filter to spec §6's wire format: 4 bytes
// little-endian bit count, 1 byte hash count, then the bit array.
func (f *Filter) Encode() []byte {
	byteLen := (f.bits + 7) / 8
	out := make([]byte, filterHeaderSize+byteLen)
	binary.LittleEndian.PutUint32(out[0:4], f.bits)
	out[4] = f.hashCount
	raw := f.set.Bytes()
	// bitset.Bytes returns []uint64 words in machine order; repack
	// into the flat little-endian byte array the wire format expects.
	for i := uint32(0); i < byteLen; i++ {
		word := i / 8
		shift := (i % 8) * 8
		var wv uint64
		if int(word) < len(raw) {
			wv = raw[word]
		}
		out[filterHeaderSize+i] = byte(wv >> shift)
	}
	return out
}

// DecodeFilter parses the spec §6 wire format. Per spec §4.2, an
// empty, truncated, or zero-bit-count input is "malformed": the
// caller should treat it as matching nothing.
func DecodeFilter(data []byte) (*Filter, error) {
	if len(data) < filterHeaderSize {
		return nil, ErrMalformedFilter
	}
	bits := binary.LittleEndian.Uint32(data[0:4])
	hashCount := data[4]
	if bits == 0 {
		return nil, ErrMalformedFilter
	}
	byteLen := (bits + 7) / 8
	body := data[filterHeaderSize:]
	if uint32(len(body)) < byteLen {
		return nil, ErrMalformedFilter
	}

	set := bitset.New(uint(bits))
	for i := uint32(0); i < byteLen; i++ {
		b := body[i]
		for bit := 0; bit < 8; bit++ {
			pos := i*8 + uint32(bit)
			if pos >= bits {
				break
			}
			if b&(1<<uint(bit)) != 0 {
				set.Set(uint(pos))
			}
		}
	}
	return &Filter{bits: bits, hashCount: hashCount, set: set}, nil
}

// BuildFilter constructs a filter over ids targeting the standard
// anti-entropy false-positive rate.
func BuildFilter(idList []ids.ID) *Filter {
	f := NewFilter(len(idList), 0.01)
	for _, id := range idList {
		f.Add(id)
	}
	return f
}
