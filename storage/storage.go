// Package storage adapts the node's persisted state — context
// metadata, per-context key/value state, the per-context DAG, the
// identity table, aliases, and reserved markers — onto a single
// embedded key/value engine. The engine itself (atomic batches,
// ordered snapshot iteration) is an external collaborator; this
// package only owns the column layout on top of it.
package storage

import (
	"errors"
	"sort"

	"github.com/luxfi/database"
	"github.com/luxfi/ids"
	"github.com/zeebo/blake3"
)

// Column prefixes partition the flat key space the embedded engine
// exposes. Each is a single byte so prefixed iteration stays cheap.
const (
	colContextMeta byte = 0x01
	colState       byte = 0x02
	colDAG         byte = 0x03
	colIdentity    byte = 0x04
	colAlias       byte = 0x05
	colReserved    byte = 0x06
)

// ErrNotFound is returned when a lookup finds no record.
var ErrNotFound = errors.New("storage: not found")

// Store is the node's binding of a context's persisted data onto the
// embedded key/value engine (see spec §6, "Persisted state layout").
type Store struct {
	db database.Database
}

// New wraps db as a Store.
func New(db database.Database) *Store {
	return &Store{db: db}
}

// Batch returns a new atomic write batch against the underlying
// engine.
func (s *Store) Batch() database.Batch {
	return s.db.NewBatch()
}

func stateKey(ctxID ids.ID, key []byte) []byte {
	out := make([]byte, 0, 1+len(ctxID)+len(key))
	out = append(out, colState)
	out = append(out, ctxID[:]...)
	out = append(out, key...)
	return out
}

func statePrefix(ctxID ids.ID) []byte {
	out := make([]byte, 0, 1+len(ctxID))
	out = append(out, colState)
	out = append(out, ctxID[:]...)
	return out
}

// GetState reads a single state-key value within a context.
func (s *Store) GetState(ctxID ids.ID, key []byte) ([]byte, error) {
	v, err := s.db.Get(stateKey(ctxID, key))
	if err != nil {
		return nil, err
	}
	return v, nil
}

// PutState stages a state-key write against batch.
func (s *Store) PutState(batch database.Batch, ctxID ids.ID, key, value []byte) error {
	return batch.Put(stateKey(ctxID, key), value)
}

// DeleteState stages a state-key deletion against batch.
func (s *Store) DeleteState(batch database.Batch, ctxID ids.ID, key []byte) error {
	return batch.Delete(stateKey(ctxID, key))
}

// StateKeys returns every state-key currently stored for ctxID, with
// the column/context prefix stripped, in lexicographic order. Used by
// snapshot sync to compute the stale-key set before a transfer and by
// DeleteContext.
func (s *Store) StateKeys(ctxID ids.ID) ([][]byte, error) {
	prefix := statePrefix(ctxID)
	it := s.db.NewIteratorWithPrefix(prefix)
	defer it.Release()

	var keys [][]byte
	for it.Next() {
		k := make([]byte, len(it.Key())-len(prefix))
		copy(k, it.Key()[len(prefix):])
		keys = append(keys, k)
	}
	return keys, it.Error()
}

// StateRecord is a single key/value pair yielded by a snapshot walk.
type StateRecord struct {
	Key   []byte
	Value []byte
}

// WalkState invokes fn for every state record of ctxID in
// lexicographic key order, stopping at the first error fn returns.
// This is the "snapshot iterator" named in spec §1/§4.4.2.
func (s *Store) WalkState(ctxID ids.ID, fn func(StateRecord) error) error {
	prefix := statePrefix(ctxID)
	it := s.db.NewIteratorWithPrefix(prefix)
	defer it.Release()

	for it.Next() {
		key := make([]byte, len(it.Key())-len(prefix))
		copy(key, it.Key()[len(prefix):])
		value := make([]byte, len(it.Value()))
		copy(value, it.Value())
		if err := fn(StateRecord{Key: key, Value: value}); err != nil {
			return err
		}
	}
	return it.Error()
}

// RootHash computes the deterministic root hash of ctxID's current
// state: BLAKE3 over the sorted sequence of key||0x00||value records
// (see SPEC_FULL.md §4.6). It is pure in the stored content and
// independent of write order.
func (s *Store) RootHash(ctxID ids.ID) ([32]byte, error) {
	var records []StateRecord
	if err := s.WalkState(ctxID, func(r StateRecord) error {
		records = append(records, r)
		return nil
	}); err != nil {
		return [32]byte{}, err
	}

	// The iterator is already lexicographic per the embedded engine's
	// ordering guarantee, but sort defensively so the hash is a pure
	// function of content even if that guarantee is ever relaxed.
	sort.Slice(records, func(i, j int) bool {
		return string(records[i].Key) < string(records[j].Key)
	})

	h := blake3.New()
	for _, r := range records {
		h.Write(r.Key)
		h.Write([]byte{0x00})
		h.Write(r.Value)
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out, nil
}

// PreviewRootHash computes the root hash ctxID's state would have
// after overlaying actions onto its current content, without writing
// anything. A delta's author uses this to stamp the expected root
// hash the delta carries (spec §4.5 "the expected root hash the
// author computed after applying this delta locally") before the
// delta itself is ever applied.
func (s *Store) PreviewRootHash(ctxID ids.ID, actions []StateAction) ([32]byte, error) {
	overlay := make(map[string][]byte)
	if err := s.WalkState(ctxID, func(r StateRecord) error {
		overlay[string(r.Key)] = r.Value
		return nil
	}); err != nil {
		return [32]byte{}, err
	}

	for _, action := range actions {
		switch action.Kind {
		case StateActionPut:
			overlay[string(action.Key)] = action.Value
		case StateActionDelete:
			delete(overlay, string(action.Key))
		}
	}

	keys := make([]string, 0, len(overlay))
	for k := range overlay {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := blake3.New()
	for _, k := range keys {
		h.Write([]byte(k))
		h.Write([]byte{0x00})
		h.Write(overlay[k])
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out, nil
}

// StateActionKind distinguishes a put from a delete in a preview
// overlay, mirroring wire.StorageActionKind without importing the wire
// package (apply depends on storage, and storage depends on neither
// apply nor wire).
type StateActionKind uint8

const (
	StateActionPut StateActionKind = iota
	StateActionDelete
)

// StateAction is one overlay operation passed to PreviewRootHash.
type StateAction struct {
	Kind  StateActionKind
	Key   []byte
	Value []byte
}

// --- DAG column -------------------------------------------------------

func dagKey(ctxID, deltaID ids.ID) []byte {
	out := make([]byte, 0, 1+len(ctxID)+len(deltaID))
	out = append(out, colDAG)
	out = append(out, ctxID[:]...)
	out = append(out, deltaID[:]...)
	return out
}

func dagPrefix(ctxID ids.ID) []byte {
	out := make([]byte, 0, 1+len(ctxID))
	out = append(out, colDAG)
	out = append(out, ctxID[:]...)
	return out
}

// PutDelta persists an applied delta's encoded bytes for a context.
func (s *Store) PutDelta(batch database.Batch, ctxID, deltaID ids.ID, encoded []byte) error {
	return batch.Put(dagKey(ctxID, deltaID), encoded)
}

// GetDelta reads a persisted delta's encoded bytes, or ErrNotFound.
func (s *Store) GetDelta(ctxID, deltaID ids.ID) ([]byte, error) {
	ok, err := s.db.Has(dagKey(ctxID, deltaID))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}
	return s.db.Get(dagKey(ctxID, deltaID))
}

// WalkDAG invokes fn for every persisted delta of ctxID, used to
// restore the in-memory DAG store on startup.
func (s *Store) WalkDAG(ctxID ids.ID, fn func(deltaID ids.ID, encoded []byte) error) error {
	prefix := dagPrefix(ctxID)
	it := s.db.NewIteratorWithPrefix(prefix)
	defer it.Release()

	for it.Next() {
		var id ids.ID
		copy(id[:], it.Key()[len(prefix):])
		encoded := make([]byte, len(it.Value()))
		copy(encoded, it.Value())
		if err := fn(id, encoded); err != nil {
			return err
		}
	}
	return it.Error()
}

// --- context metadata ---------------------------------------------------

// ContextMeta is the persisted metadata record for a context.
type ContextMeta struct {
	ApplicationID ids.ID
	RootHash      [32]byte
	Heads         []ids.ID
}

func contextMetaKey(ctxID ids.ID) []byte {
	out := make([]byte, 0, 1+len(ctxID))
	out = append(out, colContextMeta)
	out = append(out, ctxID[:]...)
	return out
}

// GetContextMetaBytes and PutContextMetaBytes read and stage a
// context's metadata record as already-encoded bytes; encoding and
// decoding a ContextMeta is left to the caller.
func (s *Store) GetContextMetaBytes(ctxID ids.ID) ([]byte, error) {
	ok, err := s.db.Has(contextMetaKey(ctxID))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}
	return s.db.Get(contextMetaKey(ctxID))
}

func (s *Store) PutContextMetaBytes(batch database.Batch, ctxID ids.ID, encoded []byte) error {
	return batch.Put(contextMetaKey(ctxID), encoded)
}

func (s *Store) DeleteContext(batch database.Batch, ctxID ids.ID) error {
	keys, err := s.StateKeys(ctxID)
	if err != nil {
		return err
	}
	for _, k := range keys {
		if err := batch.Delete(stateKey(ctxID, k)); err != nil {
			return err
		}
	}
	if err := s.WalkDAG(ctxID, func(deltaID ids.ID, _ []byte) error {
		return batch.Delete(dagKey(ctxID, deltaID))
	}); err != nil {
		return err
	}
	return batch.Delete(contextMetaKey(ctxID))
}

// ListContexts returns every context-id with persisted metadata.
func (s *Store) ListContexts() ([]ids.ID, error) {
	it := s.db.NewIteratorWithPrefix([]byte{colContextMeta})
	defer it.Release()

	var out []ids.ID
	for it.Next() {
		var id ids.ID
		copy(id[:], it.Key()[1:])
		out = append(out, id)
	}
	return out, it.Error()
}

// --- identity table -----------------------------------------------------

func identityKey(id ids.ID) []byte {
	out := make([]byte, 0, 1+len(id))
	out = append(out, colIdentity)
	out = append(out, id[:]...)
	return out
}

func (s *Store) GetIdentityBytes(id ids.ID) ([]byte, error) {
	ok, err := s.db.Has(identityKey(id))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}
	return s.db.Get(identityKey(id))
}

func (s *Store) PutIdentityBytes(batch database.Batch, id ids.ID, encoded []byte) error {
	return batch.Put(identityKey(id), encoded)
}

// --- aliases --------------------------------------------------------------

func aliasKey(name string) []byte {
	out := make([]byte, 0, 1+len(name))
	out = append(out, colAlias)
	out = append(out, name...)
	return out
}

func (s *Store) GetAlias(name string) (ids.ID, error) {
	v, err := s.db.Get(aliasKey(name))
	if err != nil {
		return ids.Empty, err
	}
	var id ids.ID
	copy(id[:], v)
	return id, nil
}

func (s *Store) PutAlias(batch database.Batch, name string, id ids.ID) error {
	return batch.Put(aliasKey(name), id[:])
}

func (s *Store) DeleteAlias(batch database.Batch, name string) error {
	return batch.Delete(aliasKey(name))
}

func (s *Store) ListAliases() (map[string]ids.ID, error) {
	it := s.db.NewIteratorWithPrefix([]byte{colAlias})
	defer it.Release()

	out := map[string]ids.ID{}
	for it.Next() {
		name := string(it.Key()[1:])
		var id ids.ID
		copy(id[:], it.Value())
		out[name] = id
	}
	return out, it.Error()
}

// --- reserved / markers ---------------------------------------------------

func markerKey(ctxID ids.ID) []byte {
	out := make([]byte, 0, 1+len(ctxID))
	out = append(out, colReserved)
	out = append(out, ctxID[:]...)
	return out
}

// SnapshotMarker records a mid-flight snapshot sync for a context.
type SnapshotMarker struct {
	ExpectedRootHash [32]byte
}

// GetSnapshotMarkerBytes returns the encoded marker for ctxID, or
// ErrNotFound if no snapshot sync is in flight.
func (s *Store) GetSnapshotMarkerBytes(ctxID ids.ID) ([]byte, error) {
	ok, err := s.db.Has(markerKey(ctxID))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}
	return s.db.Get(markerKey(ctxID))
}

// PutSnapshotMarker sets the in-flight marker for ctxID. Per spec
// §4.4.2 this must be written and durable before any snapshot page is
// applied to storage.
func (s *Store) PutSnapshotMarker(ctxID ids.ID, encoded []byte) error {
	return s.db.Put(markerKey(ctxID), encoded)
}

// ClearSnapshotMarker removes ctxID's in-flight marker. Per spec this
// must happen atomically with the final snapshot write and metadata
// update — callers include the marker deletion in the same batch as
// that write.
func (s *Store) ClearSnapshotMarker(batch database.Batch, ctxID ids.ID) error {
	return batch.Delete(markerKey(ctxID))
}

// Close releases the underlying engine handle.
func (s *Store) Close() error {
	return s.db.Close()
}
