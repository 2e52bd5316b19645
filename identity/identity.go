// Package identity implements the node's identity table (spec §3
// "Identity"/"Sender key"): owned and foreign members of a context,
// their signing keys, their symmetric sender keys, and membership
// capabilities. Modeled on the teacher's ringtail key-manager shape,
// replacing post-quantum lattice keys with ed25519 and a plain
// symmetric sender key per spec.md §3.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"

	"github.com/luxfi/ids"

	"github.com/calimero-network/core/aead"
)

// ErrNotFound is returned when an identity is not present in the
// table.
var ErrNotFound = errors.New("identity: not found")

// ErrNoSenderKey is returned when a caller needs the sender key of an
// identity that does not yet have one (spec §7 "Decryption failure:
// missing sender key").
var ErrNoSenderKey = errors.New("identity: no sender key")

// ErrNotOwned is returned when a signing operation is requested for an
// identity without a local private key.
var ErrNotOwned = errors.New("identity: not owned")

// Capability names the membership permissions the CLI's
// `capability grant/revoke` commands manage (spec §6). The set is
// open-ended; no fixed enum is imposed beyond the two evident from the
// CLI surface.
type Capability string

const (
	CapabilityManageApplication Capability = "manage_application"
	CapabilityManageMembers     Capability = "manage_members"
)

// Identity is one context member's key material (spec §3). A locally
// owned identity has both PrivateKey and, once generated, SenderKey; a
// foreign identity has only PublicKey until it acquires a sender key
// through the stream-layer key exchange (spec §4.1 step 5).
type Identity struct {
	ID           ids.ID
	PublicKey    ed25519.PublicKey
	PrivateKey   ed25519.PrivateKey // nil for a foreign identity
	SenderKey    *[aead.KeySize]byte
	Capabilities map[Capability]struct{}
}

// Owned reports whether this identity has a local private key.
func (id *Identity) Owned() bool { return id.PrivateKey != nil }

// HasCapability reports whether cap has been granted.
func (id *Identity) HasCapability(cap Capability) bool {
	_, ok := id.Capabilities[cap]
	return ok
}

// idFromPublicKey derives the 32-byte identity id directly from the
// public key bytes, since ed25519 public keys are already 32 bytes —
// the same size as ids.ID (spec §3: "public key (32 B)").
func idFromPublicKey(pub ed25519.PublicKey) (ids.ID, error) {
	return ids.ToID(pub)
}

// Table is the context client's identity store (spec §3 "the identity
// table (owned by the context client) exclusively owns keys"). It is
// safe for concurrent use: the stream layer, broadcast pipeline, and
// delta applier all read and update it independently.
type Table struct {
	mu   sync.RWMutex
	byID map[ids.ID]*Identity
}

// NewTable creates an empty identity table.
func NewTable() *Table {
	return &Table{byID: make(map[ids.ID]*Identity)}
}

// GenerateOwned creates a fresh owned identity: a new ed25519 keypair
// plus a random sender key, and adds it to the table.
func (t *Table) GenerateOwned() (*Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("identity: generate keypair: %w", err)
	}
	id, err := idFromPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("identity: derive id: %w", err)
	}

	var senderKey [aead.KeySize]byte
	if _, err := rand.Read(senderKey[:]); err != nil {
		return nil, fmt.Errorf("identity: generate sender key: %w", err)
	}

	identity := &Identity{
		ID:           id,
		PublicKey:    pub,
		PrivateKey:   priv,
		SenderKey:    &senderKey,
		Capabilities: make(map[Capability]struct{}),
	}

	t.mu.Lock()
	t.byID[id] = identity
	t.mu.Unlock()
	return identity, nil
}

// AddForeign registers a peer's public key as a foreign identity, with
// no sender key and no capabilities, unless one is already known.
func (t *Table) AddForeign(pub ed25519.PublicKey) (*Identity, error) {
	id, err := idFromPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("identity: derive id: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if existing, ok := t.byID[id]; ok {
		return existing, nil
	}
	identity := &Identity{
		ID:           id,
		PublicKey:    pub,
		Capabilities: make(map[Capability]struct{}),
	}
	t.byID[id] = identity
	return identity, nil
}

// Get returns the identity for id.
func (t *Table) Get(id ids.ID) (*Identity, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	identity, ok := t.byID[id]
	return identity, ok
}

// SenderKey returns the sender key known for id, or ErrNoSenderKey if
// the identity is unknown or has none yet.
func (t *Table) SenderKey(id ids.ID) ([aead.KeySize]byte, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	identity, ok := t.byID[id]
	if !ok || identity.SenderKey == nil {
		return [aead.KeySize]byte{}, ErrNoSenderKey
	}
	return *identity.SenderKey, nil
}

// SetSenderKey replaces id's sender key (spec §4.1 step 5: "replace-
// always — the identity key type is not comparable"). The identity
// must already be known to the table.
func (t *Table) SetSenderKey(id ids.ID, key [aead.KeySize]byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	identity, ok := t.byID[id]
	if !ok {
		return ErrNotFound
	}
	k := key
	identity.SenderKey = &k
	return nil
}

// Sign signs message with id's private key. id must be locally owned.
func (t *Table) Sign(id ids.ID, message []byte) ([64]byte, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	identity, ok := t.byID[id]
	if !ok {
		return [64]byte{}, ErrNotFound
	}
	if !identity.Owned() {
		return [64]byte{}, ErrNotOwned
	}
	var sig [64]byte
	copy(sig[:], ed25519.Sign(identity.PrivateKey, message))
	return sig, nil
}

// Verify checks sig against message for the claimed identity id.
func (t *Table) Verify(id ids.ID, message []byte, sig [64]byte) (bool, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	identity, ok := t.byID[id]
	if !ok {
		return false, ErrNotFound
	}
	return ed25519.Verify(identity.PublicKey, message, sig[:]), nil
}

// Grant and Revoke manage an identity's capability set (spec §6
// "grant, revoke capability").
func (t *Table) Grant(id ids.ID, cap Capability) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	identity, ok := t.byID[id]
	if !ok {
		return ErrNotFound
	}
	identity.Capabilities[cap] = struct{}{}
	return nil
}

func (t *Table) Revoke(id ids.ID, cap Capability) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	identity, ok := t.byID[id]
	if !ok {
		return ErrNotFound
	}
	delete(identity.Capabilities, cap)
	return nil
}

// List returns every identity id currently known to the table.
func (t *Table) List() []ids.ID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]ids.ID, 0, len(t.byID))
	for id := range t.byID {
		out = append(out, id)
	}
	return out
}
