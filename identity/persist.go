package identity

import (
	"crypto/ed25519"
	"errors"
	"fmt"

	"github.com/luxfi/database"
	"github.com/luxfi/ids"

	"github.com/calimero-network/core/storage"
	"github.com/calimero-network/core/wire"
)

// toRecord converts id into its on-disk wire shape.
func toRecord(id *Identity) wire.IdentityRecord {
	rec := wire.IdentityRecord{
		ID:        id.ID,
		PublicKey: append([]byte(nil), id.PublicKey...),
	}
	if id.PrivateKey != nil {
		rec.PrivateKey = append([]byte(nil), id.PrivateKey...)
	}
	if id.SenderKey != nil {
		rec.HasSenderKey = true
		rec.SenderKey = *id.SenderKey
	}
	for cap := range id.Capabilities {
		rec.Capabilities = append(rec.Capabilities, string(cap))
	}
	return rec
}

// fromRecord rebuilds an Identity from its on-disk wire shape.
func fromRecord(rec wire.IdentityRecord) *Identity {
	id := &Identity{
		ID:           rec.ID,
		PublicKey:    ed25519.PublicKey(append([]byte(nil), rec.PublicKey...)),
		Capabilities: make(map[Capability]struct{}, len(rec.Capabilities)),
	}
	if len(rec.PrivateKey) > 0 {
		id.PrivateKey = ed25519.PrivateKey(append([]byte(nil), rec.PrivateKey...))
	}
	if rec.HasSenderKey {
		k := rec.SenderKey
		id.SenderKey = &k
	}
	for _, cap := range rec.Capabilities {
		id.Capabilities[Capability(cap)] = struct{}{}
	}
	return id
}

// Save encodes id and writes it to store's identity column under
// batch. The caller commits batch.
func Save(store *storage.Store, batch database.Batch, id *Identity) error {
	encoded, err := wire.Marshal(toRecord(id))
	if err != nil {
		return fmt.Errorf("identity: encode %s: %w", id.ID, err)
	}
	return store.PutIdentityBytes(batch, id.ID, encoded)
}

// SaveAll persists every identity currently in the table under batch.
func (t *Table) SaveAll(store *storage.Store, batch database.Batch) error {
	t.mu.RLock()
	identities := make([]*Identity, 0, len(t.byID))
	for _, id := range t.byID {
		identities = append(identities, id)
	}
	t.mu.RUnlock()

	for _, id := range identities {
		if err := Save(store, batch, id); err != nil {
			return err
		}
	}
	return nil
}

// Load reads and decodes one identity from store, adding it to the
// table (overwriting any in-memory entry with the same id).
func (t *Table) Load(store *storage.Store, id ids.ID) (*Identity, error) {
	encoded, err := store.GetIdentityBytes(id)
	if err != nil {
		return nil, fmt.Errorf("identity: load %s: %w", id, err)
	}
	var rec wire.IdentityRecord
	if err := wire.Unmarshal(encoded, &rec); err != nil {
		return nil, fmt.Errorf("identity: decode %s: %w", id, err)
	}
	identity := fromRecord(rec)

	t.mu.Lock()
	t.byID[identity.ID] = identity
	t.mu.Unlock()
	return identity, nil
}

// LoadAll reads and decodes every listed identity into the table,
// skipping ids storage.GetIdentityBytes reports as not found (a fresh
// peer reference that was never persisted).
func (t *Table) LoadAll(store *storage.Store, ids []ids.ID) error {
	for _, id := range ids {
		if _, err := t.Load(store, id); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return err
		}
	}
	return nil
}
