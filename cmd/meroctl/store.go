package main

import (
	"crypto/ed25519"
	"fmt"

	"github.com/luxfi/database/memdb"
	"github.com/luxfi/ids"

	"github.com/calimero-network/core/config"
	"github.com/calimero-network/core/identity"
	"github.com/calimero-network/core/storage"
)

// session is one CLI invocation's view of the node's embedded state.
// It opens a fresh store the same way node.New does, since this
// module ships no persistent database engine: every meroctl
// invocation starts from an empty store of its own, separate from any
// running calimerod's (see DESIGN.md's memdb entry).
type session struct {
	cfg        config.Config
	store      *storage.Store
	identities *identity.Table
}

func openSession() (*session, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	store := storage.New(memdb.New())
	identities := identity.NewTable()

	return &session{cfg: cfg, store: store, identities: identities}, nil
}

func loadConfig() (config.Config, error) {
	if configPath == "" {
		return config.Default(), nil
	}
	return config.Load(configPath)
}

// defaultContext resolves the context id to operate on: an explicit
// --context flag wins, otherwise the alias set by "use".
func (s *session) defaultContext(explicit string) (ids.ID, error) {
	if explicit != "" {
		return parseID(explicit)
	}
	id, err := s.store.GetAlias("default")
	if err != nil {
		return ids.ID{}, fmt.Errorf("meroctl: no --context given and no default set (see \"use\")")
	}
	return id, nil
}

func parseID(s string) (ids.ID, error) {
	id, err := ids.FromString(s)
	if err != nil {
		return ids.ID{}, fmt.Errorf("meroctl: invalid id %q: %w", s, err)
	}
	return id, nil
}

func randomID() (ids.ID, error) {
	pub, _, err := ed25519.GenerateKey(nil)
	if err != nil {
		return ids.ID{}, err
	}
	return ids.ToID(pub)
}

// selfAlias matches node.New's own well-known alias. Because each
// invocation's store is its own, the identity it resolves is not the
// one a running daemon uses.
const selfAlias = "self"

func loadOrCreateSelf(s *session) (*identity.Identity, error) {
	if selfID, err := s.store.GetAlias(selfAlias); err == nil {
		return s.identities.Load(s.store, selfID)
	}

	self, err := s.identities.GenerateOwned()
	if err != nil {
		return nil, fmt.Errorf("meroctl: generate self identity: %w", err)
	}
	batch := s.store.Batch()
	if err := identity.Save(s.store, batch, self); err != nil {
		return nil, err
	}
	if err := s.store.PutAlias(batch, selfAlias, self.ID); err != nil {
		return nil, err
	}
	if err := batch.Write(); err != nil {
		return nil, fmt.Errorf("meroctl: persist self identity: %w", err)
	}
	return self, nil
}
