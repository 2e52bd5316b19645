package sync

import (
	"crypto/rand"
	"testing"

	"github.com/luxfi/ids"
	"github.com/stretchr/testify/require"

	"github.com/calimero-network/core/aead"
	"github.com/calimero-network/core/apply"
	"github.com/calimero-network/core/dagstore"
	"github.com/calimero-network/core/identity"
	"github.com/calimero-network/core/logging"
	"github.com/calimero-network/core/storage"
	"github.com/calimero-network/core/wire"
)

// testNode bundles one side's identity table, DAG store, storage
// store, and applier for tests that simulate two peers syncing a
// shared context.
type testNode struct {
	ctxID      ids.ID
	identities *identity.Table
	author     *identity.Identity
	store      *storage.Store
	dag        *dagstore.Store
	applier    *apply.Applier
}

func newTestNode(t *testing.T, ctxID ids.ID) *testNode {
	t.Helper()
	identities := identity.NewTable()
	author, err := identities.GenerateOwned()
	require.NoError(t, err)
	store := storage.New(newMemDB())
	applier := apply.New(store, identities, logging.New())
	dag := dagstore.New(ctxID, 256, logging.New())
	return &testNode{ctxID: ctxID, identities: identities, author: author, store: store, dag: dag, applier: applier}
}

// shareSenderKey simulates a prior key exchange: b learns a's sender
// key directly, bypassing the stream handshake, so catch-up/
// anti-entropy tests can focus on their own logic.
func shareSenderKey(t *testing.T, a, b *testNode) {
	t.Helper()
	foreign, err := b.identities.AddForeign(a.author.PublicKey)
	require.NoError(t, err)
	require.NoError(t, b.identities.SetSenderKey(foreign.ID, *a.author.SenderKey))
}

// sealAndHashDelta builds a real AEAD-sealed, content-addressed delta
// authored by n, mutating state with actions, parented on parents.
func sealAndHashDelta(t *testing.T, n *testNode, parents []ids.ID, actions []wire.StorageAction, expectedRootHash [32]byte) *wire.Delta {
	t.Helper()
	plaintext, err := wire.Marshal(actions)
	require.NoError(t, err)

	var nonce [aead.NonceSize]byte
	_, err = rand.Read(nonce[:])
	require.NoError(t, err)

	ciphertext, err := aead.Seal(*n.author.SenderKey, nonce, plaintext, nil)
	require.NoError(t, err)

	d := &wire.Delta{
		ContextID:        n.ctxID,
		AuthorID:         n.author.ID,
		Parents:          parents,
		Payload:          ciphertext,
		Nonce:            nonce,
		ExpectedRootHash: expectedRootHash,
	}
	id, err := wire.HashDelta(d)
	require.NoError(t, err)
	d.ID = id
	return d
}

func stateHash(t *testing.T, n *testNode) [32]byte {
	t.Helper()
	h, err := n.store.RootHash(n.ctxID)
	require.NoError(t, err)
	return h
}
