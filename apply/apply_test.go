package apply

import (
	"context"
	"crypto/rand"
	"testing"

	"github.com/luxfi/ids"
	"github.com/stretchr/testify/require"

	"github.com/calimero-network/core/aead"
	"github.com/calimero-network/core/identity"
	"github.com/calimero-network/core/logging"
	"github.com/calimero-network/core/storage"
	"github.com/calimero-network/core/wire"
)

func newTestApplier() (*Applier, *storage.Store, *identity.Table) {
	store := storage.New(newMemDB())
	identities := identity.NewTable()
	return New(store, identities, logging.New()), store, identities
}

func sealedDelta(t *testing.T, ctxID, authorID ids.ID, senderKey [aead.KeySize]byte, actions []wire.StorageAction, expected [32]byte) *wire.Delta {
	t.Helper()
	plaintext, err := wire.Marshal(actions)
	require.NoError(t, err)

	var nonce [aead.NonceSize]byte
	_, err = rand.Read(nonce[:])
	require.NoError(t, err)

	ciphertext, err := aead.Seal(senderKey, nonce, plaintext, nil)
	require.NoError(t, err)

	d := &wire.Delta{
		ContextID:        ctxID,
		AuthorID:         authorID,
		Parents:          []ids.ID{wire.GenesisID},
		Payload:          ciphertext,
		Nonce:            nonce,
		ExpectedRootHash: expected,
	}
	id, err := wire.HashDelta(d)
	require.NoError(t, err)
	d.ID = id
	return d
}

func TestApplyCommitsOnMatchingRootHash(t *testing.T) {
	a, store, identities := newTestApplier()
	ctxID := ids.GenerateTestID()
	author, err := identities.GenerateOwned()
	require.NoError(t, err)

	actions := []wire.StorageAction{
		{Kind: wire.ActionPut, Key: []byte("a"), Value: []byte("1")},
		{Kind: wire.ActionPut, Key: []byte("b"), Value: []byte("2")},
	}
	expected := hashRecords(map[string][]byte{"a": []byte("1"), "b": []byte("2")})
	d := sealedDelta(t, ctxID, author.ID, *author.SenderKey, actions, expected)

	require.NoError(t, a.Apply(context.Background(), d))

	got, err := store.GetState(ctxID, []byte("a"))
	require.NoError(t, err)
	require.Equal(t, []byte("1"), got)

	root, err := store.RootHash(ctxID)
	require.NoError(t, err)
	require.Equal(t, expected, root)
}

func TestApplyRejectsMismatchedRootHashWithoutWriting(t *testing.T) {
	a, store, identities := newTestApplier()
	ctxID := ids.GenerateTestID()
	author, err := identities.GenerateOwned()
	require.NoError(t, err)

	actions := []wire.StorageAction{
		{Kind: wire.ActionPut, Key: []byte("a"), Value: []byte("1")},
	}
	var wrong [32]byte
	wrong[0] = 0xFF
	d := sealedDelta(t, ctxID, author.ID, *author.SenderKey, actions, wrong)

	err = a.Apply(context.Background(), d)
	require.Error(t, err)

	var mismatch *RootHashMismatchError
	require.ErrorAs(t, err, &mismatch)
	require.Equal(t, d.ID, mismatch.DeltaID)
	require.Equal(t, wrong, mismatch.Expected)

	_, err = store.GetState(ctxID, []byte("a"))
	require.Error(t, err)
}

func TestApplyOrdersUpdateThenDeleteWithinOneDelta(t *testing.T) {
	a, store, identities := newTestApplier()
	ctxID := ids.GenerateTestID()
	author, err := identities.GenerateOwned()
	require.NoError(t, err)

	seed := []wire.StorageAction{
		{Kind: wire.ActionPut, Key: []byte("k"), Value: []byte("v1")},
	}
	seedExpected := hashRecords(map[string][]byte{"k": []byte("v1")})
	require.NoError(t, a.Apply(context.Background(), sealedDelta(t, ctxID, author.ID, *author.SenderKey, seed, seedExpected)))

	followUp := []wire.StorageAction{
		{Kind: wire.ActionUpdate, Key: []byte("k"), Value: []byte("v2")},
		{Kind: wire.ActionDelete, Key: []byte("k")},
	}
	followUpExpected := hashRecords(map[string][]byte{})
	second := sealedDelta(t, ctxID, author.ID, *author.SenderKey, followUp, followUpExpected)
	second.Parents = []ids.ID{ids.GenerateTestID()}
	id, err := wire.HashDelta(second)
	require.NoError(t, err)
	second.ID = id

	require.NoError(t, a.Apply(context.Background(), second))

	_, err = store.GetState(ctxID, []byte("k"))
	require.Error(t, err)
}

func TestApplyFailsWithSenderKeyUnavailable(t *testing.T) {
	a, _, identities := newTestApplier()
	ctxID := ids.GenerateTestID()

	// Author is known only as a foreign identity with no sender key.
	owner := identity.NewTable()
	ownerIdentity, err := owner.GenerateOwned()
	require.NoError(t, err)
	foreign, err := identities.AddForeign(ownerIdentity.PublicKey)
	require.NoError(t, err)

	d := sealedDelta(t, ctxID, foreign.ID, *ownerIdentity.SenderKey,
		[]wire.StorageAction{{Kind: wire.ActionPut, Key: []byte("a"), Value: []byte("1")}},
		hashRecords(map[string][]byte{"a": []byte("1")}))

	err = a.Apply(context.Background(), d)
	require.Error(t, err)

	var unavailable *SenderKeyUnavailableError
	require.ErrorAs(t, err, &unavailable)
	require.Equal(t, foreign.ID, unavailable.AuthorID)
}
