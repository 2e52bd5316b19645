package identity

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGenerateOwnedHasPrivateAndSenderKey(t *testing.T) {
	table := NewTable()
	id, err := table.GenerateOwned()
	require.NoError(t, err)
	require.True(t, id.Owned())
	require.NotNil(t, id.SenderKey)

	got, ok := table.Get(id.ID)
	require.True(t, ok)
	require.Same(t, id, got)
}

func TestAddForeignHasNoPrivateOrSenderKey(t *testing.T) {
	table := NewTable()
	owner, err := table.GenerateOwned()
	require.NoError(t, err)

	peers := NewTable()
	foreign, err := peers.AddForeign(owner.PublicKey)
	require.NoError(t, err)
	require.False(t, foreign.Owned())
	require.Equal(t, owner.ID, foreign.ID)

	_, err = peers.SenderKey(foreign.ID)
	require.ErrorIs(t, err, ErrNoSenderKey)
}

func TestSetSenderKeyReplacesAlways(t *testing.T) {
	table := NewTable()
	owner, err := table.GenerateOwned()
	require.NoError(t, err)

	foreign, err := NewTable().AddForeign(owner.PublicKey)
	require.NoError(t, err)
	_ = foreign

	peers := NewTable()
	f, err := peers.AddForeign(owner.PublicKey)
	require.NoError(t, err)

	var k1, k2 [32]byte
	k1[0] = 1
	k2[0] = 2
	require.NoError(t, peers.SetSenderKey(f.ID, k1))
	got, err := peers.SenderKey(f.ID)
	require.NoError(t, err)
	require.Equal(t, k1, got)

	require.NoError(t, peers.SetSenderKey(f.ID, k2))
	got, err = peers.SenderKey(f.ID)
	require.NoError(t, err)
	require.Equal(t, k2, got)
}

func TestSignAndVerifyRoundTrip(t *testing.T) {
	table := NewTable()
	owner, err := table.GenerateOwned()
	require.NoError(t, err)

	msg := []byte("challenge")
	sig, err := table.Sign(owner.ID, msg)
	require.NoError(t, err)

	ok, err := table.Verify(owner.ID, msg, sig)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = table.Verify(owner.ID, []byte("tampered"), sig)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSignRequiresOwnedIdentity(t *testing.T) {
	table := NewTable()
	owner, err := table.GenerateOwned()
	require.NoError(t, err)

	peers := NewTable()
	foreign, err := peers.AddForeign(owner.PublicKey)
	require.NoError(t, err)

	_, err = peers.Sign(foreign.ID, []byte("x"))
	require.ErrorIs(t, err, ErrNotOwned)
}

func TestGrantAndRevokeCapability(t *testing.T) {
	table := NewTable()
	owner, err := table.GenerateOwned()
	require.NoError(t, err)

	require.False(t, owner.HasCapability(CapabilityManageMembers))
	require.NoError(t, table.Grant(owner.ID, CapabilityManageMembers))
	require.True(t, owner.HasCapability(CapabilityManageMembers))

	require.NoError(t, table.Revoke(owner.ID, CapabilityManageMembers))
	require.False(t, owner.HasCapability(CapabilityManageMembers))
}
