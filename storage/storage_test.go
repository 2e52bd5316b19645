package storage

import (
	"testing"

	"github.com/luxfi/ids"
	"github.com/stretchr/testify/require"
)

func TestStateRoundTrip(t *testing.T) {
	s := New(newMemDB())
	ctxID := ids.GenerateTestID()

	b := s.Batch()
	require.NoError(t, s.PutState(b, ctxID, []byte("a"), []byte("1")))
	require.NoError(t, s.PutState(b, ctxID, []byte("b"), []byte("2")))
	require.NoError(t, b.Write())

	v, err := s.GetState(ctxID, []byte("a"))
	require.NoError(t, err)
	require.Equal(t, []byte("1"), v)

	keys, err := s.StateKeys(ctxID)
	require.NoError(t, err)
	require.ElementsMatch(t, [][]byte{[]byte("a"), []byte("b")}, keys)
}

func TestRootHashIsOrderIndependent(t *testing.T) {
	s1 := New(newMemDB())
	s2 := New(newMemDB())
	ctxID := ids.GenerateTestID()

	b1 := s1.Batch()
	require.NoError(t, s1.PutState(b1, ctxID, []byte("a"), []byte("1")))
	require.NoError(t, s1.PutState(b1, ctxID, []byte("b"), []byte("2")))
	require.NoError(t, b1.Write())

	b2 := s2.Batch()
	require.NoError(t, s2.PutState(b2, ctxID, []byte("b"), []byte("2")))
	require.NoError(t, s2.PutState(b2, ctxID, []byte("a"), []byte("1")))
	require.NoError(t, b2.Write())

	h1, err := s1.RootHash(ctxID)
	require.NoError(t, err)
	h2, err := s2.RootHash(ctxID)
	require.NoError(t, err)
	require.Equal(t, h1, h2)
}

func TestRootHashChangesWithContent(t *testing.T) {
	s := New(newMemDB())
	ctxID := ids.GenerateTestID()

	h0, err := s.RootHash(ctxID)
	require.NoError(t, err)

	b := s.Batch()
	require.NoError(t, s.PutState(b, ctxID, []byte("a"), []byte("1")))
	require.NoError(t, b.Write())

	h1, err := s.RootHash(ctxID)
	require.NoError(t, err)
	require.NotEqual(t, h0, h1)
}

func TestSnapshotMarkerLifecycle(t *testing.T) {
	s := New(newMemDB())
	ctxID := ids.GenerateTestID()

	_, err := s.GetSnapshotMarkerBytes(ctxID)
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.PutSnapshotMarker(ctxID, []byte("marker")))
	v, err := s.GetSnapshotMarkerBytes(ctxID)
	require.NoError(t, err)
	require.Equal(t, []byte("marker"), v)

	b := s.Batch()
	require.NoError(t, s.ClearSnapshotMarker(b, ctxID))
	require.NoError(t, b.Write())

	_, err = s.GetSnapshotMarkerBytes(ctxID)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDAGPersistence(t *testing.T) {
	s := New(newMemDB())
	ctxID := ids.GenerateTestID()
	deltaID := ids.GenerateTestID()

	b := s.Batch()
	require.NoError(t, s.PutDelta(b, ctxID, deltaID, []byte("payload")))
	require.NoError(t, b.Write())

	got, err := s.GetDelta(ctxID, deltaID)
	require.NoError(t, err)
	require.Equal(t, []byte("payload"), got)

	var seen []ids.ID
	require.NoError(t, s.WalkDAG(ctxID, func(id ids.ID, encoded []byte) error {
		seen = append(seen, id)
		return nil
	}))
	require.Equal(t, []ids.ID{deltaID}, seen)
}
