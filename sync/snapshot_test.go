package sync

import (
	"fmt"
	"net"
	"testing"

	"github.com/luxfi/ids"
	"github.com/stretchr/testify/require"

	"github.com/calimero-network/core/logging"
	"github.com/calimero-network/core/stream"
)

func TestSnapshotSyncTransfersFullStateAndMatchesRootHash(t *testing.T) {
	ctxID := ids.GenerateTestID()
	a := newTestNode(t, ctxID)
	b := newTestNode(t, ctxID)

	batch := a.store.Batch()
	for i := 0; i < 500; i++ {
		key := []byte(fmt.Sprintf("key-%04d", i))
		value := []byte(fmt.Sprintf("value-%04d", i))
		require.NoError(t, a.store.PutState(batch, ctxID, key, value))
	}
	require.NoError(t, batch.Write())

	connA, connB := net.Pipe()
	defer connA.Close()
	defer connB.Close()
	protoA := stream.NewProtocol(connA, 0)
	protoB := stream.NewProtocol(connB, 0)

	cfg := Config{SnapshotPageByteLimit: 256, SnapshotPageBurstLimit: 3}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- ServeSnapshot(protoA, ctxID, a.store,
			func() (int64, uint32) { return 1000, 0 },
			func() []ids.ID { return nil })
	}()

	result, err := RequestSnapshot(protoB, ctxID, b.store, cfg, logging.New())
	require.NoError(t, err)
	require.Equal(t, stateHash(t, a), result.RootHash)
	require.Equal(t, stateHash(t, a), stateHash(t, b))

	for i := 0; i < 500; i++ {
		key := []byte(fmt.Sprintf("key-%04d", i))
		value := []byte(fmt.Sprintf("value-%04d", i))
		got, err := b.store.GetState(ctxID, key)
		require.NoError(t, err)
		require.Equal(t, value, got)
	}

	_, err = b.store.GetSnapshotMarkerBytes(ctxID)
	require.Error(t, err)

	connA.Close()
	<-serveErr
}

func TestSnapshotSyncDeletesStaleKeysAbsentFromSnapshot(t *testing.T) {
	ctxID := ids.GenerateTestID()
	a := newTestNode(t, ctxID)
	b := newTestNode(t, ctxID)

	batch := a.store.Batch()
	require.NoError(t, a.store.PutState(batch, ctxID, []byte("kept"), []byte("1")))
	require.NoError(t, batch.Write())

	// B has a leftover key that the snapshot will not carry, plus an
	// in-flight marker authorizing a resync of a non-empty context.
	bBatch := b.store.Batch()
	require.NoError(t, b.store.PutState(bBatch, ctxID, []byte("stale"), []byte("old")))
	require.NoError(t, bBatch.Write())
	require.NoError(t, b.store.PutSnapshotMarker(ctxID, []byte("in-progress")))

	connA, connB := net.Pipe()
	defer connA.Close()
	defer connB.Close()
	protoA := stream.NewProtocol(connA, 0)
	protoB := stream.NewProtocol(connB, 0)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- ServeSnapshot(protoA, ctxID, a.store,
			func() (int64, uint32) { return 1000, 0 },
			func() []ids.ID { return nil })
	}()

	_, err := RequestSnapshot(protoB, ctxID, b.store, DefaultConfig(), logging.New())
	require.NoError(t, err)

	_, err = b.store.GetState(ctxID, []byte("stale"))
	require.Error(t, err)
	got, err := b.store.GetState(ctxID, []byte("kept"))
	require.NoError(t, err)
	require.Equal(t, []byte("1"), got)

	connA.Close()
	<-serveErr
}

func TestSnapshotSyncRejectsLiveContextWithoutMarker(t *testing.T) {
	ctxID := ids.GenerateTestID()
	a := newTestNode(t, ctxID)
	b := newTestNode(t, ctxID)

	bBatch := b.store.Batch()
	require.NoError(t, b.store.PutState(bBatch, ctxID, []byte("existing"), []byte("1")))
	require.NoError(t, bBatch.Write())

	connA, connB := net.Pipe()
	defer connA.Close()
	defer connB.Close()
	protoB := stream.NewProtocol(connB, 0)
	_ = a

	_, err := RequestSnapshot(protoB, ctxID, b.store, DefaultConfig(), logging.New())
	require.ErrorIs(t, err, ErrSnapshotOnLiveContext)
}
