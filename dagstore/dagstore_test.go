package dagstore

import (
	"context"
	"testing"
	"time"

	"github.com/luxfi/ids"
	stdlog "github.com/luxfi/log"
	"github.com/stretchr/testify/require"

	"github.com/calimero-network/core/logging"
	"github.com/calimero-network/core/wire"
)

// recordingApplier tracks every delta it was asked to apply, in order,
// and can be told to fail on a specific id to simulate a root-hash
// mismatch.
type recordingApplier struct {
	applied []ids.ID
	failOn  map[ids.ID]error
}

func newRecordingApplier() *recordingApplier {
	return &recordingApplier{failOn: map[ids.ID]error{}}
}

func (a *recordingApplier) Apply(_ context.Context, d *wire.Delta) error {
	if err, ok := a.failOn[d.ID]; ok {
		return err
	}
	a.applied = append(a.applied, d.ID)
	return nil
}

func noopLogger() stdlog.Logger {
	return logging.New()
}

func newDelta(t *testing.T, contextID ids.ID, parents ...ids.ID) *wire.Delta {
	t.Helper()
	if len(parents) == 0 {
		parents = []ids.ID{wire.GenesisID}
	}
	d := &wire.Delta{
		ContextID: contextID,
		Parents:   parents,
	}
	id, err := wire.HashDelta(d)
	require.NoError(t, err)
	d.ID = id
	return d
}

func TestGenesisParentAppliesImmediately(t *testing.T) {
	ctxID := ids.GenerateTestID()
	s := New(ctxID, 100, noopLogger())
	applier := newRecordingApplier()

	d := newDelta(t, ctxID)
	applied, cascaded, err := s.AddDelta(context.Background(), d, applier)
	require.NoError(t, err)
	require.True(t, applied)
	require.Empty(t, cascaded)
	require.True(t, s.IsApplied(d.ID))
	require.Equal(t, []ids.ID{d.ID}, s.Heads())
}

func TestLinearApplyInOrder(t *testing.T) {
	ctxID := ids.GenerateTestID()
	s := New(ctxID, 100, noopLogger())
	applier := newRecordingApplier()

	d1 := newDelta(t, ctxID)
	_, _, err := s.AddDelta(context.Background(), d1, applier)
	require.NoError(t, err)

	d2 := newDelta(t, ctxID, d1.ID)
	applied, cascaded, err := s.AddDelta(context.Background(), d2, applier)
	require.NoError(t, err)
	require.True(t, applied)
	require.Empty(t, cascaded)

	require.Equal(t, []ids.ID{d2.ID}, s.Heads())
	require.Equal(t, []ids.ID{d1.ID, d2.ID}, applier.applied)
}

func TestOutOfOrderCascade(t *testing.T) {
	ctxID := ids.GenerateTestID()
	s := New(ctxID, 100, noopLogger())
	applier := newRecordingApplier()

	d1 := newDelta(t, ctxID)
	d2 := newDelta(t, ctxID, d1.ID)

	applied, cascaded, err := s.AddDelta(context.Background(), d2, applier)
	require.NoError(t, err)
	require.False(t, applied)
	require.Empty(t, cascaded)
	require.False(t, s.IsApplied(d2.ID))
	require.Equal(t, []ids.ID{d1.ID}, s.GetMissingParents())

	applied, cascaded, err = s.AddDelta(context.Background(), d1, applier)
	require.NoError(t, err)
	require.True(t, applied)
	require.Len(t, cascaded, 1)
	require.Equal(t, d2.ID, cascaded[0].DeltaID)

	require.True(t, s.IsApplied(d1.ID))
	require.True(t, s.IsApplied(d2.ID))
	require.Equal(t, []ids.ID{d2.ID}, s.Heads())
	require.Empty(t, s.GetMissingParents())
}

func TestConcurrentDivergenceMerges(t *testing.T) {
	ctxID := ids.GenerateTestID()
	sA := New(ctxID, 100, noopLogger())
	sB := New(ctxID, 100, noopLogger())
	applierA := newRecordingApplier()
	applierB := newRecordingApplier()

	dA := newDelta(t, ctxID)
	// dB needs content of its own to hash to an id distinct from dA's.
	dB := newDelta(t, ctxID)
	dB.AuthorID = ids.GenerateTestID()
	idB, err := wire.HashDelta(dB)
	require.NoError(t, err)
	dB.ID = idB
	require.NotEqual(t, dA.ID, dB.ID)

	ctx := context.Background()
	_, _, err = sA.AddDelta(ctx, dA, applierA)
	require.NoError(t, err)
	_, _, err = sB.AddDelta(ctx, dB, applierB)
	require.NoError(t, err)

	// cross-deliver
	_, _, err = sA.AddDelta(ctx, dB, applierA)
	require.NoError(t, err)
	_, _, err = sB.AddDelta(ctx, dA, applierB)
	require.NoError(t, err)

	require.ElementsMatch(t, []ids.ID{dA.ID, dB.ID}, sA.Heads())
	require.ElementsMatch(t, []ids.ID{dA.ID, dB.ID}, sB.Heads())

	dM := newDelta(t, ctxID, dA.ID, dB.ID)
	_, _, err = sA.AddDelta(ctx, dM, applierA)
	require.NoError(t, err)
	_, _, err = sB.AddDelta(ctx, dM, applierB)
	require.NoError(t, err)

	require.Equal(t, []ids.ID{dM.ID}, sA.Heads())
	require.Equal(t, []ids.ID{dM.ID}, sB.Heads())
}

func TestDuplicateDeliveryIsNoOp(t *testing.T) {
	ctxID := ids.GenerateTestID()
	s := New(ctxID, 100, noopLogger())
	applier := newRecordingApplier()

	d := newDelta(t, ctxID)
	_, _, err := s.AddDelta(context.Background(), d, applier)
	require.NoError(t, err)

	applied, cascaded, err := s.AddDelta(context.Background(), d, applier)
	require.NoError(t, err)
	require.False(t, applied)
	require.Empty(t, cascaded)
	require.Len(t, applier.applied, 1)
}

func TestRestoreAppliedMatchesIncremental(t *testing.T) {
	ctxID := ids.GenerateTestID()
	d1 := newDelta(t, ctxID)
	d2 := newDelta(t, ctxID, d1.ID)

	incremental := New(ctxID, 100, noopLogger())
	applier := newRecordingApplier()
	_, _, err := incremental.AddDelta(context.Background(), d1, applier)
	require.NoError(t, err)
	_, _, err = incremental.AddDelta(context.Background(), d2, applier)
	require.NoError(t, err)

	restored := New(ctxID, 100, noopLogger())
	restored.RestoreApplied(d1)
	restored.RestoreApplied(d2)

	require.Equal(t, incremental.Heads(), restored.Heads())
	require.Equal(t, incremental.AppliedCount(), restored.AppliedCount())
}

func TestCleanupStaleEvictsFromBothMaps(t *testing.T) {
	ctxID := ids.GenerateTestID()
	s := New(ctxID, 100, noopLogger())
	applier := newRecordingApplier()

	d1 := newDelta(t, ctxID)
	d2 := newDelta(t, ctxID, d1.ID)
	_, _, err := s.AddDelta(context.Background(), d2, applier)
	require.NoError(t, err)
	require.False(t, s.HasDelta(d1.ID))
	require.True(t, s.HasDelta(d2.ID))

	evicted := s.CleanupStale(-time.Second)
	require.Equal(t, []ids.ID{d2.ID}, evicted)
	require.False(t, s.HasDelta(d2.ID))

	// re-receipt succeeds
	_, _, err = s.AddDelta(context.Background(), d2, applier)
	require.NoError(t, err)
	require.False(t, s.IsApplied(d2.ID))
}

func TestQueryLimitCapWithCursor(t *testing.T) {
	ctxID := ids.GenerateTestID()
	s := New(ctxID, 2, noopLogger())
	applier := newRecordingApplier()

	prev := wire.GenesisID
	var chain []ids.ID
	for i := 0; i < 5; i++ {
		d := newDelta(t, ctxID, prev)
		_, _, err := s.AddDelta(context.Background(), d, applier)
		require.NoError(t, err)
		chain = append(chain, d.ID)
		prev = d.ID
	}

	first, cursor := s.GetDeltasSince(wire.GenesisID, nil)
	require.Len(t, first, 2)
	require.NotEmpty(t, cursor)

	second, cursor2 := s.GetDeltasSince(wire.GenesisID, cursor)
	require.NotEmpty(t, second)

	seen := map[ids.ID]struct{}{}
	for _, d := range append(first, second...) {
		seen[d.ID] = struct{}{}
	}
	// keep paging until the cursor is exhausted; no duplication across pages
	for len(cursor2) > 0 {
		var page []*wire.Delta
		page, cursor2 = s.GetDeltasSince(wire.GenesisID, cursor2)
		if len(page) == 0 {
			break
		}
		for _, d := range page {
			_, dup := seen[d.ID]
			require.False(t, dup, "duplicate delta across pages")
			seen[d.ID] = struct{}{}
		}
	}
	require.Len(t, seen, len(chain))
}

func TestGetDeltasNotInBloomMalformedReturnsAll(t *testing.T) {
	ctxID := ids.GenerateTestID()
	s := New(ctxID, 100, noopLogger())
	applier := newRecordingApplier()

	d := newDelta(t, ctxID)
	_, _, err := s.AddDelta(context.Background(), d, applier)
	require.NoError(t, err)

	out := s.GetDeltasNotInBloom(nil)
	require.Len(t, out, 1)
}

func TestBloomFilterHasNoFalseNegativesAgainstStore(t *testing.T) {
	ctxID := ids.GenerateTestID()
	s := New(ctxID, 100, noopLogger())
	applier := newRecordingApplier()

	prev := wire.GenesisID
	for i := 0; i < 20; i++ {
		d := newDelta(t, ctxID, prev)
		_, _, err := s.AddDelta(context.Background(), d, applier)
		require.NoError(t, err)
		prev = d.ID
	}

	filter := s.BuildFilter()
	encoded := filter.Encode()
	notInBloom := s.GetDeltasNotInBloom(encoded)
	require.Empty(t, notInBloom)
}
