package eventbus

import (
	"errors"

	"github.com/luxfi/ids"

	"github.com/calimero-network/core/apply"
)

// FromRootHashMismatch converts an apply.RootHashMismatchError into a
// KindRootHashDivergence Event, or reports ok=false if err does not
// carry one (including via wrapping, e.g. from the sync package's
// fmt.Errorf("%w", ...) call sites).
func FromRootHashMismatch(ctxID ids.ID, err error) (Event, bool) {
	var mismatch *apply.RootHashMismatchError
	if !errors.As(err, &mismatch) {
		return Event{}, false
	}
	return RootHashDivergence(ctxID, mismatch.DeltaID, mismatch.Computed, mismatch.Expected), true
}

// FromPendingDeltas builds a KindMissingParentCascade event for a
// delta the DAG store recorded as pending, using the parent ids the
// store identified as entirely absent (dagstore.Store.GetMissingParents).
func FromPendingDeltas(ctxID, deltaID ids.ID, missingParents []ids.ID) Event {
	return MissingParentCascade(ctxID, deltaID, missingParents)
}
