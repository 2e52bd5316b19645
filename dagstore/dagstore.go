// Package dagstore implements the in-memory, append-only DAG of
// causal deltas described in spec §4.2: content-addressed deltas
// keyed by hash with ancestor references, applied/pending tracking,
// heads, and cascaded application when parents arrive.
package dagstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/luxfi/ids"
	"github.com/luxfi/log"

	"github.com/calimero-network/core/wire"
)

// Applier is the caller-supplied callback invoked when a delta becomes
// ready to apply (spec §4.2 Design Note: "callback passed into
// add-delta"). Implementations bridge to the storage engine (package
// apply).
type Applier interface {
	Apply(ctx context.Context, delta *wire.Delta) error
}

// ErrUnknownAncestor is returned by GetDeltasSince when the supplied
// ancestor id is not present in the store.
var ErrUnknownAncestor = errors.New("dagstore: unknown ancestor")

type pendingEntry struct {
	delta      *wire.Delta
	receivedAt time.Time
}

// CascadeResult describes one delta that became applied as a
// consequence of another delta's arrival, so the caller can run
// handlers for it (spec §4.2, §4.5).
type CascadeResult struct {
	DeltaID ids.ID
	Events  []byte
}

// Store is the per-context DAG: one instance owns the delta map and
// head set exclusively (spec §3 "Ownership").
type Store struct {
	contextID ids.ID
	log       log.Logger
	queryCap  int

	deltas  map[ids.ID]*wire.Delta
	applied map[ids.ID]struct{}
	pending map[ids.ID]pendingEntry
	heads   map[ids.ID]struct{}
	// children indexes, for each applied id, the ids that name it as
	// a parent and are themselves applied — used to keep heads exactly
	// the childless-among-applied set without an O(n) scan per update.
	children map[ids.ID]map[ids.ID]struct{}
}

// New creates an empty DAG store for a context. queryCap bounds the
// result size of paginated queries (spec §4.2, §5 "query-result cap").
func New(contextID ids.ID, queryCap int, logger log.Logger) *Store {
	if queryCap <= 0 {
		queryCap = 256
	}
	return &Store{
		contextID: contextID,
		log:       logger.With("context", contextID.String()),
		queryCap:  queryCap,
		deltas:    make(map[ids.ID]*wire.Delta),
		applied:   make(map[ids.ID]struct{}),
		pending:   make(map[ids.ID]pendingEntry),
		heads:     make(map[ids.ID]struct{}),
		children:  make(map[ids.ID]map[ids.ID]struct{}),
	}
}

func (s *Store) parentsSatisfied(d *wire.Delta) bool {
	for _, p := range d.Parents {
		if p == wire.GenesisID {
			continue
		}
		if _, ok := s.applied[p]; !ok {
			return false
		}
	}
	return true
}

// markApplied records d as applied and updates the head set: d
// becomes a head, and any parent whose every applied child is now
// known stops being one.
func (s *Store) markApplied(d *wire.Delta) {
	s.applied[d.ID] = struct{}{}
	delete(s.pending, d.ID)
	s.heads[d.ID] = struct{}{}

	for _, p := range d.Parents {
		if p == wire.GenesisID {
			continue
		}
		delete(s.heads, p)
		if s.children[p] == nil {
			s.children[p] = make(map[ids.ID]struct{})
		}
		s.children[p][d.ID] = struct{}{}
	}
}

func (s *Store) applyOne(ctx context.Context, d *wire.Delta, applier Applier) error {
	if d.Kind != wire.DeltaCheckpoint {
		if err := applier.Apply(ctx, d); err != nil {
			return err
		}
	}
	s.markApplied(d)
	return nil
}

// AddDelta inserts d into the store. If all of d's parents are
// already applied, applier is invoked immediately and the cascade of
// any pending deltas it unblocks is applied too; otherwise d is
// recorded as pending. Duplicate submission of an id already known to
// the store (applied or pending) is a silent no-op.
//
// Returns whether d itself was applied directly, and the list of any
// further deltas that became applied as a cascade (with their event
// payloads), in application order.
func (s *Store) AddDelta(ctx context.Context, d *wire.Delta, applier Applier) (bool, []CascadeResult, error) {
	if _, ok := s.deltas[d.ID]; ok {
		return false, nil, nil
	}

	if !s.parentsSatisfied(d) {
		s.deltas[d.ID] = d
		s.pending[d.ID] = pendingEntry{delta: d, receivedAt: time.Now()}
		s.log.Debug("delta pending", log.Stringer("delta", d.ID))
		return false, nil, nil
	}

	if err := s.applyOne(ctx, d, applier); err != nil {
		return false, nil, fmt.Errorf("dagstore: apply %s: %w", d.ID, err)
	}
	s.deltas[d.ID] = d

	cascaded := s.cascade(ctx, applier)
	return true, cascaded, nil
}

// cascade repeatedly scans pending for deltas whose parents are now
// all applied, applying them until a full pass makes no progress.
func (s *Store) cascade(ctx context.Context, applier Applier) []CascadeResult {
	var results []CascadeResult
	for {
		var ready []*wire.Delta
		for _, entry := range s.pending {
			if s.parentsSatisfied(entry.delta) {
				ready = append(ready, entry.delta)
			}
		}
		if len(ready) == 0 {
			return results
		}
		progressed := false
		for _, d := range ready {
			if err := s.applyOne(ctx, d, applier); err != nil {
				s.log.Warn("cascade apply failed", log.Stringer("delta", d.ID), log.Err(err))
				continue
			}
			progressed = true
			results = append(results, CascadeResult{DeltaID: d.ID, Events: d.Events})
		}
		if !progressed {
			s.log.Warn("cascade pass applied nothing, stopping", log.Int("ready", len(ready)))
			return results
		}
	}
}

// RestoreApplied inserts d and marks it applied without invoking the
// applier, for rehydrating the DAG from persistent storage on startup
// (spec §4.2 "restore applied").
func (s *Store) RestoreApplied(d *wire.Delta) {
	if _, ok := s.deltas[d.ID]; ok {
		return
	}
	s.deltas[d.ID] = d
	s.markApplied(d)
}

// HasDelta reports whether id is known to the store (applied or
// pending).
func (s *Store) HasDelta(id ids.ID) bool {
	_, ok := s.deltas[id]
	return ok
}

// IsApplied reports whether id has been applied.
func (s *Store) IsApplied(id ids.ID) bool {
	_, ok := s.applied[id]
	return ok
}

// GetDelta returns the delta for id, if known.
func (s *Store) GetDelta(id ids.ID) (*wire.Delta, bool) {
	d, ok := s.deltas[id]
	return d, ok
}

// Heads returns the current DAG heads: applied deltas with no applied
// child.
func (s *Store) Heads() []ids.ID {
	out := make([]ids.ID, 0, len(s.heads))
	for id := range s.heads {
		out = append(out, id)
	}
	return out
}

// GetDeltasSince performs a BFS from start (or the current heads, if
// start is empty) toward ancestor, capped at the store's query limit,
// returning the deltas found plus a cursor: the deduplicated frontier
// of ids not yet visited, to resume the traversal on a follow-up call.
func (s *Store) GetDeltasSince(ancestor ids.ID, start []ids.ID) ([]*wire.Delta, []ids.ID) {
	frontier := start
	if len(frontier) == 0 {
		frontier = s.Heads()
	}

	visited := make(map[ids.ID]struct{})
	var result []*wire.Delta
	queue := append([]ids.ID(nil), frontier...)

	for len(queue) > 0 && len(result) < s.queryCap {
		id := queue[0]
		queue = queue[1:]

		if id == ancestor || id == wire.GenesisID {
			continue
		}
		if _, seen := visited[id]; seen {
			continue
		}
		visited[id] = struct{}{}

		d, ok := s.deltas[id]
		if !ok {
			continue
		}
		result = append(result, d)
		queue = append(queue, d.Parents...)
		if len(result) >= s.queryCap {
			break
		}
	}

	cursor := dedupCursor(queue, visited)
	return result, cursor
}

func dedupCursor(queue []ids.ID, visited map[ids.ID]struct{}) []ids.ID {
	seen := make(map[ids.ID]struct{})
	var cursor []ids.ID
	for _, id := range queue {
		if id == wire.GenesisID {
			continue
		}
		if _, already := visited[id]; already {
			continue
		}
		if _, already := seen[id]; already {
			continue
		}
		seen[id] = struct{}{}
		cursor = append(cursor, id)
	}
	return cursor
}

// GetMissingParents scans pending deltas and returns, capped at the
// query limit, the parent ids that are entirely absent from the
// store. A parent that is present-but-unapplied is excluded: it will
// cascade on its own once applied.
func (s *Store) GetMissingParents() []ids.ID {
	seen := make(map[ids.ID]struct{})
	var missing []ids.ID
	for _, entry := range s.pending {
		for _, p := range entry.delta.Parents {
			if p == wire.GenesisID {
				continue
			}
			if _, ok := s.deltas[p]; ok {
				continue
			}
			if _, already := seen[p]; already {
				continue
			}
			seen[p] = struct{}{}
			missing = append(missing, p)
			if len(missing) >= s.queryCap {
				return missing
			}
		}
	}
	return missing
}

// GetDeltasNotInBloom returns the applied deltas absent from the
// peer's serialized bloom filter (spec §4.2). A malformed filter
// causes every applied delta to be returned.
func (s *Store) GetDeltasNotInBloom(serialized []byte) []*wire.Delta {
	filter, err := wire.DecodeFilter(serialized)
	if err != nil {
		return s.allApplied()
	}

	var out []*wire.Delta
	for id := range s.applied {
		if !filter.Test(id) {
			out = append(out, s.deltas[id])
		}
	}
	return out
}

func (s *Store) allApplied() []*wire.Delta {
	out := make([]*wire.Delta, 0, len(s.applied))
	for id := range s.applied {
		out = append(out, s.deltas[id])
	}
	return out
}

// BuildFilter constructs a bloom filter over the store's applied
// delta ids, for this side's half of anti-entropy (spec §4.4.3).
func (s *Store) BuildFilter() *wire.Filter {
	ids := make([]ids.ID, 0, len(s.applied))
	for id := range s.applied {
		ids = append(ids, id)
	}
	return wire.BuildFilter(ids)
}

// CleanupStale evicts pending deltas older than maxAge from both the
// pending and delta maps so they can be re-fetched in a future sync
// (spec §4.4.4, Open Question in §9 resolved toward liveness).
func (s *Store) CleanupStale(maxAge time.Duration) []ids.ID {
	cutoff := time.Now().Add(-maxAge)
	var evicted []ids.ID
	for id, entry := range s.pending {
		if entry.receivedAt.Before(cutoff) {
			delete(s.pending, id)
			delete(s.deltas, id)
			evicted = append(evicted, id)
		}
	}
	if len(evicted) > 0 {
		s.log.Info("evicted stale pending deltas", log.Int("count", len(evicted)))
	}
	return evicted
}

// PendingCount and AppliedCount expose sizes for metrics/back-pressure
// decisions (spec §5 "Back-pressure").
func (s *Store) PendingCount() int { return len(s.pending) }
func (s *Store) AppliedCount() int { return len(s.applied) }
