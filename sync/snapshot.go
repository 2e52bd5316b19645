package sync

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/lz4"
	"github.com/luxfi/ids"
	"github.com/luxfi/log"

	"github.com/calimero-network/core/storage"
	"github.com/calimero-network/core/stream"
	"github.com/calimero-network/core/wire"
)

// ErrSnapshotOnLiveContext is returned when a snapshot is requested
// for a context that already holds state and carries no in-flight
// marker — spec §4.4.2's crash-recovery exception aside, overwriting
// a live node's state is refused.
var ErrSnapshotOnLiveContext = errors.New("sync: snapshot sync refused on a live, unmarked context")

// ErrSnapshotRefused wraps a peer-reported SnapshotError.
var ErrSnapshotRefused = errors.New("sync: snapshot sync refused by peer")

// RootHashDivergedError is returned when the root hash recomputed
// after a full snapshot transfer no longer matches the boundary the
// peer declared at negotiation time (spec §4.4.2 "divergence during
// transfer aborts the sync").
type RootHashDivergedError struct {
	Computed [32]byte
	Expected [32]byte
}

func (e *RootHashDivergedError) Error() string {
	return fmt.Sprintf("sync: post-snapshot root hash diverged: computed %x, expected %x", e.Computed, e.Expected)
}

// SnapshotResult summarizes a completed client-side snapshot sync
// (spec §8 scenario 4).
type SnapshotResult struct {
	Physical int64
	Logical  uint32
	RootHash [32]byte
	Heads    []ids.ID
}

// RequestSnapshot drives the client side of snapshot sync (spec
// §4.4.2): negotiate the boundary, stream pages into store under
// ctxID burst by burst, delete keys that existed before the transfer
// but were absent from it, and verify the resulting root hash matches
// the declared boundary before clearing the in-flight marker.
func RequestSnapshot(proto *stream.Protocol, ctxID ids.ID, store *storage.Store, cfg Config, logger log.Logger) (*SnapshotResult, error) {
	existing, err := store.StateKeys(ctxID)
	if err != nil {
		return nil, fmt.Errorf("sync: read existing state keys: %w", err)
	}
	if len(existing) > 0 {
		if _, err := store.GetSnapshotMarkerBytes(ctxID); errors.Is(err, storage.ErrNotFound) {
			return nil, ErrSnapshotOnLiveContext
		} else if err != nil {
			return nil, fmt.Errorf("sync: check snapshot marker: %w", err)
		}
	}
	staleCandidates := make(map[string]struct{}, len(existing))
	for _, k := range existing {
		staleCandidates[string(k)] = struct{}{}
	}

	boundary, err := negotiateBoundary(proto)
	if err != nil {
		return nil, err
	}

	marker, err := wire.Marshal(storage.SnapshotMarker{ExpectedRootHash: boundary.RootHash})
	if err != nil {
		return nil, fmt.Errorf("sync: encode snapshot marker: %w", err)
	}
	if err := store.PutSnapshotMarker(ctxID, marker); err != nil {
		return nil, fmt.Errorf("sync: set snapshot marker: %w", err)
	}

	written := make(map[string]struct{}, len(existing))
	var cursor []byte
	for {
		reqPayload, err := wire.Marshal(wire.SnapshotStreamRequest{
			RootHash:     boundary.RootHash,
			PageLimit:    cfg.SnapshotPageBurstLimit,
			ByteLimit:    cfg.SnapshotPageByteLimit,
			ResumeCursor: cursor,
		})
		if err != nil {
			return nil, fmt.Errorf("sync: encode snapshot stream request: %w", err)
		}
		if err := proto.Send(wire.PayloadSnapshotStreamRequest, reqPayload); err != nil {
			return nil, fmt.Errorf("sync: send snapshot stream request: %w", err)
		}

		done, err := receiveBurst(proto, ctxID, store, written, &cursor)
		if err != nil {
			return nil, err
		}
		if done {
			break
		}
	}

	if err := deleteStaleKeys(store, ctxID, staleCandidates, written); err != nil {
		return nil, err
	}

	computed, err := store.RootHash(ctxID)
	if err != nil {
		return nil, fmt.Errorf("sync: compute post-snapshot root hash: %w", err)
	}
	if computed != boundary.RootHash {
		logger.Warn("snapshot root hash diverged", log.Stringer("context", ctxID))
		return nil, &RootHashDivergedError{Computed: computed, Expected: boundary.RootHash}
	}

	if err := finalizeSnapshot(store, ctxID, boundary); err != nil {
		return nil, err
	}

	logger.Info("snapshot sync complete", log.Stringer("context", ctxID), log.Int("keys", len(written)))
	return &SnapshotResult{
		Physical: boundary.Physical,
		Logical:  boundary.Logical,
		RootHash: boundary.RootHash,
		Heads:    boundary.Heads,
	}, nil
}

func negotiateBoundary(proto *stream.Protocol) (*wire.SnapshotBoundaryResponse, error) {
	payload, err := wire.Marshal(wire.SnapshotBoundaryRequest{})
	if err != nil {
		return nil, fmt.Errorf("sync: encode boundary request: %w", err)
	}
	if err := proto.Send(wire.PayloadSnapshotBoundaryRequest, payload); err != nil {
		return nil, fmt.Errorf("sync: send boundary request: %w", err)
	}
	msg, err := proto.Receive()
	if err != nil {
		return nil, fmt.Errorf("sync: read boundary response: %w", err)
	}
	switch msg.PayloadKind {
	case wire.PayloadSnapshotError:
		var se wire.SnapshotError
		if err := wire.Unmarshal(msg.Payload, &se); err != nil {
			return nil, fmt.Errorf("sync: decode snapshot error: %w", err)
		}
		return nil, fmt.Errorf("%w: kind %d", ErrSnapshotRefused, se.Kind)
	case wire.PayloadSnapshotBoundaryResponse:
		var boundary wire.SnapshotBoundaryResponse
		if err := wire.Unmarshal(msg.Payload, &boundary); err != nil {
			return nil, fmt.Errorf("sync: decode boundary response: %w", err)
		}
		return &boundary, nil
	default:
		return nil, stream.ErrUnexpectedPayloadKind
	}
}

// receiveBurst reads one burst of pages (ending when a page's
// SentCount equals its PageCount) and reports whether the whole
// snapshot is now complete (the final page of the burst carried no
// resume cursor).
func receiveBurst(proto *stream.Protocol, ctxID ids.ID, store *storage.Store, written map[string]struct{}, cursor *[]byte) (bool, error) {
	for {
		msg, err := proto.Expect(wire.PayloadSnapshotPage)
		if err != nil {
			return false, fmt.Errorf("sync: read snapshot page: %w", err)
		}
		var page wire.SnapshotPage
		if err := wire.Unmarshal(msg.Payload, &page); err != nil {
			return false, fmt.Errorf("sync: decode snapshot page: %w", err)
		}
		if page.PageCount == 0 {
			return true, nil
		}

		records, err := decompressRecords(page.Compressed, page.UncompressedSize)
		if err != nil {
			return false, fmt.Errorf("sync: decompress snapshot page: %w", err)
		}
		batch := store.Batch()
		for _, r := range records {
			if err := store.PutState(batch, ctxID, r.Key, r.Value); err != nil {
				return false, fmt.Errorf("sync: stage snapshot record: %w", err)
			}
			written[string(r.Key)] = struct{}{}
		}
		if err := batch.Write(); err != nil {
			return false, fmt.Errorf("sync: commit snapshot page: %w", err)
		}

		if page.SentCount == page.PageCount {
			if len(page.ResumeCursor) == 0 {
				return true, nil
			}
			*cursor = page.ResumeCursor
			return false, nil
		}
	}
}

func deleteStaleKeys(store *storage.Store, ctxID ids.ID, staleCandidates, written map[string]struct{}) error {
	for key := range staleCandidates {
		if _, kept := written[key]; kept {
			continue
		}
		batch := store.Batch()
		if err := store.DeleteState(batch, ctxID, []byte(key)); err != nil {
			return fmt.Errorf("sync: stage stale-key delete: %w", err)
		}
		if err := batch.Write(); err != nil {
			return fmt.Errorf("sync: commit stale-key delete: %w", err)
		}
	}
	return nil
}

func finalizeSnapshot(store *storage.Store, ctxID ids.ID, boundary *wire.SnapshotBoundaryResponse) error {
	metaEncoded, err := wire.Marshal(storage.ContextMeta{RootHash: boundary.RootHash, Heads: boundary.Heads})
	if err != nil {
		return fmt.Errorf("sync: encode context meta: %w", err)
	}
	batch := store.Batch()
	if err := store.PutContextMetaBytes(batch, ctxID, metaEncoded); err != nil {
		return fmt.Errorf("sync: stage context meta: %w", err)
	}
	if err := store.ClearSnapshotMarker(batch, ctxID); err != nil {
		return fmt.Errorf("sync: stage marker clear: %w", err)
	}
	if err := batch.Write(); err != nil {
		return fmt.Errorf("sync: commit snapshot completion: %w", err)
	}
	return nil
}

// ServeSnapshot is the server side of snapshot sync: it answers
// SnapshotBoundaryRequest and SnapshotStreamRequest frames on proto
// until the stream is closed by the peer.
func ServeSnapshot(proto *stream.Protocol, ctxID ids.ID, store *storage.Store, now func() (physical int64, logical uint32), heads func() []ids.ID) error {
	for {
		msg, err := proto.Receive()
		if err != nil {
			return err
		}
		switch msg.PayloadKind {
		case wire.PayloadSnapshotBoundaryRequest:
			if err := serveBoundary(proto, ctxID, store, now, heads); err != nil {
				return err
			}
		case wire.PayloadSnapshotStreamRequest:
			var req wire.SnapshotStreamRequest
			if err := wire.Unmarshal(msg.Payload, &req); err != nil {
				return fmt.Errorf("sync: decode snapshot stream request: %w", err)
			}
			if err := serveBurst(proto, ctxID, store, req); err != nil {
				return err
			}
		default:
			return fmt.Errorf("%w: %d", stream.ErrUnexpectedPayloadKind, msg.PayloadKind)
		}
	}
}

func serveBoundary(proto *stream.Protocol, ctxID ids.ID, store *storage.Store, now func() (int64, uint32), heads func() []ids.ID) error {
	root, err := store.RootHash(ctxID)
	if err != nil {
		return fmt.Errorf("sync: compute boundary root hash: %w", err)
	}
	physical, logical := now()
	payload, err := wire.Marshal(wire.SnapshotBoundaryResponse{
		Physical: physical,
		Logical:  logical,
		RootHash: root,
		Heads:    heads(),
	})
	if err != nil {
		return fmt.Errorf("sync: encode boundary response: %w", err)
	}
	return proto.Send(wire.PayloadSnapshotBoundaryResponse, payload)
}

func serveBurst(proto *stream.Protocol, ctxID ids.ID, store *storage.Store, req wire.SnapshotStreamRequest) error {
	pageLimit := req.PageLimit
	if pageLimit <= 0 {
		pageLimit = DefaultConfig().SnapshotPageBurstLimit
	}
	byteLimit := req.ByteLimit
	if byteLimit <= 0 {
		byteLimit = DefaultConfig().SnapshotPageByteLimit
	}

	var remaining []storage.StateRecord
	if err := store.WalkState(ctxID, func(r storage.StateRecord) error {
		if len(req.ResumeCursor) > 0 && string(r.Key) <= string(req.ResumeCursor) {
			return nil
		}
		remaining = append(remaining, r)
		return nil
	}); err != nil {
		return fmt.Errorf("sync: walk state for snapshot: %w", err)
	}

	allPages := paginate(remaining, byteLimit)
	sendCount := len(allPages)
	if sendCount > pageLimit {
		sendCount = pageLimit
	}
	if sendCount == 0 {
		payload, err := wire.Marshal(wire.SnapshotPage{})
		if err != nil {
			return fmt.Errorf("sync: encode empty snapshot page: %w", err)
		}
		return proto.Send(wire.PayloadSnapshotPage, payload)
	}

	for i := 0; i < sendCount; i++ {
		pr := allPages[i]
		compressed, uncompressedSize, err := compressRecords(pr)
		if err != nil {
			return fmt.Errorf("sync: compress snapshot page: %w", err)
		}
		var resumeCursor []byte
		if i == sendCount-1 && i < len(allPages)-1 {
			resumeCursor = pr[len(pr)-1].Key
		} else if i == sendCount-1 {
			resumeCursor = nil
		}
		page := wire.SnapshotPage{
			Compressed:       compressed,
			UncompressedSize: uncompressedSize,
			ResumeCursor:     resumeCursor,
			PageCount:        sendCount,
			SentCount:        i + 1,
		}
		payload, err := wire.Marshal(page)
		if err != nil {
			return fmt.Errorf("sync: encode snapshot page: %w", err)
		}
		if err := proto.Send(wire.PayloadSnapshotPage, payload); err != nil {
			return err
		}
	}
	return nil
}

func paginate(records []storage.StateRecord, byteLimit int) [][]storage.StateRecord {
	var pages [][]storage.StateRecord
	var current []storage.StateRecord
	size := 0
	for _, r := range records {
		recSize := len(r.Key) + len(r.Value)
		if len(current) > 0 && size+recSize > byteLimit {
			pages = append(pages, current)
			current = nil
			size = 0
		}
		current = append(current, r)
		size += recSize
	}
	if len(current) > 0 {
		pages = append(pages, current)
	}
	return pages
}

func writeLengthPrefixed(buf *bytes.Buffer, b []byte) {
	var length [4]byte
	binary.BigEndian.PutUint32(length[:], uint32(len(b)))
	buf.Write(length[:])
	buf.Write(b)
}

func readLengthPrefixed(r *bytes.Reader) ([]byte, error) {
	var length [4]byte
	if _, err := io.ReadFull(r, length[:]); err != nil {
		return nil, err
	}
	b := make([]byte, binary.BigEndian.Uint32(length[:]))
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}

// compressRecords packs records as length-prefixed key/value pairs
// (spec §6 "Snapshot on-disk format", generalized to variable-length
// keys — this implementation's state keys are arbitrary caller-chosen
// bytes rather than fixed 32-byte hashes) and LZ4-compresses the
// result.
func compressRecords(records []storage.StateRecord) ([]byte, int, error) {
	var raw bytes.Buffer
	for _, r := range records {
		writeLengthPrefixed(&raw, r.Key)
		writeLengthPrefixed(&raw, r.Value)
	}
	uncompressed := raw.Bytes()

	var compressed bytes.Buffer
	zw := lz4.NewWriter(&compressed)
	if _, err := zw.Write(uncompressed); err != nil {
		return nil, 0, err
	}
	if err := zw.Close(); err != nil {
		return nil, 0, err
	}
	return compressed.Bytes(), len(uncompressed), nil
}

func decompressRecords(compressed []byte, uncompressedSize int) ([]storage.StateRecord, error) {
	if uncompressedSize == 0 {
		return nil, nil
	}
	zr := lz4.NewReader(bytes.NewReader(compressed))
	raw := make([]byte, uncompressedSize)
	if _, err := io.ReadFull(zr, raw); err != nil {
		return nil, err
	}

	reader := bytes.NewReader(raw)
	var records []storage.StateRecord
	for reader.Len() > 0 {
		key, err := readLengthPrefixed(reader)
		if err != nil {
			return nil, err
		}
		value, err := readLengthPrefixed(reader)
		if err != nil {
			return nil, err
		}
		records = append(records, storage.StateRecord{Key: key, Value: value})
	}
	return records, nil
}
