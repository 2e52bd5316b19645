package sync

import (
	"context"
	"errors"
	"fmt"

	"github.com/luxfi/ids"
	"github.com/luxfi/log"

	"github.com/calimero-network/core/apply"
	"github.com/calimero-network/core/dagstore"
	"github.com/calimero-network/core/stream"
	"github.com/calimero-network/core/wire"
)

// KeyShareDialer opens an authenticated stream to peerID scoped to
// contextID, so a missing-sender-key recovery can perform the
// bidirectional key share (spec §4.1 upgrade, §4.4.4, §4.5). The
// concrete dial (over libp2p, or an in-memory pipe in tests) lives
// outside this package.
type KeyShareDialer interface {
	DialAuthenticated(ctx context.Context, peerID ids.ID) (*stream.Authenticated, error)
}

// ApplyWithKeyShareRetry calls applier.Apply(ctx, d). If that fails
// because the author's sender key is not yet known, it dials peerID
// (DeltaApplier passes the delta's author) and performs the
// authenticated upgrade, which exchanges sender keys as part of its
// handshake (spec §4.1 step 5), then retries Apply exactly once (spec
// §4.4.4 "Sender-key unavailable ... retry decrypt once"). Any other
// error, or a second failure after the retry, is returned as-is.
func ApplyWithKeyShareRetry(ctx context.Context, applier dagstore.Applier, d *wire.Delta, peerID ids.ID, dialer KeyShareDialer, logger log.Logger) error {
	err := applier.Apply(ctx, d)
	if err == nil {
		return nil
	}

	var missing *apply.SenderKeyUnavailableError
	if !errors.As(err, &missing) {
		return err
	}

	logger.Info("missing sender key, retrying with key share",
		log.Stringer("delta", d.ID), log.Stringer("author", d.AuthorID), log.Stringer("peer", peerID))

	if _, dialErr := dialer.DialAuthenticated(ctx, peerID); dialErr != nil {
		return fmt.Errorf("sync: key-share retry dial failed, dropping delta %s: %w", d.ID, dialErr)
	}

	return applier.Apply(ctx, d)
}
