package node

import (
	"context"
	"fmt"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	"github.com/luxfi/ids"

	"github.com/calimero-network/core/stream"
)

// keyShareDialer implements sync.KeyShareDialer for one context: it
// looks up the peer's last known libp2p address and opens a fresh
// stream on that context's key-share protocol id, then runs the
// authenticated upgrade (spec §4.1, §4.4.4 missing-sender-key retry).
type keyShareDialer struct {
	node  *Node
	ctxID ids.ID
}

func (d *keyShareDialer) DialAuthenticated(ctx context.Context, peerID ids.ID) (*stream.Authenticated, error) {
	info, ok := d.node.peerAddr(peerID)
	if !ok {
		return nil, fmt.Errorf("node: no known address for peer %s", peerID)
	}
	d.node.host.Peerstore().AddAddrs(info.ID, info.Addrs, peerstore.PermanentAddrTTL)

	s, err := d.node.host.NewStream(ctx, info.ID, protocolFor(protoKeyShare, d.ctxID))
	if err != nil {
		return nil, fmt.Errorf("node: open key-share stream to %s: %w", peerID, err)
	}

	proto := stream.NewProtocol(s, 0)
	auth, err := stream.Upgrade(proto, d.ctxID, d.node.self, d.node.identities)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("node: key-share upgrade with %s: %w", peerID, err)
	}
	return auth, nil
}

// syncDialer implements broadcast.SyncDialer for one context: it opens
// a stream directly to the libp2p peer id GossipSub already handed
// the receiver, so a catch-up or snapshot-sync escalation can dial the
// delta's sender without going through the identity-keyed peer
// directory keyShareDialer uses.
type syncDialer struct {
	node  *Node
	ctxID ids.ID
}

func (d *syncDialer) OpenCatchUp(ctx context.Context, p peer.ID) (network.Stream, error) {
	return d.open(ctx, p, protoCatchUp)
}

func (d *syncDialer) OpenSnapshot(ctx context.Context, p peer.ID) (network.Stream, error) {
	return d.open(ctx, p, protoSnapshot)
}

func (d *syncDialer) open(ctx context.Context, p peer.ID, prefix string) (network.Stream, error) {
	s, err := d.node.host.NewStream(ctx, p, protocolFor(prefix, d.ctxID))
	if err != nil {
		return nil, fmt.Errorf("node: open %s stream to %s: %w", prefix, p, err)
	}
	return s, nil
}
