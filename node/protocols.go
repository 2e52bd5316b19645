package node

import (
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/luxfi/ids"
)

// Each sub-protocol gets its own libp2p protocol id, scoped to a
// context. None of the wire-level sub-protocols (catch-up, snapshot,
// anti-entropy, key-share upgrade) carry a context id of their own on
// the stream itself (spec §6's Init frame does, but Init is only used
// by the key-share upgrade handshake) — scoping by protocol id plays
// the role that an in-band context header would otherwise need,
// mirroring how broadcast.topicName scopes one GossipSub topic per
// context.
const (
	protoKeyShare    = "/calimero/keyshare/1.0.0/"
	protoCatchUp     = "/calimero/catchup/1.0.0/"
	protoSnapshot    = "/calimero/snapshot/1.0.0/"
	protoAntiEntropy = "/calimero/antientropy/1.0.0/"
)

func protocolFor(prefix string, ctxID ids.ID) protocol.ID {
	return protocol.ID(prefix + ctxID.String())
}
