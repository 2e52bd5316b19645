package node

import (
	"context"
	"fmt"
	"time"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peerstore"
	"github.com/luxfi/ids"
	"github.com/luxfi/log"

	"github.com/calimero-network/core/apply"
	"github.com/calimero-network/core/broadcast"
	"github.com/calimero-network/core/dagstore"
	"github.com/calimero-network/core/hlc"
	"github.com/calimero-network/core/stream"
	syncengine "github.com/calimero-network/core/sync"
)

// queryCap bounds dagstore pagination the way spec §5's "query-result
// cap" requires; a node-wide constant is simplest until a per-context
// override is asked for.
const queryCap = 256

// AddContext registers a context's worker set: its DAG store, delta
// applier, broadcast receiver/publisher, and the libp2p stream
// handlers that serve this context's sub-protocols to peers (spec §5
// "the DAG store for a context is singly owned by the node's
// per-context worker").
func (n *Node) AddContext(ctxID ids.ID) error {
	n.mu.Lock()
	if _, exists := n.contexts[ctxID]; exists {
		n.mu.Unlock()
		return fmt.Errorf("node: context %s already added", ctxID)
	}
	n.mu.Unlock()

	ctxLog := n.log.With("context", ctxID.String())
	dag := dagstore.New(ctxID, queryCap, ctxLog)
	applier := apply.New(n.store, n.identities, ctxLog)

	dialer := &keyShareDialer{node: n, ctxID: ctxID}
	deltaApplier := broadcast.NewDeltaApplier(applier, dialer, ctxLog)
	sd := &syncDialer{node: n, ctxID: ctxID}
	receiver := broadcast.NewReceiver(ctxID, n.self.ID, dag, deltaApplier, nil, sd, n.store, n.cfg.Sync.ToEngineConfig(), n.bus, ctxLog)

	publisher := broadcast.NewPublisher(n.ps)
	sub, err := publisher.Subscribe(ctxID)
	if err != nil {
		return fmt.Errorf("node: subscribe context %s: %w", ctxID, err)
	}
	forwarder := broadcast.NewForwarder(receiver, sub, ctxLog)
	forwarder.Start()

	w := &contextWorker{
		ctxID:     ctxID,
		dag:       dag,
		applier:   applier,
		receiver:  receiver,
		publisher: publisher,
		sub:       sub,
		forwarder: forwarder,
	}

	n.mu.Lock()
	n.contexts[ctxID] = w
	n.mu.Unlock()

	n.registerStreamHandlers(w)

	syncCtx, cancel := context.WithCancel(context.Background())
	w.cancelSync = cancel
	go n.runAntiEntropyLoop(syncCtx, w)

	return nil
}

func (n *Node) context(ctxID ids.ID) (*contextWorker, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	w, ok := n.contexts[ctxID]
	return w, ok
}

// rootHashFunc and headsFunc adapt a context worker's state into the
// closures ServeCatchUp/ServeSnapshot expect.
func (w *contextWorker) rootHashFunc(n *Node) func() ([32]byte, error) {
	return func() ([32]byte, error) { return n.store.RootHash(w.ctxID) }
}

func (w *contextWorker) headsFunc() func() []ids.ID {
	return func() []ids.ID { return w.dag.Heads() }
}

func (n *Node) registerStreamHandlers(w *contextWorker) {
	n.host.SetStreamHandler(protocolFor(protoKeyShare, w.ctxID), func(s network.Stream) {
		defer s.Close()
		proto := stream.NewProtocol(s, 0)
		if _, err := stream.Upgrade(proto, w.ctxID, n.self, n.identities); err != nil {
			n.log.Debug("node: inbound key-share upgrade failed", log.Err(err))
			return
		}
	})

	n.host.SetStreamHandler(protocolFor(protoCatchUp, w.ctxID), func(s network.Stream) {
		defer s.Close()
		proto := stream.NewProtocol(s, 0)
		if err := syncengine.ServeCatchUp(proto, w.dag, w.rootHashFunc(n)); err != nil {
			n.log.Debug("node: serve catch-up ended", log.Err(err))
		}
	})

	n.host.SetStreamHandler(protocolFor(protoSnapshot, w.ctxID), func(s network.Stream) {
		defer s.Close()
		proto := stream.NewProtocol(s, 0)
		now := func() (int64, uint32) { t := hlc.New().Now(); return t.Physical, t.Logical }
		if err := syncengine.ServeSnapshot(proto, w.ctxID, n.store, now, w.headsFunc()); err != nil {
			n.log.Debug("node: serve snapshot ended", log.Err(err))
		}
	})

	n.host.SetStreamHandler(protocolFor(protoAntiEntropy, w.ctxID), func(s network.Stream) {
		defer s.Close()
		proto := stream.NewProtocol(s, 0)
		if err := syncengine.RunAntiEntropy(context.Background(), proto, w.dag, w.applier, n.log); err != nil {
			n.log.Debug("node: serve anti-entropy ended", log.Err(err))
		}
	})
}

// runAntiEntropyLoop runs the per-context background task spec §5
// names: periodic anti-entropy rounds with known peers (spec §4.4.3),
// plus periodic eviction of pending deltas that have sat past
// PendingTTL without their parents arriving (spec §4.4.4, §8), until
// ctx is canceled.
func (n *Node) runAntiEntropyLoop(ctx context.Context, w *contextWorker) {
	syncCfg := n.cfg.Sync.ToEngineConfig()

	aeTicker := time.NewTicker(syncCfg.AntiEntropyInterval)
	defer aeTicker.Stop()
	cleanupTicker := time.NewTicker(syncCfg.PendingTTL)
	defer cleanupTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-aeTicker.C:
			n.runAntiEntropyRound(ctx, w)
		case <-cleanupTicker.C:
			w.dag.CleanupStale(syncCfg.PendingTTL)
		}
	}
}

func (n *Node) runAntiEntropyRound(ctx context.Context, w *contextWorker) {
	for _, peerID := range n.knownPeers() {
		info, ok := n.peerAddr(peerID)
		if !ok {
			continue
		}
		n.host.Peerstore().AddAddrs(info.ID, info.Addrs, peerstore.PermanentAddrTTL)
		s, err := n.host.NewStream(ctx, info.ID, protocolFor(protoAntiEntropy, w.ctxID))
		if err != nil {
			continue
		}
		proto := stream.NewProtocol(s, 0)
		if err := syncengine.RunAntiEntropy(ctx, proto, w.dag, w.applier, n.log); err != nil {
			n.log.Debug("node: anti-entropy round failed", log.Stringer("peer", peerID), log.Err(err))
		}
		s.Close()
	}
}
