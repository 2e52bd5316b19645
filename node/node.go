// Package node wires the node core's independently-testable
// components — storage, per-context DAG stores, the delta applier,
// the broadcast pipeline, and the sync engine's three sub-protocols —
// onto a libp2p host (spec §4.1 "async over generic stream", §4.5
// "published on a topic named by context-id"). Grounded on the
// teacher's NewNode host/pubsub bootstrap pattern, adapted from a
// single flat Node to one that owns a per-context worker set (spec §5
// "the DAG store for a context is singly owned by the node's
// per-context worker").
package node

import (
	"context"
	"fmt"
	"sync"

	"github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/luxfi/database/memdb"
	"github.com/luxfi/ids"
	"github.com/luxfi/log"

	"github.com/calimero-network/core/apply"
	"github.com/calimero-network/core/broadcast"
	"github.com/calimero-network/core/config"
	"github.com/calimero-network/core/dagstore"
	"github.com/calimero-network/core/eventbus"
	"github.com/calimero-network/core/identity"
	"github.com/calimero-network/core/storage"
)

// selfAlias is the well-known alias under which the node's own owned
// identity id is stored, so a store that already holds it yields the
// same identity. The in-memory store New opens starts empty, so each
// start of the node mints a fresh identity.
const selfAlias = "self"

// contextWorker holds one context's exclusively-owned components
// (spec §5 "Ownership"/"Shared resources").
type contextWorker struct {
	ctxID ids.ID

	dag       *dagstore.Store
	applier   *apply.Applier
	receiver  *broadcast.Receiver
	publisher *broadcast.Publisher
	sub       *broadcast.Subscription
	forwarder *broadcast.Forwarder

	cancelSync context.CancelFunc
}

// Node is one running instance of the calimero node core.
type Node struct {
	cfg config.Config
	log log.Logger

	host host.Host
	ps   *pubsub.PubSub

	store      *storage.Store
	identities *identity.Table
	self       *identity.Identity
	bus        *eventbus.Bus

	mu       sync.RWMutex
	contexts map[ids.ID]*contextWorker
	peers    map[ids.ID]peer.AddrInfo // identity id -> last known libp2p address
}

// New constructs a Node: it loads or creates the local identity, opens
// the embedded store, starts the libp2p host and GossipSub router, and
// restores any contexts already present in that store. The store is
// in-memory and starts empty, so no context survives a restart.
func New(cfg config.Config, logger log.Logger) (*Node, error) {
	h, err := libp2p.New(libp2p.ListenAddrStrings(cfg.Network.ListenAddrs...))
	if err != nil {
		return nil, fmt.Errorf("node: create libp2p host: %w", err)
	}

	ps, err := pubsub.NewGossipSub(context.Background(), h)
	if err != nil {
		_ = h.Close()
		return nil, fmt.Errorf("node: create gossipsub router: %w", err)
	}

	// The storage config names an on-disk path, but no persistent
	// engine ships in this module's dependency set; memdb is the
	// in-process stand-in the rest of the storage layer already
	// treats as interchangeable with the production engine (see
	// storage.memDB's test double).
	store := storage.New(memdb.New())

	identities := identity.NewTable()
	self, err := loadOrCreateSelf(store, identities)
	if err != nil {
		_ = h.Close()
		return nil, err
	}

	n := &Node{
		cfg:        cfg,
		log:        logger,
		host:       h,
		ps:         ps,
		store:      store,
		identities: identities,
		self:       self,
		bus:        eventbus.New(),
		contexts:   make(map[ids.ID]*contextWorker),
		peers:      make(map[ids.ID]peer.AddrInfo),
	}

	existing, err := store.ListContexts()
	if err != nil {
		_ = h.Close()
		return nil, fmt.Errorf("node: list contexts: %w", err)
	}
	for _, ctxID := range existing {
		if err := n.AddContext(ctxID); err != nil {
			_ = h.Close()
			return nil, fmt.Errorf("node: restore context %s: %w", ctxID, err)
		}
	}

	n.log.Info("node started", log.Stringer("id", self.ID), log.Int("contexts", len(existing)))
	return n, nil
}

func loadOrCreateSelf(store *storage.Store, identities *identity.Table) (*identity.Identity, error) {
	if selfID, err := store.GetAlias(selfAlias); err == nil {
		return identities.Load(store, selfID)
	}

	self, err := identities.GenerateOwned()
	if err != nil {
		return nil, fmt.Errorf("node: generate self identity: %w", err)
	}
	batch := store.Batch()
	if err := identity.Save(store, batch, self); err != nil {
		return nil, err
	}
	if err := store.PutAlias(batch, selfAlias, self.ID); err != nil {
		return nil, err
	}
	if err := batch.Write(); err != nil {
		return nil, fmt.Errorf("node: persist self identity: %w", err)
	}
	return self, nil
}

// Self returns the node's own identity.
func (n *Node) Self() *identity.Identity { return n.self }

// EventBus returns the node's structured-event publisher (spec §7).
func (n *Node) EventBus() *eventbus.Bus { return n.bus }

// Host returns the underlying libp2p host, for callers (e.g. the CLI)
// that need to print or dial the node's own listen addresses.
func (n *Node) Host() host.Host { return n.host }

// RegisterPeer records id's current libp2p address for later dials and
// anti-entropy rounds. A later call with the same id replaces the
// address. Nothing in this module calls it: completed handshakes and
// configured bootstrap peers do not add entries.
func (n *Node) RegisterPeer(id ids.ID, info peer.AddrInfo) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.peers[id] = info
}

func (n *Node) peerAddr(id ids.ID) (peer.AddrInfo, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	info, ok := n.peers[id]
	return info, ok
}

// knownPeers returns every identity id with a registered libp2p
// address, for anti-entropy rounds to iterate over.
func (n *Node) knownPeers() []ids.ID {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]ids.ID, 0, len(n.peers))
	for id := range n.peers {
		out = append(out, id)
	}
	return out
}

// Close shuts down every context worker and the libp2p host.
func (n *Node) Close() error {
	n.mu.Lock()
	for _, w := range n.contexts {
		if w.cancelSync != nil {
			w.cancelSync()
		}
		w.forwarder.Stop()
	}
	n.mu.Unlock()
	return n.host.Close()
}
