package broadcast

import (
	"context"
	"fmt"
	"sync"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/luxfi/ids"

	"github.com/calimero-network/core/wire"
)

// topicName scopes a GossipSub topic to one context, per spec §4.5
// "published on a topic named by context-id".
func topicName(ctxID ids.ID) string {
	return "calimero/delta/" + ctxID.String()
}

// Publisher owns the node's GossipSub topics, one per context joined
// lazily on first use and kept for the process lifetime — the same
// join-once, cache-by-name shape the teacher's network layer uses for
// its own topic map.
type Publisher struct {
	ps *pubsub.PubSub

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
}

// NewPublisher wraps an already-constructed GossipSub router.
func NewPublisher(ps *pubsub.PubSub) *Publisher {
	return &Publisher{ps: ps, topics: make(map[string]*pubsub.Topic)}
}

func (p *Publisher) topic(ctxID ids.ID) (*pubsub.Topic, error) {
	name := topicName(ctxID)

	p.mu.Lock()
	defer p.mu.Unlock()
	if t, ok := p.topics[name]; ok {
		return t, nil
	}
	t, err := p.ps.Join(name)
	if err != nil {
		return nil, fmt.Errorf("broadcast: join topic %s: %w", name, err)
	}
	p.topics[name] = t
	return t, nil
}

// Publish converts a locally admitted delta into its broadcast record
// and publishes it on the delta's context topic.
func (p *Publisher) Publish(ctx context.Context, d *wire.Delta) error {
	payload := toBroadcastPayload(d)
	encoded, err := wire.Marshal(payload)
	if err != nil {
		return fmt.Errorf("broadcast: encode payload for %s: %w", d.ID, err)
	}
	t, err := p.topic(d.ContextID)
	if err != nil {
		return err
	}
	if err := t.Publish(ctx, encoded); err != nil {
		return fmt.Errorf("broadcast: publish %s: %w", d.ID, err)
	}
	return nil
}

// Subscription wraps one context's live GossipSub subscription,
// decoding each incoming message back into a BroadcastPayload.
type Subscription struct {
	sub *pubsub.Subscription
}

// Subscribe joins (if needed) and subscribes to ctxID's topic.
func (p *Publisher) Subscribe(ctxID ids.ID) (*Subscription, error) {
	t, err := p.topic(ctxID)
	if err != nil {
		return nil, err
	}
	sub, err := t.Subscribe()
	if err != nil {
		return nil, fmt.Errorf("broadcast: subscribe topic for %s: %w", ctxID, err)
	}
	return &Subscription{sub: sub}, nil
}

// Next blocks until the next broadcast payload arrives or ctx is
// canceled. It also returns the GossipSub id of the peer that sent
// it, so a catch-up or snapshot-sync escalation knows which peer to
// dial back (spec §4.4.1 step 1 "opens a dedicated stream to the
// sender").
func (s *Subscription) Next(ctx context.Context) (peer.ID, *wire.BroadcastPayload, error) {
	msg, err := s.sub.Next(ctx)
	if err != nil {
		return "", nil, err
	}
	var payload wire.BroadcastPayload
	if err := wire.Unmarshal(msg.Data, &payload); err != nil {
		return "", nil, fmt.Errorf("broadcast: decode payload: %w", err)
	}
	return msg.GetFrom(), &payload, nil
}

// Cancel tears down the subscription.
func (s *Subscription) Cancel() {
	s.sub.Cancel()
}
