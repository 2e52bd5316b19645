package broadcast

import (
	"context"
	"sync"
	"time"

	"github.com/luxfi/log"
)

// Forwarder drives one context's broadcast receive loop: it pulls
// payloads off a subscription and hands them to a Receiver until
// stopped, the same subscribe-forward-repeat shape as the teacher's
// NotificationForwarder, adapted from a one-shot-per-event VM
// subscription to a continuously pulled GossipSub stream.
type Forwarder struct {
	Receiver     *Receiver
	Subscription *Subscription
	Log          log.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	running sync.WaitGroup
	started bool
}

// NewForwarder builds a Forwarder. Call Start to begin pulling.
func NewForwarder(receiver *Receiver, subscription *Subscription, logger log.Logger) *Forwarder {
	return &Forwarder{Receiver: receiver, Subscription: subscription, Log: logger}
}

// Start begins the forwarding loop in a background goroutine. It is a
// no-op if already started.
func (f *Forwarder) Start() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.started {
		return
	}
	f.started = true
	ctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	f.running.Add(1)
	go f.run(ctx)
}

// Stop cancels the loop and waits for it to exit.
func (f *Forwarder) Stop() {
	f.mu.Lock()
	if !f.started {
		f.mu.Unlock()
		return
	}
	f.started = false
	if f.cancel != nil {
		f.cancel()
	}
	f.mu.Unlock()

	f.running.Wait()
	f.Subscription.Cancel()
}

func (f *Forwarder) run(ctx context.Context) {
	defer f.running.Done()

	for {
		if ctx.Err() != nil {
			return
		}
		from, payload, err := f.Subscription.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			f.Log.Debug("broadcast: subscription error", log.Err(err))
			time.Sleep(100 * time.Millisecond)
			continue
		}
		if err := f.Receiver.Receive(ctx, from, payload); err != nil {
			f.Log.Debug("broadcast: failed applying received delta", log.Err(err))
		}
	}
}
