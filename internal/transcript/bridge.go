package transcript

import (
	"sync"
	"time"
)

// Fault describes a persistence write that did not land.
type Fault struct {
	Op     string    `json:"op"`
	LineID string    `json:"line_id,omitempty"`
	Error  string    `json:"error"`
	At     time.Time `json:"at"`
}

// Snapshot is the full ordered collection after a committed mutation.
// Fault is set when the mutation that produced this snapshot failed.
type Snapshot struct {
	Version uint64 `json:"version"`
	Lines   []Line `json:"lines"`
	Fault   *Fault `json:"fault,omitempty"`
}

// Bridge fans snapshots out to any number of subscribers. Each subscriber
// holds at most one pending snapshot; a newer one replaces it, so Publish
// never waits on a reader.
type Bridge struct {
	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	latest *Snapshot
	closed bool
}

// Subscription receives snapshots on C until Close.
type Subscription struct {
	C <-chan Snapshot

	ch     chan Snapshot
	bridge *Bridge
	once   sync.Once
}

func NewBridge() *Bridge {
	return &Bridge{subs: make(map[*Subscription]struct{})}
}

// Subscribe registers an observer. The latest snapshot, if any, is delivered
// immediately.
func (b *Bridge) Subscribe() *Subscription {
	ch := make(chan Snapshot, 1)
	sub := &Subscription{C: ch, ch: ch, bridge: b}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return sub
	}
	b.subs[sub] = struct{}{}
	if b.latest != nil {
		ch <- *b.latest
	}
	return sub
}

// Publish records snap as the latest state and offers it to every subscriber.
func (b *Bridge) Publish(snap Snapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.latest = &snap
	for sub := range b.subs {
		offer(sub.ch, snap)
	}
}

// Latest returns the most recently published snapshot.
func (b *Bridge) Latest() (Snapshot, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.latest == nil {
		return Snapshot{}, false
	}
	return *b.latest, true
}

// Subscribers reports the number of live subscriptions.
func (b *Bridge) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close ends every subscription.
func (b *Bridge) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subs {
		close(sub.ch)
		delete(b.subs, sub)
	}
}

// offer must be called with the bridge lock held; it is the only sender.
func offer(ch chan Snapshot, snap Snapshot) {
	select {
	case ch <- snap:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- snap:
	default:
	}
}

// Close detaches the subscription and closes C.
func (s *Subscription) Close() {
	s.once.Do(func() {
		b := s.bridge
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[s]; ok {
			delete(b.subs, s)
			close(s.ch)
		}
	})
}
