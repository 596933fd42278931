// Package bus fans session deltas out to subscribers. Delivery is
// at-least-once and ordered per session; a subscriber that falls too
// far behind is dropped and must resynchronize from a full snapshot.
package bus

import (
	"sync"
	"sync/atomic"

	"github.com/dndsync/dndsync/internal/model/session"
)

// DefaultQueueSize bounds a subscriber's pending deltas when no size is
// configured.
const DefaultQueueSize = 256

// Subscription is one subscriber's view of a session's delta stream.
type Subscription struct {
	sessionID string
	ch        chan session.Delta
	closeOnce sync.Once
	desynced  atomic.Bool
}

// Deltas returns the delta stream. The channel closes on unsubscribe or
// when the subscriber overflowed its queue; check Desynchronized to
// tell the two apart.
func (s *Subscription) Deltas() <-chan session.Delta {
	return s.ch
}

// SessionID reports which session the subscription watches.
func (s *Subscription) SessionID() string {
	return s.sessionID
}

// Desynchronized reports whether the subscription was dropped for
// falling behind. The subscriber must fetch a fresh snapshot and
// re-subscribe.
func (s *Subscription) Desynchronized() bool {
	return s.desynced.Load()
}

func (s *Subscription) close() {
	s.closeOnce.Do(func() { close(s.ch) })
}

// Bus broadcasts deltas to all subscribers of a session. Publish never
// blocks on a slow subscriber.
type Bus struct {
	queueSize int

	mu   sync.RWMutex
	subs map[string]map[*Subscription]struct{}
}

// New returns a bus with the given per-subscriber queue bound.
func New(queueSize int) *Bus {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Bus{
		queueSize: queueSize,
		subs:      make(map[string]map[*Subscription]struct{}),
	}
}

// Subscribe registers interest in one session's deltas.
func (b *Bus) Subscribe(sessionID string) *Subscription {
	sub := &Subscription{
		sessionID: sessionID,
		ch:        make(chan session.Delta, b.queueSize),
	}
	b.mu.Lock()
	set, ok := b.subs[sessionID]
	if !ok {
		set = make(map[*Subscription]struct{})
		b.subs[sessionID] = set
	}
	set[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// Unsubscribe removes the subscription and closes its stream. Safe to
// call more than once.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.remove(sub)
	sub.close()
}

func (b *Bus) remove(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.subs[sub.sessionID]
	if !ok {
		return
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(b.subs, sub.sessionID)
	}
}

// Publish delivers the delta to every subscriber of its session.
// Subscribers whose queue is full are marked desynchronized and
// dropped rather than stalling the rest.
func (b *Bus) Publish(d session.Delta) {
	b.mu.RLock()
	set := b.subs[d.SessionID]
	overflowed := make([]*Subscription, 0)
	for sub := range set {
		select {
		case sub.ch <- d:
		default:
			overflowed = append(overflowed, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range overflowed {
		sub.desynced.Store(true)
		b.remove(sub)
		sub.close()
	}
}

// SubscriberCount reports how many subscribers a session currently has.
func (b *Bus) SubscriberCount(sessionID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[sessionID])
}
