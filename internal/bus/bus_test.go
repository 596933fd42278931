package bus

import (
	"testing"
	"time"

	"github.com/dndsync/dndsync/internal/model/session"
)

func TestPublishDeliversInOrder(t *testing.T) {
	b := New(16)
	sub := b.Subscribe("s1")
	defer b.Unsubscribe(sub)

	for i := int64(1); i <= 5; i++ {
		b.Publish(session.Delta{SessionID: "s1", Revision: i, Kind: session.DeltaSessionUpdated})
	}

	for want := int64(1); want <= 5; want++ {
		select {
		case d := <-sub.Deltas():
			if d.Revision != want {
				t.Fatalf("expected revision %d, got %d", want, d.Revision)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for revision %d", want)
		}
	}
}

func TestPublishScopedToSession(t *testing.T) {
	b := New(16)
	sub := b.Subscribe("s1")
	defer b.Unsubscribe(sub)

	b.Publish(session.Delta{SessionID: "other", Revision: 1, Kind: session.DeltaTokenMoved})

	select {
	case d := <-sub.Deltas():
		t.Fatalf("unexpected delta for other session: %+v", d)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSlowSubscriberDropped(t *testing.T) {
	b := New(2)
	slow := b.Subscribe("s1")
	fast := b.Subscribe("s1")

	// The fast subscriber keeps up; the slow one is never drained and
	// overflows its queue of 2 on the third publish.
	var received int64
	for i := int64(1); i <= 4; i++ {
		b.Publish(session.Delta{SessionID: "s1", Revision: i, Kind: session.DeltaTokenMoved})
		select {
		case d := <-fast.Deltas():
			received = d.Revision
		case <-time.After(time.Second):
			t.Fatalf("fast subscriber missed revision %d", i)
		}
	}

	if !slow.Desynchronized() {
		t.Fatal("expected slow subscriber to be desynchronized")
	}
	if fast.Desynchronized() {
		t.Fatal("fast subscriber should not be desynchronized")
	}
	if received != 4 {
		t.Fatalf("fast subscriber stopped at revision %d", received)
	}

	// The slow subscriber's stream ends after its buffered deltas.
	for {
		_, ok := <-slow.Deltas()
		if !ok {
			break
		}
	}

	if b.SubscriberCount("s1") != 1 {
		t.Fatalf("expected 1 remaining subscriber, got %d", b.SubscriberCount("s1"))
	}
}

func TestUnsubscribeIdempotent(t *testing.T) {
	b := New(4)
	sub := b.Subscribe("s1")
	b.Unsubscribe(sub)
	b.Unsubscribe(sub)

	if _, open := <-sub.Deltas(); open {
		t.Fatal("expected closed delta stream after unsubscribe")
	}
	if b.SubscriberCount("s1") != 0 {
		t.Fatalf("expected 0 subscribers, got %d", b.SubscriberCount("s1"))
	}
}
