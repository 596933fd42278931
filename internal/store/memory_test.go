package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dndsync/dndsync/internal/model/session"
)

// recordingPublisher captures published deltas for assertions.
type recordingPublisher struct {
	mu     sync.Mutex
	deltas []session.Delta
}

func (p *recordingPublisher) Publish(d session.Delta) {
	p.mu.Lock()
	p.deltas = append(p.deltas, d)
	p.mu.Unlock()
}

func (p *recordingPublisher) all() []session.Delta {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]session.Delta, len(p.deltas))
	copy(out, p.deltas)
	return out
}

func newTestStore(t *testing.T) (*MemoryStore, *recordingPublisher) {
	t.Helper()
	pub := &recordingPublisher{}
	return NewMemoryStore(pub, Options{LockTimeout: time.Second}), pub
}

func TestCreateDefaults(t *testing.T) {
	s, pub := newTestStore(t)
	sess, err := s.Create(context.Background(), "Test")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if sess.ID == "" {
		t.Fatal("expected an id")
	}
	if sess.Revision != 0 {
		t.Fatalf("expected revision 0, got %d", sess.Revision)
	}
	if sess.Settings.GridSize != 15 || sess.Settings.CellSize != 40 {
		t.Fatalf("unexpected default settings: %+v", sess.Settings)
	}
	if len(sess.Maps) != 2 {
		t.Fatalf("expected 2 stock maps, got %d", len(sess.Maps))
	}
	deltas := pub.all()
	if len(deltas) != 1 || deltas[0].Kind != session.DeltaSessionCreated {
		t.Fatalf("expected a sessionCreated delta, got %+v", deltas)
	}
}

func TestGetUnknownSession(t *testing.T) {
	s, _ := newTestStore(t)
	if _, err := s.Get(context.Background(), "nope"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestApplyBumpsRevisionAndPublishes(t *testing.T) {
	s, pub := newTestStore(t)
	sess, _ := s.Create(context.Background(), "Test")

	for i := int64(1); i <= 3; i++ {
		updated, err := s.Apply(context.Background(), sess.ID, func(cur *session.Session) (*session.Delta, error) {
			cur.Name = "renamed"
			return &session.Delta{Kind: session.DeltaSessionUpdated}, nil
		})
		if err != nil {
			t.Fatalf("apply failed: %v", err)
		}
		if updated.Revision != i {
			t.Fatalf("expected revision %d, got %d", i, updated.Revision)
		}
	}

	deltas := pub.all()
	// sessionCreated plus three updates, revisions strictly increasing.
	if len(deltas) != 4 {
		t.Fatalf("expected 4 deltas, got %d", len(deltas))
	}
	for i := 1; i < len(deltas); i++ {
		if deltas[i].Revision <= deltas[i-1].Revision {
			t.Fatalf("revisions not increasing: %d then %d", deltas[i-1].Revision, deltas[i].Revision)
		}
	}
}

func TestApplyNoOpKeepsRevision(t *testing.T) {
	s, pub := newTestStore(t)
	sess, _ := s.Create(context.Background(), "Test")

	updated, err := s.Apply(context.Background(), sess.ID, func(cur *session.Session) (*session.Delta, error) {
		return nil, nil
	})
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if updated.Revision != 0 {
		t.Fatalf("no-op bumped revision to %d", updated.Revision)
	}
	if len(pub.all()) != 1 {
		t.Fatal("no-op mutation published a delta")
	}
}

func TestApplyMutationError(t *testing.T) {
	s, _ := newTestStore(t)
	sess, _ := s.Create(context.Background(), "Test")

	wantErr := errors.New("nope")
	if _, err := s.Apply(context.Background(), sess.ID, func(cur *session.Session) (*session.Delta, error) {
		return nil, wantErr
	}); !errors.Is(err, wantErr) {
		t.Fatalf("expected mutation error, got %v", err)
	}

	got, _ := s.Get(context.Background(), sess.ID)
	if got.Revision != 0 {
		t.Fatalf("failed mutation changed revision to %d", got.Revision)
	}
}

func TestDeleteTombstones(t *testing.T) {
	s, _ := newTestStore(t)
	sess, _ := s.Create(context.Background(), "Test")

	if err := s.Delete(context.Background(), sess.ID); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, err := s.Get(context.Background(), sess.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound after delete, got %v", err)
	}
	if _, err := s.Apply(context.Background(), sess.ID, func(cur *session.Session) (*session.Delta, error) {
		return &session.Delta{Kind: session.DeltaSessionUpdated}, nil
	}); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected mutation on deleted session to fail, got %v", err)
	}
	if err := s.Delete(context.Background(), sess.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected second delete to fail, got %v", err)
	}
}

func TestApplyLockTimeout(t *testing.T) {
	pub := &recordingPublisher{}
	s := NewMemoryStore(pub, Options{LockTimeout: 50 * time.Millisecond})
	sess, _ := s.Create(context.Background(), "Test")

	started := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_, _ = s.Apply(context.Background(), sess.ID, func(cur *session.Session) (*session.Delta, error) {
			close(started)
			<-release
			return nil, nil
		})
	}()
	<-started
	defer close(release)

	_, err := s.Apply(context.Background(), sess.ID, func(cur *session.Session) (*session.Delta, error) {
		return nil, nil
	})
	if !errors.Is(err, ErrLockTimeout) {
		t.Fatalf("expected ErrLockTimeout, got %v", err)
	}
}

func TestApplyCancelledContextIsLockTimeout(t *testing.T) {
	s, _ := newTestStore(t)
	sess, _ := s.Create(context.Background(), "Test")

	started := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_, _ = s.Apply(context.Background(), sess.ID, func(cur *session.Session) (*session.Delta, error) {
			close(started)
			<-release
			return nil, nil
		})
	}()
	<-started
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.Apply(ctx, sess.ID, func(cur *session.Session) (*session.Delta, error) {
		return nil, nil
	})
	if !errors.Is(err, ErrLockTimeout) {
		t.Fatalf("expected ErrLockTimeout, got %v", err)
	}
}

func TestApplySerializesConcurrentMutations(t *testing.T) {
	s, _ := newTestStore(t)
	sess, _ := s.Create(context.Background(), "Test")

	const writers = 8
	const perWriter = 25
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				_, err := s.Apply(context.Background(), sess.ID, func(cur *session.Session) (*session.Delta, error) {
					return &session.Delta{Kind: session.DeltaSessionUpdated}, nil
				})
				if err != nil {
					t.Errorf("apply failed: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	got, _ := s.Get(context.Background(), sess.ID)
	if got.Revision != writers*perWriter {
		t.Fatalf("expected revision %d, got %d", writers*perWriter, got.Revision)
	}
}
