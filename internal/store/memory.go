package store

import (
	"context"
	"sync"
	"time"

	"github.com/dndsync/dndsync/internal/model/session"
)

// MemoryStore keeps sessions in process memory. It is the default
// backend when no storage path is configured.
type MemoryStore struct {
	opts  Options
	pub   Publisher
	locks *lockTable

	mu       sync.RWMutex
	sessions map[string]session.Session
	deleted  map[string]struct{}
}

// NewMemoryStore returns an empty in-memory store publishing deltas to pub.
func NewMemoryStore(pub Publisher, opts Options) *MemoryStore {
	opts = opts.withDefaults()
	return &MemoryStore{
		opts:     opts,
		pub:      pub,
		locks:    newLockTable(opts.LockTimeout),
		sessions: make(map[string]session.Session),
		deleted:  make(map[string]struct{}),
	}
}

// Create allocates a new session with default settings and stock maps.
func (s *MemoryStore) Create(_ context.Context, name string) (session.Session, error) {
	sess := newSession(name, s.opts.DefaultSettings)

	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.mu.Unlock()

	if s.pub != nil {
		s.pub.Publish(session.Delta{
			SessionID: sess.ID,
			Revision:  sess.Revision,
			Kind:      session.DeltaSessionCreated,
			Payload:   sess.Clone(),
		})
	}
	return sess.Clone(), nil
}

// Get returns a copy of the session.
func (s *MemoryStore) Get(_ context.Context, id string) (session.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return session.Session{}, ErrSessionNotFound
	}
	return sess.Clone(), nil
}

// List returns copies of all live sessions in unspecified order.
func (s *MemoryStore) List(_ context.Context) ([]session.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]session.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess.Clone())
	}
	return out, nil
}

// Delete tombstones the session so later mutations fail with
// ErrSessionNotFound.
func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	release, err := s.locks.acquire(ctx, id)
	if err != nil {
		return err
	}
	defer release()

	s.mu.Lock()
	sess, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		return ErrSessionNotFound
	}
	delete(s.sessions, id)
	s.deleted[id] = struct{}{}
	s.mu.Unlock()
	s.locks.drop(id)

	if s.pub != nil {
		s.pub.Publish(session.Delta{
			SessionID: id,
			Revision:  sess.Revision + 1,
			Kind:      session.DeltaSessionDeleted,
		})
	}
	return nil
}

// Apply runs fn under the session lock, bumps the revision on change
// and publishes the resulting delta before returning.
func (s *MemoryStore) Apply(ctx context.Context, id string, fn Mutation) (session.Session, error) {
	release, err := s.locks.acquire(ctx, id)
	if err != nil {
		return session.Session{}, err
	}
	defer release()

	s.mu.RLock()
	current, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok {
		return session.Session{}, ErrSessionNotFound
	}

	// The copy is stamped before fn runs so payload clones taken inside
	// the mutation already carry the new revision.
	next := current.Clone()
	next.Revision = current.Revision + 1
	next.UpdatedAt = time.Now().UTC()

	delta, err := fn(&next)
	if err != nil {
		return session.Session{}, err
	}
	if delta == nil {
		// No-op mutation: the stamped copy is discarded.
		return current.Clone(), nil
	}

	delta.SessionID = id
	delta.Revision = next.Revision

	s.mu.Lock()
	s.sessions[id] = next
	s.mu.Unlock()

	if s.pub != nil {
		s.pub.Publish(*delta)
	}
	return next.Clone(), nil
}

// Close releases nothing for the memory store.
func (s *MemoryStore) Close() error { return nil }
