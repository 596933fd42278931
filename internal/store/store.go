// Package store holds the authoritative session aggregates. All writes
// go through Apply, which serializes mutations per session, bumps the
// revision and publishes the resulting delta before returning.
package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dndsync/dndsync/internal/model/session"
)

var (
	// ErrSessionNotFound is returned for unknown or deleted sessions.
	ErrSessionNotFound = errors.New("session not found")
	// ErrLockTimeout is returned when a mutation could not acquire the
	// per-session lock in time. Callers may retry.
	ErrLockTimeout = errors.New("session lock timeout")
	// ErrStorageUnavailable is returned once internal retries for
	// storage I/O are exhausted.
	ErrStorageUnavailable = errors.New("storage unavailable")
)

// Mutation patches a session in place and returns the delta describing
// the change, or nil for a no-op. The store hands it a deep copy whose
// Revision and UpdatedAt are already advanced for this write; a nil
// delta discards the copy, keeping no-ops revision-neutral. It must
// only touch the fields it means to change.
type Mutation func(s *session.Session) (*session.Delta, error)

// Publisher receives deltas produced by successful mutations.
type Publisher interface {
	Publish(session.Delta)
}

// Store is the sole owner of session state.
type Store interface {
	Create(ctx context.Context, name string) (session.Session, error)
	Get(ctx context.Context, id string) (session.Session, error)
	List(ctx context.Context) ([]session.Session, error)
	// Delete tombstones a session. Further operations on the id return
	// ErrSessionNotFound.
	Delete(ctx context.Context, id string) error
	// Apply runs fn under the session's lock, bumps the revision and
	// publishes the delta. Mutations on different sessions proceed
	// concurrently; mutations on the same session serialize.
	Apply(ctx context.Context, id string, fn Mutation) (session.Session, error)
	Close() error
}

// Options tune store behavior.
type Options struct {
	// LockTimeout bounds the wait for the per-session lock.
	LockTimeout time.Duration
	// DefaultSettings seed new sessions.
	DefaultSettings session.Settings
}

func (o Options) withDefaults() Options {
	if o.LockTimeout <= 0 {
		o.LockTimeout = 2 * time.Second
	}
	if o.DefaultSettings.GridSize <= 0 {
		o.DefaultSettings.GridSize = 15
	}
	if o.DefaultSettings.CellSize <= 0 {
		o.DefaultSettings.CellSize = 40
	}
	return o
}

// lockTable hands out one semaphore per session id so mutations on the
// same session serialize while different sessions stay independent.
type lockTable struct {
	mu      sync.Mutex
	locks   map[string]chan struct{}
	timeout time.Duration
}

func newLockTable(timeout time.Duration) *lockTable {
	return &lockTable{
		locks:   make(map[string]chan struct{}),
		timeout: timeout,
	}
}

func (t *lockTable) sem(id string) chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	sem, ok := t.locks[id]
	if !ok {
		sem = make(chan struct{}, 1)
		t.locks[id] = sem
	}
	return sem
}

// acquire blocks until the session lock is held, the timeout elapses or
// the context is cancelled. The returned func releases the lock. Both
// failure paths surface ErrLockTimeout so callers see one retryable
// error for "the write never started".
func (t *lockTable) acquire(ctx context.Context, id string) (func(), error) {
	sem := t.sem(id)
	timer := time.NewTimer(t.timeout)
	defer timer.Stop()
	select {
	case sem <- struct{}{}:
		return func() { <-sem }, nil
	case <-timer.C:
		return nil, ErrLockTimeout
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", ErrLockTimeout, ctx.Err())
	}
}

func (t *lockTable) drop(id string) {
	t.mu.Lock()
	delete(t.locks, id)
	t.mu.Unlock()
}

// newSession builds a fresh session with the two stock maps the board
// ships with, matching what a new game presents before the master
// paints anything.
func newSession(name string, settings session.Settings) session.Session {
	now := time.Now().UTC()
	return session.Session{
		ID:        uuid.NewString(),
		Name:      name,
		Revision:  0,
		CreatedAt: now,
		UpdatedAt: now,
		Maps: []session.Map{
			{
				ID:          uuid.NewString(),
				Name:        "Dragon's Head Tavern",
				Description: "A cozy tavern in the city center where adventurers gather",
				Type:        session.MapTypeImage,
				Image:       "/tavern.jpg",
				IsActive:    true,
				CreatedAt:   now,
			},
			{
				ID:          uuid.NewString(),
				Name:        "Goblin Dungeon",
				Description: "Dark caves inhabited by goblins and other monsters",
				Type:        session.MapTypeImage,
				Image:       "/dungeon.jpg",
				IsActive:    true,
				CreatedAt:   now,
			},
		},
		Characters: make(map[string]session.Token),
		Monsters:   make(map[string]session.Token),
		DiceLogs:   make([]session.DiceLog, 0),
		Settings:   settings,
	}
}
