package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	_ "modernc.org/sqlite"

	"github.com/dndsync/dndsync/internal/model/session"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id         TEXT PRIMARY KEY,
	deleted    INTEGER NOT NULL DEFAULT 0,
	revision   INTEGER NOT NULL,
	data       BLOB NOT NULL,
	updated_at INTEGER NOT NULL
);`

// maxIORetries bounds the internal retries for storage I/O.
const maxIORetries = 2 // 3 attempts total

// SQLiteStore persists sessions as JSON rows. Mutations still serialize
// through in-process per-session locks; SQLite only provides durability.
type SQLiteStore struct {
	opts  Options
	pub   Publisher
	locks *lockTable
	db    *sql.DB
}

// OpenSQLite opens (or creates) the session database at path and
// ensures the schema exists.
func OpenSQLite(path string, pub Publisher, opts Options) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	opts = opts.withDefaults()
	dsn := filepath.Clean(path) + "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLiteStore{
		opts:  opts,
		pub:   pub,
		locks: newLockTable(opts.LockTimeout),
		db:    db,
	}, nil
}

// Close closes the database handle.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// retryIO runs op with bounded exponential backoff, surfacing
// ErrStorageUnavailable once the attempts are exhausted. Permanent
// errors (not found, encoding) pass through untouched.
func retryIO(ctx context.Context, op func() error) error {
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxIORetries), ctx)
	err := backoff.Retry(op, policy)
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrSessionNotFound) {
		return ErrSessionNotFound
	}
	return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
}

func (s *SQLiteStore) readRow(ctx context.Context, id string) (session.Session, error) {
	var sess session.Session
	err := retryIO(ctx, func() error {
		var data []byte
		var deleted int
		row := s.db.QueryRowContext(ctx,
			`SELECT data, deleted FROM sessions WHERE id = ?`, id)
		if err := row.Scan(&data, &deleted); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return backoff.Permanent(ErrSessionNotFound)
			}
			return err
		}
		if deleted != 0 {
			return backoff.Permanent(ErrSessionNotFound)
		}
		if err := json.Unmarshal(data, &sess); err != nil {
			return backoff.Permanent(fmt.Errorf("decode session %s: %w", id, err))
		}
		return nil
	})
	return sess, err
}

func (s *SQLiteStore) writeRow(ctx context.Context, sess session.Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", sess.ID, err)
	}
	return retryIO(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO sessions (id, deleted, revision, data, updated_at)
			 VALUES (?, 0, ?, ?, ?)
			 ON CONFLICT(id) DO UPDATE SET
			 revision = excluded.revision, data = excluded.data, updated_at = excluded.updated_at`,
			sess.ID, sess.Revision, data, sess.UpdatedAt.UnixMilli())
		return err
	})
}

// Create allocates a new session with default settings and stock maps.
func (s *SQLiteStore) Create(ctx context.Context, name string) (session.Session, error) {
	sess := newSession(name, s.opts.DefaultSettings)
	if err := s.writeRow(ctx, sess); err != nil {
		return session.Session{}, err
	}
	if s.pub != nil {
		s.pub.Publish(session.Delta{
			SessionID: sess.ID,
			Revision:  sess.Revision,
			Kind:      session.DeltaSessionCreated,
			Payload:   sess.Clone(),
		})
	}
	return sess, nil
}

// Get returns the stored session.
func (s *SQLiteStore) Get(ctx context.Context, id string) (session.Session, error) {
	return s.readRow(ctx, id)
}

// List returns every live session.
func (s *SQLiteStore) List(ctx context.Context) ([]session.Session, error) {
	var out []session.Session
	err := retryIO(ctx, func() error {
		rows, err := s.db.QueryContext(ctx,
			`SELECT data FROM sessions WHERE deleted = 0`)
		if err != nil {
			return err
		}
		defer rows.Close()
		out = out[:0]
		for rows.Next() {
			var data []byte
			if err := rows.Scan(&data); err != nil {
				return err
			}
			var sess session.Session
			if err := json.Unmarshal(data, &sess); err != nil {
				return backoff.Permanent(fmt.Errorf("decode session: %w", err))
			}
			out = append(out, sess)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Delete tombstones the session; the row stays so the id is never reused.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	release, err := s.locks.acquire(ctx, id)
	if err != nil {
		return err
	}
	defer release()

	sess, err := s.readRow(ctx, id)
	if err != nil {
		return err
	}
	err = retryIO(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`UPDATE sessions SET deleted = 1, updated_at = ? WHERE id = ?`,
			time.Now().UTC().UnixMilli(), id)
		return err
	})
	if err != nil {
		return err
	}
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

// Apply runs fn under the session lock, bumps the revision on change,
// persists and publishes the resulting delta before returning.
func (s *SQLiteStore) Apply(ctx context.Context, id string, fn Mutation) (session.Session, error) {
	release, err := s.locks.acquire(ctx, id)
	if err != nil {
		return session.Session{}, err
	}
	defer release()

	current, err := s.readRow(ctx, id)
	if err != nil {
		return session.Session{}, err
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
		return current, nil
	}

	delta.SessionID = id
	delta.Revision = next.Revision

	if err := s.writeRow(ctx, next); err != nil {
		return session.Session{}, err
	}
	if s.pub != nil {
		s.pub.Publish(*delta)
	}
	return next, nil
}
