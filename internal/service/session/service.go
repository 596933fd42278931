// Package session implements the sync service: it validates mutation
// requests, merges them into the store field by field and hands the
// resulting deltas to the change bus. Conflicting writes resolve
// last-writer-wins; a stale client revision is reported back with the
// authoritative state instead of being rejected.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dndsync/dndsync/internal/bus"
	"github.com/dndsync/dndsync/internal/dice"
	"github.com/dndsync/dndsync/internal/model/session"
	"github.com/dndsync/dndsync/internal/store"
)

var (
	ErrNameRequired  = errors.New("session name is required")
	ErrTokenNotFound = errors.New("token not found")
	ErrMapNotFound   = errors.New("map not found")
	ErrInvalidKind   = errors.New("invalid token kind")
)

// Config tunes service behavior.
type Config struct {
	// IdempotencyTTL is the retention window for idempotency tokens.
	IdempotencyTTL time.Duration
	// DiceLogCap bounds a session's dice log; the oldest entries are
	// evicted past it.
	DiceLogCap int
}

func (c Config) withDefaults() Config {
	if c.IdempotencyTTL <= 0 {
		c.IdempotencyTTL = 5 * time.Minute
	}
	if c.DiceLogCap <= 0 {
		c.DiceLogCap = 100
	}
	return c
}

// Service is the mutation entry point shared by the REST and websocket
// transports.
type Service struct {
	store store.Store
	bus   *bus.Bus
	idem  *idempotencyCache
	cfg   Config
}

// NewService wires the sync service over a store and change bus.
func NewService(st store.Store, b *bus.Bus, cfg Config) *Service {
	cfg = cfg.withDefaults()
	return &Service{
		store: st,
		bus:   b,
		idem:  newIdempotencyCache(cfg.IdempotencyTTL),
		cfg:   cfg,
	}
}

// Result pairs the authoritative post-mutation session with a staleness
// flag: Stale means the client's revision was behind when the write
// landed, so its local prediction should snap to Session.
type Result struct {
	Session session.Session `json:"session"`
	Stale   bool            `json:"stale"`
	// Token is set by token-scoped mutations (add, update, move).
	Token *session.Token `json:"token,omitempty"`
}

// CreateSession provisions a new session.
func (s *Service) CreateSession(ctx context.Context, name string) (session.Session, error) {
	if name == "" {
		return session.Session{}, ErrNameRequired
	}
	return s.store.Create(ctx, name)
}

// GetSession returns the session as the given role sees it.
func (s *Service) GetSession(ctx context.Context, id string, role session.Role) (session.Session, error) {
	sess, err := s.store.Get(ctx, id)
	if err != nil {
		return session.Session{}, err
	}
	return sess.View(role), nil
}

// ListSessions returns summaries of all live sessions.
func (s *Service) ListSessions(ctx context.Context) ([]session.Summary, error) {
	sessions, err := s.store.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]session.Summary, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, sess.Summarize())
	}
	return out, nil
}

// DeleteSession tombstones the session.
func (s *Service) DeleteSession(ctx context.Context, id string) error {
	return s.store.Delete(ctx, id)
}

// Join subscribes to a session's delta stream and returns the current
// snapshot so a reconnecting client need not fetch state separately.
func (s *Service) Join(ctx context.Context, id string) (session.Session, *bus.Subscription, error) {
	sess, err := s.store.Get(ctx, id)
	if err != nil {
		return session.Session{}, nil, err
	}
	return sess, s.bus.Subscribe(id), nil
}

// Leave tears down a subscription. Idempotent.
func (s *Service) Leave(sub *bus.Subscription) {
	s.bus.Unsubscribe(sub)
}

// UpdateSessionRequest patches session-level fields (name, settings).
type UpdateSessionRequest struct {
	SessionID      string               `json:"sessionId"`
	Patch          session.SessionPatch `json:"patch"`
	ClientRevision int64                `json:"clientRevision,omitempty"`
	IdempotencyKey string               `json:"idempotencyKey,omitempty"`
}

// UpdateSession applies a field-scoped session patch.
func (s *Service) UpdateSession(ctx context.Context, req UpdateSessionRequest) (Result, error) {
	return s.withIdempotency(req.SessionID, req.IdempotencyKey, func() (Result, error) {
		var stale bool
		sess, err := s.store.Apply(ctx, req.SessionID, func(cur *session.Session) (*session.Delta, error) {
			stale = isStale(req.ClientRevision, cur.Revision)
			if req.Patch.Name != nil {
				cur.Name = *req.Patch.Name
			}
			if req.Patch.Settings != nil {
				req.Patch.Settings.Apply(&cur.Settings)
				clampAllTokens(cur)
			}
			return &session.Delta{Kind: session.DeltaSessionUpdated, Payload: cur.Clone()}, nil
		})
		if err != nil {
			return Result{}, err
		}
		return Result{Session: sess, Stale: stale}, nil
	})
}

// UpdateSettingsRequest patches board geometry.
type UpdateSettingsRequest struct {
	SessionID      string                `json:"sessionId"`
	Patch          session.SettingsPatch `json:"patch"`
	ClientRevision int64                 `json:"clientRevision,omitempty"`
	IdempotencyKey string                `json:"idempotencyKey,omitempty"`
}

// UpdateSettings patches the session settings and re-clamps tokens that
// a shrinking grid would strand out of bounds.
func (s *Service) UpdateSettings(ctx context.Context, req UpdateSettingsRequest) (Result, error) {
	return s.withIdempotency(req.SessionID, req.IdempotencyKey, func() (Result, error) {
		var stale bool
		sess, err := s.store.Apply(ctx, req.SessionID, func(cur *session.Session) (*session.Delta, error) {
			stale = isStale(req.ClientRevision, cur.Revision)
			req.Patch.Apply(&cur.Settings)
			clampAllTokens(cur)
			return &session.Delta{Kind: session.DeltaSettingsUpdated, Payload: cur.Settings}, nil
		})
		if err != nil {
			return Result{}, err
		}
		return Result{Session: sess, Stale: stale}, nil
	})
}

// AddTokenRequest adds (or upserts) a character or monster.
type AddTokenRequest struct {
	SessionID      string            `json:"sessionId"`
	Kind           session.TokenKind `json:"kind"`
	Token          session.Token     `json:"token"`
	IdempotencyKey string            `json:"idempotencyKey,omitempty"`
}

// AddToken places a token in the session. An existing id is updated in
// place rather than duplicated, so retried adds stay safe.
func (s *Service) AddToken(ctx context.Context, req AddTokenRequest) (Result, error) {
	if !req.Kind.Valid() {
		return Result{}, ErrInvalidKind
	}
	return s.withIdempotency(req.SessionID, req.IdempotencyKey, func() (Result, error) {
		var added session.Token
		sess, err := s.store.Apply(ctx, req.SessionID, func(cur *session.Session) (*session.Delta, error) {
			tokens := cur.Tokens(req.Kind)
			tok := req.Token
			tok.Kind = req.Kind
			if tok.ID == "" {
				tok.ID = uuid.NewString()
			}
			now := time.Now().UTC()
			if existing, ok := tokens[tok.ID]; ok {
				tok.CreatedAt = existing.CreatedAt
				tok.Revision = existing.Revision + 1
			} else {
				tok.CreatedAt = now
			}
			tok.UpdatedAt = now
			clampToken(&tok, cur.GridBounds())
			tokens[tok.ID] = tok
			added = tok
			return &session.Delta{Kind: addedKind(req.Kind), Payload: tok}, nil
		})
		if err != nil {
			return Result{}, err
		}
		return Result{Session: sess, Token: &added}, nil
	})
}

// UpdateTokenRequest patches token fields.
type UpdateTokenRequest struct {
	SessionID      string             `json:"sessionId"`
	Kind           session.TokenKind  `json:"kind"`
	TokenID        string             `json:"tokenId"`
	Patch          session.TokenPatch `json:"patch"`
	ClientRevision int64              `json:"clientRevision,omitempty"`
	IdempotencyKey string             `json:"idempotencyKey,omitempty"`
}

// UpdateToken applies a field-scoped token patch. Concurrent patches to
// disjoint fields both land.
func (s *Service) UpdateToken(ctx context.Context, req UpdateTokenRequest) (Result, error) {
	if !req.Kind.Valid() {
		return Result{}, ErrInvalidKind
	}
	return s.withIdempotency(req.SessionID, req.IdempotencyKey, func() (Result, error) {
		var stale bool
		var updated session.Token
		sess, err := s.store.Apply(ctx, req.SessionID, func(cur *session.Session) (*session.Delta, error) {
			tokens := cur.Tokens(req.Kind)
			tok, ok := tokens[req.TokenID]
			if !ok {
				return nil, fmt.Errorf("%w: %s %s", ErrTokenNotFound, req.Kind, req.TokenID)
			}
			stale = isStale(req.ClientRevision, cur.Revision)
			req.Patch.Apply(&tok)
			clampToken(&tok, cur.GridBounds())
			tok.Revision++
			tok.UpdatedAt = time.Now().UTC()
			tokens[req.TokenID] = tok
			updated = tok
			return &session.Delta{Kind: updatedKind(req.Kind), Payload: tok}, nil
		})
		if err != nil {
			return Result{}, err
		}
		return Result{Session: sess, Stale: stale, Token: &updated}, nil
	})
}

// RemoveTokenRequest removes a character or monster.
type RemoveTokenRequest struct {
	SessionID      string            `json:"sessionId"`
	Kind           session.TokenKind `json:"kind"`
	TokenID        string            `json:"tokenId"`
	IdempotencyKey string            `json:"idempotencyKey,omitempty"`
}

// RemoveToken deletes a token. A concurrent move that lands afterwards
// sees ErrTokenNotFound, which clients treat as "token no longer
// exists", not a hard failure.
func (s *Service) RemoveToken(ctx context.Context, req RemoveTokenRequest) (Result, error) {
	if !req.Kind.Valid() {
		return Result{}, ErrInvalidKind
	}
	return s.withIdempotency(req.SessionID, req.IdempotencyKey, func() (Result, error) {
		sess, err := s.store.Apply(ctx, req.SessionID, func(cur *session.Session) (*session.Delta, error) {
			tokens := cur.Tokens(req.Kind)
			if _, ok := tokens[req.TokenID]; !ok {
				return nil, fmt.Errorf("%w: %s %s", ErrTokenNotFound, req.Kind, req.TokenID)
			}
			delete(tokens, req.TokenID)
			return &session.Delta{
				Kind:    removedKind(req.Kind),
				Payload: session.TokenRemovedPayload{Kind: req.Kind, TokenID: req.TokenID},
			}, nil
		})
		if err != nil {
			return Result{}, err
		}
		return Result{Session: sess}, nil
	})
}

// MoveTokenRequest repositions a token on the grid.
type MoveTokenRequest struct {
	SessionID      string            `json:"sessionId"`
	Kind           session.TokenKind `json:"kind"`
	TokenID        string            `json:"tokenId"`
	X              int               `json:"x"`
	Y              int               `json:"y"`
	ClientRevision int64             `json:"clientRevision,omitempty"`
	IdempotencyKey string            `json:"idempotencyKey,omitempty"`
}

// MoveToken writes a token's grid position. Coordinates outside the
// board clamp to the nearest in-bounds cell so edge drags stay smooth.
// Races between movers resolve last-writer-wins at the store lock.
func (s *Service) MoveToken(ctx context.Context, req MoveTokenRequest) (Result, error) {
	if !req.Kind.Valid() {
		return Result{}, ErrInvalidKind
	}
	return s.withIdempotency(req.SessionID, req.IdempotencyKey, func() (Result, error) {
		var stale bool
		var moved session.Token
		sess, err := s.store.Apply(ctx, req.SessionID, func(cur *session.Session) (*session.Delta, error) {
			tokens := cur.Tokens(req.Kind)
			tok, ok := tokens[req.TokenID]
			if !ok {
				return nil, fmt.Errorf("%w: %s %s", ErrTokenNotFound, req.Kind, req.TokenID)
			}
			stale = isStale(req.ClientRevision, cur.Revision)
			bounds := cur.GridBounds()
			x := clampCoord(req.X, bounds)
			y := clampCoord(req.Y, bounds)
			tok.GridX = &x
			tok.GridY = &y
			tok.Revision++
			tok.UpdatedAt = time.Now().UTC()
			tokens[req.TokenID] = tok
			moved = tok
			return &session.Delta{
				Kind:    session.DeltaTokenMoved,
				Payload: session.TokenMovedPayload{Kind: req.Kind, Token: tok},
			}, nil
		})
		if err != nil {
			return Result{}, err
		}
		return Result{Session: sess, Stale: stale, Token: &moved}, nil
	})
}

// SetMapsRequest replaces the session's map list.
type SetMapsRequest struct {
	SessionID      string        `json:"sessionId"`
	Maps           []session.Map `json:"maps"`
	IdempotencyKey string        `json:"idempotencyKey,omitempty"`
}

// SetMaps replaces the ordered map list; new maps get ids assigned.
func (s *Service) SetMaps(ctx context.Context, req SetMapsRequest) (Result, error) {
	return s.withIdempotency(req.SessionID, req.IdempotencyKey, func() (Result, error) {
		sess, err := s.store.Apply(ctx, req.SessionID, func(cur *session.Session) (*session.Delta, error) {
			now := time.Now().UTC()
			maps := make([]session.Map, len(req.Maps))
			for i, m := range req.Maps {
				if m.ID == "" {
					m.ID = uuid.NewString()
				}
				if m.CreatedAt.IsZero() {
					m.CreatedAt = now
				}
				maps[i] = m.Clone()
			}
			cur.Maps = maps
			return &session.Delta{Kind: session.DeltaMapsChanged, Payload: maps}, nil
		})
		if err != nil {
			return Result{}, err
		}
		return Result{Session: sess}, nil
	})
}

// UpdateMapRequest patches one map.
type UpdateMapRequest struct {
	SessionID      string           `json:"sessionId"`
	MapID          string           `json:"mapId"`
	Patch          session.MapPatch `json:"patch"`
	IdempotencyKey string           `json:"idempotencyKey,omitempty"`
}

// UpdateMap applies a field-scoped patch to one map in place.
func (s *Service) UpdateMap(ctx context.Context, req UpdateMapRequest) (Result, error) {
	return s.withIdempotency(req.SessionID, req.IdempotencyKey, func() (Result, error) {
		sess, err := s.store.Apply(ctx, req.SessionID, func(cur *session.Session) (*session.Delta, error) {
			for i := range cur.Maps {
				if cur.Maps[i].ID != req.MapID {
					continue
				}
				req.Patch.Apply(&cur.Maps[i])
				return &session.Delta{Kind: session.DeltaMapsChanged, Payload: cur.Maps}, nil
			}
			return nil, fmt.Errorf("%w: %s", ErrMapNotFound, req.MapID)
		})
		if err != nil {
			return Result{}, err
		}
		return Result{Session: sess}, nil
	})
}

// AppendDiceLogRequest records a roll made client-side.
type AppendDiceLogRequest struct {
	SessionID      string          `json:"sessionId"`
	Entry          session.DiceLog `json:"entry"`
	IdempotencyKey string          `json:"idempotencyKey,omitempty"`
}

// AppendDiceLog prepends a dice log entry, evicting past the cap.
// Retried appends must carry the same idempotency key or the entry
// duplicates.
func (s *Service) AppendDiceLog(ctx context.Context, req AppendDiceLogRequest) (Result, error) {
	return s.withIdempotency(req.SessionID, req.IdempotencyKey, func() (Result, error) {
		sess, err := s.store.Apply(ctx, req.SessionID, func(cur *session.Session) (*session.Delta, error) {
			entry := req.Entry
			if entry.ID == "" {
				entry.ID = uuid.NewString()
			}
			if entry.Timestamp.IsZero() {
				entry.Timestamp = time.Now().UTC()
			}
			cur.DiceLogs = append([]session.DiceLog{entry}, cur.DiceLogs...)
			if len(cur.DiceLogs) > s.cfg.DiceLogCap {
				cur.DiceLogs = cur.DiceLogs[:s.cfg.DiceLogCap]
			}
			return &session.Delta{Kind: session.DeltaDiceRollLogged, Payload: entry}, nil
		})
		if err != nil {
			return Result{}, err
		}
		return Result{Session: sess}, nil
	})
}

// RollDiceRequest asks the server to roll dice and log the outcome.
type RollDiceRequest struct {
	SessionID      string `json:"sessionId"`
	Player         string `json:"player"`
	Notation       string `json:"notation"`
	Seed           int64  `json:"seed,omitempty"`
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
}

// RollDice parses the notation, rolls server-side and appends the log
// entry, so every client sees an identical result.
func (s *Service) RollDice(ctx context.Context, req RollDiceRequest) (Result, error) {
	specs, err := dice.Parse(req.Notation)
	if err != nil {
		return Result{}, err
	}
	rolled, err := dice.Roll(specs, req.Seed)
	if err != nil {
		return Result{}, err
	}
	return s.AppendDiceLog(ctx, AppendDiceLogRequest{
		SessionID: req.SessionID,
		Entry: session.DiceLog{
			Player:  req.Player,
			Dice:    req.Notation,
			Results: rolled.Rolls,
			Total:   rolled.Total,
		},
		IdempotencyKey: req.IdempotencyKey,
	})
}

// FindTokenSession resolves which session holds a token, for the legacy
// route that addresses characters without a session id.
func (s *Service) FindTokenSession(ctx context.Context, kind session.TokenKind, tokenID string) (string, error) {
	sessions, err := s.store.List(ctx)
	if err != nil {
		return "", err
	}
	for _, sess := range sessions {
		if _, ok := sess.Tokens(kind)[tokenID]; ok {
			return sess.ID, nil
		}
	}
	return "", fmt.Errorf("%w: %s %s", ErrTokenNotFound, kind, tokenID)
}

// isStale reports whether the client wrote against an older revision.
// revision is the session's mid-mutation value, already advanced for
// this write, so the client is stale when it lags the revision that
// preceded it. The write still applies; the flag tells the client to
// snap to the authoritative state.
func isStale(clientRevision, revision int64) bool {
	return clientRevision > 0 && clientRevision < revision-1
}

func addedKind(kind session.TokenKind) session.DeltaKind {
	if kind == session.KindMonster {
		return session.DeltaMonsterAdded
	}
	return session.DeltaCharacterAdded
}

func updatedKind(kind session.TokenKind) session.DeltaKind {
	if kind == session.KindMonster {
		return session.DeltaMonsterUpdated
	}
	return session.DeltaCharacterUpdate
}

func removedKind(kind session.TokenKind) session.DeltaKind {
	if kind == session.KindMonster {
		return session.DeltaMonsterRemoved
	}
	return session.DeltaCharacterRemove
}
