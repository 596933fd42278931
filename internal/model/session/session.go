package session

import "time"

// Settings holds the board geometry used when no map is selected.
type Settings struct {
	GridSize int `json:"gridSize"`
	CellSize int `json:"cellSize"`
}

// Role determines how much of a session a client may see.
type Role string

const (
	RoleMaster Role = "master"
	RolePlayer Role = "player"
)

// Session is the complete shared state of one game: maps, tokens,
// dice logs and board settings. It is owned by the store; everyone
// else works on copies.
type Session struct {
	ID         string           `json:"id"`
	Name       string           `json:"name"`
	Revision   int64            `json:"revision"`
	CreatedAt  time.Time        `json:"createdAt"`
	UpdatedAt  time.Time        `json:"updatedAt"`
	Maps       []Map            `json:"maps"`
	Characters map[string]Token `json:"characters"`
	Monsters   map[string]Token `json:"monsters"`
	DiceLogs   []DiceLog        `json:"diceLogs"`
	Settings   Settings         `json:"settings"`
}

// Summary is the listing shape returned by GET /sessions.
type Summary struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Revision   int64     `json:"revision"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
	Characters int       `json:"characters"`
	Monsters   int       `json:"monsters"`
	Maps       int       `json:"maps"`
}

// Summarize reduces a session to its listing shape.
func (s Session) Summarize() Summary {
	return Summary{
		ID:         s.ID,
		Name:       s.Name,
		Revision:   s.Revision,
		CreatedAt:  s.CreatedAt,
		UpdatedAt:  s.UpdatedAt,
		Characters: len(s.Characters),
		Monsters:   len(s.Monsters),
		Maps:       len(s.Maps),
	}
}

// Clone returns a deep copy safe to hand outside the store.
func (s Session) Clone() Session {
	out := s
	out.Maps = make([]Map, len(s.Maps))
	for i, m := range s.Maps {
		out.Maps[i] = m.Clone()
	}
	out.Characters = cloneTokens(s.Characters)
	out.Monsters = cloneTokens(s.Monsters)
	out.DiceLogs = make([]DiceLog, len(s.DiceLogs))
	copy(out.DiceLogs, s.DiceLogs)
	return out
}

func cloneTokens(in map[string]Token) map[string]Token {
	out := make(map[string]Token, len(in))
	for id, t := range in {
		out[id] = t.Clone()
	}
	return out
}

// GridBounds reports the grid dimensions tokens must stay within: the
// first active grid map wins, otherwise the session settings apply.
func (s Session) GridBounds() int {
	for _, m := range s.Maps {
		if m.IsActive && m.Type == MapTypeGrid && m.GridSize > 0 {
			return m.GridSize
		}
	}
	return s.Settings.GridSize
}

// View returns the session as a given role sees it. Players do not see
// inactive maps; masters see everything.
func (s Session) View(role Role) Session {
	out := s.Clone()
	if role == RoleMaster || role == "" {
		return out
	}
	visible := out.Maps[:0]
	for _, m := range out.Maps {
		if m.IsActive {
			visible = append(visible, m)
		}
	}
	out.Maps = visible
	return out
}

// Tokens returns the token map for a kind, or nil for an unknown kind.
func (s *Session) Tokens(kind TokenKind) map[string]Token {
	switch kind {
	case KindCharacter:
		return s.Characters
	case KindMonster:
		return s.Monsters
	default:
		return nil
	}
}
