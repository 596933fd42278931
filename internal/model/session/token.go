package session

import "time"

// TokenKind distinguishes player characters from monsters. The two
// shapes are otherwise identical; kind-specific fields are optional.
type TokenKind string

const (
	KindCharacter TokenKind = "character"
	KindMonster   TokenKind = "monster"
)

// Valid reports whether the kind is one of the known values.
func (k TokenKind) Valid() bool {
	return k == KindCharacter || k == KindMonster
}

// Token is a positioned marker on the grid. GridX/GridY stay nil until
// the token is first placed. Player is only set for characters;
// IsActive is only meaningful for monsters (inactive monsters are
// hidden from the board).
type Token struct {
	ID        string    `json:"id"`
	Kind      TokenKind `json:"kind"`
	Player    string    `json:"player,omitempty"`
	Name      string    `json:"name"`
	Color     string    `json:"color,omitempty"`
	Avatar    string    `json:"avatar,omitempty"`
	GridX     *int      `json:"gridX,omitempty"`
	GridY     *int      `json:"gridY,omitempty"`
	IsActive  *bool     `json:"isActive,omitempty"`
	Revision  int64     `json:"revision"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Clone copies the token including its pointer fields.
func (t Token) Clone() Token {
	out := t
	out.GridX = cloneInt(t.GridX)
	out.GridY = cloneInt(t.GridY)
	out.IsActive = cloneBool(t.IsActive)
	return out
}

// TokenPatch carries a field-scoped update: only non-nil fields are
// applied, so concurrent edits to disjoint fields merge instead of
// overwriting each other.
type TokenPatch struct {
	Player   *string `json:"player,omitempty"`
	Name     *string `json:"name,omitempty"`
	Color    *string `json:"color,omitempty"`
	Avatar   *string `json:"avatar,omitempty"`
	GridX    *int    `json:"gridX,omitempty"`
	GridY    *int    `json:"gridY,omitempty"`
	IsActive *bool   `json:"isActive,omitempty"`
}

// Apply writes the patch's set fields onto the token.
func (p TokenPatch) Apply(t *Token) {
	if p.Player != nil {
		t.Player = *p.Player
	}
	if p.Name != nil {
		t.Name = *p.Name
	}
	if p.Color != nil {
		t.Color = *p.Color
	}
	if p.Avatar != nil {
		t.Avatar = *p.Avatar
	}
	if p.GridX != nil {
		t.GridX = cloneInt(p.GridX)
	}
	if p.GridY != nil {
		t.GridY = cloneInt(p.GridY)
	}
	if p.IsActive != nil {
		t.IsActive = cloneBool(p.IsActive)
	}
}

func cloneInt(v *int) *int {
	if v == nil {
		return nil
	}
	out := *v
	return &out
}

func cloneBool(v *bool) *bool {
	if v == nil {
		return nil
	}
	out := *v
	return &out
}
