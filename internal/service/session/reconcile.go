package session

import "github.com/dndsync/dndsync/internal/model/session"

// clampCoord snaps a coordinate into [0, size). Dragging past the map
// edge should feel continuous, not error out.
func clampCoord(v, size int) int {
	if size <= 0 {
		return 0
	}
	if v < 0 {
		return 0
	}
	if v >= size {
		return size - 1
	}
	return v
}

// clampToken snaps a placed token into bounds. Unplaced tokens (nil
// coordinates) stay unplaced.
func clampToken(tok *session.Token, bounds int) {
	if tok.GridX != nil {
		x := clampCoord(*tok.GridX, bounds)
		tok.GridX = &x
	}
	if tok.GridY != nil {
		y := clampCoord(*tok.GridY, bounds)
		tok.GridY = &y
	}
}

// clampAllTokens re-clamps every placed token, used when the grid
// shrinks underneath them.
func clampAllTokens(cur *session.Session) {
	bounds := cur.GridBounds()
	for id, tok := range cur.Characters {
		clampToken(&tok, bounds)
		cur.Characters[id] = tok
	}
	for id, tok := range cur.Monsters {
		clampToken(&tok, bounds)
		cur.Monsters[id] = tok
	}
}
