package session

// SettingsPatch is a field-scoped settings update.
type SettingsPatch struct {
	GridSize *int `json:"gridSize,omitempty"`
	CellSize *int `json:"cellSize,omitempty"`
}

// Apply writes the patch's set fields onto the settings.
func (p SettingsPatch) Apply(s *Settings) {
	if p.GridSize != nil {
		s.GridSize = *p.GridSize
	}
	if p.CellSize != nil {
		s.CellSize = *p.CellSize
	}
}

// SessionPatch is the shape accepted by PUT /sessions/{id}. Only the
// session's own fields may change this way; collections have their own
// field-scoped operations so concurrent edits cannot wipe each other
// out through a whole-session overwrite.
type SessionPatch struct {
	Name     *string        `json:"name,omitempty"`
	Settings *SettingsPatch `json:"settings,omitempty"`
}
