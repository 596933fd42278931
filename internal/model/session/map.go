package session

import "time"

// MapType selects between painted grids and image backdrops.
type MapType string

const (
	MapTypeGrid  MapType = "grid"
	MapTypeImage MapType = "image"
)

// Map is one board a session can play on. Grid maps carry a sparse
// cell-to-texture mapping keyed "x,y"; image maps carry an opaque image
// reference resolved by the asset layer. IsActive gates visibility to
// non-master clients.
type Map struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Type        MapType           `json:"type"`
	GridSize    int               `json:"gridSize,omitempty"`
	CellSize    int               `json:"cellSize,omitempty"`
	GridData    map[string]string `json:"gridData,omitempty"`
	Image       string            `json:"image,omitempty"`
	IsActive    bool              `json:"isActive"`
	CreatedAt   time.Time         `json:"createdAt"`
}

// Clone copies the map including its grid data.
func (m Map) Clone() Map {
	out := m
	if m.GridData != nil {
		out.GridData = make(map[string]string, len(m.GridData))
		for k, v := range m.GridData {
			out.GridData[k] = v
		}
	}
	return out
}

// MapPatch is a field-scoped map update.
type MapPatch struct {
	Name        *string            `json:"name,omitempty"`
	Description *string            `json:"description,omitempty"`
	GridSize    *int               `json:"gridSize,omitempty"`
	CellSize    *int               `json:"cellSize,omitempty"`
	GridData    *map[string]string `json:"gridData,omitempty"`
	Image       *string            `json:"image,omitempty"`
	IsActive    *bool              `json:"isActive,omitempty"`
}

// Apply writes the patch's set fields onto the map.
func (p MapPatch) Apply(m *Map) {
	if p.Name != nil {
		m.Name = *p.Name
	}
	if p.Description != nil {
		m.Description = *p.Description
	}
	if p.GridSize != nil {
		m.GridSize = *p.GridSize
	}
	if p.CellSize != nil {
		m.CellSize = *p.CellSize
	}
	if p.GridData != nil {
		data := make(map[string]string, len(*p.GridData))
		for k, v := range *p.GridData {
			data[k] = v
		}
		m.GridData = data
	}
	if p.Image != nil {
		m.Image = *p.Image
	}
	if p.IsActive != nil {
		m.IsActive = *p.IsActive
	}
}
