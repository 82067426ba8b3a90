package livemap

import (
	"time"

	"github.com/belediye/bts/internal/geo"
)

// Point is one trail vertex.
type Point struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Marker is everything a renderer needs to draw one person and its popup.
type Marker struct {
	UserID       string    `json:"user_id"`
	Lat          float64   `json:"lat"`
	Lon          float64   `json:"lon"`
	Active       bool      `json:"active"`
	FullName     string    `json:"full_name"`
	Role         string    `json:"role"`
	TaskTitle    string    `json:"task_title,omitempty"`
	TaskStatus   string    `json:"task_status,omitempty"`
	BatteryLevel *float64  `json:"battery_level,omitempty"`
	Speed        *float64  `json:"speed,omitempty"`
	RecordedAt   time.Time `json:"recorded_at"`
}

// Renderer draws map primitives. A placed marker cannot change its style:
// switching between active and inactive needs RemoveMarker + AddMarker.
// Calls from the engine are serialized.
type Renderer interface {
	Ready() bool
	// OnReady registers fn to run once, when the renderer becomes ready.
	OnReady(fn func())

	AddMarker(m Marker)
	MoveMarker(m Marker)
	RemoveMarker(userID string)

	AddTrail(userID string, points []Point)
	SetTrail(userID string, points []Point)
	RemoveTrail(userID string)

	FitBounds(b geo.Bounds, maxZoom int)
}
