// Package presence holds the authoritative, latest-known position and appearance
// of every connected player.
package presence

import "math"

// Vec is a point in world units.
type Vec struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Sub returns v - o.
func (v Vec) Sub(o Vec) Vec { return Vec{X: v.X - o.X, Y: v.Y - o.Y} }

// Add returns v + o.
func (v Vec) Add(o Vec) Vec { return Vec{X: v.X + o.X, Y: v.Y + o.Y} }

// Scale returns v * f.
func (v Vec) Scale(f float64) Vec { return Vec{X: v.X * f, Y: v.Y * f} }

// Len returns the Euclidean length of v.
func (v Vec) Len() float64 { return math.Hypot(v.X, v.Y) }

// Presence is the authoritative record for one connected identity.
// Last write wins; no history is kept.
type Presence struct {
	// ConnectionID is stable for the life of the connection.
	ConnectionID string `json:"connectionId"`
	// Position is the last reported coordinate.
	Position Vec `json:"position"`
	// AnimationState is empty while idle.
	AnimationState string `json:"animationState,omitempty"`
	// AppearanceRef names the visual asset to load.
	AppearanceRef string `json:"appearanceRef"`
	// DisplayName is the user-chosen label.
	DisplayName string `json:"displayName"`
	// MapID partitions visibility: presences only see each other on the same map.
	MapID string `json:"mapId"`
	// IdentityRef is an opaque reference into external player records.
	IdentityRef string `json:"identityRef,omitempty"`
}

// Join carries the initial fields supplied by a join message.
type Join struct {
	Position      Vec
	AppearanceRef string
	DisplayName   string
	MapID         string
	IdentityRef   string
}

// Move carries the fields supplied by a move message.
type Move struct {
	Position       Vec
	AnimationState string
}

// Snapshot is an immutable point-in-time copy of all presences keyed by connection id.
type Snapshot map[string]Presence

// SameMap reports whether the presence for id is on mapID.
func (s Snapshot) SameMap(id, mapID string) bool {
	p, ok := s[id]
	return ok && p.MapID == mapID
}
