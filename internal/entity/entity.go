// Package entity holds the per-sub-device attribute caches. Each entity is
// a thin stateful object: push payloads from the server merge into it field
// by field, and the render layer reads immutable snapshots back out. The
// caches never talk to the network themselves.
package entity

import "github.com/dermotduffy/rosterd/internal/roster"

// Entity domains, by render vocabulary.
const (
	DomainLight  = "light"
	DomainCamera = "camera"
)

// Entity is the read side shared by the registry and the render layer.
type Entity interface {
	UniqueID() roster.UniqueID
	Name() string
	Domain() string
	Available() bool

	// Revision increases monotonically with every accepted state change.
	// Consumers use it to discard stale change notifications.
	Revision() uint64
}

// Color is an RGB triple as the lighting server reports it.
type Color struct {
	R uint8 `json:"r"`
	G uint8 `json:"g"`
	B uint8 `json:"b"`
}

var (
	// ColorBlack is the sentinel the server shows when output is off.
	ColorBlack = Color{}

	// ColorWhite is the neutral color reported while an effect owns the
	// output.
	ColorWhite = Color{R: 255, G: 255, B: 255}
)

// IsBlack reports whether the color is the all-zero off sentinel.
func (c Color) IsBlack() bool {
	return c == ColorBlack
}
