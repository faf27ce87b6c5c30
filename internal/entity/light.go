package entity

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/dermotduffy/rosterd/internal/roster"
)

// Component ids as the ambient-lighting server names them.
const (
	ComponentAll       = "ALL"
	ComponentLEDDevice = "LEDDEVICE"
	ComponentColor     = "COLOR"
	ComponentEffect    = "EFFECT"
	ComponentGrabber   = "GRABBER"
	ComponentV4L       = "V4L"
)

// ExternalSources are the component ids that take over output from an
// input grabber rather than an effect or color.
var ExternalSources = []string{ComponentGrabber, ComponentV4L}

// EffectSolid is a synthetic effect name meaning "show the solid color".
// The server has no such effect; it stands in for "no effect selected" so
// the render layer always has an effect to display.
const EffectSolid = "Solid"

// DefaultPriority is the server priority used for writes when the entry
// options don't set one.
const DefaultPriority = 128

// Icons per output mode.
const (
	IconLightbulb      = "mdi:lightbulb"
	IconEffect         = "mdi:lava-lamp"
	IconExternalSource = "mdi:television-ambient-light"
)

// LightController is the write side of one lighting instance. The Light
// cache issues commands through it and never mutates itself in response;
// confirmation arrives as a follow-up push update.
type LightController interface {
	SetComponent(ctx context.Context, component string, enabled bool) error
	SetAdjustment(ctx context.Context, brightnessPct int) error
	SetColor(ctx context.Context, priority int, color Color) error
	SetEffect(ctx context.Context, priority int, effect string) error
	Clear(ctx context.Context, priority int) error
}

// VisiblePriority is the server's currently visible output: which
// component owns it and, for color output, the shown color.
type VisiblePriority struct {
	ComponentID string
	Owner       string
	Value       Color
}

// ComponentState is one component's enabled flag from a components push.
type ComponentState struct {
	Name    string
	Enabled bool
}

// TurnOnRequest carries the optional attributes of a turn-on command.
// Nil fields keep the last-known value.
type TurnOnRequest struct {
	Brightness *int
	Color      *Color
	Effect     *string
}

// LightState is an immutable snapshot of the cache for the render layer.
type LightState struct {
	On         bool
	Brightness int
	Color      Color
	Effect     string
	EffectList []string
	Icon       string
	Available  bool
	Revision   uint64
}

// Light caches the last-pushed state of one lighting instance. Push
// handlers merge partial updates in; the render layer reads snapshots out.
type Light struct {
	uniqueID roster.UniqueID
	name     string
	priority int
	ctrl     LightController

	mu         sync.RWMutex
	brightness int
	color      Color
	effect     string
	icon       string
	effects    []string
	allOn      bool
	ledOn      bool
	blackOut   bool
	available  bool
	revision   uint64

	onChange func()
}

// NewLight creates a light cache with the server's defaults: full
// brightness, white, solid color output.
func NewLight(uniqueID roster.UniqueID, name string, priority int, ctrl LightController) *Light {
	if priority <= 0 {
		priority = DefaultPriority
	}
	return &Light{
		uniqueID:   uniqueID,
		name:       name,
		priority:   priority,
		ctrl:       ctrl,
		brightness: 255,
		color:      ColorWhite,
		effect:     EffectSolid,
		icon:       IconLightbulb,
		allOn:      true,
		ledOn:      true,
	}
}

// OnChange registers the callback fired after every accepted state change.
// The callback must not block; it runs on the goroutine that delivered the
// update.
func (l *Light) OnChange(fn func()) {
	l.mu.Lock()
	l.onChange = fn
	l.mu.Unlock()
}

func (l *Light) UniqueID() roster.UniqueID { return l.uniqueID }
func (l *Light) Name() string              { return l.name }
func (l *Light) Domain() string            { return DomainLight }

// Available reports whether the instance connection has loaded state.
func (l *Light) Available() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.available
}

// Revision returns the current state revision.
func (l *Light) Revision() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.revision
}

// State returns a snapshot of the current attributes. The effect list is
// the server's effects plus the external sources and the solid sentinel.
func (l *Light) State() LightState {
	l.mu.RLock()
	defer l.mu.RUnlock()

	list := make([]string, 0, len(l.effects)+len(ExternalSources)+1)
	list = append(list, l.effects...)
	list = append(list, ExternalSources...)
	list = append(list, EffectSolid)

	return LightState{
		On:         l.isOnLocked(),
		Brightness: l.brightness,
		Color:      l.color,
		Effect:     l.effect,
		EffectList: list,
		Icon:       l.icon,
		Available:  l.available,
		Revision:   l.revision,
	}
}

// IsOn reports whether output is enabled and not showing the black
// sentinel.
func (l *Light) IsOn() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.isOnLocked()
}

func (l *Light) isOnLocked() bool {
	return l.allOn && l.ledOn && !l.blackOut
}

// SetAvailable marks the instance connection up or down.
func (l *Light) SetAvailable(available bool) {
	l.mu.Lock()
	if l.available == available {
		l.mu.Unlock()
		return
	}
	l.available = available
	l.revision++
	notify := l.onChange
	l.mu.Unlock()

	if notify != nil {
		notify()
	}
}

// ApplyAdjustment merges a brightness push. The server reports percent
// 0-100; values outside that range are discarded.
func (l *Light) ApplyAdjustment(brightnessPct int) {
	if brightnessPct < 0 || brightnessPct > 100 {
		return
	}
	b := int(math.Round(float64(brightnessPct) * 255 / 100))
	l.apply(&b, nil, nil)
}

// ApplyVisiblePriority merges a priorities push: the component owning the
// visible output decides effect, color and the on/off black sentinel.
func (l *Light) ApplyVisiblePriority(p VisiblePriority) {
	switch {
	case isExternalSource(p.ComponentID):
		white := ColorWhite
		effect := p.ComponentID
		l.apply(nil, &white, &effect)
	case p.ComponentID == ComponentEffect:
		// Owner carries the effect name.
		white := ColorWhite
		effect := p.Owner
		l.apply(nil, &white, &effect)
	case p.ComponentID == ComponentColor:
		color := p.Value
		effect := EffectSolid
		l.applyWithBlackout(nil, &color, &effect, color.IsBlack())
	}
}

// ApplyComponents merges a components push. Only the ALL and LEDDEVICE
// switches matter for on/off.
func (l *Light) ApplyComponents(components []ComponentState) {
	l.mu.Lock()
	changed := false
	for _, c := range components {
		switch c.Name {
		case ComponentAll:
			if l.allOn != c.Enabled {
				l.allOn = c.Enabled
				changed = true
			}
		case ComponentLEDDevice:
			if l.ledOn != c.Enabled {
				l.ledOn = c.Enabled
				changed = true
			}
		}
	}
	var notify func()
	if changed {
		l.revision++
		notify = l.onChange
	}
	l.mu.Unlock()

	if notify != nil {
		notify()
	}
}

// ApplyEffects replaces the server's effect list. Empty pushes are
// ignored so a transient empty read doesn't wipe the list.
func (l *Light) ApplyEffects(names []string) {
	if len(names) == 0 {
		return
	}
	l.mu.Lock()
	l.effects = append([]string(nil), names...)
	l.revision++
	notify := l.onChange
	l.mu.Unlock()

	if notify != nil {
		notify()
	}
}

// apply merges the non-nil fields, bumping the revision only when a value
// actually changed.
func (l *Light) apply(brightness *int, color *Color, effect *string) {
	l.applyWithBlackout(brightness, color, effect, false)
}

func (l *Light) applyWithBlackout(brightness *int, color *Color, effect *string, blackOut bool) {
	l.mu.Lock()
	changed := false
	if brightness != nil && l.brightness != *brightness {
		l.brightness = *brightness
		changed = true
	}
	if color != nil && l.color != *color {
		l.color = *color
		changed = true
	}
	if effect != nil {
		if l.effect != *effect {
			l.effect = *effect
			changed = true
		}
		icon := iconFor(*effect)
		if l.icon != icon {
			l.icon = icon
			changed = true
		}
	}
	if l.blackOut != blackOut {
		l.blackOut = blackOut
		changed = true
	}
	var notify func()
	if changed {
		l.revision++
		notify = l.onChange
	}
	l.mu.Unlock()

	if notify != nil {
		notify()
	}
}

func iconFor(effect string) string {
	switch {
	case effect == EffectSolid:
		return IconLightbulb
	case isExternalSource(effect):
		return IconExternalSource
	default:
		return IconEffect
	}
}

func isExternalSource(componentID string) bool {
	for _, s := range ExternalSources {
		if componentID == s {
			return true
		}
	}
	return false
}

// TurnOn enables output and applies the requested attributes. Attributes
// not in the request keep their last-known values. The cache itself is not
// mutated here; the server's follow-up pushes confirm the new state.
func (l *Light) TurnOn(ctx context.Context, req TurnOnRequest) error {
	// Enabling LEDDEVICE alone is not sufficient, the server also gates
	// output on the ALL component.
	if !l.IsOn() {
		if err := l.ctrl.SetComponent(ctx, ComponentAll, true); err != nil {
			return fmt.Errorf("enabling %s: %w", ComponentAll, err)
		}
		if err := l.ctrl.SetComponent(ctx, ComponentLEDDevice, true); err != nil {
			return fmt.Errorf("enabling %s: %w", ComponentLEDDevice, err)
		}
	}

	l.mu.RLock()
	cached := l.brightness
	color := l.color
	effect := l.effect
	priority := l.priority
	l.mu.RUnlock()

	brightness := cached
	if req.Brightness != nil {
		brightness = *req.Brightness
	}
	if req.Color != nil {
		color = *req.Color
	}
	if req.Effect != nil {
		effect = *req.Effect
	}

	if brightness != cached {
		pct := int(math.Round(float64(brightness) * 100 / 255))
		if err := l.ctrl.SetAdjustment(ctx, pct); err != nil {
			return fmt.Errorf("setting brightness: %w", err)
		}
	}

	switch {
	case isExternalSource(effect):
		if err := l.ctrl.Clear(ctx, priority); err != nil {
			return fmt.Errorf("clearing priority: %w", err)
		}
		// Flip every external source off except the selected one.
		for _, source := range ExternalSources {
			if err := l.ctrl.SetComponent(ctx, source, source == effect); err != nil {
				return fmt.Errorf("switching source %s: %w", source, err)
			}
		}
	case effect != "" && effect != EffectSolid:
		// Clearing first forces the server to emit a priorities update
		// for the new effect.
		if err := l.ctrl.Clear(ctx, priority); err != nil {
			return fmt.Errorf("clearing priority: %w", err)
		}
		if err := l.ctrl.SetEffect(ctx, priority, effect); err != nil {
			return fmt.Errorf("setting effect: %w", err)
		}
	default:
		if err := l.ctrl.SetColor(ctx, priority, color); err != nil {
			return fmt.Errorf("setting color: %w", err)
		}
	}
	return nil
}

// TurnOff disables the LED output component.
func (l *Light) TurnOff(ctx context.Context) error {
	if err := l.ctrl.SetComponent(ctx, ComponentLEDDevice, false); err != nil {
		return fmt.Errorf("disabling %s: %w", ComponentLEDDevice, err)
	}
	return nil
}
