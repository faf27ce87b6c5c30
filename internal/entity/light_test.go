package entity

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"testing"

	"github.com/dermotduffy/rosterd/internal/roster"
)

func intPtr(v int) *int          { return &v }
func strPtr(v string) *string    { return &v }
func colorPtr(c Color) *Color    { return &c }
func testUID() roster.UniqueID   { return roster.UniqueID{Scope: "srv", RemoteID: "0"} }
func boolPtr(v bool) *bool       { return &v }

// fakeController records issued commands as strings.
type fakeController struct {
	calls []string
	err   error
}

func (f *fakeController) SetComponent(_ context.Context, component string, enabled bool) error {
	f.calls = append(f.calls, fmt.Sprintf("component %s=%t", component, enabled))
	return f.err
}

func (f *fakeController) SetAdjustment(_ context.Context, brightnessPct int) error {
	f.calls = append(f.calls, fmt.Sprintf("adjustment %d", brightnessPct))
	return f.err
}

func (f *fakeController) SetColor(_ context.Context, priority int, color Color) error {
	f.calls = append(f.calls, fmt.Sprintf("color p=%d rgb=%d,%d,%d", priority, color.R, color.G, color.B))
	return f.err
}

func (f *fakeController) SetEffect(_ context.Context, priority int, effect string) error {
	f.calls = append(f.calls, fmt.Sprintf("effect p=%d name=%s", priority, effect))
	return f.err
}

func (f *fakeController) Clear(_ context.Context, priority int) error {
	f.calls = append(f.calls, fmt.Sprintf("clear p=%d", priority))
	return f.err
}

func TestLightBrightnessPushKeepsOtherFields(t *testing.T) {
	l := NewLight(testUID(), "test", 0, &fakeController{})

	before := l.State()
	if before.Brightness != 255 || before.Color != ColorWhite || before.Effect != EffectSolid {
		t.Fatalf("unexpected initial state: %+v", before)
	}

	l.ApplyAdjustment(50)

	after := l.State()
	if after.Brightness != 128 {
		t.Errorf("brightness: expected 128, got %d", after.Brightness)
	}
	if after.Color != ColorWhite {
		t.Errorf("color should be untouched by a brightness push, got %+v", after.Color)
	}
	if after.Effect != EffectSolid {
		t.Errorf("effect should be untouched by a brightness push, got %s", after.Effect)
	}
}

func TestLightApplyAdjustment(t *testing.T) {
	tests := []struct {
		name     string
		pct      int
		expected int // resulting brightness; -1 means discarded
	}{
		{name: "zero", pct: 0, expected: 0},
		{name: "full", pct: 100, expected: 255},
		{name: "half", pct: 50, expected: 128},
		{name: "negative discarded", pct: -1, expected: -1},
		{name: "above range discarded", pct: 101, expected: -1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := NewLight(testUID(), "test", 0, &fakeController{})
			before := l.State().Brightness

			l.ApplyAdjustment(tt.pct)

			got := l.State().Brightness
			if tt.expected == -1 {
				if got != before {
					t.Errorf("out-of-range push should be discarded, brightness went %d -> %d", before, got)
				}
				return
			}
			if got != tt.expected {
				t.Errorf("expected brightness %d, got %d", tt.expected, got)
			}
		})
	}
}

func TestLightApplyVisiblePriority(t *testing.T) {
	tests := []struct {
		name           string
		push           VisiblePriority
		expectedEffect string
		expectedColor  Color
		expectedIcon   string
		expectedOn     bool
	}{
		{
			name:           "color output",
			push:           VisiblePriority{ComponentID: ComponentColor, Value: Color{R: 10, G: 20, B: 30}},
			expectedEffect: EffectSolid,
			expectedColor:  Color{R: 10, G: 20, B: 30},
			expectedIcon:   IconLightbulb,
			expectedOn:     true,
		},
		{
			name:           "black color sentinel turns off",
			push:           VisiblePriority{ComponentID: ComponentColor, Value: ColorBlack},
			expectedEffect: EffectSolid,
			expectedColor:  ColorBlack,
			expectedIcon:   IconLightbulb,
			expectedOn:     false,
		},
		{
			name:           "effect output names owner",
			push:           VisiblePriority{ComponentID: ComponentEffect, Owner: "Rainbow swirl"},
			expectedEffect: "Rainbow swirl",
			expectedColor:  ColorWhite,
			expectedIcon:   IconEffect,
			expectedOn:     true,
		},
		{
			name:           "grabber external source",
			push:           VisiblePriority{ComponentID: ComponentGrabber},
			expectedEffect: ComponentGrabber,
			expectedColor:  ColorWhite,
			expectedIcon:   IconExternalSource,
			expectedOn:     true,
		},
		{
			name:           "v4l external source",
			push:           VisiblePriority{ComponentID: ComponentV4L},
			expectedEffect: ComponentV4L,
			expectedColor:  ColorWhite,
			expectedIcon:   IconExternalSource,
			expectedOn:     true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := NewLight(testUID(), "test", 0, &fakeController{})
			l.ApplyVisiblePriority(tt.push)

			state := l.State()
			if state.Effect != tt.expectedEffect {
				t.Errorf("effect: expected %q, got %q", tt.expectedEffect, state.Effect)
			}
			if state.Color != tt.expectedColor {
				t.Errorf("color: expected %+v, got %+v", tt.expectedColor, state.Color)
			}
			if state.Icon != tt.expectedIcon {
				t.Errorf("icon: expected %s, got %s", tt.expectedIcon, state.Icon)
			}
			if state.On != tt.expectedOn {
				t.Errorf("on: expected %t, got %t", tt.expectedOn, state.On)
			}
		})
	}
}

func TestLightUnknownPriorityComponentIgnored(t *testing.T) {
	l := NewLight(testUID(), "test", 0, &fakeController{})
	before := l.Revision()

	l.ApplyVisiblePriority(VisiblePriority{ComponentID: "BOBLIGHTSERVER"})

	if l.Revision() != before {
		t.Error("unknown component id should not change state")
	}
}

func TestLightApplyComponents(t *testing.T) {
	l := NewLight(testUID(), "test", 0, &fakeController{})
	if !l.IsOn() {
		t.Fatal("expected initial state on")
	}

	l.ApplyComponents([]ComponentState{{Name: ComponentLEDDevice, Enabled: false}})
	if l.IsOn() {
		t.Error("disabled LED device should turn the light off")
	}

	l.ApplyComponents([]ComponentState{{Name: ComponentLEDDevice, Enabled: true}})
	if !l.IsOn() {
		t.Error("re-enabled LED device should turn the light back on")
	}

	l.ApplyComponents([]ComponentState{{Name: ComponentAll, Enabled: false}})
	if l.IsOn() {
		t.Error("disabled ALL component should turn the light off")
	}

	// Unrelated components don't matter.
	rev := l.Revision()
	l.ApplyComponents([]ComponentState{{Name: "SMOOTHING", Enabled: false}})
	if l.Revision() != rev {
		t.Error("unrelated component should not change state")
	}
}

func TestLightEffectList(t *testing.T) {
	l := NewLight(testUID(), "test", 0, &fakeController{})

	l.ApplyEffects([]string{"Rainbow swirl", "Knight rider"})

	expected := []string{"Rainbow swirl", "Knight rider", ComponentGrabber, ComponentV4L, EffectSolid}
	if got := l.State().EffectList; !reflect.DeepEqual(got, expected) {
		t.Errorf("expected effect list %v, got %v", expected, got)
	}

	// Empty pushes keep the previous list.
	l.ApplyEffects(nil)
	if got := l.State().EffectList; !reflect.DeepEqual(got, expected) {
		t.Errorf("empty push should not wipe the list, got %v", got)
	}
}

func TestLightRevisionAndNotify(t *testing.T) {
	l := NewLight(testUID(), "test", 0, &fakeController{})
	notified := 0
	l.OnChange(func() { notified++ })

	l.ApplyAdjustment(50) // change
	l.ApplyAdjustment(50) // same value, no change
	l.ApplyAdjustment(-1) // discarded
	l.SetAvailable(true)  // change
	l.SetAvailable(true)  // same value, no change

	if notified != 2 {
		t.Errorf("expected 2 notifications, got %d", notified)
	}
	if rev := l.Revision(); rev != 2 {
		t.Errorf("expected revision 2, got %d", rev)
	}
}

func TestLightTurnOnWhenOff(t *testing.T) {
	ctrl := &fakeController{}
	l := NewLight(testUID(), "test", 0, ctrl)
	l.ApplyComponents([]ComponentState{{Name: ComponentLEDDevice, Enabled: false}})

	if err := l.TurnOn(context.Background(), TurnOnRequest{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expected := []string{
		"component ALL=true",
		"component LEDDEVICE=true",
		"color p=128 rgb=255,255,255",
	}
	if !reflect.DeepEqual(ctrl.calls, expected) {
		t.Errorf("expected calls %v, got %v", expected, ctrl.calls)
	}
}

func TestLightTurnOnRequests(t *testing.T) {
	tests := []struct {
		name     string
		req      TurnOnRequest
		priority int
		expected []string
	}{
		{
			name:     "color from cache",
			req:      TurnOnRequest{},
			expected: []string{"color p=128 rgb=255,255,255"},
		},
		{
			name:     "brightness translates to percent adjustment",
			req:      TurnOnRequest{Brightness: intPtr(128)},
			expected: []string{"adjustment 50", "color p=128 rgb=255,255,255"},
		},
		{
			name:     "explicit color",
			req:      TurnOnRequest{Color: colorPtr(Color{R: 0, G: 255, B: 0})},
			expected: []string{"color p=128 rgb=0,255,0"},
		},
		{
			name:     "named effect clears first",
			req:      TurnOnRequest{Effect: strPtr("Rainbow swirl")},
			expected: []string{"clear p=128", "effect p=128 name=Rainbow swirl"},
		},
		{
			name:     "external source flips grabber components",
			req:      TurnOnRequest{Effect: strPtr(ComponentV4L)},
			expected: []string{"clear p=128", "component GRABBER=false", "component V4L=true"},
		},
		{
			name:     "configured priority used for writes",
			req:      TurnOnRequest{Effect: strPtr("Rainbow swirl")},
			priority: 180,
			expected: []string{"clear p=180", "effect p=180 name=Rainbow swirl"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := &fakeController{}
			l := NewLight(testUID(), "test", tt.priority, ctrl)

			if err := l.TurnOn(context.Background(), tt.req); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !reflect.DeepEqual(ctrl.calls, tt.expected) {
				t.Errorf("expected calls %v, got %v", tt.expected, ctrl.calls)
			}
		})
	}
}

func TestLightTurnOnPropagatesControllerError(t *testing.T) {
	sendErr := errors.New("write failed")
	ctrl := &fakeController{err: sendErr}
	l := NewLight(testUID(), "test", 0, ctrl)

	err := l.TurnOn(context.Background(), TurnOnRequest{})
	if !errors.Is(err, sendErr) {
		t.Errorf("expected wrapped controller error, got %v", err)
	}
}

func TestLightTurnOff(t *testing.T) {
	ctrl := &fakeController{}
	l := NewLight(testUID(), "test", 0, ctrl)

	if err := l.TurnOff(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	expected := []string{"component LEDDEVICE=false"}
	if !reflect.DeepEqual(ctrl.calls, expected) {
		t.Errorf("expected calls %v, got %v", expected, ctrl.calls)
	}
}
