package entity

import (
	"sync"

	"github.com/dermotduffy/rosterd/internal/roster"
)

// CameraUpdate is a partial metadata push from the camera server. Nil
// fields leave the cached value unchanged.
type CameraUpdate struct {
	Name                *string
	MotionDetection     *bool
	VideoStreaming      *bool
	StreamingFramerate  *int
	StreamingResolution *int
	StreamURL           *string
	SnapshotURL         *string
}

// CameraState is an immutable snapshot of the cache for the render layer.
type CameraState struct {
	Name                string
	MotionDetection     bool
	VideoStreaming      bool
	StreamingFramerate  int
	StreamingResolution int
	StreamURL           string
	SnapshotURL         string
	Available           bool
	Revision            uint64
}

// Camera caches the last-polled metadata of one camera. Unlike lights,
// cameras have no command surface; the cache is read-only to the render
// layer.
type Camera struct {
	uniqueID roster.UniqueID

	mu                  sync.RWMutex
	name                string
	motionDetection     bool
	videoStreaming      bool
	streamingFramerate  int
	streamingResolution int
	streamURL           string
	snapshotURL         string
	available           bool
	revision            uint64

	onChange func()
}

// NewCamera creates a camera cache.
func NewCamera(uniqueID roster.UniqueID, name string) *Camera {
	return &Camera{
		uniqueID: uniqueID,
		name:     name,
	}
}

// OnChange registers the callback fired after every accepted state change.
func (c *Camera) OnChange(fn func()) {
	c.mu.Lock()
	c.onChange = fn
	c.mu.Unlock()
}

func (c *Camera) UniqueID() roster.UniqueID { return c.uniqueID }
func (c *Camera) Domain() string            { return DomainCamera }

// Name returns the current display name. Camera renames on the server
// flow through Apply, so this can change over the entity's lifetime.
func (c *Camera) Name() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.name
}

// Available reports whether the camera server poll is healthy.
func (c *Camera) Available() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.available
}

// Revision returns the current state revision.
func (c *Camera) Revision() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.revision
}

// State returns a snapshot of the current metadata.
func (c *Camera) State() CameraState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return CameraState{
		Name:                c.name,
		MotionDetection:     c.motionDetection,
		VideoStreaming:      c.videoStreaming,
		StreamingFramerate:  c.streamingFramerate,
		StreamingResolution: c.streamingResolution,
		StreamURL:           c.streamURL,
		SnapshotURL:         c.snapshotURL,
		Available:           c.available,
		Revision:            c.revision,
	}
}

// SetAvailable marks the camera server poll up or down.
func (c *Camera) SetAvailable(available bool) {
	c.mu.Lock()
	if c.available == available {
		c.mu.Unlock()
		return
	}
	c.available = available
	c.revision++
	notify := c.onChange
	c.mu.Unlock()

	if notify != nil {
		notify()
	}
}

// Apply merges the non-nil fields of a metadata update, bumping the
// revision only when a value actually changed.
func (c *Camera) Apply(u CameraUpdate) {
	c.mu.Lock()
	changed := false
	if u.Name != nil && c.name != *u.Name {
		c.name = *u.Name
		changed = true
	}
	if u.MotionDetection != nil && c.motionDetection != *u.MotionDetection {
		c.motionDetection = *u.MotionDetection
		changed = true
	}
	if u.VideoStreaming != nil && c.videoStreaming != *u.VideoStreaming {
		c.videoStreaming = *u.VideoStreaming
		changed = true
	}
	if u.StreamingFramerate != nil && c.streamingFramerate != *u.StreamingFramerate {
		c.streamingFramerate = *u.StreamingFramerate
		changed = true
	}
	if u.StreamingResolution != nil && c.streamingResolution != *u.StreamingResolution {
		c.streamingResolution = *u.StreamingResolution
		changed = true
	}
	if u.StreamURL != nil && c.streamURL != *u.StreamURL {
		c.streamURL = *u.StreamURL
		changed = true
	}
	if u.SnapshotURL != nil && c.snapshotURL != *u.SnapshotURL {
		c.snapshotURL = *u.SnapshotURL
		changed = true
	}
	var notify func()
	if changed {
		c.revision++
		notify = c.onChange
	}
	c.mu.Unlock()

	if notify != nil {
		notify()
	}
}
