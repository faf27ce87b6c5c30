package entry

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dermotduffy/rosterd/internal/entity"
	"github.com/dermotduffy/rosterd/internal/roster"
)

// fakeCameraServer serves the camera admin API with a swappable roster,
// letting a test walk the runtime through roster changes and outages.
type fakeCameraServer struct {
	mu      sync.Mutex
	listing string
	status  int
}

func (s *fakeCameraServer) set(listing string, status int) {
	s.mu.Lock()
	s.listing = listing
	s.status = status
	s.mu.Unlock()
}

func (s *fakeCameraServer) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		listing, status := s.listing, s.status
		s.mu.Unlock()

		if status != 0 {
			w.WriteHeader(status)
			return
		}
		switch {
		case r.URL.Path == "/login":
			w.Write([]byte("{}"))
		case r.URL.Path == "/config/list":
			w.Write([]byte(listing))
		case strings.HasPrefix(r.URL.Path, "/picture/"):
			w.Write([]byte("jpeg-bytes"))
		default:
			http.NotFound(w, r)
		}
	})
}

type frameSink struct {
	mu     sync.Mutex
	frames map[string]int
}

func (s *frameSink) PublishImage(uniqueID string, image []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.frames == nil {
		s.frames = make(map[string]int)
	}
	s.frames[uniqueID]++
	return nil
}

func (s *frameSink) count(uniqueID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames[uniqueID]
}

const twoCameraListing = `{"cameras": [
	{"id": 1, "name": "Front Door", "enabled": true, "motion_detection": true, "video_streaming": true, "streaming_port": 8081, "streaming_framerate": 10, "streaming_resolution": 100},
	{"id": 2, "name": "Garage", "enabled": false},
	{"name": "half provisioned"}
]}`

func startMotioneyeRuntime(t *testing.T, deps Deps) (*fakeCameraServer, chan error) {
	t.Helper()

	server := &fakeCameraServer{}
	server.set(twoCameraListing, 0)
	ts := httptest.NewServer(server.handler())
	t.Cleanup(ts.Close)

	def := Definition{
		ID:       "entry-cam",
		Kind:     KindMotioneye,
		URL:      ts.URL,
		Username: "admin",
		Password: "secret",
		Options:  Options{PollInterval: 20 * time.Millisecond},
	}
	rt, err := newRuntime(def.withDefaults(), deps)
	if err != nil {
		t.Fatalf("new runtime: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	done := make(chan error, 1)
	go func() { done <- rt.Run(ctx) }()
	return server, done
}

func TestMotioneyeRuntimeReconcilesRoster(t *testing.T) {
	deps := newTestDeps(t)
	sink := &frameSink{}
	deps.Images = sink

	server, _ := startMotioneyeRuntime(t, deps)

	uid1 := roster.UniqueID{Scope: "entry-cam", RemoteID: "1"}
	uid2 := roster.UniqueID{Scope: "entry-cam", RemoteID: "2"}

	waitFor(t, func() bool {
		_, ok := deps.Registry.Get(uid1)
		return ok
	}, "enabled camera never registered")

	if _, ok := deps.Registry.Get(uid2); ok {
		t.Error("disabled camera should not register")
	}

	reg, _ := deps.Registry.Get(uid1)
	cam := reg.Entity.(*entity.Camera)
	waitFor(t, func() bool { return cam.Available() }, "camera never became available")

	st := cam.State()
	if !st.MotionDetection || !st.VideoStreaming || st.StreamingFramerate != 10 {
		t.Errorf("polled metadata not applied: %+v", st)
	}
	if !strings.Contains(st.StreamURL, ":8081") {
		t.Errorf("stream url = %q", st.StreamURL)
	}
	if !strings.Contains(st.SnapshotURL, "/picture/1/current/") {
		t.Errorf("snapshot url = %q", st.SnapshotURL)
	}

	// Streaming camera frames flow to the sink.
	waitFor(t, func() bool { return sink.count("entry-cam:1") > 0 }, "no frames published")

	// The camera vanishing from the listing unregisters it.
	server.set(`{"cameras": []}`, 0)
	waitFor(t, func() bool {
		_, ok := deps.Registry.Get(uid1)
		return !ok
	}, "vanished camera never unregistered")
}

func TestMotioneyeRuntimeTransientOutage(t *testing.T) {
	deps := newTestDeps(t)
	server, done := startMotioneyeRuntime(t, deps)

	uid1 := roster.UniqueID{Scope: "entry-cam", RemoteID: "1"}
	waitFor(t, func() bool {
		reg, ok := deps.Registry.Get(uid1)
		return ok && reg.Entity.Available()
	}, "camera never became available")

	// A flaky server marks entities unavailable without removing them.
	server.set("", http.StatusBadGateway)
	waitFor(t, func() bool {
		reg, ok := deps.Registry.Get(uid1)
		return ok && !reg.Entity.Available()
	}, "camera should go unavailable during the outage")

	select {
	case err := <-done:
		t.Fatalf("runtime should ride out transient errors, exited: %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	// Recovery flips it back.
	server.set(twoCameraListing, 0)
	waitFor(t, func() bool {
		reg, ok := deps.Registry.Get(uid1)
		return ok && reg.Entity.Available()
	}, "camera never recovered")
}

func TestMotioneyeRuntimeDisabledCameraUnavailable(t *testing.T) {
	deps := newTestDeps(t)
	server, _ := startMotioneyeRuntime(t, deps)

	uid1 := roster.UniqueID{Scope: "entry-cam", RemoteID: "1"}
	waitFor(t, func() bool {
		reg, ok := deps.Registry.Get(uid1)
		return ok && reg.Entity.Available()
	}, "camera never became available")

	// Disabling the camera keeps it registered but unavailable.
	server.set(`{"cameras": [
		{"id": 1, "name": "Front Door", "enabled": false, "streaming_port": 8081}
	]}`, 0)

	waitFor(t, func() bool {
		reg, ok := deps.Registry.Get(uid1)
		return ok && !reg.Entity.Available()
	}, "disabled camera should read unavailable")

	if _, ok := deps.Registry.Get(uid1); !ok {
		t.Error("disabled camera must stay registered")
	}
}

func TestMotioneyeRuntimeAuthRejection(t *testing.T) {
	deps := newTestDeps(t)
	server, done := startMotioneyeRuntime(t, deps)

	waitFor(t, func() bool {
		_, ok := deps.Registry.Get(roster.UniqueID{Scope: "entry-cam", RemoteID: "1"})
		return ok
	}, "camera never registered")

	server.set("", http.StatusForbidden)

	select {
	case err := <-done:
		if !errors.Is(err, roster.ErrAuth) {
			t.Errorf("exit error = %v, want auth", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("runtime should exit on credential rejection")
	}
}
