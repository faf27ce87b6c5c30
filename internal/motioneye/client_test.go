package motioneye

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/dermotduffy/rosterd/internal/roster"
)

func intPtr(v int) *int { return &v }

func TestComputeSignature(t *testing.T) {
	base := computeSignature("GET", "/config/list?_username=admin", "", "secret")

	if len(base) != 40 {
		t.Fatalf("expected 40 hex chars, got %d: %s", len(base), base)
	}
	if again := computeSignature("GET", "/config/list?_username=admin", "", "secret"); again != base {
		t.Error("signature must be deterministic")
	}
	if other := computeSignature("GET", "/config/list?_username=admin", "", "other"); other == base {
		t.Error("different keys must produce different signatures")
	}

	// Query order must not matter.
	a := computeSignature("GET", "/p?x=1&y=2", "", "k")
	b := computeSignature("GET", "/p?y=2&x=1", "", "k")
	if a != b {
		t.Error("signature must canonicalize query order")
	}

	// An embedded _signature parameter is excluded from the hash.
	signed := computeSignature("GET", "/p?x=1&_signature=deadbeef", "", "k")
	unsigned := computeSignature("GET", "/p?x=1", "", "k")
	if signed != unsigned {
		t.Error("_signature parameter must be excluded from the hash")
	}
}

func newTestClient(t *testing.T, serverURL string) *Client {
	t.Helper()
	c, err := NewClient(ClientConfig{URL: serverURL, Username: "admin", Password: "secret"})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return c
}

func TestClientCameras(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/config/list" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("_username"); got != "admin" {
			t.Errorf("expected _username=admin, got %q", got)
		}
		want := computeSignature(http.MethodGet, r.URL.RequestURI(), "", "secret")
		if got := r.URL.Query().Get("_signature"); got != want {
			t.Errorf("bad signature: got %q want %q", got, want)
		}
		w.Write([]byte(`{"cameras": [
			{"id": 1, "name": "Front door", "enabled": true, "motion_detection": true, "streaming_port": 8081, "streaming_framerate": 5, "streaming_resolution": 100},
			{"id": 2, "name": "Garage", "enabled": false},
			{"name": "no id yet"}
		]}`))
	}))
	defer server.Close()

	c := newTestClient(t, server.URL)
	cameras, err := c.Cameras(context.Background())
	if err != nil {
		t.Fatalf("cameras: %v", err)
	}
	if len(cameras) != 3 {
		t.Fatalf("expected 3 records, got %d", len(cameras))
	}

	if !cameras[0].Acceptable() || !cameras[0].Running() {
		t.Errorf("first camera should be acceptable and running: %+v", cameras[0])
	}
	if cameras[0].StreamingFramerate == nil || *cameras[0].StreamingFramerate != 5 {
		t.Errorf("streaming framerate not decoded: %+v", cameras[0])
	}
	if cameras[1].Running() {
		t.Errorf("disabled camera should not be running: %+v", cameras[1])
	}
	if cameras[2].Acceptable() {
		t.Errorf("record without id must not be acceptable: %+v", cameras[2])
	}
}

func TestClientAuthRejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	c := newTestClient(t, server.URL)
	_, err := c.Cameras(context.Background())
	if !errors.Is(err, roster.ErrAuth) {
		t.Errorf("expected auth error, got %v", err)
	}
	if errors.Is(err, roster.ErrConnection) {
		t.Error("auth rejection must not be classified as transient")
	}

	if err := c.Login(context.Background()); !errors.Is(err, roster.ErrAuth) {
		t.Errorf("login should surface auth error, got %v", err)
	}
}

func TestClientServerErrorIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	c := newTestClient(t, server.URL)
	_, err := c.Cameras(context.Background())
	if !errors.Is(err, roster.ErrConnection) {
		t.Errorf("expected transient connection error, got %v", err)
	}
}

func TestClientUnreachableIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	serverURL := server.URL
	server.Close()

	c := newTestClient(t, serverURL)
	_, err := c.Cameras(context.Background())
	if !errors.Is(err, roster.ErrConnection) {
		t.Errorf("expected transient connection error, got %v", err)
	}
}

func TestClientLogin(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/login" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer server.Close()

	c := newTestClient(t, server.URL)
	if err := c.Login(context.Background()); err != nil {
		t.Errorf("login: %v", err)
	}
}

func TestClientSnapshot(t *testing.T) {
	frame := []byte{0xff, 0xd8, 0xff, 0xe0}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/picture/3/current/" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		want := computeSignature(http.MethodGet, r.URL.RequestURI(), "", "secret")
		if got := r.URL.Query().Get("_signature"); got != want {
			t.Errorf("bad signature: got %q want %q", got, want)
		}
		w.Write(frame)
	}))
	defer server.Close()

	c := newTestClient(t, server.URL)
	data, err := c.Snapshot(context.Background(), 3)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(data) != len(frame) {
		t.Errorf("expected %d bytes, got %d", len(frame), len(data))
	}
}

func TestCameraURLs(t *testing.T) {
	c := newTestClient(t, "http://cams.local:8765")

	snapshot := c.SnapshotURL(3)
	if want := "http://cams.local:8765/picture/3/current/"; len(snapshot) <= len(want) || snapshot[:len(want)] != want {
		t.Errorf("unexpected snapshot url: %s", snapshot)
	}

	stream := c.StreamURL(Camera{ID: intPtr(3), Name: "x", StreamingPort: 8081})
	if stream != "http://cams.local:8081/" {
		t.Errorf("unexpected stream url: %s", stream)
	}
	if got := c.StreamURL(Camera{ID: intPtr(3), Name: "x"}); got != "" {
		t.Errorf("camera without streaming port should have no stream url, got %s", got)
	}
}

func TestCameraAcceptable(t *testing.T) {
	tests := []struct {
		name     string
		camera   Camera
		expected bool
	}{
		{name: "id and name", camera: Camera{ID: intPtr(1), Name: "ok"}, expected: true},
		{name: "missing id", camera: Camera{Name: "no id"}, expected: false},
		{name: "missing name", camera: Camera{ID: intPtr(1)}, expected: false},
		{name: "empty record", camera: Camera{}, expected: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.camera.Acceptable(); got != tt.expected {
				t.Errorf("expected %t, got %t", tt.expected, got)
			}
		})
	}
}
