package status

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/dermotduffy/rosterd/internal/db"
	"github.com/dermotduffy/rosterd/internal/entity"
	"github.com/dermotduffy/rosterd/internal/entry"
	"github.com/dermotduffy/rosterd/internal/journal"
	"github.com/dermotduffy/rosterd/internal/registry"
	"github.com/dermotduffy/rosterd/internal/roster"
)

type fakeManager struct {
	statuses []entry.Status
	reloaded []string
	updates  map[string]entry.OptionsUpdate
	err      error
}

func (f *fakeManager) List() []entry.Status { return f.statuses }

func (f *fakeManager) Get(id string) (entry.Status, bool) {
	for _, st := range f.statuses {
		if st.ID == id {
			return st, true
		}
	}
	return entry.Status{}, false
}

func (f *fakeManager) Reload(id string) error {
	if f.err != nil {
		return f.err
	}
	f.reloaded = append(f.reloaded, id)
	return nil
}

func (f *fakeManager) UpdateOptions(id string, upd entry.OptionsUpdate) error {
	if f.err != nil {
		return f.err
	}
	if f.updates == nil {
		f.updates = make(map[string]entry.OptionsUpdate)
	}
	f.updates[id] = upd
	return nil
}

func newTestServer(t *testing.T, manager EntryManager) (*Server, *registry.Registry, *journal.Journal) {
	t.Helper()

	database, err := db.Open(filepath.Join(t.TempDir(), "status.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	reg := registry.New(registry.NewStore(database.DB))
	j := journal.New(database.DB)
	return NewServer("127.0.0.1", 0, manager, reg, j), reg, j
}

func doRequest(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	s, _, _ := newTestServer(t, &fakeManager{})

	rec := doRequest(t, s, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}

	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "healthy" {
		t.Errorf("status = %q", body["status"])
	}
}

func TestEntriesList(t *testing.T) {
	manager := &fakeManager{statuses: []entry.Status{
		{ID: "entry-1", Kind: entry.KindHyperion, Target: "lights.local:19444", State: entry.StateRunning, Entities: 2},
		{ID: "entry-2", Kind: entry.KindMotioneye, Target: "http://cams.local", State: entry.StateReauth, Error: "forbidden"},
	}}
	s, _, _ := newTestServer(t, manager)

	rec := doRequest(t, s, http.MethodGet, "/api/entries", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}

	var got []entry.Status
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 2 || got[0].ID != "entry-1" || got[1].State != entry.StateReauth {
		t.Errorf("entries = %+v", got)
	}

	if rec := doRequest(t, s, http.MethodPost, "/api/entries", ""); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST code = %d", rec.Code)
	}
}

func TestEntryGet(t *testing.T) {
	manager := &fakeManager{statuses: []entry.Status{
		{ID: "entry-1", Kind: entry.KindHyperion, State: entry.StateRunning},
	}}
	s, _, _ := newTestServer(t, manager)

	rec := doRequest(t, s, http.MethodGet, "/api/entries/entry-1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}

	if rec := doRequest(t, s, http.MethodGet, "/api/entries/missing", ""); rec.Code != http.StatusNotFound {
		t.Errorf("missing entry code = %d", rec.Code)
	}
}

func TestEntryReload(t *testing.T) {
	manager := &fakeManager{}
	s, _, _ := newTestServer(t, manager)

	rec := doRequest(t, s, http.MethodPost, "/api/entries/entry-1/reload", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d, body = %s", rec.Code, rec.Body.String())
	}
	if len(manager.reloaded) != 1 || manager.reloaded[0] != "entry-1" {
		t.Errorf("reloaded = %v", manager.reloaded)
	}

	// Reload is POST-only.
	if rec := doRequest(t, s, http.MethodGet, "/api/entries/entry-1/reload", ""); rec.Code != http.StatusNotFound {
		t.Errorf("GET reload code = %d", rec.Code)
	}
}

func TestEntryOptions(t *testing.T) {
	manager := &fakeManager{}
	s, _, _ := newTestServer(t, manager)

	rec := doRequest(t, s, http.MethodPost, "/api/entries/entry-1/options",
		`{"priority": 64, "poll_interval": "10s", "token": "fresh"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d, body = %s", rec.Code, rec.Body.String())
	}

	upd, ok := manager.updates["entry-1"]
	if !ok {
		t.Fatal("options update never reached the manager")
	}
	if upd.Priority == nil || *upd.Priority != 64 {
		t.Errorf("priority = %v", upd.Priority)
	}
	if upd.PollInterval == nil || *upd.PollInterval != 10*time.Second {
		t.Errorf("poll interval = %v", upd.PollInterval)
	}
	if upd.Token == nil || *upd.Token != "fresh" {
		t.Errorf("token = %v", upd.Token)
	}
	if upd.ResyncInterval != nil || upd.Password != nil {
		t.Error("unset fields should stay nil")
	}
}

func TestEntryOptionsValidation(t *testing.T) {
	s, _, _ := newTestServer(t, &fakeManager{})

	cases := []struct {
		name string
		body string
	}{
		{"malformed json", `{"priority": `},
		{"bad duration", `{"poll_interval": "soon"}`},
		{"bad resync", `{"resync_interval": "later"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := doRequest(t, s, http.MethodPost, "/api/entries/entry-1/options", tc.body)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("code = %d", rec.Code)
			}
		})
	}
}

func TestEntities(t *testing.T) {
	s, reg, _ := newTestServer(t, &fakeManager{})

	liveID := roster.UniqueID{Scope: "srv-1", RemoteID: "0"}
	cam := entity.NewCamera(liveID, "Front Door")
	cam.SetAvailable(true)
	if _, _, err := reg.GetOrCreate(registry.Registration{
		UniqueID: liveID,
		EntryID:  "entry-1",
		Entity:   cam,
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	// A second registration released again, leaving only its row.
	staleID := roster.UniqueID{Scope: "srv-1", RemoteID: "1"}
	if _, _, err := reg.GetOrCreate(registry.Registration{
		UniqueID: staleID,
		EntryID:  "entry-2",
		Entity:   entity.NewCamera(staleID, "Garage"),
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	reg.ReleaseEntry("entry-2")

	rec := doRequest(t, s, http.MethodGet, "/api/entities", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}

	var views []entityView
	if err := json.Unmarshal(rec.Body.Bytes(), &views); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(views) != 2 {
		t.Fatalf("views = %+v", views)
	}

	byID := make(map[string]entityView)
	for _, v := range views {
		byID[v.UniqueID] = v
	}
	live := byID["srv-1:0"]
	if !live.Live || !live.Available || live.Domain != "camera" {
		t.Errorf("live view = %+v", live)
	}
	stale := byID["srv-1:1"]
	if stale.Live || stale.Name != "Garage" {
		t.Errorf("stale view = %+v", stale)
	}
}

func TestJournal(t *testing.T) {
	s, _, j := newTestServer(t, &fakeManager{})

	if err := j.Append("entry-1", journal.EventEntityAdded, "srv-1:0", "Primary"); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := j.Append("entry-2", journal.EventEntryStarted, "", ""); err != nil {
		t.Fatalf("append: %v", err)
	}

	rec := doRequest(t, s, http.MethodGet, "/api/journal", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}
	var views []journalView
	if err := json.Unmarshal(rec.Body.Bytes(), &views); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(views) != 2 {
		t.Fatalf("views = %+v", views)
	}
	// Newest first.
	if views[0].EntryID != "entry-2" || views[1].Event != "entity_added" {
		t.Errorf("order = %+v", views)
	}

	rec = doRequest(t, s, http.MethodGet, "/api/journal?entry=entry-1", "")
	views = nil
	if err := json.Unmarshal(rec.Body.Bytes(), &views); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(views) != 1 || views[0].UniqueID != "srv-1:0" {
		t.Errorf("filtered = %+v", views)
	}

	if rec := doRequest(t, s, http.MethodGet, "/api/journal?limit=bogus", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("bad limit code = %d", rec.Code)
	}
}
