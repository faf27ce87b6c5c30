// Package status serves the daemon's HTTP status and control API: entry
// and entity listings, the reconciliation journal, and entry reload /
// options endpoints.
package status

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dermotduffy/rosterd/internal/entry"
	"github.com/dermotduffy/rosterd/internal/journal"
	"github.com/dermotduffy/rosterd/internal/registry"
)

const defaultJournalLimit = 50

// EntryManager is the slice of the entry manager the API drives.
type EntryManager interface {
	List() []entry.Status
	Get(id string) (entry.Status, bool)
	Reload(id string) error
	UpdateOptions(id string, upd entry.OptionsUpdate) error
}

// Server is the status API HTTP server.
type Server struct {
	addr       string
	manager    EntryManager
	registry   *registry.Registry
	journal    *journal.Journal
	httpServer *http.Server
}

// NewServer creates a status server. It does not listen until Run.
func NewServer(host string, port int, manager EntryManager, reg *registry.Registry, j *journal.Journal) *Server {
	return &Server{
		addr:     fmt.Sprintf("%s:%d", host, port),
		manager:  manager,
		registry: reg,
		journal:  j,
	}
}

// Run starts the server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context, shutdownTimeout time.Duration) error {
	s.httpServer = &http.Server{
		Addr:    s.addr,
		Handler: s.Handler(),
	}

	log.Info().Str("addr", s.addr).Msg("Starting status server")

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Status server shutdown error")
		}
	}()

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Handler builds the route table. Split out of Run for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/api/entries", s.handleEntries)
	mux.HandleFunc("/api/entries/", s.handleEntry)
	mux.HandleFunc("/api/entities", s.handleEntities)
	mux.HandleFunc("/api/journal", s.handleJournal)
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleEntries(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, s.manager.List())
}

// handleEntry routes /api/entries/{id} and /api/entries/{id}/{action}.
func (s *Server) handleEntry(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/entries/")
	id, action, _ := strings.Cut(rest, "/")
	if id == "" {
		writeError(w, http.StatusNotFound, "entry id missing")
		return
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		st, ok := s.manager.Get(id)
		if !ok {
			writeError(w, http.StatusNotFound, "entry not loaded")
			return
		}
		writeJSON(w, http.StatusOK, st)

	case action == "reload" && r.Method == http.MethodPost:
		if err := s.manager.Reload(id); err != nil {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "reloaded"})

	case action == "options" && r.Method == http.MethodPost:
		s.handleOptions(w, r, id)

	default:
		writeError(w, http.StatusNotFound, "unknown entry action")
	}
}

// optionsRequest is the options-update body. Durations are Go duration
// strings ("30s", "5m").
type optionsRequest struct {
	Priority       *int    `json:"priority"`
	PollInterval   *string `json:"poll_interval"`
	ResyncInterval *string `json:"resync_interval"`
	Token          *string `json:"token"`
	Password       *string `json:"password"`
}

func (s *Server) handleOptions(w http.ResponseWriter, r *http.Request, id string) {
	var req optionsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed options body")
		return
	}

	upd := entry.OptionsUpdate{
		Priority: req.Priority,
		Token:    req.Token,
		Password: req.Password,
	}
	if req.PollInterval != nil {
		d, err := time.ParseDuration(*req.PollInterval)
		if err != nil {
			writeError(w, http.StatusBadRequest, "malformed poll_interval")
			return
		}
		upd.PollInterval = &d
	}
	if req.ResyncInterval != nil {
		d, err := time.ParseDuration(*req.ResyncInterval)
		if err != nil {
			writeError(w, http.StatusBadRequest, "malformed resync_interval")
			return
		}
		upd.ResyncInterval = &d
	}

	if err := s.manager.UpdateOptions(id, upd); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	log.Info().Str("entry", id).Msg("Entry options updated via API")
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

// entityView joins a persisted registration row with the live entity
// state, when one is loaded.
type entityView struct {
	UniqueID  string `json:"unique_id"`
	EntryID   string `json:"entry_id"`
	Domain    string `json:"domain"`
	Name      string `json:"name"`
	Live      bool   `json:"live"`
	Available bool   `json:"available"`
	Revision  uint64 `json:"revision,omitempty"`
}

func (s *Server) handleEntities(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	rows, err := s.registry.AllRows()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "registry read failed")
		return
	}

	views := make([]entityView, 0, len(rows))
	for _, row := range rows {
		v := entityView{
			UniqueID: row.UniqueID.String(),
			EntryID:  row.EntryID,
			Domain:   row.Domain,
			Name:     row.Name,
		}
		if reg, ok := s.registry.Get(row.UniqueID); ok {
			v.Live = true
			v.Available = reg.Entity.Available()
			v.Revision = reg.Entity.Revision()
			v.Name = reg.Entity.Name()
		}
		views = append(views, v)
	}
	writeJSON(w, http.StatusOK, views)
}

// journalView mirrors journal.Entry with wire-friendly field names.
type journalView struct {
	ID        int64     `json:"id"`
	EntryID   string    `json:"entry_id"`
	Event     string    `json:"event"`
	UniqueID  string    `json:"unique_id,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func (s *Server) handleJournal(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	limit := defaultJournalLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "malformed limit")
			return
		}
		limit = n
	}

	var (
		entries []*journal.Entry
		err     error
	)
	if entryID := r.URL.Query().Get("entry"); entryID != "" {
		entries, err = s.journal.ByEntry(entryID, limit)
	} else {
		entries, err = s.journal.Recent(limit)
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "journal read failed")
		return
	}

	views := make([]journalView, 0, len(entries))
	for _, e := range entries {
		views = append(views, journalView{
			ID:        e.ID,
			EntryID:   e.EntryID,
			Event:     string(e.EventType),
			UniqueID:  e.UniqueID,
			Detail:    e.Detail,
			Timestamp: e.Timestamp,
		})
	}
	writeJSON(w, http.StatusOK, views)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Status response encode failed")
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
