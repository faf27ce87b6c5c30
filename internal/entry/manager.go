package entry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/dermotduffy/rosterd/internal/eventbus"
	"github.com/dermotduffy/rosterd/internal/journal"
	"github.com/dermotduffy/rosterd/internal/registry"
	"github.com/dermotduffy/rosterd/internal/roster"
)

// ImageSink receives camera frames for publishing. The MQTT renderer
// implements it.
type ImageSink interface {
	PublishImage(uniqueID string, image []byte) error
}

// Deps are the shared services every entry runtime works against.
type Deps struct {
	Registry *registry.Registry
	Journal  *journal.Journal
	Bus      *eventbus.Bus
	// Limiter paces entity connection setup across all entries.
	Limiter *rate.Limiter
	// Images is optional; nil disables camera frame publishing.
	Images ImageSink
}

// Status is one entry's lifecycle snapshot for the control API.
type Status struct {
	ID       string `json:"id"`
	Kind     string `json:"kind"`
	Target   string `json:"target"`
	State    State  `json:"state"`
	Error    string `json:"error,omitempty"`
	Entities int    `json:"entities"`
}

// Manager owns the set of loaded entries. All methods are safe for
// concurrent use.
type Manager struct {
	deps Deps

	// newRuntime builds an entry's watcher; swapped in tests.
	newRuntime func(Definition, Deps) (runtime, error)

	mu      sync.Mutex
	baseCtx context.Context
	entries map[string]*Entry
}

// NewManager creates a Manager. Start must be called before entries can
// be set up.
func NewManager(deps Deps) *Manager {
	return &Manager{
		deps:       deps,
		newRuntime: newRuntime,
		entries:    make(map[string]*Entry),
	}
}

// Start activates the manager under the given base context and sets up
// every definition. Individual setup failures are logged and skipped so
// one bad entry doesn't hold back the rest.
func (m *Manager) Start(ctx context.Context, defs []Definition) {
	m.mu.Lock()
	m.baseCtx = ctx
	m.mu.Unlock()

	for _, def := range defs {
		if _, err := m.Setup(def); err != nil {
			log.Error().
				Err(err).
				Str("entry", def.ID).
				Str("kind", def.Kind).
				Msg("Entry setup failed")
		}
	}
}

// Setup loads one entry and starts its runtime. An empty ID is assigned
// one. The returned id identifies the entry to Unload and friends.
func (m *Manager) Setup(def Definition) (string, error) {
	if def.ID == "" {
		def.ID = uuid.NewString()
	}
	def = def.withDefaults()

	m.mu.Lock()
	if m.baseCtx == nil {
		m.mu.Unlock()
		return "", errors.New("manager not started")
	}
	if _, exists := m.entries[def.ID]; exists {
		m.mu.Unlock()
		return "", fmt.Errorf("entry %s already loaded", def.ID)
	}

	rt, err := m.newRuntime(def, m.deps)
	if err != nil {
		m.mu.Unlock()
		return "", fmt.Errorf("building entry %s: %w", def.ID, err)
	}

	ctx, cancel := context.WithCancel(m.baseCtx)
	e := &Entry{
		def:     def,
		runtime: rt,
		cancel:  cancel,
		done:    make(chan struct{}),
		state:   StateRunning,
	}
	e.OnTeardown(func() { m.deps.Bus.Unsubscribe(def.ID) })
	m.entries[def.ID] = e
	m.mu.Unlock()

	go m.supervise(ctx, e)

	log.Info().
		Str("entry", def.ID).
		Str("kind", def.Kind).
		Str("target", def.Target()).
		Msg("Entry setup")
	return def.ID, nil
}

// supervise runs the entry's runtime and records how it ended. Credential
// rejections park the entry in StateReauth instead of retrying; fresh
// credentials arrive via UpdateOptions.
func (m *Manager) supervise(ctx context.Context, e *Entry) {
	defer close(e.done)
	defer e.cancel()

	m.record(e.def.ID, journal.EventEntryStarted, "", e.def.Kind)

	err := e.runtime.Run(ctx)

	// Whatever ended the runtime also ended its connections.
	markEntryUnavailable(m.deps.Registry, e.def.ID)

	detail := ""
	switch {
	case err == nil || ctx.Err() != nil:
		e.setState(StateStopped, nil)
	case errors.Is(err, roster.ErrAuth):
		e.setState(StateReauth, err)
		detail = err.Error()
		log.Error().
			Err(err).
			Str("entry", e.def.ID).
			Msg("Server rejected credentials, reauthorization required")
		m.record(e.def.ID, journal.EventReauthRequired, "", detail)
		m.deps.Bus.Publish(eventbus.Event{
			Kind:    eventbus.KindReauthRequired,
			EntryID: e.def.ID,
			Reauth:  &eventbus.ReauthRequired{Reason: detail},
		})
	default:
		e.setState(StateFailed, err)
		detail = err.Error()
		log.Error().
			Err(err).
			Str("entry", e.def.ID).
			Msg("Entry runtime failed")
	}

	m.record(e.def.ID, journal.EventEntryStopped, "", detail)
}

// Unload stops an entry and releases its live registrations. Persisted
// rows are kept: unloading is not removal, the sub-devices did not
// vanish.
func (m *Manager) Unload(id string) error {
	m.mu.Lock()
	e, ok := m.entries[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("entry %s not loaded", id)
	}
	delete(m.entries, id)
	m.mu.Unlock()

	e.cancel()
	<-e.done
	e.runTeardowns()

	released := m.deps.Registry.ReleaseEntry(id)
	for _, reg := range released {
		closeHandle(reg)
	}

	log.Info().
		Str("entry", id).
		Int("entities", len(released)).
		Msg("Entry unloaded")
	return nil
}

// Reload unloads and re-sets-up an entry with its current definition.
func (m *Manager) Reload(id string) error {
	m.mu.Lock()
	e, ok := m.entries[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("entry %s not loaded", id)
	}
	def := e.def
	m.mu.Unlock()

	if err := m.Unload(id); err != nil {
		return err
	}
	_, err := m.Setup(def)
	return err
}

// UpdateOptions merges an options change into the entry's definition and
// reloads it. Updating credentials this way is the recovery path out of
// StateReauth.
func (m *Manager) UpdateOptions(id string, upd OptionsUpdate) error {
	m.mu.Lock()
	e, ok := m.entries[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("entry %s not loaded", id)
	}
	def := e.def
	m.mu.Unlock()

	if upd.Priority != nil {
		def.Options.Priority = *upd.Priority
	}
	if upd.PollInterval != nil {
		def.Options.PollInterval = *upd.PollInterval
	}
	if upd.ResyncInterval != nil {
		def.Options.ResyncInterval = *upd.ResyncInterval
	}
	if upd.Token != nil {
		def.Token = *upd.Token
	}
	if upd.Password != nil {
		def.Password = *upd.Password
	}

	if err := m.Unload(id); err != nil {
		return err
	}
	_, err := m.Setup(def)
	return err
}

// Get returns one entry's status.
func (m *Manager) Get(id string) (Status, bool) {
	m.mu.Lock()
	e, ok := m.entries[id]
	m.mu.Unlock()
	if !ok {
		return Status{}, false
	}
	return m.status(e), true
}

// List returns the status of every loaded entry, sorted by id.
func (m *Manager) List() []Status {
	m.mu.Lock()
	entries := make([]*Entry, 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, e)
	}
	m.mu.Unlock()

	statuses := make([]Status, 0, len(entries))
	for _, e := range entries {
		statuses = append(statuses, m.status(e))
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].ID < statuses[j].ID })
	return statuses
}

func (m *Manager) status(e *Entry) Status {
	state, lastErr := e.status()
	s := Status{
		ID:       e.def.ID,
		Kind:     e.def.Kind,
		Target:   e.def.Target(),
		State:    state,
		Entities: len(m.deps.Registry.ForEntry(e.def.ID)),
	}
	if lastErr != nil {
		s.Error = lastErr.Error()
	}
	return s
}

// Shutdown unloads every entry and stops accepting new ones.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	m.baseCtx = nil
	ids := make([]string, 0, len(m.entries))
	for id := range m.entries {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	sort.Strings(ids)
	for _, id := range ids {
		if err := m.Unload(id); err != nil {
			log.Warn().Err(err).Str("entry", id).Msg("Entry unload failed")
		}
	}
}

func (m *Manager) record(entryID string, event journal.EventType, uniqueID, detail string) {
	if m.deps.Journal == nil {
		return
	}
	if err := m.deps.Journal.Append(entryID, event, uniqueID, detail); err != nil {
		log.Warn().
			Err(err).
			Str("entry", entryID).
			Msg("Journal append failed")
	}
}

// newRuntime is the production runtime factory.
func newRuntime(def Definition, deps Deps) (runtime, error) {
	switch def.Kind {
	case KindHyperion:
		if def.Host == "" {
			return nil, errors.New("lighting entry requires a host")
		}
		return newHyperionRuntime(def, deps), nil
	case KindMotioneye:
		if def.URL == "" {
			return nil, errors.New("camera entry requires a url")
		}
		return newMotioneyeRuntime(def, deps)
	default:
		return nil, fmt.Errorf("unknown server kind %q", def.Kind)
	}
}
