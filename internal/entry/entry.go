// Package entry manages the lifecycle of configured server connections.
// Each config entry owns a supervised runtime goroutine that watches one
// server's sub-device roster and keeps the registered entity set
// reconciled against it.
package entry

import (
	"context"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/dermotduffy/rosterd/internal/entity"
	"github.com/dermotduffy/rosterd/internal/hyperion"
	"github.com/dermotduffy/rosterd/internal/registry"
)

// Server kinds an entry can point at.
const (
	KindHyperion  = "hyperion"
	KindMotioneye = "motioneye"
)

// Option defaults applied by Definition.withDefaults.
const (
	DefaultPollInterval   = 30 * time.Second
	DefaultResyncInterval = 5 * time.Minute
)

// Options are the tunable parts of an entry. Changing them reloads the
// entry; the identity fields in Definition do not change in place.
type Options struct {
	// Priority is the server priority lights write at.
	Priority int
	// PollInterval is the camera server roster poll cadence.
	PollInterval time.Duration
	// ResyncInterval is how often the lighting roster is re-read even
	// without a push, catching drift from missed updates.
	ResyncInterval time.Duration
}

// OptionsUpdate is a partial options change. Nil fields keep the current
// value. Token and Password are included so a reauth can be resolved
// without recreating the entry.
type OptionsUpdate struct {
	Priority       *int
	PollInterval   *time.Duration
	ResyncInterval *time.Duration
	Token          *string
	Password       *string
}

// Definition describes one configured server connection.
type Definition struct {
	ID   string
	Kind string

	// Lighting servers are addressed by host and JSON control port.
	Host  string
	Port  int
	Token string

	// Camera servers are addressed by base URL and admin credentials.
	URL      string
	Username string
	Password string

	Reconnect hyperion.ReconnectConfig
	Options   Options
}

func (d Definition) withDefaults() Definition {
	if d.Options.Priority <= 0 {
		d.Options.Priority = entity.DefaultPriority
	}
	if d.Options.PollInterval <= 0 {
		d.Options.PollInterval = DefaultPollInterval
	}
	if d.Options.ResyncInterval <= 0 {
		d.Options.ResyncInterval = DefaultResyncInterval
	}
	return d
}

// Target returns the server address for display.
func (d Definition) Target() string {
	switch d.Kind {
	case KindHyperion:
		port := d.Port
		if port == 0 {
			port = hyperion.DefaultPort
		}
		return net.JoinHostPort(d.Host, strconv.Itoa(port))
	case KindMotioneye:
		return d.URL
	}
	return ""
}

// State is an entry's lifecycle state as reported by the manager.
type State string

const (
	StateRunning State = "running"
	// StateReauth means the server rejected the configured credentials.
	// The runtime has stopped; an options update with fresh credentials
	// restarts it.
	StateReauth  State = "reauth_required"
	StateFailed  State = "failed"
	StateStopped State = "stopped"
)

// runtime is one entry's server watcher. Run blocks until the context is
// canceled (returning nil) or the connection fails terminally: credential
// rejections return an error wrapping roster.ErrAuth, exhausted reconnect
// budgets return the underlying connection error.
type runtime interface {
	Run(ctx context.Context) error
}

// Entry is the live context of one loaded config entry: its definition,
// the supervised runtime and the teardown hooks collected during setup.
type Entry struct {
	def     Definition
	runtime runtime
	cancel  context.CancelFunc
	done    chan struct{}

	mu       sync.Mutex
	state    State
	lastErr  error
	teardown []func()
}

// OnTeardown registers a cleanup hook. Hooks run in reverse registration
// order when the entry is unloaded.
func (e *Entry) OnTeardown(fn func()) {
	e.mu.Lock()
	e.teardown = append(e.teardown, fn)
	e.mu.Unlock()
}

func (e *Entry) runTeardowns() {
	e.mu.Lock()
	fns := e.teardown
	e.teardown = nil
	e.mu.Unlock()

	for i := len(fns) - 1; i >= 0; i-- {
		fns[i]()
	}
}

func (e *Entry) setState(s State, err error) {
	e.mu.Lock()
	e.state = s
	e.lastErr = err
	e.mu.Unlock()
}

func (e *Entry) status() (State, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state, e.lastErr
}

// availabilitySetter is satisfied by every entity cache.
type availabilitySetter interface {
	SetAvailable(bool)
}

// markEntryUnavailable flips every live entity of one entry to
// unavailable without unregistering it.
func markEntryUnavailable(reg *registry.Registry, entryID string) {
	for _, r := range reg.ForEntry(entryID) {
		if s, ok := r.Entity.(availabilitySetter); ok {
			s.SetAvailable(false)
		}
	}
}
