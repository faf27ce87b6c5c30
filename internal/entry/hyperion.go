package entry

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dermotduffy/rosterd/internal/entity"
	"github.com/dermotduffy/rosterd/internal/eventbus"
	"github.com/dermotduffy/rosterd/internal/hyperion"
	"github.com/dermotduffy/rosterd/internal/registry"
	"github.com/dermotduffy/rosterd/internal/roster"
)

// lightTransport adapts one instance connection to the light cache's
// controller interface.
type lightTransport struct {
	cli *hyperion.Client
}

func (t lightTransport) SetComponent(ctx context.Context, component string, enabled bool) error {
	return t.cli.SetComponent(ctx, component, enabled)
}

func (t lightTransport) SetAdjustment(ctx context.Context, brightnessPct int) error {
	return t.cli.SetAdjustment(ctx, brightnessPct)
}

func (t lightTransport) SetColor(ctx context.Context, priority int, color entity.Color) error {
	return t.cli.SetColor(ctx, priority, color.R, color.G, color.B)
}

func (t lightTransport) SetEffect(ctx context.Context, priority int, effect string) error {
	return t.cli.SetEffect(ctx, priority, effect)
}

func (t lightTransport) Clear(ctx context.Context, priority int) error {
	return t.cli.Clear(ctx, priority)
}

// instanceRecords maps an instance roster push to roster records.
func instanceRecords(instances []hyperion.Instance) []roster.Record {
	records := make([]roster.Record, 0, len(instances))
	for _, in := range instances {
		records = append(records, roster.Record{
			ID:      strconv.Itoa(in.Instance),
			Name:    in.FriendlyName,
			Running: in.Running,
		})
	}
	return records
}

// visibleFromPriorities finds the priority owning the output in a
// priorities push.
func visibleFromPriorities(priorities []hyperion.Priority) (entity.VisiblePriority, bool) {
	for _, p := range priorities {
		if !p.Visible {
			continue
		}
		v := entity.VisiblePriority{
			ComponentID: p.ComponentID,
			Owner:       p.Owner,
		}
		if p.Value != nil && len(p.Value.RGB) >= 3 {
			v.Value = entity.Color{
				R: uint8(p.Value.RGB[0]),
				G: uint8(p.Value.RGB[1]),
				B: uint8(p.Value.RGB[2]),
			}
		}
		return v, true
	}
	return entity.VisiblePriority{}, false
}

// seedLight loads a freshly connected instance's server state into its
// cache, so the first render carries real attributes instead of the
// defaults.
func seedLight(light *entity.Light, info hyperion.ServerInfo) {
	if len(info.Components) > 0 {
		states := make([]entity.ComponentState, 0, len(info.Components))
		for _, c := range info.Components {
			states = append(states, entity.ComponentState{Name: c.Name, Enabled: c.Enabled})
		}
		light.ApplyComponents(states)
	}

	for _, adj := range info.Adjustment {
		if adj.Brightness != nil {
			light.ApplyAdjustment(*adj.Brightness)
			break
		}
	}

	if v, ok := visibleFromPriorities(info.Priorities); ok {
		light.ApplyVisiblePriority(v)
	}

	if len(info.Effects) > 0 {
		names := make([]string, 0, len(info.Effects))
		for _, e := range info.Effects {
			names = append(names, e.Name)
		}
		light.ApplyEffects(names)
	}
}

// hyperionRuntime watches one lighting server. A root connection on
// instance 0 carries the roster (instance pushes plus a periodic resync
// read); each running instance then gets its own connection feeding that
// instance's light cache.
type hyperionRuntime struct {
	def  Definition
	deps Deps
	rec  *reconciler

	root *hyperion.Client

	// trigger coalesces roster snapshots; only the newest pending one is
	// reconciled.
	trigger chan struct{}

	mu       sync.Mutex
	pending  *roster.Snapshot
	clients  map[string]*hyperion.Client
	migrated bool

	// instances tracks the per-instance connection supervisors so Run
	// returns only after the last of them has gone quiet.
	instances sync.WaitGroup
}

func newHyperionRuntime(def Definition, deps Deps) *hyperionRuntime {
	r := &hyperionRuntime{
		def:     def,
		deps:    deps,
		trigger: make(chan struct{}, 1),
		clients: make(map[string]*hyperion.Client),
	}
	r.rec = &reconciler{
		entryID:  def.ID,
		registry: deps.Registry,
		journal:  deps.Journal,
		bus:      deps.Bus,
		limiter:  deps.Limiter,
		build:    r.buildLight,
	}
	return r
}

func (r *hyperionRuntime) Run(ctx context.Context) error {
	// Everything this runtime spawns hangs off this context; cancel fires
	// before the Wait so the instance supervisors are released first.
	ctx, cancel := context.WithCancel(ctx)
	defer r.instances.Wait()
	defer cancel()

	r.root = hyperion.NewClient(hyperion.ClientConfig{
		Host:      r.def.Host,
		Port:      r.def.Port,
		Token:     r.def.Token,
		Reconnect: r.def.Reconnect,
	})
	r.root.SetHandlers(hyperion.UpdateHandlers{
		Instances: func(instances []hyperion.Instance) {
			r.publishRoster(instances)
		},
		Connected: func() {
			r.publishRoster(r.root.Instances())
		},
		Disconnected: func(err error) {
			// No pushes arrive until the reconnect lands; read every
			// entity as unavailable rather than trusting stale state.
			markEntryUnavailable(r.deps.Registry, r.def.ID)
		},
	})

	r.deps.Bus.Subscribe(r.def.ID, eventbus.KindRosterUpdated, r.onRoster)

	done := make(chan error, 1)
	go func() { done <- r.root.Run(ctx) }()

	resync := time.NewTicker(r.def.Options.ResyncInterval)
	defer resync.Stop()

	log.Info().
		Str("entry", r.def.ID).
		Str("address", r.def.Target()).
		Msg("Watching lighting server")

	for {
		select {
		case <-ctx.Done():
			// Reap the root connection so its final disconnect handling
			// is sequenced before this entry counts as stopped.
			<-done
			return nil
		case err := <-done:
			return err
		case <-r.trigger:
			r.reconcileNow(ctx)
		case <-resync.C:
			r.publishRoster(r.root.Instances())
		}
	}
}

// publishRoster turns an instance listing into a snapshot on the bus. The
// scope is the server's stable id; before the first connect there is none
// and nothing to publish.
func (r *hyperionRuntime) publishRoster(instances []hyperion.Instance) {
	scope := r.root.ID()
	if scope == "" {
		return
	}
	snap := roster.NewSnapshot(scope, instanceRecords(instances))
	r.deps.Bus.Publish(eventbus.Event{
		Kind:    eventbus.KindRosterUpdated,
		EntryID: r.def.ID,
		Roster:  &eventbus.RosterUpdated{Snapshot: snap},
	})
}

// onRoster parks the newest snapshot and pokes the run loop. Snapshots
// arriving while one is already parked replace it; each carries the full
// roster, so only the latest matters.
func (r *hyperionRuntime) onRoster(ev eventbus.Event) {
	if ev.Roster == nil {
		return
	}
	snap := ev.Roster.Snapshot
	r.mu.Lock()
	r.pending = &snap
	r.mu.Unlock()

	select {
	case r.trigger <- struct{}{}:
	default:
	}
}

func (r *hyperionRuntime) reconcileNow(ctx context.Context) {
	r.mu.Lock()
	snap := r.pending
	r.pending = nil
	r.mu.Unlock()
	if snap == nil {
		return
	}

	r.migrateOnce()
	r.rec.apply(ctx, *snap)
	r.rec.prune(*snap)
	r.refreshAvailability(*snap)
}

// migrateOnce re-keys rows persisted under the provisional host:port
// scope to the server's learned stable id. Runs before the first
// reconcile; a failed migration is retried on the next snapshot.
func (r *hyperionRuntime) migrateOnce() {
	r.mu.Lock()
	migrated := r.migrated
	r.mu.Unlock()
	if migrated || r.root == nil {
		return
	}

	serverID := r.root.ID()
	if serverID == "" {
		return
	}
	if _, err := r.deps.Registry.MigrateScope(r.def.Target(), serverID); err != nil {
		log.Warn().
			Err(err).
			Str("entry", r.def.ID).
			Msg("Scope migration failed")
		return
	}

	r.mu.Lock()
	r.migrated = true
	r.mu.Unlock()
}

// refreshAvailability re-reads each registered instance's availability
// from the roster: present but stopped instances stay registered and
// simply read unavailable until the server starts them again.
func (r *hyperionRuntime) refreshAvailability(snap roster.Snapshot) {
	for _, id := range snap.IDs() {
		rec, ok := snap.Record(id)
		if !ok {
			continue
		}
		reg, ok := r.deps.Registry.Get(id)
		if !ok {
			continue
		}

		r.mu.Lock()
		cli := r.clients[id.RemoteID]
		r.mu.Unlock()

		available := rec.Running && cli != nil && cli.IsConnected()
		if s, ok := reg.Entity.(availabilitySetter); ok {
			s.SetAvailable(available)
		}
	}
}

// buildLight connects to one running instance and wires its pushes into a
// fresh light cache. The connection outlives this call under its own
// supervisor; the returned handle tears it down.
func (r *hyperionRuntime) buildLight(ctx context.Context, id roster.UniqueID, rec roster.Record) (registry.Registration, error) {
	instance, err := strconv.Atoi(rec.ID)
	if err != nil {
		return registry.Registration{}, fmt.Errorf("instance id %q: %w", rec.ID, err)
	}

	cli := hyperion.NewClient(hyperion.ClientConfig{
		Host:      r.def.Host,
		Port:      r.def.Port,
		Token:     r.def.Token,
		Instance:  instance,
		Reconnect: r.def.Reconnect,
	})

	light := entity.NewLight(id, rec.Name, r.def.Options.Priority, lightTransport{cli: cli})
	light.OnChange(func() {
		r.deps.Bus.Publish(eventbus.Event{
			Kind:    eventbus.KindEntityState,
			EntryID: r.def.ID,
			State: &eventbus.EntityState{
				UniqueID: id.String(),
				Revision: light.Revision(),
			},
		})
	})

	cli.SetHandlers(hyperion.UpdateHandlers{
		Components: func(c hyperion.Component) {
			light.ApplyComponents([]entity.ComponentState{{Name: c.Name, Enabled: c.Enabled}})
		},
		Adjustment: func(adjustments []hyperion.Adjustment) {
			for _, adj := range adjustments {
				if adj.Brightness != nil {
					light.ApplyAdjustment(*adj.Brightness)
					break
				}
			}
		},
		Priorities: func(priorities []hyperion.Priority) {
			if v, ok := visibleFromPriorities(priorities); ok {
				light.ApplyVisiblePriority(v)
			}
		},
		Effects: func(effects []hyperion.Effect) {
			names := make([]string, 0, len(effects))
			for _, e := range effects {
				names = append(names, e.Name)
			}
			light.ApplyEffects(names)
		},
		Connected: func() {
			seedLight(light, cli.ServerInfo())
			light.SetAvailable(true)
		},
		Disconnected: func(err error) {
			light.SetAvailable(false)
		},
	})

	if err := cli.Connect(ctx); err != nil {
		return registry.Registration{}, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	r.instances.Add(1)
	go func() {
		defer r.instances.Done()
		if err := cli.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Warn().
				Err(err).
				Str("unique_id", id.String()).
				Msg("Instance connection gave up")
		}
	}()

	r.mu.Lock()
	r.clients[rec.ID] = cli
	r.mu.Unlock()

	handle := closerFunc(func() error {
		cancel()
		r.mu.Lock()
		delete(r.clients, rec.ID)
		r.mu.Unlock()
		return cli.Close()
	})

	return registry.Registration{
		UniqueID: id,
		EntryID:  r.def.ID,
		Entity:   light,
		Handle:   handle,
	}, nil
}
