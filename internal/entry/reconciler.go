package entry

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/dermotduffy/rosterd/internal/eventbus"
	"github.com/dermotduffy/rosterd/internal/journal"
	"github.com/dermotduffy/rosterd/internal/registry"
	"github.com/dermotduffy/rosterd/internal/roster"
)

// closerFunc adapts a teardown closure to io.Closer for registration
// handles.
type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// buildFunc constructs the entity and connection for one running
// sub-device. A failed build is not fatal to the roster pass; the add is
// retried when the next snapshot arrives.
type buildFunc func(ctx context.Context, id roster.UniqueID, rec roster.Record) (registry.Registration, error)

// reconciler applies roster snapshots for one entry: absent sub-devices
// unregister, new running ones register, present-but-stopped ones stay
// registered and merely read as unavailable.
type reconciler struct {
	entryID  string
	registry *registry.Registry
	journal  *journal.Journal
	bus      *eventbus.Bus
	limiter  *rate.Limiter
	build    buildFunc
}

// apply brings the live registrations in line with one snapshot. Each
// add runs as its own task so one slow connect holds up neither the
// remaining adds nor the removals; the pass itself completes before the
// next snapshot for this entry is applied. Build failures are logged and
// left for the next snapshot, removals always proceed.
func (r *reconciler) apply(ctx context.Context, snap roster.Snapshot) {
	actions := roster.Diff(snap, r.registry.CurrentKeys(r.entryID))
	if actions.Empty() {
		return
	}

	log.Info().
		Str("entry", r.entryID).
		Str("scope", snap.Scope()).
		Int("add", len(actions.Add)).
		Int("remove", len(actions.Remove)).
		Msg("Reconciling roster")

	var adds sync.WaitGroup
	for _, id := range actions.Add {
		rec, ok := snap.Record(id)
		if !ok {
			continue
		}
		if r.limiter != nil {
			if err := r.limiter.Wait(ctx); err != nil {
				adds.Wait()
				return
			}
		}

		adds.Add(1)
		go func() {
			defer adds.Done()
			r.add(ctx, id, rec)
		}()
	}

	// Add and remove sets are disjoint, so removals need not wait for
	// the in-flight adds.
	for _, id := range actions.Remove {
		reg, ok, err := r.registry.Remove(id)
		if err != nil {
			log.Error().
				Err(err).
				Str("unique_id", id.String()).
				Msg("Removing entity failed")
			continue
		}
		if !ok {
			continue
		}
		closeHandle(reg)

		r.record(journal.EventEntityRemoved, id.String(), reg.Entity.Name())
		r.bus.Publish(eventbus.Event{
			Kind:    eventbus.KindEntityRemoved,
			EntryID: r.entryID,
			Removed: &eventbus.EntityRemoved{UniqueID: id.String()},
		})
	}

	adds.Wait()
}

// add connects one running sub-device and registers its entity.
func (r *reconciler) add(ctx context.Context, id roster.UniqueID, rec roster.Record) {
	reg, err := r.build(ctx, id, rec)
	if err != nil {
		log.Warn().
			Err(err).
			Str("unique_id", id.String()).
			Msg("Adding entity failed, retrying on next roster")
		return
	}

	_, created, err := r.registry.GetOrCreate(reg)
	if err != nil {
		log.Error().
			Err(err).
			Str("unique_id", id.String()).
			Msg("Registering entity failed")
		closeHandle(reg)
		return
	}
	if !created {
		// Lost a race with a parallel add for the same id.
		closeHandle(reg)
		return
	}

	r.record(journal.EventEntityAdded, id.String(), reg.Entity.Name())
	r.bus.Publish(eventbus.Event{
		Kind:    eventbus.KindEntityAdded,
		EntryID: r.entryID,
		Added: &eventbus.EntityAdded{
			UniqueID: id.String(),
			Name:     reg.Entity.Name(),
			Domain:   reg.Entity.Domain(),
		},
	})
}

// prune drops persisted rows whose sub-device vanished from the server
// while no registration was live, typically while the daemon was down.
// Rows of present-but-stopped sub-devices survive.
func (r *reconciler) prune(snap roster.Snapshot) {
	present := make([]string, 0, snap.Len())
	for _, id := range snap.IDs() {
		present = append(present, id.RemoteID)
	}

	rows, err := r.registry.PruneAbsent(r.entryID, snap.Scope(), present)
	if err != nil {
		log.Warn().
			Err(err).
			Str("entry", r.entryID).
			Msg("Pruning stale registrations failed")
		return
	}
	for _, row := range rows {
		r.record(journal.EventEntityPruned, row.UniqueID.String(), row.Name)
	}
}

func (r *reconciler) record(event journal.EventType, uniqueID, detail string) {
	if r.journal == nil {
		return
	}
	if err := r.journal.Append(r.entryID, event, uniqueID, detail); err != nil {
		log.Warn().
			Err(err).
			Str("entry", r.entryID).
			Msg("Journal append failed")
	}
}

func closeHandle(reg registry.Registration) {
	if reg.Handle == nil {
		return
	}
	if err := reg.Handle.Close(); err != nil {
		log.Warn().
			Err(err).
			Str("unique_id", reg.UniqueID.String()).
			Msg("Closing entity handle failed")
	}
}
