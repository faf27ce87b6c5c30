package registry

import (
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dermotduffy/rosterd/internal/entity"
	"github.com/dermotduffy/rosterd/internal/roster"
)

// Registration binds a live entity to its unique id, config entry and
// connection handle. Handle is nil for entities sharing their entry's
// connection.
type Registration struct {
	UniqueID roster.UniqueID
	EntryID  string
	Entity   entity.Entity
	Handle   io.Closer
}

// Registry is the in-memory index of live registrations backed by the
// durable row store. All methods are safe for concurrent use.
type Registry struct {
	store *Store

	mu   sync.Mutex
	live map[roster.UniqueID]Registration
}

// New creates a Registry over the given row store.
func New(store *Store) *Registry {
	return &Registry{
		store: store,
		live:  make(map[roster.UniqueID]Registration),
	}
}

// GetOrCreate returns the existing live registration for the unique id,
// or registers the given one, persisting its row. The returned flag is
// true when a new registration was created.
func (r *Registry) GetOrCreate(reg Registration) (Registration, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.live[reg.UniqueID]; ok {
		return existing, false, nil
	}

	if err := r.store.Upsert(Row{
		UniqueID: reg.UniqueID,
		EntryID:  reg.EntryID,
		Domain:   reg.Entity.Domain(),
		Name:     reg.Entity.Name(),
	}); err != nil {
		return Registration{}, false, fmt.Errorf("persisting registration %s: %w", reg.UniqueID, err)
	}

	r.live[reg.UniqueID] = reg

	log.Debug().
		Str("unique_id", reg.UniqueID.String()).
		Str("entry", reg.EntryID).
		Str("domain", reg.Entity.Domain()).
		Msg("Entity registered")

	return reg, true, nil
}

// Get returns the live registration for a unique id.
func (r *Registry) Get(uniqueID roster.UniqueID) (Registration, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	reg, ok := r.live[uniqueID]
	return reg, ok
}

// Lookup finds the live registration whose canonical unique id matches.
// The joined form is ambiguous to parse (scopes may contain the
// separator), so consumers working from bus payloads resolve through a
// scan of the live set.
func (r *Registry) Lookup(uniqueID string) (Registration, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, reg := range r.live {
		if id.String() == uniqueID {
			return reg, true
		}
	}
	return Registration{}, false
}

// Remove tears down a registration: the live entry and its persisted row
// are deleted. The removed registration is returned so the caller can
// release its connection handle.
func (r *Registry) Remove(uniqueID roster.UniqueID) (Registration, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	reg, ok := r.live[uniqueID]
	if !ok {
		return Registration{}, false, nil
	}

	if err := r.store.Delete(uniqueID); err != nil {
		return Registration{}, false, fmt.Errorf("deleting registration %s: %w", uniqueID, err)
	}

	delete(r.live, uniqueID)

	log.Debug().
		Str("unique_id", uniqueID.String()).
		Str("entry", reg.EntryID).
		Msg("Entity unregistered")

	return reg, true, nil
}

// UpdateUniqueID re-keys a registration, both the persisted row and any
// live entry.
func (r *Registry) UpdateUniqueID(oldID, newID roster.UniqueID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.store.UpdateUniqueID(oldID, newID); err != nil {
		return fmt.Errorf("re-keying %s to %s: %w", oldID, newID, err)
	}

	if reg, ok := r.live[oldID]; ok {
		delete(r.live, oldID)
		reg.UniqueID = newID
		r.live[newID] = reg
	}
	return nil
}

// MigrateScope re-keys every persisted row from a provisional scope to the
// server's learned stable id, returning how many rows moved. Live entries
// never exist under a provisional scope; migration runs before any entity
// is created for the entry.
func (r *Registry) MigrateScope(oldScope, newScope string) (int64, error) {
	if oldScope == newScope {
		return 0, nil
	}

	moved, err := r.store.UpdateScope(oldScope, newScope)
	if err != nil {
		return 0, fmt.Errorf("migrating scope %s to %s: %w", oldScope, newScope, err)
	}
	if moved > 0 {
		log.Info().
			Str("old_scope", oldScope).
			Str("new_scope", newScope).
			Int64("rows", moved).
			Msg("Registry scope migrated")
	}
	return moved, nil
}

// CurrentKeys returns the unique ids of the live registrations belonging
// to one config entry, as the set the reconciler diffs against.
func (r *Registry) CurrentKeys(entryID string) map[roster.UniqueID]struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()

	keys := make(map[roster.UniqueID]struct{})
	for id, reg := range r.live {
		if reg.EntryID == entryID {
			keys[id] = struct{}{}
		}
	}
	return keys
}

// ForEntry returns the live registrations of one config entry.
func (r *Registry) ForEntry(entryID string) []Registration {
	r.mu.Lock()
	defer r.mu.Unlock()

	var regs []Registration
	for _, reg := range r.live {
		if reg.EntryID == entryID {
			regs = append(regs, reg)
		}
	}
	return regs
}

// ReleaseEntry pops every live registration of one config entry without
// touching the persisted rows. Used at entry unload: the sub-devices did
// not vanish, the daemon just stops watching them.
func (r *Registry) ReleaseEntry(entryID string) []Registration {
	r.mu.Lock()
	defer r.mu.Unlock()

	var regs []Registration
	for id, reg := range r.live {
		if reg.EntryID == entryID {
			regs = append(regs, reg)
			delete(r.live, id)
		}
	}
	return regs
}

// PruneAbsent deletes persisted rows of one entry and scope whose remote
// id is absent from the present set, returning the pruned rows. Rows with
// a live registration are never pruned here; the reconciler removes those.
func (r *Registry) PruneAbsent(entryID, scope string, present []string) ([]Row, error) {
	keep := append([]string(nil), present...)
	seen := make(map[string]bool, len(present))
	for _, id := range present {
		seen[id] = true
	}

	r.mu.Lock()
	for id, reg := range r.live {
		if reg.EntryID == entryID && id.Scope == scope && !seen[id.RemoteID] {
			keep = append(keep, id.RemoteID)
		}
	}
	r.mu.Unlock()

	stale, err := r.store.DeleteAbsent(entryID, scope, keep)
	if err != nil {
		return nil, fmt.Errorf("pruning absent rows for entry %s: %w", entryID, err)
	}
	return stale, nil
}

// Rows returns the persisted registrations of one config entry.
func (r *Registry) Rows(entryID string) ([]Row, error) {
	return r.store.ListByEntry(entryID)
}

// AllRows returns every persisted registration.
func (r *Registry) AllRows() ([]Row, error) {
	return r.store.List()
}
