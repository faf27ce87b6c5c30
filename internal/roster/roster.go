// Package roster models the sub-device roster reported by a remote server
// and the add/remove diff between that roster and the locally registered
// entity set.
package roster

import "sort"

// Record is one sub-device as reported by a remote server. Records only
// exist as transient snapshot elements; they are never persisted.
type Record struct {
	// ID is the remote-assigned identifier, stable across reports from the
	// same server.
	ID string

	// Name is the display name reported by the server.
	Name string

	// Running reports whether the sub-device is currently usable. A record
	// that is present but not running keeps its registration alive without
	// being connectable.
	Running bool
}

// UniqueID is the stable composite key identifying one sub-device across
// reconciliation passes. Scope isolates servers from each other: the server
// id for servers that report one, the config entry id otherwise.
type UniqueID struct {
	Scope    string
	RemoteID string
}

func (u UniqueID) String() string {
	return u.Scope + ":" + u.RemoteID
}

// Snapshot is a set view over a single roster report. Duplicate remote ids
// collapse with last-seen-wins semantics, and records without an id are
// dropped outright.
type Snapshot struct {
	scope   string
	records map[string]Record
}

// NewSnapshot builds a snapshot scoped to one server from an ordered
// sequence of records.
func NewSnapshot(scope string, records []Record) Snapshot {
	s := Snapshot{
		scope:   scope,
		records: make(map[string]Record, len(records)),
	}
	for _, r := range records {
		if r.ID == "" {
			continue
		}
		s.records[r.ID] = r
	}
	return s
}

// Scope returns the server scope this snapshot was built for.
func (s Snapshot) Scope() string {
	return s.scope
}

// Len returns the number of distinct sub-devices in the snapshot.
func (s Snapshot) Len() int {
	return len(s.records)
}

// Record returns the record for a unique id, if the id belongs to this
// snapshot's scope and is present in it.
func (s Snapshot) Record(id UniqueID) (Record, bool) {
	if id.Scope != s.scope {
		return Record{}, false
	}
	r, ok := s.records[id.RemoteID]
	return r, ok
}

// Desired returns the unique ids of all running sub-devices, sorted.
func (s Snapshot) Desired() []UniqueID {
	ids := make([]UniqueID, 0, len(s.records))
	for remoteID, r := range s.records {
		if !r.Running {
			continue
		}
		ids = append(ids, UniqueID{Scope: s.scope, RemoteID: remoteID})
	}
	sortIDs(ids)
	return ids
}

// IDs returns the unique ids of every sub-device in the snapshot,
// running or not, sorted.
func (s Snapshot) IDs() []UniqueID {
	ids := make([]UniqueID, 0, len(s.records))
	for remoteID := range s.records {
		ids = append(ids, UniqueID{Scope: s.scope, RemoteID: remoteID})
	}
	sortIDs(ids)
	return ids
}

// Present reports whether the id appears anywhere in the snapshot,
// running or not.
func (s Snapshot) Present(id UniqueID) bool {
	if id.Scope != s.scope {
		return false
	}
	_, ok := s.records[id.RemoteID]
	return ok
}

func sortIDs(ids []UniqueID) {
	sort.Slice(ids, func(i, j int) bool {
		if ids[i].Scope != ids[j].Scope {
			return ids[i].Scope < ids[j].Scope
		}
		return ids[i].RemoteID < ids[j].RemoteID
	})
}
