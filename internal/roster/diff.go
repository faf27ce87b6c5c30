package roster

// Actions is the outcome of one reconciliation pass: registrations to
// create and registrations to tear down. The two lists are disjoint.
type Actions struct {
	Add    []UniqueID
	Remove []UniqueID
}

// Empty reports whether the pass produced no work.
func (a Actions) Empty() bool {
	return len(a.Add) == 0 && len(a.Remove) == 0
}

// Diff computes the add/remove actions that bring the registered set in
// line with a roster snapshot:
//
//   - ids running in the snapshot but not registered are added
//   - ids registered but absent from the snapshot entirely are removed
//   - ids present but not running are left alone: the entity stays
//     registered and merely becomes unavailable
//
// Absence removes, unavailability does not. Diff is a pure function;
// reconciling twice against an unchanged snapshot yields empty actions
// the second time. Output order is deterministic.
func Diff(snap Snapshot, current map[UniqueID]struct{}) Actions {
	var actions Actions

	for _, id := range snap.Desired() {
		if _, ok := current[id]; !ok {
			actions.Add = append(actions.Add, id)
		}
	}

	for id := range current {
		if !snap.Present(id) {
			actions.Remove = append(actions.Remove, id)
		}
	}
	sortIDs(actions.Remove)

	return actions
}
