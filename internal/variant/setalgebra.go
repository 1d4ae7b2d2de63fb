package variant

import "github.com/Polqt/crdtsync/internal/clock"

// addRemoveState is the shared shape behind AWSet and RWSet (spec.md
// §3.2/§4.1.3): a key is "present" if it has a live add-timestamp not
// shadowed by a later (or, for add-wins, equally-timed) remove.
type addRemoveState struct {
	added   map[string]clock.Timestamp
	removed map[string]clock.Timestamp
}

func newAddRemoveState() addRemoveState {
	return addRemoveState{added: map[string]clock.Timestamp{}, removed: map[string]clock.Timestamp{}}
}

// insert applies an add-wins-flavored insert: a removal is only undone
// by a later-or-equal add timestamp when addWins is true (AWSet); RWSet
// requires a strictly later add.
func (s *addRemoveState) insert(key string, ts clock.Timestamp, addWins bool) {
	if removeTs, removedPresent := s.removed[key]; removedPresent {
		win := ts > removeTs || (addWins && ts == removeTs)
		if win {
			delete(s.removed, key)
			s.added[key] = ts
		}
		return
	}
	if cur, ok := s.added[key]; !ok || ts > cur {
		s.added[key] = ts
	}
}

// remove applies a remove-wins-flavored removal: it takes effect over
// an existing add only when ts is later, or (for RWSet) equally timed.
func (s *addRemoveState) remove(key string, ts clock.Timestamp, removeWins bool) {
	if addTs, present := s.added[key]; present {
		win := ts > addTs || (removeWins && ts == addTs)
		if win {
			delete(s.added, key)
			s.removed[key] = ts
		}
		return
	}
	if cur, ok := s.removed[key]; !ok || ts > cur {
		s.removed[key] = ts
	}
}

// merge joins another addRemoveState in, comparing the winning add
// timestamp against the winning remove timestamp per key: the larger
// wins, ties resolved by addWins.
func (s *addRemoveState) merge(other addRemoveState, addWins bool) {
	keys := make(map[string]struct{}, len(s.added)+len(s.removed)+len(other.added)+len(other.removed))
	for k := range s.added {
		keys[k] = struct{}{}
	}
	for k := range s.removed {
		keys[k] = struct{}{}
	}
	for k := range other.added {
		keys[k] = struct{}{}
	}
	for k := range other.removed {
		keys[k] = struct{}{}
	}
	for k := range keys {
		addTs, hasAdd := maxTs(s.added[k], s.addedOK(k), other.added[k], other.addedOK(k))
		removeTs, hasRemove := maxTs(s.removed[k], s.removedOK(k), other.removed[k], other.removedOK(k))
		switch {
		case hasAdd && !hasRemove:
			s.added[k] = addTs
			delete(s.removed, k)
		case !hasAdd && hasRemove:
			s.removed[k] = removeTs
			delete(s.added, k)
		case hasAdd && hasRemove:
			win := addTs > removeTs || (addWins && addTs == removeTs)
			if win {
				s.added[k] = addTs
				delete(s.removed, k)
			} else {
				s.removed[k] = removeTs
				delete(s.added, k)
			}
		default:
			delete(s.added, k)
			delete(s.removed, k)
		}
	}
}

func (s *addRemoveState) addedOK(k string) bool    { _, ok := s.added[k]; return ok }
func (s *addRemoveState) removedOK(k string) bool  { _, ok := s.removed[k]; return ok }

func maxTs(a clock.Timestamp, aOK bool, b clock.Timestamp, bOK bool) (clock.Timestamp, bool) {
	switch {
	case aOK && bOK:
		if a >= b {
			return a, true
		}
		return b, true
	case aOK:
		return a, true
	case bOK:
		return b, true
	default:
		return 0, false
	}
}

// present reports whether key is a live member.
func (s *addRemoveState) present(key string) bool {
	_, ok := s.added[key]
	return ok
}

// deltaSince returns the subset of added/removed entries whose
// timestamp strictly exceeds the snapshot's, or is new (spec.md §4.1.5).
func (s *addRemoveState) deltaSince(snapshot addRemoveState) addRemoveState {
	d := newAddRemoveState()
	for k, ts := range s.added {
		if since, ok := snapshot.added[k]; !ok || ts > since {
			d.added[k] = ts
		}
	}
	for k, ts := range s.removed {
		if since, ok := snapshot.removed[k]; !ok || ts > since {
			d.removed[k] = ts
		}
	}
	return d
}

func (s *addRemoveState) snapshot() addRemoveState {
	clone := newAddRemoveState()
	for k, ts := range s.added {
		clone.added[k] = ts
	}
	for k, ts := range s.removed {
		clone.removed[k] = ts
	}
	return clone
}

func (s *addRemoveState) equal(other addRemoveState) bool {
	if len(s.added) != len(other.added) || len(s.removed) != len(other.removed) {
		return false
	}
	for k, ts := range s.added {
		if other.added[k] != ts {
			return false
		}
	}
	for k, ts := range s.removed {
		if other.removed[k] != ts {
			return false
		}
	}
	return true
}
