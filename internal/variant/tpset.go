package variant

import (
	"encoding/json"

	"github.com/Polqt/crdtsync/internal/clock"
	"github.com/Polqt/crdtsync/internal/crdtcore"
)

// DefaultTPThreshold is the majority-ack threshold an element's count of
// distinct acks must exceed before it retires from MarkedForRemoval
// (4 acks at the default). spec.md §4.1.3 leaves the exact number
// to the implementer and notes the source used 3.
const DefaultTPThreshold = 3

type tpState int

const (
	tpActive tpState = iota
	tpMarked
	tpRemoved
)

type tpElement struct {
	Ts    clock.Timestamp `json:"ts"`
	State tpState         `json:"state"`
}

type tpCandidate struct {
	Ts   clock.Timestamp            `json:"ts"`
	Acks map[clock.ReplicaID]struct{} `json:"-"`
}

// TPSet is the two-phase set: Active elements move to MarkedForRemoval
// on a local prepare_remove, then to Removed once a majority of peers
// commit_remove. Removed is terminal: tombstones never garbage-collect
// and never re-admit the key (spec.md §3.2/§4.1.3).
type TPSet struct {
	elements          map[string]tpElement
	tombstones        map[string]clock.Timestamp
	removalCandidates map[string]*tpCandidate
	previous          map[string]tpElement
	prevTombs         map[string]clock.Timestamp
	threshold         int
}

func NewTPSet() *TPSet {
	return &TPSet{
		elements:          make(map[string]tpElement),
		tombstones:        make(map[string]clock.Timestamp),
		removalCandidates: make(map[string]*tpCandidate),
		previous:          make(map[string]tpElement),
		prevTombs:         make(map[string]clock.Timestamp),
		threshold:         DefaultTPThreshold,
	}
}

func (s *TPSet) Name() string { return NameTPSet }

// SetThreshold overrides the majority-ack threshold a pending removal's
// count of distinct acks must exceed before it retires. Only meaningful before any commit_remove has been
// applied; callers set it right after construction.
func (s *TPSet) SetThreshold(n int) {
	if n > 0 {
		s.threshold = n
	}
}

func (s *TPSet) Contains(key string) bool {
	e, ok := s.elements[key]
	return ok && e.State != tpRemoved
}

func (s *TPSet) Weight() int64 {
	return int64(len(s.elements))
}

type TPSetInsertOp struct {
	Key string          `json:"key"`
	Ts  clock.Timestamp `json:"ts"`
}

func (TPSetInsertOp) VariantName() string { return NameTPSet }
func (TPSetInsertOp) Kind() string        { return "insert" }

type TPSetPrepareRemoveOp struct {
	Key string          `json:"key"`
	Ts  clock.Timestamp `json:"ts"`
}

func (TPSetPrepareRemoveOp) VariantName() string { return NameTPSet }
func (TPSetPrepareRemoveOp) Kind() string        { return "prepare_remove" }

type TPSetCommitRemoveOp struct {
	Key     string          `json:"key"`
	Replica clock.ReplicaID `json:"replica"`
	Ts      clock.Timestamp `json:"ts"`
}

func (TPSetCommitRemoveOp) VariantName() string { return NameTPSet }
func (TPSetCommitRemoveOp) Kind() string        { return "commit_remove" }

type TPSetDelta struct {
	Elements          map[string]tpElement       `json:"elements"`
	Tombstones        map[string]clock.Timestamp `json:"tombstones"`
	RemovalCandidates map[string]tpCandidateWire `json:"removal_candidates"`
}

func (TPSetDelta) VariantName() string { return NameTPSet }
func (TPSetDelta) Kind() string        { return "delta" }

type tpCandidateWire struct {
	Ts   clock.Timestamp   `json:"ts"`
	Acks []clock.ReplicaID `json:"acks"`
}

func (s *TPSet) Apply(op crdtcore.Operation) error {
	switch o := op.(type) {
	case TPSetInsertOp:
		if _, tombstoned := s.tombstones[o.Key]; tombstoned {
			return nil
		}
		if existing, ok := s.elements[o.Key]; !ok {
			s.elements[o.Key] = tpElement{Ts: o.Ts, State: tpActive}
		} else if existing.State != tpRemoved && o.Ts > existing.Ts {
			s.elements[o.Key] = tpElement{Ts: o.Ts, State: existing.State}
		}
		return nil
	case TPSetPrepareRemoveOp:
		existing, ok := s.elements[o.Key]
		if !ok || existing.State != tpActive {
			return nil
		}
		s.elements[o.Key] = tpElement{Ts: o.Ts, State: tpMarked}
		s.removalCandidates[o.Key] = &tpCandidate{Ts: o.Ts, Acks: map[clock.ReplicaID]struct{}{}}
		return nil
	case TPSetCommitRemoveOp:
		s.commitRemove(o.Key, o.Replica, o.Ts)
		return nil
	default:
		return &crdtcore.PayloadTypeMismatchError{Local: s.Name(), Remote: op.VariantName()}
	}
}

func (s *TPSet) commitRemove(key string, replica clock.ReplicaID, ts clock.Timestamp) {
	cand, ok := s.removalCandidates[key]
	if !ok {
		cand = &tpCandidate{Ts: ts, Acks: map[clock.ReplicaID]struct{}{}}
		s.removalCandidates[key] = cand
	}
	cand.Acks[replica] = struct{}{}
	if ts > cand.Ts {
		cand.Ts = ts
	}
	if len(cand.Acks) > s.threshold {
		s.elements[key] = tpElement{Ts: cand.Ts, State: tpRemoved}
		s.tombstones[key] = cand.Ts
		delete(s.removalCandidates, key)
	}
}

func (s *TPSet) Merge(other crdtcore.Variant) error {
	o, ok := other.(*TPSet)
	if !ok {
		return &crdtcore.PayloadTypeMismatchError{Local: s.Name(), Remote: other.Name()}
	}
	for k, ts := range o.tombstones {
		if cur, ok := s.tombstones[k]; !ok || ts > cur {
			s.tombstones[k] = ts
		}
	}
	for k, e := range o.elements {
		existing, ok := s.elements[k]
		if !ok || statePrecedence(e.State) > statePrecedence(existing.State) ||
			(e.State == existing.State && e.Ts > existing.Ts) {
			s.elements[k] = e
		}
	}
	for k, cand := range o.removalCandidates {
		mine, ok := s.removalCandidates[k]
		if !ok {
			mine = &tpCandidate{Ts: cand.Ts, Acks: map[clock.ReplicaID]struct{}{}}
			s.removalCandidates[k] = mine
		}
		for r := range cand.Acks {
			mine.Acks[r] = struct{}{}
		}
		if cand.Ts > mine.Ts {
			mine.Ts = cand.Ts
		}
		if len(mine.Acks) > s.threshold {
			if existing, ok := s.elements[k]; !ok || existing.State != tpRemoved {
				s.elements[k] = tpElement{Ts: mine.Ts, State: tpRemoved}
			}
			s.tombstones[k] = mine.Ts
			delete(s.removalCandidates, k)
		}
	}
	for k := range s.elements {
		if _, tombstoned := s.tombstones[k]; tombstoned {
			e := s.elements[k]
			e.State = tpRemoved
			s.elements[k] = e
			delete(s.removalCandidates, k)
		}
	}
	return nil
}

func statePrecedence(st tpState) int {
	switch st {
	case tpRemoved:
		return 2
	case tpMarked:
		return 1
	default:
		return 0
	}
}

func (s *TPSet) GenerateDelta() crdtcore.Delta {
	d := TPSetDelta{
		Elements:          map[string]tpElement{},
		Tombstones:        map[string]clock.Timestamp{},
		RemovalCandidates: map[string]tpCandidateWire{},
	}
	for k, e := range s.elements {
		prev, ok := s.previous[k]
		if !ok || e.State != prev.State || e.Ts > prev.Ts {
			d.Elements[k] = e
		}
	}
	for k, ts := range s.tombstones {
		if _, ok := s.prevTombs[k]; !ok {
			d.Tombstones[k] = ts
		}
	}
	for k, cand := range s.removalCandidates {
		acks := make([]clock.ReplicaID, 0, len(cand.Acks))
		for r := range cand.Acks {
			acks = append(acks, r)
		}
		sortReplicaIDs(acks)
		d.RemovalCandidates[k] = tpCandidateWire{Ts: cand.Ts, Acks: acks}
	}
	s.previous = make(map[string]tpElement, len(s.elements))
	for k, e := range s.elements {
		s.previous[k] = e
	}
	s.prevTombs = make(map[string]clock.Timestamp, len(s.tombstones))
	for k, ts := range s.tombstones {
		s.prevTombs[k] = ts
	}
	return d
}

func (s *TPSet) ApplyDelta(d crdtcore.Delta) error {
	delta, ok := d.(TPSetDelta)
	if !ok {
		return &crdtcore.PayloadTypeMismatchError{Local: s.Name(), Remote: d.VariantName()}
	}
	other := NewTPSet()
	for k, e := range delta.Elements {
		other.elements[k] = e
	}
	for k, ts := range delta.Tombstones {
		other.tombstones[k] = ts
	}
	for k, w := range delta.RemovalCandidates {
		cand := &tpCandidate{Ts: w.Ts, Acks: map[clock.ReplicaID]struct{}{}}
		for _, r := range w.Acks {
			cand.Acks[r] = struct{}{}
		}
		other.removalCandidates[k] = cand
	}
	return s.Merge(other)
}

func (s *TPSet) Clone() crdtcore.Variant {
	clone := NewTPSet()
	clone.threshold = s.threshold
	for k, e := range s.elements {
		clone.elements[k] = e
	}
	for k, ts := range s.tombstones {
		clone.tombstones[k] = ts
	}
	for k, cand := range s.removalCandidates {
		c := &tpCandidate{Ts: cand.Ts, Acks: map[clock.ReplicaID]struct{}{}}
		for r := range cand.Acks {
			c.Acks[r] = struct{}{}
		}
		clone.removalCandidates[k] = c
	}
	for k, e := range s.previous {
		clone.previous[k] = e
	}
	for k, ts := range s.prevTombs {
		clone.prevTombs[k] = ts
	}
	return clone
}

func (s *TPSet) Equal(other crdtcore.Variant) bool {
	o, ok := other.(*TPSet)
	if !ok || len(s.elements) != len(o.elements) {
		return false
	}
	for k, e := range s.elements {
		if o.elements[k] != e {
			return false
		}
	}
	return true
}

type tpsetWire struct {
	Elements          map[string]tpElement       `json:"elements"`
	Tombstones        map[string]clock.Timestamp `json:"tombstones"`
	RemovalCandidates map[string]tpCandidateWire `json:"removal_candidates"`
	Threshold         int                        `json:"threshold"`
}

func (s *TPSet) MarshalJSON() ([]byte, error) {
	w := tpsetWire{Elements: s.elements, Tombstones: s.tombstones, Threshold: s.threshold,
		RemovalCandidates: map[string]tpCandidateWire{}}
	for k, cand := range s.removalCandidates {
		acks := make([]clock.ReplicaID, 0, len(cand.Acks))
		for r := range cand.Acks {
			acks = append(acks, r)
		}
		sortReplicaIDs(acks)
		w.RemovalCandidates[k] = tpCandidateWire{Ts: cand.Ts, Acks: acks}
	}
	return json.Marshal(w)
}

func (s *TPSet) UnmarshalJSON(b []byte) error {
	var w tpsetWire
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	s.elements = w.Elements
	if s.elements == nil {
		s.elements = map[string]tpElement{}
	}
	s.tombstones = w.Tombstones
	if s.tombstones == nil {
		s.tombstones = map[string]clock.Timestamp{}
	}
	s.removalCandidates = map[string]*tpCandidate{}
	for k, cw := range w.RemovalCandidates {
		cand := &tpCandidate{Ts: cw.Ts, Acks: map[clock.ReplicaID]struct{}{}}
		for _, r := range cw.Acks {
			cand.Acks[r] = struct{}{}
		}
		s.removalCandidates[k] = cand
	}
	s.previous = map[string]tpElement{}
	s.prevTombs = map[string]clock.Timestamp{}
	s.threshold = w.Threshold
	if s.threshold == 0 {
		s.threshold = DefaultTPThreshold
	}
	return nil
}

func decodeTPSetState(raw json.RawMessage) (crdtcore.Variant, error) {
	s := NewTPSet()
	if err := json.Unmarshal(raw, s); err != nil {
		return nil, err
	}
	return s, nil
}

func decodeTPSetOp(kind string, raw json.RawMessage) (crdtcore.Operation, error) {
	switch kind {
	case "insert":
		var op TPSetInsertOp
		if err := json.Unmarshal(raw, &op); err != nil {
			return nil, err
		}
		return op, nil
	case "prepare_remove":
		var op TPSetPrepareRemoveOp
		if err := json.Unmarshal(raw, &op); err != nil {
			return nil, err
		}
		return op, nil
	case "commit_remove":
		var op TPSetCommitRemoveOp
		if err := json.Unmarshal(raw, &op); err != nil {
			return nil, err
		}
		return op, nil
	default:
		return nil, &crdtcore.PayloadTypeMismatchError{Local: NameTPSet, Remote: kind}
	}
}

func decodeTPSetDelta(kind string, raw json.RawMessage) (crdtcore.Delta, error) {
	if kind != "delta" {
		return nil, &crdtcore.PayloadTypeMismatchError{Local: NameTPSet, Remote: kind}
	}
	var d TPSetDelta
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, err
	}
	if d.Elements == nil {
		d.Elements = map[string]tpElement{}
	}
	if d.Tombstones == nil {
		d.Tombstones = map[string]clock.Timestamp{}
	}
	if d.RemovalCandidates == nil {
		d.RemovalCandidates = map[string]tpCandidateWire{}
	}
	return d, nil
}

func buildTPSetOp(cmd Command, id clock.OpID) (crdtcore.Operation, error) {
	switch cmd.Kind {
	case "insert":
		return TPSetInsertOp{Key: cmd.Key, Ts: timestampOf(cmd, id)}, nil
	case "prepare_remove":
		return TPSetPrepareRemoveOp{Key: cmd.Key, Ts: timestampOf(cmd, id)}, nil
	case "commit_remove":
		return TPSetCommitRemoveOp{Key: cmd.Key, Replica: id.Replica, Ts: timestampOf(cmd, id)}, nil
	default:
		return nil, &crdtcore.UnsupportedCommandError{Variant: NameTPSet, Command: cmd.Kind}
	}
}

func init() {
	register(NameTPSet,
		func() crdtcore.Variant { return NewTPSet() },
		decodeTPSetState,
		decodeTPSetOp,
		decodeTPSetDelta,
		buildTPSetOp,
	)
}
