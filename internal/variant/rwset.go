package variant

import (
	"encoding/json"

	"github.com/Polqt/crdtsync/internal/clock"
	"github.com/Polqt/crdtsync/internal/crdtcore"
)

// RWSet is a remove-wins observed-remove set: on a concurrent add/remove
// tie, the element is absent (spec.md §3.2/§4.1.3) — the mirror image of
// AWSet built on the same addRemoveState algebra.
type RWSet struct {
	state    addRemoveState
	previous addRemoveState
}

func NewRWSet() *RWSet {
	return &RWSet{state: newAddRemoveState(), previous: newAddRemoveState()}
}

func (s *RWSet) Name() string            { return NameRWSet }
func (s *RWSet) Contains(key string) bool { return s.state.present(key) }
func (s *RWSet) Weight() int64            { return int64(len(s.state.added) + len(s.state.removed)) }

type RWSetAddOp struct {
	Key string          `json:"key"`
	Ts  clock.Timestamp `json:"ts"`
}

func (RWSetAddOp) VariantName() string { return NameRWSet }
func (RWSetAddOp) Kind() string        { return "add" }

type RWSetRemoveOp struct {
	Key string          `json:"key"`
	Ts  clock.Timestamp `json:"ts"`
}

func (RWSetRemoveOp) VariantName() string { return NameRWSet }
func (RWSetRemoveOp) Kind() string        { return "remove" }

type RWSetDelta struct {
	Added   map[string]clock.Timestamp `json:"added"`
	Removed map[string]clock.Timestamp `json:"removed"`
}

func (RWSetDelta) VariantName() string { return NameRWSet }
func (RWSetDelta) Kind() string        { return "delta" }

func (s *RWSet) Apply(op crdtcore.Operation) error {
	switch o := op.(type) {
	case RWSetAddOp:
		s.state.insert(o.Key, o.Ts, false)
		return nil
	case RWSetRemoveOp:
		s.state.remove(o.Key, o.Ts, true)
		return nil
	default:
		return &crdtcore.PayloadTypeMismatchError{Local: s.Name(), Remote: op.VariantName()}
	}
}

func (s *RWSet) Merge(other crdtcore.Variant) error {
	o, ok := other.(*RWSet)
	if !ok {
		return &crdtcore.PayloadTypeMismatchError{Local: s.Name(), Remote: other.Name()}
	}
	s.state.merge(o.state, false)
	return nil
}

func (s *RWSet) GenerateDelta() crdtcore.Delta {
	d := s.state.deltaSince(s.previous)
	s.previous = s.state.snapshot()
	return RWSetDelta{Added: d.added, Removed: d.removed}
}

func (s *RWSet) ApplyDelta(d crdtcore.Delta) error {
	delta, ok := d.(RWSetDelta)
	if !ok {
		return &crdtcore.PayloadTypeMismatchError{Local: s.Name(), Remote: d.VariantName()}
	}
	s.state.merge(addRemoveState{added: delta.Added, removed: delta.Removed}, false)
	return nil
}

func (s *RWSet) Clone() crdtcore.Variant {
	return &RWSet{state: s.state.snapshot(), previous: s.previous.snapshot()}
}

func (s *RWSet) Equal(other crdtcore.Variant) bool {
	o, ok := other.(*RWSet)
	if !ok {
		return false
	}
	return s.state.equal(o.state)
}

type rwsetWire struct {
	Added   map[string]clock.Timestamp `json:"added"`
	Removed map[string]clock.Timestamp `json:"removed"`
}

func (s *RWSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(rwsetWire{Added: s.state.added, Removed: s.state.removed})
}

func (s *RWSet) UnmarshalJSON(b []byte) error {
	var w rwsetWire
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	if w.Added == nil {
		w.Added = map[string]clock.Timestamp{}
	}
	if w.Removed == nil {
		w.Removed = map[string]clock.Timestamp{}
	}
	s.state = addRemoveState{added: w.Added, removed: w.Removed}
	s.previous = newAddRemoveState()
	return nil
}

func decodeRWSetState(raw json.RawMessage) (crdtcore.Variant, error) {
	s := NewRWSet()
	if err := json.Unmarshal(raw, s); err != nil {
		return nil, err
	}
	return s, nil
}

func decodeRWSetOp(kind string, raw json.RawMessage) (crdtcore.Operation, error) {
	switch kind {
	case "add":
		var op RWSetAddOp
		if err := json.Unmarshal(raw, &op); err != nil {
			return nil, err
		}
		return op, nil
	case "remove":
		var op RWSetRemoveOp
		if err := json.Unmarshal(raw, &op); err != nil {
			return nil, err
		}
		return op, nil
	default:
		return nil, &crdtcore.PayloadTypeMismatchError{Local: NameRWSet, Remote: kind}
	}
}

func decodeRWSetDelta(kind string, raw json.RawMessage) (crdtcore.Delta, error) {
	if kind != "delta" {
		return nil, &crdtcore.PayloadTypeMismatchError{Local: NameRWSet, Remote: kind}
	}
	var d RWSetDelta
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, err
	}
	if d.Added == nil {
		d.Added = map[string]clock.Timestamp{}
	}
	if d.Removed == nil {
		d.Removed = map[string]clock.Timestamp{}
	}
	return d, nil
}

func buildRWSetOp(cmd Command, id clock.OpID) (crdtcore.Operation, error) {
	switch cmd.Kind {
	case "insert":
		return RWSetAddOp{Key: cmd.Key, Ts: timestampOf(cmd, id)}, nil
	case "remove":
		return RWSetRemoveOp{Key: cmd.Key, Ts: timestampOf(cmd, id)}, nil
	default:
		return nil, &crdtcore.UnsupportedCommandError{Variant: NameRWSet, Command: cmd.Kind}
	}
}

func init() {
	register(NameRWSet,
		func() crdtcore.Variant { return NewRWSet() },
		decodeRWSetState,
		decodeRWSetOp,
		decodeRWSetDelta,
		buildRWSetOp,
	)
}
