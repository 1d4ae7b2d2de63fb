package variant

import (
	"encoding/json"

	"github.com/Polqt/crdtsync/internal/clock"
	"github.com/Polqt/crdtsync/internal/crdtcore"
)

// AWSet is an add-wins observed-remove set: on a concurrent add/remove
// tie, the element is present (spec.md §3.2/§4.1.3).
type AWSet struct {
	state    addRemoveState
	previous addRemoveState
}

func NewAWSet() *AWSet {
	return &AWSet{state: newAddRemoveState(), previous: newAddRemoveState()}
}

func (s *AWSet) Name() string            { return NameAWSet }
func (s *AWSet) Contains(key string) bool { return s.state.present(key) }
func (s *AWSet) Weight() int64           { return int64(len(s.state.added) + len(s.state.removed)) }

type AWSetAddOp struct {
	Key string          `json:"key"`
	Ts  clock.Timestamp `json:"ts"`
}

func (AWSetAddOp) VariantName() string { return NameAWSet }
func (AWSetAddOp) Kind() string        { return "add" }

type AWSetRemoveOp struct {
	Key string          `json:"key"`
	Ts  clock.Timestamp `json:"ts"`
}

func (AWSetRemoveOp) VariantName() string { return NameAWSet }
func (AWSetRemoveOp) Kind() string        { return "remove" }

type AWSetDelta struct {
	Added   map[string]clock.Timestamp `json:"added"`
	Removed map[string]clock.Timestamp `json:"removed"`
}

func (AWSetDelta) VariantName() string { return NameAWSet }
func (AWSetDelta) Kind() string        { return "delta" }

func (s *AWSet) Apply(op crdtcore.Operation) error {
	switch o := op.(type) {
	case AWSetAddOp:
		s.state.insert(o.Key, o.Ts, true)
		return nil
	case AWSetRemoveOp:
		s.state.remove(o.Key, o.Ts, false)
		return nil
	default:
		return &crdtcore.PayloadTypeMismatchError{Local: s.Name(), Remote: op.VariantName()}
	}
}

func (s *AWSet) Merge(other crdtcore.Variant) error {
	o, ok := other.(*AWSet)
	if !ok {
		return &crdtcore.PayloadTypeMismatchError{Local: s.Name(), Remote: other.Name()}
	}
	s.state.merge(o.state, true)
	return nil
}

func (s *AWSet) GenerateDelta() crdtcore.Delta {
	d := s.state.deltaSince(s.previous)
	s.previous = s.state.snapshot()
	return AWSetDelta{Added: d.added, Removed: d.removed}
}

func (s *AWSet) ApplyDelta(d crdtcore.Delta) error {
	delta, ok := d.(AWSetDelta)
	if !ok {
		return &crdtcore.PayloadTypeMismatchError{Local: s.Name(), Remote: d.VariantName()}
	}
	s.state.merge(addRemoveState{added: delta.Added, removed: delta.Removed}, true)
	return nil
}

func (s *AWSet) Clone() crdtcore.Variant {
	return &AWSet{state: s.state.snapshot(), previous: s.previous.snapshot()}
}

func (s *AWSet) Equal(other crdtcore.Variant) bool {
	o, ok := other.(*AWSet)
	if !ok {
		return false
	}
	return s.state.equal(o.state)
}

type awsetWire struct {
	Added   map[string]clock.Timestamp `json:"added"`
	Removed map[string]clock.Timestamp `json:"removed"`
}

func (s *AWSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(awsetWire{Added: s.state.added, Removed: s.state.removed})
}

func (s *AWSet) UnmarshalJSON(b []byte) error {
	var w awsetWire
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

func decodeAWSetState(raw json.RawMessage) (crdtcore.Variant, error) {
	s := NewAWSet()
	if err := json.Unmarshal(raw, s); err != nil {
		return nil, err
	}
	return s, nil
}

func decodeAWSetOp(kind string, raw json.RawMessage) (crdtcore.Operation, error) {
	switch kind {
	case "add":
		var op AWSetAddOp
		if err := json.Unmarshal(raw, &op); err != nil {
			return nil, err
		}
		return op, nil
	case "remove":
		var op AWSetRemoveOp
		if err := json.Unmarshal(raw, &op); err != nil {
			return nil, err
		}
		return op, nil
	default:
		return nil, &crdtcore.PayloadTypeMismatchError{Local: NameAWSet, Remote: kind}
	}
}

func decodeAWSetDelta(kind string, raw json.RawMessage) (crdtcore.Delta, error) {
	if kind != "delta" {
		return nil, &crdtcore.PayloadTypeMismatchError{Local: NameAWSet, Remote: kind}
	}
	var d AWSetDelta
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

func buildAWSetOp(cmd Command, id clock.OpID) (crdtcore.Operation, error) {
	switch cmd.Kind {
	case "insert":
		return AWSetAddOp{Key: cmd.Key, Ts: timestampOf(cmd, id)}, nil
	case "remove":
		return AWSetRemoveOp{Key: cmd.Key, Ts: timestampOf(cmd, id)}, nil
	default:
		return nil, &crdtcore.UnsupportedCommandError{Variant: NameAWSet, Command: cmd.Kind}
	}
}

func init() {
	register(NameAWSet,
		func() crdtcore.Variant { return NewAWSet() },
		decodeAWSetState,
		decodeAWSetOp,
		decodeAWSetDelta,
		buildAWSetOp,
	)
}
