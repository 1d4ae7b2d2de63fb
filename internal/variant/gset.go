package variant

import (
	"encoding/json"

	"github.com/Polqt/crdtsync/internal/clock"
	"github.com/Polqt/crdtsync/internal/crdtcore"
)

// GSet is a grow-only set: keys are never removed once added. The
// timestamp records when a key was first seen (spec.md §3.2).
type GSet struct {
	elements map[string]clock.Timestamp
	previous map[string]clock.Timestamp
}

func NewGSet() *GSet {
	return &GSet{elements: make(map[string]clock.Timestamp), previous: make(map[string]clock.Timestamp)}
}

func (s *GSet) Name() string { return NameGSet }

func (s *GSet) Contains(key string) bool {
	_, ok := s.elements[key]
	return ok
}

func (s *GSet) Weight() int64 { return int64(len(s.elements)) }

type GSetInsertOp struct {
	Key string          `json:"key"`
	Ts  clock.Timestamp `json:"ts"`
}

func (GSetInsertOp) VariantName() string { return NameGSet }
func (GSetInsertOp) Kind() string        { return "insert" }

type GSetDelta struct {
	Elements map[string]clock.Timestamp `json:"elements"`
}

func (GSetDelta) VariantName() string { return NameGSet }
func (GSetDelta) Kind() string        { return "delta" }

func (s *GSet) Apply(op crdtcore.Operation) error {
	o, ok := op.(GSetInsertOp)
	if !ok {
		return &crdtcore.PayloadTypeMismatchError{Local: s.Name(), Remote: op.VariantName()}
	}
	if _, present := s.elements[o.Key]; !present {
		s.elements[o.Key] = o.Ts
	}
	return nil
}

func (s *GSet) Merge(other crdtcore.Variant) error {
	o, ok := other.(*GSet)
	if !ok {
		return &crdtcore.PayloadTypeMismatchError{Local: s.Name(), Remote: other.Name()}
	}
	for k, ts := range o.elements {
		if existing, present := s.elements[k]; !present || ts < existing {
			s.elements[k] = ts
		}
	}
	return nil
}

func (s *GSet) GenerateDelta() crdtcore.Delta {
	d := GSetDelta{Elements: make(map[string]clock.Timestamp)}
	for k, ts := range s.elements {
		if _, present := s.previous[k]; !present {
			d.Elements[k] = ts
		}
	}
	s.previous = make(map[string]clock.Timestamp, len(s.elements))
	for k, ts := range s.elements {
		s.previous[k] = ts
	}
	return d
}

func (s *GSet) ApplyDelta(d crdtcore.Delta) error {
	delta, ok := d.(GSetDelta)
	if !ok {
		return &crdtcore.PayloadTypeMismatchError{Local: s.Name(), Remote: d.VariantName()}
	}
	for k, ts := range delta.Elements {
		if existing, present := s.elements[k]; !present || ts < existing {
			s.elements[k] = ts
		}
	}
	return nil
}

func (s *GSet) Clone() crdtcore.Variant {
	clone := NewGSet()
	for k, ts := range s.elements {
		clone.elements[k] = ts
	}
	for k, ts := range s.previous {
		clone.previous[k] = ts
	}
	return clone
}

func (s *GSet) Equal(other crdtcore.Variant) bool {
	o, ok := other.(*GSet)
	if !ok || len(s.elements) != len(o.elements) {
		return false
	}
	for k := range s.elements {
		if _, present := o.elements[k]; !present {
			return false
		}
	}
	return true
}

type gsetWire struct {
	Elements map[string]clock.Timestamp `json:"elements"`
}

func (s *GSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(gsetWire{Elements: s.elements})
}

func (s *GSet) UnmarshalJSON(b []byte) error {
	var w gsetWire
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	if w.Elements == nil {
		w.Elements = map[string]clock.Timestamp{}
	}
	s.elements = w.Elements
	s.previous = make(map[string]clock.Timestamp)
	return nil
}

func decodeGSetState(raw json.RawMessage) (crdtcore.Variant, error) {
	s := NewGSet()
	if err := json.Unmarshal(raw, s); err != nil {
		return nil, err
	}
	return s, nil
}

func decodeGSetOp(kind string, raw json.RawMessage) (crdtcore.Operation, error) {
	if kind != "insert" {
		return nil, &crdtcore.PayloadTypeMismatchError{Local: NameGSet, Remote: kind}
	}
	var op GSetInsertOp
	if err := json.Unmarshal(raw, &op); err != nil {
		return nil, err
	}
	return op, nil
}

func decodeGSetDelta(kind string, raw json.RawMessage) (crdtcore.Delta, error) {
	if kind != "delta" {
		return nil, &crdtcore.PayloadTypeMismatchError{Local: NameGSet, Remote: kind}
	}
	var d GSetDelta
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, err
	}
	if d.Elements == nil {
		d.Elements = map[string]clock.Timestamp{}
	}
	return d, nil
}

func buildGSetOp(cmd Command, id clock.OpID) (crdtcore.Operation, error) {
	if cmd.Kind != "insert" {
		return nil, &crdtcore.UnsupportedCommandError{Variant: NameGSet, Command: cmd.Kind}
	}
	return GSetInsertOp{Key: cmd.Key, Ts: timestampOf(cmd, id)}, nil
}

func init() {
	register(NameGSet,
		func() crdtcore.Variant { return NewGSet() },
		decodeGSetState,
		decodeGSetOp,
		decodeGSetDelta,
		buildGSetOp,
	)
}
