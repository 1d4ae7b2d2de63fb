package variant

import (
	"encoding/json"

	"github.com/Polqt/crdtsync/internal/clock"
	"github.com/Polqt/crdtsync/internal/crdtcore"
)

// orTag is one add/remove observation attached to a key.
type orTag struct {
	Ts     clock.Timestamp `json:"ts"`
	Active bool            `json:"active"`
}

// ORSet keeps the full history of add/remove tags per key; a key is
// present iff its max-timestamp tag is an add (spec.md §3.2/§4.1.3).
// Merge is plain tag-set union, so the variant never loses information
// concurrent replicas observed.
type ORSet struct {
	tags     map[string][]orTag
	previous map[string][]orTag
}

func NewORSet() *ORSet {
	return &ORSet{tags: make(map[string][]orTag), previous: make(map[string][]orTag)}
}

func (s *ORSet) Name() string { return NameORSet }

func (s *ORSet) Contains(key string) bool {
	tags, ok := s.tags[key]
	if !ok || len(tags) == 0 {
		return false
	}
	return latestTag(tags).Active
}

func (s *ORSet) Weight() int64 {
	var n int64
	for _, tags := range s.tags {
		n += int64(len(tags))
	}
	return n
}

func latestTag(tags []orTag) orTag {
	best := tags[0]
	for _, t := range tags[1:] {
		if t.Ts > best.Ts {
			best = t
		}
	}
	return best
}

func containsTag(tags []orTag, t orTag) bool {
	for _, x := range tags {
		if x == t {
			return true
		}
	}
	return false
}

func appendTag(tags []orTag, t orTag) []orTag {
	if containsTag(tags, t) {
		return tags
	}
	return append(tags, t)
}

type ORSetAddOp struct {
	Key string          `json:"key"`
	Ts  clock.Timestamp `json:"ts"`
}

func (ORSetAddOp) VariantName() string { return NameORSet }
func (ORSetAddOp) Kind() string        { return "add" }

type ORSetRemoveOp struct {
	Key string          `json:"key"`
	Ts  clock.Timestamp `json:"ts"`
}

func (ORSetRemoveOp) VariantName() string { return NameORSet }
func (ORSetRemoveOp) Kind() string        { return "remove" }

type ORSetDelta struct {
	Tags map[string][]orTag `json:"tags"`
}

func (ORSetDelta) VariantName() string { return NameORSet }
func (ORSetDelta) Kind() string        { return "delta" }

func (s *ORSet) Apply(op crdtcore.Operation) error {
	switch o := op.(type) {
	case ORSetAddOp:
		s.tags[o.Key] = appendTag(s.tags[o.Key], orTag{Ts: o.Ts, Active: true})
		return nil
	case ORSetRemoveOp:
		s.tags[o.Key] = appendTag(s.tags[o.Key], orTag{Ts: o.Ts, Active: false})
		return nil
	default:
		return &crdtcore.PayloadTypeMismatchError{Local: s.Name(), Remote: op.VariantName()}
	}
}

func (s *ORSet) Merge(other crdtcore.Variant) error {
	o, ok := other.(*ORSet)
	if !ok {
		return &crdtcore.PayloadTypeMismatchError{Local: s.Name(), Remote: other.Name()}
	}
	for k, tags := range o.tags {
		for _, t := range tags {
			s.tags[k] = appendTag(s.tags[k], t)
		}
	}
	return nil
}

func (s *ORSet) GenerateDelta() crdtcore.Delta {
	d := ORSetDelta{Tags: map[string][]orTag{}}
	for k, tags := range s.tags {
		prev := s.previous[k]
		var fresh []orTag
		for _, t := range tags {
			if !containsTag(prev, t) {
				fresh = append(fresh, t)
			}
		}
		if len(fresh) > 0 {
			d.Tags[k] = fresh
		}
	}
	s.previous = make(map[string][]orTag, len(s.tags))
	for k, tags := range s.tags {
		cp := make([]orTag, len(tags))
		copy(cp, tags)
		s.previous[k] = cp
	}
	return d
}

func (s *ORSet) ApplyDelta(d crdtcore.Delta) error {
	delta, ok := d.(ORSetDelta)
	if !ok {
		return &crdtcore.PayloadTypeMismatchError{Local: s.Name(), Remote: d.VariantName()}
	}
	for k, tags := range delta.Tags {
		for _, t := range tags {
			s.tags[k] = appendTag(s.tags[k], t)
		}
	}
	return nil
}

func (s *ORSet) Clone() crdtcore.Variant {
	clone := NewORSet()
	for k, tags := range s.tags {
		cp := make([]orTag, len(tags))
		copy(cp, tags)
		clone.tags[k] = cp
	}
	for k, tags := range s.previous {
		cp := make([]orTag, len(tags))
		copy(cp, tags)
		clone.previous[k] = cp
	}
	return clone
}

func (s *ORSet) Equal(other crdtcore.Variant) bool {
	o, ok := other.(*ORSet)
	if !ok || len(s.tags) != len(o.tags) {
		return false
	}
	for k, tags := range s.tags {
		otags, ok := o.tags[k]
		if !ok || len(tags) != len(otags) {
			return false
		}
		for _, t := range tags {
			if !containsTag(otags, t) {
				return false
			}
		}
	}
	return true
}

type orsetWire struct {
	Tags map[string][]orTag `json:"tags"`
}

func (s *ORSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(orsetWire{Tags: s.tags})
}

func (s *ORSet) UnmarshalJSON(b []byte) error {
	var w orsetWire
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	if w.Tags == nil {
		w.Tags = map[string][]orTag{}
	}
	s.tags = w.Tags
	s.previous = make(map[string][]orTag)
	return nil
}

func decodeORSetState(raw json.RawMessage) (crdtcore.Variant, error) {
	s := NewORSet()
	if err := json.Unmarshal(raw, s); err != nil {
		return nil, err
	}
	return s, nil
}

func decodeORSetOp(kind string, raw json.RawMessage) (crdtcore.Operation, error) {
	switch kind {
	case "add":
		var op ORSetAddOp
		if err := json.Unmarshal(raw, &op); err != nil {
			return nil, err
		}
		return op, nil
	case "remove":
		var op ORSetRemoveOp
		if err := json.Unmarshal(raw, &op); err != nil {
			return nil, err
		}
		return op, nil
	default:
		return nil, &crdtcore.PayloadTypeMismatchError{Local: NameORSet, Remote: kind}
	}
}

func decodeORSetDelta(kind string, raw json.RawMessage) (crdtcore.Delta, error) {
	if kind != "delta" {
		return nil, &crdtcore.PayloadTypeMismatchError{Local: NameORSet, Remote: kind}
	}
	var d ORSetDelta
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, err
	}
	if d.Tags == nil {
		d.Tags = map[string][]orTag{}
	}
	return d, nil
}

func buildORSetOp(cmd Command, id clock.OpID) (crdtcore.Operation, error) {
	switch cmd.Kind {
	case "insert":
		return ORSetAddOp{Key: cmd.Key, Ts: timestampOf(cmd, id)}, nil
	case "remove":
		return ORSetRemoveOp{Key: cmd.Key, Ts: timestampOf(cmd, id)}, nil
	default:
		return nil, &crdtcore.UnsupportedCommandError{Variant: NameORSet, Command: cmd.Kind}
	}
}

func init() {
	register(NameORSet,
		func() crdtcore.Variant { return NewORSet() },
		decodeORSetState,
		decodeORSetOp,
		decodeORSetDelta,
		buildORSetOp,
	)
}
