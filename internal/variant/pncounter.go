package variant

import (
	"encoding/json"

	"github.com/Polqt/crdtsync/internal/clock"
	"github.com/Polqt/crdtsync/internal/crdtcore"
)

// PNCounter supports both increment and decrement without conflict by
// keeping two GCounter-shaped mappings, p and n. Value = Sum(p) -
// Sum(n) (spec.md §3.2/§4.1.1).
type PNCounter struct {
	p, n       map[string]uint64
	applied    map[clock.OpID]struct{}
	previousP  map[string]uint64
	previousN  map[string]uint64
}

func NewPNCounter() *PNCounter {
	return &PNCounter{
		p:         make(map[string]uint64),
		n:         make(map[string]uint64),
		applied:   make(map[clock.OpID]struct{}),
		previousP: make(map[string]uint64),
		previousN: make(map[string]uint64),
	}
}

func (c *PNCounter) Name() string { return NamePNCounter }

// Value returns the signed sum Sum(p) - Sum(n).
func (c *PNCounter) Value() int64 {
	var sp, sn uint64
	for _, v := range c.p {
		sp += v
	}
	for _, v := range c.n {
		sn += v
	}
	return int64(sp) - int64(sn)
}

func (c *PNCounter) Weight() int64 {
	var total uint64
	for _, v := range c.p {
		total += v
	}
	for _, v := range c.n {
		total += v
	}
	return int64(total)
}

func copyU64Map(m map[string]uint64) map[string]uint64 {
	out := make(map[string]uint64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// PNCounterOp increments or decrements a key. ID is the applied-op
// identity that makes Apply idempotent; spec.md §9 notes applied_ops
// grows unboundedly and is never pruned by this design (Open Question).
type PNCounterOp struct {
	ID        clock.OpID `json:"id"`
	Key       string     `json:"key"`
	Decrement bool       `json:"decrement"`
}

func (PNCounterOp) VariantName() string { return NamePNCounter }
func (PNCounterOp) Kind() string        { return "op" }

// PNCounterBatchOp sums buffered increments/decrements per key.
type PNCounterBatchOp struct {
	P map[string]uint64 `json:"p"`
	N map[string]uint64 `json:"n"`
}

func (PNCounterBatchOp) VariantName() string { return NamePNCounter }
func (PNCounterBatchOp) Kind() string        { return "batch" }

// PNCounterDelta carries the grown subset of both p and n.
type PNCounterDelta struct {
	P map[string]uint64 `json:"p"`
	N map[string]uint64 `json:"n"`
}

func (PNCounterDelta) VariantName() string { return NamePNCounter }
func (PNCounterDelta) Kind() string        { return "delta" }

func (c *PNCounter) Apply(op crdtcore.Operation) error {
	switch o := op.(type) {
	case PNCounterOp:
		if _, seen := c.applied[o.ID]; seen {
			return nil
		}
		if o.Decrement {
			c.n[o.Key]++
		} else {
			c.p[o.Key]++
		}
		c.applied[o.ID] = struct{}{}
		return nil
	case PNCounterBatchOp:
		for k, v := range o.P {
			c.p[k] += v
		}
		for k, v := range o.N {
			c.n[k] += v
		}
		return nil
	default:
		return &crdtcore.PayloadTypeMismatchError{Local: c.Name(), Remote: op.VariantName()}
	}
}

func (c *PNCounter) Merge(other crdtcore.Variant) error {
	o, ok := other.(*PNCounter)
	if !ok {
		return &crdtcore.PayloadTypeMismatchError{Local: c.Name(), Remote: other.Name()}
	}
	for k, v := range o.p {
		if v > c.p[k] {
			c.p[k] = v
		}
	}
	for k, v := range o.n {
		if v > c.n[k] {
			c.n[k] = v
		}
	}
	for id := range o.applied {
		c.applied[id] = struct{}{}
	}
	return nil
}

func (c *PNCounter) GenerateDelta() crdtcore.Delta {
	delta := PNCounterDelta{P: make(map[string]uint64), N: make(map[string]uint64)}
	for k, v := range c.p {
		if v > c.previousP[k] {
			delta.P[k] = v
		}
	}
	for k, v := range c.n {
		if v > c.previousN[k] {
			delta.N[k] = v
		}
	}
	c.previousP = copyU64Map(c.p)
	c.previousN = copyU64Map(c.n)
	return delta
}

func (c *PNCounter) ApplyDelta(d crdtcore.Delta) error {
	delta, ok := d.(PNCounterDelta)
	if !ok {
		return &crdtcore.PayloadTypeMismatchError{Local: c.Name(), Remote: d.VariantName()}
	}
	for k, v := range delta.P {
		if v > c.p[k] {
			c.p[k] = v
		}
	}
	for k, v := range delta.N {
		if v > c.n[k] {
			c.n[k] = v
		}
	}
	return nil
}

func (c *PNCounter) Clone() crdtcore.Variant {
	clone := NewPNCounter()
	clone.p = copyU64Map(c.p)
	clone.n = copyU64Map(c.n)
	clone.previousP = copyU64Map(c.previousP)
	clone.previousN = copyU64Map(c.previousN)
	for id := range c.applied {
		clone.applied[id] = struct{}{}
	}
	return clone
}

func (c *PNCounter) Equal(other crdtcore.Variant) bool {
	o, ok := other.(*PNCounter)
	if !ok || len(c.p) != len(o.p) || len(c.n) != len(o.n) {
		return false
	}
	for k, v := range c.p {
		if o.p[k] != v {
			return false
		}
	}
	for k, v := range c.n {
		if o.n[k] != v {
			return false
		}
	}
	return true
}

type pnCounterWire struct {
	P map[string]uint64 `json:"p"`
	N map[string]uint64 `json:"n"`
}

func (c *PNCounter) MarshalJSON() ([]byte, error) {
	return json.Marshal(pnCounterWire{P: c.p, N: c.n})
}

func (c *PNCounter) UnmarshalJSON(b []byte) error {
	var w pnCounterWire
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	if w.P == nil {
		w.P = map[string]uint64{}
	}
	if w.N == nil {
		w.N = map[string]uint64{}
	}
	c.p, c.n = w.P, w.N
	if c.applied == nil {
		c.applied = make(map[clock.OpID]struct{})
	}
	if c.previousP == nil {
		c.previousP = make(map[string]uint64)
	}
	if c.previousN == nil {
		c.previousN = make(map[string]uint64)
	}
	return nil
}

func decodePNCounterState(raw json.RawMessage) (crdtcore.Variant, error) {
	c := NewPNCounter()
	if err := json.Unmarshal(raw, c); err != nil {
		return nil, err
	}
	return c, nil
}

func decodePNCounterOp(kind string, raw json.RawMessage) (crdtcore.Operation, error) {
	switch kind {
	case "op":
		var op PNCounterOp
		if err := json.Unmarshal(raw, &op); err != nil {
			return nil, err
		}
		return op, nil
	case "batch":
		var op PNCounterBatchOp
		if err := json.Unmarshal(raw, &op); err != nil {
			return nil, err
		}
		if op.P == nil {
			op.P = map[string]uint64{}
		}
		if op.N == nil {
			op.N = map[string]uint64{}
		}
		return op, nil
	default:
		return nil, &crdtcore.PayloadTypeMismatchError{Local: NamePNCounter, Remote: kind}
	}
}

func decodePNCounterDelta(kind string, raw json.RawMessage) (crdtcore.Delta, error) {
	if kind != "delta" {
		return nil, &crdtcore.PayloadTypeMismatchError{Local: NamePNCounter, Remote: kind}
	}
	var d PNCounterDelta
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, err
	}
	if d.P == nil {
		d.P = map[string]uint64{}
	}
	if d.N == nil {
		d.N = map[string]uint64{}
	}
	return d, nil
}

func buildPNCounterOp(cmd Command, id clock.OpID) (crdtcore.Operation, error) {
	switch cmd.Kind {
	case "increment":
		return PNCounterOp{ID: id, Key: cmd.Key, Decrement: false}, nil
	case "decrement":
		return PNCounterOp{ID: id, Key: cmd.Key, Decrement: true}, nil
	default:
		return nil, &crdtcore.UnsupportedCommandError{Variant: NamePNCounter, Command: cmd.Kind}
	}
}

func aggregatePNCounterOps(ops []crdtcore.Operation) crdtcore.Operation {
	p := make(map[string]uint64)
	n := make(map[string]uint64)
	for _, op := range ops {
		switch o := op.(type) {
		case PNCounterOp:
			if o.Decrement {
				n[o.Key]++
			} else {
				p[o.Key]++
			}
		case PNCounterBatchOp:
			for k, v := range o.P {
				p[k] += v
			}
			for k, v := range o.N {
				n[k] += v
			}
		}
	}
	return PNCounterBatchOp{P: p, N: n}
}

func aggregatePNCounterDeltas(deltas []crdtcore.Delta) crdtcore.Delta {
	p := make(map[string]uint64)
	n := make(map[string]uint64)
	for _, d := range deltas {
		pd, ok := d.(PNCounterDelta)
		if !ok {
			continue
		}
		for k, v := range pd.P {
			if v > p[k] {
				p[k] = v
			}
		}
		for k, v := range pd.N {
			if v > n[k] {
				n[k] = v
			}
		}
	}
	return PNCounterDelta{P: p, N: n}
}

func init() {
	register(NamePNCounter,
		func() crdtcore.Variant { return NewPNCounter() },
		decodePNCounterState,
		decodePNCounterOp,
		decodePNCounterDelta,
		buildPNCounterOp,
	)
	registerAggregators(NamePNCounter, aggregatePNCounterOps, aggregatePNCounterDeltas)
}
