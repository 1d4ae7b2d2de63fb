package variant

import (
	"encoding/json"

	"github.com/Polqt/crdtsync/internal/clock"
	"github.com/Polqt/crdtsync/internal/crdtcore"
)

// GCounter is a grow-only counter: a mapping Key -> u64 that never
// decreases per key. spec.md §3.2/§4.1.1.
type GCounter struct {
	counts   map[string]uint64
	applied  map[clock.OpID]struct{}
	previous map[string]uint64
}

// NewGCounter returns an empty GCounter.
func NewGCounter() *GCounter {
	return &GCounter{
		counts:   make(map[string]uint64),
		applied:  make(map[clock.OpID]struct{}),
		previous: make(map[string]uint64),
	}
}

func (c *GCounter) Name() string { return NameGCounter }

// Value returns the sum of every key's count.
func (c *GCounter) Value() uint64 {
	var total uint64
	for _, v := range c.counts {
		total += v
	}
	return total
}

// PerKey returns a defensive copy of the per-key counts.
func (c *GCounter) PerKey() map[string]uint64 {
	out := make(map[string]uint64, len(c.counts))
	for k, v := range c.counts {
		out[k] = v
	}
	return out
}

func (c *GCounter) Weight() int64 { return int64(c.Value()) }

// GCounterIncrementOp increments one key. ID carries the operation
// identity used for idempotence (spec.md §4.1.1, §9).
type GCounterIncrementOp struct {
	ID  clock.OpID `json:"id"`
	Key string     `json:"key"`
}

func (GCounterIncrementOp) VariantName() string { return NameGCounter }
func (GCounterIncrementOp) Kind() string        { return "increment" }

// GCounterBatchOp is the composite operation BatchByCount/BatchByTime
// emits for GCounter: per-key increment counts summed across the
// buffered operations, as spec.md §4.2 and scenario S9 describe.
type GCounterBatchOp struct {
	Counts map[string]uint64 `json:"counts"`
}

func (GCounterBatchOp) VariantName() string { return NameGCounter }
func (GCounterBatchOp) Kind() string        { return "batch" }

// GCounterDelta is the subset of per-key counts that grew since the
// previous snapshot (spec.md §4.1.5).
type GCounterDelta struct {
	Counts map[string]uint64 `json:"counts"`
}

func (GCounterDelta) VariantName() string { return NameGCounter }
func (GCounterDelta) Kind() string        { return "delta" }

func (c *GCounter) Apply(op crdtcore.Operation) error {
	switch o := op.(type) {
	case GCounterIncrementOp:
		if _, seen := c.applied[o.ID]; seen {
			return nil
		}
		c.counts[o.Key]++
		c.applied[o.ID] = struct{}{}
		return nil
	case GCounterBatchOp:
		for k, v := range o.Counts {
			c.counts[k] += v
		}
		return nil
	default:
		return &crdtcore.PayloadTypeMismatchError{Local: c.Name(), Remote: op.VariantName()}
	}
}

func (c *GCounter) Merge(other crdtcore.Variant) error {
	o, ok := other.(*GCounter)
	if !ok {
		return &crdtcore.PayloadTypeMismatchError{Local: c.Name(), Remote: other.Name()}
	}
	for k, v := range o.counts {
		if v > c.counts[k] {
			c.counts[k] = v
		}
	}
	for id := range o.applied {
		c.applied[id] = struct{}{}
	}
	return nil
}

func (c *GCounter) GenerateDelta() crdtcore.Delta {
	delta := GCounterDelta{Counts: make(map[string]uint64)}
	for k, v := range c.counts {
		if v > c.previous[k] {
			delta.Counts[k] = v
		}
	}
	c.previous = c.PerKey()
	return delta
}

func (c *GCounter) ApplyDelta(d crdtcore.Delta) error {
	delta, ok := d.(GCounterDelta)
	if !ok {
		return &crdtcore.PayloadTypeMismatchError{Local: c.Name(), Remote: d.VariantName()}
	}
	for k, v := range delta.Counts {
		if v > c.counts[k] {
			c.counts[k] = v
		}
	}
	return nil
}

func (c *GCounter) Clone() crdtcore.Variant {
	clone := NewGCounter()
	for k, v := range c.counts {
		clone.counts[k] = v
	}
	for id := range c.applied {
		clone.applied[id] = struct{}{}
	}
	for k, v := range c.previous {
		clone.previous[k] = v
	}
	return clone
}

func (c *GCounter) Equal(other crdtcore.Variant) bool {
	o, ok := other.(*GCounter)
	if !ok || len(c.counts) != len(o.counts) {
		return false
	}
	for k, v := range c.counts {
		if o.counts[k] != v {
			return false
		}
	}
	return true
}

// gcounterWire is the JSON encoding of a GCounter's state. applied is
// omitted: peers do not need a replica's full applied-op history, only
// the current counts, to merge correctly.
type gcounterWire struct {
	Counts map[string]uint64 `json:"counts"`
}

func (c *GCounter) MarshalJSON() ([]byte, error) {
	return json.Marshal(gcounterWire{Counts: c.counts})
}

func (c *GCounter) UnmarshalJSON(b []byte) error {
	var w gcounterWire
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	if w.Counts == nil {
		w.Counts = map[string]uint64{}
	}
	c.counts = w.Counts
	if c.applied == nil {
		c.applied = make(map[clock.OpID]struct{})
	}
	if c.previous == nil {
		c.previous = make(map[string]uint64)
	}
	return nil
}

func decodeGCounterState(raw json.RawMessage) (crdtcore.Variant, error) {
	c := NewGCounter()
	if err := json.Unmarshal(raw, c); err != nil {
		return nil, err
	}
	return c, nil
}

func decodeGCounterOp(kind string, raw json.RawMessage) (crdtcore.Operation, error) {
	switch kind {
	case "increment":
		var op GCounterIncrementOp
		if err := json.Unmarshal(raw, &op); err != nil {
			return nil, err
		}
		return op, nil
	case "batch":
		var op GCounterBatchOp
		if err := json.Unmarshal(raw, &op); err != nil {
			return nil, err
		}
		if op.Counts == nil {
			op.Counts = map[string]uint64{}
		}
		return op, nil
	default:
		return nil, &crdtcore.PayloadTypeMismatchError{Local: NameGCounter, Remote: kind}
	}
}

func decodeGCounterDelta(kind string, raw json.RawMessage) (crdtcore.Delta, error) {
	if kind != "delta" {
		return nil, &crdtcore.PayloadTypeMismatchError{Local: NameGCounter, Remote: kind}
	}
	var d GCounterDelta
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, err
	}
	if d.Counts == nil {
		d.Counts = map[string]uint64{}
	}
	return d, nil
}

func buildGCounterOp(cmd Command, id clock.OpID) (crdtcore.Operation, error) {
	if cmd.Kind != "increment" {
		return nil, &crdtcore.UnsupportedCommandError{Variant: NameGCounter, Command: cmd.Kind}
	}
	return GCounterIncrementOp{ID: id, Key: cmd.Key}, nil
}

// aggregateGCounterOps sums per-key increments across the buffer,
// matching spec.md scenario S9 (three Increment commands -> one
// aggregated operation with sum=3).
func aggregateGCounterOps(ops []crdtcore.Operation) crdtcore.Operation {
	counts := make(map[string]uint64)
	for _, op := range ops {
		switch o := op.(type) {
		case GCounterIncrementOp:
			counts[o.Key]++
		case GCounterBatchOp:
			for k, v := range o.Counts {
				counts[k] += v
			}
		}
	}
	return GCounterBatchOp{Counts: counts}
}

// aggregateGCounterDeltas combines overlapping deltas component-wise by
// max, per spec.md §4.2.
func aggregateGCounterDeltas(deltas []crdtcore.Delta) crdtcore.Delta {
	counts := make(map[string]uint64)
	for _, d := range deltas {
		gd, ok := d.(GCounterDelta)
		if !ok {
			continue
		}
		for k, v := range gd.Counts {
			if v > counts[k] {
				counts[k] = v
			}
		}
	}
	return GCounterDelta{Counts: counts}
}

func init() {
	register(NameGCounter,
		func() crdtcore.Variant { return NewGCounter() },
		decodeGCounterState,
		decodeGCounterOp,
		decodeGCounterDelta,
		buildGCounterOp,
	)
	registerAggregators(NameGCounter, aggregateGCounterOps, aggregateGCounterDeltas)
}
