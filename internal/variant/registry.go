package variant

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/Polqt/crdtsync/internal/clock"
	"github.com/Polqt/crdtsync/internal/crdtcore"
)

type (
	newFunc          func() crdtcore.Variant
	stateDecodeFunc  func(json.RawMessage) (crdtcore.Variant, error)
	opDecodeFunc     func(kind string, raw json.RawMessage) (crdtcore.Operation, error)
	deltaDecodeFunc  func(kind string, raw json.RawMessage) (crdtcore.Delta, error)
	opFromCommandFun func(Command, clock.OpID) (crdtcore.Operation, error)
	opAggFunc        func([]crdtcore.Operation) crdtcore.Operation
	deltaAggFunc     func([]crdtcore.Delta) crdtcore.Delta
)

var (
	newFuncs      = map[string]newFunc{}
	stateDecoders = map[string]stateDecodeFunc{}
	opDecoders    = map[string]opDecodeFunc{}
	deltaDecoders = map[string]deltaDecodeFunc{}
	opBuilders    = map[string]opFromCommandFun{}
	opAggregators = map[string]opAggFunc{}
	deltaAggs     = map[string]deltaAggFunc{}
)

// register is called from each variant file's init(). Panicking on a
// duplicate name is intentional: it can only happen from a programming
// error in this package, never from untrusted input.
func register(name string, n newFunc, sd stateDecodeFunc, od opDecodeFunc, dd deltaDecodeFunc, ob opFromCommandFun) {
	if _, exists := newFuncs[name]; exists {
		panic(fmt.Sprintf("variant: duplicate registration for %q", name))
	}
	newFuncs[name] = n
	stateDecoders[name] = sd
	opDecoders[name] = od
	deltaDecoders[name] = dd
	opBuilders[name] = ob
}

// registerAggregators overrides the default "wrap the buffer verbatim"
// batching policy with a variant-specific algebraic summary. Only
// GCounter and PNCounter do this (spec.md §4.2's "sum=3" example); every
// other variant is fine with the generic fallback.
func registerAggregators(name string, oa opAggFunc, da deltaAggFunc) {
	opAggregators[name] = oa
	deltaAggs[name] = da
}

// New instantiates a fresh, empty variant by catalogue name.
func New(name string) (crdtcore.Variant, error) {
	f, ok := newFuncs[name]
	if !ok {
		return nil, &crdtcore.UnknownVariantError{Name: name}
	}
	return f(), nil
}

// Names returns the sorted catalogue of known variant names.
func Names() []string {
	names := make([]string, 0, len(newFuncs))
	for n := range newFuncs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// DecodeState decodes a variant's serialized state.
func DecodeState(name string, raw json.RawMessage) (crdtcore.Variant, error) {
	d, ok := stateDecoders[name]
	if !ok {
		return nil, &crdtcore.UnknownVariantError{Name: name}
	}
	v, err := d(raw)
	if err != nil {
		return nil, &crdtcore.SerializationError{Err: err}
	}
	return v, nil
}

// DecodeOperation decodes a variant's serialized operation payload. kind
// distinguishes operation shapes within the variant (e.g. "increment"
// vs the aggregated "batch").
func DecodeOperation(name, kind string, raw json.RawMessage) (crdtcore.Operation, error) {
	d, ok := opDecoders[name]
	if !ok {
		return nil, &crdtcore.UnknownVariantError{Name: name}
	}
	op, err := d(kind, raw)
	if err != nil {
		return nil, &crdtcore.SerializationError{Err: err}
	}
	return op, nil
}

// DecodeDelta decodes a variant's serialized delta payload.
func DecodeDelta(name, kind string, raw json.RawMessage) (crdtcore.Delta, error) {
	d, ok := deltaDecoders[name]
	if !ok {
		return nil, &crdtcore.UnknownVariantError{Name: name}
	}
	delta, err := d(kind, raw)
	if err != nil {
		return nil, &crdtcore.SerializationError{Err: err}
	}
	return delta, nil
}

// AggregateOperations folds buffered operations into one outbound
// operation per spec.md §4.2's batching rules.
func AggregateOperations(name string, ops []crdtcore.Operation) crdtcore.Operation {
	if f, ok := opAggregators[name]; ok {
		return f(ops)
	}
	return crdtcore.BatchOperation{Variant: name, Ops: ops}
}

// AggregateDeltas folds buffered deltas into one outbound delta,
// overlapping entries combined component-wise (spec.md §4.2).
func AggregateDeltas(name string, deltas []crdtcore.Delta) crdtcore.Delta {
	if f, ok := deltaAggs[name]; ok {
		return f(deltas)
	}
	return crdtcore.BatchDelta{Variant: name, Deltas: deltas}
}

// wireItem is the envelope shape for one operation/delta nested inside a
// generic batch.
type wireItem struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

type batchWire struct {
	Items []wireItem `json:"items"`
}

// decodeGenericBatchOp recursively decodes a variant-agnostic batch of
// operations, used by every variant that doesn't define its own
// composite "batch" kind.
func decodeGenericBatchOp(variantName string, raw json.RawMessage) (crdtcore.Operation, error) {
	var w batchWire
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, err
	}
	ops := make([]crdtcore.Operation, 0, len(w.Items))
	for _, item := range w.Items {
		op, err := DecodeOperation(variantName, item.Kind, item.Payload)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return crdtcore.BatchOperation{Variant: variantName, Ops: ops}, nil
}

func decodeGenericBatchDelta(variantName string, raw json.RawMessage) (crdtcore.Delta, error) {
	var w batchWire
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, err
	}
	deltas := make([]crdtcore.Delta, 0, len(w.Items))
	for _, item := range w.Items {
		d, err := DecodeDelta(variantName, item.Kind, item.Payload)
		if err != nil {
			return nil, err
		}
		deltas = append(deltas, d)
	}
	return crdtcore.BatchDelta{Variant: variantName, Deltas: deltas}, nil
}

// Command is the variant-agnostic shape of a local caller's request,
// validated and turned into a concrete crdtcore.Operation by
// BuildOperation. Fields not meaningful to a given Kind are ignored.
type Command struct {
	Kind  string // e.g. increment, decrement, set, write, clear, insert, remove, add_vertex, remove_vertex, add_edge, remove_edge, prepare_remove, commit_remove; each variant's builder lists its own
	Key   string
	To    string // second endpoint, for edge commands
	Value string // payload for LWWRegister set and MVRegister write
	Ack   clock.ReplicaID
	Ts    clock.Timestamp // overrides clock.Now() when non-zero; tests use this
}

// BuildOperation validates cmd against the named variant and, if valid,
// produces the concrete operation ApplyCommand will fold into state.
// Returns UnsupportedCommandError for a command kind the variant does
// not recognize (spec.md §4.2 step 1).
func BuildOperation(variantName string, cmd Command, id clock.OpID) (crdtcore.Operation, error) {
	b, ok := opBuilders[variantName]
	if !ok {
		return nil, &crdtcore.UnknownVariantError{Name: variantName}
	}
	return b(cmd, id)
}

func timestampOf(cmd Command, id clock.OpID) clock.Timestamp {
	if cmd.Ts != 0 {
		return cmd.Ts
	}
	return id.Timestamp
}
