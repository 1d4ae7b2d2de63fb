package variant

import (
	"encoding/json"

	"github.com/Polqt/crdtsync/internal/clock"
	"github.com/Polqt/crdtsync/internal/crdtcore"
)

// LWWRegister holds a single value with last-writer-wins semantics.
// Greater (timestamp, replicaId) wins, lexicographically (spec.md
// §3.2/§4.1.2).
type LWWRegister struct {
	hasValue  bool
	value     string
	ts        clock.Timestamp
	replica   clock.ReplicaID
	prevTs    clock.Timestamp
	prevRepl  clock.ReplicaID
	prevValue string
	prevSet   bool
}

func NewLWWRegister() *LWWRegister { return &LWWRegister{} }

func (r *LWWRegister) Name() string { return NameLWWRegister }

// Get returns the current value and whether one has ever been written.
func (r *LWWRegister) Get() (string, bool) { return r.value, r.hasValue }

func (r *LWWRegister) Weight() int64 {
	if r.hasValue {
		return 1
	}
	return 0
}

// wins reports whether (ts, replica) strictly beats the register's
// current stamp under lexicographic order.
func (r *LWWRegister) wins(ts clock.Timestamp, replica clock.ReplicaID) bool {
	if !r.hasValue {
		return true
	}
	if ts != r.ts {
		return ts > r.ts
	}
	return r.ts == ts && replica.String() > r.replica.String()
}

type LWWRegisterSetOp struct {
	Value   string          `json:"value"`
	Ts      clock.Timestamp `json:"ts"`
	Replica clock.ReplicaID `json:"replica"`
}

func (LWWRegisterSetOp) VariantName() string { return NameLWWRegister }
func (LWWRegisterSetOp) Kind() string        { return "set" }

// LWWRegisterDelta carries the current (value, ts, replica) if it
// advanced since the previous snapshot, or is Empty otherwise.
type LWWRegisterDelta struct {
	Empty   bool            `json:"empty"`
	Value   string          `json:"value"`
	Ts      clock.Timestamp `json:"ts"`
	Replica clock.ReplicaID `json:"replica"`
}

func (LWWRegisterDelta) VariantName() string { return NameLWWRegister }
func (LWWRegisterDelta) Kind() string        { return "delta" }

func (r *LWWRegister) Apply(op crdtcore.Operation) error {
	o, ok := op.(LWWRegisterSetOp)
	if !ok {
		return &crdtcore.PayloadTypeMismatchError{Local: r.Name(), Remote: op.VariantName()}
	}
	if r.wins(o.Ts, o.Replica) {
		r.value, r.ts, r.replica, r.hasValue = o.Value, o.Ts, o.Replica, true
	}
	return nil
}

func (r *LWWRegister) Merge(other crdtcore.Variant) error {
	o, ok := other.(*LWWRegister)
	if !ok {
		return &crdtcore.PayloadTypeMismatchError{Local: r.Name(), Remote: other.Name()}
	}
	if o.hasValue && r.wins(o.ts, o.replica) {
		r.value, r.ts, r.replica, r.hasValue = o.value, o.ts, o.replica, true
	}
	return nil
}

func (r *LWWRegister) GenerateDelta() crdtcore.Delta {
	advanced := r.hasValue && (!r.prevSet || r.ts != r.prevTs || r.replica.String() != r.prevRepl.String())
	var d LWWRegisterDelta
	if advanced {
		d = LWWRegisterDelta{Value: r.value, Ts: r.ts, Replica: r.replica}
	} else {
		d = LWWRegisterDelta{Empty: true}
	}
	r.prevSet, r.prevValue, r.prevTs, r.prevRepl = r.hasValue, r.value, r.ts, r.replica
	return d
}

func (r *LWWRegister) ApplyDelta(d crdtcore.Delta) error {
	delta, ok := d.(LWWRegisterDelta)
	if !ok {
		return &crdtcore.PayloadTypeMismatchError{Local: r.Name(), Remote: d.VariantName()}
	}
	if delta.Empty {
		return nil
	}
	if r.wins(delta.Ts, delta.Replica) {
		r.value, r.ts, r.replica, r.hasValue = delta.Value, delta.Ts, delta.Replica, true
	}
	return nil
}

func (r *LWWRegister) Clone() crdtcore.Variant {
	clone := *r
	return &clone
}

func (r *LWWRegister) Equal(other crdtcore.Variant) bool {
	o, ok := other.(*LWWRegister)
	if !ok {
		return false
	}
	if r.hasValue != o.hasValue {
		return false
	}
	if !r.hasValue {
		return true
	}
	return r.value == o.value && r.ts == o.ts && r.replica == o.replica
}

type lwwRegisterWire struct {
	HasValue bool            `json:"has_value"`
	Value    string          `json:"value"`
	Ts       clock.Timestamp `json:"ts"`
	Replica  clock.ReplicaID `json:"replica"`
}

func (r *LWWRegister) MarshalJSON() ([]byte, error) {
	return json.Marshal(lwwRegisterWire{HasValue: r.hasValue, Value: r.value, Ts: r.ts, Replica: r.replica})
}

func (r *LWWRegister) UnmarshalJSON(b []byte) error {
	var w lwwRegisterWire
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	r.hasValue, r.value, r.ts, r.replica = w.HasValue, w.Value, w.Ts, w.Replica
	return nil
}

func decodeLWWRegisterState(raw json.RawMessage) (crdtcore.Variant, error) {
	r := NewLWWRegister()
	if err := json.Unmarshal(raw, r); err != nil {
		return nil, err
	}
	return r, nil
}

func decodeLWWRegisterOp(kind string, raw json.RawMessage) (crdtcore.Operation, error) {
	if kind != "set" {
		return nil, &crdtcore.PayloadTypeMismatchError{Local: NameLWWRegister, Remote: kind}
	}
	var op LWWRegisterSetOp
	if err := json.Unmarshal(raw, &op); err != nil {
		return nil, err
	}
	return op, nil
}

func decodeLWWRegisterDelta(kind string, raw json.RawMessage) (crdtcore.Delta, error) {
	if kind != "delta" {
		return nil, &crdtcore.PayloadTypeMismatchError{Local: NameLWWRegister, Remote: kind}
	}
	var d LWWRegisterDelta
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, err
	}
	return d, nil
}

func buildLWWRegisterOp(cmd Command, id clock.OpID) (crdtcore.Operation, error) {
	if cmd.Kind != "set" {
		return nil, &crdtcore.UnsupportedCommandError{Variant: NameLWWRegister, Command: cmd.Kind}
	}
	return LWWRegisterSetOp{Value: cmd.Value, Ts: timestampOf(cmd, id), Replica: id.Replica}, nil
}

func init() {
	register(NameLWWRegister,
		func() crdtcore.Variant { return NewLWWRegister() },
		decodeLWWRegisterState,
		decodeLWWRegisterOp,
		decodeLWWRegisterDelta,
		buildLWWRegisterOp,
	)
}
