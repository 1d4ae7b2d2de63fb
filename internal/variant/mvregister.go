package variant

import (
	"encoding/json"

	"github.com/Polqt/crdtsync/internal/clock"
	"github.com/Polqt/crdtsync/internal/crdtcore"
)

type mvEntry struct {
	Value string          `json:"value"`
	Ts    clock.Timestamp `json:"ts"`
}

// MVRegister preserves concurrent writes from different replicas: one
// entry per ReplicaID, latest write wins within that replica. A
// tombstone set lets a "clear" command retire a replica's entry without
// a stale retransmission resurrecting it (spec.md §3.2/§4.1.2; GC
// policy for old tombstones is an open question per spec.md §9).
type MVRegister struct {
	entries     map[clock.ReplicaID]mvEntry
	tombstones  map[clock.ReplicaID]clock.Timestamp
	prevEntries map[clock.ReplicaID]mvEntry
	prevTombs   map[clock.ReplicaID]clock.Timestamp
}

func NewMVRegister() *MVRegister {
	return &MVRegister{
		entries:     make(map[clock.ReplicaID]mvEntry),
		tombstones:  make(map[clock.ReplicaID]clock.Timestamp),
		prevEntries: make(map[clock.ReplicaID]mvEntry),
		prevTombs:   make(map[clock.ReplicaID]clock.Timestamp),
	}
}

func (r *MVRegister) Name() string { return NameMVRegister }

// Values returns every concurrently-live value, sorted by replica id
// for determinism.
func (r *MVRegister) Values() []string {
	ids := make([]clock.ReplicaID, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	sortReplicaIDs(ids)
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.entries[id].Value)
	}
	return out
}

func (r *MVRegister) Weight() int64 {
	n := int64(len(r.tombstones))
	for id := range r.entries {
		if _, ok := r.tombstones[id]; !ok {
			n++
		}
	}
	return n
}

func sortReplicaIDs(ids []clock.ReplicaID) {
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && ids[j].String() < ids[j-1].String(); j-- {
			ids[j], ids[j-1] = ids[j-1], ids[j]
		}
	}
}

type MVRegisterWriteOp struct {
	Replica clock.ReplicaID `json:"replica"`
	Value   string          `json:"value"`
	Ts      clock.Timestamp `json:"ts"`
}

func (MVRegisterWriteOp) VariantName() string { return NameMVRegister }
func (MVRegisterWriteOp) Kind() string        { return "write" }

type MVRegisterClearOp struct {
	Replica clock.ReplicaID `json:"replica"`
	Ts      clock.Timestamp `json:"ts"`
}

func (MVRegisterClearOp) VariantName() string { return NameMVRegister }
func (MVRegisterClearOp) Kind() string        { return "clear" }

type MVRegisterDelta struct {
	Entries    map[string]mvEntry         `json:"entries"`
	Tombstones map[string]clock.Timestamp `json:"tombstones"`
}

func (MVRegisterDelta) VariantName() string { return NameMVRegister }
func (MVRegisterDelta) Kind() string        { return "delta" }

func (r *MVRegister) Apply(op crdtcore.Operation) error {
	switch o := op.(type) {
	case MVRegisterWriteOp:
		if ts, tombstoned := r.tombstones[o.Replica]; tombstoned && o.Ts <= ts {
			return nil
		}
		if existing, ok := r.entries[o.Replica]; !ok || o.Ts > existing.Ts {
			r.entries[o.Replica] = mvEntry{Value: o.Value, Ts: o.Ts}
		}
		return nil
	case MVRegisterClearOp:
		if cur, ok := r.tombstones[o.Replica]; !ok || o.Ts > cur {
			r.tombstones[o.Replica] = o.Ts
		}
		if existing, ok := r.entries[o.Replica]; ok && existing.Ts <= o.Ts {
			delete(r.entries, o.Replica)
		}
		return nil
	default:
		return &crdtcore.PayloadTypeMismatchError{Local: r.Name(), Remote: op.VariantName()}
	}
}

func (r *MVRegister) Merge(other crdtcore.Variant) error {
	o, ok := other.(*MVRegister)
	if !ok {
		return &crdtcore.PayloadTypeMismatchError{Local: r.Name(), Remote: other.Name()}
	}
	for id, ts := range o.tombstones {
		if cur, ok := r.tombstones[id]; !ok || ts > cur {
			r.tombstones[id] = ts
		}
	}
	for id, e := range o.entries {
		if existing, ok := r.entries[id]; !ok || e.Ts > existing.Ts {
			r.entries[id] = e
		}
	}
	for id, e := range r.entries {
		if ts, tombstoned := r.tombstones[id]; tombstoned && e.Ts <= ts {
			delete(r.entries, id)
		}
	}
	return nil
}

func (r *MVRegister) GenerateDelta() crdtcore.Delta {
	d := MVRegisterDelta{Entries: map[string]mvEntry{}, Tombstones: map[string]clock.Timestamp{}}
	for id, e := range r.entries {
		if prev, ok := r.prevEntries[id]; !ok || e.Ts > prev.Ts {
			d.Entries[id.String()] = e
		}
	}
	for id, ts := range r.tombstones {
		if prev, ok := r.prevTombs[id]; !ok || ts > prev {
			d.Tombstones[id.String()] = ts
		}
	}
	r.prevEntries = make(map[clock.ReplicaID]mvEntry, len(r.entries))
	for id, e := range r.entries {
		r.prevEntries[id] = e
	}
	r.prevTombs = make(map[clock.ReplicaID]clock.Timestamp, len(r.tombstones))
	for id, ts := range r.tombstones {
		r.prevTombs[id] = ts
	}
	return d
}

func (r *MVRegister) ApplyDelta(d crdtcore.Delta) error {
	delta, ok := d.(MVRegisterDelta)
	if !ok {
		return &crdtcore.PayloadTypeMismatchError{Local: r.Name(), Remote: d.VariantName()}
	}
	for idStr, ts := range delta.Tombstones {
		id, err := clock.ParseReplicaID(idStr)
		if err != nil {
			continue
		}
		if cur, ok := r.tombstones[id]; !ok || ts > cur {
			r.tombstones[id] = ts
		}
	}
	for idStr, e := range delta.Entries {
		id, err := clock.ParseReplicaID(idStr)
		if err != nil {
			continue
		}
		if existing, ok := r.entries[id]; !ok || e.Ts > existing.Ts {
			r.entries[id] = e
		}
	}
	for id, e := range r.entries {
		if ts, tombstoned := r.tombstones[id]; tombstoned && e.Ts <= ts {
			delete(r.entries, id)
		}
	}
	return nil
}

func (r *MVRegister) Clone() crdtcore.Variant {
	clone := NewMVRegister()
	for id, e := range r.entries {
		clone.entries[id] = e
	}
	for id, ts := range r.tombstones {
		clone.tombstones[id] = ts
	}
	for id, e := range r.prevEntries {
		clone.prevEntries[id] = e
	}
	for id, ts := range r.prevTombs {
		clone.prevTombs[id] = ts
	}
	return clone
}

func (r *MVRegister) Equal(other crdtcore.Variant) bool {
	o, ok := other.(*MVRegister)
	if !ok || len(r.entries) != len(o.entries) || len(r.tombstones) != len(o.tombstones) {
		return false
	}
	for id, e := range r.entries {
		if o.entries[id] != e {
			return false
		}
	}
	for id, ts := range r.tombstones {
		if o.tombstones[id] != ts {
			return false
		}
	}
	return true
}

type mvRegisterWire struct {
	Entries    map[string]mvEntry         `json:"entries"`
	Tombstones map[string]clock.Timestamp `json:"tombstones"`
}

func (r *MVRegister) MarshalJSON() ([]byte, error) {
	w := mvRegisterWire{Entries: map[string]mvEntry{}, Tombstones: map[string]clock.Timestamp{}}
	for id, e := range r.entries {
		w.Entries[id.String()] = e
	}
	for id, ts := range r.tombstones {
		w.Tombstones[id.String()] = ts
	}
	return json.Marshal(w)
}

func (r *MVRegister) UnmarshalJSON(b []byte) error {
	var w mvRegisterWire
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	r.entries = make(map[clock.ReplicaID]mvEntry, len(w.Entries))
	for idStr, e := range w.Entries {
		id, err := clock.ParseReplicaID(idStr)
		if err != nil {
			return err
		}
		r.entries[id] = e
	}
	r.tombstones = make(map[clock.ReplicaID]clock.Timestamp, len(w.Tombstones))
	for idStr, ts := range w.Tombstones {
		id, err := clock.ParseReplicaID(idStr)
		if err != nil {
			return err
		}
		r.tombstones[id] = ts
	}
	r.prevEntries = make(map[clock.ReplicaID]mvEntry)
	r.prevTombs = make(map[clock.ReplicaID]clock.Timestamp)
	return nil
}

func decodeMVRegisterState(raw json.RawMessage) (crdtcore.Variant, error) {
	r := NewMVRegister()
	if err := json.Unmarshal(raw, r); err != nil {
		return nil, err
	}
	return r, nil
}

func decodeMVRegisterOp(kind string, raw json.RawMessage) (crdtcore.Operation, error) {
	switch kind {
	case "write":
		var op MVRegisterWriteOp
		if err := json.Unmarshal(raw, &op); err != nil {
			return nil, err
		}
		return op, nil
	case "clear":
		var op MVRegisterClearOp
		if err := json.Unmarshal(raw, &op); err != nil {
			return nil, err
		}
		return op, nil
	default:
		return nil, &crdtcore.PayloadTypeMismatchError{Local: NameMVRegister, Remote: kind}
	}
}

func decodeMVRegisterDelta(kind string, raw json.RawMessage) (crdtcore.Delta, error) {
	if kind != "delta" {
		return nil, &crdtcore.PayloadTypeMismatchError{Local: NameMVRegister, Remote: kind}
	}
	var d MVRegisterDelta
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, err
	}
	if d.Entries == nil {
		d.Entries = map[string]mvEntry{}
	}
	if d.Tombstones == nil {
		d.Tombstones = map[string]clock.Timestamp{}
	}
	return d, nil
}

func buildMVRegisterOp(cmd Command, id clock.OpID) (crdtcore.Operation, error) {
	switch cmd.Kind {
	case "write":
		return MVRegisterWriteOp{Replica: id.Replica, Value: cmd.Value, Ts: timestampOf(cmd, id)}, nil
	case "clear":
		return MVRegisterClearOp{Replica: id.Replica, Ts: timestampOf(cmd, id)}, nil
	default:
		return nil, &crdtcore.UnsupportedCommandError{Variant: NameMVRegister, Command: cmd.Kind}
	}
}

func init() {
	register(NameMVRegister,
		func() crdtcore.Variant { return NewMVRegister() },
		decodeMVRegisterState,
		decodeMVRegisterOp,
		decodeMVRegisterDelta,
		buildMVRegisterOp,
	)
}
