// Package clock provides replica identity and the millisecond timestamps
// CRDT operations are ordered by.
package clock

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Timestamp is wall-clock milliseconds since the Unix epoch. Strictly
// monotonic per-replica is desired but never assumed: two Now() calls
// from different replicas may collide, and a replica's own clock may
// jump backwards under NTP correction.
type Timestamp uint64

// Now returns the current wall-clock time in milliseconds. Best-effort;
// callers must not assume strict monotonicity across calls.
func Now() Timestamp {
	return Timestamp(time.Now().UnixMilli())
}

// ReplicaID is a 128-bit identifier drawn once at replica startup from a
// cryptographic random source.
type ReplicaID uuid.UUID

// NewReplicaID draws a fresh random replica identity.
func NewReplicaID() ReplicaID {
	return ReplicaID(uuid.New())
}

// ParseReplicaID parses a canonical UUID string into a ReplicaID.
func ParseReplicaID(s string) (ReplicaID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return ReplicaID{}, fmt.Errorf("clock: invalid replica id %q: %w", s, err)
	}
	return ReplicaID(id), nil
}

func (r ReplicaID) String() string {
	return uuid.UUID(r).String()
}

// MarshalText implements encoding.TextMarshaler so ReplicaID round-trips
// through JSON as a plain UUID string.
func (r ReplicaID) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *ReplicaID) UnmarshalText(b []byte) error {
	id, err := ParseReplicaID(string(b))
	if err != nil {
		return err
	}
	*r = id
	return nil
}

// Less gives ReplicaID a total order by canonical string form, the same
// order LWWRegister's tie-break applies by comparing String() values.
func (r ReplicaID) Less(other ReplicaID) bool {
	return r.String() < other.String()
}

// OpID is the unique identity of a single operation. spec.md §9 flags the
// source's use of a raw timestamp alone as racy: two increments issued by
// the same replica within one millisecond collide. OpID combines the
// timestamp with the replica id and a per-replica monotonic counter so
// identity is unique even under clock granularity loss.
type OpID struct {
	Timestamp Timestamp `json:"ts"`
	Replica   ReplicaID `json:"replica"`
	Seq       uint64    `json:"seq"`
}

func (id OpID) String() string {
	return fmt.Sprintf("%d:%s:%d", id.Timestamp, id.Replica, id.Seq)
}

// IDGenerator mints OpIDs for one replica, guaranteeing uniqueness of the
// Seq component under concurrent callers.
type IDGenerator struct {
	replica ReplicaID
	counter uint64
}

// NewIDGenerator creates a generator for the given replica identity.
func NewIDGenerator(replica ReplicaID) *IDGenerator {
	return &IDGenerator{replica: replica}
}

// Next mints a fresh OpID stamped with the current wall-clock time.
func (g *IDGenerator) Next() OpID {
	return OpID{
		Timestamp: Now(),
		Replica:   g.replica,
		Seq:       atomic.AddUint64(&g.counter, 1),
	}
}
