// Package sync implements the per-replica synchronization controller:
// command validation, local application, outbound batching, and inbound
// message application with loopback suppression.
package sync

import (
	"time"

	"github.com/Polqt/crdtsync/internal/clock"
	"github.com/Polqt/crdtsync/internal/crdtcore"
)

// SyncType selects the wire payload shape a controller emits.
type SyncType int

const (
	SyncState SyncType = iota
	SyncOperation
	SyncDelta
)

func (t SyncType) String() string {
	switch t {
	case SyncState:
		return "state"
	case SyncOperation:
		return "operation"
	case SyncDelta:
		return "delta"
	default:
		return "unknown"
	}
}

// SyncMode selects when a controller drains its buffers and emits.
type SyncMode int

const (
	ModeImmediate SyncMode = iota
	ModeBatchByCount
	ModeBatchByTime
)

// Config is the environment a Controller is instantiated with (spec.md
// §4.2/§6). BatchCount applies under ModeBatchByCount; BatchInterval
// applies under ModeBatchByTime. Both are ignored under ModeImmediate.
type Config struct {
	Type          SyncType
	Mode          SyncMode
	BatchCount    int
	BatchInterval time.Duration

	// TPThreshold overrides the two-phase variants' (TPSet, TPGraph)
	// majority-ack threshold when non-zero. Zero leaves each variant's
	// own default in place.
	TPThreshold int
}

// MessageKind discriminates the arm of a NetworkMessage actually
// populated.
type MessageKind int

const (
	MsgState MessageKind = iota
	MsgOperation
	MsgDelta
)

// NetworkMessage is the in-process shape of spec.md §3.3's tagged
// `State(payload) | Operation(payload) | Delta(payload)` union, each
// carrying senderId. internal/transport is responsible for its JSON
// wire encoding; this package only needs to route and dispatch it.
type NetworkMessage struct {
	Kind        MessageKind
	Sender      clock.ReplicaID
	VariantName string
	State       crdtcore.Variant
	Operation   crdtcore.Operation
	Delta       crdtcore.Delta
}

// Peer is one other replica a Controller can address.
type Peer struct {
	ID      clock.ReplicaID
	Address string
}

// PeerSet is the "peer set" collaborator of spec.md §6/§7: it supplies
// the addresses of every other known replica. Implementations must
// exclude the caller's own id.
type PeerSet interface {
	Peers() []Peer
}

// Broadcaster delivers an outbound message to every peer. Errors are
// non-fatal per spec.md §7's TransportFailure: the caller logs and
// moves on, relying on the next sync opportunity to re-converge.
type Broadcaster interface {
	Broadcast(msg NetworkMessage)
}
