package sync

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/Polqt/crdtsync/internal/clock"
	"github.com/Polqt/crdtsync/internal/crdtcore"
	"github.com/Polqt/crdtsync/internal/variant"
)

// Controller is the replica-side command and message processor
// (spec.md §4.2). A single exclusive lock serializes every mutation of
// the owned CrdtValue; inbound Receive calls take the same lock as
// outbound ApplyCommand calls, matching §5's concurrency model.
type Controller struct {
	mu sync.Mutex

	replica clock.ReplicaID
	ids     *clock.IDGenerator
	value   *crdtcore.CrdtValue
	cfg     Config

	broadcaster Broadcaster
	logger      *zap.Logger

	lastOpCheck    clock.Timestamp
	lastDeltaCheck clock.Timestamp
}

// thresholdSetter is satisfied by the two-phase variants (TPSet,
// TPGraph); every other variant ignores cfg.TPThreshold entirely.
type thresholdSetter interface {
	SetThreshold(int)
}

// NewController instantiates a fresh replica running the named variant.
// Returns UnknownVariantError if variantName is not catalogued
// (spec.md §6: "unknown variant name ⇒ error at NewReplica").
func NewController(replica clock.ReplicaID, variantName string, cfg Config, b Broadcaster, logger *zap.Logger) (*Controller, error) {
	v, err := variant.New(variantName)
	if err != nil {
		return nil, err
	}
	if cfg.TPThreshold > 0 {
		if ts, ok := v.(thresholdSetter); ok {
			ts.SetThreshold(cfg.TPThreshold)
		}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	now := clock.Now()
	return &Controller{
		replica:        replica,
		ids:            clock.NewIDGenerator(replica),
		value:          &crdtcore.CrdtValue{Variant: v},
		cfg:            cfg,
		broadcaster:    b,
		logger:         logger.With(zap.String("replica", replica.String()), zap.String("variant", variantName)),
		lastOpCheck:    now,
		lastDeltaCheck: now,
	}, nil
}

// ApplyCommand validates cmd against the current variant, mutates state,
// and emits an outbound message per the configured sync type/mode
// (spec.md §4.2 steps 1-3).
func (c *Controller) ApplyCommand(cmd variant.Command) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.ids.Next()
	op, err := variant.BuildOperation(c.value.Variant.Name(), cmd, id)
	if err != nil {
		c.logger.Warn("command rejected", zap.String("kind", cmd.Kind), zap.Error(err))
		return err
	}
	if err := c.value.Variant.Apply(op); err != nil {
		c.logger.Warn("apply failed", zap.Error(err))
		return err
	}
	c.value.OperationsBuffer = append(c.value.OperationsBuffer, op)
	c.emit()
	return nil
}

func (c *Controller) emit() {
	switch c.cfg.Type {
	case SyncState:
		c.emitState()
	case SyncOperation:
		c.emitOperation()
	case SyncDelta:
		c.emitDelta()
	}
}

func (c *Controller) emitState() {
	c.broadcast(NetworkMessage{
		Kind:        MsgState,
		Sender:      c.replica,
		VariantName: c.value.Variant.Name(),
		State:       c.value.Variant.Clone(),
	})
}

func (c *Controller) emitOperation() {
	name := c.value.Variant.Name()
	switch c.cfg.Mode {
	case ModeImmediate:
		op := c.value.OperationsBuffer[len(c.value.OperationsBuffer)-1]
		c.value.OperationsBuffer = nil
		c.broadcast(NetworkMessage{Kind: MsgOperation, Sender: c.replica, VariantName: name, Operation: op})
	case ModeBatchByCount:
		if c.cfg.BatchCount > 0 && len(c.value.OperationsBuffer) >= c.cfg.BatchCount {
			agg := variant.AggregateOperations(name, c.value.OperationsBuffer)
			c.value.OperationsBuffer = nil
			c.broadcast(NetworkMessage{Kind: MsgOperation, Sender: c.replica, VariantName: name, Operation: agg})
		}
	case ModeBatchByTime:
		now := clock.Now()
		if c.elapsedSince(c.lastOpCheck, now) {
			agg := variant.AggregateOperations(name, c.value.OperationsBuffer)
			c.value.OperationsBuffer = nil
			c.lastOpCheck = now
			c.broadcast(NetworkMessage{Kind: MsgOperation, Sender: c.replica, VariantName: name, Operation: agg})
		}
	}
}

func (c *Controller) emitDelta() {
	name := c.value.Variant.Name()
	d := c.value.Variant.GenerateDelta()
	c.value.DeltasBuffer = append(c.value.DeltasBuffer, d)
	switch c.cfg.Mode {
	case ModeImmediate:
		c.value.DeltasBuffer = nil
		c.broadcast(NetworkMessage{Kind: MsgDelta, Sender: c.replica, VariantName: name, Delta: d})
	case ModeBatchByCount:
		if c.cfg.BatchCount > 0 && len(c.value.DeltasBuffer) >= c.cfg.BatchCount {
			agg := variant.AggregateDeltas(name, c.value.DeltasBuffer)
			c.value.DeltasBuffer = nil
			c.broadcast(NetworkMessage{Kind: MsgDelta, Sender: c.replica, VariantName: name, Delta: agg})
		}
	case ModeBatchByTime:
		now := clock.Now()
		if c.elapsedSince(c.lastDeltaCheck, now) {
			agg := variant.AggregateDeltas(name, c.value.DeltasBuffer)
			c.value.DeltasBuffer = nil
			c.lastDeltaCheck = now
			c.broadcast(NetworkMessage{Kind: MsgDelta, Sender: c.replica, VariantName: name, Delta: agg})
		}
	}
}

func (c *Controller) elapsedSince(last, now clock.Timestamp) bool {
	thresholdMs := clock.Timestamp(c.cfg.BatchInterval.Milliseconds())
	return thresholdMs > 0 && now-last >= thresholdMs
}

func (c *Controller) broadcast(msg NetworkMessage) {
	if c.broadcaster == nil {
		return
	}
	c.broadcaster.Broadcast(msg)
}

// Receive applies an inbound message: drops it on loopback or a
// variant-name mismatch, otherwise dispatches by message kind
// (spec.md §4.2 inbound lifecycle).
func (c *Controller) Receive(msg NetworkMessage) error {
	if msg.Sender == c.replica {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	local := c.value.Variant.Name()
	if msg.VariantName != local {
		err := &crdtcore.PayloadTypeMismatchError{Local: local, Remote: msg.VariantName}
		c.logger.Warn("dropping message", zap.Error(err))
		return err
	}

	var err error
	switch msg.Kind {
	case MsgState:
		err = c.value.Variant.Merge(msg.State)
	case MsgOperation:
		err = c.value.Variant.Apply(msg.Operation)
	case MsgDelta:
		err = c.value.Variant.ApplyDelta(msg.Delta)
	}
	if err != nil {
		c.logger.Warn("dropping message", zap.Error(err))
	}
	return err
}

// GetState returns a deep copy of the replica's current envelope.
func (c *Controller) GetState() *crdtcore.CrdtValue {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value.Clone()
}

// ReplicaID returns this controller's identity.
func (c *Controller) ReplicaID() clock.ReplicaID { return c.replica }

type crdtValueWire struct {
	Variant string          `json:"variant"`
	State   json.RawMessage `json:"state"`
}

// Snapshot serializes the current variant state to canonical JSON
// sufficient for Restore to reconstruct an equal (under Merge) state
// (spec.md §6).
func (c *Controller) Snapshot() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	state, err := json.Marshal(c.value.Variant)
	if err != nil {
		return nil, &crdtcore.SerializationError{Err: err}
	}
	out, err := json.Marshal(crdtValueWire{Variant: c.value.Variant.Name(), State: state})
	if err != nil {
		return nil, &crdtcore.SerializationError{Err: err}
	}
	return out, nil
}

// Restore replaces the replica's variant with the state encoded in
// data, as produced by Snapshot.
func (c *Controller) Restore(data []byte) error {
	var w crdtValueWire
	if err := json.Unmarshal(data, &w); err != nil {
		return &crdtcore.SerializationError{Err: err}
	}
	v, err := variant.DecodeState(w.Variant, w.State)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.value = &crdtcore.CrdtValue{Variant: v}
	return nil
}
