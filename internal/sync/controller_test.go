package sync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Polqt/crdtsync/internal/clock"
	"github.com/Polqt/crdtsync/internal/crdtcore"
	"github.com/Polqt/crdtsync/internal/variant"
)

type recordingBroadcaster struct {
	messages []NetworkMessage
}

func (b *recordingBroadcaster) Broadcast(msg NetworkMessage) {
	b.messages = append(b.messages, msg)
}

func TestNewControllerUnknownVariant(t *testing.T) {
	_, err := NewController(clock.NewReplicaID(), "not-a-variant", Config{}, nil, zaptest.NewLogger(t))
	require.Error(t, err)
	var target *crdtcore.UnknownVariantError
	assert.ErrorAs(t, err, &target)
}

func TestApplyCommandImmediateOperation(t *testing.T) {
	b := &recordingBroadcaster{}
	replica := clock.NewReplicaID()
	c, err := NewController(replica, variant.NameGCounter, Config{Type: SyncOperation, Mode: ModeImmediate}, b, zaptest.NewLogger(t))
	require.NoError(t, err)

	require.NoError(t, c.ApplyCommand(variant.Command{Kind: "increment", Key: "a"}))

	require.Len(t, b.messages, 1)
	assert.Equal(t, MsgOperation, b.messages[0].Kind)
	assert.Empty(t, c.value.OperationsBuffer)
}

func TestApplyCommandBatchByCountAggregates(t *testing.T) {
	b := &recordingBroadcaster{}
	replica := clock.NewReplicaID()
	c, err := NewController(replica, variant.NameGCounter, Config{Type: SyncOperation, Mode: ModeBatchByCount, BatchCount: 3}, b, zaptest.NewLogger(t))
	require.NoError(t, err)

	require.NoError(t, c.ApplyCommand(variant.Command{Kind: "increment", Key: "a"}))
	require.NoError(t, c.ApplyCommand(variant.Command{Kind: "increment", Key: "a"}))
	assert.Empty(t, b.messages, "should not emit before reaching the count threshold")

	require.NoError(t, c.ApplyCommand(variant.Command{Kind: "increment", Key: "a"}))
	require.Len(t, b.messages, 1)

	agg, ok := b.messages[0].Operation.(variant.GCounterBatchOp)
	require.True(t, ok)
	assert.Equal(t, uint64(3), agg.Counts["a"])
	assert.Empty(t, c.value.OperationsBuffer)
}

func TestApplyCommandUnsupportedKind(t *testing.T) {
	c, err := NewController(clock.NewReplicaID(), variant.NameGCounter, Config{Type: SyncState}, nil, zaptest.NewLogger(t))
	require.NoError(t, err)

	err = c.ApplyCommand(variant.Command{Kind: "decrement", Key: "a"})
	var target *crdtcore.UnsupportedCommandError
	assert.ErrorAs(t, err, &target)
}

func TestReceiveSuppressesLoopback(t *testing.T) {
	replica := clock.NewReplicaID()
	c, err := NewController(replica, variant.NameGCounter, Config{Type: SyncState}, nil, zaptest.NewLogger(t))
	require.NoError(t, err)

	err = c.Receive(NetworkMessage{Kind: MsgState, Sender: replica, VariantName: variant.NameGCounter})
	assert.NoError(t, err)
}

func TestReceiveRejectsVariantMismatch(t *testing.T) {
	c, err := NewController(clock.NewReplicaID(), variant.NameGCounter, Config{Type: SyncState}, nil, zaptest.NewLogger(t))
	require.NoError(t, err)

	err = c.Receive(NetworkMessage{Kind: MsgState, Sender: clock.NewReplicaID(), VariantName: variant.NameGSet})
	var target *crdtcore.PayloadTypeMismatchError
	assert.ErrorAs(t, err, &target)
}

func TestReceiveMergesState(t *testing.T) {
	replicaA := clock.NewReplicaID()
	cA, err := NewController(replicaA, variant.NameGCounter, Config{Type: SyncState}, nil, zaptest.NewLogger(t))
	require.NoError(t, err)

	replicaB := clock.NewReplicaID()
	cB, err := NewController(replicaB, variant.NameGCounter, Config{Type: SyncState}, nil, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, cB.ApplyCommand(variant.Command{Kind: "increment", Key: "a"}))

	state := cB.GetState()
	err = cA.Receive(NetworkMessage{Kind: MsgState, Sender: replicaB, VariantName: variant.NameGCounter, State: state.Variant})
	require.NoError(t, err)

	gc := cA.GetState().Variant.(*variant.GCounter)
	assert.Equal(t, uint64(1), gc.Value())
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	c, err := NewController(clock.NewReplicaID(), variant.NameGCounter, Config{Type: SyncState}, nil, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, c.ApplyCommand(variant.Command{Kind: "increment", Key: "a"}))

	data, err := c.Snapshot()
	require.NoError(t, err)

	c2, err := NewController(clock.NewReplicaID(), variant.NameGCounter, Config{Type: SyncState}, nil, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, c2.Restore(data))

	gc := c2.GetState().Variant.(*variant.GCounter)
	assert.Equal(t, uint64(1), gc.Value())
}

// TestNewControllerAppliesTPThreshold confirms cfg.TPThreshold reaches
// the constructed TPSet: with the default threshold of 3, two distinct
// acks leave the element pending; lowering it to 1 retires the element
// after the same two acks.
func TestNewControllerAppliesTPThreshold(t *testing.T) {
	local := clock.NewReplicaID()
	ackFrom := func(c *Controller, replica clock.ReplicaID, ts clock.Timestamp) {
		require.NoError(t, c.Receive(NetworkMessage{
			Kind:        MsgOperation,
			Sender:      replica,
			VariantName: variant.NameTPSet,
			Operation:   variant.TPSetCommitRemoveOp{Key: "a", Replica: replica, Ts: ts},
		}))
	}

	c, err := NewController(local, variant.NameTPSet, Config{Type: SyncState}, nil, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, c.ApplyCommand(variant.Command{Kind: "insert", Key: "a", Ts: 1}))
	require.NoError(t, c.ApplyCommand(variant.Command{Kind: "prepare_remove", Key: "a", Ts: 2}))
	ackFrom(c, clock.NewReplicaID(), 3)
	ackFrom(c, clock.NewReplicaID(), 3)
	ts := c.GetState().Variant.(*variant.TPSet)
	assert.True(t, ts.Contains("a"), "default threshold of 3 needs more than two acks")

	c2, err := NewController(local, variant.NameTPSet, Config{Type: SyncState, TPThreshold: 1}, nil, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, c2.ApplyCommand(variant.Command{Kind: "insert", Key: "a", Ts: 1}))
	require.NoError(t, c2.ApplyCommand(variant.Command{Kind: "prepare_remove", Key: "a", Ts: 2}))
	ackFrom(c2, clock.NewReplicaID(), 3)
	ackFrom(c2, clock.NewReplicaID(), 3)
	ts2 := c2.GetState().Variant.(*variant.TPSet)
	assert.False(t, ts2.Contains("a"), "threshold of 1 retires the element once two acks exceed it")
}

func TestBatchByTimeAggregatesAfterInterval(t *testing.T) {
	b := &recordingBroadcaster{}
	c, err := NewController(clock.NewReplicaID(), variant.NameGCounter,
		Config{Type: SyncOperation, Mode: ModeBatchByTime, BatchInterval: time.Millisecond}, b, zaptest.NewLogger(t))
	require.NoError(t, err)

	require.NoError(t, c.ApplyCommand(variant.Command{Kind: "increment", Key: "a"}))
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, c.ApplyCommand(variant.Command{Kind: "increment", Key: "a"}))

	require.NotEmpty(t, b.messages)
}
