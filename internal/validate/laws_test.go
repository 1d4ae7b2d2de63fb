package validate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Polqt/crdtsync/internal/clock"
	"github.com/Polqt/crdtsync/internal/crdtcore"
	"github.com/Polqt/crdtsync/internal/variant"
)

func TestGCounterStateSemilattice(t *testing.T) {
	a := variant.NewGCounter()
	require.NoError(t, a.Apply(variant.GCounterIncrementOp{ID: clock.OpID{Seq: 1}, Key: "x"}))

	b := variant.NewGCounter()
	require.NoError(t, b.Apply(variant.GCounterIncrementOp{ID: clock.OpID{Seq: 2}, Key: "y"}))

	c := variant.NewGCounter()
	require.NoError(t, c.Apply(variant.GCounterIncrementOp{ID: clock.OpID{Seq: 3}, Key: "x"}))

	assert.NoError(t, CheckStateSemilattice(a, b, c))
}

func TestGCounterOperationCommutativityAndIdempotence(t *testing.T) {
	op1 := variant.GCounterIncrementOp{ID: clock.OpID{Seq: 1}, Key: "x"}
	op2 := variant.GCounterIncrementOp{ID: clock.OpID{Seq: 2}, Key: "x"}

	assert.NoError(t, CheckOperationCommutativity(variant.NameGCounter, op1, op2))
	assert.NoError(t, CheckOperationIdempotence(variant.NameGCounter, op1))
}

func TestGCounterDeliveryPrecondition(t *testing.T) {
	op := variant.GCounterIncrementOp{ID: clock.OpID{Seq: 1}, Key: "x"}
	assert.NoError(t, CheckDeliveryPrecondition(variant.NameGCounter, op))
}

func TestGCounterSequentialConsistency(t *testing.T) {
	seq := []variant.GCounterIncrementOp{
		{ID: clock.OpID{Seq: 1}, Key: "x"},
		{ID: clock.OpID{Seq: 2}, Key: "y"},
		{ID: clock.OpID{Seq: 3}, Key: "x"},
		{ID: clock.OpID{Seq: 4}, Key: "z"},
	}
	ops := make([]crdtcore.Operation, len(seq))
	for i, o := range seq {
		ops[i] = o
	}
	assert.NoError(t, CheckSequentialConsistency(variant.NameGCounter, ops))
}

func TestAWGraphStateSemilattice(t *testing.T) {
	a := variant.NewAWGraph()
	require.NoError(t, a.Apply(variant.AWGraphAddVertexOp{Key: "a", Ts: 10}))
	require.NoError(t, a.Apply(variant.AWGraphAddVertexOp{Key: "b", Ts: 10}))
	require.NoError(t, a.Apply(variant.AWGraphAddEdgeOp{From: "a", To: "b", Ts: 25}))

	b := variant.NewAWGraph()
	require.NoError(t, b.Apply(variant.AWGraphAddVertexOp{Key: "a", Ts: 10}))
	require.NoError(t, b.Apply(variant.AWGraphAddVertexOp{Key: "b", Ts: 10}))
	require.NoError(t, b.Apply(variant.AWGraphRemoveVertexOp{Key: "b", Ts: 20}))

	c := variant.NewAWGraph()
	require.NoError(t, c.Apply(variant.AWGraphAddVertexOp{Key: "c", Ts: 5}))

	assert.NoError(t, CheckStateSemilattice(a, b, c))
}

func TestAWSetDeltaComposability(t *testing.T) {
	base := variant.NewAWSet()
	require.NoError(t, base.Apply(variant.AWSetAddOp{Key: "k1", Ts: 1}))

	full := base.Clone().(*variant.AWSet)
	require.NoError(t, full.Apply(variant.AWSetAddOp{Key: "k2", Ts: 2}))

	delta := base.Clone().(*variant.AWSet)
	require.NoError(t, delta.Apply(variant.AWSetAddOp{Key: "k3", Ts: 3}))
	d := delta.GenerateDelta()

	assert.NoError(t, CheckDeltaStateComposability(base, d, full))
}
