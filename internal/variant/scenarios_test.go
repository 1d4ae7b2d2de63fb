package variant

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Polqt/crdtsync/internal/clock"
)

func replicaFromByte(b byte) clock.ReplicaID {
	var id [16]byte
	id[15] = b
	var r clock.ReplicaID
	copy(r[:], id[:])
	return r
}

// TestLWWRegisterTieBreak is spec scenario S3: equal timestamps from two
// replicas resolve to the higher replica id's value.
func TestLWWRegisterTieBreak(t *testing.T) {
	replicaA := replicaFromByte(1)
	replicaB := replicaFromByte(2)

	r := NewLWWRegister()
	require.NoError(t, r.Apply(LWWRegisterSetOp{Value: "from-a", Ts: 100, Replica: replicaA}))
	require.NoError(t, r.Apply(LWWRegisterSetOp{Value: "from-b", Ts: 100, Replica: replicaB}))

	got, ok := r.Get()
	require.True(t, ok)
	assert.Equal(t, "from-b", got)
}

// TestAWSetAddWins is spec scenario S4.
func TestAWSetAddWins(t *testing.T) {
	s := NewAWSet()
	require.NoError(t, s.Apply(AWSetAddOp{Key: "k", Ts: 10}))
	require.NoError(t, s.Apply(AWSetRemoveOp{Key: "k", Ts: 10}))
	assert.True(t, s.Contains("k"))
}

// TestRWSetRemoveWins is spec scenario S5.
func TestRWSetRemoveWins(t *testing.T) {
	s := NewRWSet()
	require.NoError(t, s.Apply(RWSetAddOp{Key: "k", Ts: 10}))
	require.NoError(t, s.Apply(RWSetRemoveOp{Key: "k", Ts: 10}))
	assert.False(t, s.Contains("k"))
}

// TestTPSetMajorityCommit is spec scenario S6.
func TestTPSetMajorityCommit(t *testing.T) {
	s := NewTPSet()
	require.NoError(t, s.Apply(TPSetInsertOp{Key: "k", Ts: 1}))
	require.NoError(t, s.Apply(TPSetPrepareRemoveOp{Key: "k", Ts: 5}))

	for i := byte(1); i <= 4; i++ {
		require.NoError(t, s.Apply(TPSetCommitRemoveOp{Key: "k", Replica: replicaFromByte(i), Ts: 6}))
	}

	assert.False(t, s.Contains("k"))
	_, tombstoned := s.tombstones["k"]
	assert.True(t, tombstoned)

	require.NoError(t, s.Apply(TPSetInsertOp{Key: "k", Ts: 100}))
	assert.False(t, s.Contains("k"), "a tombstoned element must never resurrect")
}

// TestAWGraphReferentialIntegrity is spec scenario S7.
func TestAWGraphReferentialIntegrity(t *testing.T) {
	g := NewAWGraph()
	require.NoError(t, g.Apply(AWGraphAddVertexOp{Key: "a", Ts: 1}))
	require.NoError(t, g.Apply(AWGraphAddEdgeOp{From: "a", To: "b", Ts: 2}))
	assert.False(t, g.HasEdge("a", "b"), "edge must be rejected while endpoint b is absent")

	require.NoError(t, g.Apply(AWGraphAddVertexOp{Key: "b", Ts: 3}))
	require.NoError(t, g.Apply(AWGraphAddEdgeOp{From: "a", To: "b", Ts: 4}))
	assert.True(t, g.HasEdge("a", "b"))
}

// TestAWGraphMergeCascadesReferentialIntegrity reproduces the scenario
// where a vertex removal and a concurrent edge add land on different
// replicas, with the edge's own add timestamp equal to or later than
// the removal: the merge must still drop the edge rather than letting
// the add/remove tie-break keep it (spec.md §4.1.4).
func TestAWGraphMergeCascadesReferentialIntegrity(t *testing.T) {
	a := NewAWGraph()
	require.NoError(t, a.Apply(AWGraphAddVertexOp{Key: "a", Ts: 10}))
	require.NoError(t, a.Apply(AWGraphAddVertexOp{Key: "b", Ts: 10}))
	require.NoError(t, a.Apply(AWGraphAddEdgeOp{From: "a", To: "b", Ts: 25}))

	b := NewAWGraph()
	require.NoError(t, b.Apply(AWGraphAddVertexOp{Key: "a", Ts: 10}))
	require.NoError(t, b.Apply(AWGraphAddVertexOp{Key: "b", Ts: 10}))
	require.NoError(t, b.Apply(AWGraphRemoveVertexOp{Key: "b", Ts: 20}))

	require.NoError(t, a.Merge(b))
	assert.False(t, a.HasVertex("b"))
	assert.False(t, a.HasEdge("a", "b"), "edge must not survive its endpoint's removal on merge")
}

// TestORGraphMergeCascadesReferentialIntegrity is ORGraph's analogue of
// the AWGraph case above: an endpoint removal merged in at the same
// timestamp as the edge's own add tag must never leave the edge live.
func TestORGraphMergeCascadesReferentialIntegrity(t *testing.T) {
	a := NewORGraph()
	require.NoError(t, a.Apply(ORGraphAddVertexOp{Key: "a", Ts: 10}))
	require.NoError(t, a.Apply(ORGraphAddVertexOp{Key: "b", Ts: 10}))
	require.NoError(t, a.Apply(ORGraphAddEdgeOp{From: "a", To: "b", Ts: 30}))

	b := NewORGraph()
	require.NoError(t, b.Apply(ORGraphAddVertexOp{Key: "a", Ts: 10}))
	require.NoError(t, b.Apply(ORGraphAddVertexOp{Key: "b", Ts: 10}))
	require.NoError(t, b.Apply(ORGraphRemoveVertexOp{Key: "b", Ts: 30}))

	require.NoError(t, a.Merge(b))
	assert.False(t, a.HasVertex("b"))
	assert.False(t, a.HasEdge("a", "b"), "edge must not survive its endpoint's removal on merge")
}

// TestTPGraphMergeCascadesReferentialIntegrity exercises TPGraph's own
// merge-time cascade (tpgraph.go's final pass forces tpRemoved
// unconditionally), so a commit-removed vertex that merges in after an
// edge add still drops the edge.
func TestTPGraphMergeCascadesReferentialIntegrity(t *testing.T) {
	a := NewTPGraph()
	require.NoError(t, a.Apply(TPGraphAddVertexOp{Key: "a", Ts: 1}))
	require.NoError(t, a.Apply(TPGraphAddVertexOp{Key: "b", Ts: 1}))
	require.NoError(t, a.Apply(TPGraphAddEdgeOp{From: "a", To: "b", Ts: 2}))

	b := NewTPGraph()
	require.NoError(t, b.Apply(TPGraphAddVertexOp{Key: "a", Ts: 1}))
	require.NoError(t, b.Apply(TPGraphAddVertexOp{Key: "b", Ts: 1}))
	require.NoError(t, b.Apply(TPGraphPrepareRemoveVertexOp{Key: "b", Ts: 5}))
	for i := byte(1); i <= 4; i++ {
		require.NoError(t, b.Apply(TPGraphCommitRemoveVertexOp{Key: "b", Replica: replicaFromByte(i), Ts: 6}))
	}
	require.False(t, b.HasVertex("b"))

	require.NoError(t, a.Merge(b))
	assert.False(t, a.HasVertex("b"))
	assert.False(t, a.HasEdge("a", "b"), "edge must not survive its endpoint's commit-removal on merge")
}

// TestGCounterDeltaIncrementality is spec scenario S8.
func TestGCounterDeltaIncrementality(t *testing.T) {
	c := NewGCounter()
	require.NoError(t, c.Apply(GCounterIncrementOp{ID: clock.OpID{Seq: 1}, Key: "x"}))

	d1 := c.GenerateDelta().(GCounterDelta)
	assert.Equal(t, map[string]uint64{"x": 1}, d1.Counts)

	d2 := c.GenerateDelta().(GCounterDelta)
	assert.Empty(t, d2.Counts, "a second delta with no intervening ops must be empty")
}
