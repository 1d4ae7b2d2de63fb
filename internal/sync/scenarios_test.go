package sync

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Polqt/crdtsync/internal/clock"
	"github.com/Polqt/crdtsync/internal/variant"
)

// meshBroadcaster wires N controllers' outbound messages straight into
// every other controller's Receive, simulating a fully-connected mesh
// without any transport layer.
type meshBroadcaster struct {
	peers []*Controller
}

func (m *meshBroadcaster) Broadcast(msg NetworkMessage) {
	for _, p := range m.peers {
		_ = p.Receive(msg)
	}
}

// TestGCounterConvergenceThreeReplicas is spec scenario S1: three
// replicas increment disjoint keys concurrently in state-sync mode and
// must converge to the same total and per-key map.
func TestGCounterConvergenceThreeReplicas(t *testing.T) {
	mesh := &meshBroadcaster{}
	cfg := Config{Type: SyncState, Mode: ModeImmediate}

	r1, err := NewController(clock.NewReplicaID(), variant.NameGCounter, cfg, mesh, zaptest.NewLogger(t))
	require.NoError(t, err)
	r2, err := NewController(clock.NewReplicaID(), variant.NameGCounter, cfg, mesh, zaptest.NewLogger(t))
	require.NoError(t, err)
	r3, err := NewController(clock.NewReplicaID(), variant.NameGCounter, cfg, mesh, zaptest.NewLogger(t))
	require.NoError(t, err)
	mesh.peers = []*Controller{r1, r2, r3}

	for i := 0; i < 5; i++ {
		require.NoError(t, r1.ApplyCommand(variant.Command{Kind: "increment", Key: "a"}))
	}
	for i := 0; i < 3; i++ {
		require.NoError(t, r2.ApplyCommand(variant.Command{Kind: "increment", Key: "b"}))
	}
	for i := 0; i < 7; i++ {
		require.NoError(t, r3.ApplyCommand(variant.Command{Kind: "increment", Key: "c"}))
	}

	for _, r := range []*Controller{r1, r2, r3} {
		gc := r.GetState().Variant.(*variant.GCounter)
		assert.Equal(t, uint64(15), gc.Value())
		assert.Equal(t, map[string]uint64{"a": 5, "b": 3, "c": 7}, gc.PerKey())
	}
}

// TestPNCounterSignedValue is spec scenario S2.
func TestPNCounterSignedValue(t *testing.T) {
	mesh := &meshBroadcaster{}
	cfg := Config{Type: SyncState, Mode: ModeImmediate}

	r1, err := NewController(clock.NewReplicaID(), variant.NamePNCounter, cfg, mesh, zaptest.NewLogger(t))
	require.NoError(t, err)
	r2, err := NewController(clock.NewReplicaID(), variant.NamePNCounter, cfg, mesh, zaptest.NewLogger(t))
	require.NoError(t, err)
	mesh.peers = []*Controller{r1, r2}

	for i := 0; i < 10; i++ {
		require.NoError(t, r1.ApplyCommand(variant.Command{Kind: "increment", Key: "x"}))
	}
	for i := 0; i < 4; i++ {
		require.NoError(t, r2.ApplyCommand(variant.Command{Kind: "decrement", Key: "x"}))
	}

	for _, r := range []*Controller{r1, r2} {
		pn := r.GetState().Variant.(*variant.PNCounter)
		assert.Equal(t, int64(6), pn.Value())
	}
}
