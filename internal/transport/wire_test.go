package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Polqt/crdtsync/internal/clock"
	"github.com/Polqt/crdtsync/internal/sync"
	"github.com/Polqt/crdtsync/internal/variant"
)

func TestEncodeDecodeStateMessage(t *testing.T) {
	gc := variant.NewGCounter()
	require.NoError(t, gc.Apply(variant.GCounterIncrementOp{ID: clock.OpID{Seq: 1}, Key: "x"}))

	sender := clock.NewReplicaID()
	data, err := EncodeMessage(sync.NetworkMessage{Kind: sync.MsgState, Sender: sender, VariantName: variant.NameGCounter, State: gc})
	require.NoError(t, err)

	decoded, err := DecodeMessage(data)
	require.NoError(t, err)
	assert.Equal(t, sync.MsgState, decoded.Kind)
	assert.Equal(t, sender, decoded.Sender)

	got := decoded.State.(*variant.GCounter)
	assert.Equal(t, uint64(1), got.Value())
}

func TestEncodeDecodeOperationMessage(t *testing.T) {
	op := variant.GCounterIncrementOp{ID: clock.OpID{Seq: 1}, Key: "a"}
	sender := clock.NewReplicaID()

	data, err := EncodeMessage(sync.NetworkMessage{Kind: sync.MsgOperation, Sender: sender, VariantName: variant.NameGCounter, Operation: op})
	require.NoError(t, err)

	decoded, err := DecodeMessage(data)
	require.NoError(t, err)
	assert.Equal(t, sync.MsgOperation, decoded.Kind)
	assert.Equal(t, op, decoded.Operation)
}

func TestDecodeMessageMalformedEnvelope(t *testing.T) {
	_, err := DecodeMessage([]byte(`{"sender":"not-a-uuid"}`))
	assert.Error(t, err)
}
