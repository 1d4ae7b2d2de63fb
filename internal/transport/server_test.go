package transport

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Polqt/crdtsync/internal/clock"
	"github.com/Polqt/crdtsync/internal/sync"
	"github.com/Polqt/crdtsync/internal/variant"
)

func newTestServer(t *testing.T) (*Server, clock.ReplicaID) {
	t.Helper()
	replica := clock.NewReplicaID()
	c, err := sync.NewController(replica, variant.NameGCounter, sync.Config{Type: sync.SyncState}, nil, zaptest.NewLogger(t))
	require.NoError(t, err)
	return NewServer(c, NewMetrics(), zaptest.NewLogger(t)), replica
}

func TestHandleHealth(t *testing.T) {
	srv, replica := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, replica.String(), body["replica"])
}

func TestHandleSyncMergesState(t *testing.T) {
	srv, replica := newTestServer(t)

	gc := variant.NewGCounter()
	require.NoError(t, gc.Apply(variant.GCounterIncrementOp{ID: clock.OpID{Seq: 1}, Key: "a"}))
	other := clock.NewReplicaID()
	require.NotEqual(t, replica, other)

	data, err := EncodeMessage(sync.NetworkMessage{Kind: sync.MsgState, Sender: other, VariantName: variant.NameGCounter, State: gc})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/sync", bytes.NewReader(data))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestHandleSyncRejectsMalformedBody(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/sync", bytes.NewReader([]byte("not json")))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleGetStateReturnsSnapshot(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/state", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Body.Bytes())
}
