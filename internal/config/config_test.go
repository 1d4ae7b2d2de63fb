package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Polqt/crdtsync/internal/sync"
	"github.com/Polqt/crdtsync/internal/variant"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, variant.NameGCounter, cfg.Variant)
	assert.Equal(t, "0.0.0.0:7070", cfg.ListenAddress)
	assert.Equal(t, sync.Config{Type: sync.SyncState, Mode: sync.ModeImmediate, BatchCount: 10, BatchInterval: cfg.BatchInterval, TPThreshold: variant.DefaultTPThreshold}, cfg.SyncConfig())
}

func TestValidateRejectsUnknownVariant(t *testing.T) {
	cfg := defaults()
	cfg.Variant = "not-a-real-variant"
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsUnknownSyncType(t *testing.T) {
	cfg := defaults()
	cfg.SyncType = "bogus"
	assert.Error(t, cfg.Validate())
}

func TestPeerListParsesConfiguredPeers(t *testing.T) {
	cfg := defaults()
	cfg.Peers = []PeerConfig{{ID: "ed5f3f2a-6b2a-4c4a-9b1e-9a7a2e0b7a1b", Address: "http://peer-1:7070"}}
	peers, err := cfg.PeerList()
	require.NoError(t, err)
	require.Len(t, peers, 1)
	assert.Equal(t, "http://peer-1:7070", peers[0].Address)
}
