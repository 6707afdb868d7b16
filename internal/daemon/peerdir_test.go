package daemon

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/axon-project/axond/internal/logger"
	"github.com/axon-project/axond/internal/peertable"
)

func testLogger() logger.Logger {
	return logger.NewLogger(&bytes.Buffer{}, logger.DebugLevel)
}

func TestKnownPeersRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "known_peers.json")

	table := peertable.New(testLogger())
	table.UpsertStatic("ed25519.static", "10.0.0.1:9000", "static-pubkey")
	table.UpsertDiscovered("ed25519.disco", "10.0.0.2:9000", "disco-pubkey")

	require.NoError(t, saveKnownPeers(path, table))

	restored := peertable.New(testLogger())
	require.NoError(t, loadKnownPeers(path, restored))

	// Static peers are never persisted; the discovered one survives as a
	// Cached record.
	_, ok := restored.Get("ed25519.static")
	assert.False(t, ok)

	rec, ok := restored.Get("ed25519.disco")
	require.True(t, ok)
	assert.Equal(t, peertable.SourceCached, rec.Source)
	assert.Equal(t, "10.0.0.2:9000", rec.Addr)
	assert.Equal(t, "disco-pubkey", rec.PubkeyB64)
}

func TestLoadKnownPeersMissingFileIsNotAnError(t *testing.T) {
	table := peertable.New(testLogger())
	err := loadKnownPeers(filepath.Join(t.TempDir(), "absent.json"), table)
	assert.NoError(t, err)
	assert.Empty(t, table.Snapshot())
}
