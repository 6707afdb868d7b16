package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsAreSane(t *testing.T) {
	opts := Defaults()
	assert.Equal(t, 8, opts.MaxBidiStreams)
	assert.Equal(t, 16, opts.MaxUniStreams)
	assert.Equal(t, int64(128), opts.MaxInboundConns)
}

func TestLoadOverlaysYAMLFile(t *testing.T) {
	root := t.TempDir()
	t.Setenv("AXON_ROOT", root)
	require.NoError(t, os.WriteFile(filepath.Join(root, "config.yaml"), []byte("quic_port: 9999\n"), 0o600))

	opts, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 9999, opts.QuicPort)
}

func TestLoadOverlaysEnvironmentOverFile(t *testing.T) {
	root := t.TempDir()
	t.Setenv("AXON_ROOT", root)
	require.NoError(t, os.WriteFile(filepath.Join(root, "config.yaml"), []byte("quic_port: 9999\n"), 0o600))
	t.Setenv("AXON_QUIC_PORT", "1234")

	opts, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 1234, opts.QuicPort)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	root := t.TempDir()
	t.Setenv("AXON_ROOT", root)

	opts, err := Load()
	require.NoError(t, err)
	assert.Equal(t, root, opts.Root)
	assert.Equal(t, "axon.sock", opts.ControlSocket)
}

func TestSocketPathJoinsRoot(t *testing.T) {
	opts := Options{Root: "/var/axon", ControlSocket: "axon.sock"}
	assert.Equal(t, "/var/axon/axon.sock", opts.SocketPath())
}
