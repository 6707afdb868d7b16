package auth

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadOrGenerateCreatesTokenFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ipc-token")
	tok, err := LoadOrGenerate(path)
	require.NoError(t, err)
	assert.Len(t, tok.Current(), tokenHexLen)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(tokenFileMode), info.Mode().Perm())
}

func TestLoadOrGenerateIsStableAcrossReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ipc-token")
	first, err := LoadOrGenerate(path)
	require.NoError(t, err)

	second, err := LoadOrGenerate(path)
	require.NoError(t, err)
	assert.Equal(t, first.Current(), second.Current())
}

func TestValidateRejectsWrongToken(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ipc-token")
	tok, err := LoadOrGenerate(path)
	require.NoError(t, err)

	assert.True(t, tok.Validate(tok.Current()))
	assert.False(t, tok.Validate("0000000000000000000000000000000000000000000000000000000000000000"))
}

func TestValidateRejectsMalformedFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ipc-token")
	tok, err := LoadOrGenerate(path)
	require.NoError(t, err)

	assert.False(t, tok.Validate("too-short"))
	assert.False(t, tok.Validate(string(make([]byte, 64))))
}

func TestReloadPublishesThroughWatchChannel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ipc-token")
	tok, err := LoadOrGenerate(path)
	require.NoError(t, err)

	watch := tok.Watch()
	old := tok.Current()

	require.NoError(t, os.Remove(path))
	fresh, err := LoadOrGenerate(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, []byte(fresh.Current()), tokenFileMode))

	require.NoError(t, tok.Reload())
	assert.NotEqual(t, old, tok.Current())

	select {
	case got := <-watch:
		assert.Equal(t, tok.Current(), got)
	default:
		t.Fatal("expected a rotation notification on the watch channel")
	}
}

func TestLoadOrGenerateRejectsSymlink(t *testing.T) {
	dir := t.TempDir()
	real := filepath.Join(dir, "elsewhere")
	require.NoError(t, os.WriteFile(real, []byte("0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcd"), tokenFileMode))
	linkPath := filepath.Join(dir, "ipc-token")
	require.NoError(t, os.Symlink(real, linkPath))

	_, err := LoadOrGenerate(linkPath)
	assert.Error(t, err)
}
