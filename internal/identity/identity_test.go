package identity

import (
	"crypto/ed25519"
	"crypto/x509"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadOrCreateGeneratesOnFirstRun(t *testing.T) {
	root := t.TempDir()

	id, err := LoadOrCreate(root)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(id.AgentID()), "ed25519."))

	info, err := os.Stat(filepath.Join(root, keyFileName))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(keyFileMode), info.Mode().Perm())
}

func TestLoadOrCreateIsStableAcrossReload(t *testing.T) {
	root := t.TempDir()

	first, err := LoadOrCreate(root)
	require.NoError(t, err)

	second, err := LoadOrCreate(root)
	require.NoError(t, err)

	assert.Equal(t, first.AgentID(), second.AgentID())
	assert.Equal(t, first.PublicKeyBase64(), second.PublicKeyBase64())
}

func TestLoadOrCreateRejectsCorruptFile(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(root, 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(root, keyFileName), []byte("not base64!!"), keyFileMode))

	_, err := LoadOrCreate(root)
	assert.Error(t, err)
}

func TestLoadOrCreateRejectsSymlink(t *testing.T) {
	root := t.TempDir()
	real := filepath.Join(root, "elsewhere.key")
	require.NoError(t, os.WriteFile(real, []byte("AAAA"), keyFileMode))
	require.NoError(t, os.Symlink(real, filepath.Join(root, keyFileName)))

	_, err := LoadOrCreate(root)
	assert.Error(t, err)
}

func TestMakeTransportCertificatePublicKeyMatches(t *testing.T) {
	root := t.TempDir()
	id, err := LoadOrCreate(root)
	require.NoError(t, err)

	certDER, keyDER, err := id.MakeTransportCertificate(string(id.AgentID()))
	require.NoError(t, err)

	cert, err := x509.ParseCertificate(certDER)
	require.NoError(t, err)

	pub, ok := cert.PublicKey.(ed25519.PublicKey)
	require.True(t, ok)
	assert.True(t, pub.Equal(id.PublicKey()))

	priv, err := x509.ParsePKCS8PrivateKey(keyDER)
	require.NoError(t, err)
	edPriv, ok := priv.(ed25519.PrivateKey)
	require.True(t, ok)
	assert.True(t, edPriv.Public().(ed25519.PublicKey).Equal(id.PublicKey()))
}

func TestAgentIDDerivationIsDeterministic(t *testing.T) {
	root := t.TempDir()
	id, err := LoadOrCreate(root)
	require.NoError(t, err)

	again, err := fromSeed(id.seed)
	require.NoError(t, err)
	assert.Equal(t, id.AgentID(), again.AgentID())
}
