// Package identity owns the daemon's long-lived Ed25519 signing key, the
// agent-id derived from it, and the self-signed transport certificate built
// from it. Adapted from the teacher's key-pair-with-derived-id pattern,
// generalized to the single on-disk process identity spec.md §3/§6
// describes instead of the teacher's multi-key keystore abstraction.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"time"

	"github.com/axon-project/axond/internal/daemonerr"
	"github.com/axon-project/axond/internal/envelope"
)

const (
	keyFileName = "identity.key"
	pubFileName = "identity.pub"
	keyFileMode = 0o600
)

// Identity is the process-wide signing key and its derived agent-id.
type Identity struct {
	seed       []byte // 32-byte Ed25519 seed, the persisted secret
	priv       ed25519.PrivateKey
	pub        ed25519.PublicKey
	agentID    envelope.AgentId
	pubBase64  string
}

// LoadOrCreate reads root/identity.key, creating it on first run. Corrupt or
// legacy (raw 32-byte, non-base64, or wrong length) files are rejected
// rather than silently overwritten — per spec.md §4.1 they must be handled
// by an external migration tool.
func LoadOrCreate(root string) (*Identity, error) {
	keyPath := filepath.Join(root, keyFileName)

	seed, err := readSeed(keyPath)
	if errors.Is(err, os.ErrNotExist) {
		seed, err = createSeed(root, keyPath)
		if err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}

	return fromSeed(seed)
}

func fromSeed(seed []byte) (*Identity, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, daemonerr.New(daemonerr.CodeIdentityUnreadable,
			fmt.Sprintf("identity seed must be %d bytes, got %d (legacy or corrupt file; run migration tool)", ed25519.SeedSize, len(seed)))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)

	return &Identity{
		seed:      seed,
		priv:      priv,
		pub:       pub,
		agentID:   deriveAgentID(pub),
		pubBase64: base64.StdEncoding.EncodeToString(pub),
	}, nil
}

// deriveAgentID implements spec.md §3's derivation exactly:
// "ed25519." + hex(sha256(pubkey)[:16]).
func deriveAgentID(pub ed25519.PublicKey) envelope.AgentId {
	return DeriveAgentID(pub)
}

// DeriveAgentID is the exported form of the agent-id derivation, used by
// internal/control to compute the id for a peer enrolled at runtime from
// just its base64 public key (the `add_peer` command).
func DeriveAgentID(pub ed25519.PublicKey) envelope.AgentId {
	sum := sha256.Sum256(pub)
	return envelope.AgentId("ed25519." + hex.EncodeToString(sum[:16]))
}

// AgentID returns the derived agent-id.
func (id *Identity) AgentID() envelope.AgentId { return id.agentID }

// PublicKeyBase64 returns the standard-base64 encoded verifying key.
func (id *Identity) PublicKeyBase64() string { return id.pubBase64 }

// PublicKey returns the raw verifying key.
func (id *Identity) PublicKey() ed25519.PublicKey { return id.pub }

// Signer returns the private signing key used to build the transport
// certificate and, if ever needed, to sign handshake material directly.
func (id *Identity) Signer() ed25519.PrivateKey { return id.priv }

// MakeTransportCertificate builds a self-signed X.509 leaf whose
// SubjectPublicKeyInfo is exactly the verifying key, for use as the QUIC
// endpoint's TLS certificate on both the server and client side.
func (id *Identity) MakeTransportCertificate(commonName string) (certDER, keyDER []byte, err error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, daemonerr.Wrap(daemonerr.CodeInternal, "generate certificate serial", err)
	}

	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: commonName},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().AddDate(10, 0, 0),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		DNSNames:     []string{string(id.agentID)},
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, id.pub, id.priv)
	if err != nil {
		return nil, nil, daemonerr.Wrap(daemonerr.CodeInternal, "create self-signed certificate", err)
	}

	keyDER, err = x509.MarshalPKCS8PrivateKey(id.priv)
	if err != nil {
		return nil, nil, daemonerr.Wrap(daemonerr.CodeInternal, "marshal private key", err)
	}

	return der, keyDER, nil
}

func readSeed(path string) ([]byte, error) {
	info, err := os.Lstat(path)
	if err != nil {
		return nil, err
	}
	if info.Mode()&os.ModeSymlink != 0 {
		return nil, daemonerr.New(daemonerr.CodeIdentityUnreadable, "identity.key must not be a symlink")
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, daemonerr.Wrap(daemonerr.CodeIdentityUnreadable, "read identity.key", err)
	}

	seed, err := base64.StdEncoding.DecodeString(string(trimNewline(raw)))
	if err != nil {
		return nil, daemonerr.Wrap(daemonerr.CodeIdentityUnreadable, "identity.key is not valid base64 (legacy raw-seed file? run migration tool)", err)
	}
	return seed, nil
}

func createSeed(root, keyPath string) ([]byte, error) {
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, daemonerr.Wrap(daemonerr.CodeIdentityUnreadable, "create state directory", err)
	}

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, daemonerr.Wrap(daemonerr.CodeInternal, "generate ed25519 key", err)
	}
	seed := priv.Seed()

	encoded := base64.StdEncoding.EncodeToString(seed)
	f, err := os.OpenFile(keyPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, keyFileMode)
	if err != nil {
		return nil, daemonerr.Wrap(daemonerr.CodeIdentityUnreadable, "create identity.key", err)
	}
	defer f.Close()

	if _, err := f.WriteString(encoded); err != nil {
		return nil, daemonerr.Wrap(daemonerr.CodeIdentityUnreadable, "write identity.key", err)
	}

	priv = ed25519.NewKeyFromSeed(seed)
	pubBytes := priv.Public().(ed25519.PublicKey)
	pubPath := filepath.Join(root, pubFileName)
	_ = os.WriteFile(pubPath, []byte(base64.StdEncoding.EncodeToString(pubBytes)), keyFileMode)

	return seed, nil
}

func trimNewline(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r') {
		b = b[:len(b)-1]
	}
	return b
}
