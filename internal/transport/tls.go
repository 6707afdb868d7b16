// TLS configuration and the custom pin-based peer verification spec.md
// §4.4 requires: derive agent_id from the peer's leaf certificate, check it
// against the pinset, and reject anything not already pinned (no TOFU).
// Grounded on the teleport QUIC peer server's tls.Config construction
// (GetCertificate / VerifyPeerCertificate / RequireAndVerifyClientCert /
// MinVersion TLS13) and on transport/tls.rs's agent-id-from-leaf-pubkey
// derivation, which this mirrors on both the client and server side.
package transport

import (
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"

	"github.com/axon-project/axond/internal/daemonerr"
	"github.com/axon-project/axond/internal/envelope"
	"github.com/axon-project/axond/internal/identity"
	"github.com/axon-project/axond/internal/peertable"
)

func encodeB64(pub ed25519.PublicKey) string { return base64.StdEncoding.EncodeToString(pub) }

func agentIDFromLeaf(cert *x509.Certificate) (envelope.AgentId, error) {
	pub, ok := cert.PublicKey.(ed25519.PublicKey)
	if !ok {
		return "", daemonerr.New(daemonerr.CodePinMismatch, "peer certificate does not carry an ed25519 key")
	}
	sum := sha256.Sum256(pub)
	return envelope.AgentId("ed25519." + hex.EncodeToString(sum[:16])), nil
}

// verifyPeer is the shared verification body for both directions: derive
// the agent-id from the certificate, then require it be present and
// byte-exact in the pinset. No TOFU — absence is a hard rejection.
func verifyPeer(rawCerts [][]byte, pins *peertable.Pinset) (envelope.AgentId, error) {
	if len(rawCerts) == 0 {
		return "", daemonerr.New(daemonerr.CodeHandshakeFailed, "no peer certificate presented")
	}
	cert, err := x509.ParseCertificate(rawCerts[0])
	if err != nil {
		return "", daemonerr.Wrap(daemonerr.CodeHandshakeFailed, "parse peer certificate", err)
	}
	agentID, err := agentIDFromLeaf(cert)
	if err != nil {
		return "", err
	}

	pinned, ok := pins.Lookup(agentID)
	if !ok {
		return "", daemonerr.New(daemonerr.CodePinMismatch, "peer agent-id not present in pinset (add it via static config or allow discovery first)")
	}
	pub := cert.PublicKey.(ed25519.PublicKey)
	presented := encodeB64(pub)
	if presented != pinned {
		return "", daemonerr.New(daemonerr.CodePinMismatch, "peer certificate's public key does not match the pinned value")
	}
	return agentID, nil
}

// serverTLSConfig builds the listener side: mutual auth required, custom
// verification instead of a CA chain, 0-RTT disabled.
func serverTLSConfig(id *identity.Identity, pins *peertable.Pinset) (*tls.Config, error) {
	cert, err := selfSignedCertificate(id)
	if err != nil {
		return nil, err
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.RequireAnyClientCert,
		MinVersion:   tls.VersionTLS13,
		NextProtos:   []string{"axon/1"},
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			_, err := verifyPeer(rawCerts, pins)
			return err
		},
	}, nil
}

// clientTLSConfig builds the dialer side: requires the server present the
// expectedAgentID identity (carried via ServerName/SNI), and applies the
// same pin check.
func clientTLSConfig(id *identity.Identity, pins *peertable.Pinset, expectedAgentID envelope.AgentId) (*tls.Config, error) {
	cert, err := selfSignedCertificate(id)
	if err != nil {
		return nil, err
	}

	return &tls.Config{
		Certificates:       []tls.Certificate{cert},
		InsecureSkipVerify: true, // verification is fully custom below
		MinVersion:         tls.VersionTLS13,
		ServerName:         string(expectedAgentID),
		NextProtos:         []string{"axon/1"},
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			derived, err := verifyPeer(rawCerts, pins)
			if err != nil {
				return err
			}
			if derived != expectedAgentID {
				return daemonerr.New(daemonerr.CodePinMismatch, "server's derived agent-id does not match the one we dialed")
			}
			return nil
		},
	}, nil
}

func selfSignedCertificate(id *identity.Identity) (tls.Certificate, error) {
	certDER, keyDER, err := id.MakeTransportCertificate(string(id.AgentID()))
	if err != nil {
		return tls.Certificate{}, err
	}
	priv, err := x509.ParsePKCS8PrivateKey(keyDER)
	if err != nil {
		return tls.Certificate{}, daemonerr.Wrap(daemonerr.CodeInternal, "parse identity private key", err)
	}
	return tls.Certificate{
		Certificate: [][]byte{certDER},
		PrivateKey:  priv,
	}, nil
}
