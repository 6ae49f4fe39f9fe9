package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/proveniq/anchors/pkg/canonicalize"
	"github.com/proveniq/anchors/pkg/events"
)

// Signer produces anchor-side signatures. The service itself never signs;
// this mirrors the firmware signing path for tests and simulators.
type Signer struct {
	privKey ed25519.PrivateKey
	pubKey  ed25519.PublicKey
}

// NewSigner generates a fresh Ed25519 keypair.
func NewSigner() (*Signer, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("key generation failed: %w", err)
	}
	return &Signer{privKey: priv, pubKey: pub}, nil
}

// NewSignerFromKey wraps an existing private key.
func NewSignerFromKey(priv ed25519.PrivateKey) *Signer {
	return &Signer{privKey: priv, pubKey: priv.Public().(ed25519.PublicKey)}
}

// PublicKey returns the hex-encoded public key.
func (s *Signer) PublicKey() string {
	return hex.EncodeToString(s.pubKey)
}

// Sign returns the hex-encoded signature over data.
func (s *Signer) Sign(data []byte) string {
	return hex.EncodeToString(ed25519.Sign(s.privKey, data))
}

// SignEnvelope computes and sets the envelope's signature over its canonical
// signing payload. Registration envelopes get the signer's public key stamped
// in first, since the key is part of the signed body.
func (s *Signer) SignEnvelope(env *events.Envelope) error {
	if env.EventType == events.TypeRegistered {
		env.PublicKey = s.PublicKey()
	}
	if env.SchemaVersion == "" {
		env.SchemaVersion = events.DefaultSchemaVersion
	}
	payload, err := canonicalize.SigningPayload(env)
	if err != nil {
		return err
	}
	env.Signature = s.Sign(payload)
	return nil
}
