// Package crypto implements Ed25519 signature verification for anchor
// events. Keys and signatures travel hex-encoded.
package crypto

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"

	"github.com/proveniq/anchors/pkg/canonicalize"
	"github.com/proveniq/anchors/pkg/events"
)

// Verify checks sigHex over message with the given hex-encoded public key.
// A decode failure is an error; a clean mismatch is (false, nil).
func Verify(pubKeyHex, sigHex string, message []byte) (bool, error) {
	pubKey, err := hex.DecodeString(pubKeyHex)
	if err != nil {
		return false, fmt.Errorf("invalid public key hex: %w", err)
	}
	if len(pubKey) != ed25519.PublicKeySize {
		return false, fmt.Errorf("invalid public key size: %d", len(pubKey))
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return false, fmt.Errorf("invalid signature hex: %w", err)
	}
	if len(sig) != ed25519.SignatureSize {
		return false, fmt.Errorf("invalid signature size: %d", len(sig))
	}
	return ed25519.Verify(ed25519.PublicKey(pubKey), message, sig), nil
}

// VerifyEnvelope checks the envelope's signature over its canonical signing
// payload against pubKeyHex. For registration events the caller passes the
// key embedded in the envelope itself (trust on first use); for everything
// else, the anchor's registered key. Pure check, no side effects.
func VerifyEnvelope(env *events.Envelope, pubKeyHex string) error {
	payload, err := canonicalize.SigningPayload(env)
	if err != nil {
		return events.Reject(events.CodeMalformed, "cannot canonicalize event: %v", err)
	}
	ok, err := Verify(pubKeyHex, env.Signature, payload)
	if err != nil {
		return events.Reject(events.CodeInvalidSignature, "%v", err)
	}
	if !ok {
		return events.Reject(events.CodeInvalidSignature,
			"signature does not match anchor %s key", env.AnchorID)
	}
	return nil
}
