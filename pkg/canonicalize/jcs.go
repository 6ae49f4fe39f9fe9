// Package canonicalize provides RFC 8785 (JSON Canonicalization Scheme)
// serialization for anchor events. Both the signed byte payload and the
// content-derived event id are defined over the canonical form, so the
// encoding here is a wire contract: field order and escaping must be stable
// across implementations, including the firmware side.
package canonicalize

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"

	"github.com/proveniq/anchors/pkg/events"
)

// Canonical returns the RFC 8785 canonical JSON encoding of v.
func Canonical(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: marshal: %w", err)
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: transform: %w", err)
	}
	return out, nil
}

// HashBytes returns the hex SHA-256 digest of data.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// SigningPayload returns the canonical bytes an anchor signs: the full
// envelope minus the signature field itself. The registration public key is
// covered, which is what makes trust-on-first-use tamper-evident.
func SigningPayload(env *events.Envelope) ([]byte, error) {
	body := map[string]any{
		"anchor_id":       env.AnchorID,
		"event_type":      env.EventType,
		"anchor_sequence": env.AnchorSequence,
		"schema_version":  env.SchemaVersion,
		"payload":         json.RawMessage(env.Payload),
	}
	if env.AssetID != "" {
		body["asset_id"] = env.AssetID
	}
	if env.PublicKey != "" {
		body["public_key"] = env.PublicKey
	}
	return Canonical(body)
}

// EventID derives the deterministic, content-addressed event id:
// hex SHA-256 over the canonical form of the identity-bearing fields.
// Duplicate submissions of identical signed content collapse to the same id;
// a reused sequence number with different content does not.
func EventID(env *events.Envelope) (string, error) {
	body := map[string]any{
		"anchor_id":       env.AnchorID,
		"anchor_sequence": env.AnchorSequence,
		"event_type":      env.EventType,
		"payload":         json.RawMessage(env.Payload),
		"signature":       env.Signature,
	}
	canonical, err := Canonical(body)
	if err != nil {
		return "", err
	}
	return HashBytes(canonical), nil
}
