package events

import (
	"encoding/json"

	"github.com/google/uuid"
)

// DefaultSchemaVersion is stamped on envelopes that omit schema_version.
const DefaultSchemaVersion = "1.0.0"

// Envelope is a signed event submission as received from anchor hardware.
// AssetID and PublicKey are present only on ANCHOR_REGISTERED: registration
// carries the key material it is verified against (trust on first use).
type Envelope struct {
	AnchorID       string          `json:"anchor_id"`
	AssetID        string          `json:"asset_id,omitempty"`
	EventType      Type            `json:"event_type"`
	AnchorSequence uint64          `json:"anchor_sequence"`
	SchemaVersion  string          `json:"schema_version,omitempty"`
	Payload        json.RawMessage `json:"payload"`
	Signature      string          `json:"signature"`
	PublicKey      string          `json:"public_key,omitempty"`
}

// ParseEnvelope decodes and validates a raw submission. All structural
// failures come back as CodeMalformed rejections; nothing here consults
// anchor state.
func ParseEnvelope(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, Reject(CodeMalformed, "invalid JSON: %v", err)
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return &env, nil
}

// Validate checks envelope structure and the payload against the kind's
// JSON Schema.
func (e *Envelope) Validate() error {
	if e.AnchorID == "" {
		return Reject(CodeMalformed, "anchor_id is required")
	}
	if len(e.AnchorID) > 64 {
		return Reject(CodeMalformed, "anchor_id exceeds 64 characters")
	}
	if !e.EventType.Valid() {
		return Reject(CodeMalformed, "unknown event type %q", e.EventType)
	}
	if e.AnchorSequence == 0 {
		return Reject(CodeMalformed, "anchor_sequence must be >= 1")
	}
	if e.Signature == "" {
		return Reject(CodeMalformed, "signature is required")
	}
	if e.SchemaVersion == "" {
		e.SchemaVersion = DefaultSchemaVersion
	}

	if e.EventType == TypeRegistered {
		if e.AssetID == "" {
			return Reject(CodeMalformed, "asset_id is required for registration")
		}
		if _, err := uuid.Parse(e.AssetID); err != nil {
			return Reject(CodeMalformed, "asset_id is not a valid UUID")
		}
		if e.PublicKey == "" {
			return Reject(CodeMalformed, "public_key is required for registration")
		}
	} else {
		if e.AssetID != "" {
			return Reject(CodeMalformed, "asset_id is only accepted on registration")
		}
		if e.PublicKey != "" {
			return Reject(CodeMalformed, "public_key is only accepted on registration")
		}
	}

	if len(e.Payload) == 0 {
		return Reject(CodeMalformed, "payload is required")
	}
	return validatePayloadSchema(e.EventType, e.Payload)
}

// DecodePayload unmarshals the raw payload into its typed form. The switch
// is exhaustive over the canonical kinds; Validate has already rejected
// anything else.
func (e *Envelope) DecodePayload() (Payload, error) {
	decode := func(dst Payload) (Payload, error) {
		if err := json.Unmarshal(e.Payload, dst); err != nil {
			return nil, Reject(CodeMalformed, "payload does not match %s schema: %v", e.EventType, err)
		}
		return dst, nil
	}
	switch e.EventType {
	case TypeRegistered:
		return decode(&RegisteredPayload{})
	case TypeSealArmed:
		return decode(&SealArmedPayload{})
	case TypeSealBroken:
		return decode(&SealBrokenPayload{})
	case TypeEnvironmentalAlert:
		return decode(&EnvironmentalAlertPayload{})
	case TypeCustodySignal:
		return decode(&CustodySignalPayload{})
	default:
		return nil, Reject(CodeMalformed, "unknown event type %q", e.EventType)
	}
}
