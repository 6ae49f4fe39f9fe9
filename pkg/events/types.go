// Package events defines the canonical anchor event model: the five
// schema-locked event kinds, their typed payloads, the signed submission
// envelope, and the stored anchor/event records.
package events

import "time"

// Type identifies one of the five canonical anchor event kinds.
type Type string

const (
	TypeRegistered         Type = "ANCHOR_REGISTERED"
	TypeSealArmed          Type = "ANCHOR_SEAL_ARMED"
	TypeSealBroken         Type = "ANCHOR_SEAL_BROKEN"
	TypeEnvironmentalAlert Type = "ANCHOR_ENVIRONMENTAL_ALERT"
	TypeCustodySignal      Type = "ANCHOR_CUSTODY_SIGNAL"
)

// Types lists every canonical kind, in declaration order.
var Types = []Type{
	TypeRegistered,
	TypeSealArmed,
	TypeSealBroken,
	TypeEnvironmentalAlert,
	TypeCustodySignal,
}

// Valid reports whether t is one of the canonical kinds.
func (t Type) Valid() bool {
	switch t {
	case TypeRegistered, TypeSealArmed, TypeSealBroken, TypeEnvironmentalAlert, TypeCustodySignal:
		return true
	}
	return false
}

// TriggerType classifies what broke a seal.
type TriggerType string

const (
	TriggerManual  TriggerType = "MANUAL"
	TriggerForce   TriggerType = "FORCE"
	TriggerTamper  TriggerType = "TAMPER"
	TriggerUnknown TriggerType = "UNKNOWN"
)

// Metric identifies an environmental reading kind.
type Metric string

const (
	MetricShock    Metric = "SHOCK"
	MetricTemp     Metric = "TEMP"
	MetricHumidity Metric = "HUMIDITY"
)

// CustodyDirection indicates which side of a handoff the anchor observed.
type CustodyDirection string

const (
	CustodyRelease CustodyDirection = "RELEASE"
	CustodyAccept  CustodyDirection = "ACCEPT"
)

// Geo is a fixed-point coordinate pair (degrees × 10^7).
type Geo struct {
	LatE7 int64 `json:"lat_e7"`
	LonE7 int64 `json:"lon_e7"`
}

// Payload is the closed sum of per-kind event payloads.
type Payload interface {
	Kind() Type
}

// RegisteredPayload binds anchor hardware to an asset.
type RegisteredPayload struct {
	HardwareModel   string `json:"hardware_model"`
	FirmwareVersion string `json:"firmware_version"`
	ManufacturerID  string `json:"manufacturer_id"`
}

// SealArmedPayload declares the asset sealed and monitored.
type SealArmedPayload struct {
	SealID string `json:"seal_id"`
	Geo    Geo    `json:"geo"`
}

// SealBrokenPayload records an irreversible integrity breach.
type SealBrokenPayload struct {
	SealID      string      `json:"seal_id"`
	TriggerType TriggerType `json:"trigger_type"`
	Geo         Geo         `json:"geo"`
}

// EnvironmentalAlertPayload records a condition-exposure reading
// that crossed its configured threshold.
type EnvironmentalAlertPayload struct {
	Metric    Metric `json:"metric"`
	Value     string `json:"value"`
	Threshold string `json:"threshold"`
}

// CustodySignalPayload records a physical custody handoff challenge.
type CustodySignalPayload struct {
	ChallengeID        string           `json:"challenge_id"`
	Direction          CustodyDirection `json:"direction"`
	CounterpartyPubkey string           `json:"counterparty_pubkey"`
}

func (RegisteredPayload) Kind() Type         { return TypeRegistered }
func (SealArmedPayload) Kind() Type          { return TypeSealArmed }
func (SealBrokenPayload) Kind() Type         { return TypeSealBroken }
func (EnvironmentalAlertPayload) Kind() Type { return TypeEnvironmentalAlert }
func (CustodySignalPayload) Kind() Type      { return TypeCustodySignal }

// AnchorState is the primary lifecycle state of an anchor.
type AnchorState string

const (
	// StateRegistered: hardware bound to an asset, seal not yet armed.
	StateRegistered AnchorState = "REGISTERED"
	// StateArmed: sealed and monitored.
	StateArmed AnchorState = "ARMED"
	// StateAlerted: sealed, but at least one environmental alert fired.
	StateAlerted AnchorState = "ALERTED"
	// StateBroken: seal integrity compromised. Terminal.
	StateBroken AnchorState = "BROKEN"
)

// Anchor is the persisted identity and lifecycle record of one hardware unit.
// Mutated only through accepted event application; never deleted.
type Anchor struct {
	AnchorID        string      `json:"anchor_id"`
	AssetID         string      `json:"asset_id"`
	PublicKey       string      `json:"public_key"`
	State           AnchorState `json:"state"`
	LastSequence    uint64      `json:"last_sequence"`
	HardwareModel   string      `json:"hardware_model,omitempty"`
	FirmwareVersion string      `json:"firmware_version,omitempty"`
	ManufacturerID  string      `json:"manufacturer_id,omitempty"`
	CurrentSealID   string      `json:"current_seal_id,omitempty"`
	RegisteredAt    time.Time   `json:"registered_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

// Record is an accepted, immutable event as stored.
// ForwardedAt is the only field that ever transitions, null → set.
type Record struct {
	EventID        string    `json:"event_id"`
	AnchorID       string    `json:"anchor_id"`
	AssetID        string    `json:"asset_id,omitempty"`
	EventType      Type      `json:"event_type"`
	AnchorSequence uint64    `json:"anchor_sequence"`
	SchemaVersion  string    `json:"schema_version"`
	Payload        []byte    `json:"payload"`
	Signature      string    `json:"signature"`
	ReceivedAt     time.Time `json:"received_at"`

	ForwardedAt   *time.Time `json:"forwarded_at,omitempty"`
	LedgerEventID string     `json:"ledger_event_id,omitempty"`
	ForwardFailed bool       `json:"forward_failed,omitempty"`
	ForwardError  string     `json:"forward_error,omitempty"`
}
