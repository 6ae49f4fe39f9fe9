package events

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Per-kind JSON Schemas for event payloads. Compiled once at init; a
// malformed schema is a programming error, not a runtime condition.
var payloadSchemas = map[Type]*jsonschema.Schema{}

const (
	geoSchema = `{
		"type": "object",
		"required": ["lat_e7", "lon_e7"],
		"properties": {
			"lat_e7": {"type": "integer", "minimum": -900000000, "maximum": 900000000},
			"lon_e7": {"type": "integer", "minimum": -1800000000, "maximum": 1800000000}
		},
		"additionalProperties": false
	}`

	registeredSchema = `{
		"type": "object",
		"required": ["hardware_model", "firmware_version", "manufacturer_id"],
		"properties": {
			"hardware_model": {"type": "string", "minLength": 1, "maxLength": 128},
			"firmware_version": {"type": "string", "minLength": 1, "maxLength": 32},
			"manufacturer_id": {"type": "string", "minLength": 1, "maxLength": 64}
		},
		"additionalProperties": false
	}`

	sealArmedSchema = `{
		"type": "object",
		"required": ["seal_id", "geo"],
		"properties": {
			"seal_id": {"type": "string", "minLength": 1, "maxLength": 64},
			"geo": ` + geoSchema + `
		},
		"additionalProperties": false
	}`

	sealBrokenSchema = `{
		"type": "object",
		"required": ["seal_id", "trigger_type", "geo"],
		"properties": {
			"seal_id": {"type": "string", "minLength": 1, "maxLength": 64},
			"trigger_type": {"enum": ["MANUAL", "FORCE", "TAMPER", "UNKNOWN"]},
			"geo": ` + geoSchema + `
		},
		"additionalProperties": false
	}`

	environmentalAlertSchema = `{
		"type": "object",
		"required": ["metric", "value", "threshold"],
		"properties": {
			"metric": {"enum": ["SHOCK", "TEMP", "HUMIDITY"]},
			"value": {"type": "string", "minLength": 1, "maxLength": 64},
			"threshold": {"type": "string", "minLength": 1, "maxLength": 64}
		},
		"additionalProperties": false
	}`

	custodySignalSchema = `{
		"type": "object",
		"required": ["challenge_id", "direction", "counterparty_pubkey"],
		"properties": {
			"challenge_id": {"type": "string", "format": "uuid", "minLength": 36, "maxLength": 36},
			"direction": {"enum": ["RELEASE", "ACCEPT"]},
			"counterparty_pubkey": {"type": "string", "minLength": 1, "maxLength": 128}
		},
		"additionalProperties": false
	}`
)

func init() {
	sources := map[Type]string{
		TypeRegistered:         registeredSchema,
		TypeSealArmed:          sealArmedSchema,
		TypeSealBroken:         sealBrokenSchema,
		TypeEnvironmentalAlert: environmentalAlertSchema,
		TypeCustodySignal:      custodySignalSchema,
	}
	for kind, src := range sources {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		url := fmt.Sprintf("https://schemas.proveniq.dev/anchors/%s.schema.json",
			strings.ToLower(string(kind)))
		if err := c.AddResource(url, strings.NewReader(src)); err != nil {
			panic(fmt.Sprintf("events: bad schema for %s: %v", kind, err))
		}
		compiled, err := c.Compile(url)
		if err != nil {
			panic(fmt.Sprintf("events: schema compile failed for %s: %v", kind, err))
		}
		payloadSchemas[kind] = compiled
	}
}

func validatePayloadSchema(kind Type, raw json.RawMessage) error {
	schema, ok := payloadSchemas[kind]
	if !ok {
		return Reject(CodeMalformed, "unknown event type %q", kind)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return Reject(CodeMalformed, "payload is not valid JSON: %v", err)
	}
	if err := schema.Validate(v); err != nil {
		return Reject(CodeMalformed, "payload does not match %s schema: %v", kind, err)
	}
	return nil
}
