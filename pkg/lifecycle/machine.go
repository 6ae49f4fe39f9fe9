// Package lifecycle enforces the anchor state machine: which events are
// legal given an anchor's current state and sequence counter, and what the
// anchor record looks like after an accepted event is applied.
package lifecycle

import (
	"time"

	"github.com/proveniq/anchors/pkg/events"
)

// Apply validates env against the anchor's current state and, if legal,
// returns the updated anchor record. A nil anchor means UNREGISTERED: no
// record exists yet. The input anchor is never mutated; callers persist the
// returned copy atomically with the event row.
//
// The switch over event kinds is exhaustive by construction: envelope
// validation has already rejected anything outside the canonical set.
func Apply(anchor *events.Anchor, env *events.Envelope, now time.Time) (*events.Anchor, error) {
	if env.EventType == events.TypeRegistered {
		return register(anchor, env, now)
	}

	if anchor == nil {
		return nil, events.Reject(events.CodeUnknownAnchor,
			"anchor %s is not registered", env.AnchorID)
	}
	if anchor.State == events.StateBroken {
		return nil, events.Reject(events.CodeAnchorSealed,
			"anchor %s seal is broken; no further events accepted", env.AnchorID)
	}
	if err := checkSequence(anchor, env); err != nil {
		return nil, err
	}

	next := *anchor
	next.LastSequence = env.AnchorSequence
	next.UpdatedAt = now

	switch env.EventType {
	case events.TypeSealArmed:
		if anchor.State != events.StateRegistered && anchor.State != events.StateAlerted {
			return nil, events.Reject(events.CodeIllegalTransition,
				"cannot arm seal from state %s", anchor.State)
		}
		payload, err := env.DecodePayload()
		if err != nil {
			return nil, err
		}
		next.State = events.StateArmed
		next.CurrentSealID = payload.(*events.SealArmedPayload).SealID

	case events.TypeSealBroken:
		if anchor.State != events.StateArmed && anchor.State != events.StateAlerted {
			return nil, events.Reject(events.CodeIllegalTransition,
				"cannot break seal from state %s", anchor.State)
		}
		next.State = events.StateBroken
		next.CurrentSealID = ""

	case events.TypeEnvironmentalAlert:
		if anchor.State != events.StateArmed && anchor.State != events.StateAlerted {
			return nil, events.Reject(events.CodeIllegalTransition,
				"environmental alert requires an armed seal, state is %s", anchor.State)
		}
		next.State = events.StateAlerted

	case events.TypeCustodySignal:
		// Legal from any non-broken state; never changes the primary state.

	case events.TypeRegistered:
		// Handled above; unreachable.

	default:
		return nil, events.Reject(events.CodeMalformed,
			"unknown event type %q", env.EventType)
	}

	return &next, nil
}

func register(anchor *events.Anchor, env *events.Envelope, now time.Time) (*events.Anchor, error) {
	if anchor != nil {
		return nil, events.Reject(events.CodeAlreadyRegistered,
			"anchor %s is already registered", env.AnchorID)
	}
	if env.AnchorSequence != 1 {
		return nil, events.Reject(events.CodeSequenceGap,
			"registration must carry sequence 1, got %d", env.AnchorSequence)
	}
	payload, err := env.DecodePayload()
	if err != nil {
		return nil, err
	}
	reg := payload.(*events.RegisteredPayload)
	return &events.Anchor{
		AnchorID:        env.AnchorID,
		AssetID:         env.AssetID,
		PublicKey:       env.PublicKey,
		State:           events.StateRegistered,
		LastSequence:    1,
		HardwareModel:   reg.HardwareModel,
		FirmwareVersion: reg.FirmwareVersion,
		ManufacturerID:  reg.ManufacturerID,
		RegisteredAt:    now,
		UpdatedAt:       now,
	}, nil
}

// checkSequence enforces the gap-free, strictly increasing per-anchor
// counter. A sequence at or below the watermark that reached this point is
// not a true duplicate (the event store's id check absorbs those first) but
// a reused sequence with different content: a protocol violation.
func checkSequence(anchor *events.Anchor, env *events.Envelope) error {
	switch {
	case env.AnchorSequence == anchor.LastSequence+1:
		return nil
	case env.AnchorSequence > anchor.LastSequence+1:
		return events.Reject(events.CodeSequenceGap,
			"sequence %d skips ahead of watermark %d", env.AnchorSequence, anchor.LastSequence)
	default:
		return events.Reject(events.CodeDuplicateOrStale,
			"sequence %d already consumed (watermark %d)", env.AnchorSequence, anchor.LastSequence)
	}
}
