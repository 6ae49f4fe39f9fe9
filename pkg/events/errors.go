package events

import (
	"errors"
	"fmt"
)

// Code is a stable, machine-readable rejection reason. Hardware relies on
// the code to decide whether a local retry is worthwhile, so codes are part
// of the wire contract and never renamed.
type Code string

const (
	CodeInvalidSignature  Code = "INVALID_SIGNATURE"
	CodeUnknownAnchor     Code = "UNKNOWN_ANCHOR"
	CodeAlreadyRegistered Code = "ALREADY_REGISTERED"
	CodeIllegalTransition Code = "ILLEGAL_TRANSITION"
	CodeSequenceGap       Code = "SEQUENCE_GAP"
	CodeDuplicateOrStale  Code = "DUPLICATE_OR_STALE"
	CodeAnchorSealed      Code = "ANCHOR_SEALED"
	CodeMalformed         Code = "MALFORMED_EVENT"
	CodeOverloaded        Code = "OVERLOADED"
	CodeStorageFailure    Code = "STORAGE_FAILURE"
)

// Retryable reports whether a submitter may usefully retry the identical
// submission later. Only backpressure and infrastructure faults qualify;
// protocol violations are final.
func (c Code) Retryable() bool {
	return c == CodeOverloaded || c == CodeStorageFailure
}

// Rejection is a typed refusal of an event submission.
type Rejection struct {
	Code   Code
	Detail string
}

func (r *Rejection) Error() string {
	if r.Detail == "" {
		return string(r.Code)
	}
	return fmt.Sprintf("%s: %s", r.Code, r.Detail)
}

// Reject builds a Rejection with a formatted detail message.
func Reject(code Code, format string, args ...any) *Rejection {
	return &Rejection{Code: code, Detail: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the rejection code from err, or CodeStorageFailure when
// err is not a Rejection (anything untyped reaching the submitter is an
// infrastructure fault by definition).
func CodeOf(err error) Code {
	var r *Rejection
	if errors.As(err, &r) {
		return r.Code
	}
	return CodeStorageFailure
}
