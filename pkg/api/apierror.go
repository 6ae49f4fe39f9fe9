// Package api — HTTP surface for the anchors ingress service. Error
// responses follow RFC 7807 (Problem Details for HTTP APIs).
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/proveniq/anchors/pkg/events"
)

// ProblemDetail implements RFC 7807. Code carries the service's stable
// rejection reason so hardware can branch without parsing prose.
type ProblemDetail struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Code   string `json:"code,omitempty"`
	Detail string `json:"detail,omitempty"`
}

// Error implements the error interface.
func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

// statusFor maps rejection codes onto HTTP statuses.
func statusFor(code events.Code) int {
	switch code {
	case events.CodeMalformed:
		return http.StatusBadRequest
	case events.CodeInvalidSignature:
		return http.StatusUnauthorized
	case events.CodeUnknownAnchor:
		return http.StatusNotFound
	case events.CodeAlreadyRegistered, events.CodeIllegalTransition,
		events.CodeSequenceGap, events.CodeDuplicateOrStale, events.CodeAnchorSealed:
		return http.StatusConflict
	case events.CodeOverloaded:
		return http.StatusTooManyRequests
	case events.CodeStorageFailure:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// WriteRejection renders a submission refusal. Retryable refusals carry a
// Retry-After hint.
func WriteRejection(w http.ResponseWriter, err error) {
	code := events.CodeOf(err)
	status := statusFor(code)

	detail := ""
	var rej *events.Rejection
	if errors.As(err, &rej) {
		detail = rej.Detail
	} else {
		// Untyped errors are infrastructure faults; log them, never leak.
		slog.Error("internal error on submission path", "error", err)
		detail = "temporary storage failure, please retry"
	}

	if code.Retryable() {
		w.Header().Set("Retry-After", "5")
	}
	writeProblem(w, status, string(code), detail)
}

// WriteError renders a plain HTTP-level problem without a rejection code.
func WriteError(w http.ResponseWriter, status int, detail string) {
	writeProblem(w, status, "", detail)
}

func writeProblem(w http.ResponseWriter, status int, code, detail string) {
	problem := &ProblemDetail{
		Type:   fmt.Sprintf("https://anchors.proveniq.dev/errors/%d", status),
		Title:  http.StatusText(status),
		Status: status,
		Code:   code,
		Detail: detail,
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(problem)
}
