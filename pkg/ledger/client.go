// Package ledger is the outbound client for the external PROVENIQ Ledger,
// the append-only system of record that accepted anchor events are forwarded
// into. Consumed exclusively by the forwarder.
package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Submitter is the interface the forwarder drives. Submit returns the
// ledger-assigned event id on ack, a *TransientError when the attempt may be
// retried, and a *PermanentError when the ledger has definitively rejected
// the event.
type Submitter interface {
	Submit(ctx context.Context, ev *SubmitRequest) (string, error)
}

// SubmitRequest is the wire form of a forwarded event.
type SubmitRequest struct {
	EventType      string          `json:"event_type"`
	Source         string          `json:"source"`
	AnchorID       string          `json:"anchor_id"`
	AssetID        string          `json:"asset_id,omitempty"`
	AnchorSequence uint64          `json:"anchor_sequence"`
	EventID        string          `json:"event_id"`
	Payload        json.RawMessage `json:"payload"`
	EventTimestamp time.Time       `json:"event_timestamp"`
}

// TransientError covers network faults, timeouts and 5xx responses.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("ledger transient: %v", e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError covers responses the ledger will never accept, 4xx class.
// Retrying is pointless; the event must be flagged and surfaced.
type PermanentError struct {
	Status int
	Body   string
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("ledger rejected with %d: %s", e.Status, e.Body)
}

// Client submits events over HTTP with bearer-token auth and a circuit
// breaker in front of the ledger endpoint.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	breaker *CircuitBreaker
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithBreaker overrides the default circuit breaker.
func WithBreaker(b *CircuitBreaker) Option {
	return func(c *Client) { c.breaker = b }
}

// NewClient builds a ledger client for the given base URL.
func NewClient(baseURL, apiKey string, opts ...Option) *Client {
	c := &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 30 * time.Second},
		breaker: NewCircuitBreaker("ledger", 5, 10*time.Second),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type submitResponse struct {
	EventID string `json:"event_id"`
}

// Submit delivers one event. An open circuit short-circuits into a
// TransientError without touching the network.
func (c *Client) Submit(ctx context.Context, ev *SubmitRequest) (string, error) {
	if !c.breaker.Allow() {
		return "", &TransientError{Err: fmt.Errorf("circuit breaker open for %s", c.baseURL)}
	}

	body, err := json.Marshal(ev)
	if err != nil {
		return "", &PermanentError{Status: 0, Body: fmt.Sprintf("unencodable event: %v", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/events", bytes.NewReader(body))
	if err != nil {
		return "", &TransientError{Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		c.breaker.Failure()
		return "", &TransientError{Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode == http.StatusCreated || resp.StatusCode == http.StatusOK:
		c.breaker.Success()
		var out submitResponse
		if err := json.Unmarshal(respBody, &out); err != nil || out.EventID == "" {
			// Accepted but unparseable ack: retry is safe, the ledger
			// deduplicates on event_id.
			return "", &TransientError{Err: fmt.Errorf("unparseable ack: %v", err)}
		}
		return out.EventID, nil

	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		c.breaker.Failure()
		return "", &TransientError{Err: fmt.Errorf("status %d: %s", resp.StatusCode, respBody)}

	default:
		// 4xx: the ledger itself rejected the payload. Not retryable.
		c.breaker.Success()
		return "", &PermanentError{Status: resp.StatusCode, Body: string(respBody)}
	}
}
