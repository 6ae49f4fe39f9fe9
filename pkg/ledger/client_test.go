package ledger

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRequest() *SubmitRequest {
	return &SubmitRequest{
		EventType:      "ANCHOR_REGISTERED",
		Source:         "anchors",
		AnchorID:       "ANCH-001",
		AssetID:        "7f2c1a90-3b41-4c5d-9e6f-8a7b6c5d4e3f",
		AnchorSequence: 1,
		EventID:        "abc123",
		Payload:        json.RawMessage(`{"hardware_model":"AnchorMk2"}`),
		EventTimestamp: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestSubmitAck(t *testing.T) {
	var got SubmitRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/events", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"event_id":"ledger-uuid-1"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/api/v1", "secret")
	id, err := c.Submit(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, "ledger-uuid-1", id)
	assert.Equal(t, "ANCH-001", got.AnchorID)
	assert.Equal(t, "anchors", got.Source)
}

func TestSubmitUnparseableAckIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`not json`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "secret")
	_, err := c.Submit(context.Background(), testRequest())
	var te *TransientError
	require.ErrorAs(t, err, &te)
}

func TestSubmitServerErrorIsTransient(t *testing.T) {
	for _, status := range []int{http.StatusInternalServerError, http.StatusBadGateway, http.StatusTooManyRequests} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(status)
		}))
		c := NewClient(srv.URL, "secret")
		_, err := c.Submit(context.Background(), testRequest())
		srv.Close()

		var te *TransientError
		require.ErrorAs(t, err, &te, "status %d", status)
	}
}

func TestSubmitNetworkErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close() // connection refused from here on

	c := NewClient(srv.URL, "secret")
	_, err := c.Submit(context.Background(), testRequest())
	var te *TransientError
	require.ErrorAs(t, err, &te)
}

func TestSubmitClientErrorIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"detail":"unknown asset"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "secret")
	_, err := c.Submit(context.Background(), testRequest())
	var pe *PermanentError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, http.StatusUnprocessableEntity, pe.Status)
	assert.Contains(t, pe.Body, "unknown asset")
}

func TestBreakerOpensAfterThreshold(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "secret",
		WithBreaker(NewCircuitBreaker("test", 2, time.Hour)))

	for range 2 {
		_, err := c.Submit(context.Background(), testRequest())
		require.Error(t, err)
	}
	assert.Equal(t, 2, calls)

	// Tripped: the next attempt must not reach the server.
	_, err := c.Submit(context.Background(), testRequest())
	var te *TransientError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, 2, calls)
}

func TestBreakerHalfOpenProbe(t *testing.T) {
	cb := NewCircuitBreaker("test", 1, time.Millisecond)
	cb.Failure()
	assert.False(t, cb.Allow())

	time.Sleep(5 * time.Millisecond)
	assert.True(t, cb.Allow(), "probe allowed after reset timeout")

	// A failed probe re-opens immediately.
	cb.Failure()
	assert.False(t, cb.Allow())

	time.Sleep(5 * time.Millisecond)
	assert.True(t, cb.Allow())
	cb.Success()
	assert.True(t, cb.Allow())
}
