package ingest

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/proveniq/anchors/pkg/crypto"
	"github.com/proveniq/anchors/pkg/events"
	"github.com/proveniq/anchors/pkg/store"
)

const testAssetID = "7f2c1a90-3b41-4c5d-9e6f-8a7b6c5d4e3f"

type countingWaker struct {
	mu sync.Mutex
	n  int
}

func (w *countingWaker) Wake() {
	w.mu.Lock()
	w.n++
	w.mu.Unlock()
}

func (w *countingWaker) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.n
}

type denyLimiter struct{ allow bool }

func (d *denyLimiter) Allow(context.Context, string) bool { return d.allow }

func testCoordinator(t *testing.T, cfg Config) (*Coordinator, *store.SQLiteStore, *countingWaker) {
	t.Helper()
	st, err := store.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	waker := &countingWaker{}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := New(st, nil, waker, cfg, log, nil).
		WithClock(func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) })
	return c, st, waker
}

func newSigner(t *testing.T) *crypto.Signer {
	t.Helper()
	signer, err := crypto.NewSigner()
	require.NoError(t, err)
	return signer
}

func signedEnv(t *testing.T, signer *crypto.Signer, anchorID string, kind events.Type, seq uint64) *events.Envelope {
	t.Helper()
	env := &events.Envelope{
		AnchorID:       anchorID,
		EventType:      kind,
		AnchorSequence: seq,
	}
	switch kind {
	case events.TypeRegistered:
		env.AssetID = testAssetID
		env.Payload = json.RawMessage(`{"hardware_model":"AnchorMk2","firmware_version":"2.4.1","manufacturer_id":"MFG-42"}`)
	case events.TypeSealArmed:
		env.Payload = json.RawMessage(`{"seal_id":"SEAL-9","geo":{"lat_e7":407128000,"lon_e7":-740060000}}`)
	case events.TypeSealBroken:
		env.Payload = json.RawMessage(`{"seal_id":"SEAL-9","trigger_type":"TAMPER","geo":{"lat_e7":407128000,"lon_e7":-740060000}}`)
	case events.TypeEnvironmentalAlert:
		env.Payload = json.RawMessage(`{"metric":"SHOCK","value":"9.8","threshold":"5.0"}`)
	case events.TypeCustodySignal:
		env.Payload = json.RawMessage(`{"challenge_id":"` + testAssetID + `","direction":"RELEASE","counterparty_pubkey":"abc"}`)
	}
	require.NoError(t, signer.SignEnvelope(env))
	return env
}

func TestSubmitFullLifecycle(t *testing.T) {
	c, st, waker := testCoordinator(t, Config{})
	signer := newSigner(t)
	ctx := context.Background()

	kinds := []events.Type{
		events.TypeRegistered,
		events.TypeSealArmed,
		events.TypeEnvironmentalAlert,
		events.TypeSealBroken,
	}
	for i, kind := range kinds {
		res, err := c.Submit(ctx, signedEnv(t, signer, "ANCH-001", kind, uint64(i+1)))
		require.NoError(t, err, "step %d (%s)", i+1, kind)
		assert.False(t, res.Duplicate)
		assert.Len(t, res.EventID, 64)
	}

	anchor, err := st.GetAnchor(ctx, "ANCH-001")
	require.NoError(t, err)
	assert.Equal(t, events.StateBroken, anchor.State)
	assert.Equal(t, uint64(4), anchor.LastSequence)
	assert.Equal(t, signer.PublicKey(), anchor.PublicKey)

	history, err := st.EventsForAnchor(ctx, "ANCH-001")
	require.NoError(t, err)
	assert.Len(t, history, 4)
	assert.Equal(t, 4, waker.count())
}

func TestSubmitDuplicateAcknowledged(t *testing.T) {
	c, st, waker := testCoordinator(t, Config{})
	signer := newSigner(t)
	ctx := context.Background()

	env := signedEnv(t, signer, "ANCH-001", events.TypeRegistered, 1)
	first, err := c.Submit(ctx, env)
	require.NoError(t, err)
	require.False(t, first.Duplicate)

	again, err := c.Submit(ctx, env)
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
	assert.Equal(t, first.EventID, again.EventID)

	history, err := st.EventsForAnchor(ctx, "ANCH-001")
	require.NoError(t, err)
	assert.Len(t, history, 1)
	assert.Equal(t, 1, waker.count(), "duplicates must not wake the forwarder")
}

func TestSubmitSequenceGap(t *testing.T) {
	c, _, _ := testCoordinator(t, Config{})
	signer := newSigner(t)
	ctx := context.Background()

	_, err := c.Submit(ctx, signedEnv(t, signer, "ANCH-001", events.TypeRegistered, 1))
	require.NoError(t, err)

	_, err = c.Submit(ctx, signedEnv(t, signer, "ANCH-001", events.TypeSealArmed, 3))
	require.Error(t, err)
	assert.Equal(t, events.CodeSequenceGap, events.CodeOf(err))

	// The skipped event arrives late and is still accepted in order.
	_, err = c.Submit(ctx, signedEnv(t, signer, "ANCH-001", events.TypeSealArmed, 2))
	require.NoError(t, err)
}

func TestSubmitStaleSequence(t *testing.T) {
	c, _, _ := testCoordinator(t, Config{})
	signer := newSigner(t)
	ctx := context.Background()

	_, err := c.Submit(ctx, signedEnv(t, signer, "ANCH-001", events.TypeRegistered, 1))
	require.NoError(t, err)
	_, err = c.Submit(ctx, signedEnv(t, signer, "ANCH-001", events.TypeSealArmed, 2))
	require.NoError(t, err)

	// Sequence 2 again, but different content.
	_, err = c.Submit(ctx, signedEnv(t, signer, "ANCH-001", events.TypeCustodySignal, 2))
	require.Error(t, err)
	assert.Equal(t, events.CodeDuplicateOrStale, events.CodeOf(err))
}

func TestSubmitAfterSealBreak(t *testing.T) {
	c, _, _ := testCoordinator(t, Config{})
	signer := newSigner(t)
	ctx := context.Background()

	for i, kind := range []events.Type{events.TypeRegistered, events.TypeSealArmed, events.TypeSealBroken} {
		_, err := c.Submit(ctx, signedEnv(t, signer, "ANCH-001", kind, uint64(i+1)))
		require.NoError(t, err)
	}

	_, err := c.Submit(ctx, signedEnv(t, signer, "ANCH-001", events.TypeSealArmed, 4))
	require.Error(t, err)
	assert.Equal(t, events.CodeAnchorSealed, events.CodeOf(err))
}

func TestSubmitUnknownAnchor(t *testing.T) {
	c, _, _ := testCoordinator(t, Config{})
	signer := newSigner(t)

	_, err := c.Submit(context.Background(), signedEnv(t, signer, "ANCH-GHOST", events.TypeSealArmed, 1))
	require.Error(t, err)
	assert.Equal(t, events.CodeUnknownAnchor, events.CodeOf(err))
}

func TestSubmitForgedSignature(t *testing.T) {
	c, st, _ := testCoordinator(t, Config{})
	signer := newSigner(t)
	intruder := newSigner(t)
	ctx := context.Background()

	_, err := c.Submit(ctx, signedEnv(t, signer, "ANCH-001", events.TypeRegistered, 1))
	require.NoError(t, err)

	// Signed by a key that is not the anchor's registered key.
	_, err = c.Submit(ctx, signedEnv(t, intruder, "ANCH-001", events.TypeSealArmed, 2))
	require.Error(t, err)
	assert.Equal(t, events.CodeInvalidSignature, events.CodeOf(err))

	// Rejected before the state machine: nothing committed.
	anchor, err := st.GetAnchor(ctx, "ANCH-001")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), anchor.LastSequence)
}

func TestSubmitTamperedEnvelope(t *testing.T) {
	c, _, _ := testCoordinator(t, Config{})
	signer := newSigner(t)

	env := signedEnv(t, signer, "ANCH-001", events.TypeRegistered, 1)
	env.AnchorID = "ANCH-002"
	_, err := c.Submit(context.Background(), env)
	require.Error(t, err)
	assert.Equal(t, events.CodeInvalidSignature, events.CodeOf(err))
}

func TestSubmitMalformed(t *testing.T) {
	c, _, waker := testCoordinator(t, Config{})
	signer := newSigner(t)

	env := signedEnv(t, signer, "ANCH-001", events.TypeRegistered, 1)
	env.AnchorSequence = 0
	_, err := c.Submit(context.Background(), env)
	require.Error(t, err)
	assert.Equal(t, events.CodeMalformed, events.CodeOf(err))
	assert.Zero(t, waker.count())
}

func TestSubmitRateLimited(t *testing.T) {
	st, err := store.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := New(st, &denyLimiter{allow: false}, nil, Config{}, log, nil)
	signer := newSigner(t)

	_, err = c.Submit(context.Background(), signedEnv(t, signer, "ANCH-001", events.TypeRegistered, 1))
	require.Error(t, err)
	assert.Equal(t, events.CodeOverloaded, events.CodeOf(err))
	assert.True(t, events.CodeOf(err).Retryable())
}

func TestSubmitBackpressure(t *testing.T) {
	c, _, _ := testCoordinator(t, Config{MaxUnforwardedBacklog: 1})
	signer := newSigner(t)
	ctx := context.Background()

	_, err := c.Submit(ctx, signedEnv(t, signer, "ANCH-001", events.TypeRegistered, 1))
	require.NoError(t, err)

	// One unforwarded event sits in the queue; the limit is reached.
	other := newSigner(t)
	_, err = c.Submit(ctx, signedEnv(t, other, "ANCH-002", events.TypeRegistered, 1))
	require.Error(t, err)
	assert.Equal(t, events.CodeOverloaded, events.CodeOf(err))
}

func TestSubmitEmitsSpan(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	c, _, _ := testCoordinator(t, Config{})
	signer := newSigner(t)

	_, err := c.Submit(context.Background(), signedEnv(t, signer, "ANCH-001", events.TypeRegistered, 1))
	require.NoError(t, err)

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	span := spans[0]
	assert.Equal(t, "event.submit", span.Name())
	assert.Contains(t, span.Attributes(), attribute.String("anchor_id", "ANCH-001"))
	assert.Contains(t, span.Attributes(), attribute.String("event_type", string(events.TypeRegistered)))
	assert.Contains(t, span.Attributes(), attribute.Bool("duplicate", false))
}

func TestSubmitConcurrentIdenticalEvents(t *testing.T) {
	c, st, _ := testCoordinator(t, Config{})
	signer := newSigner(t)
	ctx := context.Background()

	env := signedEnv(t, signer, "ANCH-001", events.TypeRegistered, 1)

	const n = 16
	results := make([]*Result, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := c.Submit(ctx, env)
			require.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	accepted := 0
	for _, res := range results {
		if !res.Duplicate {
			accepted++
		}
	}
	assert.Equal(t, 1, accepted, "exactly one submission wins; the rest ack as duplicates")

	history, err := st.EventsForAnchor(ctx, "ANCH-001")
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestSubmitConcurrentAnchorsCommitIndependently(t *testing.T) {
	c, st, _ := testCoordinator(t, Config{})
	ctx := context.Background()

	const anchors = 8
	var wg sync.WaitGroup
	for i := range anchors {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			signer := newSigner(t)
			anchorID := "ANCH-00" + string(rune('0'+i))
			for seq, kind := range []events.Type{events.TypeRegistered, events.TypeSealArmed} {
				_, err := c.Submit(ctx, signedEnv(t, signer, anchorID, kind, uint64(seq+1)))
				require.NoError(t, err)
			}
		}(i)
	}
	wg.Wait()

	for i := range anchors {
		anchor, err := st.GetAnchor(ctx, "ANCH-00"+string(rune('0'+i)))
		require.NoError(t, err)
		assert.Equal(t, events.StateArmed, anchor.State)
		assert.Equal(t, uint64(2), anchor.LastSequence)
	}
}
