package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/proveniq/anchors/pkg/events"
	"github.com/proveniq/anchors/pkg/ingest"
	"github.com/proveniq/anchors/pkg/store"
)

const maxBodyBytes = 1 << 20 // event envelopes are small; cap defensively

// Server exposes event submission and query endpoints. Transport only:
// all semantics live in the coordinator and the store.
type Server struct {
	coordinator *ingest.Coordinator
	store       store.EventStore
	log         *slog.Logger
}

// NewServer wires the HTTP surface.
func NewServer(coordinator *ingest.Coordinator, st store.EventStore, log *slog.Logger) *Server {
	return &Server{coordinator: coordinator, store: st, log: log.With("component", "api")}
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/events", s.handleSubmit)
	mux.HandleFunc("GET /v1/events/{event_id}", s.handleGetEvent)
	mux.HandleFunc("GET /v1/anchors/{anchor_id}", s.handleAnchorStatus)
	mux.HandleFunc("GET /v1/anchors/{anchor_id}/events", s.handleAnchorHistory)
	mux.HandleFunc("GET /v1/assets/{asset_id}/anchors", s.handleAssetAnchors)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	return mux
}

// SubmitResponse acknowledges a submission. Status is ACCEPTED for a fresh
// commit and DUPLICATE for an idempotent replay; both are success.
type SubmitResponse struct {
	EventID string `json:"event_id"`
	Status  string `json:"status"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		WriteError(w, http.StatusBadRequest, "cannot read request body")
		return
	}

	env, err := events.ParseEnvelope(body)
	if err != nil {
		WriteRejection(w, err)
		return
	}

	res, err := s.coordinator.Submit(r.Context(), env)
	if err != nil {
		WriteRejection(w, err)
		return
	}

	resp := SubmitResponse{EventID: res.EventID, Status: "ACCEPTED"}
	status := http.StatusCreated
	if res.Duplicate {
		resp.Status = "DUPLICATE"
		status = http.StatusOK
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	rec, err := s.store.GetEvent(r.Context(), r.PathValue("event_id"))
	if err != nil {
		s.writeLookupError(w, err, "event not found")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleAnchorStatus(w http.ResponseWriter, r *http.Request) {
	anchor, err := s.store.GetAnchor(r.Context(), r.PathValue("anchor_id"))
	if err != nil {
		s.writeLookupError(w, err, "anchor not found")
		return
	}
	writeJSON(w, http.StatusOK, anchor)
}

// HistoryResponse is the ordered event sequence for one anchor.
type HistoryResponse struct {
	AnchorID string           `json:"anchor_id"`
	Events   []*events.Record `json:"events"`
	Total    int              `json:"total"`
}

func (s *Server) handleAnchorHistory(w http.ResponseWriter, r *http.Request) {
	anchorID := r.PathValue("anchor_id")
	if _, err := s.store.GetAnchor(r.Context(), anchorID); err != nil {
		s.writeLookupError(w, err, "anchor not found")
		return
	}
	recs, err := s.store.EventsForAnchor(r.Context(), anchorID)
	if err != nil {
		s.writeLookupError(w, err, "")
		return
	}
	writeJSON(w, http.StatusOK, HistoryResponse{AnchorID: anchorID, Events: recs, Total: len(recs)})
}

// AssetAnchorsResponse lists every anchor bound to an asset, including
// replaced or broken hardware.
type AssetAnchorsResponse struct {
	AssetID string           `json:"asset_id"`
	Anchors []*events.Anchor `json:"anchors"`
	Total   int              `json:"total"`
}

func (s *Server) handleAssetAnchors(w http.ResponseWriter, r *http.Request) {
	assetID := r.PathValue("asset_id")
	anchors, err := s.store.AnchorsForAsset(r.Context(), assetID)
	if err != nil {
		s.writeLookupError(w, err, "")
		return
	}
	writeJSON(w, http.StatusOK, AssetAnchorsResponse{AssetID: assetID, Anchors: anchors, Total: len(anchors)})
}

// handleHealth reports process liveness only. Ledger reachability is
// deliberately excluded: the service accepts events while the ledger is
// down, that is the whole point of the durable queue.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) writeLookupError(w http.ResponseWriter, err error, notFoundDetail string) {
	if errors.Is(err, store.ErrNotFound) {
		WriteError(w, http.StatusNotFound, notFoundDetail)
		return
	}
	s.log.Error("query failed", "error", err)
	WriteError(w, http.StatusServiceUnavailable, "storage unavailable")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
