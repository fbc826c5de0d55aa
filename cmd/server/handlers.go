package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/thenexusengine/tne_mediation/internal/arbitration"
	"github.com/thenexusengine/tne_mediation/internal/placement"
	"github.com/thenexusengine/tne_mediation/internal/render"
	"github.com/thenexusengine/tne_mediation/pkg/adserver"
	"github.com/thenexusengine/tne_mediation/pkg/logger"
)

// Event types accepted on the events endpoint
const (
	eventHandshake    = "handshake"
	eventServerWin    = "server_win"
	eventServerFailed = "server_failed"
)

type loadRequest struct {
	// Bid skips the primary auction when set
	Bid *arbitration.Bid `json:"bid,omitempty"`
}

type loadResponse struct {
	RequestID string              `json:"request_id"`
	Outcome   arbitration.Outcome `json:"outcome"`
	Creative  *render.Staged      `json:"creative,omitempty"`
}

type eventRequest struct {
	RequestID string `json:"request_id"`
	Type      string `json:"type"`
	Code      int    `json:"code,omitempty"`
	Creative  string `json:"creative,omitempty"`
}

func (s *Server) placementFor(w http.ResponseWriter, r *http.Request) (*placement.Placement, bool) {
	id := chi.URLParam(r, "placementID")
	pl, ok := s.placements.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown_placement", "placement "+id+" is not configured")
		return nil, false
	}
	return pl, true
}

// loadPlacement runs one load and waits for it to settle
func (s *Server) loadPlacement(w http.ResponseWriter, r *http.Request) {
	pl, ok := s.placementFor(w, r)
	if !ok {
		return
	}
	ctx := logger.WithPlacementID(r.Context(), pl.ID())
	log := logger.FromContext(ctx)

	var req loadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}

	var (
		session *arbitration.Session
		err     error
	)
	if req.Bid != nil {
		session, err = pl.LoadWithResult(ctx, arbitration.BidAvailable(req.Bid))
	} else {
		session, err = pl.Load(ctx)
	}
	switch {
	case errors.Is(err, placement.ErrLoadInProgress):
		writeError(w, http.StatusConflict, "load_in_progress", err.Error())
		return
	case errors.Is(err, arbitration.ErrDestroyed):
		writeError(w, http.StatusServiceUnavailable, "placement_destroyed", err.Error())
		return
	case err != nil:
		log.Error().Err(err).Msg("Load failed")
		writeError(w, http.StatusInternalServerError, "load_failed", err.Error())
		return
	}

	waitCtx, cancel := context.WithTimeout(ctx, s.config.LoadTimeout)
	defer cancel()

	outcome, err := session.Wait(waitCtx)
	if err != nil {
		// Still running; the caller can poll /v1/requests/{id}
		writeJSON(w, http.StatusAccepted, loadResponse{RequestID: session.ID(), Outcome: outcome})
		return
	}

	resp := loadResponse{RequestID: session.ID(), Outcome: outcome}
	if staged, ok := s.stage.Take(session.ID()); ok {
		resp.Creative = &staged
	}
	writeJSON(w, http.StatusOK, resp)
}

// deliverEvent routes an out-of-band ad server event. Events for requests
// that are no longer live are accepted and ignored.
func (s *Server) deliverEvent(w http.ResponseWriter, r *http.Request) {
	pl, ok := s.placementFor(w, r)
	if !ok {
		return
	}

	var req eventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	if req.RequestID == "" {
		writeError(w, http.StatusBadRequest, "missing_request_id", "request_id is required")
		return
	}

	var ev arbitration.Event
	switch req.Type {
	case eventHandshake:
		ev = arbitration.HandshakeReceived{}
	case eventServerWin:
		ev = arbitration.ServerWin{Handle: adserver.Creative{RequestID: req.RequestID, Body: req.Creative}}
	case eventServerFailed:
		ev = arbitration.ServerFailed{Code: req.Code}
	default:
		writeError(w, http.StatusBadRequest, "unknown_event", "unknown event type "+req.Type)
		return
	}

	live := pl.Deliver(req.RequestID, ev)
	alog := logger.Arbitration(req.RequestID)
	alog.Debug().Str("placement_id", pl.ID()).Str("type", req.Type).Bool("live", live).Msg("Ad server event delivered")
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"request_id": req.RequestID,
		"live":       live,
	})
}

// cancelPlacement supersedes the running load, if any
func (s *Server) cancelPlacement(w http.ResponseWriter, r *http.Request) {
	pl, ok := s.placementFor(w, r)
	if !ok {
		return
	}
	pl.Cancel()
	w.WriteHeader(http.StatusNoContent)
}

// listPlacements reports each placement's load state
func (s *Server) listPlacements(w http.ResponseWriter, r *http.Request) {
	type placementState struct {
		ID               string `json:"id"`
		InProgress       bool   `json:"in_progress"`
		LastFailed       bool   `json:"last_failed"`
		CurrentRequestID string `json:"current_request_id,omitempty"`
	}

	ids := s.placements.IDs()
	states := make([]placementState, 0, len(ids))
	for _, id := range ids {
		pl, ok := s.placements.Get(id)
		if !ok {
			continue
		}
		states = append(states, placementState{
			ID:               id,
			InProgress:       pl.InProgress(),
			LastFailed:       pl.LastFailed(),
			CurrentRequestID: pl.CurrentRequestID(),
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"placements": states})
}

// getRequest returns a settled outcome
func (s *Server) getRequest(w http.ResponseWriter, r *http.Request) {
	requestID := chi.URLParam(r, "requestID")

	rec, err := s.reporter.Lookup(r.Context(), requestID)
	if err != nil {
		logger.FromContext(r.Context()).Error().Err(err).Str("lookup_id", requestID).Msg("Outcome lookup failed")
		writeError(w, http.StatusInternalServerError, "lookup_failed", "outcome lookup failed")
		return
	}
	if rec == nil {
		writeError(w, http.StatusNotFound, "unknown_request", "no settled outcome for "+requestID)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}
