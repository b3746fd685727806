// Package handlers provides HTTP handlers for controlling evolution sessions.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/aristath/evolver/internal/domain"
	"github.com/aristath/evolver/internal/modules/evolution"
	"github.com/aristath/evolver/internal/modules/lineage"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

// stopTimeout bounds how long a stop request waits for the session to wind down
const stopTimeout = 30 * time.Second

// Handler handles evolution session requests
type Handler struct {
	sessions *evolution.SessionManager
	log      zerolog.Logger
}

// NewHandler creates a new evolution handler
func NewHandler(sessions *evolution.SessionManager, log zerolog.Logger) *Handler {
	return &Handler{
		sessions: sessions,
		log:      log.With().Str("handler", "evolution").Logger(),
	}
}

// EvolveRequest is the optional body of POST /api/families/{family}/evolve
type EvolveRequest struct {
	Iterations int    `json:"iterations"`
	Mode       string `json:"mode"`
	Goal       string `json:"goal"`
}

// HandleEvolve handles POST /api/families/{family}/evolve
func (h *Handler) HandleEvolve(w http.ResponseWriter, r *http.Request) {
	family := chi.URLParam(r, "family")
	if !lineage.ValidFamily(family) {
		h.writeError(w, http.StatusBadRequest, "Invalid family")
		return
	}

	var request EvolveRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil && !errors.Is(err, io.EOF) {
		h.writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if request.Iterations < 0 || request.Iterations > 1000 {
		h.writeError(w, http.StatusBadRequest, "Iterations must be between 0 and 1000")
		return
	}

	info, err := h.sessions.Start(evolution.RunOptions{
		Family:        family,
		MaxIterations: request.Iterations,
		Mode:          domain.ExecutionMode(request.Mode),
		Goal:          request.Goal,
	})
	if errors.Is(err, domain.ErrConflict) {
		h.writeError(w, http.StatusConflict, err.Error())
		return
	}
	if errors.Is(err, domain.ErrUnknownMode) {
		h.writeError(w, http.StatusBadRequest, "Unknown mode: "+request.Mode)
		return
	}
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	h.log.Info().Str("family", family).Str("session", info.ID).Msg("Evolution requested")
	h.writeJSON(w, http.StatusAccepted, info)
}

// HandleStop handles POST /api/families/{family}/stop
func (h *Handler) HandleStop(w http.ResponseWriter, r *http.Request) {
	family := chi.URLParam(r, "family")

	ctx, cancel := context.WithTimeout(r.Context(), stopTimeout)
	defer cancel()

	err := h.sessions.Stop(ctx, family)
	if errors.Is(err, domain.ErrNotFound) {
		h.writeError(w, http.StatusNotFound, "No running session for family")
		return
	}
	if err != nil {
		h.writeError(w, http.StatusGatewayTimeout, "Session did not stop in time")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{
		"family": family,
		"status": "stopped",
	})
}

// HandleListSessions handles GET /api/sessions
func (h *Handler) HandleListSessions(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"active": h.sessions.Active(),
		"recent": h.sessions.Recent(),
	})
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeError writes an error response
func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{
		"error": message,
	})
}
