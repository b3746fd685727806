// Package handlers provides HTTP handlers for reading strategy lineages.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/aristath/evolver/internal/domain"
	"github.com/aristath/evolver/internal/modules/lineage"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

// Handler serves read-only lineage endpoints
type Handler struct {
	store     domain.LineageStore
	artifacts domain.ArtifactStore
	score     lineage.ScoreFunc
	log       zerolog.Logger
}

// NewHandler creates a new lineage handler
func NewHandler(store domain.LineageStore, artifacts domain.ArtifactStore, score lineage.ScoreFunc, log zerolog.Logger) *Handler {
	return &Handler{
		store:     store,
		artifacts: artifacts,
		score:     score,
		log:       log.With().Str("handler", "lineage").Logger(),
	}
}

// HandleListFamilies handles GET /api/families
func (h *Handler) HandleListFamilies(w http.ResponseWriter, r *http.Request) {
	families, err := h.store.Families(r.Context())
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to list families")
		h.writeError(w, http.StatusInternalServerError, "Failed to list families")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"families": families,
		"count":    len(families),
	})
}

// HandleGetLineage handles GET /api/families/{family}/lineage
// The body is the persisted document itself.
func (h *Handler) HandleGetLineage(w http.ResponseWriter, r *http.Request) {
	family := chi.URLParam(r, "family")
	if !lineage.ValidFamily(family) {
		h.writeError(w, http.StatusBadRequest, "Invalid family")
		return
	}

	entries, err := h.store.Read(r.Context(), family)
	if err != nil {
		h.log.Error().Err(err).Str("family", family).Msg("Failed to read lineage")
		h.writeError(w, http.StatusInternalServerError, "Failed to read lineage")
		return
	}

	data, err := lineage.MarshalDocument(entries)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "Failed to encode lineage")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// HandleGetSummary handles GET /api/families/{family}/summary
func (h *Handler) HandleGetSummary(w http.ResponseWriter, r *http.Request) {
	family := chi.URLParam(r, "family")
	if !lineage.ValidFamily(family) {
		h.writeError(w, http.StatusBadRequest, "Invalid family")
		return
	}

	entries, err := h.store.Read(r.Context(), family)
	if err != nil {
		h.log.Error().Err(err).Str("family", family).Msg("Failed to read lineage")
		h.writeError(w, http.StatusInternalServerError, "Failed to read lineage")
		return
	}
	if len(entries) == 0 {
		h.writeError(w, http.StatusNotFound, "Family has no history")
		return
	}

	h.writeJSON(w, http.StatusOK, lineage.Summarize(family, entries, h.score))
}

// HandleGetSource handles GET /api/families/{family}/versions/{version}/source
func (h *Handler) HandleGetSource(w http.ResponseWriter, r *http.Request) {
	family := chi.URLParam(r, "family")
	versionID := chi.URLParam(r, "version")
	if !lineage.ValidFamily(family) {
		h.writeError(w, http.StatusBadRequest, "Invalid family")
		return
	}

	entries, err := h.store.Read(r.Context(), family)
	if err != nil {
		h.log.Error().Err(err).Str("family", family).Msg("Failed to read lineage")
		h.writeError(w, http.StatusInternalServerError, "Failed to read lineage")
		return
	}
	entry := domain.FindEntry(entries, versionID)
	if entry == nil {
		h.writeError(w, http.StatusNotFound, "Version not found")
		return
	}

	source, err := h.artifacts.LoadSource(entry.Version.FileReference)
	if errors.Is(err, domain.ErrNotFound) {
		h.writeError(w, http.StatusNotFound, "Source not found")
		return
	}
	if err != nil {
		h.log.Error().Err(err).Str("reference", entry.Version.FileReference).Msg("Failed to load source")
		h.writeError(w, http.StatusInternalServerError, "Failed to load source")
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(source))
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
