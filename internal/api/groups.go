package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ashdown-controls/accessfleet/internal/store"
)

type upsertGroupRequest struct {
	Name     string `json:"name"`
	Schedule string `json:"schedule,omitempty"`
}

// handleListGroups returns all access groups.
func (s *Server) handleListGroups(w http.ResponseWriter, r *http.Request) {
	groups, err := s.store.ListGroups(r.Context())
	if err != nil {
		s.logger.Error("list groups failed", "error", err)
		writeInternalError(w, "failed to list groups")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"groups": groups,
		"count":  len(groups),
	})
}

// handleUpsertGroup creates or updates an access group definition.
func (s *Server) handleUpsertGroup(w http.ResponseWriter, r *http.Request) {
	var req upsertGroupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	group := &store.Group{Name: req.Name, Schedule: req.Schedule}
	if err := s.store.UpsertGroup(r.Context(), group); err != nil {
		if errors.Is(err, store.ErrInvalidName) {
			writeError(w, http.StatusBadRequest, ErrCodeValidation, "a non-empty group name is required")
			return
		}
		s.logger.Error("upsert group failed", "error", err)
		writeInternalError(w, "failed to save group")
		return
	}

	writeJSON(w, http.StatusOK, group)
}

// handleDeleteGroup removes an access group. The Default group cannot
// be deleted.
func (s *Server) handleDeleteGroup(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	if err := s.store.DeleteGroup(r.Context(), name); err != nil {
		switch {
		case errors.Is(err, store.ErrDefaultGroup):
			writeForbidden(w, "the Default group cannot be deleted")
		case errors.Is(err, store.ErrGroupNotFound):
			writeNotFound(w, "group not found")
		default:
			s.logger.Error("delete group failed", "group", name, "error", err)
			writeInternalError(w, "failed to delete group")
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
}
