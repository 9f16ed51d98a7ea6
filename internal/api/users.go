package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ashdown-controls/accessfleet/internal/store"
)

type createUserRequest struct {
	Name     string   `json:"name"`
	PIN      string   `json:"pin,omitempty"`
	CardCode string   `json:"card_code,omitempty"`
	Groups   []string `json:"groups,omitempty"`
}

type updateUserRequest struct {
	Name     *string `json:"name,omitempty"`
	PIN      *string `json:"pin,omitempty"`
	CardCode *string `json:"card_code,omitempty"`
}

type setGroupsRequest struct {
	Groups []string `json:"groups"`
}

// handleListUsers returns all canonical users.
func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.store.ListUsers(r.Context())
	if err != nil {
		s.logger.Error("list users failed", "error", err)
		writeInternalError(w, "failed to list users")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"users": users,
		"count": len(users),
	})
}

// handleCreateUser creates a new canonical user. Devices serving the
// user's groups are marked pending by the store change notification.
func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	user := &store.User{
		Name:     req.Name,
		PIN:      req.PIN,
		CardCode: req.CardCode,
		Groups:   req.Groups,
	}

	if _, err := s.store.UpsertUser(r.Context(), user); err != nil {
		s.writeUserError(w, err, "create user")
		return
	}

	s.logger.Info("user created", "user_id", user.ID, "name", user.Name)
	writeJSON(w, http.StatusCreated, user)
}

// handleGetUser returns a single user by ID.
func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	user, err := s.store.GetUser(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			writeNotFound(w, "user not found")
			return
		}
		writeInternalError(w, "failed to load user")
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// handleUpdateUser applies a partial update to a user's identity or
// credentials.
func (s *Server) handleUpdateUser(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req updateUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	user, err := s.store.GetUser(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			writeNotFound(w, "user not found")
			return
		}
		writeInternalError(w, "failed to load user")
		return
	}

	if req.Name != nil {
		user.Name = *req.Name
	}
	if req.PIN != nil {
		user.PIN = *req.PIN
	}
	if req.CardCode != nil {
		user.CardCode = *req.CardCode
	}

	if _, err := s.store.UpsertUser(r.Context(), user); err != nil {
		s.writeUserError(w, err, "update user")
		return
	}

	writeJSON(w, http.StatusOK, user)
}

// handleDeleteUser removes a user. Deleting an absent user is not an
// error; the operation is idempotent.
func (s *Server) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	existed, err := s.store.DeleteUser(r.Context(), id)
	if err != nil {
		s.writeUserError(w, err, "delete user")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"deleted": existed,
	})
}

// handleSetUserGroups replaces a user's group memberships.
func (s *Server) handleSetUserGroups(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req setGroupsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	user, err := s.store.SetGroups(r.Context(), id, req.Groups)
	if err != nil {
		s.writeUserError(w, err, "set user groups")
		return
	}

	writeJSON(w, http.StatusOK, user)
}

// handleUploadFace stores a face image for a user and records the
// reference. The image reaches devices through the normal sync path,
// subject to the face upload rate limit.
func (s *Server) handleUploadFace(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	image, err := io.ReadAll(r.Body)
	if err != nil {
		writeBadRequest(w, "failed to read image body")
		return
	}
	if len(image) == 0 {
		writeBadRequest(w, "empty image body")
		return
	}

	ref, err := s.faces.Save(id, image)
	if err != nil {
		s.logger.Error("face image save failed", "user_id", id, "error", err)
		writeInternalError(w, "failed to store face image")
		return
	}

	user, err := s.store.SetFaceRef(r.Context(), id, ref)
	if err != nil {
		s.writeUserError(w, err, "set face reference")
		return
	}

	s.logger.Info("face image uploaded", "user_id", id, "face_ref", ref, "bytes", len(image))
	writeJSON(w, http.StatusOK, user)
}

// writeUserError maps store errors onto HTTP responses.
func (s *Server) writeUserError(w http.ResponseWriter, err error, op string) {
	switch {
	case errors.Is(err, store.ErrUserNotFound):
		writeNotFound(w, "user not found")
	case errors.Is(err, store.ErrCloudUser):
		writeForbidden(w, "cloud-managed users are read-only here")
	case errors.Is(err, store.ErrInvalidName):
		writeError(w, http.StatusBadRequest, ErrCodeValidation, "a non-empty name is required")
	case errors.Is(err, store.ErrNoCredentials):
		writeError(w, http.StatusBadRequest, ErrCodeValidation, "at least one credential (pin, card code, or face) is required")
	default:
		s.logger.Error(op+" failed", "error", err)
		writeInternalError(w, "failed to "+op)
	}
}
