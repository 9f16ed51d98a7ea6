package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/ashdown-controls/accessfleet/internal/coordinator"
	"github.com/ashdown-controls/accessfleet/internal/registry"
)

type createDeviceRequest struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Type    string   `json:"type,omitempty"`
	Address string   `json:"address"`
	Groups  []string `json:"groups,omitempty"`
	Enabled *bool    `json:"enabled,omitempty"`
}

type updateDeviceRequest struct {
	Name    *string   `json:"name,omitempty"`
	Address *string   `json:"address,omitempty"`
	Groups  *[]string `json:"groups,omitempty"`
	Enabled *bool     `json:"enabled,omitempty"`
}

// handleListDevices returns all registered devices with their sync state.
func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.registry.ListDevices(r.Context())
	if err != nil {
		s.logger.Error("list devices failed", "error", err)
		writeInternalError(w, "failed to list devices")
		return
	}

	sort.Slice(devices, func(i, j int) bool { return devices[i].ID < devices[j].ID })

	writeJSON(w, http.StatusOK, map[string]any{
		"devices": devices,
		"count":   len(devices),
	})
}

// handleCreateDevice registers a new device. It starts pending and is
// picked up by the next reconciliation pass once reachable.
func (s *Server) handleCreateDevice(w http.ResponseWriter, r *http.Request) {
	var req createDeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.ID == "" || req.Address == "" {
		writeBadRequest(w, "id and address are required")
		return
	}

	device := &registry.Device{
		ID:      req.ID,
		Name:    req.Name,
		Type:    registry.DeviceType(req.Type),
		Address: req.Address,
		Groups:  req.Groups,
		Enabled: req.Enabled == nil || *req.Enabled,
	}

	if err := s.registry.CreateDevice(r.Context(), device); err != nil {
		if errors.Is(err, registry.ErrDeviceExists) {
			writeConflict(w, "device already exists")
			return
		}
		s.logger.Error("create device failed", "error", err)
		writeInternalError(w, "failed to create device")
		return
	}

	s.coord.Kick(device.ID)
	s.logger.Info("device registered", "device_id", device.ID, "address", device.Address)
	writeJSON(w, http.StatusCreated, device)
}

// handleGetDevice returns one device record.
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	device, err := s.registry.GetDevice(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeDeviceError(w, err, "load device")
		return
	}
	writeJSON(w, http.StatusOK, device)
}

// handleUpdateDevice applies a partial update. Changing the group list
// reshapes the device's desired payload, so its baseline is invalidated
// for a re-diff.
func (s *Server) handleUpdateDevice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req updateDeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	groupsChanged := false
	device, err := s.registry.UpdateDevice(r.Context(), id, func(d *registry.Device) {
		if req.Name != nil {
			d.Name = *req.Name
		}
		if req.Address != nil {
			d.Address = *req.Address
		}
		if req.Groups != nil {
			d.Groups = *req.Groups
			groupsChanged = true
		}
		if req.Enabled != nil {
			d.Enabled = *req.Enabled
		}
	})
	if err != nil {
		s.writeDeviceError(w, err, "update device")
		return
	}

	if groupsChanged {
		s.coord.InvalidateDevice(id)
	}

	writeJSON(w, http.StatusOK, device)
}

// handleDeleteDevice removes a device and aborts any in-flight sync.
func (s *Server) handleDeleteDevice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := s.registry.DeleteDevice(r.Context(), id); err != nil {
		s.writeDeviceError(w, err, "delete device")
		return
	}

	s.coord.CancelDevice(id)
	if s.metrics != nil {
		s.metrics.RemoveDevice(id)
	}

	s.logger.Info("device deleted", "device_id", id)
	writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
}

// handleSyncDevice schedules an immediate sync for one device.
func (s *Server) handleSyncDevice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := s.coord.SyncNow(r.Context(), id); err != nil {
		s.writeDeviceError(w, err, "schedule sync")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"scheduled": true})
}

// handleFullSyncDevice schedules a full push for one device, ignoring
// the diff.
func (s *Server) handleFullSyncDevice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := s.coord.ForceFullSync(r.Context(), id); err != nil {
		s.writeDeviceError(w, err, "schedule full sync")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"scheduled": true, "full": true})
}

// handleSyncAll schedules an immediate sync across the fleet.
func (s *Server) handleSyncAll(w http.ResponseWriter, r *http.Request) {
	if err := s.coord.SyncNow(r.Context(), ""); err != nil {
		writeInternalError(w, "failed to schedule sync")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"scheduled": true})
}

// handleFullSyncAll schedules a full push across the fleet.
func (s *Server) handleFullSyncAll(w http.ResponseWriter, r *http.Request) {
	if err := s.coord.ForceFullSync(r.Context(), ""); err != nil {
		writeInternalError(w, "failed to schedule full sync")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"scheduled": true, "full": true})
}

// handleRebootDevice commands one device to restart.
func (s *Server) handleRebootDevice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := s.coord.RebootDevice(r.Context(), id); err != nil {
		s.writeDeviceError(w, err, "reboot device")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"rebooting": id})
}

// handleRebootDefault reboots the first device by ID when none is
// named. Single-intercom installations can reboot without knowing the
// device identifier.
func (s *Server) handleRebootDefault(w http.ResponseWriter, r *http.Request) {
	devices, err := s.registry.ListDevices(r.Context())
	if err != nil {
		writeInternalError(w, "failed to list devices")
		return
	}

	var target string
	sort.Slice(devices, func(i, j int) bool { return devices[i].ID < devices[j].ID })
	for _, d := range devices {
		if d.Enabled {
			target = d.ID
			break
		}
	}
	if target == "" {
		writeNotFound(w, "no enabled devices registered")
		return
	}

	if err := s.coord.RebootDevice(r.Context(), target); err != nil {
		s.writeDeviceError(w, err, "reboot device")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"rebooting": target})
}

// handleDeviceEvents returns the most recent ingested events for a
// device, newest first.
func (s *Server) handleDeviceEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if _, err := s.registry.GetDevice(r.Context(), id); err != nil {
		s.writeDeviceError(w, err, "load device")
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeBadRequest(w, "limit must be a positive integer")
			return
		}
		limit = n
	}

	events := s.ingestor.Recent(id, limit)
	writeJSON(w, http.StatusOK, map[string]any{
		"events": events,
		"count":  len(events),
	})
}

// handleRefreshEvents pulls event logs from devices on demand.
// An optional device_id query parameter narrows the pull.
func (s *Server) handleRefreshEvents(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("device_id")

	n, err := s.coord.RefreshEvents(r.Context(), id)
	if err != nil {
		s.writeDeviceError(w, err, "refresh events")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ingested": n})
}

// writeDeviceError maps registry and coordinator errors onto HTTP
// responses.
func (s *Server) writeDeviceError(w http.ResponseWriter, err error, op string) {
	switch {
	case errors.Is(err, registry.ErrDeviceNotFound):
		writeNotFound(w, "device not found")
	case errors.Is(err, coordinator.ErrDeviceDisabled):
		writeError(w, http.StatusConflict, ErrCodeConflict, "device is disabled")
	case errors.Is(err, coordinator.ErrDeviceBusy):
		writeError(w, http.StatusConflict, ErrCodeConflict, "device sync in progress")
	default:
		s.logger.Error(op+" failed", "error", err)
		writeInternalError(w, "failed to "+op)
	}
}
