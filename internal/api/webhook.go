package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ashdown-controls/accessfleet/internal/ingest"
)

// handleWebhook receives an event pushed by a device. Payloads run
// through the ingestion pipeline: normalisation, dedupe, non-key
// detection, then fan-out to the configured sinks.
//
// Receipt also marks the device online; a webhook is the cheapest
// proof of reachability there is.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeBadRequest(w, "failed to read event body")
		return
	}

	event, err := s.ingestor.Ingest(r.Context(), deviceID, body)
	if err != nil {
		switch {
		case errors.Is(err, ingest.ErrDuplicateEvent):
			// Devices redeliver on slow acks. Tell them all is well.
			writeJSON(w, http.StatusOK, map[string]any{"status": "duplicate"})
		case errors.Is(err, ingest.ErrUnknownDevice):
			writeNotFound(w, "unknown device")
		case errors.Is(err, ingest.ErrMalformedPayload):
			writeBadRequest(w, "malformed event payload")
		default:
			s.logger.Error("webhook ingest failed", "device_id", deviceID, "error", err)
			writeInternalError(w, "failed to ingest event")
		}
		return
	}

	if s.metrics != nil {
		s.metrics.EventIngested(deviceID, string(event.Type))
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":   "accepted",
		"event_id": event.ID,
	})
}
