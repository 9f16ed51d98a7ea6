package ingest

import (
	"encoding/json"
	"time"
)

// EventType classifies a normalised device event.
type EventType string

const (
	// EventAccessGranted means the device unlocked for a credential.
	EventAccessGranted EventType = "access_granted"

	// EventAccessDenied means the device refused access.
	EventAccessDenied EventType = "access_denied"

	// EventDeviceOffline is an explicit offline notification.
	EventDeviceOffline EventType = "device_offline"

	// EventNonKeyAccess flags a grant where the person held no matching
	// credential: let in remotely, by a temporary code, or tailgating a
	// staff unlock. Surfaced distinctly for downstream automation.
	EventNonKeyAccess EventType = "non_key_access_granted"
)

// Event is the normalised record produced from one webhook receipt.
// Immutable once created; forwarded to the configured sinks and kept
// briefly in the per-device recent cache.
type Event struct {
	ID        string          `json:"id"`
	DeviceID  string          `json:"device_id"`
	Type      EventType       `json:"event_type"`
	UserID    string          `json:"user_id,omitempty"`
	UserName  string          `json:"user_name,omitempty"`
	Method    string          `json:"method,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Raw       json.RawMessage `json:"raw,omitempty"`
}

// rawPayload is the loose shape devices push. Firmware versions vary in
// field naming, so several aliases are accepted.
type rawPayload struct {
	Type      string `json:"type"`
	Event     string `json:"event"`
	User      string `json:"user"`
	Name      string `json:"name"`
	Method    string `json:"method"`
	Detail    string `json:"detail"`
	Timestamp string `json:"timestamp"`
	Time      string `json:"time"`
}

func (p *rawPayload) eventType() string {
	if p.Type != "" {
		return p.Type
	}
	return p.Event
}

func (p *rawPayload) userName() string {
	if p.User != "" {
		return p.User
	}
	return p.Name
}

func (p *rawPayload) timestamp() string {
	if p.Timestamp != "" {
		return p.Timestamp
	}
	return p.Time
}
