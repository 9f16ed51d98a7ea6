package deviceclient

import (
	"context"
	"time"
)

// UserRecord is the projection of a canonical user pushed to a device.
type UserRecord struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	PIN      string   `json:"pin,omitempty"`
	CardCode string   `json:"card_code,omitempty"`
	FaceRef  string   `json:"face_ref,omitempty"`
	Groups   []string `json:"groups"`
}

// GroupRecord is the projection of an access group pushed to a device.
type GroupRecord struct {
	Name     string `json:"name"`
	Schedule string `json:"schedule,omitempty"`
}

// DeviceStatus is the result of probing a device.
type DeviceStatus struct {
	Online   bool   `json:"online"`
	Model    string `json:"model,omitempty"`
	Firmware string `json:"firmware,omitempty"`
}

// RawEvent is one unparsed entry from a device's event log.
type RawEvent struct {
	Payload   []byte
	Timestamp time.Time
}

// Client abstracts one physical device's network API.
//
// Implementations retry transport-level failures internally with a
// short backoff; they never decide when to sync. Errors divide into
// TransportError (network, timeout; the reconciler retries on a later
// tick) and RejectionError (the device refused the payload; surfaced
// as device error status until canonical data changes).
type Client interface {
	// Probe checks reachability and returns basic device status.
	Probe(ctx context.Context) (*DeviceStatus, error)

	// PushUsers replaces the device's user table with the given records.
	PushUsers(ctx context.Context, users []UserRecord) error

	// PushGroups replaces the device's access group definitions.
	PushGroups(ctx context.Context, groups []GroupRecord) error

	// PushFace uploads a face image for one user.
	PushFace(ctx context.Context, userID string, image []byte) error

	// DeleteUsers removes the given user IDs from the device.
	DeleteUsers(ctx context.Context, userIDs []string) error

	// Reboot commands the device to restart.
	Reboot(ctx context.Context) error

	// FetchEvents pulls the device's event log since the given time.
	FetchEvents(ctx context.Context, since time.Time) ([]RawEvent, error)
}

// Factory builds a Client for a device address. The coordinator asks
// for a fresh client per operation so address edits take effect
// without a restart.
type Factory interface {
	ClientFor(deviceID, address string) Client
}
