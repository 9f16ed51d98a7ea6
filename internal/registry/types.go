package registry

import "time"

// SyncStatus describes how far a device has converged on canonical state.
type SyncStatus string

const (
	// StatusInSync means the device's last confirmed applied state
	// matches canonical state and nothing is pending.
	StatusInSync SyncStatus = "in_sync"

	// StatusPending means changes are owed to the device but no
	// operation is currently in flight.
	StatusPending SyncStatus = "pending"

	// StatusInProgress means a reconciliation operation is actively
	// running against the device.
	StatusInProgress SyncStatus = "in_progress"

	// StatusError means the device rejected the last push. The pending
	// set is retained so the next tick can retry.
	StatusError SyncStatus = "error"
)

// Valid reports whether s is a recognised sync status.
func (s SyncStatus) Valid() bool {
	switch s {
	case StatusInSync, StatusPending, StatusInProgress, StatusError:
		return true
	}
	return false
}

// DeviceType classifies the physical hardware.
type DeviceType string

const (
	TypeIntercom DeviceType = "intercom"
	TypeKeypad   DeviceType = "keypad"
)

// ChangeKind names the category of a pending mutation.
type ChangeKind string

const (
	ChangeUserUpsert  ChangeKind = "user_upsert"
	ChangeUserDelete  ChangeKind = "user_delete"
	ChangeGroupUpdate ChangeKind = "group_update"
	ChangeFaceUpload  ChangeKind = "face_upload"
)

// ChangeRef is one unit of unconfirmed work owed to a device: a user
// mutation that has not yet been confirmed applied. Version records the
// canonical revision the change was computed at, so a re-diff can tell
// stale refs from current ones.
type ChangeRef struct {
	Kind    ChangeKind `json:"kind"`
	UserID  string     `json:"user_id"`
	Version int64      `json:"version"`
}

// Key returns a stable identity for set membership. Two refs for the
// same kind and user collapse to one owed change regardless of version.
func (c ChangeRef) Key() string {
	return string(c.Kind) + "|" + c.UserID
}

// Device is the observed-state record for one physical unit.
//
// Online is runtime state: it is discovered by the probe loop and
// webhook receipts and deliberately not persisted, so every device
// starts offline after a restart until proven reachable.
type Device struct {
	ID      string     `json:"id"`
	Name    string     `json:"name"`
	Type    DeviceType `json:"type"`
	Address string     `json:"address"`

	// Groups is the set of access groups this device serves. Users in
	// any of these groups are part of the device's desired payload.
	Groups []string `json:"groups"`

	// Enabled devices participate in reconciliation ticks.
	Enabled bool `json:"enabled"`

	Online    bool       `json:"online"`
	Status    SyncStatus `json:"sync_status"`
	LastSync  *time.Time `json:"last_sync,omitempty"`
	LastError string     `json:"last_error,omitempty"`

	PendingChanges []ChangeRef `json:"pending_changes"`
	PendingSince   *time.Time  `json:"pending_since,omitempty"`

	// RebootingUntil marks the window after a commanded reboot during
	// which unreachability is expected and not treated as a failure.
	RebootingUntil *time.Time `json:"rebooting_until,omitempty"`

	// Version supports compare-and-set updates; two writers racing on
	// the same record cannot silently overwrite each other.
	Version int64 `json:"version"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DeepCopy creates an independent copy of the Device.
func (d *Device) DeepCopy() *Device {
	if d == nil {
		return nil
	}

	cpy := *d
	if d.Groups != nil {
		cpy.Groups = make([]string, len(d.Groups))
		copy(cpy.Groups, d.Groups)
	}
	if d.PendingChanges != nil {
		cpy.PendingChanges = make([]ChangeRef, len(d.PendingChanges))
		copy(cpy.PendingChanges, d.PendingChanges)
	}
	if d.LastSync != nil {
		t := *d.LastSync
		cpy.LastSync = &t
	}
	if d.PendingSince != nil {
		t := *d.PendingSince
		cpy.PendingSince = &t
	}
	if d.RebootingUntil != nil {
		t := *d.RebootingUntil
		cpy.RebootingUntil = &t
	}
	return &cpy
}

// Rebooting reports whether the device is inside its reboot window.
func (d *Device) Rebooting(now time.Time) bool {
	return d.RebootingUntil != nil && now.Before(*d.RebootingUntil)
}

// ServesGroup reports whether the device serves any of the given groups.
func (d *Device) ServesGroup(groups []string) bool {
	for _, g := range groups {
		for _, dg := range d.Groups {
			if g == dg {
				return true
			}
		}
	}
	return false
}
