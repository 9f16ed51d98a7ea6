package registry

import "errors"

// Domain errors for the registry package, checked with errors.Is().
var (
	// ErrDeviceNotFound is returned when a device ID does not exist.
	ErrDeviceNotFound = errors.New("registry: device not found")

	// ErrDeviceExists is returned when creating a device with an ID
	// that already exists.
	ErrDeviceExists = errors.New("registry: device already exists")

	// ErrVersionConflict is returned by compare-and-set updates when
	// another writer changed the record first. Callers re-read and
	// retry their own logic rather than overwrite.
	ErrVersionConflict = errors.New("registry: version conflict")

	// ErrInvalidStatus is returned when a sync status value is not recognised.
	ErrInvalidStatus = errors.New("registry: invalid sync status")

	// ErrOfflineInSync is returned when attempting to mark an offline
	// device in_sync. Offline devices can reach pending at most.
	ErrOfflineInSync = errors.New("registry: offline device cannot be in_sync")
)
