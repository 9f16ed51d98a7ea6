package store

import "errors"

// Domain errors for the store package, checked with errors.Is().
var (
	// ErrUserNotFound is returned when a user ID does not exist.
	ErrUserNotFound = errors.New("store: user not found")

	// ErrGroupNotFound is returned when a group name does not exist.
	ErrGroupNotFound = errors.New("store: group not found")

	// ErrCloudUser is returned when a local command attempts to mutate
	// or delete a cloud-sourced user.
	ErrCloudUser = errors.New("store: cloud-sourced user is read-only")

	// ErrInvalidName is returned when a user name is empty.
	ErrInvalidName = errors.New("store: user name cannot be empty")

	// ErrNoCredentials is returned when a user carries no PIN, card
	// code, or face reference.
	ErrNoCredentials = errors.New("store: user needs at least one credential")

	// ErrDefaultGroup is returned when attempting to delete the Default group.
	ErrDefaultGroup = errors.New("store: the Default group cannot be deleted")
)
