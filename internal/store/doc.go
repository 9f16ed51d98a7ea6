// Package store holds the canonical desired state for the fleet:
// users, their credentials (PIN, card code, face reference), and
// group memberships.
//
// The store is the single source of truth the reconciler converges
// devices towards. Every mutation bumps a monotonic revision counter
// and fires change callbacks naming the affected user and groups, so
// the reconciler can mark exactly the devices that serve those groups
// as needing a diff recompute. The store never contacts devices itself.
//
// Users tagged with the cloud source are mirrored from an external
// tenant and are read-only to local commands; they are still pushed to
// devices like any other user.
package store
