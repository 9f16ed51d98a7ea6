// Package database provides SQLite persistence for the coordinator.
//
// It wraps database/sql with SQLite-specific configuration (WAL mode,
// busy timeout, restrictive file permissions) and embedded schema
// migrations. Canonical users, groups, and per-device sync state all
// live in a single database file so the whole system state travels as
// one artefact.
//
// Migrations are embedded in the binary via the migrations package and
// applied automatically at startup. Each migration runs in its own
// transaction and is recorded in schema_migrations, so restarts and
// upgrades are safe to repeat.
package database
