// Package registry tracks observed per-device state for the fleet:
// reachability, sync status, and the set of changes owed to each device.
//
// A device moves through four sync states. It sits in_sync when its
// last confirmed applied payload matches canonical state, drops to
// pending when a canonical mutation touches one of its groups, runs
// in_progress while a reconciliation operation is in flight, and lands
// in error when the device rejects a push. Offline devices never reach
// in_sync; at most pending.
//
// Records are written by two independent paths, the reconciliation
// driver and the webhook ingestor, so every mutation uses optimistic
// concurrency: a compare-and-set against the record version, with the
// losing writer re-reading and replaying its own logic. The hot webhook
// path never takes a fleet-wide lock.
package registry
