// Package coordinator drives fleet reconciliation: it diffs each
// device's confirmed baseline against canonical state, records owed
// changes in the registry, and pushes them over the device client with
// bounded concurrency, oldest pending first.
//
// The coordinator is the only writer of sync attempts. Everything else
// (store mutations, webhook events, operator commands) only records
// intent: pending change refs in the registry plus a wake-up. One
// driver loop turns intent into network pushes, which keeps the
// concurrency story simple and makes every transition observable
// through the registry's state machine.
package coordinator
