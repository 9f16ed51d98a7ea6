// Package deviceclient abstracts the network API of one physical
// access-control device: pushing users, groups, and face images,
// rebooting, probing status, and pulling the event log.
//
// The client owns transport-level resilience (short retries with backoff)
// but never decides when to sync; that is the reconciler's job. The
// error split matters downstream: a TransportError is retried on a
// later tick, a RejectionError parks the device in error status until
// canonical data changes.
package deviceclient
