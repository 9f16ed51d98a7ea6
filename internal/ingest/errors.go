package ingest

import "errors"

// Domain errors for webhook ingestion, checked with errors.Is().
// Ingestion failures never block subsequent events; callers log and
// move on.
var (
	// ErrMalformedPayload is returned when a webhook body cannot be
	// parsed or names no recognisable event type.
	ErrMalformedPayload = errors.New("ingest: malformed payload")

	// ErrDuplicateEvent is returned when the dedupe cache has already
	// seen this (device, type, timestamp, user) combination.
	ErrDuplicateEvent = errors.New("ingest: duplicate event")

	// ErrUnknownDevice is returned when the webhook names a device the
	// registry does not know.
	ErrUnknownDevice = errors.New("ingest: unknown device")
)
