package deviceclient

import (
	"errors"
	"fmt"
)

// TransportError wraps a network-level failure: connection refused,
// timeout, DNS, or a device-side 5xx. These are transient; the
// reconciler retries them on a later tick without operator involvement.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("deviceclient: %s: transport failure: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// RejectionError means the device understood the request and refused
// it, for example a duplicate card code. Retrying the same payload
// cannot succeed, so the reconciler surfaces it as error status until
// canonical data changes or an operator forces a retry.
type RejectionError struct {
	Op     string
	Status int
	Reason string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("deviceclient: %s: device rejected request (%d): %s", e.Op, e.Status, e.Reason)
}

// IsTransport reports whether err is (or wraps) a transport failure.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// IsRejection reports whether err is (or wraps) a device rejection.
func IsRejection(err error) bool {
	var re *RejectionError
	return errors.As(err, &re)
}
