package domain

import (
	"errors"
	"fmt"
)

// RelayError is an outbound platform call failure reported back to the hub.
type RelayError struct {
	Platform  string
	Op        string // "send", "reply" or "recall"
	Err       error
	Retryable bool
}

func (e *RelayError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Platform, e.Op, e.Err)
}

func (e *RelayError) Unwrap() error { return e.Err }

// IsRetryable reports whether err is a RelayError marked transient.
func IsRetryable(err error) bool {
	var re *RelayError
	if errors.As(err, &re) {
		return re.Retryable
	}
	return false
}
