package connection

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies connection failures
type ErrorKind string

const (
	KindNetwork    ErrorKind = "network"
	KindTimeout    ErrorKind = "timeout"
	KindMaxRetries ErrorKind = "max_retries"
)

// Error is surfaced to the consumer through the status callback; it is never returned from Connect.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("connection %s", e.Kind)
	}
	return fmt.Sprintf("connection %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsTerminal reports whether err ended the retry loop
func IsTerminal(err error) bool {
	var connErr *Error
	return errors.As(err, &connErr) && connErr.Kind == KindMaxRetries
}

func classify(err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, Err: err}
	}
	return &Error{Kind: KindNetwork, Err: err}
}
