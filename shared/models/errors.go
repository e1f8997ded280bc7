package models

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNotConnected is returned when a send is attempted without an open connection
var ErrNotConnected = errors.New("send attempted while disconnected")

// DataError describes a malformed or semantically invalid inbound payload.
// It is logged and the message dropped; it is never propagated as a panic.
type DataError struct {
	Reason string
	Symbol string
	Fields FieldErrors
	Err    error
}

func (e *DataError) Error() string {
	var b strings.Builder
	b.WriteString("data error: ")
	b.WriteString(e.Reason)
	if e.Symbol != "" {
		fmt.Fprintf(&b, " (symbol %s)", e.Symbol)
	}
	if len(e.Fields) > 0 {
		fmt.Fprintf(&b, ": %s", e.Fields.Error())
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *DataError) Unwrap() error {
	return e.Err
}

// SubscriptionError records a subscribe or unsubscribe that could not be sent
type SubscriptionError struct {
	Op     string
	Topics []string
	Err    error
}

func (e *SubscriptionError) Error() string {
	return fmt.Sprintf("%s %v: %v", strings.ToLower(e.Op), e.Topics, e.Err)
}

func (e *SubscriptionError) Unwrap() error {
	return e.Err
}
