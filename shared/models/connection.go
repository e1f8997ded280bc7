package models

import "time"

// Status represents the lifecycle state of the upstream connection
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusReconnecting Status = "reconnecting"
	StatusError        Status = "error"
)

// ConnectionHealth tracks upstream connection health
type ConnectionHealth struct {
	FailureCount     int       `json:"failure_count"`
	LastFailureTime  time.Time `json:"last_failure_time"`
	ConsecutiveFails int       `json:"consecutive_fails"`
	RetryAttempt     int       `json:"retry_attempt"`
}

// Connection is a read-only view of one logical connection
type Connection struct {
	URL        string           `json:"url"`
	Status     Status           `json:"status"`
	RetryCount int              `json:"retry_count"`
	Health     ConnectionHealth `json:"health"`
	Error      string           `json:"error,omitempty"`
}

// Subscription is one tracked topic. Active means it was sent on the current connection.
type Subscription struct {
	Topic  string `json:"topic"`
	Active bool   `json:"active"`
}
