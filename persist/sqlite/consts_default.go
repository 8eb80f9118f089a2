//go:build !testing

package sqlite

import "time"

const (
	busyTimeout      = 5000 // 5 seconds
	maxRetryAttempts = 15   // 15 attempts
	factor           = 2.0  // factor ^ retryAttempts = backoff time in milliseconds
	maxBackoff       = 15 * time.Second

	// logRetention is how long persisted log entries are kept
	logRetention = 30 * 24 * time.Hour
)
