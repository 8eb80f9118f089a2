//go:build testing

package sqlite

import "time"

const (
	busyTimeout      = 5   // 5ms
	maxRetryAttempts = 10  // 10 attempts
	factor           = 2.0 // factor ^ retryAttempts = backoff time in milliseconds
	maxBackoff       = 15 * time.Second

	// logRetention is how long persisted log entries are kept
	logRetention = time.Hour
)
