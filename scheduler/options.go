package scheduler

import (
	"time"

	"go.uber.org/zap"
)

// An Option configures a Runner.
type Option func(*Runner)

// WithLog sets the logger of the runner.
func WithLog(l *zap.Logger) Option {
	return func(r *Runner) {
		r.log = l
	}
}

// WithInterval sets how often due actions are checked.
func WithInterval(d time.Duration) Option {
	return func(r *Runner) {
		r.interval = d
	}
}

// WithBatchSize sets the maximum number of actions run per check.
func WithBatchSize(n int) Option {
	return func(r *Runner) {
		r.batchSize = n
	}
}

// WithRetry sets the maximum attempts of an action and the delay added per
// failed attempt.
func WithRetry(maxAttempts int, delay time.Duration) Option {
	return func(r *Runner) {
		r.maxAttempts = maxAttempts
		r.retryDelay = delay
	}
}
