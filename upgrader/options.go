package upgrader

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Default controller settings.
const (
	DefaultLeaseTimeout    = 2 * time.Minute
	DefaultCronLockWindow  = 9 * time.Minute
	DefaultExecutionBudget = 10 * time.Minute
	DefaultMemoryLimit     = 256 << 20 // 256 MiB
)

// An Option configures a Controller.
type Option func(*Controller)

// WithLog sets the controller's logger.
func WithLog(log *zap.Logger) Option {
	return func(c *Controller) {
		c.log = log
	}
}

// WithLeaseTimeout sets how long a request holds the upgrade lease.
func WithLeaseTimeout(d time.Duration) Option {
	return func(c *Controller) {
		c.leaseTimeout = d
	}
}

// WithCronLockWindow sets how long background tasks are suppressed after each
// request with an out of date version.
func WithCronLockWindow(d time.Duration) Option {
	return func(c *Controller) {
		c.cronLockWindow = d
	}
}

// WithExecutionBudget sets the wall-clock budget of a single step.
func WithExecutionBudget(d time.Duration) Option {
	return func(c *Controller) {
		c.budget = d
	}
}

// WithMemoryLimit sets the soft memory limit raised for the duration of a
// step. A limit of zero leaves the runtime limit unchanged.
func WithMemoryLimit(bytes int64) Option {
	return func(c *Controller) {
		c.memoryLimit = bytes
	}
}

// WithSiteURL sets the URL recorded to detect duplicate sites.
func WithSiteURL(url string) Option {
	return func(c *Controller) {
		c.siteURL = url
	}
}

// WithBackup sets a function called before a migration run starts. The run
// does not start if the backup fails.
func WithBackup(fn func(context.Context) error) Option {
	return func(c *Controller) {
		c.backup = fn
	}
}
