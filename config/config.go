package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// MinExecutionBudget is the execution budget below which large batches may
// not finish within a single request.
const MinExecutionBudget = 600 * time.Second

type (
	// HTTP contains the configuration for the HTTP server.
	HTTP struct {
		Address  string `yaml:"address,omitempty"`
		Password string `yaml:"password,omitempty"`
	}

	// LogFile configures the file output of the logger.
	LogFile struct {
		Enabled bool   `yaml:"enabled,omitempty"`
		Level   string `yaml:"level,omitempty"` // override the file log level
		Format  string `yaml:"format,omitempty"`
		// Path is the path of the log file.
		Path string `yaml:"path,omitempty"`
	}

	// StdOut configures the standard output of the logger.
	StdOut struct {
		Level      string `yaml:"level,omitempty"` // override the stdout log level
		Enabled    bool   `yaml:"enabled,omitempty"`
		Format     string `yaml:"format,omitempty"`
		EnableANSI bool   `yaml:"enableANSI,omitempty"` //nolint:tagliatelle
	}

	// Log contains the configuration for the logger.
	Log struct {
		Level  string  `yaml:"level,omitempty"` // global log level
		StdOut StdOut  `yaml:"stdout,omitempty"`
		File   LogFile `yaml:"file,omitempty"`
	}

	// Upgrade contains the configuration for the schema migration.
	Upgrade struct {
		LeaseTimeout    time.Duration `yaml:"leaseTimeout,omitempty"`
		CronLockWindow  time.Duration `yaml:"cronLockWindow,omitempty"`
		ExecutionBudget time.Duration `yaml:"executionBudget,omitempty"`
		// MemoryLimit is the soft memory limit, in bytes, applied while a
		// step runs.
		MemoryLimit int64 `yaml:"memoryLimit,omitempty"`
		// DisableBackup skips the store backup taken before a run starts.
		DisableBackup bool `yaml:"disableBackup,omitempty"`
	}

	// Webhooks contains the configuration for outbound webhook deliveries.
	Webhooks struct {
		RatePerSecond float64       `yaml:"ratePerSecond,omitempty"`
		Burst         int           `yaml:"burst,omitempty"`
		Timeout       time.Duration `yaml:"timeout,omitempty"`
	}

	// Site contains the settings of the store front.
	Site struct {
		URL string `yaml:"url,omitempty"`
	}

	// Scheduler contains the configuration for the background task runner.
	Scheduler struct {
		Disable  bool          `yaml:"disable,omitempty"`
		Interval time.Duration `yaml:"interval,omitempty"`
	}

	// Config contains the configuration for the subscription daemon.
	Config struct {
		Name      string `yaml:"name,omitempty"`
		Directory string `yaml:"directory,omitempty"`

		HTTP      HTTP      `yaml:"http,omitempty"`
		Log       Log       `yaml:"log,omitempty"`
		Upgrade   Upgrade   `yaml:"upgrade,omitempty"`
		Webhooks  Webhooks  `yaml:"webhooks,omitempty"`
		Site      Site      `yaml:"site,omitempty"`
		Scheduler Scheduler `yaml:"scheduler,omitempty"`
	}
)

// ErrShortBudget is returned by Validate when the execution budget is shorter
// than MinExecutionBudget. It is a warning; the configuration is usable.
var ErrShortBudget = errors.New("execution budget is shorter than the recommended minimum")

// Validate checks the upgrade settings. The lease must expire before the cron
// lock window ends so a crashed request cannot starve the background runner.
// A short execution budget returns ErrShortBudget.
func (u Upgrade) Validate() error {
	switch {
	case u.LeaseTimeout <= 0:
		return errors.New("lease timeout must be positive")
	case u.CronLockWindow <= 0:
		return errors.New("cron lock window must be positive")
	case u.LeaseTimeout >= u.CronLockWindow:
		return fmt.Errorf("lease timeout %v must be shorter than the cron lock window %v", u.LeaseTimeout, u.CronLockWindow)
	case u.ExecutionBudget <= 0:
		return errors.New("execution budget must be positive")
	case u.MemoryLimit < 0:
		return errors.New("memory limit must not be negative")
	case u.ExecutionBudget < MinExecutionBudget:
		return fmt.Errorf("%w: %v < %v", ErrShortBudget, u.ExecutionBudget, MinExecutionBudget)
	}
	return nil
}

// LoadFile loads the configuration from the provided file path.
// If the file does not exist, an error is returned. Unknown fields are
// rejected.
func LoadFile(fp string, cfg *Config) error {
	buf, err := os.ReadFile(fp)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(buf))
	dec.KnownFields(true)

	if err := dec.Decode(cfg); err != nil {
		return fmt.Errorf("failed to decode config file: %w", err)
	}
	return nil
}
