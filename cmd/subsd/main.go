package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/shoplift/subsd/build"
	"github.com/shoplift/subsd/config"
	"github.com/shoplift/subsd/upgrader"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/term"
)

var (
	cfg = config.Config{
		Name:      "subsd",
		Directory: ".",
		HTTP: config.HTTP{
			Address: defaultAPIAddr,
		},
		Log: config.Log{
			Level: "info",
			StdOut: config.StdOut{
				Enabled:    true,
				Format:     "human",
				EnableANSI: true,
			},
			File: config.LogFile{
				Enabled: true,
				Format:  "json",
			},
		},
		Upgrade: config.Upgrade{
			LeaseTimeout:    upgrader.DefaultLeaseTimeout,
			CronLockWindow:  upgrader.DefaultCronLockWindow,
			ExecutionBudget: upgrader.DefaultExecutionBudget,
			MemoryLimit:     upgrader.DefaultMemoryLimit,
		},
		Webhooks: config.Webhooks{
			RatePerSecond: 10,
			Burst:         20,
			Timeout:       30 * time.Second,
		},
		Scheduler: config.Scheduler{
			Interval: time.Minute,
		},
	}

	disableStdin bool
)

func checkFatalError(context string, err error) {
	if err != nil {
		log.Fatalf("%s: %s", context, err)
	}
}

// tryLoadConfig loads the config file specified by the SUBSD_CONFIG_FILE. If
// the env var is not set, it falls back to subsd.yml in the working
// directory.
func tryLoadConfig() {
	configPath := "subsd.yml"
	if str := os.Getenv(configPathEnvVariable); str != "" {
		configPath = str
	}

	// If the config file doesn't exist, don't try to load it.
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return
	}

	checkFatalError("failed to load config file", config.LoadFile(configPath, &cfg))
}

// getAPIPassword returns the API password from the environment, the config
// file or an interactive prompt.
func getAPIPassword() string {
	if pw := os.Getenv(apiPasswordEnvVariable); pw != "" {
		log.Printf("Using %s environment variable.", apiPasswordEnvVariable)
		return pw
	} else if cfg.HTTP.Password != "" {
		return cfg.HTTP.Password
	} else if disableStdin {
		log.Fatalf("%s must be set via environment variable or config file when stdin is disabled.", apiPasswordEnvVariable)
	}

	for {
		fmt.Print("Enter API password: ")
		pw, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Println()
		checkFatalError("failed to read password input", err)
		if len(pw) >= 4 {
			return string(pw)
		}
		fmt.Println("Password must be at least 4 characters!")
	}
}

func parseLogLevel(level string) zap.AtomicLevel {
	switch level {
	case "debug":
		return zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		return zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		return zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		return zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		log.Fatalf("invalid log level %q", level)
	}
	panic("unreachable")
}

func encoder(format string, ansi bool) zapcore.Encoder {
	switch format {
	case "json":
		return zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	case "human":
		cfg := zap.NewDevelopmentEncoderConfig()
		cfg.EncodeTime = zapcore.RFC3339TimeEncoder
		cfg.EncodeLevel = zapcore.CapitalLevelEncoder
		if ansi {
			cfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		}
		return zapcore.NewConsoleEncoder(cfg)
	default:
		log.Fatalf("invalid log format %q", format)
	}
	panic("unreachable")
}

// buildCores returns the stdout and file cores configured for the daemon.
func buildCores() (cores []zapcore.Core, closeFn func(), err error) {
	closeFn = func() {}
	if cfg.Log.StdOut.Enabled {
		level := cfg.Log.Level
		if cfg.Log.StdOut.Level != "" {
			level = cfg.Log.StdOut.Level
		}
		cores = append(cores, zapcore.NewCore(encoder(cfg.Log.StdOut.Format, cfg.Log.StdOut.EnableANSI), zapcore.Lock(os.Stdout), parseLogLevel(level)))
	}

	if cfg.Log.File.Enabled {
		level := cfg.Log.Level
		if cfg.Log.File.Level != "" {
			level = cfg.Log.File.Level
		}
		path := cfg.Log.File.Path
		if path == "" {
			path = filepath.Join(cfg.Directory, "subsd.log")
		}
		w, closeFile, err := zap.Open(path)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file: %w", err)
		}
		closeFn = closeFile
		cores = append(cores, zapcore.NewCore(encoder(cfg.Log.File.Format, false), w, parseLogLevel(level)))
	}
	return cores, closeFn, nil
}

func main() {
	// attempt to load the config file first, command line flags will override
	// any values set in the config file
	tryLoadConfig()
	if dir := os.Getenv(dataDirEnvVariable); dir != "" {
		cfg.Directory = dir
	}

	flag.StringVar(&cfg.Name, "name", cfg.Name, "a friendly name for the store")
	flag.StringVar(&cfg.Directory, "dir", cfg.Directory, "directory to store subsd metadata")
	flag.StringVar(&cfg.HTTP.Address, "http", cfg.HTTP.Address, "address to serve API on")
	flag.StringVar(&cfg.Site.URL, "site.url", cfg.Site.URL, "URL of the store front")
	flag.StringVar(&cfg.Log.Level, "log.level", cfg.Log.Level, "log level (debug, info, warn, error)")
	flag.DurationVar(&cfg.Upgrade.ExecutionBudget, "upgrade.budget", cfg.Upgrade.ExecutionBudget, "execution budget of an upgrade step")
	flag.BoolVar(&cfg.Scheduler.Disable, "scheduler.disable", cfg.Scheduler.Disable, "disable the background task runner")
	flag.BoolVar(&disableStdin, "env", false, "disable stdin prompts for environment variables (default false)")
	flag.Parse()

	switch flag.Arg(0) {
	case "version":
		fmt.Println("subsd", build.Version())
		fmt.Println("Commit:", build.Commit())
		fmt.Println("Build Date:", build.Time())
		return
	}

	checkFatalError("failed to create data directory", os.MkdirAll(cfg.Directory, 0700))
	cfg.HTTP.Password = getAPIPassword()

	cores, closeLog, err := buildCores()
	checkFatalError("failed to initialize logger", err)
	defer closeLog()

	log := zap.New(zapcore.NewTee(cores...), zap.AddCaller())
	defer log.Sync()
	zap.RedirectStdLog(log.Named("stdlog"))

	if err := cfg.Upgrade.Validate(); errors.Is(err, config.ErrShortBudget) {
		log.Warn("upgrade steps may not finish within the execution budget", zap.Error(err))
	} else if err != nil {
		log.Fatal("invalid upgrade config", zap.Error(err))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := runNode(ctx, cfg, log); err != nil {
		log.Error("failed to run node", zap.Error(err))
		os.Exit(1)
	}
}
