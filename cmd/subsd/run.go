package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/shoplift/subsd/alerts"
	"github.com/shoplift/subsd/api"
	"github.com/shoplift/subsd/build"
	"github.com/shoplift/subsd/config"
	"github.com/shoplift/subsd/logging"
	"github.com/shoplift/subsd/persist/sqlite"
	"github.com/shoplift/subsd/scheduler"
	"github.com/shoplift/subsd/subscriptions"
	"github.com/shoplift/subsd/upgrader"
	"github.com/shoplift/subsd/webhooks"
	"go.sia.tech/jape"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// upgradeLogPrefix is the logger name persisted as the upgrade log.
const upgradeLogPrefix = "upgrader"

// startLocalhostListener listens on the API address. "localhost" does not
// resolve on some Windows installs, so the loopback addresses are tried in
// turn.
func startLocalhostListener(listenAddr string, log *zap.Logger) (l net.Listener, err error) {
	addr, port, err := net.SplitHostPort(listenAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse API address: %w", err)
	}

	// if the address is not localhost, listen on the address as-is
	if addr != "localhost" {
		return net.Listen("tcp", listenAddr)
	}

	tryAddresses := []string{
		net.JoinHostPort("localhost", port), // original address
		net.JoinHostPort("127.0.0.1", port), // IPv4 loopback
		net.JoinHostPort("::1", port),       // IPv6 loopback
	}

	for _, addr := range tryAddresses {
		l, err = net.Listen("tcp", addr)
		if err == nil {
			return
		}
		log.Debug("failed to listen on fallback address", zap.String("address", addr), zap.Error(err))
	}
	return
}

// backupPath returns the path of the backup taken before a migration run.
func backupPath(dir string) string {
	return filepath.Join(dir, "backups", fmt.Sprintf("subsd-%s.sqlite3", time.Now().UTC().Format("20060102T150405")))
}

// actionHandler adapts a subscription manager to the scheduler.
func actionHandler(sm *subscriptions.Manager) scheduler.Handler {
	return func(_ context.Context, action scheduler.Action) error {
		return sm.HandleAction(action.Hook, action.SubscriptionID)
	}
}

func runNode(ctx context.Context, cfg config.Config, log *zap.Logger) error {
	store, err := sqlite.OpenDatabase(filepath.Join(cfg.Directory, "subsd.sqlite3"), log.Named("sqlite3"))
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer store.Close()

	// persist the upgrader's entries so the upgrade log can be queried
	level := zap.NewAtomicLevelAt(zap.DebugLevel)
	log = zap.New(zapcore.NewTee(log.Core(), logging.Core(store, level, logging.WithNamePrefixes(upgradeLogPrefix))), zap.AddCaller())
	defer log.Sync()

	httpListener, err := startLocalhostListener(cfg.HTTP.Address, log.Named("listener"))
	if err != nil {
		return fmt.Errorf("failed to listen on http address: %w", err)
	}
	defer httpListener.Close()

	wr, err := webhooks.NewManager(store, log.Named("webhooks"),
		webhooks.WithDeliveryLimit(cfg.Webhooks.RatePerSecond, cfg.Webhooks.Burst),
		webhooks.WithDeliveryTimeout(cfg.Webhooks.Timeout))
	if err != nil {
		return fmt.Errorf("failed to create webhook manager: %w", err)
	}
	defer wr.Close()
	wr.RegisterPayloadBuilder(webhooks.ResourceSubscription, webhooks.SubscriptionPayload(store))

	am := alerts.NewManager(alerts.WithEventReporter(wr), alerts.WithLog(log.Named("alerts")))

	sm := subscriptions.NewManager(store, wr, log.Named("subscriptions"))

	upgraderOpts := []upgrader.Option{
		upgrader.WithLog(log.Named(upgradeLogPrefix)),
		upgrader.WithLeaseTimeout(cfg.Upgrade.LeaseTimeout),
		upgrader.WithCronLockWindow(cfg.Upgrade.CronLockWindow),
		upgrader.WithExecutionBudget(cfg.Upgrade.ExecutionBudget),
		upgrader.WithMemoryLimit(cfg.Upgrade.MemoryLimit),
		upgrader.WithSiteURL(cfg.Site.URL),
	}
	if !cfg.Upgrade.DisableBackup {
		upgraderOpts = append(upgraderOpts, upgrader.WithBackup(func(ctx context.Context) error {
			path := backupPath(cfg.Directory)
			if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
				return fmt.Errorf("failed to create backup directory: %w", err)
			}
			return store.Backup(ctx, path)
		}))
	}
	ctrl, err := upgrader.NewController(build.Version(), store, wr, am, upgraderOpts...)
	if err != nil {
		return fmt.Errorf("failed to create upgrade controller: %w", err)
	}

	welcome := upgrader.NewWelcomeRedirect(store)
	ctrl.Subscribe(welcome.MigrationCompleted)
	ctrl.Subscribe(func(e upgrader.MigrationCompleted) {
		if err := wr.BroadcastEvent("completed", webhooks.ScopeUpgrade, e); err != nil {
			log.Warn("failed to broadcast upgrade completion", zap.Error(err))
		}
	})

	if !cfg.Scheduler.Disable {
		runner := scheduler.NewRunner(store, ctrl,
			scheduler.WithLog(log.Named("scheduler")),
			scheduler.WithInterval(cfg.Scheduler.Interval))
		defer runner.Close()
		for _, hook := range []string{subscriptions.ActionPayment, subscriptions.ActionExpiration, subscriptions.ActionEndOfPrepaidTerm, subscriptions.ActionTrialEnd} {
			runner.Handle(hook, actionHandler(sm))
		}
	}

	if needsUpgrade, err := ctrl.NeedsUpgrade(); err != nil {
		return fmt.Errorf("failed to check upgrade: %w", err)
	} else if needsUpgrade {
		log.Warn("store needs to be upgraded", zap.String("current", build.Version()), zap.String("url", fmt.Sprintf("http://%s/upgrade", httpListener.Addr())))
	}

	web := http.Server{
		Handler: jape.BasicAuth(cfg.HTTP.Password)(api.NewServer(cfg.Name, build.Version(), ctrl, ctrl,
			api.ServerWithLogger(log.Named("api")),
			api.ServerWithWelcomeRedirect(welcome),
			api.ServerWithGateways(store),
			api.ServerWithWebhooks(wr),
			api.ServerWithAlerts(am),
			api.ServerWithSubscriptions(sm),
			api.ServerWithLogStore(store))),
		ReadTimeout: 30 * time.Second,
	}
	defer web.Close()

	go func() {
		log.Debug("starting http server", zap.String("address", cfg.HTTP.Address))
		if err := web.Serve(httpListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", zap.Error(err))
		}
	}()

	log.Info("node started", zap.String("version", build.Version()), zap.String("http", httpListener.Addr().String()))
	<-ctx.Done()
	log.Info("shutting down...")
	time.AfterFunc(5*time.Minute, func() {
		log.Fatal("failed to shut down within 5 minutes")
	})
	return nil
}
