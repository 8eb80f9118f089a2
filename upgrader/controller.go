package upgrader

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"runtime/debug"
	"strconv"
	"sync"
	"time"

	"github.com/shoplift/subsd/alerts"
	"go.uber.org/zap"
	"lukechampine.com/frand"
)

// alertCategory groups the alerts registered by the upgrader.
const alertCategory = "upgrade"

var (
	// ErrUpToDate is returned when the store does not need to be upgraded.
	ErrUpToDate = errors.New("store is up to date")
	// ErrUpgradeInProgress is returned when another request holds the
	// upgrade lease.
	ErrUpgradeInProgress = errors.New("upgrade in progress")
	// ErrInvalidNonce is returned when a step request does not carry the
	// nonce of the current run.
	ErrInvalidNonce = errors.New("invalid upgrade nonce")
	// ErrUnknownStage is returned when a step request names no stage.
	ErrUnknownStage = errors.New("unknown upgrade step")
	// ErrStageOutOfOrder is returned when a step is requested before an
	// earlier stage of the run has finished.
	ErrStageOutOfOrder = errors.New("upgrade step out of order")
)

// A Controller sequences the migration stages across requests. Each request
// runs at most one batch, holding a timed lease on the migration.
type Controller struct {
	current  string
	store    Store
	notifier Notifier
	alerts   alerts.Alerter
	log      *zap.Logger

	leaseTimeout   time.Duration
	cronLockWindow time.Duration
	budget         time.Duration
	memoryLimit    int64
	siteURL        string
	backup         func(context.Context) error

	mu               sync.Mutex
	nextSubscriberID int
	subscribers      []subscriber
}

// Session returns the persisted migration session.
func (c *Controller) Session() (Session, error) {
	return loadSession(c.store)
}

func (c *Controller) gate(sess Session) (Gate, error) {
	return NewGate(sess.ActiveVersion, c.current)
}

// NeedsUpgrade returns true if the store's active version is older than the
// running software version.
func (c *Controller) NeedsUpgrade() (bool, error) {
	sess, err := loadSession(c.store)
	if err != nil {
		return false, err
	}
	gate, err := c.gate(sess)
	if err != nil {
		return false, err
	}
	return gate.NeedsUpgrade(), nil
}

// stages returns the stages that must run. The dates repair only runs if
// migrated subscriptions exist.
func (c *Controller) stages(gate Gate) ([]Stage, error) {
	var stages []Stage
	for _, s := range gate.Stages() {
		if s == StageDatesRepair {
			n, err := c.store.MigratedSubscriptionCount()
			if err != nil {
				return nil, fmt.Errorf("failed to count migrated subscriptions: %w", err)
			} else if n == 0 {
				continue
			}
		}
		stages = append(stages, s)
	}
	return stages, nil
}

// pending returns true if stage still has work left. Products are optional
// and never block later stages.
func (c *Controller) pending(stage Stage, gate Gate) (bool, error) {
	var n int
	var err error
	switch stage {
	case StageReallyOldVersion:
		return gate.Before(version14), nil
	case StageHooks:
		n, err = c.store.LegacyCronHookCount()
	case StageSubscriptions:
		n, err = c.store.LegacySubscriptionCount()
	case StageDatesRepair:
		n, err = c.store.SubscriptionsToRepairCount()
	}
	if err != nil {
		return false, fmt.Errorf("failed to count remaining %s work: %w", stage, err)
	}
	return n > 0, nil
}

// firstPending returns the first of stages that still has work left.
func (c *Controller) firstPending(stages []Stage, gate Gate) (Stage, bool, error) {
	for _, s := range stages {
		if ok, err := c.pending(s, gate); err != nil {
			return StageNone, false, err
		} else if ok {
			return s, true, nil
		}
	}
	return StageNone, false, nil
}

// subscriptionCount returns the number of subscriptions the run will process.
func (c *Controller) subscriptionCount(gate Gate) (int, error) {
	switch {
	case gate.IsInitialInstall():
		return 0, nil
	case gate.Before(version20):
		return c.store.LegacySubscriptionCount()
	case gate.inRepairWindow():
		return c.store.SubscriptionCount()
	default:
		return 0, nil
	}
}

func (c *Controller) helperData(gate Gate, sess Session, stages []Stage) (HelperData, error) {
	count, err := c.subscriptionCount(gate)
	if err != nil {
		return HelperData{}, fmt.Errorf("failed to count subscriptions: %w", err)
	}
	limits := LimitsFor(sess.InitialCount)
	data := HelperData{
		ReallyOldVersion: gate.Before(version14),
		UpgradeTo15:      gate.Before(version15),
		UpgradeTo20:      gate.Before(version20),
		Repair20:         gate.inRepairWindow(),

		HooksPerRequest:         limits.Hooks,
		SubscriptionsPerRequest: limits.Subscriptions,
		SubscriptionCount:       count,

		ActiveVersion:  sess.ActiveVersion,
		CurrentVersion: c.current,
		Stages:         stages,
	}
	// the count of really old versions is unknown until their data is moved
	// to item meta
	if !data.ReallyOldVersion {
		data.EstimatedMinutes = int(EstimateDuration(count) / time.Minute)
	}
	return data, nil
}

// Helper returns the helper page data for the current session without
// claiming the lease.
func (c *Controller) Helper() (HelperData, error) {
	sess, err := loadSession(c.store)
	if err != nil {
		return HelperData{}, err
	}
	gate, err := c.gate(sess)
	if err != nil {
		return HelperData{}, err
	} else if !gate.NeedsUpgrade() {
		return HelperData{}, ErrUpToDate
	}
	stages, err := c.stages(gate)
	if err != nil {
		return HelperData{}, err
	}
	return c.helperData(gate, sess, stages)
}

// InProgress returns the state of a migration claimed by another request.
func (c *Controller) InProgress() (InProgress, error) {
	sess, err := loadSession(c.store)
	if err != nil {
		return InProgress{}, err
	}
	retry := time.Until(sess.LeaseExpiry)
	if retry < 0 {
		retry = 0
	}
	return InProgress{
		CurrentStep: sess.CurrentStep,
		LeaseExpiry: sess.LeaseExpiry,
		RetryAfter:  int(retry.Round(time.Second) / time.Second),
	}, nil
}

// startRun prepares a new migration run: it backs up the store, applies the
// inline upgrades and captures the initial subscription count. The previous
// version is recorded last so an interrupted start is repeated.
func (c *Controller) startRun(ctx context.Context, gate Gate, sess Session, log *zap.Logger) (Session, error) {
	log.Info("starting upgrade")
	if c.backup != nil {
		start := time.Now()
		if err := c.backup(ctx); err != nil {
			return Session{}, fmt.Errorf("failed to back up store: %w", err)
		}
		log.Info("store backed up", zap.Duration("elapsed", time.Since(start)))
	}

	if err := c.store.ClearLegacySubscriptionFailures(); err != nil {
		return Session{}, fmt.Errorf("failed to clear legacy failures: %w", err)
	} else if err := c.store.ClearLegacyHookFailures(); err != nil {
		return Session{}, fmt.Errorf("failed to clear legacy hook failures: %w", err)
	} else if err := c.inlineUpgrades(gate, log); err != nil {
		return Session{}, fmt.Errorf("failed to apply inline upgrades: %w", err)
	}

	if !sess.hasInitial {
		count, err := c.subscriptionCount(gate)
		if err != nil {
			return Session{}, fmt.Errorf("failed to count subscriptions: %w", err)
		} else if err := c.store.SetOption(optionInitialCount, strconv.Itoa(count)); err != nil {
			return Session{}, fmt.Errorf("failed to set initial subscription count: %w", err)
		}
		sess.InitialCount, sess.hasInitial = count, true
		log.Info("captured initial subscription count", zap.Int("count", count))
	}

	if err := c.store.SetOption(optionPreviousVersion, sess.ActiveVersion); err != nil {
		return Session{}, fmt.Errorf("failed to set previous version: %w", err)
	}
	sess.PreviousVersion = sess.ActiveVersion
	return sess, nil
}

// Begin claims the upgrade lease and starts or resumes a migration run. The
// returned data carries the nonce required by Step. If no stage needs to run,
// the migration completes immediately.
func (c *Controller) Begin(ctx context.Context) (HelperData, error) {
	sess, err := loadSession(c.store)
	if err != nil {
		return HelperData{}, err
	}
	gate, err := c.gate(sess)
	if err != nil {
		return HelperData{}, err
	} else if !gate.NeedsUpgrade() {
		return HelperData{}, ErrUpToDate
	}

	now := time.Now()
	if ok, err := acquireLease(c.store, sess, now, c.leaseTimeout); err != nil {
		return HelperData{}, fmt.Errorf("failed to acquire upgrade lease: %w", err)
	} else if !ok {
		return HelperData{}, ErrUpgradeInProgress
	}

	log := c.log.With(zap.String("active", sess.ActiveVersion), zap.String("current", c.current))
	if sess.Claimed() {
		log.Info("reclaimed expired upgrade lease", zap.Time("expired", sess.LeaseExpiry), zap.Stringer("step", sess.CurrentStep))
	}

	if !sess.Started() {
		sess, err = c.startRun(ctx, gate, sess, log)
		if err != nil {
			// release the lease so the run can be retried
			if err := c.store.DeleteOption(optionIsUpgrading); err != nil {
				log.Error("failed to release upgrade lease", zap.Error(err))
			}
			return HelperData{}, err
		}
	}

	stages, err := c.stages(gate)
	if err != nil {
		return HelperData{}, err
	} else if len(stages) == 0 {
		if err := c.complete(sess, log); err != nil {
			return HelperData{}, err
		}
		return HelperData{
			ActiveVersion:  sess.ActiveVersion,
			CurrentVersion: c.current,
			Completed:      true,
		}, nil
	}

	data, err := c.helperData(gate, sess, stages)
	if err != nil {
		return HelperData{}, err
	}

	data.Nonce = hex.EncodeToString(frand.Bytes(16))
	if err := c.store.SetOption(optionNonce, data.Nonce); err != nil {
		return HelperData{}, fmt.Errorf("failed to set upgrade nonce: %w", err)
	}
	log.Info("loaded database upgrade helper", zap.Stringers("stages", stages), zap.Int("subscriptions", data.SubscriptionCount))
	return data, nil
}

// raiseMemoryLimit raises the runtime's soft memory limit to at least limit
// and returns a function restoring the previous limit.
func raiseMemoryLimit(limit int64) func() {
	if limit <= 0 {
		return func() {}
	}
	prev := debug.SetMemoryLimit(-1)
	if prev >= limit {
		return func() {}
	}
	debug.SetMemoryLimit(limit)
	return func() { debug.SetMemoryLimit(prev) }
}

func (c *Controller) runStage(ctx context.Context, stage Stage, gate Gate, limits Limits, log *zap.Logger) (StepResult, error) {
	switch stage {
	case StageReallyOldVersion:
		return c.upgradeReallyOldVersions(ctx, gate, log)
	case StageProducts:
		return c.upgradeProducts(log)
	case StageHooks:
		return c.upgradeHooks(ctx, limits.Hooks, log)
	case StageSubscriptions:
		return c.upgradeSubscriptions(ctx, limits.Subscriptions, log)
	case StageDatesRepair:
		return c.repairSubscriptionDates(ctx, limits.Subscriptions, log)
	default:
		panic(fmt.Sprintf("no handler for stage %q", stage)) // developer error
	}
}

// Step runs one batch of a stage. Stage failures are reported in the result
// with an error status; the lease is kept so the client can retry the step.
func (c *Controller) Step(ctx context.Context, stage Stage, nonce string) (StepResult, error) {
	if stage == StageNone {
		return StepResult{}, ErrUnknownStage
	}

	sess, err := loadSession(c.store)
	if err != nil {
		return StepResult{}, err
	}
	gate, err := c.gate(sess)
	if err != nil {
		return StepResult{}, err
	} else if !gate.NeedsUpgrade() {
		return StepResult{}, ErrUpToDate
	} else if !sess.validNonce(nonce) {
		return StepResult{}, ErrInvalidNonce
	}

	if ok, err := refreshLease(c.store, sess, time.Now(), c.leaseTimeout); err != nil {
		return StepResult{}, fmt.Errorf("failed to refresh upgrade lease: %w", err)
	} else if !ok {
		return StepResult{}, ErrUpgradeInProgress
	}

	stages, err := c.stages(gate)
	if err != nil {
		return StepResult{}, err
	}
	pos := -1
	for i, s := range stages {
		if s == stage {
			pos = i
		}
	}
	if pos > 0 {
		if blocking, ok, err := c.firstPending(stages[:pos], gate); err != nil {
			return StepResult{}, err
		} else if ok {
			return StepResult{}, fmt.Errorf("%w: %s must finish before %s", ErrStageOutOfOrder, blocking, stage)
		}
	}

	if err := c.store.SetOption(optionCurrentStep, stage.String()); err != nil {
		return StepResult{}, fmt.Errorf("failed to set current step: %w", err)
	}

	log := c.log.With(zap.Stringer("step", stage), zap.String("active", sess.ActiveVersion))
	var res StepResult
	if pos < 0 {
		res = skippedResult(stage)
		log.Debug("skipped upgrade step")
	} else {
		limits := LimitsFor(sess.InitialCount)
		defer raiseMemoryLimit(c.memoryLimit)()
		defer c.notifier.Suppress()()
		ctx, cancel := context.WithTimeout(ctx, c.budget)
		defer cancel()

		start := time.Now()
		res, err = c.runStage(ctx, stage, gate, limits, log)
		if err != nil {
			log.Error("Error on upgrade step", zap.Error(err))
			c.alerts.Register(alerts.Alert{
				ID:       alerts.RandomID(),
				Category: alertCategory,
				Severity: alerts.SeverityError,
				Message:  fmt.Sprintf("Upgrade step %q failed", stage),
				Data: map[string]any{
					"step":  stage.String(),
					"error": err.Error(),
				},
				Timestamp: time.Now(),
			})
			return errorResult(stage, err), nil
		}
		log.Info("completed upgrade step", zap.Duration("elapsed", time.Since(start)), zap.Int("remaining", res.remaining))
	}
	res.Status = StatusSuccess

	// the run completes when the last applicable stage has no work left and
	// every batch stage has drained
	if len(stages) > 0 && stage == stages[len(stages)-1] && res.remaining == 0 {
		if _, ok, err := c.firstPending(stages, gate); err != nil {
			return StepResult{}, err
		} else if ok {
			return res, nil
		}
		if err := c.complete(sess, log); err != nil {
			return StepResult{}, err
		}
		res.Completed = true
	}
	return res, nil
}

// ForceComplete completes the migration regardless of remaining work.
func (c *Controller) ForceComplete(nonce string) error {
	sess, err := loadSession(c.store)
	if err != nil {
		return err
	} else if !sess.validNonce(nonce) {
		return ErrInvalidNonce
	}
	log := c.log.With(zap.String("active", sess.ActiveVersion))
	log.Warn("upgrade completed manually", zap.Stringer("step", sess.CurrentStep))
	return c.complete(sess, log)
}

// complete advances the active version, clears the session and publishes the
// completion to subscribers.
func (c *Controller) complete(sess Session, log *zap.Logger) error {
	previous := sess.PreviousVersion
	if previous == "" {
		previous = sess.ActiveVersion
	}

	if err := c.store.SetOption(optionActiveVersion, c.current); err != nil {
		return fmt.Errorf("failed to set active version: %w", err)
	}
	for _, key := range []string{optionCronLock, optionIsUpgrading, optionNonce, optionInitialCount, optionPreviousVersion, optionCurrentStep} {
		if err := c.store.DeleteOption(key); err != nil {
			return fmt.Errorf("failed to delete option %q: %w", key, err)
		}
	}
	log.Info("upgrade complete", zap.String("previous", previous), zap.String("current", c.current))

	c.alerts.Register(alerts.Alert{
		ID:       alerts.RandomID(),
		Category: alertCategory,
		Severity: alerts.SeverityInfo,
		Message:  fmt.Sprintf("Database upgraded from %s to %s", previous, c.current),
		Data: map[string]any{
			"previous": previous,
			"current":  c.current,
		},
		Timestamp: time.Now(),
	})
	c.publish(MigrationCompleted{Current: c.current, Previous: previous})
	return nil
}

// NewController initializes a migration controller for the running software
// version.
func NewController(current string, store Store, notifier Notifier, a alerts.Alerter, opts ...Option) (*Controller, error) {
	c := &Controller{
		current:  current,
		store:    store,
		notifier: notifier,
		alerts:   a,
		log:      zap.NewNop(),

		leaseTimeout:   DefaultLeaseTimeout,
		cronLockWindow: DefaultCronLockWindow,
		budget:         DefaultExecutionBudget,
		memoryLimit:    DefaultMemoryLimit,
	}
	for _, opt := range opts {
		opt(c)
	}

	if _, err := NewGate(InitialInstallVersion, current); err != nil {
		return nil, err
	} else if c.leaseTimeout >= c.cronLockWindow {
		return nil, fmt.Errorf("lease timeout %v must be shorter than the cron lock window %v", c.leaseTimeout, c.cronLockWindow)
	}
	return c, nil
}
