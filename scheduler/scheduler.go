// Package scheduler runs scheduled subscription actions in the background. The
// runner is vetoed while a schema upgrade holds the cron lock.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shoplift/subsd/internal/threadgroup"
	"go.uber.org/zap"
)

// Action statuses
const (
	StatusPending  = "pending"
	StatusComplete = "complete"
	StatusFailed   = "failed"
	StatusCanceled = "canceled"
)

// ErrLocked is returned by RunDue while the cron lock is held.
var ErrLocked = errors.New("scheduled actions are locked")

type (
	// An Action is a scheduled call of a hook for a subscription.
	Action struct {
		ID              int64     `json:"id"`
		Hook            string    `json:"hook"`
		SubscriptionID  int64     `json:"subscriptionID"`
		SubscriptionKey string    `json:"subscriptionKey,omitempty"`
		Status          string    `json:"status"`
		ScheduledAt     time.Time `json:"scheduledAt"`
		Attempts        int       `json:"attempts"`
		LastError       string    `json:"lastError,omitempty"`
	}

	// A Store persists scheduled actions.
	Store interface {
		// DueActions returns up to limit pending actions scheduled at or
		// before now, earliest first.
		DueActions(now time.Time, limit int) ([]Action, error)
		CompleteAction(id int64, timestamp time.Time) error
		// RetryAction records a failed attempt and reschedules the action.
		RetryAction(id int64, timestamp time.Time, reason string, next time.Time) error
		// FailAction records a failed attempt and stops retrying the action.
		FailAction(id int64, timestamp time.Time, reason string) error
		ScheduleAction(hook string, subscriptionID int64, at time.Time) (int64, error)
	}

	// A Locker reports whether background work is currently vetoed.
	Locker interface {
		CronLocked() (bool, error)
	}

	// A Handler runs an action.
	Handler func(ctx context.Context, action Action) error

	// A Runner periodically runs due actions.
	Runner struct {
		store  Store
		locker Locker
		log    *zap.Logger
		tg     *threadgroup.ThreadGroup

		interval    time.Duration
		batchSize   int
		maxAttempts int
		retryDelay  time.Duration

		mu       sync.Mutex
		handlers map[string]Handler
	}
)

// Handle sets the handler of a hook.
func (r *Runner) Handle(hook string, fn Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[hook] = fn
}

// Schedule schedules a hook for a subscription.
func (r *Runner) Schedule(hook string, subscriptionID int64, at time.Time) (int64, error) {
	return r.store.ScheduleAction(hook, subscriptionID, at)
}

func (r *Runner) handler(hook string) (Handler, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn, ok := r.handlers[hook]
	return fn, ok
}

func (r *Runner) runAction(ctx context.Context, action Action) error {
	log := r.log.With(zap.Int64("action", action.ID), zap.String("hook", action.Hook), zap.Int64("subscription", action.SubscriptionID))

	fn, ok := r.handler(action.Hook)
	if !ok {
		log.Warn("no handler for action")
		return r.store.FailAction(action.ID, time.Now(), fmt.Sprintf("no handler for hook %q", action.Hook))
	}

	start := time.Now()
	err := fn(ctx, action)
	if err == nil {
		log.Debug("ran action", zap.Duration("elapsed", time.Since(start)))
		return r.store.CompleteAction(action.ID, time.Now())
	}

	attempts := action.Attempts + 1
	if attempts >= r.maxAttempts {
		log.Error("action failed", zap.Int("attempts", attempts), zap.Error(err))
		return r.store.FailAction(action.ID, time.Now(), err.Error())
	}
	next := time.Now().Add(r.retryDelay * time.Duration(attempts))
	log.Warn("action failed, retrying", zap.Int("attempts", attempts), zap.Time("next", next), zap.Error(err))
	return r.store.RetryAction(action.ID, time.Now(), err.Error(), next)
}

// RunDue runs the actions that are due and returns the number run. It returns
// ErrLocked without running anything while the cron lock is held.
func (r *Runner) RunDue(ctx context.Context) (int, error) {
	ctx, cancel, err := r.tg.AddContext(ctx)
	if err != nil {
		return 0, err
	}
	defer cancel()

	if locked, err := r.locker.CronLocked(); err != nil {
		return 0, fmt.Errorf("failed to check cron lock: %w", err)
	} else if locked {
		return 0, ErrLocked
	}

	actions, err := r.store.DueActions(time.Now(), r.batchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to get due actions: %w", err)
	}

	var ran int
	for _, action := range actions {
		select {
		case <-ctx.Done():
			return ran, ctx.Err()
		default:
		}

		if err := r.runAction(ctx, action); err != nil {
			return ran, fmt.Errorf("failed to update action %d: %w", action.ID, err)
		}
		ran++
	}
	return ran, nil
}

func (r *Runner) run(ctx context.Context) {
	t := time.NewTicker(r.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}

		n, err := r.RunDue(ctx)
		switch {
		case errors.Is(err, ErrLocked):
			r.log.Debug("skipped scheduled actions, upgrade in progress")
		case errors.Is(err, threadgroup.ErrClosed):
			return
		case err != nil:
			r.log.Error("failed to run scheduled actions", zap.Error(err))
		case n > 0:
			r.log.Debug("ran scheduled actions", zap.Int("count", n))
		}
	}
}

// Close stops the runner and waits for running actions to finish.
func (r *Runner) Close() error {
	r.tg.Stop()
	return nil
}

// NewRunner creates a runner and starts running due actions in the
// background.
func NewRunner(store Store, locker Locker, opts ...Option) *Runner {
	r := &Runner{
		store:  store,
		locker: locker,
		log:    zap.NewNop(),
		tg:     threadgroup.New(),

		interval:    time.Minute,
		batchSize:   25,
		maxAttempts: 5,
		retryDelay:  5 * time.Minute,

		handlers: make(map[string]Handler),
	}
	for _, opt := range opts {
		opt(r)
	}

	if err := r.tg.Go(context.Background(), r.run); err != nil {
		panic(err) // should never happen
	}
	return r
}
