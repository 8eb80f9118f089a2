package upgrader

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shoplift/subsd/alerts"
	"go.uber.org/zap"
)

// Site options updated by the inline upgrades.
const (
	optionHoldStockMinutes = "hold_stock_minutes"
	optionMultiplePurchase = "subscriptions_multiple_purchase"
	optionDuplicateSiteURL = "duplicate_site_url"
	blockerOptionPrefix    = "wcs_blocker_"

	// legacyHoldStockMinutes is the default stock hold of versions before
	// 1.4. Pending renewal orders must hold stock longer.
	legacyHoldStockMinutes = "60"
	holdStockMinutes       = "10080" // one week
)

// ErrNotFound is returned by a LegacyStore when a legacy record does not
// exist.
var ErrNotFound = errors.New("not found")

// inlineUpgrades applies the upgrades that run once at the start of a
// migration run instead of in batches.
func (c *Controller) inlineUpgrades(gate Gate, log *zap.Logger) error {
	if gate.IsInitialInstall() || gate.Before(version14) {
		v, _, err := c.store.Option(optionHoldStockMinutes)
		if err != nil {
			return fmt.Errorf("failed to get hold stock minutes: %w", err)
		} else if v == legacyHoldStockMinutes {
			if err := c.store.SetOption(optionHoldStockMinutes, holdStockMinutes); err != nil {
				return fmt.Errorf("failed to set hold stock minutes: %w", err)
			}
			log.Info("increased hold stock duration", zap.String("minutes", holdStockMinutes))
		}
		if err := c.store.SetOption(optionMultiplePurchase, "yes"); err != nil {
			return fmt.Errorf("failed to set multiple purchase option: %w", err)
		}
	}

	if (gate.IsInitialInstall() || gate.Before(version142)) && c.siteURL != "" {
		if err := c.store.SetOption(optionDuplicateSiteURL, c.siteURL); err != nil {
			return fmt.Errorf("failed to set duplicate site url: %w", err)
		}
	}

	if gate.Before(version20) {
		n, err := c.store.DeleteOptionsWithPrefix(blockerOptionPrefix)
		if err != nil {
			return fmt.Errorf("failed to delete legacy cron blockers: %w", err)
		}
		log.Info(fmt.Sprintf("Deleted %d rows of %q", n, blockerOptionPrefix))
	}

	if gate.Before(version210) {
		n, err := c.store.SetCancelledDates()
		if err != nil {
			return fmt.Errorf("failed to set cancelled dates: %w", err)
		}
		log.Info("set cancelled dates", zap.Int("subscriptions", n))
	}
	return nil
}

// upgradeReallyOldVersions applies the pre-1.4 upgrades. Each sub-stage
// checkpoints the active version as soon as it succeeds.
func (c *Controller) upgradeReallyOldVersions(ctx context.Context, gate Gate, log *zap.Logger) (StepResult, error) {
	var upgraded []string
	checkpoint := func(v string) error {
		if err := c.store.SetOption(optionActiveVersion, v); err != nil {
			return fmt.Errorf("failed to checkpoint version %s: %w", v, err)
		}
		upgraded = append(upgraded, v)
		log.Info("checkpointed active version", zap.String("version", v))
		return nil
	}

	if gate.Before(version12) {
		n, err := c.generateRenewalOrders(ctx, log)
		if err != nil {
			return StepResult{}, fmt.Errorf("failed to generate renewal orders: %w", err)
		}
		log.Info("generated renewal orders", zap.Int("orders", n))
		if err := checkpoint("1.2"); err != nil {
			return StepResult{}, err
		}
	}

	if gate.Before(version13) {
		if err := c.store.EnsureProductType("variable-subscription"); err != nil {
			return StepResult{}, fmt.Errorf("failed to add variable subscription product type: %w", err)
		} else if err := checkpoint("1.3"); err != nil {
			return StepResult{}, err
		}
	}

	if gate.Before(version14) {
		n, err := c.moveUserSubscriptions(ctx, log)
		if err != nil {
			return StepResult{}, fmt.Errorf("failed to move subscriptions to item meta: %w", err)
		}
		log.Info("moved subscriptions to item meta", zap.Int("items", n))
		if err := checkpoint("1.4"); err != nil {
			return StepResult{}, err
		}
	}
	return reallyOldVersionResult(upgraded), nil
}

// generateRenewalOrders creates a completed renewal order for every payment
// recorded after the parent order. Existing renewal orders are kept.
func (c *Controller) generateRenewalOrders(ctx context.Context, log *zap.Logger) (int, error) {
	subs, err := c.store.LegacyUserSubscriptions()
	if err != nil {
		return 0, err
	}

	var created int
	for _, us := range subs {
		if len(us.CompletedPayments) < 2 {
			continue
		}
		log := log.With(zap.Int64("user", us.UserID), zap.Int64("order", us.OrderID))
		// the first payment is the parent order
		for _, ds := range us.CompletedPayments[1:] {
			if err := ctx.Err(); err != nil {
				return created, err
			}

			date, err := ParseLegacyDate(ds)
			if err != nil || date.IsZero() {
				log.Warn("skipping invalid payment date", zap.String("date", ds))
				continue
			}
			exists, err := c.store.RenewalOrderExists(us.OrderID, date)
			if err != nil {
				log.Error("failed to check renewal order", zap.Error(err))
				continue
			} else if exists {
				continue
			}
			_, err = c.store.CreateRenewalOrder(RenewalOrder{
				ParentOrderID: us.OrderID,
				CustomerID:    us.UserID,
				ProductID:     us.ProductID,
				Total:         us.RecurringAmount,
				DateCreated:   date,
			})
			if err != nil {
				log.Error("failed to create renewal order", zap.Time("date", date), zap.Error(err))
				continue
			}
			created++
		}
	}
	return created, nil
}

// moveUserSubscriptions moves subscriptions stored in user meta to the meta
// of their order items.
func (c *Controller) moveUserSubscriptions(ctx context.Context, log *zap.Logger) (int, error) {
	subs, err := c.store.LegacyUserSubscriptions()
	if err != nil {
		return 0, err
	}

	var users []int64
	byUser := make(map[int64]map[int64]map[string]string)
	for _, us := range subs {
		log := log.With(zap.Int64("user", us.UserID), zap.Int64("order", us.OrderID), zap.Int64("product", us.ProductID))
		if _, ok := byUser[us.UserID]; !ok {
			users = append(users, us.UserID)
			byUser[us.UserID] = make(map[int64]map[string]string)
		}

		itemID, err := c.store.LegacyOrderItemID(us.OrderID, us.ProductID)
		if errors.Is(err, ErrNotFound) {
			log.Warn("subscription has no order item")
			continue
		} else if err != nil {
			return 0, fmt.Errorf("failed to get order item: %w", err)
		}
		meta, err := userSubscriptionMeta(us)
		if err != nil {
			log.Error("failed to convert user subscription", zap.Error(err))
			continue
		}
		byUser[us.UserID][itemID] = meta
	}

	var moved int
	for _, userID := range users {
		if err := ctx.Err(); err != nil {
			return moved, err
		}
		n, err := c.store.MoveUserSubscriptions(userID, byUser[userID])
		if err != nil {
			return moved, fmt.Errorf("failed to move subscriptions of user %d: %w", userID, err)
		}
		moved += n
	}
	return moved, nil
}

func (c *Controller) upgradeProducts(log *zap.Logger) (StepResult, error) {
	n, err := c.store.MarkSubscriptionProductsSoldIndividually()
	if err != nil {
		return StepResult{}, fmt.Errorf("failed to update subscription products: %w", err)
	}
	log.Info("marked subscription products as sold individually", zap.Int("products", n))
	return productsResult(n), nil
}

// upgradeHooks moves a batch of legacy cron hooks to scheduled actions. Hooks
// that cannot be moved are recorded and excluded from the remaining count.
func (c *Controller) upgradeHooks(ctx context.Context, limit int, log *zap.Logger) (StepResult, error) {
	hooks, err := c.store.LegacyCronHooks(limit)
	if err != nil {
		return StepResult{}, fmt.Errorf("failed to get legacy hooks: %w", err)
	}

	var migrated, failed int
	for _, hook := range hooks {
		if ctx.Err() != nil {
			log.Warn("execution budget exceeded", zap.Int("migrated", migrated))
			break
		}

		log := log.With(zap.Int64("hook", hook.ID), zap.String("name", hook.Hook))
		err := errUnknownHook
		if action, ok := legacyHookActions[hook.Hook]; ok {
			err = c.store.MigrateLegacyHook(hook.ID, action, hook.Timestamp, hook.SubscriptionKey)
		}
		if err != nil {
			log.Error("failed to migrate legacy hook", zap.Error(err))
			if err := c.store.MarkLegacyHookFailed(hook.ID, err.Error()); err != nil {
				return StepResult{}, fmt.Errorf("failed to record migration failure of hook %d: %w", hook.ID, err)
			}
			failed++
			continue
		}
		migrated++
	}

	remaining, err := c.store.LegacyCronHookCount()
	if err != nil {
		return StepResult{}, fmt.Errorf("failed to count legacy hooks: %w", err)
	}
	if failed > 0 {
		total, err := c.store.LegacyHookFailures()
		if err != nil {
			return StepResult{}, fmt.Errorf("failed to count hook migration failures: %w", err)
		}
		c.alerts.Register(alerts.Alert{
			ID:       legacyHookFailuresAlertID,
			Category: alertCategory,
			Severity: alerts.SeverityWarning,
			Message:  "Some scheduled hooks were left unmigrated",
			Data: map[string]any{
				"failed": total,
				"hint":   "the failed hooks remain in the legacy cron table and must be rescheduled manually, see the upgrade log",
			},
			Timestamp: time.Now(),
		})
	}
	log.Info(fmt.Sprintf("migrated %d subscription related hooks", migrated), zap.Int("failed", failed), zap.Int("remaining", remaining))
	return hooksResult(migrated, remaining), nil
}

// migrateLegacySubscription migrates a single legacy subscription. Items that
// were already migrated only have their legacy meta retired.
func (c *Controller) migrateLegacySubscription(ls LegacySubscription, log *zap.Logger) error {
	if id, ok, err := c.store.MigratedSubscriptionID(ls.ItemID); err != nil {
		return fmt.Errorf("failed to check for migrated subscription: %w", err)
	} else if ok {
		log.Debug("subscription already migrated", zap.Int64("subscription", id))
		if err := c.store.RetireLegacySubscription(ls.ItemID); err != nil {
			return fmt.Errorf("failed to retire legacy subscription: %w", err)
		}
		return nil
	}

	sub, err := convertLegacySubscription(ls)
	if err != nil {
		return fmt.Errorf("failed to convert legacy subscription: %w", err)
	}
	id, err := c.store.MigrateLegacySubscription(ls.ItemID, sub)
	if err != nil {
		return fmt.Errorf("failed to store subscription: %w", err)
	}
	log.Debug("migrated subscription", zap.Int64("subscription", id), zap.Stringer("status", sub.Status))
	return nil
}

// upgradeSubscriptions migrates a batch of legacy subscriptions. A record that
// fails is recorded and excluded from the remaining count so the run can
// complete. Failed records are not retried once the run completes.
func (c *Controller) upgradeSubscriptions(ctx context.Context, limit int, log *zap.Logger) (StepResult, error) {
	batch, err := c.store.LegacySubscriptions(limit)
	if err != nil {
		return StepResult{}, fmt.Errorf("failed to get legacy subscriptions: %w", err)
	}

	var upgraded, failed int
	for _, ls := range batch {
		if ctx.Err() != nil {
			log.Warn("execution budget exceeded", zap.Int("upgraded", upgraded))
			break
		}

		log := log.With(zap.Int64("item", ls.ItemID), zap.Int64("order", ls.OrderID))
		if err := c.migrateLegacySubscription(ls, log); err != nil {
			log.Error("failed to migrate subscription", zap.Error(err))
			if err := c.store.MarkLegacySubscriptionFailed(ls.ItemID, err.Error()); err != nil {
				return StepResult{}, fmt.Errorf("failed to record migration failure of item %d: %w", ls.ItemID, err)
			}
			failed++
			continue
		}
		upgraded++
	}

	remaining, err := c.store.LegacySubscriptionCount()
	if err != nil {
		return StepResult{}, fmt.Errorf("failed to count legacy subscriptions: %w", err)
	}
	if failed > 0 {
		total, err := c.store.LegacySubscriptionFailures()
		if err != nil {
			return StepResult{}, fmt.Errorf("failed to count migration failures: %w", err)
		}
		c.alerts.Register(alerts.Alert{
			ID:       legacyFailuresAlertID,
			Category: alertCategory,
			Severity: alerts.SeverityWarning,
			Message:  "Some subscriptions were left unmigrated",
			Data: map[string]any{
				"failed": total,
				"hint":   "the failed order items keep their legacy data and must be migrated manually, see the upgrade log",
			},
			Timestamp: time.Now(),
		})
	}
	log.Info(fmt.Sprintf("migrated %d subscriptions", upgraded), zap.Int("failed", failed), zap.Int("remaining", remaining))
	return subscriptionsResult(upgraded, remaining), nil
}

var errUnknownHook = errors.New("unknown legacy hook")

// legacyHookFailuresAlertID is the fixed ID of the hook failures alert.
var legacyHookFailuresAlertID = func() (id alerts.ID) {
	copy(id[:], "legacy-hook-failures")
	return
}()

// legacyFailuresAlertID is the fixed ID of the migration failures alert so
// that each batch updates the same alert.
var legacyFailuresAlertID = func() (id alerts.ID) {
	copy(id[:], "legacy-subscription-failures")
	return
}()

// repairSubscriptionDates repairs a batch of subscriptions migrated by 2.0.0
// and 2.0.1.
func (c *Controller) repairSubscriptionDates(ctx context.Context, limit int, log *zap.Logger) (StepResult, error) {
	candidates, err := c.store.SubscriptionsToRepair(limit)
	if err != nil {
		return StepResult{}, fmt.Errorf("failed to get subscriptions to repair: %w", err)
	}

	var repaired, unrepaired int
	for _, candidate := range candidates {
		if ctx.Err() != nil {
			log.Warn("execution budget exceeded", zap.Int("repaired", repaired))
			break
		}

		log := log.With(zap.Int64("subscription", candidate.Subscription.ID))
		sub, changed := repairSubscription(candidate)
		if !changed {
			if err := c.store.MarkSubscriptionDatesChecked(sub.ID); err != nil {
				return StepResult{}, fmt.Errorf("failed to mark subscription %d checked: %w", sub.ID, err)
			}
			unrepaired++
			continue
		}

		if err := c.store.SaveRepairedSubscription(sub); err != nil {
			log.Error("failed to save repaired subscription", zap.Error(err))
			// mark the subscription checked so the batch does not repeat it
			if err := c.store.MarkSubscriptionDatesChecked(sub.ID); err != nil {
				return StepResult{}, fmt.Errorf("failed to mark subscription %d checked: %w", sub.ID, err)
			}
			unrepaired++
			continue
		}
		log.Debug("repaired subscription", zap.Stringer("status", sub.Status))
		repaired++
	}

	remaining, err := c.store.SubscriptionsToRepairCount()
	if err != nil {
		return StepResult{}, fmt.Errorf("failed to count subscriptions to repair: %w", err)
	}
	log.Info("repaired subscription dates", zap.Int("repaired", repaired), zap.Int("unrepaired", unrepaired), zap.Int("remaining", remaining))
	return repairResult(repaired, unrepaired, remaining), nil
}
