package upgrader

import (
	"fmt"
	"strconv"
	"time"
)

// LockCron denies the background task runner a work lease for the cron lock
// window if the store is out of date. It is called on every request, since
// the lock can only be held for a bounded window at a time.
func (c *Controller) LockCron() (bool, error) {
	needsUpgrade, err := c.NeedsUpgrade()
	if err != nil {
		return false, err
	} else if !needsUpgrade {
		return false, nil
	}
	expiry := strconv.FormatInt(time.Now().Add(c.cronLockWindow).Unix(), 10)
	if err := c.store.SetOption(optionCronLock, expiry); err != nil {
		return false, fmt.Errorf("failed to set cron lock: %w", err)
	}
	return true, nil
}

// CronLocked returns true if background tasks must not run.
func (c *Controller) CronLocked() (bool, error) {
	v, ok, err := c.store.Option(optionCronLock)
	if err != nil {
		return false, fmt.Errorf("failed to get cron lock: %w", err)
	} else if !ok {
		return false, nil
	}
	ts, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		// an unparseable lock is ignored rather than blocking forever
		return false, nil
	}
	return time.Unix(ts, 0).After(time.Now()), nil
}

// NotificationsBlocked returns true if inbound payment notifications must be
// rejected. Notifications are blocked while the upgrade lease is present,
// even if it expired, since the subscription data is partially migrated.
func (c *Controller) NotificationsBlocked() (bool, error) {
	_, ok, err := c.store.Option(optionIsUpgrading)
	if err != nil {
		return false, fmt.Errorf("failed to get upgrade lease: %w", err)
	}
	return ok, nil
}
