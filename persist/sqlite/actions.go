package sqlite

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/shoplift/subsd/scheduler"
)

func scheduleAction(tx *txn, hook string, subscriptionID int64, at time.Time) (id int64, err error) {
	err = tx.QueryRow(`INSERT INTO scheduled_actions (hook, subscription_id, action_status, scheduled_at, date_created) VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		hook, subscriptionID, scheduler.StatusPending, sqlTime(at), sqlTime(time.Now())).Scan(&id)
	return
}

func cancelPendingActions(tx *txn, subscriptionID int64) error {
	_, err := tx.Exec(`UPDATE scheduled_actions SET action_status=$1 WHERE subscription_id=$2 AND action_status=$3`, scheduler.StatusCanceled, subscriptionID, scheduler.StatusPending)
	return err
}

func updateActionStatus(tx *txn, id int64, status string, timestamp time.Time, reason string) error {
	res, err := tx.Exec(`UPDATE scheduled_actions SET action_status=$1, attempts=attempts+1, last_attempt=$2, last_error=$3 WHERE id=$4 AND action_status=$5`,
		status, sqlTime(timestamp), reason, id, scheduler.StatusPending)
	if err != nil {
		return err
	} else if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n != 1 {
		return fmt.Errorf("action %d is not pending", id)
	}
	return nil
}

// ScheduleAction schedules a hook for a subscription.
func (s *Store) ScheduleAction(hook string, subscriptionID int64, at time.Time) (id int64, err error) {
	err = s.transaction(func(tx *txn) error {
		id, err = scheduleAction(tx, hook, subscriptionID, at)
		return err
	})
	return
}

// DueActions returns up to limit pending actions scheduled at or before now,
// earliest first.
func (s *Store) DueActions(now time.Time, limit int) (actions []scheduler.Action, err error) {
	err = s.transaction(func(tx *txn) error {
		rows, err := tx.Query(`SELECT id, hook, subscription_id, subscription_key, action_status, scheduled_at, attempts, last_error FROM scheduled_actions
WHERE action_status=$1 AND scheduled_at<=$2 ORDER BY scheduled_at ASC, id ASC LIMIT $3`, scheduler.StatusPending, sqlTime(now), limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var action scheduler.Action
			var subscriptionID sql.NullInt64
			if err := rows.Scan(&action.ID, &action.Hook, &subscriptionID, &action.SubscriptionKey, &action.Status, (*sqlTime)(&action.ScheduledAt), &action.Attempts, &action.LastError); err != nil {
				return fmt.Errorf("failed to scan action: %w", err)
			}
			action.SubscriptionID = subscriptionID.Int64
			actions = append(actions, action)
		}
		return rows.Err()
	})
	return
}

// CompleteAction marks an action as complete.
func (s *Store) CompleteAction(id int64, timestamp time.Time) error {
	return s.transaction(func(tx *txn) error {
		return updateActionStatus(tx, id, scheduler.StatusComplete, timestamp, "")
	})
}

// RetryAction records a failed attempt and reschedules the action.
func (s *Store) RetryAction(id int64, timestamp time.Time, reason string, next time.Time) error {
	return s.transaction(func(tx *txn) error {
		if err := updateActionStatus(tx, id, scheduler.StatusPending, timestamp, reason); err != nil {
			return err
		}
		_, err := tx.Exec(`UPDATE scheduled_actions SET scheduled_at=$1 WHERE id=$2`, sqlTime(next), id)
		return err
	})
}

// FailAction records a failed attempt and stops retrying the action.
func (s *Store) FailAction(id int64, timestamp time.Time, reason string) error {
	return s.transaction(func(tx *txn) error {
		return updateActionStatus(tx, id, scheduler.StatusFailed, timestamp, reason)
	})
}
