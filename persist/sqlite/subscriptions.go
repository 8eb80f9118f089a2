package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shoplift/subsd/subscriptions"
	"github.com/shoplift/subsd/upgrader"
)

const (
	orderTypeRenewal     = "renewal"
	orderStatusCompleted = "completed"
)

var subscriptionColumns = []string{
	"id", "parent_order_id", "customer_id", "subscription_status", "product_id",
	"variation_id", "item_name", "billing_period", "billing_interval",
	"recurring_amount", "sign_up_fee", "start_date", "trial_end", "next_payment",
	"end_date", "cancelled_date", "completed_payments", "failed_payments",
	"suspension_count", "customer_note", "legacy_order_item_id", "date_created",
	"date_modified",
}

// selectSubscriptionColumns returns the subscription columns prefixed with a
// table alias.
func selectSubscriptionColumns(alias string) string {
	cols := make([]string, len(subscriptionColumns))
	for i, col := range subscriptionColumns {
		cols[i] = alias + "." + col
	}
	return strings.Join(cols, ", ")
}

func scanSubscription(s scanner, extra ...any) (sub subscriptions.Subscription, err error) {
	var legacyID sql.NullInt64
	dest := []any{
		&sub.ID, &sub.ParentOrderID, &sub.CustomerID, &sub.Status, &sub.ProductID,
		&sub.VariationID, &sub.ItemName, &sub.BillingPeriod, &sub.BillingInterval,
		(*sqlDecimal)(&sub.RecurringAmount), (*sqlDecimal)(&sub.SignUpFee),
		(*sqlTime)(&sub.StartDate), (*sqlTime)(&sub.TrialEnd), (*sqlTime)(&sub.NextPayment),
		(*sqlTime)(&sub.EndDate), (*sqlTime)(&sub.CancelledDate), &sub.CompletedPayments,
		&sub.FailedPayments, &sub.SuspensionCount, &sub.CustomerNote, &legacyID,
		(*sqlTime)(&sub.DateCreated), (*sqlTime)(&sub.DateModified),
	}
	err = s.Scan(append(dest, extra...)...)
	sub.LegacyOrderItemID = legacyID.Int64
	return
}

func insertSubscription(tx *txn, sub subscriptions.Subscription, now time.Time) (id int64, err error) {
	var legacyID sql.NullInt64
	if sub.LegacyOrderItemID != 0 {
		legacyID = sql.NullInt64{Int64: sub.LegacyOrderItemID, Valid: true}
	}
	const query = `INSERT INTO subscriptions (parent_order_id, customer_id, subscription_status, product_id, variation_id, item_name, billing_period, billing_interval, recurring_amount, sign_up_fee, start_date, trial_end, next_payment, end_date, cancelled_date, completed_payments, failed_payments, suspension_count, customer_note, legacy_order_item_id, date_created, date_modified)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22) RETURNING id`
	err = tx.QueryRow(query, sub.ParentOrderID, sub.CustomerID, string(sub.Status), sub.ProductID,
		sub.VariationID, sub.ItemName, sub.BillingPeriod, sub.BillingInterval,
		sqlDecimal(sub.RecurringAmount), sqlDecimal(sub.SignUpFee), sqlTime(sub.StartDate),
		sqlTime(sub.TrialEnd), sqlTime(sub.NextPayment), sqlTime(sub.EndDate),
		sqlTime(sub.CancelledDate), sub.CompletedPayments, sub.FailedPayments,
		sub.SuspensionCount, sub.CustomerNote, legacyID, sqlTime(now), sqlTime(now)).Scan(&id)
	return
}

func getSubscription(tx *txn, id int64) (subscriptions.Subscription, error) {
	sub, err := scanSubscription(tx.QueryRow(`SELECT `+selectSubscriptionColumns("s")+` FROM subscriptions s WHERE s.id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return subscriptions.Subscription{}, subscriptions.ErrNotFound
	}
	return sub, err
}

// insertRenewalOrder creates a completed renewal order and its line item.
func insertRenewalOrder(tx *txn, parentOrderID, customerID, productID int64, total string, created time.Time) (id int64, err error) {
	err = tx.QueryRow(`INSERT INTO orders (parent_id, customer_id, order_type, order_status, order_total, date_created) VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		parentOrderID, customerID, orderTypeRenewal, orderStatusCompleted, total, sqlTime(created)).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert renewal order: %w", err)
	}

	var itemName string
	err = tx.QueryRow(`SELECT order_item_name FROM order_items WHERE order_id=$1 ORDER BY order_item_id ASC LIMIT 1`, parentOrderID).Scan(&itemName)
	if errors.Is(err, sql.ErrNoRows) {
		return id, nil
	} else if err != nil {
		return 0, fmt.Errorf("failed to get parent line item: %w", err)
	}

	var itemID int64
	if err := tx.QueryRow(`INSERT INTO order_items (order_id, order_item_name) VALUES ($1, $2) RETURNING order_item_id`, id, itemName).Scan(&itemID); err != nil {
		return 0, fmt.Errorf("failed to insert renewal line item: %w", err)
	} else if _, err := tx.Exec(`INSERT INTO order_itemmeta (order_item_id, meta_key, meta_value) VALUES ($1, $2, $3)`, itemID, upgrader.MetaProductID, strconv.FormatInt(productID, 10)); err != nil {
		return 0, fmt.Errorf("failed to insert renewal line item meta: %w", err)
	}
	return id, nil
}

// Subscription returns the subscription with the given ID.
func (s *Store) Subscription(id int64) (sub subscriptions.Subscription, err error) {
	err = s.transaction(func(tx *txn) error {
		sub, err = getSubscription(tx, id)
		return err
	})
	return
}

// UpdateSubscriptionStatus changes the status of a subscription. Ending a
// subscription clears its next payment and cancels its pending actions.
func (s *Store) UpdateSubscriptionStatus(id int64, status subscriptions.Status, timestamp time.Time) error {
	return s.transaction(func(tx *txn) error {
		var query string
		switch {
		case status == subscriptions.StatusCancelled:
			query = `UPDATE subscriptions SET subscription_status=$1, date_modified=$2, next_payment=NULL, cancelled_date=COALESCE(cancelled_date, $2) WHERE id=$3`
		case status.Ended():
			query = `UPDATE subscriptions SET subscription_status=$1, date_modified=$2, next_payment=NULL, end_date=COALESCE(end_date, $2) WHERE id=$3`
		default:
			query = `UPDATE subscriptions SET subscription_status=$1, date_modified=$2 WHERE id=$3`
		}

		res, err := tx.Exec(query, string(status), sqlTime(timestamp), id)
		if err != nil {
			return err
		} else if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n != 1 {
			return subscriptions.ErrNotFound
		}

		if status.Ended() {
			if err := cancelPendingActions(tx, id); err != nil {
				return fmt.Errorf("failed to cancel pending actions: %w", err)
			}
		}
		return nil
	})
}

// DeleteSubscription permanently removes a subscription and its scheduled
// actions.
func (s *Store) DeleteSubscription(id int64) error {
	return s.transaction(func(tx *txn) error {
		if _, err := tx.Exec(`DELETE FROM scheduled_actions WHERE subscription_id=$1`, id); err != nil {
			return fmt.Errorf("failed to delete scheduled actions: %w", err)
		}
		res, err := tx.Exec(`DELETE FROM subscriptions WHERE id=$1`, id)
		if err != nil {
			return err
		} else if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n != 1 {
			return subscriptions.ErrNotFound
		}
		return nil
	})
}

// RecordRenewal creates a renewal order for a subscription, advances its next
// payment and schedules the next payment action.
func (s *Store) RecordRenewal(id int64, timestamp time.Time) (sub subscriptions.Subscription, err error) {
	err = s.transaction(func(tx *txn) error {
		sub, err = getSubscription(tx, id)
		if err != nil {
			return err
		}

		if _, err := insertRenewalOrder(tx, sub.ParentOrderID, sub.CustomerID, sub.ProductID, sub.RecurringAmount.String(), timestamp); err != nil {
			return err
		}

		interval := sub.BillingInterval
		if interval < 1 {
			interval = 1
		}
		if !subscriptions.ValidPeriod(sub.BillingPeriod) {
			return fmt.Errorf("subscription %d has invalid billing period %q", id, sub.BillingPeriod)
		}

		next := sub.NextPayment
		if next.IsZero() {
			next = timestamp
		}
		next = subscriptions.AddPeriods(next, sub.BillingPeriod, interval)
		for !next.After(timestamp) {
			next = subscriptions.AddPeriods(next, sub.BillingPeriod, interval)
		}
		if !sub.EndDate.IsZero() && !next.Before(sub.EndDate) {
			next = time.Time{}
		}

		sub.CompletedPayments++
		sub.NextPayment = next
		sub.DateModified = timestamp
		if _, err := tx.Exec(`UPDATE subscriptions SET completed_payments=$1, next_payment=$2, date_modified=$3 WHERE id=$4`,
			sub.CompletedPayments, sqlTime(sub.NextPayment), sqlTime(timestamp), id); err != nil {
			return fmt.Errorf("failed to update subscription: %w", err)
		}

		if !next.IsZero() {
			if _, err := scheduleAction(tx, subscriptions.ActionPayment, id, next); err != nil {
				return fmt.Errorf("failed to schedule next payment: %w", err)
			}
		}
		return nil
	})
	return
}

// MigratedSubscriptionCount returns the number of subscriptions migrated from
// legacy order items.
func (s *Store) MigratedSubscriptionCount() (count int, err error) {
	err = s.transaction(func(tx *txn) error {
		return tx.QueryRow(`SELECT COUNT(*) FROM subscriptions WHERE legacy_order_item_id IS NOT NULL`).Scan(&count)
	})
	return
}

// SubscriptionCount returns the number of subscriptions that are not in the
// trash.
func (s *Store) SubscriptionCount() (count int, err error) {
	err = s.transaction(func(tx *txn) error {
		return tx.QueryRow(`SELECT COUNT(*) FROM subscriptions WHERE subscription_status<>$1`, string(subscriptions.StatusTrash)).Scan(&count)
	})
	return
}

// SubscriptionsToRepairCount returns the number of migrated subscriptions
// whose dates have not been checked.
func (s *Store) SubscriptionsToRepairCount() (count int, err error) {
	err = s.transaction(func(tx *txn) error {
		return tx.QueryRow(`SELECT COUNT(*) FROM subscriptions WHERE dates_checked=false AND legacy_order_item_id IS NOT NULL`).Scan(&count)
	})
	return
}

// SubscriptionsToRepair returns up to limit migrated subscriptions whose dates
// have not been checked along with their parent order's customer note.
func (s *Store) SubscriptionsToRepair(limit int) (candidates []upgrader.RepairCandidate, err error) {
	err = s.transaction(func(tx *txn) error {
		query := `SELECT ` + selectSubscriptionColumns("s") + `, COALESCE(o.customer_note, '') FROM subscriptions s
LEFT JOIN orders o ON o.id=s.parent_order_id
WHERE s.dates_checked=false AND s.legacy_order_item_id IS NOT NULL
ORDER BY s.id ASC LIMIT $1`
		rows, err := tx.Query(query, limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var c upgrader.RepairCandidate
			c.Subscription, err = scanSubscription(rows, &c.ParentNote)
			if err != nil {
				return fmt.Errorf("failed to scan subscription: %w", err)
			}
			candidates = append(candidates, c)
		}
		return rows.Err()
	})
	return
}

// SaveRepairedSubscription stores the repaired dates and note of a
// subscription and marks its dates as checked.
func (s *Store) SaveRepairedSubscription(sub subscriptions.Subscription) error {
	return s.transaction(func(tx *txn) error {
		_, err := tx.Exec(`UPDATE subscriptions SET trial_end=$1, next_payment=$2, end_date=$3, customer_note=$4, dates_checked=true, date_modified=$5 WHERE id=$6`,
			sqlTime(sub.TrialEnd), sqlTime(sub.NextPayment), sqlTime(sub.EndDate), sub.CustomerNote, sqlTime(time.Now()), sub.ID)
		return err
	})
}

// MarkSubscriptionDatesChecked marks a subscription as not needing repairs.
func (s *Store) MarkSubscriptionDatesChecked(id int64) error {
	return s.transaction(func(tx *txn) error {
		_, err := tx.Exec(`UPDATE subscriptions SET dates_checked=true WHERE id=$1`, id)
		return err
	})
}

// SetCancelledDates sets the cancelled date of cancelled subscriptions
// missing one to their end date, or their last modification if they have no
// end date.
func (s *Store) SetCancelledDates() (updated int, err error) {
	err = s.transaction(func(tx *txn) error {
		res, err := tx.Exec(`UPDATE subscriptions SET cancelled_date=COALESCE(end_date, date_modified) WHERE subscription_status=$1 AND cancelled_date IS NULL`, string(subscriptions.StatusCancelled))
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		updated = int(n)
		return err
	})
	return
}
