package sqlite

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/shoplift/subsd/scheduler"
	"github.com/shoplift/subsd/subscriptions"
	"github.com/shoplift/subsd/upgrader"
)

// legacyUserSubscriptionsKey is the user meta key subscriptions were stored
// under before 1.4.
const legacyUserSubscriptionsKey = "woocommerce_subscriptions"

// subscriptionProductTypes are the product types that can only be purchased
// once per order.
var subscriptionProductTypes = []string{"subscription", "variable-subscription"}

type legacyQueryMode uint8

const (
	legacyQueryCount legacyQueryMode = iota
	legacyQueryFetch
)

// validLegacyDate is an SQL expression that is true if the start date meta is
// a valid date. Invalid and missing dates sort last.
const validLegacyDate = `(sd.meta_value GLOB '[0-9][0-9][0-9][0-9]-[0-9][0-9]-[0-9][0-9] [0-9][0-9]:[0-9][0-9]:[0-9][0-9]' AND datetime(sd.meta_value) IS NOT NULL)`

// legacySubscriptionQuery builds the query selecting legacy subscriptions: order
// items with a subscription status and start date that have not failed to
// migrate in the current run. The count mode counts distinct items. The fetch
// mode selects the IDs of the next limit items ordered by start date with
// invalid dates last.
func legacySubscriptionQuery(mode legacyQueryMode, limit int) (string, []any) {
	const from = `FROM order_itemmeta ss
INNER JOIN order_itemmeta sd ON sd.order_item_id=ss.order_item_id AND sd.meta_key=?
INNER JOIN order_items items ON items.order_item_id=ss.order_item_id
LEFT JOIN legacy_upgrade_failures failures ON failures.order_item_id=ss.order_item_id
WHERE ss.meta_key=? AND failures.order_item_id IS NULL`
	args := []any{upgrader.MetaStartDate, upgrader.MetaStatus}

	switch mode {
	case legacyQueryCount:
		return `SELECT COUNT(DISTINCT ss.order_item_id) ` + from, args
	case legacyQueryFetch:
		return `SELECT ss.order_item_id ` + from + `
ORDER BY CASE WHEN ` + validLegacyDate + ` THEN 0 ELSE 1 END, sd.meta_value ASC, ss.order_item_id ASC
LIMIT ?`, append(args, limit)
	default:
		panic(fmt.Sprintf("unknown legacy query mode %d", mode)) // developer error
	}
}

// LegacySubscriptionCount returns the number of legacy subscriptions left to
// migrate.
func (s *Store) LegacySubscriptionCount() (count int, err error) {
	query, args := legacySubscriptionQuery(legacyQueryCount, 0)
	err = s.transaction(func(tx *txn) error {
		return tx.QueryRow(query, args...).Scan(&count)
	})
	return
}

// LegacySubscriptions returns the next limit legacy subscriptions to migrate.
func (s *Store) LegacySubscriptions(limit int) (subs []upgrader.LegacySubscription, err error) {
	if limit <= 0 {
		return nil, errors.New("limit must be positive")
	}

	query, args := legacySubscriptionQuery(legacyQueryFetch, limit)
	err = s.transaction(func(tx *txn) error {
		rows, err := tx.Query(query, args...)
		if err != nil {
			return fmt.Errorf("failed to query legacy subscriptions: %w", err)
		}
		var ids []int64
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return fmt.Errorf("failed to scan order item id: %w", err)
			}
			ids = append(ids, id)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()
		if len(ids) == 0 {
			return nil
		}

		items := make(map[int64]*upgrader.LegacySubscription, len(ids))
		rows, err = tx.Query(`SELECT items.order_item_id, items.order_id, items.order_item_name, COALESCE(o.customer_id, 0), o.date_created
FROM order_items items
LEFT JOIN orders o ON o.id=items.order_id
WHERE items.order_item_id IN (`+queryPlaceHolders(len(ids))+`)`, queryArgs(ids)...)
		if err != nil {
			return fmt.Errorf("failed to query order items: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			ls := &upgrader.LegacySubscription{Meta: make(map[string]string)}
			if err := rows.Scan(&ls.ItemID, &ls.OrderID, &ls.ItemName, &ls.CustomerID, (*sqlTime)(&ls.OrderDate)); err != nil {
				return fmt.Errorf("failed to scan order item: %w", err)
			}
			items[ls.ItemID] = ls
		}
		if err := rows.Err(); err != nil {
			return err
		}

		args := append(queryArgs(ids), queryArgs(upgrader.LegacyMetaKeys)...)
		metaRows, err := tx.Query(`SELECT order_item_id, meta_key, meta_value FROM order_itemmeta
WHERE order_item_id IN (`+queryPlaceHolders(len(ids))+`) AND meta_key IN (`+queryPlaceHolders(len(upgrader.LegacyMetaKeys))+`)`, args...)
		if err != nil {
			return fmt.Errorf("failed to query order item meta: %w", err)
		}
		defer metaRows.Close()
		for metaRows.Next() {
			var id int64
			var key, value string
			if err := metaRows.Scan(&id, &key, &value); err != nil {
				return fmt.Errorf("failed to scan order item meta: %w", err)
			} else if ls, ok := items[id]; ok {
				ls.Meta[key] = value
			}
		}
		if err := metaRows.Err(); err != nil {
			return err
		}

		for _, id := range ids {
			if ls, ok := items[id]; ok {
				subs = append(subs, *ls)
			}
		}
		return nil
	})
	return
}

// retireLegacyMeta renames the subscription meta of a migrated item so it no
// longer matches the legacy queries.
func retireLegacyMeta(tx *txn, itemID int64) error {
	keys := make([]string, 0, len(upgrader.LegacyMetaKeys))
	for _, key := range upgrader.LegacyMetaKeys {
		if key == upgrader.MetaProductID || key == upgrader.MetaVariationID {
			continue
		}
		keys = append(keys, key)
	}
	args := append([]any{upgrader.MigratedMetaPrefix, itemID}, queryArgs(keys)...)
	_, err := tx.Exec(`UPDATE OR REPLACE order_itemmeta SET meta_key=$1 || meta_key WHERE order_item_id=$2 AND meta_key IN (`+queryPlaceHolders(len(keys))+`)`, args...)
	return err
}

// MigratedSubscriptionID returns the ID of the subscription migrated from a
// legacy order item.
func (s *Store) MigratedSubscriptionID(itemID int64) (id int64, ok bool, err error) {
	err = s.transaction(func(tx *txn) error {
		err := tx.QueryRow(`SELECT id FROM subscriptions WHERE legacy_order_item_id=$1`, itemID).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		} else if err != nil {
			return err
		}
		ok = true
		return nil
	})
	return
}

// MigrateLegacySubscription creates the subscription replacing a legacy order
// item, retires the item's legacy meta and links the actions scheduled by the
// hooks stage to the new subscription.
func (s *Store) MigrateLegacySubscription(itemID int64, sub subscriptions.Subscription) (id int64, err error) {
	sub.LegacyOrderItemID = itemID
	err = s.transaction(func(tx *txn) error {
		now := time.Now()
		id, err = insertSubscription(tx, sub, now)
		if err != nil {
			return fmt.Errorf("failed to insert subscription: %w", err)
		} else if err := retireLegacyMeta(tx, itemID); err != nil {
			return fmt.Errorf("failed to retire legacy meta: %w", err)
		}

		key := upgrader.SubscriptionKey(sub.ParentOrderID, sub.ProductID)
		if _, err := tx.Exec(`UPDATE scheduled_actions SET subscription_id=$1 WHERE subscription_key=$2 AND subscription_id IS NULL`, id, key); err != nil {
			return fmt.Errorf("failed to link scheduled actions: %w", err)
		}

		if sub.NextPayment.IsZero() && !sub.Status.Ended() {
			var next time.Time
			err := tx.QueryRow(`SELECT scheduled_at FROM scheduled_actions WHERE subscription_id=$1 AND hook=$2 AND action_status=$3 ORDER BY scheduled_at ASC LIMIT 1`,
				id, upgrader.ActionSubscriptionPayment, scheduler.StatusPending).Scan((*sqlTime)(&next))
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			} else if err != nil {
				return fmt.Errorf("failed to get next payment: %w", err)
			} else if _, err := tx.Exec(`UPDATE subscriptions SET next_payment=$1 WHERE id=$2`, sqlTime(next), id); err != nil {
				return fmt.Errorf("failed to set next payment: %w", err)
			}
		}
		return nil
	})
	return
}

// RetireLegacySubscription retires the legacy meta of an item that was
// already migrated.
func (s *Store) RetireLegacySubscription(itemID int64) error {
	return s.transaction(func(tx *txn) error {
		return retireLegacyMeta(tx, itemID)
	})
}

// MarkLegacySubscriptionFailed excludes a legacy item from the current run.
func (s *Store) MarkLegacySubscriptionFailed(itemID int64, reason string) error {
	return s.transaction(func(tx *txn) error {
		_, err := tx.Exec(`INSERT INTO legacy_upgrade_failures (order_item_id, reason, date_created) VALUES ($1, $2, $3) ON CONFLICT (order_item_id) DO UPDATE SET reason=EXCLUDED.reason, date_created=EXCLUDED.date_created`,
			itemID, reason, sqlTime(time.Now()))
		return err
	})
}

// LegacySubscriptionFailures returns the number of legacy items that failed to
// migrate in the current run.
func (s *Store) LegacySubscriptionFailures() (count int, err error) {
	err = s.transaction(func(tx *txn) error {
		return tx.QueryRow(`SELECT COUNT(*) FROM legacy_upgrade_failures`).Scan(&count)
	})
	return
}

// ClearLegacySubscriptionFailures clears the failures of a previous run.
func (s *Store) ClearLegacySubscriptionFailures() error {
	return s.transaction(func(tx *txn) error {
		_, err := tx.Exec(`DELETE FROM legacy_upgrade_failures`)
		return err
	})
}

// LegacyUserSubscriptions returns the subscriptions stored in user meta by
// versions before 1.4, ordered by user and subscription key.
func (s *Store) LegacyUserSubscriptions() (subs []upgrader.LegacyUserSubscription, err error) {
	err = s.transaction(func(tx *txn) error {
		rows, err := tx.Query(`SELECT user_id, meta_value FROM usermeta WHERE meta_key=$1 ORDER BY user_id ASC`, legacyUserSubscriptionsKey)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var userID int64
			var buf string
			if err := rows.Scan(&userID, &buf); err != nil {
				return fmt.Errorf("failed to scan user meta: %w", err)
			}

			var stored map[string]upgrader.LegacyUserSubscription
			if err := json.Unmarshal([]byte(buf), &stored); err != nil {
				return fmt.Errorf("failed to decode subscriptions of user %d: %w", userID, err)
			}
			keys := make([]string, 0, len(stored))
			for key := range stored {
				keys = append(keys, key)
			}
			sort.Strings(keys)
			for _, key := range keys {
				us := stored[key]
				us.UserID = userID
				subs = append(subs, us)
			}
		}
		return rows.Err()
	})
	return
}

// LegacyOrderItemID returns the line item of a product in an order.
func (s *Store) LegacyOrderItemID(orderID, productID int64) (itemID int64, err error) {
	err = s.transaction(func(tx *txn) error {
		const query = `SELECT items.order_item_id FROM order_items items
INNER JOIN order_itemmeta pm ON pm.order_item_id=items.order_item_id AND pm.meta_key=$1
WHERE items.order_id=$2 AND pm.meta_value=$3
ORDER BY items.order_item_id ASC LIMIT 1`
		err := tx.QueryRow(query, upgrader.MetaProductID, orderID, strconv.FormatInt(productID, 10)).Scan(&itemID)
		if errors.Is(err, sql.ErrNoRows) {
			return upgrader.ErrNotFound
		}
		return err
	})
	return
}

// MoveUserSubscriptions writes subscription meta to order items and removes
// the user's legacy subscription meta.
func (s *Store) MoveUserSubscriptions(userID int64, meta map[int64]map[string]string) (moved int, err error) {
	itemIDs := make([]int64, 0, len(meta))
	for id := range meta {
		itemIDs = append(itemIDs, id)
	}
	sort.Slice(itemIDs, func(i, j int) bool { return itemIDs[i] < itemIDs[j] })

	err = s.transaction(func(tx *txn) error {
		stmt, err := tx.Prepare(`INSERT INTO order_itemmeta (order_item_id, meta_key, meta_value) VALUES ($1, $2, $3) ON CONFLICT (order_item_id, meta_key) DO UPDATE SET meta_value=EXCLUDED.meta_value`)
		if err != nil {
			return fmt.Errorf("failed to prepare meta statement: %w", err)
		}
		defer stmt.Close()

		for _, itemID := range itemIDs {
			for key, value := range meta[itemID] {
				if _, err := stmt.Exec(itemID, key, value); err != nil {
					return fmt.Errorf("failed to set meta %q of item %d: %w", key, itemID, err)
				}
			}
			moved++
		}

		if _, err := tx.Exec(`DELETE FROM usermeta WHERE user_id=$1 AND meta_key=$2`, userID, legacyUserSubscriptionsKey); err != nil {
			return fmt.Errorf("failed to delete user meta: %w", err)
		}
		return nil
	})
	return
}

// RenewalOrderExists returns true if a renewal order of the parent order was
// created at date.
func (s *Store) RenewalOrderExists(parentOrderID int64, date time.Time) (exists bool, err error) {
	err = s.transaction(func(tx *txn) error {
		return tx.QueryRow(`SELECT EXISTS(SELECT 1 FROM orders WHERE parent_id=$1 AND order_type=$2 AND date_created=$3)`,
			parentOrderID, orderTypeRenewal, sqlTime(date)).Scan(&exists)
	})
	return
}

// CreateRenewalOrder creates a completed renewal order with a line item copied
// from the parent order.
func (s *Store) CreateRenewalOrder(order upgrader.RenewalOrder) (id int64, err error) {
	err = s.transaction(func(tx *txn) error {
		id, err = insertRenewalOrder(tx, order.ParentOrderID, order.CustomerID, order.ProductID, order.Total, order.DateCreated)
		return err
	})
	return
}

// EnsureProductType adds a product type if it does not exist.
func (s *Store) EnsureProductType(name string) error {
	return s.transaction(func(tx *txn) error {
		_, err := tx.Exec(`INSERT INTO product_types (type_name) VALUES ($1) ON CONFLICT (type_name) DO NOTHING`, name)
		return err
	})
}

// MarkSubscriptionProductsSoldIndividually limits subscription products to one
// per order.
func (s *Store) MarkSubscriptionProductsSoldIndividually() (updated int, err error) {
	err = s.transaction(func(tx *txn) error {
		query := `UPDATE products SET sold_individually=true
WHERE sold_individually=false AND product_type_id IN (SELECT id FROM product_types WHERE type_name IN (` + queryPlaceHolders(len(subscriptionProductTypes)) + `))`
		res, err := tx.Exec(query, queryArgs(subscriptionProductTypes)...)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		updated = int(n)
		return err
	})
	return
}

// legacyHooksWhere selects the legacy scheduled hooks that have not failed to
// migrate in the current run.
var legacyHooksWhere = `WHERE hook IN (` + queryPlaceHolders(len(upgrader.LegacyHookNames())) + `)
AND id NOT IN (SELECT cron_event_id FROM legacy_hook_failures)`

// LegacyCronHookCount returns the number of legacy scheduled hooks left to
// migrate, excluding those that failed.
func (s *Store) LegacyCronHookCount() (count int, err error) {
	err = s.transaction(func(tx *txn) error {
		return tx.QueryRow(`SELECT COUNT(*) FROM cron_events `+legacyHooksWhere, queryArgs(upgrader.LegacyHookNames())...).Scan(&count)
	})
	return
}

// MarkLegacyHookFailed records a legacy hook that could not be migrated. It
// is excluded from the remaining hooks until the failures are cleared.
func (s *Store) MarkLegacyHookFailed(id int64, reason string) error {
	return s.transaction(func(tx *txn) error {
		_, err := tx.Exec(`INSERT INTO legacy_hook_failures (cron_event_id, reason, date_created) VALUES ($1, $2, $3) ON CONFLICT (cron_event_id) DO UPDATE SET reason=EXCLUDED.reason, date_created=EXCLUDED.date_created`,
			id, reason, sqlTime(time.Now()))
		return err
	})
}

// LegacyHookFailures returns the number of legacy hooks that failed to
// migrate.
func (s *Store) LegacyHookFailures() (count int, err error) {
	err = s.transaction(func(tx *txn) error {
		return tx.QueryRow(`SELECT COUNT(*) FROM legacy_hook_failures`).Scan(&count)
	})
	return
}

// ClearLegacyHookFailures clears the hook failures of a previous run.
func (s *Store) ClearLegacyHookFailures() error {
	return s.transaction(func(tx *txn) error {
		_, err := tx.Exec(`DELETE FROM legacy_hook_failures`)
		return err
	})
}

// LegacyCronHooks returns the next limit legacy scheduled hooks, earliest
// first.
func (s *Store) LegacyCronHooks(limit int) (hooks []upgrader.LegacyHook, err error) {
	err = s.transaction(func(tx *txn) error {
		query := `SELECT id, hook, scheduled_at, user_id, subscription_key FROM cron_events ` + legacyHooksWhere + `
ORDER BY scheduled_at ASC, id ASC LIMIT ?`
		rows, err := tx.Query(query, append(queryArgs(upgrader.LegacyHookNames()), limit)...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var hook upgrader.LegacyHook
			if err := rows.Scan(&hook.ID, &hook.Hook, (*sqlTime)(&hook.Timestamp), &hook.UserID, &hook.SubscriptionKey); err != nil {
				return fmt.Errorf("failed to scan legacy hook: %w", err)
			}
			hooks = append(hooks, hook)
		}
		return rows.Err()
	})
	return
}

// MigrateLegacyHook replaces a legacy scheduled hook with a scheduled action.
// A hook that was already migrated is ignored.
func (s *Store) MigrateLegacyHook(id int64, action string, scheduledAt time.Time, subscriptionKey string) error {
	return s.transaction(func(tx *txn) error {
		var deleted int64
		err := tx.QueryRow(`DELETE FROM cron_events WHERE id=$1 RETURNING id`, id).Scan(&deleted)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		} else if err != nil {
			return fmt.Errorf("failed to delete legacy hook: %w", err)
		}

		_, err = tx.Exec(`INSERT INTO scheduled_actions (hook, subscription_id, subscription_key, action_status, scheduled_at, date_created) VALUES ($1, (SELECT s.id FROM subscriptions s WHERE s.legacy_order_item_id IS NOT NULL AND (s.parent_order_id || '_' || s.product_id)=$2), $2, $3, $4, $5)`,
			action, subscriptionKey, scheduler.StatusPending, sqlTime(scheduledAt), sqlTime(time.Now()))
		if err != nil {
			return fmt.Errorf("failed to schedule action: %w", err)
		}
		return nil
	})
}
