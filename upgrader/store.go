package upgrader

import (
	"time"

	"github.com/shoplift/subsd/subscriptions"
)

type (
	// An OptionStore is a key-value store with atomic compare-and-swap.
	OptionStore interface {
		// Option returns the value of an option and whether it is set.
		Option(key string) (string, bool, error)
		SetOption(key, value string) error
		DeleteOption(key string) error
		// DeleteOptionsWithPrefix deletes every option whose key starts
		// with prefix and returns the number deleted.
		DeleteOptionsWithPrefix(prefix string) (int, error)
		// CompareAndSwapOption sets key to next if its current value equals
		// prev. A nil prev means the option must be absent and a nil next
		// deletes the option. It returns false if the value did not match.
		CompareAndSwapOption(key string, prev, next *string) (bool, error)
	}

	// A LegacyUserSubscription is a subscription recorded in user meta by
	// versions older than 1.4.
	LegacyUserSubscription struct {
		UserID          int64  `json:"-"`
		OrderID         int64  `json:"order_id"`
		ProductID       int64  `json:"product_id"`
		VariationID     int64  `json:"variation_id"`
		Status          string `json:"status"`
		Period          string `json:"period"`
		Interval        int    `json:"interval"`
		RecurringAmount string `json:"recurring_amount"`
		SignUpFee       string `json:"sign_up_fee"`
		StartDate       string `json:"start_date"`
		ExpiryDate      string `json:"expiry_date"`
		EndDate         string `json:"end_date"`
		TrialExpiryDate string `json:"trial_expiry_date"`
		FailedPayments  int    `json:"failed_payments"`
		SuspensionCount int    `json:"suspension_count"`

		// CompletedPayments are the dates of each completed payment. The
		// first payment is the parent order.
		CompletedPayments []string `json:"completed_payments"`
	}

	// A RenewalOrder records a completed renewal payment.
	RenewalOrder struct {
		ParentOrderID int64
		CustomerID    int64
		ProductID     int64
		Total         string
		DateCreated   time.Time
	}

	// A LegacyHook is a scheduled event from the legacy cron system.
	LegacyHook struct {
		ID              int64
		Hook            string
		Timestamp       time.Time
		UserID          int64
		SubscriptionKey string
	}

	// A LegacySubscription is a subscription stored as order item meta.
	LegacySubscription struct {
		ItemID     int64
		OrderID    int64
		CustomerID int64
		ItemName   string
		// OrderDate is the creation date of the parent order.
		OrderDate time.Time
		// Meta contains the item's subscription meta keyed by meta key.
		Meta map[string]string
	}

	// A RepairCandidate is a migrated subscription whose dates have not been
	// checked.
	RepairCandidate struct {
		Subscription subscriptions.Subscription
		// ParentNote is the customer note of the parent order.
		ParentNote string
	}

	// A LegacyStore reads the legacy schema and writes its replacement.
	LegacyStore interface {
		// LegacyUserSubscriptions returns subscriptions stored in user meta.
		LegacyUserSubscriptions() ([]LegacyUserSubscription, error)
		RenewalOrderExists(parentOrderID int64, date time.Time) (bool, error)
		CreateRenewalOrder(RenewalOrder) (int64, error)
		// EnsureProductType registers a product type if it does not exist.
		EnsureProductType(name string) error
		// MoveUserSubscriptions writes each subscription's meta to the
		// matching order item and removes the user meta in a single
		// transaction. It returns the number of items written.
		MoveUserSubscriptions(userID int64, meta map[int64]map[string]string) (int, error)
		// LegacyOrderItemID returns the order item of a product in an order.
		LegacyOrderItemID(orderID, productID int64) (int64, error)

		MarkSubscriptionProductsSoldIndividually() (int, error)

		// LegacyCronHookCount returns the number of legacy hooks remaining,
		// excluding those that failed to migrate.
		LegacyCronHookCount() (int, error)
		LegacyCronHooks(limit int) ([]LegacyHook, error)
		// MigrateLegacyHook schedules an action replacing the legacy hook
		// and deletes the hook.
		MigrateLegacyHook(id int64, action string, scheduledAt time.Time, subscriptionKey string) error
		// MarkLegacyHookFailed excludes a hook that could not be migrated
		// from the remaining hooks of the current run.
		MarkLegacyHookFailed(id int64, reason string) error
		LegacyHookFailures() (int, error)
		ClearLegacyHookFailures() error

		// LegacySubscriptionCount returns the number of legacy subscriptions
		// remaining, excluding those that failed to migrate.
		LegacySubscriptionCount() (int, error)
		// LegacySubscriptions returns up to limit legacy subscriptions
		// ordered by start date, with invalid dates last.
		LegacySubscriptions(limit int) ([]LegacySubscription, error)
		MigratedSubscriptionID(itemID int64) (int64, bool, error)
		// MigrateLegacySubscription creates the subscription and retires the
		// legacy meta in a single transaction.
		MigrateLegacySubscription(itemID int64, sub subscriptions.Subscription) (int64, error)
		// RetireLegacySubscription marks the legacy meta of an already
		// migrated item as migrated.
		RetireLegacySubscription(itemID int64) error
		MarkLegacySubscriptionFailed(itemID int64, reason string) error
		LegacySubscriptionFailures() (int, error)
		ClearLegacySubscriptionFailures() error

		MigratedSubscriptionCount() (int, error)
		// SubscriptionCount returns the number of subscriptions that are not
		// in the trash.
		SubscriptionCount() (int, error)
		SubscriptionsToRepairCount() (int, error)
		SubscriptionsToRepair(limit int) ([]RepairCandidate, error)
		// SaveRepairedSubscription stores the subscription and marks its
		// dates as checked.
		SaveRepairedSubscription(sub subscriptions.Subscription) error
		// MarkSubscriptionDatesChecked marks a subscription as not needing
		// repairs.
		MarkSubscriptionDatesChecked(id int64) error

		// SetCancelledDates sets the cancelled date of cancelled
		// subscriptions missing one.
		SetCancelledDates() (int, error)
	}

	// A Store persists the migration session and the legacy data.
	Store interface {
		OptionStore
		LegacyStore
	}

	// A Notifier delivers side-effect notifications for subscription
	// changes.
	Notifier interface {
		// Suppress stops notifications until the returned function is
		// called.
		Suppress() (resume func())
	}
)
