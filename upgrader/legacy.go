package upgrader

import (
	"sort"
	"strconv"
	"time"

	"github.com/shoplift/subsd/subscriptions"
)

// Legacy order item meta keys.
const (
	MetaStatus            = "_subscription_status"
	MetaStartDate         = "_subscription_start_date"
	MetaExpiryDate        = "_subscription_expiry_date"
	MetaEndDate           = "_subscription_end_date"
	MetaTrialExpiryDate   = "_subscription_trial_expiry_date"
	MetaPeriod            = "_subscription_period"
	MetaInterval          = "_subscription_interval"
	MetaRecurringAmount   = "_subscription_recurring_amount"
	MetaSignUpFee         = "_subscription_sign_up_fee"
	MetaCompletedPayments = "_subscription_completed_payments"
	MetaFailedPayments    = "_subscription_failed_payments"
	MetaSuspensionCount   = "_subscription_suspension_count"
	MetaProductID         = "_product_id"
	MetaVariationID       = "_variation_id"

	// MigratedMetaPrefix is prepended to the legacy meta keys of a migrated
	// item. Migrated items no longer match the legacy queries.
	MigratedMetaPrefix = "_wcs_migrated"
)

// legacyDateLayout is the layout of dates stored in legacy meta.
const legacyDateLayout = "2006-01-02 15:04:05"

// LegacyMetaKeys are the item meta keys read when migrating a legacy
// subscription.
var LegacyMetaKeys = []string{
	MetaStatus,
	MetaStartDate,
	MetaExpiryDate,
	MetaEndDate,
	MetaTrialExpiryDate,
	MetaPeriod,
	MetaInterval,
	MetaRecurringAmount,
	MetaSignUpFee,
	MetaCompletedPayments,
	MetaFailedPayments,
	MetaSuspensionCount,
	MetaProductID,
	MetaVariationID,
}

// legacyHookActions maps legacy cron hooks to the scheduled actions that
// replace them.
var legacyHookActions = map[string]string{
	"scheduled_subscription_payment":             ActionSubscriptionPayment,
	"scheduled_subscription_expiration":          ActionSubscriptionExpiration,
	"scheduled_subscription_end_of_prepaid_term": ActionEndOfPrepaidTerm,
	"scheduled_subscription_trial_end":           ActionTrialEnd,
}

// Scheduled action hooks created by the hooks stage.
const (
	ActionSubscriptionPayment    = subscriptions.ActionPayment
	ActionSubscriptionExpiration = subscriptions.ActionExpiration
	ActionEndOfPrepaidTerm       = subscriptions.ActionEndOfPrepaidTerm
	ActionTrialEnd               = subscriptions.ActionTrialEnd
)

// LegacyHookNames returns the legacy cron hooks migrated by the hooks stage,
// sorted.
func LegacyHookNames() []string {
	names := make([]string, 0, len(legacyHookActions))
	for name := range legacyHookActions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ParseLegacyDate parses a date stored in legacy meta. Empty and zero dates
// return the zero time.
func ParseLegacyDate(s string) (time.Time, error) {
	switch s {
	case "", "0", "0000-00-00 00:00:00":
		return time.Time{}, nil
	}
	return time.ParseInLocation(legacyDateLayout, s, time.UTC)
}

// FormatLegacyDate formats a date for legacy meta.
func FormatLegacyDate(t time.Time) string {
	if t.IsZero() {
		return "0"
	}
	return t.UTC().Format(legacyDateLayout)
}

// SubscriptionKey is the legacy identifier of a subscription, used by legacy
// scheduled hooks.
func SubscriptionKey(orderID, productID int64) string {
	return strconv.FormatInt(orderID, 10) + "_" + strconv.FormatInt(productID, 10)
}
