package upgrader

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shoplift/subsd/subscriptions"
	"github.com/shopspring/decimal"
)

// legacyStatus maps a legacy subscription status to its replacement.
func legacyStatus(s string) (subscriptions.Status, error) {
	switch status := subscriptions.Status(strings.ToLower(strings.TrimSpace(s))); status {
	case "failed":
		return subscriptions.StatusOnHold, nil
	case "suspended":
		return subscriptions.StatusOnHold, nil
	case "":
		return "", errors.New("missing status")
	default:
		if !status.Valid() {
			return "", fmt.Errorf("unknown status %q", s)
		}
		return status, nil
	}
}

func metaInt(meta map[string]string, key string) (int, error) {
	v := strings.TrimSpace(meta[key])
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return n, nil
}

func metaDecimal(meta map[string]string, key string) (decimal.Decimal, error) {
	v := strings.TrimSpace(meta[key])
	if v == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return d, nil
}

func metaDate(meta map[string]string, key string) (time.Time, error) {
	t, err := ParseLegacyDate(strings.TrimSpace(meta[key]))
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid %s %q: %w", key, meta[key], err)
	}
	return t, nil
}

// completedPaymentCount counts the completed payments recorded in legacy
// meta. Versions before 1.4 stored a list of payment dates.
func completedPaymentCount(v string) (int, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, nil
	} else if strings.HasPrefix(v, "[") {
		var dates []string
		if err := json.Unmarshal([]byte(v), &dates); err != nil {
			return 0, fmt.Errorf("invalid completed payments: %w", err)
		}
		return len(dates), nil
	}
	return strconv.Atoi(v)
}

// convertLegacySubscription builds the replacement for a legacy subscription.
func convertLegacySubscription(ls LegacySubscription) (sub subscriptions.Subscription, err error) {
	meta := ls.Meta

	sub.Status, err = legacyStatus(meta[MetaStatus])
	if err != nil {
		return subscriptions.Subscription{}, err
	}

	sub.StartDate, err = ParseLegacyDate(strings.TrimSpace(meta[MetaStartDate]))
	if err != nil || sub.StartDate.IsZero() {
		// invalid start dates are sorted last by the batch query; fall back to
		// the order date
		if ls.OrderDate.IsZero() {
			return subscriptions.Subscription{}, fmt.Errorf("invalid start date %q", meta[MetaStartDate])
		}
		sub.StartDate = ls.OrderDate
	}

	sub.BillingPeriod = strings.ToLower(strings.TrimSpace(meta[MetaPeriod]))
	if !subscriptions.ValidPeriod(sub.BillingPeriod) {
		return subscriptions.Subscription{}, fmt.Errorf("invalid billing period %q", meta[MetaPeriod])
	}
	if sub.BillingInterval, err = metaInt(meta, MetaInterval); err != nil {
		return subscriptions.Subscription{}, err
	} else if sub.BillingInterval <= 0 {
		sub.BillingInterval = 1
	}

	if sub.RecurringAmount, err = metaDecimal(meta, MetaRecurringAmount); err != nil {
		return subscriptions.Subscription{}, err
	} else if sub.SignUpFee, err = metaDecimal(meta, MetaSignUpFee); err != nil {
		return subscriptions.Subscription{}, err
	}

	if sub.TrialEnd, err = metaDate(meta, MetaTrialExpiryDate); err != nil {
		return subscriptions.Subscription{}, err
	}
	expiry, err := metaDate(meta, MetaExpiryDate)
	if err != nil {
		return subscriptions.Subscription{}, err
	}
	ended, err := metaDate(meta, MetaEndDate)
	if err != nil {
		return subscriptions.Subscription{}, err
	}
	// the end date is the actual end for ended subscriptions and the
	// scheduled expiry otherwise
	sub.EndDate = expiry
	if sub.Status.Ended() && !ended.IsZero() {
		sub.EndDate = ended
	}
	if sub.Status == subscriptions.StatusCancelled {
		sub.CancelledDate = ended
	}

	if sub.CompletedPayments, err = completedPaymentCount(meta[MetaCompletedPayments]); err != nil {
		return subscriptions.Subscription{}, err
	} else if sub.FailedPayments, err = metaInt(meta, MetaFailedPayments); err != nil {
		return subscriptions.Subscription{}, err
	} else if sub.SuspensionCount, err = metaInt(meta, MetaSuspensionCount); err != nil {
		return subscriptions.Subscription{}, err
	}

	productID, err := metaInt(meta, MetaProductID)
	if err != nil {
		return subscriptions.Subscription{}, err
	}
	variationID, err := metaInt(meta, MetaVariationID)
	if err != nil {
		return subscriptions.Subscription{}, err
	}

	sub.ProductID = int64(productID)
	sub.VariationID = int64(variationID)
	sub.ParentOrderID = ls.OrderID
	sub.CustomerID = ls.CustomerID
	sub.ItemName = ls.ItemName
	sub.LegacyOrderItemID = ls.ItemID
	sub.DateCreated = sub.StartDate
	return sub, nil
}

// repairSubscription corrects dates that are inconsistent with the start
// date and copies a missing customer note from the parent order. It returns
// false if nothing needed to change.
func repairSubscription(c RepairCandidate) (subscriptions.Subscription, bool) {
	sub := c.Subscription
	var repaired bool

	if !sub.TrialEnd.IsZero() && !sub.TrialEnd.After(sub.StartDate) {
		sub.TrialEnd = time.Time{}
		repaired = true
	}
	if !sub.EndDate.IsZero() && !sub.EndDate.After(sub.StartDate) {
		sub.EndDate = time.Time{}
		repaired = true
	}
	if !sub.NextPayment.IsZero() {
		switch {
		case sub.Status.Ended():
			sub.NextPayment = time.Time{}
			repaired = true
		case !sub.EndDate.IsZero() && sub.NextPayment.After(sub.EndDate):
			sub.NextPayment = time.Time{}
			repaired = true
		case !sub.TrialEnd.IsZero() && sub.NextPayment.Before(sub.TrialEnd):
			sub.NextPayment = sub.TrialEnd
			repaired = true
		case !sub.NextPayment.After(sub.StartDate):
			sub.NextPayment = subscriptions.AddPeriods(sub.StartDate, sub.BillingPeriod, sub.BillingInterval)
			repaired = true
		}
	}
	if sub.CustomerNote == "" && c.ParentNote != "" {
		sub.CustomerNote = c.ParentNote
		repaired = true
	}
	return sub, repaired
}

// userSubscriptionMeta converts a subscription stored in user meta to order
// item meta.
func userSubscriptionMeta(us LegacyUserSubscription) (map[string]string, error) {
	completed, err := json.Marshal(us.CompletedPayments)
	if err != nil {
		return nil, fmt.Errorf("failed to encode completed payments: %w", err)
	}
	if us.CompletedPayments == nil {
		completed = []byte("[]")
	}
	meta := map[string]string{
		MetaStatus:            us.Status,
		MetaStartDate:         us.StartDate,
		MetaExpiryDate:        us.ExpiryDate,
		MetaEndDate:           us.EndDate,
		MetaTrialExpiryDate:   us.TrialExpiryDate,
		MetaPeriod:            us.Period,
		MetaInterval:          strconv.Itoa(us.Interval),
		MetaRecurringAmount:   us.RecurringAmount,
		MetaSignUpFee:         us.SignUpFee,
		MetaCompletedPayments: string(completed),
		MetaFailedPayments:    strconv.Itoa(us.FailedPayments),
		MetaSuspensionCount:   strconv.Itoa(us.SuspensionCount),
		MetaProductID:         strconv.FormatInt(us.ProductID, 10),
	}
	if us.VariationID != 0 {
		meta[MetaVariationID] = strconv.FormatInt(us.VariationID, 10)
	}
	return meta, nil
}
