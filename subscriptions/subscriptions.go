package subscriptions

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Subscription statuses
const (
	StatusPending       Status = "pending"
	StatusActive        Status = "active"
	StatusOnHold        Status = "on-hold"
	StatusCancelled     Status = "cancelled"
	StatusSwitched      Status = "switched"
	StatusExpired       Status = "expired"
	StatusPendingCancel Status = "pending-cancel"
	StatusTrash         Status = "trash"
)

// Billing periods
const (
	PeriodDay   = "day"
	PeriodWeek  = "week"
	PeriodMonth = "month"
	PeriodYear  = "year"
)

// Internal events raised when a subscription changes. Webhook topics are
// bound to these names.
const (
	EventAPICreated    = "api_subscription_created"
	EventCreated       = "subscription_created"
	EventAdminSaved    = "admin_subscription_saved"
	EventAPIUpdated    = "api_subscription_updated"
	EventStatusChanged = "subscription_status_changed"
	EventUpdated       = "subscription_updated"
	EventTrashed       = "subscription_trashed"
	EventDeleted       = "subscription_deleted"
	EventAPIDeleted    = "api_subscription_deleted"
	EventDatesUpdated  = "subscription_dates_updated"
)

// Scheduled action hooks
const (
	ActionPayment          = "subscription_payment"
	ActionExpiration       = "subscription_expiration"
	ActionEndOfPrepaidTerm = "subscription_end_of_prepaid_term"
	ActionTrialEnd         = "subscription_trial_end"
)

// ErrNotFound is returned when a subscription does not exist.
var ErrNotFound = errors.New("subscription not found")

type (
	// Status is the lifecycle status of a subscription.
	Status string

	// A Subscription is a first-class subscription record.
	Subscription struct {
		ID            int64  `json:"id"`
		ParentOrderID int64  `json:"parentOrderID"`
		CustomerID    int64  `json:"customerID"`
		Status        Status `json:"status"`

		ProductID   int64  `json:"productID"`
		VariationID int64  `json:"variationID,omitempty"`
		ItemName    string `json:"itemName"`

		BillingPeriod   string          `json:"billingPeriod"`
		BillingInterval int             `json:"billingInterval"`
		RecurringAmount decimal.Decimal `json:"recurringAmount"`
		SignUpFee       decimal.Decimal `json:"signUpFee"`

		StartDate     time.Time `json:"startDate"`
		TrialEnd      time.Time `json:"trialEnd"`
		NextPayment   time.Time `json:"nextPayment"`
		EndDate       time.Time `json:"endDate"`
		CancelledDate time.Time `json:"cancelledDate"`

		CompletedPayments int `json:"completedPayments"`
		FailedPayments    int `json:"failedPayments"`
		SuspensionCount   int `json:"suspensionCount"`

		CustomerNote string `json:"customerNote,omitempty"`

		// LegacyOrderItemID is the legacy order item the subscription was
		// migrated from. It is zero for subscriptions created natively.
		LegacyOrderItemID int64 `json:"legacyOrderItemID,omitempty"`

		DateCreated  time.Time `json:"dateCreated"`
		DateModified time.Time `json:"dateModified"`
	}
)

// String implements fmt.Stringer.
func (s Status) String() string {
	return string(s)
}

// Valid returns true if the status is a known subscription status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusActive, StatusOnHold, StatusCancelled,
		StatusSwitched, StatusExpired, StatusPendingCancel, StatusTrash:
		return true
	default:
		return false
	}
}

// Ended returns true if the status is terminal.
func (s Status) Ended() bool {
	switch s {
	case StatusCancelled, StatusSwitched, StatusExpired, StatusTrash:
		return true
	default:
		return false
	}
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Status) UnmarshalText(b []byte) error {
	status := Status(strings.ToLower(strings.TrimPrefix(string(b), "wc-")))
	if !status.Valid() {
		return fmt.Errorf("unrecognized subscription status %q", string(b))
	}
	*s = status
	return nil
}

// ValidPeriod returns true if p is a known billing period.
func ValidPeriod(p string) bool {
	switch p {
	case PeriodDay, PeriodWeek, PeriodMonth, PeriodYear:
		return true
	default:
		return false
	}
}

// AddPeriods adds n billing periods to t.
func AddPeriods(t time.Time, period string, n int) time.Time {
	switch period {
	case PeriodDay:
		return t.AddDate(0, 0, n)
	case PeriodWeek:
		return t.AddDate(0, 0, 7*n)
	case PeriodMonth:
		return t.AddDate(0, n, 0)
	case PeriodYear:
		return t.AddDate(n, 0, 0)
	default:
		panic(fmt.Sprintf("unknown billing period %q", period)) // developer error
	}
}
