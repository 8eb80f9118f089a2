package sqlite

import (
	"errors"
	"testing"
	"time"

	"github.com/shoplift/subsd/scheduler"
	"github.com/shoplift/subsd/subscriptions"
	"github.com/shopspring/decimal"
)

func addTestSubscription(t *testing.T, db *Store, legacyItemID int64, status subscriptions.Status) subscriptions.Subscription {
	t.Helper()

	orderID, _ := seedLegacyOrder(t, db, 1, nil)
	sub := subscriptions.Subscription{
		ParentOrderID:     orderID,
		CustomerID:        1,
		Status:            status,
		ProductID:         42,
		ItemName:          "Monthly Box",
		BillingPeriod:     subscriptions.PeriodMonth,
		BillingInterval:   1,
		RecurringAmount:   decimal.RequireFromString("12.50"),
		SignUpFee:         decimal.RequireFromString("5"),
		StartDate:         time.Date(2020, 1, 31, 0, 0, 0, 0, time.UTC),
		NextPayment:       time.Date(2020, 2, 29, 0, 0, 0, 0, time.UTC),
		LegacyOrderItemID: legacyItemID,
	}
	var id int64
	err := db.transaction(func(tx *txn) (err error) {
		id, err = insertSubscription(tx, sub, time.Now())
		return
	})
	if err != nil {
		t.Fatal(err)
	}
	sub, err = db.Subscription(id)
	if err != nil {
		t.Fatal(err)
	}
	return sub
}

func TestSubscriptionStatus(t *testing.T) {
	db := openTestStore(t)
	sub := addTestSubscription(t, db, 0, subscriptions.StatusActive)

	if _, err := db.Subscription(sub.ID + 100); !errors.Is(err, subscriptions.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	} else if err := db.UpdateSubscriptionStatus(sub.ID+100, subscriptions.StatusOnHold, time.Now()); !errors.Is(err, subscriptions.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if _, err := db.ScheduleAction(subscriptions.ActionPayment, sub.ID, sub.NextPayment); err != nil {
		t.Fatal(err)
	}

	// on-hold keeps the scheduled payment
	if err := db.UpdateSubscriptionStatus(sub.ID, subscriptions.StatusOnHold, time.Now()); err != nil {
		t.Fatal(err)
	} else if actions, err := db.DueActions(sub.NextPayment, 10); err != nil {
		t.Fatal(err)
	} else if len(actions) != 1 {
		t.Fatalf("expected 1 pending action, got %d", len(actions))
	}

	// cancelling sets the cancelled date, clears the next payment and cancels
	// pending actions
	cancelledAt := time.Date(2020, 2, 10, 0, 0, 0, 0, time.UTC)
	if err := db.UpdateSubscriptionStatus(sub.ID, subscriptions.StatusCancelled, cancelledAt); err != nil {
		t.Fatal(err)
	}
	sub, err := db.Subscription(sub.ID)
	if err != nil {
		t.Fatal(err)
	} else if sub.Status != subscriptions.StatusCancelled {
		t.Fatalf("expected cancelled, got %q", sub.Status)
	} else if !sub.CancelledDate.Equal(cancelledAt) {
		t.Fatalf("expected cancelled date %v, got %v", cancelledAt, sub.CancelledDate)
	} else if !sub.NextPayment.IsZero() {
		t.Fatal("expected next payment to be cleared")
	} else if actions, err := db.DueActions(time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC), 10); err != nil {
		t.Fatal(err)
	} else if len(actions) != 0 {
		t.Fatalf("expected no pending actions, got %d", len(actions))
	}

	if err := db.DeleteSubscription(sub.ID); err != nil {
		t.Fatal(err)
	} else if _, err := db.Subscription(sub.ID); !errors.Is(err, subscriptions.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	} else if err := db.DeleteSubscription(sub.ID); !errors.Is(err, subscriptions.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRecordRenewal(t *testing.T) {
	db := openTestStore(t)
	sub := addTestSubscription(t, db, 0, subscriptions.StatusActive)

	paidAt := time.Date(2020, 2, 29, 1, 0, 0, 0, time.UTC)
	renewed, err := db.RecordRenewal(sub.ID, paidAt)
	if err != nil {
		t.Fatal(err)
	} else if renewed.CompletedPayments != 1 {
		t.Fatalf("expected 1 completed payment, got %d", renewed.CompletedPayments)
	} else if expected := time.Date(2020, 3, 29, 0, 0, 0, 0, time.UTC); !renewed.NextPayment.Equal(expected) {
		t.Fatalf("expected next payment %v, got %v", expected, renewed.NextPayment)
	}

	if exists, err := db.RenewalOrderExists(sub.ParentOrderID, paidAt); err != nil {
		t.Fatal(err)
	} else if !exists {
		t.Fatal("expected renewal order")
	}

	actions, err := db.DueActions(renewed.NextPayment, 10)
	if err != nil {
		t.Fatal(err)
	} else if len(actions) != 1 || actions[0].Hook != subscriptions.ActionPayment || actions[0].SubscriptionID != sub.ID {
		t.Fatalf("expected next payment action, got %+v", actions)
	}
}

func TestScheduledActions(t *testing.T) {
	db := openTestStore(t)
	sub := addTestSubscription(t, db, 0, subscriptions.StatusActive)

	now := time.Now().Truncate(time.Second)
	first, err := db.ScheduleAction(subscriptions.ActionPayment, sub.ID, now.Add(-time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	second, err := db.ScheduleAction(subscriptions.ActionTrialEnd, sub.ID, now.Add(-2*time.Hour))
	if err != nil {
		t.Fatal(err)
	} else if _, err := db.ScheduleAction(subscriptions.ActionExpiration, sub.ID, now.Add(time.Hour)); err != nil {
		t.Fatal(err)
	}

	actions, err := db.DueActions(now, 10)
	if err != nil {
		t.Fatal(err)
	} else if len(actions) != 2 {
		t.Fatalf("expected 2 due actions, got %d", len(actions))
	} else if actions[0].ID != second || actions[1].ID != first {
		t.Fatal("expected due actions ordered by schedule")
	}

	retryAt := now.Add(30 * time.Minute)
	if err := db.RetryAction(first, now, "gateway timeout", retryAt); err != nil {
		t.Fatal(err)
	} else if err := db.CompleteAction(second, now); err != nil {
		t.Fatal(err)
	} else if err := db.CompleteAction(second, now); err == nil {
		t.Fatal("expected completing a completed action to fail")
	}

	if actions, err := db.DueActions(now, 10); err != nil {
		t.Fatal(err)
	} else if len(actions) != 0 {
		t.Fatalf("expected no due actions, got %d", len(actions))
	}

	actions, err = db.DueActions(retryAt, 10)
	if err != nil {
		t.Fatal(err)
	} else if len(actions) != 1 || actions[0].ID != first {
		t.Fatalf("expected retried action, got %+v", actions)
	} else if actions[0].Attempts != 1 || actions[0].LastError != "gateway timeout" || actions[0].Status != scheduler.StatusPending {
		t.Fatalf("unexpected retried action %+v", actions[0])
	}

	if err := db.FailAction(first, now, "gateway timeout"); err != nil {
		t.Fatal(err)
	} else if actions, err := db.DueActions(retryAt, 10); err != nil {
		t.Fatal(err)
	} else if len(actions) != 0 {
		t.Fatalf("expected failed action to be excluded, got %d", len(actions))
	}
}

func TestRepairQueries(t *testing.T) {
	db := openTestStore(t)

	migrated := addTestSubscription(t, db, 1001, subscriptions.StatusCancelled)
	addTestSubscription(t, db, 0, subscriptions.StatusActive)
	addTestSubscription(t, db, 1002, subscriptions.StatusTrash)

	if n, err := db.SubscriptionCount(); err != nil {
		t.Fatal(err)
	} else if n != 2 {
		t.Fatalf("expected 2 subscriptions outside the trash, got %d", n)
	} else if n, err := db.SubscriptionsToRepairCount(); err != nil {
		t.Fatal(err)
	} else if n != 2 {
		t.Fatalf("expected 2 subscriptions to repair, got %d", n)
	}

	candidates, err := db.SubscriptionsToRepair(1)
	if err != nil {
		t.Fatal(err)
	} else if len(candidates) != 1 || candidates[0].Subscription.ID != migrated.ID {
		t.Fatalf("unexpected candidates %+v", candidates)
	} else if candidates[0].ParentNote != "leave at the door" {
		t.Fatalf("expected parent note, got %q", candidates[0].ParentNote)
	}

	repaired := candidates[0].Subscription
	repaired.CustomerNote = candidates[0].ParentNote
	repaired.NextPayment = time.Time{}
	if err := db.SaveRepairedSubscription(repaired); err != nil {
		t.Fatal(err)
	} else if n, err := db.SubscriptionsToRepairCount(); err != nil {
		t.Fatal(err)
	} else if n != 1 {
		t.Fatalf("expected 1 subscription to repair, got %d", n)
	}

	sub, err := db.Subscription(migrated.ID)
	if err != nil {
		t.Fatal(err)
	} else if sub.CustomerNote != "leave at the door" || !sub.NextPayment.IsZero() {
		t.Fatalf("repair was not saved %+v", sub)
	}

	// cancelled subscriptions without a cancelled date
	if n, err := db.SetCancelledDates(); err != nil {
		t.Fatal(err)
	} else if n != 1 {
		t.Fatalf("expected 1 cancelled date set, got %d", n)
	} else if n, err := db.SetCancelledDates(); err != nil {
		t.Fatal(err)
	} else if n != 0 {
		t.Fatalf("expected no cancelled dates set, got %d", n)
	}
}
