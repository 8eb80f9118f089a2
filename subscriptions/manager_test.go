package subscriptions

import (
	"errors"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

type memStore struct {
	subs     map[int64]Subscription
	renewals int
}

func (ms *memStore) Subscription(id int64) (Subscription, error) {
	sub, ok := ms.subs[id]
	if !ok {
		return Subscription{}, ErrNotFound
	}
	return sub, nil
}

func (ms *memStore) UpdateSubscriptionStatus(id int64, status Status, timestamp time.Time) error {
	sub, ok := ms.subs[id]
	if !ok {
		return ErrNotFound
	}
	sub.Status = status
	sub.DateModified = timestamp
	ms.subs[id] = sub
	return nil
}

func (ms *memStore) DeleteSubscription(id int64) error {
	if _, ok := ms.subs[id]; !ok {
		return ErrNotFound
	}
	delete(ms.subs, id)
	return nil
}

func (ms *memStore) RecordRenewal(id int64, timestamp time.Time) (Subscription, error) {
	sub, ok := ms.subs[id]
	if !ok {
		return Subscription{}, ErrNotFound
	}
	ms.renewals++
	sub.CompletedPayments++
	sub.NextPayment = AddPeriods(timestamp, sub.BillingPeriod, sub.BillingInterval)
	ms.subs[id] = sub
	return sub, nil
}

type triggered struct {
	event string
	id    int64
}

type recorder struct {
	events []triggered
	// store is checked when an event is triggered so tests can assert the
	// resource still exists
	store *memStore
	found []bool
}

func (r *recorder) Trigger(event string, id int64) {
	r.events = append(r.events, triggered{event, id})
	_, ok := r.store.subs[id]
	r.found = append(r.found, ok)
}

func (r *recorder) last() triggered {
	if len(r.events) == 0 {
		return triggered{}
	}
	return r.events[len(r.events)-1]
}

func newTestManager(t *testing.T) (*Manager, *memStore, *recorder) {
	store := &memStore{subs: map[int64]Subscription{
		1: {ID: 1, Status: StatusActive, BillingPeriod: PeriodMonth, BillingInterval: 1},
		2: {ID: 2, Status: StatusOnHold, BillingPeriod: PeriodWeek, BillingInterval: 2},
	}}
	rec := &recorder{store: store}
	return NewManager(store, rec, zaptest.NewLogger(t)), store, rec
}

func TestUpdateStatus(t *testing.T) {
	m, _, rec := newTestManager(t)

	if _, err := m.UpdateStatus(1, Status("paused")); err == nil {
		t.Fatal("expected invalid status to be rejected")
	} else if _, err := m.UpdateStatus(3, StatusActive); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	// an unchanged status raises no event
	if _, err := m.UpdateStatus(1, StatusActive); err != nil {
		t.Fatal(err)
	} else if len(rec.events) != 0 {
		t.Fatal("expected no events")
	}

	sub, err := m.UpdateStatus(1, StatusOnHold)
	if err != nil {
		t.Fatal(err)
	} else if sub.Status != StatusOnHold {
		t.Fatalf("expected on-hold, got %q", sub.Status)
	} else if rec.last() != (triggered{EventStatusChanged, 1}) {
		t.Fatalf("unexpected event %+v", rec.last())
	}

	if _, err := m.UpdateStatus(1, StatusTrash); err != nil {
		t.Fatal(err)
	} else if rec.last() != (triggered{EventTrashed, 1}) {
		t.Fatalf("unexpected event %+v", rec.last())
	}
}

func TestDelete(t *testing.T) {
	m, store, rec := newTestManager(t)

	if err := m.Delete(2); err != nil {
		t.Fatal(err)
	} else if _, ok := store.subs[2]; ok {
		t.Fatal("expected subscription to be deleted")
	} else if rec.last() != (triggered{EventDeleted, 2}) {
		t.Fatalf("unexpected event %+v", rec.last())
	} else if !rec.found[len(rec.found)-1] {
		t.Fatal("expected the event to be triggered before the delete")
	}

	if err := m.Delete(2); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestHandleAction(t *testing.T) {
	m, store, rec := newTestManager(t)

	if err := m.HandleAction(ActionPayment, 1); err != nil {
		t.Fatal(err)
	} else if store.subs[1].CompletedPayments != 1 || store.subs[1].NextPayment.IsZero() {
		t.Fatalf("expected renewal to be recorded, got %+v", store.subs[1])
	} else if rec.last() != (triggered{EventUpdated, 1}) {
		t.Fatalf("unexpected event %+v", rec.last())
	}

	// only active subscriptions renew
	if err := m.HandleAction(ActionPayment, 2); err == nil {
		t.Fatal("expected on-hold subscription renewal to fail")
	} else if store.renewals != 1 {
		t.Fatal("expected no renewal")
	}

	if err := m.HandleAction(ActionTrialEnd, 2); err != nil {
		t.Fatal(err)
	} else if rec.last() != (triggered{EventDatesUpdated, 2}) {
		t.Fatalf("unexpected event %+v", rec.last())
	}

	if err := m.HandleAction(ActionEndOfPrepaidTerm, 2); err != nil {
		t.Fatal(err)
	} else if store.subs[2].Status != StatusCancelled {
		t.Fatalf("expected cancelled, got %q", store.subs[2].Status)
	}

	if err := m.HandleAction(ActionExpiration, 1); err != nil {
		t.Fatal(err)
	} else if store.subs[1].Status != StatusExpired {
		t.Fatalf("expected expired, got %q", store.subs[1].Status)
	}

	if err := m.HandleAction("subscription_unknown", 1); err == nil {
		t.Fatal("expected unknown action to fail")
	}
}

func TestStatusText(t *testing.T) {
	var s Status
	if err := s.UnmarshalText([]byte("wc-pending-cancel")); err != nil {
		t.Fatal(err)
	} else if s != StatusPendingCancel {
		t.Fatalf("expected pending-cancel, got %q", s)
	} else if err := s.UnmarshalText([]byte("paused")); err == nil {
		t.Fatal("expected unknown status to fail")
	}

	if !StatusSwitched.Ended() || StatusOnHold.Ended() {
		t.Fatal("unexpected ended statuses")
	}
}

func TestAddPeriods(t *testing.T) {
	start := time.Date(2020, 1, 31, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		period string
		n      int
		want   time.Time
	}{
		{PeriodDay, 3, time.Date(2020, 2, 3, 0, 0, 0, 0, time.UTC)},
		{PeriodWeek, 2, time.Date(2020, 2, 14, 0, 0, 0, 0, time.UTC)},
		{PeriodMonth, 1, time.Date(2020, 3, 2, 0, 0, 0, 0, time.UTC)}, // normalized past Feb 29
		{PeriodYear, 1, time.Date(2021, 1, 31, 0, 0, 0, 0, time.UTC)},
	}
	for _, test := range tests {
		if got := AddPeriods(start, test.period, test.n); !got.Equal(test.want) {
			t.Fatalf("%s x%d: expected %v, got %v", test.period, test.n, test.want, got)
		}
	}
}
