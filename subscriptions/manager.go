package subscriptions

import (
	"fmt"
	"time"

	"go.uber.org/zap"
)

type (
	// A Store persists subscriptions.
	Store interface {
		Subscription(id int64) (Subscription, error)
		UpdateSubscriptionStatus(id int64, status Status, timestamp time.Time) error
		DeleteSubscription(id int64) error
		// RecordRenewal records a completed renewal payment, advances the
		// next payment date and schedules the next payment action.
		RecordRenewal(id int64, timestamp time.Time) (Subscription, error)
	}

	// An EventTrigger is notified when a subscription changes.
	EventTrigger interface {
		Trigger(event string, resourceID int64)
	}

	// A Manager manages subscriptions and raises the events webhooks are
	// bound to.
	Manager struct {
		store  Store
		events EventTrigger
		log    *zap.Logger
	}
)

// Subscription returns the subscription with the given ID.
func (m *Manager) Subscription(id int64) (Subscription, error) {
	return m.store.Subscription(id)
}

// UpdateStatus changes the status of a subscription.
func (m *Manager) UpdateStatus(id int64, status Status) (Subscription, error) {
	if !status.Valid() {
		return Subscription{}, fmt.Errorf("invalid status %q", status)
	}

	sub, err := m.store.Subscription(id)
	if err != nil {
		return Subscription{}, err
	} else if sub.Status == status {
		return sub, nil
	}

	if err := m.store.UpdateSubscriptionStatus(id, status, time.Now()); err != nil {
		return Subscription{}, fmt.Errorf("failed to update subscription status: %w", err)
	}
	m.log.Debug("subscription status changed", zap.Int64("id", id), zap.Stringer("from", sub.Status), zap.Stringer("to", status))

	if status == StatusTrash {
		m.events.Trigger(EventTrashed, id)
	} else {
		m.events.Trigger(EventStatusChanged, id)
	}
	return m.store.Subscription(id)
}

// Delete permanently removes a subscription.
func (m *Manager) Delete(id int64) error {
	if _, err := m.store.Subscription(id); err != nil {
		return err
	}
	// the payload is built from the current record, trigger before removing it
	m.events.Trigger(EventDeleted, id)
	if err := m.store.DeleteSubscription(id); err != nil {
		return fmt.Errorf("failed to delete subscription: %w", err)
	}
	return nil
}

// RecordRenewal records a renewal payment for an active subscription.
func (m *Manager) RecordRenewal(id int64) (Subscription, error) {
	sub, err := m.store.Subscription(id)
	if err != nil {
		return Subscription{}, err
	} else if sub.Status != StatusActive {
		return Subscription{}, fmt.Errorf("cannot renew %s subscription", sub.Status)
	}

	sub, err = m.store.RecordRenewal(id, time.Now())
	if err != nil {
		return Subscription{}, fmt.Errorf("failed to record renewal: %w", err)
	}
	m.log.Debug("recorded renewal", zap.Int64("id", id), zap.Int("completed", sub.CompletedPayments), zap.Time("nextPayment", sub.NextPayment))
	m.events.Trigger(EventUpdated, id)
	return sub, nil
}

// HandleAction runs a scheduled action for a subscription.
func (m *Manager) HandleAction(hook string, id int64) error {
	switch hook {
	case ActionPayment:
		_, err := m.RecordRenewal(id)
		return err
	case ActionExpiration:
		_, err := m.UpdateStatus(id, StatusExpired)
		return err
	case ActionEndOfPrepaidTerm:
		_, err := m.UpdateStatus(id, StatusCancelled)
		return err
	case ActionTrialEnd:
		if _, err := m.store.Subscription(id); err != nil {
			return err
		}
		m.events.Trigger(EventDatesUpdated, id)
		return nil
	default:
		return fmt.Errorf("unknown action %q", hook)
	}
}

// NewManager initializes a new subscription manager.
func NewManager(store Store, events EventTrigger, log *zap.Logger) *Manager {
	return &Manager{
		store:  store,
		events: events,
		log:    log,
	}
}
