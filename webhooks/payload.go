package webhooks

import (
	"fmt"

	"github.com/shoplift/subsd/subscriptions"
)

// A SubscriptionSource returns the current state of a subscription.
type SubscriptionSource interface {
	Subscription(id int64) (subscriptions.Subscription, error)
}

// SubscriptionPayload returns a payload builder for the subscription
// resource. The payload is the subscription's full current state.
func SubscriptionPayload(src SubscriptionSource) PayloadBuilder {
	return func(id int64) (any, error) {
		sub, err := src.Subscription(id)
		if err != nil {
			return nil, fmt.Errorf("failed to get subscription %d: %w", id, err)
		}
		return sub, nil
	}
}
