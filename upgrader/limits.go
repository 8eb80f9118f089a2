package upgrader

// hooksPerSubscription is the ratio of scheduled hooks to subscriptions
// processed per batch.
const hooksPerSubscription = 5

// Limits are the per-request batch sizes for the batch stages.
type Limits struct {
	Hooks         int `json:"hooks"`
	Subscriptions int `json:"subscriptions"`
}

// LimitsFor returns the batch limits for a migration run with the given
// initial record count. Limits never increase as the count grows.
func LimitsFor(initialCount int) Limits {
	var subscriptions int
	switch {
	case initialCount <= 1500:
		subscriptions = 50
	case initialCount <= 5000:
		subscriptions = 30
	default:
		subscriptions = 20
	}
	return Limits{
		Hooks:         subscriptions * hooksPerSubscription,
		Subscriptions: subscriptions,
	}
}
