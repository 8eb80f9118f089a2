package upgrader

import (
	"fmt"

	"github.com/shoplift/subsd/version"
)

// WelcomeVersion is the version whose about page is shown after an upgrade
// crosses it.
var WelcomeVersion = version210

type (
	// MigrationCompleted is published when a migration run completes.
	MigrationCompleted struct {
		Current  string `json:"current"`
		Previous string `json:"previous"`
	}

	subscriber struct {
		id int
		fn func(MigrationCompleted)
	}

	// A WelcomeRedirect records that the operator should be shown the about
	// page after a migration crosses the welcome version.
	WelcomeRedirect struct {
		store OptionStore
	}
)

// Crossed returns true if the migration crossed v.
func (e MigrationCompleted) Crossed(v version.Version) bool {
	prev, err := version.Parse(e.Previous)
	if err != nil {
		return false
	}
	cur, err := version.Parse(e.Current)
	if err != nil {
		return false
	}
	return prev.Cmp(v) < 0 && cur.Cmp(v) >= 0
}

// Subscribe registers fn to be called when a migration completes. Subscribers
// are called synchronously in registration order. The returned function
// removes the subscriber.
func (c *Controller) Subscribe(fn func(MigrationCompleted)) (unsubscribe func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextSubscriberID
	c.nextSubscriberID++
	c.subscribers = append(c.subscribers, subscriber{id: id, fn: fn})
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, s := range c.subscribers {
			if s.id == id {
				c.subscribers = append(c.subscribers[:i], c.subscribers[i+1:]...)
				return
			}
		}
	}
}

func (c *Controller) publish(e MigrationCompleted) {
	c.mu.Lock()
	subscribers := append([]subscriber(nil), c.subscribers...)
	c.mu.Unlock()

	for _, s := range subscribers {
		s.fn(e)
	}
}

// MigrationCompleted records the redirect if the migration crossed the
// welcome version.
func (w *WelcomeRedirect) MigrationCompleted(e MigrationCompleted) {
	if !e.Crossed(WelcomeVersion) {
		return
	}
	// errors are ignored, the redirect is informational
	w.store.SetOption(optionWelcomeRedirect, e.Current)
}

// Take returns true and clears the redirect if one is pending.
func (w *WelcomeRedirect) Take() (bool, error) {
	v, ok, err := w.store.Option(optionWelcomeRedirect)
	if err != nil {
		return false, fmt.Errorf("failed to get welcome redirect: %w", err)
	} else if !ok {
		return false, nil
	}
	swapped, err := w.store.CompareAndSwapOption(optionWelcomeRedirect, &v, nil)
	if err != nil {
		return false, fmt.Errorf("failed to clear welcome redirect: %w", err)
	}
	return swapped, nil
}

// NewWelcomeRedirect returns a completion subscriber that redirects the
// operator to the about page after a major upgrade.
func NewWelcomeRedirect(store OptionStore) *WelcomeRedirect {
	return &WelcomeRedirect{store: store}
}
