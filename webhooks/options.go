package webhooks

import (
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultDeliveryRate      = 10 // deliveries per second
	defaultDeliveryBurst     = 20
	defaultDeliveryTimeout   = 30 * time.Second
	defaultDeliveryCacheSize = 4096
)

// An Option configures a Manager.
type Option func(*Manager)

// WithDeliveryLimit sets the maximum rate and burst of outbound deliveries.
func WithDeliveryLimit(perSecond float64, burst int) Option {
	return func(m *Manager) {
		m.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithDeliveryTimeout sets the timeout of a single delivery.
func WithDeliveryTimeout(d time.Duration) Option {
	return func(m *Manager) {
		m.timeout = d
	}
}

// WithHTTPClient sets the client used to deliver events.
func WithHTTPClient(c *http.Client) Option {
	return func(m *Manager) {
		m.client = c
	}
}
