package api

import (
	"context"
	"net/http"

	"github.com/shoplift/subsd/alerts"
	"github.com/shoplift/subsd/logging"
	"github.com/shoplift/subsd/subscriptions"
	"github.com/shoplift/subsd/upgrader"
	"github.com/shoplift/subsd/webhooks"
	"go.sia.tech/jape"
	"go.uber.org/zap"
)

type (
	// An Upgrader sequences the schema migration across requests.
	Upgrader interface {
		NeedsUpgrade() (bool, error)
		Session() (upgrader.Session, error)
		Helper() (upgrader.HelperData, error)
		InProgress() (upgrader.InProgress, error)
		Begin(ctx context.Context) (upgrader.HelperData, error)
		Step(ctx context.Context, stage upgrader.Stage, nonce string) (upgrader.StepResult, error)
		ForceComplete(nonce string) error
	}

	// Interlocks guard the store while a migration is pending or running.
	Interlocks interface {
		CronLocker
		// NotificationsBlocked returns true if inbound payment
		// notifications must be rejected.
		NotificationsBlocked() (bool, error)
	}

	// A WelcomeRedirect reports whether the operator should be shown the
	// about page.
	WelcomeRedirect interface {
		Take() (bool, error)
	}

	// Gateways persists inbound payment notifications.
	Gateways interface {
		AddGatewayNotification(gateway string, payload []byte) (int64, error)
	}

	// Webhooks manages webhook subscribers.
	Webhooks interface {
		Webhooks() ([]webhooks.Webhook, error)
		RegisterWebhook(callbackURL string, scopes []string) (webhooks.Webhook, error)
		UpdateWebhook(id int64, callbackURL string, scopes []string) (webhooks.Webhook, error)
		RemoveWebhook(id int64) error
	}

	// Alerts retrieves and dismisses notifications
	Alerts interface {
		Active() []alerts.Alert
		Dismiss(...alerts.ID)
	}

	// Subscriptions manages subscription records.
	Subscriptions interface {
		Subscription(id int64) (subscriptions.Subscription, error)
		UpdateStatus(id int64, status subscriptions.Status) (subscriptions.Subscription, error)
		Delete(id int64) error
	}

	// A LogStore retrieves persisted log entries.
	LogStore interface {
		LogEntries(filter logging.Filter) ([]logging.Entry, int, error)
	}

	// An api provides an HTTP API for the subscription store
	api struct {
		name    string
		version string
		log     *zap.Logger

		upgrader   Upgrader
		interlocks Interlocks
		welcome    WelcomeRedirect
		gateways   Gateways
		webhooks   Webhooks
		alerts     Alerts
		subs       Subscriptions
		logs       LogStore
	}
)

// NewServer initializes the API. The upgrade endpoints are always served, the
// remaining endpoints depend on the options. Every request re-asserts the cron
// lock while the store is out of date.
func NewServer(name, version string, u Upgrader, il Interlocks, opts ...ServerOption) http.Handler {
	a := &api{
		name:    name,
		version: version,
		log:     zap.NewNop(),

		upgrader:   u,
		interlocks: il,
		welcome:    noWelcome{},
		gateways:   noGateways{},
		webhooks:   noWebhooks{},
		alerts:     alerts.NewNop(),
		subs:       noSubscriptions{},
		logs:       noLogs{},
	}
	for _, opt := range opts {
		opt(a)
	}

	mux := jape.Mux(map[string]jape.Handler{
		// upgrade endpoints
		"GET /upgrade":           a.handleGETUpgrade,
		"GET /upgrade/state":     a.handleGETUpgradeState,
		"POST /upgrade/step":     a.handlePOSTUpgradeStep,
		"POST /upgrade/complete": a.handlePOSTUpgradeComplete,
		"GET /upgrade/log":       a.handleGETUpgradeLog,
		"GET /about":             a.handleGETAbout,
		// gateway endpoints
		"POST /gateways/:gateway/notify": a.handlePOSTGatewayNotify,
		// webhook endpoints
		"GET /webhooks":        a.handleGETWebhooks,
		"POST /webhooks":       a.handlePOSTWebhooks,
		"PUT /webhooks/:id":    a.handlePUTWebhooks,
		"DELETE /webhooks/:id": a.handleDELETEWebhooks,
		"GET /webhooks/topics": a.handleGETWebhookTopics,
		// alerts endpoints
		"GET /alerts":          a.handleGETAlerts,
		"POST /alerts/dismiss": a.handlePOSTAlertsDismiss,
		// subscription endpoints
		"GET /subscriptions/:id":        a.handleGETSubscription,
		"PUT /subscriptions/:id/status": a.handlePUTSubscriptionStatus,
		"DELETE /subscriptions/:id":     a.handleDELETESubscription,
	})
	return lockCron(il, a.log, mux)
}
