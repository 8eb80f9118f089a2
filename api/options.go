package api

import "go.uber.org/zap"

// ServerOption is a functional option to configure an API server.
type ServerOption func(*api)

// ServerWithLogger sets the logger for the API server.
func ServerWithLogger(log *zap.Logger) ServerOption {
	return func(a *api) {
		a.log = log
	}
}

// ServerWithWelcomeRedirect sets the redirect consulted by the upgrade page.
func ServerWithWelcomeRedirect(w WelcomeRedirect) ServerOption {
	return func(a *api) {
		a.welcome = w
	}
}

// ServerWithGateways sets the store of inbound payment notifications.
func ServerWithGateways(g Gateways) ServerOption {
	return func(a *api) {
		a.gateways = g
	}
}

// ServerWithWebhooks sets the webhooks manager for the API server.
func ServerWithWebhooks(w Webhooks) ServerOption {
	return func(a *api) {
		a.webhooks = w
	}
}

// ServerWithAlerts sets the alerts manager for the API server.
func ServerWithAlerts(al Alerts) ServerOption {
	return func(a *api) {
		a.alerts = al
	}
}

// ServerWithSubscriptions sets the subscription manager for the API server.
func ServerWithSubscriptions(s Subscriptions) ServerOption {
	return func(a *api) {
		a.subs = s
	}
}

// ServerWithLogStore sets the store the upgrade log is read from.
func ServerWithLogStore(ls LogStore) ServerOption {
	return func(a *api) {
		a.logs = ls
	}
}
