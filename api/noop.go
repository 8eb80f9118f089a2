package api

import (
	"errors"

	"github.com/shoplift/subsd/logging"
	"github.com/shoplift/subsd/subscriptions"
	"github.com/shoplift/subsd/webhooks"
)

// errNotEnabled is returned by endpoints whose component was not passed to
// NewServer.
var errNotEnabled = errors.New("endpoint not enabled")

type (
	noWelcome       struct{}
	noGateways      struct{}
	noWebhooks      struct{}
	noSubscriptions struct{}
	noLogs          struct{}
)

func (noWelcome) Take() (bool, error) { return false, nil }

func (noGateways) AddGatewayNotification(string, []byte) (int64, error) { return 0, errNotEnabled }

func (noWebhooks) Webhooks() ([]webhooks.Webhook, error) { return nil, errNotEnabled }
func (noWebhooks) RegisterWebhook(string, []string) (webhooks.Webhook, error) {
	return webhooks.Webhook{}, errNotEnabled
}
func (noWebhooks) UpdateWebhook(int64, string, []string) (webhooks.Webhook, error) {
	return webhooks.Webhook{}, errNotEnabled
}
func (noWebhooks) RemoveWebhook(int64) error { return errNotEnabled }

func (noSubscriptions) Subscription(int64) (subscriptions.Subscription, error) {
	return subscriptions.Subscription{}, errNotEnabled
}
func (noSubscriptions) UpdateStatus(int64, subscriptions.Status) (subscriptions.Subscription, error) {
	return subscriptions.Subscription{}, errNotEnabled
}
func (noSubscriptions) Delete(int64) error { return errNotEnabled }

func (noLogs) LogEntries(logging.Filter) ([]logging.Entry, int, error) { return nil, 0, errNotEnabled }
