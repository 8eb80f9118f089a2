package api

import (
	"fmt"
	"net/url"

	"github.com/shoplift/subsd/alerts"
	"github.com/shoplift/subsd/subscriptions"
	"github.com/shoplift/subsd/upgrader"
	"github.com/shoplift/subsd/webhooks"
	"go.sia.tech/jape"
)

// A Client is a client for the subsd API.
type Client struct {
	c jape.Client
}

// UpgradeState returns the state of the schema migration.
func (c *Client) UpgradeState() (resp UpgradeState, err error) {
	err = c.c.GET("/upgrade/state", &resp)
	return
}

// UpgradeStep runs one batch of an upgrade step.
func (c *Client) UpgradeStep(stage upgrader.Stage, nonce string) (resp upgrader.StepResult, err error) {
	err = c.c.POST("/upgrade/step", UpgradeStepRequest{Step: stage, Nonce: nonce}, &resp)
	return
}

// CompleteUpgrade completes the migration regardless of remaining work.
func (c *Client) CompleteUpgrade(nonce string) error {
	return c.c.POST("/upgrade/complete", UpgradeCompleteRequest{Nonce: nonce}, nil)
}

// UpgradeLog returns the entries of the upgrade log, newest first.
func (c *Client) UpgradeLog(limit, offset int) (resp LogResponse, err error) {
	v := url.Values{}
	v.Set("limit", fmt.Sprint(limit))
	v.Set("offset", fmt.Sprint(offset))
	err = c.c.GET("/upgrade/log?"+v.Encode(), &resp)
	return
}

// Webhooks returns all registered webhooks.
func (c *Client) Webhooks() (hooks []webhooks.Webhook, err error) {
	err = c.c.GET("/webhooks", &hooks)
	return
}

// RegisterWebhook registers a new webhook.
func (c *Client) RegisterWebhook(callbackURL string, scopes []string) (hook webhooks.Webhook, err error) {
	err = c.c.POST("/webhooks", RegisterWebhookRequest{CallbackURL: callbackURL, Scopes: scopes}, &hook)
	return
}

// UpdateWebhook updates the callback URL and scopes of a webhook.
func (c *Client) UpdateWebhook(id int64, callbackURL string, scopes []string) error {
	return c.c.PUT(fmt.Sprintf("/webhooks/%d", id), RegisterWebhookRequest{CallbackURL: callbackURL, Scopes: scopes})
}

// RemoveWebhook removes a webhook.
func (c *Client) RemoveWebhook(id int64) error {
	return c.c.DELETE(fmt.Sprintf("/webhooks/%d", id))
}

// WebhookTopics returns the topics offered when configuring a webhook.
func (c *Client) WebhookTopics() (topics []WebhookTopic, err error) {
	err = c.c.GET("/webhooks/topics", &topics)
	return
}

// Alerts returns the active alerts.
func (c *Client) Alerts() (active []alerts.Alert, err error) {
	err = c.c.GET("/alerts", &active)
	return
}

// DismissAlerts dismisses the alerts with the given IDs.
func (c *Client) DismissAlerts(ids ...alerts.ID) error {
	return c.c.POST("/alerts/dismiss", ids, nil)
}

// Subscription returns a subscription.
func (c *Client) Subscription(id int64) (sub subscriptions.Subscription, err error) {
	err = c.c.GET(fmt.Sprintf("/subscriptions/%d", id), &sub)
	return
}

// UpdateSubscriptionStatus changes the status of a subscription.
func (c *Client) UpdateSubscriptionStatus(id int64, status subscriptions.Status) error {
	return c.c.PUT(fmt.Sprintf("/subscriptions/%d/status", id), UpdateStatusRequest{Status: status})
}

// DeleteSubscription permanently removes a subscription.
func (c *Client) DeleteSubscription(id int64) error {
	return c.c.DELETE(fmt.Sprintf("/subscriptions/%d", id))
}

// NewClient creates a new API client.
func NewClient(baseURL, password string) *Client {
	return &Client{
		c: jape.Client{
			BaseURL:  baseURL,
			Password: password,
		},
	}
}
