package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"

	"github.com/shoplift/subsd/alerts"
	"github.com/shoplift/subsd/subscriptions"
	"github.com/shoplift/subsd/webhooks"
	"go.sia.tech/jape"
	"go.uber.org/zap"
)

// maxNotificationSize is the largest accepted gateway notification body.
const maxNotificationSize = 1 << 20

// errNotificationBlocked is returned to payment gateways while a migration
// holds the upgrade lease. Gateways retry conflicting notifications later.
var errNotificationBlocked = errors.New("payment notification request failure: subscriptions upgrade in progress")

// checkServerError conditionally writes an error to the response if err is not
// nil.
func (a *api) checkServerError(c jape.Context, context string, err error) bool {
	if errors.Is(err, errNotEnabled) {
		c.Error(err, http.StatusNotImplemented)
		return false
	} else if err != nil {
		c.Error(err, http.StatusInternalServerError)
		a.log.Warn(context, zap.Error(err))
	}
	return err == nil
}

func (a *api) handleGETAlerts(c jape.Context) {
	active := a.alerts.Active()
	if active == nil {
		active = []alerts.Alert{}
	}
	c.Encode(active)
}

func (a *api) handlePOSTAlertsDismiss(c jape.Context) {
	var ids []alerts.ID
	if err := c.Decode(&ids); err != nil {
		return
	} else if len(ids) == 0 {
		c.Error(errors.New("no alerts to dismiss"), http.StatusBadRequest)
		return
	}
	a.alerts.Dismiss(ids...)
}

func (a *api) handlePOSTGatewayNotify(c jape.Context) {
	var gateway string
	if err := c.DecodeParam("gateway", &gateway); err != nil {
		return
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxNotificationSize))
	if err != nil {
		c.Error(fmt.Errorf("failed to read notification: %w", err), http.StatusBadRequest)
		return
	}

	log := a.log.With(zap.String("gateway", gateway))
	if blocked, err := a.interlocks.NotificationsBlocked(); !a.checkServerError(c, "failed to check upgrade lease", err) {
		return
	} else if blocked {
		log.Warn("payment notification blocked", zap.ByteString("payload", body))
		c.Error(errNotificationBlocked, http.StatusConflict)
		return
	}

	id, err := a.gateways.AddGatewayNotification(gateway, body)
	if !a.checkServerError(c, "failed to record notification", err) {
		return
	}
	log.Debug("recorded payment notification", zap.Int64("id", id))
}

func (a *api) checkSubscriptionError(c jape.Context, context string, err error) bool {
	if errors.Is(err, subscriptions.ErrNotFound) {
		c.Error(err, http.StatusNotFound)
		return false
	}
	return a.checkServerError(c, context, err)
}

func (a *api) handleGETSubscription(c jape.Context) {
	var id int64
	if err := c.DecodeParam("id", &id); err != nil {
		return
	}
	sub, err := a.subs.Subscription(id)
	if !a.checkSubscriptionError(c, "failed to get subscription", err) {
		return
	}
	c.Encode(sub)
}

func (a *api) handlePUTSubscriptionStatus(c jape.Context) {
	var id int64
	var req UpdateStatusRequest
	if err := c.DecodeParam("id", &id); err != nil {
		return
	} else if err := c.Decode(&req); err != nil {
		return
	}
	_, err := a.subs.UpdateStatus(id, req.Status)
	a.checkSubscriptionError(c, "failed to update subscription status", err)
}

func (a *api) handleDELETESubscription(c jape.Context) {
	var id int64
	if err := c.DecodeParam("id", &id); err != nil {
		return
	}
	err := a.subs.Delete(id)
	a.checkSubscriptionError(c, "failed to delete subscription", err)
}

func (a *api) handleGETWebhooks(c jape.Context) {
	hooks, err := a.webhooks.Webhooks()
	if !a.checkServerError(c, "failed to get webhooks", err) {
		return
	} else if hooks == nil {
		hooks = []webhooks.Webhook{}
	}
	c.Encode(hooks)
}

func (a *api) handlePOSTWebhooks(c jape.Context) {
	var req RegisterWebhookRequest
	if err := c.Decode(&req); err != nil {
		return
	}
	hook, err := a.webhooks.RegisterWebhook(req.CallbackURL, req.Scopes)
	if errors.Is(err, errNotEnabled) {
		a.checkServerError(c, "", err)
		return
	} else if err != nil {
		c.Error(fmt.Errorf("failed to register webhook: %w", err), http.StatusBadRequest)
		return
	}
	c.Encode(hook)
}

func (a *api) handlePUTWebhooks(c jape.Context) {
	var id int64
	var req RegisterWebhookRequest
	if err := c.DecodeParam("id", &id); err != nil {
		return
	} else if err := c.Decode(&req); err != nil {
		return
	}
	_, err := a.webhooks.UpdateWebhook(id, req.CallbackURL, req.Scopes)
	if errors.Is(err, webhooks.ErrWebhookNotFound) {
		c.Error(err, http.StatusNotFound)
	} else if errors.Is(err, errNotEnabled) {
		a.checkServerError(c, "", err)
	} else if err != nil {
		c.Error(fmt.Errorf("failed to update webhook: %w", err), http.StatusBadRequest)
	}
}

func (a *api) handleDELETEWebhooks(c jape.Context) {
	var id int64
	if err := c.DecodeParam("id", &id); err != nil {
		return
	}
	err := a.webhooks.RemoveWebhook(id)
	if errors.Is(err, webhooks.ErrWebhookNotFound) {
		c.Error(err, http.StatusNotFound)
		return
	}
	a.checkServerError(c, "failed to remove webhook", err)
}

func (a *api) handleGETWebhookTopics(c jape.Context) {
	bound := make(map[string][]string)
	for _, resource := range webhooks.ValidResources() {
		for topic, events := range webhooks.TopicHooks(resource) {
			bound[topic] = events
		}
	}

	labels := webhooks.AdminTopics()
	topics := make([]WebhookTopic, 0, len(labels))
	for topic, label := range labels {
		events := bound[topic]
		if events == nil {
			events = []string{}
		}
		topics = append(topics, WebhookTopic{
			Topic:  topic,
			Label:  label,
			Events: events,
		})
	}
	sort.Slice(topics, func(i, j int) bool { return topics[i].Topic < topics[j].Topic })
	c.Encode(topics)
}

func parseLimitParams(c jape.Context, defaultLimit, maxLimit int) (limit, offset int, ok bool) {
	if err := c.DecodeForm("limit", &limit); err != nil {
		return 0, 0, false
	} else if err := c.DecodeForm("offset", &offset); err != nil {
		return 0, 0, false
	}
	if limit > maxLimit {
		limit = maxLimit
	} else if limit <= 0 {
		limit = defaultLimit
	}

	if offset < 0 {
		offset = 0
	}
	return limit, offset, true
}
