package api

import (
	"github.com/shoplift/subsd/logging"
	"github.com/shoplift/subsd/subscriptions"
	"github.com/shoplift/subsd/upgrader"
)

type (
	// UpgradeState is the response body for the [GET] /upgrade/state endpoint.
	UpgradeState struct {
		NeedsUpgrade   bool             `json:"needsUpgrade"`
		CurrentVersion string           `json:"currentVersion"`
		Session        upgrader.Session `json:"session"`
		// Helper is set while the store needs to be upgraded.
		Helper *upgrader.HelperData `json:"helper,omitempty"`
	}

	// UpgradeStepRequest is the request body for the [POST] /upgrade/step
	// endpoint.
	UpgradeStepRequest struct {
		Step  upgrader.Stage `json:"upgrade_step"`
		Nonce string         `json:"nonce"`
	}

	// UpgradeCompleteRequest is the request body for the [POST]
	// /upgrade/complete endpoint.
	UpgradeCompleteRequest struct {
		Nonce string `json:"nonce"`
	}

	// LogResponse is the response body for the [GET] /upgrade/log endpoint.
	LogResponse struct {
		Entries []logging.Entry `json:"entries"`
		Count   int             `json:"count"`
	}

	// RegisterWebhookRequest is the request body for the [POST] /webhooks
	// and [PUT] /webhooks/:id endpoints.
	RegisterWebhookRequest struct {
		CallbackURL string   `json:"callbackURL"`
		Scopes      []string `json:"scopes"`
	}

	// WebhookTopic is a topic offered when configuring a webhook.
	WebhookTopic struct {
		Topic  string   `json:"topic"`
		Label  string   `json:"label"`
		Events []string `json:"events"`
	}

	// UpdateStatusRequest is the request body for the [PUT]
	// /subscriptions/:id/status endpoint.
	UpdateStatusRequest struct {
		Status subscriptions.Status `json:"status"`
	}
)
