package api_test

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/shoplift/subsd/alerts"
	"github.com/shoplift/subsd/api"
	"github.com/shoplift/subsd/logging"
	"github.com/shoplift/subsd/persist/sqlite"
	"github.com/shoplift/subsd/subscriptions"
	"github.com/shoplift/subsd/upgrader"
	"github.com/shoplift/subsd/webhooks"
	"github.com/shopspring/decimal"
	"go.sia.tech/jape"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
)

const testPassword = "test"

type testNode struct {
	log      *zap.Logger
	db       *sqlite.Store
	alerts   *alerts.Manager
	upgrader *upgrader.Controller
	url      string
	client   *api.Client
}

// do sends an authenticated request without following redirects.
func (n *testNode) do(t *testing.T, method, path string, body []byte) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, n.url+path, bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.SetBasicAuth("", testPassword)
	client := &http.Client{
		CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func startAPI(t *testing.T, activeVersion, currentVersion string) *testNode {
	log := zaptest.NewLogger(t)
	db, err := sqlite.OpenDatabase(filepath.Join(t.TempDir(), "subsd.db"), log.Named("sqlite"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	// persist the upgrader's entries the way the daemon does
	log = zap.New(zapcore.NewTee(log.Core(), logging.Core(db, zapcore.DebugLevel, logging.WithNamePrefixes("upgrader"))))

	if activeVersion != "" {
		if err := db.SetOption("active_version", activeVersion); err != nil {
			t.Fatal(err)
		}
	}

	wm, err := webhooks.NewManager(db, log.Named("webhooks"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { wm.Close() })
	wm.RegisterPayloadBuilder(webhooks.ResourceSubscription, webhooks.SubscriptionPayload(db))

	am := alerts.NewManager(alerts.WithLog(log.Named("alerts")))
	ctrl, err := upgrader.NewController(currentVersion, db, wm, am, upgrader.WithLog(log.Named("upgrader")))
	if err != nil {
		t.Fatal(err)
	}
	welcome := upgrader.NewWelcomeRedirect(db)
	ctrl.Subscribe(welcome.MigrationCompleted)

	sm := subscriptions.NewManager(db, wm, log.Named("subscriptions"))

	handler := api.NewServer("subsd", currentVersion, ctrl, ctrl,
		api.ServerWithLogger(log.Named("api")),
		api.ServerWithWelcomeRedirect(welcome),
		api.ServerWithGateways(db),
		api.ServerWithWebhooks(wm),
		api.ServerWithAlerts(am),
		api.ServerWithSubscriptions(sm),
		api.ServerWithLogStore(db))
	srv := httptest.NewServer(jape.BasicAuth(testPassword)(handler))
	t.Cleanup(srv.Close)

	return &testNode{
		log:      log,
		db:       db,
		alerts:   am,
		upgrader: ctrl,
		url:      srv.URL,
		client:   api.NewClient(srv.URL, testPassword),
	}
}

var nonceRegex = regexp.MustCompile(`"nonce":"([0-9a-f]+)"`)

func TestUpgradeFlow(t *testing.T) {
	n := startAPI(t, "1.5", "2.0.0")

	state, err := n.client.UpgradeState()
	if err != nil {
		t.Fatal(err)
	} else if !state.NeedsUpgrade || state.Session.ActiveVersion != "1.5" || state.Helper == nil {
		t.Fatalf("unexpected state %+v", state)
	} else if len(state.Helper.Stages) != 1 || state.Helper.Stages[0] != upgrader.StageSubscriptions {
		t.Fatalf("unexpected stages %v", state.Helper.Stages)
	}

	// loading the helper page claims the lease
	resp := n.do(t, http.MethodGet, "/upgrade", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	page, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	match := nonceRegex.FindSubmatch(page)
	if match == nil {
		t.Fatal("helper page does not contain a nonce")
	}
	nonce := string(match[1])

	// a second request is shown the in-progress view
	resp = n.do(t, http.MethodGet, "/upgrade", nil)
	if resp.StatusCode != http.StatusOK || resp.Header.Get("Retry-After") == "" {
		t.Fatalf("expected in-progress view, got %d", resp.StatusCode)
	} else if page, err := io.ReadAll(resp.Body); err != nil {
		t.Fatal(err)
	} else if !strings.Contains(string(page), "Update in Progress") {
		t.Fatal("expected in-progress view")
	}

	// steps require the nonce of the run
	if _, err := n.client.UpgradeStep(upgrader.StageSubscriptions, "bad"); err == nil || !strings.Contains(err.Error(), upgrader.ErrInvalidNonce.Error()) {
		t.Fatalf("expected invalid nonce error, got %v", err)
	} else if _, err := n.client.UpgradeStep(upgrader.StageNone, nonce); err == nil {
		t.Fatal("expected unknown step to be rejected")
	}

	res, err := n.client.UpgradeStep(upgrader.StageSubscriptions, nonce)
	if err != nil {
		t.Fatal(err)
	} else if res.Status != upgrader.StatusSuccess || !res.Completed {
		t.Fatalf("expected completed step, got %+v", res)
	} else if res.UpgradedCount == nil || *res.UpgradedCount != 0 {
		t.Fatalf("expected no upgraded subscriptions, got %+v", res)
	}

	state, err = n.client.UpgradeState()
	if err != nil {
		t.Fatal(err)
	} else if state.NeedsUpgrade || state.Session.ActiveVersion != "2.0.0" || state.Helper != nil {
		t.Fatalf("unexpected state %+v", state)
	}

	// the store is up to date
	resp = n.do(t, http.MethodGet, "/upgrade", nil)
	if resp.StatusCode != http.StatusSeeOther || resp.Header.Get("Location") != "/about" {
		t.Fatalf("expected redirect to about page, got %d %q", resp.StatusCode, resp.Header.Get("Location"))
	}

	// the run is recorded in the upgrade log
	if err := n.log.Sync(); err != nil {
		t.Fatal(err)
	}
	entries, err := n.client.UpgradeLog(100, 0)
	if err != nil {
		t.Fatal(err)
	} else if entries.Count == 0 {
		t.Fatal("expected upgrade log entries")
	}

	// a completion alert is registered
	var completed bool
	for _, a := range n.alerts.Active() {
		completed = completed || a.Category == "upgrade"
	}
	if !completed {
		t.Fatal("expected completion alert")
	}
}

func TestUpgradeStepOrder(t *testing.T) {
	n := startAPI(t, "1.3", "2.0.0")

	resp := n.do(t, http.MethodGet, "/upgrade", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	page, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	match := nonceRegex.FindSubmatch(page)
	if match == nil {
		t.Fatal("helper page does not contain a nonce")
	}
	nonce := string(match[1])

	step := func(stage string) *http.Response {
		return n.do(t, http.MethodPost, "/upgrade/step", []byte(`{"upgrade_step":"`+stage+`","nonce":"`+nonce+`"}`))
	}

	// subscriptions cannot be migrated before the really old versions
	if resp := step("subscriptions"); resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d", resp.StatusCode)
	} else if body, err := io.ReadAll(resp.Body); err != nil {
		t.Fatal(err)
	} else if !strings.Contains(string(body), upgrader.ErrStageOutOfOrder.Error()) {
		t.Fatalf("expected out of order error, got %q", body)
	}

	if resp := step("really_old_version"); resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	res, err := n.client.UpgradeStep(upgrader.StageSubscriptions, nonce)
	if err != nil {
		t.Fatal(err)
	} else if !res.Completed {
		t.Fatalf("expected completed step, got %+v", res)
	}
}

func TestWelcomeRedirect(t *testing.T) {
	n := startAPI(t, "2.0.5", "2.1.0")

	// no stage applies, the migration completes when the page is loaded
	resp := n.do(t, http.MethodGet, "/upgrade", nil)
	if resp.StatusCode != http.StatusSeeOther || resp.Header.Get("Location") != "/about?updated=true" {
		t.Fatalf("expected welcome redirect, got %d %q", resp.StatusCode, resp.Header.Get("Location"))
	}

	resp = n.do(t, http.MethodGet, "/about?updated=true", nil)
	if page, err := io.ReadAll(resp.Body); err != nil {
		t.Fatal(err)
	} else if !strings.Contains(string(page), "has been updated to version 2.1.0") {
		t.Fatalf("unexpected about page %s", page)
	}

	// the redirect is only shown once
	resp = n.do(t, http.MethodGet, "/upgrade", nil)
	if resp.Header.Get("Location") != "/about" {
		t.Fatalf("expected redirect to about page, got %q", resp.Header.Get("Location"))
	}
}

func TestForceComplete(t *testing.T) {
	n := startAPI(t, "1.5", "2.0.0")

	resp := n.do(t, http.MethodGet, "/upgrade", nil)
	page, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	match := nonceRegex.FindSubmatch(page)
	if match == nil {
		t.Fatal("helper page does not contain a nonce")
	}

	if err := n.client.CompleteUpgrade("bad"); err == nil {
		t.Fatal("expected invalid nonce to be rejected")
	} else if err := n.client.CompleteUpgrade(string(match[1])); err != nil {
		t.Fatal(err)
	}

	if state, err := n.client.UpgradeState(); err != nil {
		t.Fatal(err)
	} else if state.NeedsUpgrade {
		t.Fatal("expected upgrade to be complete")
	}
}

func TestNotificationGuard(t *testing.T) {
	n := startAPI(t, "1.5", "2.0.0")

	expiry := time.Now().Add(time.Minute).Unix()
	if err := n.db.SetOption("is_upgrading", strconv.FormatInt(expiry, 10)); err != nil {
		t.Fatal(err)
	}

	resp := n.do(t, http.MethodPost, "/gateways/paypal/notify", []byte("txn_type=subscr_payment"))
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d", resp.StatusCode)
	} else if body, err := io.ReadAll(resp.Body); err != nil {
		t.Fatal(err)
	} else if !strings.Contains(string(body), "upgrade in progress") {
		t.Fatalf("unexpected response %q", body)
	} else if count, err := n.db.GatewayNotificationCount(); err != nil {
		t.Fatal(err)
	} else if count != 0 {
		t.Fatalf("expected no recorded notifications, got %d", count)
	}

	// an expired lease still blocks notifications
	if err := n.db.SetOption("is_upgrading", strconv.FormatInt(time.Now().Add(-time.Minute).Unix(), 10)); err != nil {
		t.Fatal(err)
	} else if resp := n.do(t, http.MethodPost, "/gateways/paypal/notify", nil); resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d", resp.StatusCode)
	}

	if err := n.db.DeleteOption("is_upgrading"); err != nil {
		t.Fatal(err)
	} else if resp := n.do(t, http.MethodPost, "/gateways/paypal/notify", []byte("txn_type=subscr_payment")); resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	} else if count, err := n.db.GatewayNotificationCount(); err != nil {
		t.Fatal(err)
	} else if count != 1 {
		t.Fatalf("expected 1 recorded notification, got %d", count)
	}
}

func TestCronLock(t *testing.T) {
	n := startAPI(t, "1.5", "2.0.0")

	if locked, err := n.upgrader.CronLocked(); err != nil {
		t.Fatal(err)
	} else if locked {
		t.Fatal("expected cron to be unlocked")
	}

	// any request re-asserts the lock while the store is out of date
	n.do(t, http.MethodGet, "/about", nil)
	if locked, err := n.upgrader.CronLocked(); err != nil {
		t.Fatal(err)
	} else if !locked {
		t.Fatal("expected cron to be locked")
	}
}

func TestWebhookEndpoints(t *testing.T) {
	n := startAPI(t, "", "2.0.0")

	topics, err := n.client.WebhookTopics()
	if err != nil {
		t.Fatal(err)
	} else if len(topics) != 4 || topics[0].Topic != "subscription.created" || topics[2].Topic != "subscription.switched" {
		t.Fatalf("unexpected topics %+v", topics)
	} else if len(topics[2].Events) != 0 {
		t.Fatal("expected no events bound to subscription.switched")
	}

	if _, err := n.client.RegisterWebhook("ftp://example.com", []string{"all"}); err == nil {
		t.Fatal("expected invalid callback to be rejected")
	}

	hook, err := n.client.RegisterWebhook("http://127.0.0.1:1/hook", []string{"subscription.created"})
	if err != nil {
		t.Fatal(err)
	} else if hook.SecretKey == "" {
		t.Fatal("expected webhook secret")
	}

	if err := n.client.UpdateWebhook(hook.ID, "http://127.0.0.1:1/hook", []string{"subscription.updated", "alerts"}); err != nil {
		t.Fatal(err)
	} else if hooks, err := n.client.Webhooks(); err != nil {
		t.Fatal(err)
	} else if len(hooks) != 1 || len(hooks[0].Scopes) != 2 {
		t.Fatalf("unexpected webhooks %+v", hooks)
	}

	if err := n.client.UpdateWebhook(hook.ID+1, "http://127.0.0.1:1/hook", []string{"all"}); err == nil {
		t.Fatal("expected missing webhook to fail")
	} else if err := n.client.RemoveWebhook(hook.ID); err != nil {
		t.Fatal(err)
	} else if hooks, err := n.client.Webhooks(); err != nil {
		t.Fatal(err)
	} else if len(hooks) != 0 {
		t.Fatal("expected no webhooks")
	}
}

func TestSubscriptionEndpoints(t *testing.T) {
	n := startAPI(t, "", "2.0.0")

	id, err := n.db.MigrateLegacySubscription(100, subscriptions.Subscription{
		CustomerID:      1,
		Status:          subscriptions.StatusActive,
		ProductID:       42,
		BillingPeriod:   subscriptions.PeriodMonth,
		BillingInterval: 1,
		RecurringAmount: decimal.RequireFromString("12.50"),
		StartDate:       time.Date(2015, 3, 1, 0, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatal(err)
	}

	sub, err := n.client.Subscription(id)
	if err != nil {
		t.Fatal(err)
	} else if sub.Status != subscriptions.StatusActive || !sub.RecurringAmount.Equal(decimal.RequireFromString("12.50")) {
		t.Fatalf("unexpected subscription %+v", sub)
	}

	if err := n.client.UpdateSubscriptionStatus(id, subscriptions.StatusOnHold); err != nil {
		t.Fatal(err)
	} else if sub, err := n.client.Subscription(id); err != nil {
		t.Fatal(err)
	} else if sub.Status != subscriptions.StatusOnHold {
		t.Fatalf("expected on-hold, got %q", sub.Status)
	}

	if err := n.client.DeleteSubscription(id); err != nil {
		t.Fatal(err)
	} else if _, err := n.client.Subscription(id); err == nil {
		t.Fatal("expected deleted subscription to be missing")
	}

	resp := n.do(t, http.MethodGet, "/subscriptions/12345", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestAlertEndpoints(t *testing.T) {
	n := startAPI(t, "", "2.0.0")

	id := alerts.RandomID()
	n.alerts.Register(alerts.Alert{
		ID:        id,
		Severity:  alerts.SeverityWarning,
		Message:   "test",
		Timestamp: time.Now(),
	})

	if active, err := n.client.Alerts(); err != nil {
		t.Fatal(err)
	} else if len(active) != 1 || active[0].ID != id {
		t.Fatalf("unexpected alerts %+v", active)
	}

	if err := n.client.DismissAlerts(); err == nil {
		t.Fatal("expected empty dismiss to fail")
	} else if err := n.client.DismissAlerts(id); err != nil {
		t.Fatal(err)
	} else if active, err := n.client.Alerts(); err != nil {
		t.Fatal(err)
	} else if len(active) != 0 {
		t.Fatal("expected no alerts")
	}
}

func TestBasicAuth(t *testing.T) {
	n := startAPI(t, "", "2.0.0")

	client := api.NewClient(n.url, "wrong")
	if _, err := client.Alerts(); err == nil {
		t.Fatal("expected unauthorized request to fail")
	}
}
