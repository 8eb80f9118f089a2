package webhooks

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/shoplift/subsd/internal/threadgroup"
	"github.com/shoplift/subsd/subscriptions"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"lukechampine.com/frand"
)

// event scope constants
const (
	ScopeAll = "all"

	ScopeAlerts         = "alerts"
	ScopeAlertsInfo     = "alerts/info"
	ScopeAlertsWarning  = "alerts/warning"
	ScopeAlertsError    = "alerts/error"
	ScopeAlertsCritical = "alerts/critical"

	ScopeSubscription = "subscription"
	ScopeUpgrade      = "upgrade"
	ScopeTest         = "test"
)

// ErrWebhookNotFound is returned when a webhook does not exist.
var ErrWebhookNotFound = errors.New("webhook not found")

type (
	scope struct {
		children map[string]*scope
		hooks    map[int64]bool
	}

	// A Webhook is a callback that is invoked when an event occurs.
	Webhook struct {
		ID          int64     `json:"id"`
		CallbackURL string    `json:"callbackURL"`
		SecretKey   string    `json:"secretKey"`
		Scopes      []string  `json:"scopes"`
		DateCreated time.Time `json:"dateCreated"`
	}

	// A UID is a unique identifier for an event.
	UID [32]byte

	// An Event is a notification sent to a Webhook callback.
	Event struct {
		ID    UID    `json:"id"`
		Event string `json:"event"`
		Scope string `json:"scope"`
		Data  any    `json:"data"`
	}

	// A PayloadBuilder returns the current representation of a resource.
	PayloadBuilder func(id int64) (any, error)

	// A Store stores and retrieves Webhooks.
	Store interface {
		RegisterWebhook(url, secret string, scopes []string) (int64, error)
		UpdateWebhook(id int64, url string, scopes []string) error
		RemoveWebhook(id int64) error
		Webhooks() ([]Webhook, error)
	}

	deliveryKey struct {
		topic string
		id    int64
	}

	// A Manager manages Webhook subscribers and broadcasts events
	Manager struct {
		store   Store
		log     *zap.Logger
		tg      *threadgroup.ThreadGroup
		client  *http.Client
		limiter *rate.Limiter
		timeout time.Duration

		// delivered holds the digest of the last payload delivered for a
		// topic and resource. Identical consecutive payloads are dropped.
		delivered *lru.TwoQueueCache[deliveryKey, [32]byte]

		mu         sync.Mutex
		hooks      map[int64]Webhook
		scopes     *scope
		builders   map[string]PayloadBuilder
		suppressed int
	}
)

var _ WebhookBroadcaster = (*Manager)(nil)

// String implements fmt.Stringer.
func (uid UID) String() string {
	return hex.EncodeToString(uid[:])
}

// MarshalText implements encoding.TextMarshaler.
func (uid UID) MarshalText() ([]byte, error) {
	return []byte(uid.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (uid *UID) UnmarshalText(b []byte) error {
	if len(b) != hex.EncodedLen(len(uid)) {
		return fmt.Errorf("invalid event id length %d", len(b))
	}
	_, err := hex.Decode(uid[:], b)
	return err
}

// Close closes the Manager.
func (m *Manager) Close() error {
	// deliveries are bounded by the delivery timeout
	ctx, cancel := context.WithTimeout(context.Background(), 2*m.timeout)
	defer cancel()
	return m.tg.StopContext(ctx)
}

func (m *Manager) findMatchingHooks(s string) (hooks []Webhook) {
	// recursively match hooks
	var match func(scopeParts []string, parent *scope)
	match = func(scopeParts []string, parent *scope) {
		for id := range parent.hooks {
			hook, ok := m.hooks[id]
			if !ok {
				panic("hook not found") // developer error
			}
			hooks = append(hooks, hook)
		}
		if len(scopeParts) == 0 {
			return
		}
		child, ok := parent.children[scopeParts[0]]
		if !ok {
			return
		}
		match(scopeParts[1:], child)
	}

	match(strings.Split(s, "/"), m.scopes)
	return
}

func (m *Manager) addHookScopes(id int64, scopes []string) {
	for _, s := range scopes {
		if s == ScopeAll { // special case to register for all current and future scopes
			m.scopes.hooks[id] = true
			continue
		}

		parts := strings.Split(TopicScope(s), "/")
		parent := m.scopes
		for _, part := range parts {
			child, ok := parent.children[part]
			if !ok {
				child = &scope{children: make(map[string]*scope), hooks: make(map[int64]bool)}
				parent.children[part] = child
			}
			parent = child
		}
		parent.hooks[id] = true
	}
}

func (m *Manager) removeHookScopes(id int64) {
	var remove func(parent *scope)
	remove = func(parent *scope) {
		for _, child := range parent.children {
			remove(child)
		}
		delete(parent.hooks, id)
	}

	remove(m.scopes)
}

func validateWebhook(callbackURL string, scopes []string) error {
	u, err := url.Parse(callbackURL)
	if err != nil {
		return fmt.Errorf("invalid callback URL: %w", err)
	} else if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid callback URL scheme %q", u.Scheme)
	} else if len(scopes) == 0 {
		return errors.New("at least one scope is required")
	}
	for _, s := range scopes {
		if strings.TrimSpace(s) == "" || strings.Contains(s, ",") {
			return fmt.Errorf("invalid scope %q", s)
		}
	}
	return nil
}

// Webhooks returns all registered Webhooks.
func (m *Manager) Webhooks() (hooks []Webhook, _ error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, hook := range m.hooks {
		hooks = append(hooks, hook)
	}
	sort.Slice(hooks, func(i, j int) bool { return hooks[i].ID < hooks[j].ID })
	return
}

// RegisterWebhook registers a new Webhook. Scopes may be broadcast scopes
// such as "alerts/warning" or topics such as "subscription.created".
func (m *Manager) RegisterWebhook(callbackURL string, scopes []string) (Webhook, error) {
	done, err := m.tg.Add()
	if err != nil {
		return Webhook{}, err
	}
	defer done()

	if err := validateWebhook(callbackURL, scopes); err != nil {
		return Webhook{}, err
	}

	secret := hex.EncodeToString(frand.Bytes(16))

	// register the hook in the database
	id, err := m.store.RegisterWebhook(callbackURL, secret, scopes)
	if err != nil {
		return Webhook{}, fmt.Errorf("failed to register Webhook: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	// add the hook to the in-memory map
	hook := Webhook{
		ID:          id,
		CallbackURL: callbackURL,
		SecretKey:   secret,
		Scopes:      scopes,
		DateCreated: time.Now(),
	}
	m.hooks[id] = hook
	// add the hook to the scope tree
	m.addHookScopes(id, scopes)
	return hook, nil
}

// RemoveWebhook removes a registered Webhook.
func (m *Manager) RemoveWebhook(id int64) error {
	done, err := m.tg.Add()
	if err != nil {
		return err
	}
	defer done()

	// remove the hook from the database
	if err := m.store.RemoveWebhook(id); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	// remove the hook from the in-memory map and the scope tree
	delete(m.hooks, id)
	m.removeHookScopes(id)
	return nil
}

// UpdateWebhook updates the URL and scopes of a registered Webhook.
func (m *Manager) UpdateWebhook(id int64, callbackURL string, scopes []string) (Webhook, error) {
	done, err := m.tg.Add()
	if err != nil {
		return Webhook{}, err
	}
	defer done()

	if err := validateWebhook(callbackURL, scopes); err != nil {
		return Webhook{}, err
	}

	// update the hook in the database
	err = m.store.UpdateWebhook(id, callbackURL, scopes)
	if err != nil {
		return Webhook{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	// update the hook in the in-memory map
	hook, ok := m.hooks[id]
	if !ok {
		panic("UpdateWebhook called on nonexistent Webhook") // developer error
	}
	hook.CallbackURL = callbackURL
	hook.Scopes = scopes
	m.hooks[id] = hook
	// remove the hook from the scope tree
	m.removeHookScopes(id)
	// readd the new scopes to the scope tree
	m.addHookScopes(id, scopes)
	return hook, nil
}

func (m *Manager) sendEventData(ctx context.Context, hook Webhook, buf []byte) error {
	if err := m.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("failed to wait for delivery limit: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", hook.CallbackURL, bytes.NewReader(buf))
	if err != nil {
		return fmt.Errorf("failed to create Webhook request: %w", err)
	}

	// set the secret key and content type
	req.SetBasicAuth("", hook.SecretKey)
	req.Header.Set("Content-Type", "application/json")

	// send the request
	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("unexpected response status code: %d", resp.StatusCode)
	}
	return nil
}

func encodeEvent(event, scope string, data any) ([]byte, error) {
	e := Event{
		ID:    UID(frand.Entropy256()),
		Event: event,
		Scope: scope,
		Data:  data,
	}

	buf, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event: %w", err)
	}
	return buf, nil
}

// BroadcastToWebhook sends an event to a specific Webhook subscriber.
func (m *Manager) BroadcastToWebhook(hookID int64, event string, scope string, data any) error {
	ctx, cancel, err := m.tg.AddContext(context.Background())
	if err != nil {
		return err
	}
	defer cancel()

	buf, err := encodeEvent(event, scope, data)
	if err != nil {
		return err
	}

	m.mu.Lock()
	hook, ok := m.hooks[hookID]
	m.mu.Unlock()
	if !ok {
		return ErrWebhookNotFound
	}

	ctx, timeoutCancel := context.WithTimeout(ctx, m.timeout)
	defer timeoutCancel()

	log := m.log.With(zap.Int64("hook", hook.ID), zap.String("url", hook.CallbackURL), zap.String("scope", scope), zap.String("event", event))

	start := time.Now()
	if err := m.sendEventData(ctx, hook, buf); err != nil {
		return fmt.Errorf("failed to send Webhook event: %w", err)
	}
	log.Debug("sent Webhook event", zap.Duration("elapsed", time.Since(start)))
	return nil
}

// BroadcastEvent sends an event to all registered Webhooks that match the
// event's scope. Delivery is asynchronous.
func (m *Manager) BroadcastEvent(event string, scope string, data any) error {
	done, err := m.tg.Add()
	if err != nil {
		return err
	}
	defer done()

	buf, err := encodeEvent(event, scope, data)
	if err != nil {
		return err
	}

	m.mu.Lock()
	// find matching hooks
	hooks := m.findMatchingHooks(scope)
	m.mu.Unlock()

	for _, hook := range hooks {
		hook := hook
		err := m.tg.Go(context.Background(), func(ctx context.Context) {
			ctx, cancel := context.WithTimeout(ctx, m.timeout)
			defer cancel()

			log := m.log.With(zap.Int64("hook", hook.ID), zap.String("url", hook.CallbackURL), zap.String("scope", scope), zap.String("event", event))

			start := time.Now()
			if err := m.sendEventData(ctx, hook, buf); err != nil {
				log.Error("failed to send Webhook event", zap.Error(err))
				return
			}
			log.Debug("sent Webhook event", zap.Duration("elapsed", time.Since(start)))
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// RegisterPayloadBuilder sets the payload builder of a resource kind.
func (m *Manager) RegisterPayloadBuilder(resource string, fn PayloadBuilder) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.builders[resource] = fn
}

// Suppress stops delivering triggered events until the returned function is
// called. Calls may be nested.
func (m *Manager) Suppress() (resume func()) {
	m.mu.Lock()
	m.suppressed++
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			m.suppressed--
			m.mu.Unlock()
		})
	}
}

// Suppressed returns true if triggered events are currently dropped.
func (m *Manager) Suppressed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.suppressed > 0
}

// Trigger delivers an internal event to the webhooks of every topic bound to
// it. The payload is built before Trigger returns.
func (m *Manager) Trigger(event string, resourceID int64) {
	log := m.log.With(zap.String("event", event), zap.Int64("resource", resourceID))
	if m.Suppressed() {
		log.Debug("dropped suppressed event")
		return
	}

	for _, bt := range topicsForEvent(event) {
		log := log.With(zap.String("topic", bt.topic))

		data, err := m.buildPayload(bt, resourceID)
		if err != nil {
			log.Error("failed to build payload", zap.Error(err))
			continue
		}

		buf, err := json.Marshal(data)
		if err != nil {
			log.Error("failed to encode payload", zap.Error(err))
			continue
		}
		key, digest := deliveryKey{topic: bt.topic, id: resourceID}, sha256.Sum256(buf)
		if last, ok := m.delivered.Get(key); ok && last == digest {
			log.Debug("skipped duplicate payload")
			continue
		}
		m.delivered.Add(key, digest)

		if err := m.BroadcastEvent(bt.topic, TopicScope(bt.topic), data); err != nil {
			log.Error("failed to broadcast event", zap.Error(err))
		}
	}
}

func (m *Manager) buildPayload(bt boundTopic, id int64) (any, error) {
	// deleted resources only carry their id
	if bt.event == "deleted" {
		return map[string]int64{"id": id}, nil
	}

	m.mu.Lock()
	fn, ok := m.builders[bt.resource]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no payload builder for resource %q", bt.resource)
	}
	return fn(id)
}

// SubscriptionCreated triggers the created topic for a subscription created
// outside the API.
func (m *Manager) SubscriptionCreated(id int64) {
	m.Trigger(subscriptions.EventCreated, id)
}

// SubscriptionUpdated triggers the updated topic for a subscription changed
// outside the API.
func (m *Manager) SubscriptionUpdated(id int64) {
	m.Trigger(subscriptions.EventUpdated, id)
}

// NewManager creates a new Webhook Manager
func NewManager(store Store, log *zap.Logger, opts ...Option) (*Manager, error) {
	m := &Manager{
		store:   store,
		log:     log,
		tg:      threadgroup.New(),
		client:  http.DefaultClient,
		limiter: rate.NewLimiter(rate.Limit(defaultDeliveryRate), defaultDeliveryBurst),
		timeout: defaultDeliveryTimeout,

		hooks:    make(map[int64]Webhook),
		scopes:   &scope{children: make(map[string]*scope), hooks: make(map[int64]bool)},
		builders: make(map[string]PayloadBuilder),
	}
	for _, opt := range opts {
		opt(m)
	}

	delivered, err := lru.New2Q[deliveryKey, [32]byte](defaultDeliveryCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create delivery cache: %w", err)
	}
	m.delivered = delivered

	hooks, err := store.Webhooks()
	if err != nil {
		return nil, fmt.Errorf("failed to load Webhooks: %w", err)
	}
	for _, hook := range hooks {
		m.hooks[hook.ID] = hook
		m.addHookScopes(hook.ID, hook.Scopes)
	}
	return m, nil
}
