package webhooks

import (
	"sort"
	"strings"

	"github.com/shoplift/subsd/subscriptions"
)

// ResourceSubscription is the webhook resource kind for subscriptions.
const ResourceSubscription = "subscription"

// topicHooks binds each webhook topic to the internal events that trigger
// it, keyed by resource kind.
var topicHooks = map[string]map[string][]string{
	ResourceSubscription: {
		"subscription.created": {
			subscriptions.EventAPICreated,
			subscriptions.EventCreated,
			subscriptions.EventAdminSaved,
		},
		"subscription.updated": {
			subscriptions.EventAPIUpdated,
			subscriptions.EventStatusChanged,
			subscriptions.EventUpdated,
			subscriptions.EventDatesUpdated,
			subscriptions.EventAdminSaved,
		},
		"subscription.deleted": {
			subscriptions.EventTrashed,
			subscriptions.EventDeleted,
			subscriptions.EventAPIDeleted,
		},
	},
}

// adminTopics are the topics offered when configuring a webhook.
// subscription.switched is listed for compatibility but has no bound events.
var adminTopics = map[string]string{
	"subscription.created":  "Subscription created",
	"subscription.updated":  "Subscription updated",
	"subscription.deleted":  "Subscription deleted",
	"subscription.switched": "Subscription switched",
}

type boundTopic struct {
	topic    string
	resource string
	event    string
}

// ValidResources returns the resource kinds webhooks can be bound to.
func ValidResources() []string {
	resources := make([]string, 0, len(topicHooks))
	for resource := range topicHooks {
		resources = append(resources, resource)
	}
	sort.Strings(resources)
	return resources
}

// TopicHooks returns the topics of a resource kind and the internal events
// bound to each. It returns nil for an unknown resource.
func TopicHooks(resource string) map[string][]string {
	topics, ok := topicHooks[resource]
	if !ok {
		return nil
	}
	hooks := make(map[string][]string, len(topics))
	for topic, events := range topics {
		hooks[topic] = append([]string(nil), events...)
	}
	return hooks
}

// Topics returns every topic with bound events, sorted.
func Topics() (topics []string) {
	for _, hooks := range topicHooks {
		for topic := range hooks {
			topics = append(topics, topic)
		}
	}
	sort.Strings(topics)
	return
}

// AdminTopics returns the topics offered when configuring a webhook and
// their labels.
func AdminTopics() map[string]string {
	labels := make(map[string]string, len(adminTopics))
	for topic, label := range adminTopics {
		labels[topic] = label
	}
	return labels
}

// ParseTopic splits a topic into its resource kind and event.
func ParseTopic(topic string) (resource, event string, ok bool) {
	resource, event, ok = strings.Cut(topic, ".")
	if !ok || resource == "" || event == "" {
		return "", "", false
	}
	return resource, event, true
}

// TopicScope returns the scope events of a topic are broadcast on.
func TopicScope(topic string) string {
	return strings.ReplaceAll(topic, ".", "/")
}

// topicsForEvent returns the topics bound to an internal event, sorted.
func topicsForEvent(event string) (bound []boundTopic) {
	for resource, hooks := range topicHooks {
		for topic, events := range hooks {
			for _, e := range events {
				if e != event {
					continue
				}
				_, name, _ := ParseTopic(topic)
				bound = append(bound, boundTopic{topic: topic, resource: resource, event: name})
				break
			}
		}
	}
	sort.Slice(bound, func(i, j int) bool { return bound[i].topic < bound[j].topic })
	return
}
