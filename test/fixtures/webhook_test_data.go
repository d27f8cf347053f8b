// Copyright 2025 James Ross
package fixtures

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/flyingrobots/eventrelay/internal/ids"
	"github.com/flyingrobots/eventrelay/internal/model"
)

// Event generators

// NewTestEvent returns a pending user.created event with a small JSON
// payload, ready to insert into a durable store.
func NewTestEvent() *model.Event {
	return &model.Event{
		ID:        ids.New(ids.PrefixEvent),
		EventType: "user.created",
		Source:    "auth-service",
		Data:      json.RawMessage(`{"user_id":"u_123","email":"test@example.com"}`),
		Metadata:  json.RawMessage(`{"request_id":"req_abc"}`),
		Status:    model.EventPending,
		CreatedAt: time.Now().UTC(),
	}
}

// NewTestEventOfType returns a pending event with the given type and
// source.
func NewTestEventOfType(eventType, source string) *model.Event {
	e := NewTestEvent()
	e.EventType = eventType
	e.Source = source
	return e
}

// Subscription generators

// NewTestSubscription returns an active, healthy subscription pointed
// at targetURL, matching user.created only.
func NewTestSubscription(targetURL string) *model.Subscription {
	now := time.Now().UTC()
	return &model.Subscription{
		ID:            ids.New(ids.PrefixSubscription),
		Name:          "Test Webhook",
		TargetURL:     targetURL,
		SigningSecret: "test_secret_key_123",
		EventTypes:    []string{"user.created"},
		Status:        model.SubscriptionActive,
		Retry: model.RetryPolicy{
			Strategy:             model.RetryExponential,
			MaxRetries:           2,
			RetryDelaySeconds:    1,
			RetryMaxDelaySeconds: 30,
		},
		TimeoutSeconds:   2,
		IsHealthy:        true,
		FailureThreshold: 10,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

// NewTestSubscriptionAllEvents returns a subscription with nil filters,
// so every event matches.
func NewTestSubscriptionAllEvents(targetURL string) *model.Subscription {
	s := NewTestSubscription(targetURL)
	s.Name = "Analytics Webhook"
	s.EventTypes = nil
	s.EventSources = nil
	return s
}

// NewTestSubscriptionWithFilters returns a subscription with a prefix
// pattern and a source filter.
func NewTestSubscriptionWithFilters(targetURL string) *model.Subscription {
	s := NewTestSubscription(targetURL)
	s.Name = "Billing Alerts"
	s.EventTypes = []string{"order.*", "invoice.paid"}
	s.EventSources = []string{"billing-service"}
	return s
}

// Retry policy generators

func NewTestExponentialRetryPolicy() model.RetryPolicy {
	return model.RetryPolicy{
		Strategy:             model.RetryExponential,
		MaxRetries:           5,
		RetryDelaySeconds:    1,
		RetryMaxDelaySeconds: 300,
	}
}

func NewTestLinearRetryPolicy() model.RetryPolicy {
	return model.RetryPolicy{
		Strategy:             model.RetryLinear,
		MaxRetries:           3,
		RetryDelaySeconds:    2,
		RetryMaxDelaySeconds: 30,
	}
}

func NewTestFixedRetryPolicy() model.RetryPolicy {
	return model.RetryPolicy{
		Strategy:             model.RetryFixed,
		MaxRetries:           5,
		RetryDelaySeconds:    5,
		RetryMaxDelaySeconds: 5,
	}
}

// Mock data generators

// GenerateEvents returns count pending events spread across a handful
// of types and sources, oldest last.
func GenerateEvents(count int) []*model.Event {
	types := []string{"user.created", "user.deleted", "order.paid", "order.refunded", "invoice.paid"}
	sources := []string{"auth-service", "billing-service", "batch-import"}

	events := make([]*model.Event, count)
	for i := 0; i < count; i++ {
		events[i] = &model.Event{
			ID:        ids.New(ids.PrefixEvent),
			EventType: types[i%len(types)],
			Source:    sources[i%len(sources)],
			Data:      json.RawMessage(fmt.Sprintf(`{"seq":%d}`, i)),
			Status:    model.EventPending,
			CreatedAt: time.Now().UTC().Add(-time.Duration(i) * time.Minute),
		}
	}
	return events
}

// GenerateSubscriptions returns count active subscriptions, each bound
// to one of a few event-type filters; every tenth one is disabled.
func GenerateSubscriptions(count int, targetURL string) []*model.Subscription {
	filters := [][]string{
		{"user.*"},
		{"order.paid", "order.refunded"},
		nil, // all events
	}

	subs := make([]*model.Subscription, count)
	for i := 0; i < count; i++ {
		s := NewTestSubscription(targetURL)
		s.Name = fmt.Sprintf("Test Webhook %d", i)
		s.SigningSecret = fmt.Sprintf("secret_%d", i)
		s.EventTypes = filters[i%len(filters)]
		if i%10 == 0 && i > 0 {
			s.Status = model.SubscriptionDisabled
			s.IsHealthy = false
		}
		subs[i] = s
	}
	return subs
}

// DLQ generators

// NewTestDLQEntry returns a dead-letter record for the given event.
func NewTestDLQEntry(e *model.Event, reason string, retryCount int) model.DLQEntry {
	now := time.Now().UTC()
	return model.DLQEntry{
		EventID:       e.ID,
		EventType:     e.EventType,
		Source:        e.Source,
		CreatedAt:     e.CreatedAt,
		EnqueuedAt:    e.CreatedAt,
		DLQEnteredAt:  now,
		FailureReason: reason,
		RetryCount:    retryCount,
	}
}
