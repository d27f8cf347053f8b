// Copyright 2025 James Ross
package ingestion

import (
	"context"
	"fmt"
	"time"

	"github.com/flyingrobots/eventrelay/internal/durablestore"
	"github.com/flyingrobots/eventrelay/internal/ids"
	"github.com/flyingrobots/eventrelay/internal/matcher"
	"github.com/flyingrobots/eventrelay/internal/model"
)

// Replay re-admits a past event to a subset of subscriptions without
// re-ingesting it. When subscriptionIDs is
// empty, every currently active subscription that still accepts the
// event is targeted — mirroring the event processor's normal fan-out
// but skipping event creation and the idempotency path
// entirely, since the event already exists.
func (s *Service) Replay(ctx context.Context, eventID string, subscriptionIDs []string) ([]*model.Delivery, error) {
	event, err := s.durable.GetEvent(ctx, eventID)
	if err != nil {
		return nil, fmt.Errorf("replay: load event: %w", err)
	}

	var targets []*model.Subscription
	if len(subscriptionIDs) == 0 {
		all, err := s.durable.GetActiveSubscriptions(ctx)
		if err != nil {
			return nil, fmt.Errorf("replay: load active subscriptions: %w", err)
		}
		targets = matcher.Match(all, event)
	} else {
		for _, id := range subscriptionIDs {
			sub, err := s.durable.GetSubscription(ctx, id)
			if err != nil {
				continue
			}
			targets = append(targets, sub)
		}
	}

	if len(targets) == 0 {
		return nil, nil
	}

	now := time.Now()
	deliveries := make([]*model.Delivery, 0, len(targets))
	for _, sub := range targets {
		deliveries = append(deliveries, &model.Delivery{
			ID:             ids.New(ids.PrefixDelivery),
			EventID:        event.ID,
			SubscriptionID: sub.ID,
			Status:         model.DeliveryPending,
			MaxAttempts:    sub.Retry.MaxRetries + 1,
			ScheduledAt:    now,
		})
	}

	if err := s.durable.CreateDeliveriesForEvent(ctx, deliveries); err != nil {
		return nil, fmt.Errorf("replay: create deliveries: %w", err)
	}

	attempts := event.DeliveryAttempts + len(deliveries)
	if err := s.durable.UpdateEventStatus(ctx, event.ID, model.EventProcessing, durablestore.EventUpdateOpts{
		DeliveryAttempts: &attempts,
	}); err != nil {
		return nil, fmt.Errorf("replay: update event: %w", err)
	}

	return deliveries, nil
}
