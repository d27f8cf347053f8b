// Copyright 2025 James Ross
// Package processor dequeues pending events, asks the matcher for the
// subscriptions that accept each one, and writes one delivery row per
// match: a ticker-driven batch scan plus a cron-driven catch-up pass
// for events the fast-path queue missed.
package processor

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/flyingrobots/eventrelay/internal/config"
	"github.com/flyingrobots/eventrelay/internal/durablestore"
	"github.com/flyingrobots/eventrelay/internal/ids"
	"github.com/flyingrobots/eventrelay/internal/matcher"
	"github.com/flyingrobots/eventrelay/internal/model"
	"github.com/flyingrobots/eventrelay/internal/obs"
)

// Service runs the event processor poll loop.
type Service struct {
	durable *durablestore.Store
	cfg     config.Processor
	log     *zap.Logger

	cron   *cron.Cron
	stopCh chan struct{}
	doneCh chan struct{}
}

func New(durable *durablestore.Store, cfg config.Processor, log *zap.Logger) *Service {
	return &Service{durable: durable, cfg: cfg, log: log, stopCh: make(chan struct{}), doneCh: make(chan struct{})}
}

// Run starts the poll loop and the catch-up cron schedule, blocking
// until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	s.cron = cron.New()
	if _, err := s.cron.AddFunc(s.cfg.CatchUpCron, func() {
		if err := s.catchUp(ctx); err != nil && s.log != nil {
			s.log.Error("catch-up scan failed", obs.Err(err))
		}
	}); err != nil {
		return fmt.Errorf("schedule catch-up cron: %w", err)
	}
	s.cron.Start()
	defer s.cron.Stop()

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	defer close(s.doneCh)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.stopCh:
			return nil
		case <-ticker.C:
			if err := s.pollOnce(ctx); err != nil && s.log != nil {
				// Background workers log and keep going.
				s.log.Error("processor poll failed", obs.Err(err))
				time.Sleep(5 * time.Second)
			}
		}
	}
}

func (s *Service) Stop() {
	close(s.stopCh)
	<-s.doneCh
}

// pollOnce fetches up to batch_size pending events ordered by
// created_at ascending and processes each independently.
func (s *Service) pollOnce(ctx context.Context) error {
	events, err := s.durable.PendingEventsOlderThan(ctx, 0, s.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("scan pending events: %w", err)
	}
	for _, e := range events {
		s.processOne(ctx, e)
	}
	return nil
}

// catchUp recovers events whose enqueue/publish may have been dropped
// at admission time: events older than CatchUpStaleAge still sitting at status =
// pending are re-processed exactly like a normal poll pass.
func (s *Service) catchUp(ctx context.Context) error {
	events, err := s.durable.PendingEventsOlderThan(ctx, s.cfg.CatchUpStaleAge, s.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("catch-up scan: %w", err)
	}
	for _, e := range events {
		s.processOne(ctx, e)
	}
	return nil
}

func (s *Service) processOne(ctx context.Context, e *model.Event) {
	ctx, span := obs.StartMatchSpan(ctx, e.ID)
	defer span.End()

	candidates, err := s.durable.GetActiveSubscriptions(ctx)
	if err != nil {
		obs.RecordError(ctx, err)
		s.fail(ctx, e, fmt.Sprintf("load subscriptions: %v", err))
		return
	}

	matches := matcher.Match(candidates, e)
	now := time.Now()

	if len(matches) == 0 {
		if err := s.durable.UpdateEventStatus(ctx, e.ID, model.EventDelivered, durablestore.EventUpdateOpts{
			ProcessedAt: &now,
		}); err != nil && s.log != nil {
			s.log.Error("update event to delivered (no matches) failed", obs.Err(err), obs.String("event_id", e.ID))
		}
		return
	}

	deliveries := make([]*model.Delivery, 0, len(matches))
	for _, sub := range matches {
		deliveries = append(deliveries, &model.Delivery{
			ID:             ids.New(ids.PrefixDelivery),
			EventID:        e.ID,
			SubscriptionID: sub.ID,
			Status:         model.DeliveryPending,
			MaxAttempts:    sub.Retry.MaxRetries + 1,
			ScheduledAt:    now,
		})
	}

	if err := s.durable.CreateDeliveriesForEvent(ctx, deliveries); err != nil {
		s.fail(ctx, e, fmt.Sprintf("create deliveries: %v", err))
		return
	}

	attempts := len(matches)
	if err := s.durable.UpdateEventStatus(ctx, e.ID, model.EventProcessing, durablestore.EventUpdateOpts{
		DeliveryAttempts: &attempts,
	}); err != nil && s.log != nil {
		s.log.Error("update event to processing failed", obs.Err(err), obs.String("event_id", e.ID))
	}
}

// fail marks the event failed with last_error set; matcher/insert
// failures are not retried automatically.
func (s *Service) fail(ctx context.Context, e *model.Event, reason string) {
	now := time.Now()
	if err := s.durable.UpdateEventStatus(ctx, e.ID, model.EventFailed, durablestore.EventUpdateOpts{
		ProcessedAt: &now,
		LastError:   &reason,
	}); err != nil && s.log != nil {
		s.log.Error("mark event failed also failed", obs.Err(err), obs.String("event_id", e.ID))
	}
	if s.log != nil {
		s.log.Error("event processing failed", obs.String("event_id", e.ID), obs.String("reason", reason))
	}
}
