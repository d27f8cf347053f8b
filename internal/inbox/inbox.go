// Copyright 2025 James Ross
// Package inbox implements the pull-mode consumer: fetch with
// visibility timeout, ack, batch ack, change-visibility, and stats.
// Visibility lives entirely in the fast store; the event row is never
// flipped to processing by fetch.
package inbox

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/flyingrobots/eventrelay/internal/config"
	"github.com/flyingrobots/eventrelay/internal/durablestore"
	"github.com/flyingrobots/eventrelay/internal/faststore"
	"github.com/flyingrobots/eventrelay/internal/ids"
	"github.com/flyingrobots/eventrelay/internal/model"
	"github.com/flyingrobots/eventrelay/internal/obs"
)

// Service implements the pull-mode inbox.
type Service struct {
	durable *durablestore.Store
	fast    *faststore.Store
	cfg     config.Inbox
	log     *zap.Logger
}

func New(durable *durablestore.Store, fast *faststore.Store, cfg config.Inbox, log *zap.Logger) *Service {
	return &Service{durable: durable, fast: fast, cfg: cfg, log: log}
}

// FetchedEvent is the shape returned by Fetch.
type FetchedEvent struct {
	ID                string
	EventType         string
	Source            string
	Data              []byte
	Metadata          []byte
	CreatedAt         time.Time
	ReceiptHandle     string
	VisibilityTimeout time.Duration
	DeliveryCount     int
}

// ErrInvalidVisibilityTimeout is returned when the requested timeout
// falls outside [MinVisibilityTimeout, MaxVisibilityTimeout].
var ErrInvalidVisibilityTimeout = fmt.Errorf("visibility_timeout out of range")

// Fetch reserves up to limit pending events matching the optional
// filters, oldest-first.
func (s *Service) Fetch(ctx context.Context, limit int, visibilityTimeout time.Duration, eventTypes, sources []string) ([]FetchedEvent, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	if visibilityTimeout <= 0 {
		visibilityTimeout = s.cfg.DefaultVisibilityTimeout
	}
	if visibilityTimeout < s.cfg.MinVisibilityTimeout || visibilityTimeout > s.cfg.MaxVisibilityTimeout {
		return nil, ErrInvalidVisibilityTimeout
	}

	candidates, err := s.durable.PendingEventsOlderThan(ctx, 0, limit*4)
	if err != nil {
		return nil, fmt.Errorf("scan pending events: %w", err)
	}

	out := make([]FetchedEvent, 0, limit)
	for _, e := range candidates {
		if len(out) >= limit {
			break
		}
		if !matchesFilter(e, eventTypes, sources) {
			continue
		}
		hidden, err := s.fast.IsEventHidden(ctx, e.ID)
		if err != nil {
			return nil, fmt.Errorf("check visibility: %w", err)
		}
		if hidden {
			continue
		}

		handle, err := ids.ReceiptHandle()
		if err != nil {
			return nil, fmt.Errorf("generate receipt handle: %w", err)
		}
		deadline := time.Now().Add(visibilityTimeout)
		if err := s.fast.PutReceipt(ctx, handle, faststore.ReceiptEntry{EventID: e.ID, Deadline: deadline}, visibilityTimeout+s.cfg.HandleGrace); err != nil {
			return nil, fmt.Errorf("store receipt: %w", err)
		}
		if err := s.fast.HideEvent(ctx, e.ID, handle, visibilityTimeout); err != nil {
			return nil, fmt.Errorf("hide event: %w", err)
		}

		attempts := e.DeliveryAttempts + 1
		if err := s.durable.UpdateEventStatus(ctx, e.ID, e.Status, durablestore.EventUpdateOpts{DeliveryAttempts: &attempts}); err != nil && s.log != nil {
			s.log.Warn("increment delivery_attempts failed", obs.Err(err), obs.String("event_id", e.ID))
		}

		out = append(out, FetchedEvent{
			ID: e.ID, EventType: e.EventType, Source: e.Source, Data: e.Data, Metadata: e.Metadata,
			CreatedAt: e.CreatedAt, ReceiptHandle: handle, VisibilityTimeout: visibilityTimeout,
			DeliveryCount: attempts,
		})
	}
	return out, nil
}

func matchesFilter(e *model.Event, eventTypes, sources []string) bool {
	if len(eventTypes) > 0 {
		matched := false
		for _, t := range eventTypes {
			if t == e.EventType {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if len(sources) > 0 {
		matched := false
		for _, s := range sources {
			if s == e.Source {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}

// AckResult is the per-handle outcome of a batch ack.
type AckResult struct {
	ReceiptHandle string `json:"receipt_handle"`
	Success       bool   `json:"success"`
	Error         string `json:"error,omitempty"`
}

// Ack validates handle and, if valid, marks the event delivered and
// deletes the mapping. A handle whose visibility deadline
// has already lapsed is rejected even though the record itself lives
// on for HandleGrace past the deadline —
// that grace window exists only so a late ack 404s cleanly instead of
// racing an already-reclaimed event.
func (s *Service) Ack(ctx context.Context, handle string) error {
	entry, err := s.fast.GetReceipt(ctx, handle)
	if err != nil {
		return fmt.Errorf("handle not found or expired")
	}
	now := time.Now()
	if now.After(entry.Deadline) {
		return fmt.Errorf("handle not found or expired")
	}
	event, err := s.durable.GetEvent(ctx, entry.EventID)
	if err != nil {
		return fmt.Errorf("load event: %w", err)
	}
	if err := s.durable.UpdateEventStatus(ctx, event.ID, model.EventDelivered, durablestore.EventUpdateOpts{
		ProcessedAt:    &now,
		IncrSuccessful: true,
	}); err != nil {
		return fmt.Errorf("update event: %w", err)
	}
	if err := s.fast.UnhideEvent(ctx, entry.EventID); err != nil && s.log != nil {
		s.log.Warn("unhide event failed", obs.Err(err), obs.String("event_id", entry.EventID))
	}
	return s.fast.DeleteReceipt(ctx, handle)
}

// BatchAck acks up to 100 handles independently, collapsing
// duplicates.
func (s *Service) BatchAck(ctx context.Context, handles []string) []AckResult {
	seen := map[string]bool{}
	results := make([]AckResult, 0, len(handles))
	for _, h := range handles {
		if seen[h] {
			continue
		}
		seen[h] = true
		if err := s.Ack(ctx, h); err != nil {
			results = append(results, AckResult{ReceiptHandle: h, Success: false, Error: err.Error()})
			continue
		}
		results = append(results, AckResult{ReceiptHandle: h, Success: true})
	}
	return results
}

// ChangeVisibility replaces the handle's deadline, or deletes it
// immediately when timeout is zero.
func (s *Service) ChangeVisibility(ctx context.Context, handle string, timeout time.Duration) (*time.Time, error) {
	entry, err := s.fast.GetReceipt(ctx, handle)
	if err != nil {
		return nil, fmt.Errorf("handle not found or expired")
	}
	if time.Now().After(entry.Deadline) {
		return nil, fmt.Errorf("handle not found or expired")
	}
	if timeout <= 0 {
		if err := s.fast.UnhideEvent(ctx, entry.EventID); err != nil && s.log != nil {
			s.log.Warn("unhide event failed", obs.Err(err), obs.String("event_id", entry.EventID))
		}
		return nil, s.fast.DeleteReceipt(ctx, handle)
	}
	deadline := time.Now().Add(timeout)
	if err := s.fast.PutReceipt(ctx, handle, faststore.ReceiptEntry{EventID: entry.EventID, Deadline: deadline}, timeout+s.cfg.HandleGrace); err != nil {
		return nil, fmt.Errorf("update receipt: %w", err)
	}
	if err := s.fast.HideEvent(ctx, entry.EventID, handle, timeout); err != nil {
		return nil, fmt.Errorf("update visibility: %w", err)
	}
	return &deadline, nil
}

// Stats summarizes pending-event counts for the inbox dashboard.
type Stats struct {
	CountsByStatus map[model.EventStatus]int `json:"counts_by_status"`
	OldestPending  *time.Time                `json:"oldest_pending,omitempty"`
	ByEventType    map[string]int            `json:"by_event_type"`
}

func (s *Service) Stats(ctx context.Context) (*Stats, error) {
	pending, err := s.durable.PendingEventsOlderThan(ctx, 0, 10000)
	if err != nil {
		return nil, fmt.Errorf("scan pending events: %w", err)
	}
	stats := &Stats{
		CountsByStatus: map[model.EventStatus]int{model.EventPending: len(pending)},
		ByEventType:    map[string]int{},
	}
	for _, e := range pending {
		stats.ByEventType[e.EventType]++
		if stats.OldestPending == nil || e.CreatedAt.Before(*stats.OldestPending) {
			t := e.CreatedAt
			stats.OldestPending = &t
		}
	}
	return stats, nil
}
