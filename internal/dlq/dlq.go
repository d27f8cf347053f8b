// Copyright 2025 James Ross
// Package dlq implements inspect/retry/dismiss/purge over the
// dead-letter list in the fast store. Races on retry and
// dismiss rely on the fast store's atomic compare-and-delete
// (LREM of the exact serialized entry); the loser sees not-found,
// mirrored here as ErrNotFound.
package dlq

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/flyingrobots/eventrelay/internal/durablestore"
	"github.com/flyingrobots/eventrelay/internal/faststore"
	"github.com/flyingrobots/eventrelay/internal/model"
	"github.com/flyingrobots/eventrelay/internal/obs"
)

// ErrNotFound is returned when the requested entry is no longer
// present (already retried/dismissed, or a concurrent race lost).
var ErrNotFound = errors.New("dlq: not found")

// Service implements DLQ inspection and remediation.
type Service struct {
	durable *durablestore.Store
	fast    *faststore.Store
	log     *zap.Logger
}

func New(durable *durablestore.Store, fast *faststore.Store, log *zap.Logger) *Service {
	return &Service{durable: durable, fast: fast, log: log}
}

// Entry pairs a decoded DLQ item with its raw serialized bytes, needed
// for the atomic compare-and-delete on retry/dismiss.
type Entry struct {
	Item model.DLQEntry
	raw  []byte
}

func (s *Service) decodeAll(ctx context.Context) ([]Entry, error) {
	raws, err := s.fast.ListDLQ(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(raws))
	for _, raw := range raws {
		var item faststore.DLQQueueItem
		if err := json.Unmarshal(raw, &item); err != nil {
			if s.log != nil {
				s.log.Warn("skipping malformed dlq entry", obs.Err(err))
			}
			continue
		}
		out = append(out, Entry{
			Item: model.DLQEntry{
				EventID: item.EventID, EventType: item.EventType, Source: item.Source,
				CreatedAt: item.CreatedAt, EnqueuedAt: item.EnqueuedAt, DLQEnteredAt: item.DLQEnteredAt,
				FailureReason: item.FailureReason, RetryCount: item.RetryCount, RawMessage: raw,
			},
			raw: raw,
		})
	}
	return out, nil
}

// List returns a filtered, paginated slice plus the filtered total.
func (s *Service) List(ctx context.Context, limit, offset int, eventType, source string) ([]model.DLQEntry, int, error) {
	all, err := s.decodeAll(ctx)
	if err != nil {
		return nil, 0, err
	}
	filtered := make([]model.DLQEntry, 0, len(all))
	for _, e := range all {
		if eventType != "" && e.Item.EventType != eventType {
			continue
		}
		if source != "" && e.Item.Source != source {
			continue
		}
		filtered = append(filtered, e.Item)
	}
	total := len(filtered)
	if offset >= total {
		return []model.DLQEntry{}, total, nil
	}
	end := offset + limit
	if limit <= 0 || end > total {
		end = total
	}
	return filtered[offset:end], total, nil
}

// Get returns the first DLQ item matching eventID.
func (s *Service) Get(ctx context.Context, eventID string) (*model.DLQEntry, error) {
	all, err := s.decodeAll(ctx)
	if err != nil {
		return nil, err
	}
	for _, e := range all {
		if e.Item.EventID == eventID {
			item := e.Item
			return &item, nil
		}
	}
	return nil, ErrNotFound
}

func (s *Service) find(ctx context.Context, eventID string) (*Entry, error) {
	all, err := s.decodeAll(ctx)
	if err != nil {
		return nil, err
	}
	for i := range all {
		if all[i].Item.EventID == eventID {
			return &all[i], nil
		}
	}
	return nil, ErrNotFound
}

// Retry locates and removes one entry, then re-admits it onto
// queue:events as a plain queue item; the entry's retry_count is not
// incremented or carried onto the queue. Idempotent
// for the caller: a repeat call after success returns ErrNotFound.
func (s *Service) Retry(ctx context.Context, eventID string) error {
	entry, err := s.find(ctx, eventID)
	if err != nil {
		return err
	}
	removed, err := s.fast.RemoveDLQEntry(ctx, entry.raw)
	if err != nil {
		return err
	}
	if !removed {
		return ErrNotFound
	}

	now := time.Now()
	if err := s.fast.EnqueueEvent(ctx, faststore.EventQueueItem{
		EventID: entry.Item.EventID, EventType: entry.Item.EventType, Source: entry.Item.Source,
		CreatedAt: entry.Item.CreatedAt, EnqueuedAt: now,
	}); err != nil {
		return err
	}

	if _, err := s.durable.GetEvent(ctx, entry.Item.EventID); err == nil {
		if err := s.durable.UpdateEventStatus(ctx, entry.Item.EventID, model.EventPending, durablestore.EventUpdateOpts{}); err != nil && s.log != nil {
			s.log.Warn("reset event to pending after dlq retry failed", obs.Err(err), obs.String("event_id", entry.Item.EventID))
		}
	}
	return nil
}

// RetryBatch retries each id independently, collecting per-id errors.
func (s *Service) RetryBatch(ctx context.Context, eventIDs []string) map[string]error {
	results := make(map[string]error, len(eventIDs))
	for _, id := range eventIDs {
		results[id] = s.Retry(ctx, id)
	}
	return results
}

// Dismiss removes an entry without re-queueing and marks the event
// failed.
func (s *Service) Dismiss(ctx context.Context, eventID string) error {
	entry, err := s.find(ctx, eventID)
	if err != nil {
		return err
	}
	removed, err := s.fast.RemoveDLQEntry(ctx, entry.raw)
	if err != nil {
		return err
	}
	if !removed {
		return ErrNotFound
	}

	now := time.Now()
	reason := entry.Item.FailureReason
	if err := s.durable.UpdateEventStatus(ctx, entry.Item.EventID, model.EventFailed, durablestore.EventUpdateOpts{
		ProcessedAt: &now,
		LastError:   &reason,
	}); err != nil && s.log != nil {
		s.log.Warn("mark event failed after dlq dismiss failed", obs.Err(err), obs.String("event_id", entry.Item.EventID))
	}
	return nil
}

// DismissBatch dismisses each id independently.
func (s *Service) DismissBatch(ctx context.Context, eventIDs []string) map[string]error {
	results := make(map[string]error, len(eventIDs))
	for _, id := range eventIDs {
		results[id] = s.Dismiss(ctx, id)
	}
	return results
}

// Purge deletes the entire dead-letter list. Callers must gate this
// behind an explicit confirm flag at the HTTP layer.
func (s *Service) Purge(ctx context.Context) error {
	return s.fast.PurgeDLQ(ctx)
}

// StatsResult summarizes the DLQ.
type StatsResult struct {
	Total       int            `json:"total"`
	ByEventType map[string]int `json:"by_event_type"`
	BySource    map[string]int `json:"by_source"`
	Oldest      *time.Time     `json:"oldest,omitempty"`
	Newest      *time.Time     `json:"newest,omitempty"`
}

func (s *Service) Stats(ctx context.Context) (*StatsResult, error) {
	all, err := s.decodeAll(ctx)
	if err != nil {
		return nil, err
	}
	stats := &StatsResult{ByEventType: map[string]int{}, BySource: map[string]int{}}
	for _, e := range all {
		stats.Total++
		stats.ByEventType[e.Item.EventType]++
		stats.BySource[e.Item.Source]++
		if stats.Oldest == nil || e.Item.EnqueuedAt.Before(*stats.Oldest) {
			t := e.Item.EnqueuedAt
			stats.Oldest = &t
		}
		if stats.Newest == nil || e.Item.EnqueuedAt.After(*stats.Newest) {
			t := e.Item.EnqueuedAt
			stats.Newest = &t
		}
	}
	return stats, nil
}
