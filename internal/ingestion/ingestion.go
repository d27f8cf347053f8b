// Copyright 2025 James Ross
// Package ingestion validates, dedupes, persists, and enqueues inbound
// events: validate, allocate an id, write, then best-effort enqueue
// and publish. A broadcast or queue failure never fails the admission;
// the event row is authoritative.
package ingestion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"go.uber.org/zap"

	"github.com/flyingrobots/eventrelay/internal/config"
	"github.com/flyingrobots/eventrelay/internal/durablestore"
	"github.com/flyingrobots/eventrelay/internal/faststore"
	"github.com/flyingrobots/eventrelay/internal/ids"
	"github.com/flyingrobots/eventrelay/internal/model"
	"github.com/flyingrobots/eventrelay/internal/obs"
)

// ErrIdempotencyConflict carries the id of the event that was admitted
// first for a repeated idempotency_key.
type ErrIdempotencyConflict struct {
	ExistingEventID string
}

func (e *ErrIdempotencyConflict) Error() string {
	return fmt.Sprintf("idempotency conflict: existing event %s", e.ExistingEventID)
}

// ErrValidation wraps a single validation failure reason.
type ErrValidation struct{ Reason string }

func (e *ErrValidation) Error() string { return e.Reason }

var eventTypePattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

const (
	maxEventTypeLen = 255
	maxSourceLen    = 255
)

// Request is a single admission request.
type Request struct {
	EventType      string
	Source         string
	Data           json.RawMessage
	Metadata       json.RawMessage
	IdempotencyKey *string
	CredentialID   *string
	MaxEventBytes  int64
}

// Service implements event admission.
type Service struct {
	durable *durablestore.Store
	fast    *faststore.Store
	cfg     config.Ingestion
	log     *zap.Logger
}

func New(durable *durablestore.Store, fast *faststore.Store, cfg config.Ingestion, log *zap.Logger) *Service {
	return &Service{durable: durable, fast: fast, cfg: cfg, log: log}
}

func validate(req Request, maxEventBytes int64) error {
	if req.EventType == "" || len(req.EventType) > maxEventTypeLen || !eventTypePattern.MatchString(req.EventType) {
		return &ErrValidation{Reason: "event_type must be 1..255 chars matching [A-Za-z0-9._-]+"}
	}
	if req.Source == "" || len(req.Source) > maxSourceLen {
		return &ErrValidation{Reason: "source must be 1..255 chars"}
	}
	if int64(len(req.Data)) > maxEventBytes {
		return &ErrValidation{Reason: "data exceeds maximum serialized size"}
	}
	return nil
}

// Admit runs the single-event admission pipeline.
func (s *Service) Admit(ctx context.Context, req Request) (*model.Event, error) {
	maxBytes := s.cfg.MaxEventBytes
	if req.MaxEventBytes > 0 {
		maxBytes = req.MaxEventBytes
	}
	if err := validate(req, maxBytes); err != nil {
		return nil, err
	}

	ctx, span := obs.StartIngestSpan(ctx, req.EventType, req.Source)
	defer span.End()

	if req.IdempotencyKey != nil {
		if existing, err := s.lookupIdempotency(ctx, *req.IdempotencyKey); err != nil {
			return nil, err
		} else if existing != "" {
			return nil, &ErrIdempotencyConflict{ExistingEventID: existing}
		}
	}

	now := time.Now()
	event := &model.Event{
		ID:             ids.New(ids.PrefixEvent),
		EventType:      req.EventType,
		Source:         req.Source,
		Data:           []byte(req.Data),
		Metadata:       []byte(req.Metadata),
		Status:         model.EventPending,
		IdempotencyKey: req.IdempotencyKey,
		CredentialID:   req.CredentialID,
		CreatedAt:      now,
	}

	if err := s.durable.CreateEvent(ctx, event); err != nil {
		if errors.Is(err, durablestore.ErrConflict) {
			existing, lookupErr := s.durable.GetEventByIdempotencyKey(ctx, *req.IdempotencyKey)
			if lookupErr == nil {
				return nil, &ErrIdempotencyConflict{ExistingEventID: existing.ID}
			}
		}
		return nil, fmt.Errorf("persist event: %w", err)
	}

	if req.IdempotencyKey != nil {
		if _, err := s.fast.SetIdempotency(ctx, *req.IdempotencyKey, event.ID, s.cfg.IdempotencyTTL); err != nil && s.log != nil {
			s.log.Warn("set idempotency mapping failed", obs.Err(err), obs.String("event_id", event.ID))
		}
	}

	// Best-effort enqueue + publish; the event row is authoritative
	// and the processor's catch-up scan recovers from either failing.
	if err := s.fast.EnqueueEvent(ctx, faststore.EventQueueItem{
		EventID: event.ID, EventType: event.EventType, Source: event.Source,
		CreatedAt: event.CreatedAt, EnqueuedAt: now,
	}); err != nil && s.log != nil {
		s.log.Warn("enqueue event failed", obs.Err(err), obs.String("event_id", event.ID))
	}

	if envelope, err := json.Marshal(envelopeOf(event)); err == nil {
		if err := s.fast.PublishEvent(ctx, envelope); err != nil && s.log != nil {
			s.log.Warn("publish event failed", obs.Err(err), obs.String("event_id", event.ID))
		}
	}

	obs.EventsIngested.Inc()
	return event, nil
}

func (s *Service) lookupIdempotency(ctx context.Context, key string) (string, error) {
	if id, err := s.fast.GetIdempotency(ctx, key); err == nil {
		obs.EventsDeduped.Inc()
		return id, nil
	} else if !errors.Is(err, faststore.ErrNotFound) && s.log != nil {
		s.log.Warn("fast-store idempotency lookup failed, falling back to durable store", obs.Err(err))
	}

	existing, err := s.durable.GetEventByIdempotencyKey(ctx, key)
	if err != nil {
		if errors.Is(err, durablestore.ErrNotFound) {
			return "", nil
		}
		return "", fmt.Errorf("idempotency lookup: %w", err)
	}
	obs.EventsDeduped.Inc()
	return existing.ID, nil
}

// envelope is the wire shape published on events:stream.
type envelope struct {
	ID        string          `json:"id"`
	EventType string          `json:"event_type"`
	Source    string          `json:"source"`
	Data      json.RawMessage `json:"data"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

func envelopeOf(e *model.Event) envelope {
	return envelope{
		ID: e.ID, EventType: e.EventType, Source: e.Source,
		Data: e.Data, Metadata: e.Metadata, CreatedAt: e.CreatedAt,
	}
}

// GetEvent fetches a single event by id.
func (s *Service) GetEvent(ctx context.Context, id string) (*model.Event, error) {
	return s.durable.GetEvent(ctx, id)
}

// ListEvents proxies to the durable store's cursor-paginated
// listing, clamping limit to the documented maximum.
func (s *Service) ListEvents(ctx context.Context, f durablestore.EventFilter, limit int, cursor *durablestore.Cursor) ([]*model.Event, *durablestore.Cursor, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	return s.durable.ListEvents(ctx, f, limit, cursor)
}
