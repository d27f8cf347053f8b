// Copyright 2025 James Ross
// Event ingestion, lookup, listing, and replay endpoints: decode,
// validate, delegate to the service layer, translate service errors to
// Problem Details.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/flyingrobots/eventrelay/internal/durablestore"
	"github.com/flyingrobots/eventrelay/internal/ingestion"
	"github.com/flyingrobots/eventrelay/internal/model"
)

type eventView struct {
	ID                   string          `json:"id"`
	EventType            string          `json:"event_type"`
	Source               string          `json:"source"`
	Data                 json.RawMessage `json:"data"`
	Metadata             json.RawMessage `json:"metadata,omitempty"`
	Status               string          `json:"status"`
	IdempotencyKey       *string         `json:"idempotency_key,omitempty"`
	CreatedAt            time.Time       `json:"created_at"`
	ProcessedAt          *time.Time      `json:"processed_at,omitempty"`
	DeliveryAttempts     int             `json:"delivery_attempts"`
	SuccessfulDeliveries int             `json:"successful_deliveries"`
	FailedDeliveries     int             `json:"failed_deliveries"`
	LastError            *string         `json:"last_error,omitempty"`
}

func eventViewOf(e *model.Event) eventView {
	return eventView{
		ID: e.ID, EventType: e.EventType, Source: e.Source,
		Data: e.Data, Metadata: e.Metadata, Status: string(e.Status),
		IdempotencyKey: e.IdempotencyKey, CreatedAt: e.CreatedAt, ProcessedAt: e.ProcessedAt,
		DeliveryAttempts: e.DeliveryAttempts, SuccessfulDeliveries: e.SuccessfulDeliveries,
		FailedDeliveries: e.FailedDeliveries, LastError: e.LastError,
	}
}

type ingestEventRequest struct {
	EventType      string          `json:"event_type"`
	Source         string          `json:"source"`
	Data           json.RawMessage `json:"data"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
	IdempotencyKey *string         `json:"idempotency_key,omitempty"`
}

func (h *handlers) handleIngestEvent(w http.ResponseWriter, r *http.Request) {
	identity := IdentityFromContext(r.Context())
	if identity == nil || !identity.HasScope(model.ScopeEventsWrite) {
		WriteProblem(w, r, ErrInsufficientPerm, "requires scope \"events:write\"")
		return
	}

	var req ingestEventRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteProblem(w, r, ErrValidation, "malformed JSON body")
		return
	}

	event, err := h.deps.Ingestion.Admit(r.Context(), ingestion.Request{
		EventType: req.EventType, Source: req.Source, Data: req.Data, Metadata: req.Metadata,
		IdempotencyKey: req.IdempotencyKey, CredentialID: &identity.ID,
	})
	if err != nil {
		writeIngestError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, eventViewOf(event))
}

func writeIngestError(w http.ResponseWriter, r *http.Request, err error) {
	var valErr *ingestion.ErrValidation
	var conflictErr *ingestion.ErrIdempotencyConflict
	switch {
	case errors.As(err, &valErr):
		WriteProblem(w, r, ErrValidation, valErr.Reason)
	case errors.As(err, &conflictErr):
		WriteProblem(w, r, ErrConflict, conflictErr.Error(), FieldError{Field: "idempotency_key", Message: conflictErr.ExistingEventID})
	default:
		WriteProblem(w, r, ErrInternal, "failed to admit event")
	}
}

type batchItemRequest struct {
	ReferenceID    string          `json:"reference_id"`
	EventType      string          `json:"event_type"`
	Source         string          `json:"source"`
	Data           json.RawMessage `json:"data"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
	IdempotencyKey *string         `json:"idempotency_key,omitempty"`
}

type ingestBatchRequest struct {
	Events   []batchItemRequest `json:"events"`
	FailFast bool               `json:"fail_fast"`
}

func (h *handlers) handleIngestBatch(w http.ResponseWriter, r *http.Request) {
	identity := IdentityFromContext(r.Context())
	if identity == nil || !identity.HasScope(model.ScopeEventsWrite) {
		WriteProblem(w, r, ErrInsufficientPerm, "requires scope \"events:write\"")
		return
	}

	var req ingestBatchRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteProblem(w, r, ErrValidation, "malformed JSON body")
		return
	}
	if len(req.Events) > ingestion.MaxBatchItems {
		WriteProblem(w, r, ErrValidation, "batch exceeds maximum item count")
		return
	}

	items := make([]ingestion.BatchRequest, len(req.Events))
	for i, e := range req.Events {
		items[i] = ingestion.BatchRequest{
			ReferenceID: e.ReferenceID,
			Request: ingestion.Request{
				EventType: e.EventType, Source: e.Source, Data: e.Data, Metadata: e.Metadata,
				IdempotencyKey: e.IdempotencyKey, CredentialID: &identity.ID,
			},
		}
	}

	results := h.deps.Ingestion.AdmitBatch(r.Context(), items, req.FailFast)
	writeJSON(w, http.StatusOK, map[string]interface{}{"results": results})
}

func (h *handlers) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	identity := IdentityFromContext(r.Context())
	if identity == nil || !identity.HasScope(model.ScopeEventsRead) {
		WriteProblem(w, r, ErrInsufficientPerm, "requires scope \"events:read\"")
		return
	}
	id := pathVar(r, "id")
	event, err := h.deps.Ingestion.GetEvent(r.Context(), id)
	if err != nil {
		if errors.Is(err, durablestore.ErrNotFound) {
			WriteProblem(w, r, ErrNotFound, "event not found")
			return
		}
		WriteProblem(w, r, ErrDatabase, "failed to load event")
		return
	}
	writeJSON(w, http.StatusOK, eventViewOf(event))
}

func (h *handlers) handleListEvents(w http.ResponseWriter, r *http.Request) {
	identity := IdentityFromContext(r.Context())
	if identity == nil || !identity.HasScope(model.ScopeEventsRead) {
		WriteProblem(w, r, ErrInsufficientPerm, "requires scope \"events:read\"")
		return
	}
	cursor, err := queryCursor(r)
	if err != nil {
		WriteProblem(w, r, ErrValidation, "malformed cursor")
		return
	}
	q := r.URL.Query()
	filter := durablestore.EventFilter{
		Status:    model.EventStatus(q.Get("status")),
		EventType: q.Get("event_type"),
		Source:    q.Get("source"),
	}
	limit := queryInt(r, "limit", 100)

	events, next, err := h.deps.Ingestion.ListEvents(r.Context(), filter, limit, cursor)
	if err != nil {
		WriteProblem(w, r, ErrDatabase, "failed to list events")
		return
	}
	views := make([]eventView, len(events))
	for i, e := range events {
		views[i] = eventViewOf(e)
	}
	resp := map[string]interface{}{"events": views}
	if next != nil {
		resp["next_cursor"] = durablestore.EncodeCursor(*next)
	}
	writeJSON(w, http.StatusOK, resp)
}

type replayRequest struct {
	SubscriptionIDs []string `json:"subscription_ids,omitempty"`
}

func (h *handlers) handleReplayEvent(w http.ResponseWriter, r *http.Request) {
	identity := IdentityFromContext(r.Context())
	if identity == nil || !identity.HasScope(model.ScopeEventsWrite) {
		WriteProblem(w, r, ErrInsufficientPerm, "requires scope \"events:write\"")
		return
	}
	id := pathVar(r, "id")
	var req replayRequest
	if r.ContentLength > 0 {
		if err := decodeJSON(r, &req); err != nil {
			WriteProblem(w, r, ErrValidation, "malformed JSON body")
			return
		}
	}

	deliveries, err := h.deps.Ingestion.Replay(r.Context(), id, req.SubscriptionIDs)
	if err != nil {
		if errors.Is(err, durablestore.ErrNotFound) {
			WriteProblem(w, r, ErrNotFound, "event not found")
			return
		}
		WriteProblem(w, r, ErrInternal, "failed to replay event")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"deliveries_created": len(deliveries)})
}
