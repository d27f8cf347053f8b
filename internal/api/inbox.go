// Copyright 2025 James Ross
// Pull-mode inbox endpoints.
package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/flyingrobots/eventrelay/internal/inbox"
	"github.com/flyingrobots/eventrelay/internal/model"
)

func requireInboxScope(w http.ResponseWriter, r *http.Request) bool {
	identity := IdentityFromContext(r.Context())
	if identity == nil || !identity.HasScope(model.ScopeInbox) {
		WriteProblem(w, r, ErrInsufficientPerm, "requires scope \"inbox\"")
		return false
	}
	return true
}

type fetchedEventView struct {
	ID                string          `json:"id"`
	EventType         string          `json:"event_type"`
	Source            string          `json:"source"`
	Data              json.RawMessage `json:"data"`
	Metadata          json.RawMessage `json:"metadata,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	ReceiptHandle     string          `json:"receipt_handle"`
	VisibilityTimeout int             `json:"visibility_timeout_seconds"`
	DeliveryCount     int             `json:"delivery_count"`
}

func (h *handlers) handleInboxFetch(w http.ResponseWriter, r *http.Request) {
	if !requireInboxScope(w, r) {
		return
	}
	q := r.URL.Query()
	limit := queryInt(r, "limit", 10)
	var visibility time.Duration
	if secs, ok := queryDurationSeconds(r, "visibility_timeout"); ok {
		visibility = time.Duration(secs) * time.Second
	}
	var eventTypes, sources []string
	if v := q.Get("event_types"); v != "" {
		eventTypes = strings.Split(v, ",")
	}
	if v := q.Get("sources"); v != "" {
		sources = strings.Split(v, ",")
	}

	events, err := h.deps.Inbox.Fetch(r.Context(), limit, visibility, eventTypes, sources)
	if err != nil {
		if err == inbox.ErrInvalidVisibilityTimeout {
			WriteProblem(w, r, ErrValidation, "visibility_timeout out of allowed range")
			return
		}
		WriteProblem(w, r, ErrQueueOp, "failed to fetch inbox events")
		return
	}

	views := make([]fetchedEventView, len(events))
	for i, e := range events {
		views[i] = fetchedEventView{
			ID: e.ID, EventType: e.EventType, Source: e.Source, Data: e.Data, Metadata: e.Metadata,
			CreatedAt: e.CreatedAt, ReceiptHandle: e.ReceiptHandle,
			VisibilityTimeout: int(e.VisibilityTimeout.Seconds()), DeliveryCount: e.DeliveryCount,
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": views})
}

type ackRequest struct {
	ReceiptHandle string `json:"receipt_handle"`
}

func (h *handlers) handleInboxAck(w http.ResponseWriter, r *http.Request) {
	if !requireInboxScope(w, r) {
		return
	}
	var req ackRequest
	if err := decodeJSON(r, &req); err != nil || req.ReceiptHandle == "" {
		WriteProblem(w, r, ErrValidation, "receipt_handle is required")
		return
	}
	if err := h.deps.Inbox.Ack(r.Context(), req.ReceiptHandle); err != nil {
		WriteProblem(w, r, ErrNotFound, "receipt handle not found or expired")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type batchAckRequest struct {
	ReceiptHandles []string `json:"receipt_handles"`
}

func (h *handlers) handleInboxBatchAck(w http.ResponseWriter, r *http.Request) {
	if !requireInboxScope(w, r) {
		return
	}
	var req batchAckRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteProblem(w, r, ErrValidation, "malformed JSON body")
		return
	}
	results := h.deps.Inbox.BatchAck(r.Context(), req.ReceiptHandles)
	writeJSON(w, http.StatusOK, map[string]interface{}{"results": results})
}

type changeVisibilityRequest struct {
	ReceiptHandle     string `json:"receipt_handle"`
	VisibilityTimeout int    `json:"visibility_timeout_seconds"`
}

func (h *handlers) handleInboxChangeVisibility(w http.ResponseWriter, r *http.Request) {
	if !requireInboxScope(w, r) {
		return
	}
	var req changeVisibilityRequest
	if err := decodeJSON(r, &req); err != nil || req.ReceiptHandle == "" {
		WriteProblem(w, r, ErrValidation, "receipt_handle is required")
		return
	}
	deadline, err := h.deps.Inbox.ChangeVisibility(r.Context(), req.ReceiptHandle, time.Duration(req.VisibilityTimeout)*time.Second)
	if err != nil {
		WriteProblem(w, r, ErrNotFound, "receipt handle not found or expired")
		return
	}
	resp := map[string]interface{}{}
	if deadline != nil {
		resp["visibility_deadline"] = *deadline
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handlers) handleInboxStats(w http.ResponseWriter, r *http.Request) {
	if !requireInboxScope(w, r) {
		return
	}
	stats, err := h.deps.Inbox.Stats(r.Context())
	if err != nil {
		WriteProblem(w, r, ErrDatabase, "failed to load inbox stats")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
