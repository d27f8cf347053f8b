// Copyright 2025 James Ross
// Dead-letter queue inspection and remediation endpoints.
package api

import (
	"errors"
	"net/http"

	"github.com/flyingrobots/eventrelay/internal/dlq"
	"github.com/flyingrobots/eventrelay/internal/model"
)

func requireDLQScope(w http.ResponseWriter, r *http.Request) bool {
	identity := IdentityFromContext(r.Context())
	if identity == nil || !identity.HasScope(model.ScopeDLQ) {
		WriteProblem(w, r, ErrInsufficientPerm, "requires scope \"dlq\"")
		return false
	}
	return true
}

func (h *handlers) handleDLQList(w http.ResponseWriter, r *http.Request) {
	if !requireDLQScope(w, r) {
		return
	}
	q := r.URL.Query()
	limit := queryInt(r, "limit", 100)
	offset := queryInt(r, "offset", 0)
	entries, total, err := h.deps.DLQ.List(r.Context(), limit, offset, q.Get("event_type"), q.Get("source"))
	if err != nil {
		WriteProblem(w, r, ErrQueueOp, "failed to list dead-letter entries")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"entries": entries, "total": total})
}

func (h *handlers) handleDLQGet(w http.ResponseWriter, r *http.Request) {
	if !requireDLQScope(w, r) {
		return
	}
	entry, err := h.deps.DLQ.Get(r.Context(), pathVar(r, "id"))
	if err != nil {
		if errors.Is(err, dlq.ErrNotFound) {
			WriteProblem(w, r, ErrNotFound, "dead-letter entry not found")
			return
		}
		WriteProblem(w, r, ErrQueueOp, "failed to load dead-letter entry")
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (h *handlers) handleDLQRetry(w http.ResponseWriter, r *http.Request) {
	if !requireDLQScope(w, r) {
		return
	}
	if err := h.deps.DLQ.Retry(r.Context(), pathVar(r, "id")); err != nil {
		if errors.Is(err, dlq.ErrNotFound) {
			WriteProblem(w, r, ErrNotFound, "dead-letter entry not found")
			return
		}
		WriteProblem(w, r, ErrQueueOp, "failed to retry dead-letter entry")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) handleDLQDismiss(w http.ResponseWriter, r *http.Request) {
	if !requireDLQScope(w, r) {
		return
	}
	if err := h.deps.DLQ.Dismiss(r.Context(), pathVar(r, "id")); err != nil {
		if errors.Is(err, dlq.ErrNotFound) {
			WriteProblem(w, r, ErrNotFound, "dead-letter entry not found")
			return
		}
		WriteProblem(w, r, ErrQueueOp, "failed to dismiss dead-letter entry")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type dlqBatchRequest struct {
	EventIDs []string `json:"event_ids"`
}

func (h *handlers) handleDLQRetryBatch(w http.ResponseWriter, r *http.Request) {
	if !requireDLQScope(w, r) {
		return
	}
	var req dlqBatchRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteProblem(w, r, ErrValidation, "malformed JSON body")
		return
	}
	results := h.deps.DLQ.RetryBatch(r.Context(), req.EventIDs)
	writeJSON(w, http.StatusOK, map[string]interface{}{"results": errorMapToStrings(results)})
}

func (h *handlers) handleDLQDismissBatch(w http.ResponseWriter, r *http.Request) {
	if !requireDLQScope(w, r) {
		return
	}
	var req dlqBatchRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteProblem(w, r, ErrValidation, "malformed JSON body")
		return
	}
	results := h.deps.DLQ.DismissBatch(r.Context(), req.EventIDs)
	writeJSON(w, http.StatusOK, map[string]interface{}{"results": errorMapToStrings(results)})
}

func errorMapToStrings(in map[string]error) map[string]string {
	out := make(map[string]string, len(in))
	for id, err := range in {
		if err == nil {
			out[id] = "ok"
			continue
		}
		out[id] = err.Error()
	}
	return out
}

func (h *handlers) handleDLQPurge(w http.ResponseWriter, r *http.Request) {
	identity := IdentityFromContext(r.Context())
	if identity == nil || !identity.HasScope(model.ScopeAdmin) {
		WriteProblem(w, r, ErrInsufficientPerm, "requires scope \"admin\"")
		return
	}
	if err := h.deps.DLQ.Purge(r.Context()); err != nil {
		WriteProblem(w, r, ErrQueueOp, "failed to purge dead-letter queue")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) handleDLQStats(w http.ResponseWriter, r *http.Request) {
	if !requireDLQScope(w, r) {
		return
	}
	stats, err := h.deps.DLQ.Stats(r.Context())
	if err != nil {
		WriteProblem(w, r, ErrQueueOp, "failed to load dead-letter stats")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
