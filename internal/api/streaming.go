// Copyright 2025 James Ross
// SSE streaming endpoint: flush after every frame, rely on the
// request context's cancellation for disconnect detection.
package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/flyingrobots/eventrelay/internal/model"
	"github.com/flyingrobots/eventrelay/internal/streaming"
)

func (h *handlers) handleStream(w http.ResponseWriter, r *http.Request) {
	identity := IdentityFromContext(r.Context())
	if identity == nil || !identity.HasScope(model.ScopeEventsRead) {
		WriteProblem(w, r, ErrInsufficientPerm, "requires scope \"events:read\"")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		WriteProblem(w, r, ErrInternal, "streaming unsupported by this connection")
		return
	}

	q := r.URL.Query()
	filter := streaming.Filter{SubscriptionID: q.Get("subscription_id")}
	if types := q.Get("event_types"); types != "" {
		filter.EventTypes = strings.Split(types, ",")
	}
	if sources := q.Get("sources"); sources != "" {
		filter.Sources = strings.Split(sources, ",")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	send := func(msg streaming.Message) error {
		payload, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", msg.Type, payload); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	_ = h.deps.Streaming.Stream(r.Context(), filter, send)
}
