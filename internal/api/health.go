// Copyright 2025 James Ross
// Health and metrics-summary endpoints. /health is
// unauthenticated so orchestrators and load balancers can probe it
// without provisioning an API key.
package api

import (
	"net/http"

	"github.com/flyingrobots/eventrelay/internal/health"
)

func (h *handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := h.deps.Health.Check(r.Context())
	status := http.StatusOK
	switch report.Status {
	case health.StatusDegraded:
		status = http.StatusOK
	case health.StatusUnhealthy:
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}

func (h *handlers) handleMetricsSummary(w http.ResponseWriter, r *http.Request) {
	identity := IdentityFromContext(r.Context())
	if identity == nil {
		WriteProblem(w, r, ErrInvalidAPIKey, "missing Authorization or X-API-Key header")
		return
	}
	report := h.deps.Health.Check(r.Context())
	summary := map[string]interface{}{
		"queue_depth":    report.QueueDepth,
		"dlq_depth":      report.DLQDepth,
		"uptime_seconds": int64(report.Uptime.Seconds()),
	}
	if report.Metrics != nil {
		summary["events_by_status"] = report.Metrics.EventsByStatus
		summary["deliveries_by_status"] = report.Metrics.DeliveriesByStatus
		summary["subscriptions_by_status"] = report.Metrics.SubscriptionsByStatus
	}
	writeJSON(w, http.StatusOK, summary)
}
