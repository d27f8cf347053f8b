// Copyright 2025 James Ross
// Package health aggregates component probes into one report: durable
// and fast store round-trip checks, queue/DLQ depth, and status
// counts, all folded into a single HealthReport.
package health

import (
	"context"
	"time"

	"github.com/flyingrobots/eventrelay/internal/durablestore"
	"github.com/flyingrobots/eventrelay/internal/faststore"
	"github.com/flyingrobots/eventrelay/internal/obs"
)

// Status is a component or aggregate health classification.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Thresholds for latency- and depth-based classification.
const (
	DurableHealthyLatency = 1 * time.Second
	FastHealthyLatency    = 100 * time.Millisecond
	QueueDepthDegraded    = 10000
	DLQDepthDegraded      = 1000
)

// ComponentCheck is one probe result.
type ComponentCheck struct {
	Name      string `json:"name"`
	Status    Status `json:"status"`
	LatencyMs int64  `json:"latency_ms"`
	Detail    string `json:"detail,omitempty"`
}

// Report is the combined health payload.
type Report struct {
	Status     Status           `json:"status"`
	Checks     []ComponentCheck `json:"checks"`
	Uptime     time.Duration    `json:"uptime_ns"`
	QueueDepth int64            `json:"queue_depth"`
	DLQDepth   int64            `json:"dlq_depth"`
	Metrics    *Metrics         `json:"metrics,omitempty"`
}

// Metrics are the aggregate counts included when the durable store is
// reachable.
type Metrics struct {
	EventsByStatus         map[string]int64 `json:"events_by_status"`
	DeliveriesByStatus     map[string]int64 `json:"deliveries_by_status"`
	SubscriptionsByStatus  map[string]int64 `json:"subscriptions_by_status"`
	SubscriptionsUnhealthy int64            `json:"subscriptions_unhealthy"`
}

// Service runs the component probes.
type Service struct {
	durable   *durablestore.Store
	fast      *faststore.Store
	startedAt time.Time
}

func New(durable *durablestore.Store, fast *faststore.Store) *Service {
	return &Service{durable: durable, fast: fast, startedAt: time.Now()}
}

func (s *Service) Check(ctx context.Context) Report {
	checks := []ComponentCheck{
		s.checkDurable(ctx),
		s.checkFast(ctx),
	}

	queueDepth, _ := s.fast.QueueLength(ctx, faststore.KeyEventsQueue)
	dlqDepth, _ := s.fast.QueueLength(ctx, faststore.KeyEventsDLQ)
	obs.QueueDepth.WithLabelValues(faststore.KeyEventsQueue).Set(float64(queueDepth))
	obs.DLQDepth.Set(float64(dlqDepth))

	checks = append(checks, depthCheck("queue_depth", queueDepth, QueueDepthDegraded))
	checks = append(checks, depthCheck("dlq_depth", dlqDepth, DLQDepthDegraded))

	overall := StatusHealthy
	for _, c := range checks {
		if c.Status == StatusUnhealthy {
			overall = StatusUnhealthy
			break
		}
		if c.Status == StatusDegraded {
			overall = StatusDegraded
		}
	}

	report := Report{
		Status:     overall,
		Checks:     checks,
		Uptime:     time.Since(s.startedAt),
		QueueDepth: queueDepth,
		DLQDepth:   dlqDepth,
	}
	report.Metrics = s.aggregate(ctx)
	return report
}

// aggregate gathers status-count metrics; nil when the durable store is
// unreachable so a degraded probe still answers.
func (s *Service) aggregate(ctx context.Context) *Metrics {
	events, err := s.durable.CountEventsByStatus(ctx)
	if err != nil {
		return nil
	}
	deliveries, err := s.durable.CountDeliveriesByStatus(ctx)
	if err != nil {
		return nil
	}
	subs, unhealthy, err := s.durable.CountSubscriptionsByStatus(ctx)
	if err != nil {
		return nil
	}
	for status, n := range events {
		obs.EventsByStatus.WithLabelValues(status).Set(float64(n))
	}
	for status, n := range deliveries {
		obs.DeliveriesByStatus.WithLabelValues(status).Set(float64(n))
	}
	return &Metrics{
		EventsByStatus:         events,
		DeliveriesByStatus:     deliveries,
		SubscriptionsByStatus:  subs,
		SubscriptionsUnhealthy: unhealthy,
	}
}

func (s *Service) checkDurable(ctx context.Context) ComponentCheck {
	start := time.Now()
	err := s.durable.Ping(ctx)
	latency := time.Since(start)
	if err != nil {
		return ComponentCheck{Name: "durable_store", Status: StatusUnhealthy, LatencyMs: latency.Milliseconds(), Detail: err.Error()}
	}
	status := StatusHealthy
	if latency > DurableHealthyLatency {
		status = StatusDegraded
	}
	return ComponentCheck{Name: "durable_store", Status: status, LatencyMs: latency.Milliseconds()}
}

func (s *Service) checkFast(ctx context.Context) ComponentCheck {
	start := time.Now()
	err := s.fast.Ping(ctx)
	latency := time.Since(start)
	if err != nil {
		return ComponentCheck{Name: "fast_store", Status: StatusUnhealthy, LatencyMs: latency.Milliseconds(), Detail: err.Error()}
	}
	status := StatusHealthy
	if latency > FastHealthyLatency {
		status = StatusDegraded
	}
	return ComponentCheck{Name: "fast_store", Status: status, LatencyMs: latency.Milliseconds()}
}

func depthCheck(name string, depth int64, degradedAt int64) ComponentCheck {
	status := StatusHealthy
	if depth >= degradedAt {
		status = StatusDegraded
	}
	return ComponentCheck{Name: name, Status: status, Detail: ""}
}
