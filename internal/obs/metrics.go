// Copyright 2025 James Ross
package obs

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	promhttp "github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/flyingrobots/eventrelay/internal/config"
)

var (
	EventsIngested = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "events_ingested_total",
		Help: "Total number of events admitted by the ingestion service",
	})
	EventsDeduped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "events_idempotency_conflicts_total",
		Help: "Total number of admissions rejected by idempotency conflict",
	})
	EventsByStatus = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "events_by_status",
		Help: "Current count of events in each status",
	}, []string{"status"})
	DeliveriesByStatus = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "deliveries_by_status",
		Help: "Current count of deliveries in each status",
	}, []string{"status"})
	DeliveryAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "delivery_attempts_total",
		Help: "Total number of outbound delivery attempts by outcome",
	}, []string{"outcome"})
	DeliveryDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "delivery_duration_seconds",
		Help:    "Histogram of outbound webhook POST durations",
		Buckets: prometheus.DefBuckets,
	})
	DLQDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dlq_depth",
		Help: "Current number of entries in the dead-letter queue",
	})
	QueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "queue_depth",
		Help: "Current length of fast-store queues",
	}, []string{"queue"})
	SubscriptionsDisabled = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "subscriptions_auto_disabled_total",
		Help: "Total number of subscriptions auto-disabled on consecutive failure threshold",
	})
	WorkerActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "delivery_worker_active",
		Help: "Number of in-flight delivery worker tasks",
	})
)

func init() {
	prometheus.MustRegister(
		EventsIngested, EventsDeduped, EventsByStatus, DeliveriesByStatus,
		DeliveryAttempts, DeliveryDuration, DLQDepth, QueueDepth,
		SubscriptionsDisabled, WorkerActive,
	)
}

// StartMetricsServer exposes /metrics and returns a server for
// controlled shutdown.
func StartMetricsServer(cfg *config.Config) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Observability.MetricsPort), Handler: mux}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}
