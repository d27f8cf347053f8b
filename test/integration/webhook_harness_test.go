//go:build integration_tests
// +build integration_tests

// Copyright 2025 James Ross
package integration

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/flyingrobots/eventrelay/internal/config"
	"github.com/flyingrobots/eventrelay/internal/delivery"
	"github.com/flyingrobots/eventrelay/internal/dlq"
	"github.com/flyingrobots/eventrelay/internal/durablestore"
	"github.com/flyingrobots/eventrelay/internal/faststore"
	"github.com/flyingrobots/eventrelay/internal/ingestion"
	"github.com/flyingrobots/eventrelay/internal/model"
	"github.com/flyingrobots/eventrelay/internal/processor"
	"github.com/flyingrobots/eventrelay/internal/signing"
	"github.com/flyingrobots/eventrelay/test/fixtures"
)

// WebhookRequest captures one request the harness receiver observed.
type WebhookRequest struct {
	Method     string
	Path       string
	Headers    http.Header
	Body       []byte
	Signature  string
	Timestamp  string
	ReceivedAt time.Time
}

// WebhookHarness is a recording HTTP receiver with a configurable
// status code per path.
type WebhookHarness struct {
	server   *httptest.Server
	mu       sync.RWMutex
	statuses map[string]int
	requests []WebhookRequest
}

func NewWebhookHarness() *WebhookHarness {
	h := &WebhookHarness{statuses: map[string]int{}}
	h.server = httptest.NewServer(http.HandlerFunc(h.handle))
	return h
}

func (h *WebhookHarness) handle(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	h.mu.Lock()
	h.requests = append(h.requests, WebhookRequest{
		Method:     r.Method,
		Path:       r.URL.Path,
		Headers:    r.Header.Clone(),
		Body:       body,
		Signature:  r.Header.Get("X-Webhook-Signature"),
		Timestamp:  r.Header.Get("X-Webhook-Timestamp"),
		ReceivedAt: time.Now(),
	})
	status, ok := h.statuses[r.URL.Path]
	h.mu.Unlock()

	if !ok {
		status = http.StatusOK
	}
	w.WriteHeader(status)
}

// SetStatus configures the response status for a path; unconfigured
// paths answer 200.
func (h *WebhookHarness) SetStatus(path string, status int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.statuses[path] = status
}

// Requests returns a copy of everything received so far.
func (h *WebhookHarness) Requests() []WebhookRequest {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]WebhookRequest, len(h.requests))
	copy(out, h.requests)
	return out
}

func (h *WebhookHarness) URL() string { return h.server.URL }
func (h *WebhookHarness) Close()      { h.server.Close() }

// pipeline wires a full ingestion -> processor -> delivery stack over
// miniredis and an in-memory sqlite store, with fast poll intervals.
type pipeline struct {
	durable   *durablestore.Store
	fast      *faststore.Store
	ingestion *ingestion.Service
	dlq       *dlq.Service
	cancel    context.CancelFunc
	done      sync.WaitGroup
}

func startPipeline(t *testing.T) *pipeline {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err, "start miniredis")
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	fast := faststore.New(rdb)

	dsn := fmt.Sprintf("sqlite3://file:%s?mode=memory&cache=shared", t.Name())
	store, err := durablestore.New(dsn, zap.NewNop())
	require.NoError(t, err, "open durable store")
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.Migrate())

	log := zap.NewNop()
	ing := ingestion.New(store, fast, config.Ingestion{
		MaxBatchItems:  100,
		MaxBatchBytes:  10 * 1024 * 1024,
		MaxEventBytes:  1024 * 1024,
		IdempotencyTTL: time.Hour,
	}, log)

	proc := processor.New(store, config.Processor{
		PollInterval:    25 * time.Millisecond,
		BatchSize:       100,
		CatchUpCron:     "@every 1s",
		CatchUpStaleAge: 5 * time.Second,
	}, log)

	worker := delivery.New(store, fast, config.DeliveryWorker{
		PollInterval:   25 * time.Millisecond,
		BatchSize:      100,
		Concurrency:    4,
		ShutdownDrain:  2 * time.Second,
		DefaultTimeout: 2 * time.Second,
	}, "test", log)

	ctx, cancel := context.WithCancel(context.Background())
	p := &pipeline{
		durable:   store,
		fast:      fast,
		ingestion: ing,
		dlq:       dlq.New(store, fast, log),
		cancel:    cancel,
	}
	p.done.Add(2)
	go func() { defer p.done.Done(); _ = proc.Run(ctx) }()
	go func() { defer p.done.Done(); _ = worker.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		p.done.Wait()
	})
	return p
}

// waitFor polls cond until it holds or the deadline lapses.
func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// TestHappyPathFanOut ingests one matching event and follows it through
// matching, signed delivery, and the terminal roll-ups.
func TestHappyPathFanOut(t *testing.T) {
	p := startPipeline(t)
	ctx := context.Background()

	harness := NewWebhookHarness()
	defer harness.Close()

	sub := fixtures.NewTestSubscription(harness.URL() + "/hook")
	require.NoError(t, p.durable.CreateSubscription(ctx, sub))

	event, err := p.ingestion.Admit(ctx, ingestion.Request{
		EventType: "user.created",
		Source:    "auth",
		Data:      []byte(`{"id":"u1"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, model.EventPending, event.Status)

	waitFor(t, 5*time.Second, "event delivered", func() bool {
		e, err := p.durable.GetEvent(ctx, event.ID)
		return err == nil && e.Status == model.EventDelivered
	})

	// Exactly one delivery, terminal delivered, with snapshots recorded.
	deliveries, err := p.durable.GetDeliveriesForEvent(ctx, event.ID)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	d := deliveries[0]
	assert.Equal(t, model.DeliveryDelivered, d.Status)
	assert.Equal(t, sub.ID, d.SubscriptionID)
	assert.Equal(t, 1, d.AttemptCount)
	assert.Len(t, d.AttemptHistory, 1)
	assert.Equal(t, harness.URL()+"/hook", d.RequestURL)
	assert.NotEmpty(t, d.Signature)

	// Subscription counters reflect one successful delivery.
	got, err := p.durable.GetSubscription(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.TotalDeliveries)
	assert.Equal(t, 1, got.SuccessfulDeliveries)
	assert.Equal(t, 0, got.ConsecutiveFailures)
	assert.True(t, got.IsHealthy)

	// Event counters roll up the success.
	e, err := p.durable.GetEvent(ctx, event.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, e.SuccessfulDeliveries)
	require.NotNil(t, e.ProcessedAt)

	// The received request carries a verifiable signature over
	// "<timestamp>.<body>".
	reqs := harness.Requests()
	require.Len(t, reqs, 1)
	ts, err := strconv.ParseInt(reqs[0].Timestamp, 10, 64)
	require.NoError(t, err)
	assert.True(t, signing.Verify([]byte(sub.SigningSecret), ts, reqs[0].Body, reqs[0].Signature),
		"delivered signature must verify against the subscription secret")
	assert.Equal(t, sub.ID, reqs[0].Headers.Get("X-Webhook-ID"))
	assert.Equal(t, "application/json", reqs[0].Headers.Get("Content-Type"))
}

// TestIdempotentAdmission re-admits the same idempotency key and
// expects a conflict carrying the first event's id.
func TestIdempotentAdmission(t *testing.T) {
	p := startPipeline(t)
	ctx := context.Background()

	key := "K1"
	first, err := p.ingestion.Admit(ctx, ingestion.Request{
		EventType: "user.created", Source: "auth",
		Data: []byte(`{}`), IdempotencyKey: &key,
	})
	require.NoError(t, err)

	_, err = p.ingestion.Admit(ctx, ingestion.Request{
		EventType: "user.created", Source: "auth",
		Data: []byte(`{}`), IdempotencyKey: &key,
	})
	var conflict *ingestion.ErrIdempotencyConflict
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, first.ID, conflict.ExistingEventID)
}

// TestRetryExhaustionRoutesToDLQ drives a subscription whose receiver
// always fails through its whole retry budget and into the DLQ.
func TestRetryExhaustionRoutesToDLQ(t *testing.T) {
	p := startPipeline(t)
	ctx := context.Background()

	harness := NewWebhookHarness()
	defer harness.Close()
	harness.SetStatus("/hook", http.StatusInternalServerError)

	sub := fixtures.NewTestSubscription(harness.URL() + "/hook")
	sub.Retry = model.RetryPolicy{
		Strategy:             model.RetryFixed,
		MaxRetries:           2,
		RetryDelaySeconds:    0,
		RetryMaxDelaySeconds: 0,
	}
	require.NoError(t, p.durable.CreateSubscription(ctx, sub))

	event, err := p.ingestion.Admit(ctx, ingestion.Request{
		EventType: "user.created", Source: "auth", Data: []byte(`{}`),
	})
	require.NoError(t, err)

	waitFor(t, 10*time.Second, "delivery exhausted", func() bool {
		ds, err := p.durable.GetDeliveriesForEvent(ctx, event.ID)
		return err == nil && len(ds) == 1 && ds[0].Status == model.DeliveryExhausted
	})

	ds, err := p.durable.GetDeliveriesForEvent(ctx, event.ID)
	require.NoError(t, err)
	d := ds[0]
	assert.Equal(t, 3, d.AttemptCount, "max_retries=2 means 3 attempts")
	assert.Len(t, d.AttemptHistory, 3)
	assert.Equal(t, model.ErrorHTTP, d.ErrorType)

	// Exactly one DLQ entry with the full retry count.
	entry, err := p.dlq.Get(ctx, event.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, entry.RetryCount)
	assert.Equal(t, "user.created", entry.EventType)

	// One exhausted delivery counts as one failed delivery outcome.
	got, err := p.durable.GetSubscription(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.ConsecutiveFailures)
	assert.Equal(t, 1, got.FailedDeliveries)

	// The owning event is terminal failed.
	e, err := p.durable.GetEvent(ctx, event.ID)
	require.NoError(t, err)
	assert.Equal(t, model.EventFailed, e.Status)
	require.NotNil(t, e.ProcessedAt)

	// Retrying via the DLQ service removes the entry; a second retry
	// sees not-found. The receiver recovers first so the re-delivery
	// does not immediately dead-letter again.
	harness.SetStatus("/hook", http.StatusOK)
	require.NoError(t, p.dlq.Retry(ctx, event.ID))
	assert.ErrorIs(t, p.dlq.Retry(ctx, event.ID), dlq.ErrNotFound)
}

// TestAutoDisableOnThreshold exhausts a delivery against a subscription
// sitting one failure below its threshold and expects it disabled, with
// no deliveries created for later events.
func TestAutoDisableOnThreshold(t *testing.T) {
	p := startPipeline(t)
	ctx := context.Background()

	harness := NewWebhookHarness()
	defer harness.Close()
	harness.SetStatus("/hook", http.StatusInternalServerError)

	sub := fixtures.NewTestSubscription(harness.URL() + "/hook")
	sub.Retry = model.RetryPolicy{Strategy: model.RetryFixed, MaxRetries: 0}
	sub.FailureThreshold = 3
	sub.ConsecutiveFailures = 2
	require.NoError(t, p.durable.CreateSubscription(ctx, sub))

	_, err := p.ingestion.Admit(ctx, ingestion.Request{
		EventType: "user.created", Source: "auth", Data: []byte(`{}`),
	})
	require.NoError(t, err)

	waitFor(t, 5*time.Second, "subscription disabled", func() bool {
		s, err := p.durable.GetSubscription(ctx, sub.ID)
		return err == nil && s.Status == model.SubscriptionDisabled
	})

	got, err := p.durable.GetSubscription(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.ConsecutiveFailures)
	assert.False(t, got.IsHealthy)

	// A later matching event produces no deliveries: with no active
	// subscription left, the processor marks it delivered directly.
	second, err := p.ingestion.Admit(ctx, ingestion.Request{
		EventType: "user.created", Source: "auth", Data: []byte(`{}`),
	})
	require.NoError(t, err)

	waitFor(t, 5*time.Second, "second event processed", func() bool {
		e, err := p.durable.GetEvent(ctx, second.ID)
		return err == nil && e.Status == model.EventDelivered
	})
	ds, err := p.durable.GetDeliveriesForEvent(ctx, second.ID)
	require.NoError(t, err)
	assert.Empty(t, ds, "disabled subscription must not receive new deliveries")
}

// TestFilteredFanOut checks that only subscriptions whose filters
// accept the event get a delivery.
func TestFilteredFanOut(t *testing.T) {
	p := startPipeline(t)
	ctx := context.Background()

	harness := NewWebhookHarness()
	defer harness.Close()

	userSub := fixtures.NewTestSubscription(harness.URL() + "/users")
	userSub.EventTypes = []string{"user.*"}
	require.NoError(t, p.durable.CreateSubscription(ctx, userSub))

	billingSub := fixtures.NewTestSubscriptionWithFilters(harness.URL() + "/billing")
	require.NoError(t, p.durable.CreateSubscription(ctx, billingSub))

	event, err := p.ingestion.Admit(ctx, ingestion.Request{
		EventType: "user.created", Source: "auth", Data: []byte(`{}`),
	})
	require.NoError(t, err)

	waitFor(t, 5*time.Second, "event delivered", func() bool {
		e, err := p.durable.GetEvent(ctx, event.ID)
		return err == nil && e.Status == model.EventDelivered
	})

	ds, err := p.durable.GetDeliveriesForEvent(ctx, event.ID)
	require.NoError(t, err)
	require.Len(t, ds, 1, "only the user.* subscription matches")
	assert.Equal(t, userSub.ID, ds[0].SubscriptionID)

	for _, req := range harness.Requests() {
		assert.Equal(t, "/users", req.Path)
	}
}
