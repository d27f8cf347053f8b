// Copyright 2025 James Ross
// Package delivery claims pending deliveries, signs and POSTs the
// webhook payload, classifies the outcome, and advances the delivery
// state machine: bounded in-process concurrency via a counting
// semaphore, status-guarded claims on the durable store, and
// graceful-drain shutdown.
package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/flyingrobots/eventrelay/internal/config"
	"github.com/flyingrobots/eventrelay/internal/durablestore"
	"github.com/flyingrobots/eventrelay/internal/faststore"
	"github.com/flyingrobots/eventrelay/internal/model"
	"github.com/flyingrobots/eventrelay/internal/obs"
	"github.com/flyingrobots/eventrelay/internal/retry"
	"github.com/flyingrobots/eventrelay/internal/signing"
)

// Worker runs the delivery claim/execute loop.
type Worker struct {
	durable *durablestore.Store
	fast    *faststore.Store
	cfg     config.DeliveryWorker
	log     *zap.Logger

	serviceVersion string
	sem            chan struct{}
	wg             sync.WaitGroup
}

func New(durable *durablestore.Store, fast *faststore.Store, cfg config.DeliveryWorker, serviceVersion string, log *zap.Logger) *Worker {
	return &Worker{
		durable:        durable,
		fast:           fast,
		cfg:            cfg,
		log:            log,
		serviceVersion: serviceVersion,
		sem:            make(chan struct{}, cfg.Concurrency),
	}
}

// Run polls for claimable deliveries until ctx is cancelled, then
// drains in-flight work up to ShutdownDrain before returning.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return w.drain()
		case <-ticker.C:
			if err := w.claimAndDispatch(ctx); err != nil && w.log != nil {
				w.log.Error("delivery claim pass failed", obs.Err(err))
				time.Sleep(5 * time.Second)
			}
		}
	}
}

func (w *Worker) drain() error {
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(w.cfg.ShutdownDrain):
		if w.log != nil {
			w.log.Warn("shutdown drain timed out, cancelling stragglers")
		}
		return nil
	}
}

func (w *Worker) claimAndDispatch(ctx context.Context) error {
	claimed, err := w.durable.ClaimDeliveries(ctx, w.cfg.BatchSize, time.Now())
	if err != nil {
		return fmt.Errorf("claim deliveries: %w", err)
	}

	for _, d := range claimed {
		select {
		case w.sem <- struct{}{}:
		case <-ctx.Done():
			return nil
		}
		w.wg.Add(1)
		obs.WorkerActive.Inc()
		go func(d *model.Delivery) {
			defer func() {
				<-w.sem
				obs.WorkerActive.Dec()
				w.wg.Done()
			}()
			w.execute(ctx, d)
		}(d)
	}
	return nil
}

// execute runs one claimed delivery attempt end to end.
func (w *Worker) execute(ctx context.Context, d *model.Delivery) {
	ctx, span := obs.StartDeliverySpan(ctx, d.ID, d.SubscriptionID)
	defer span.End()

	event, err := w.durable.GetEvent(ctx, d.EventID)
	if err != nil {
		obs.RecordError(ctx, err)
		w.recordTerminalError(ctx, d, model.ErrorUnknown, fmt.Sprintf("load event: %v", err))
		return
	}
	sub, err := w.durable.GetSubscription(ctx, d.SubscriptionID)
	if err != nil {
		obs.RecordError(ctx, err)
		w.recordTerminalError(ctx, d, model.ErrorUnknown, fmt.Sprintf("load subscription: %v", err))
		return
	}

	if !sub.IsActive() {
		w.cancel(ctx, d, event, "subscription no longer active")
		return
	}

	attempt := d.AttemptCount + 1
	body, err := json.Marshal(payloadEnvelope{
		ID: event.ID, EventType: event.EventType, Source: event.Source,
		Data: event.Data, Metadata: event.Metadata, CreatedAt: event.CreatedAt,
	})
	if err != nil {
		obs.RecordError(ctx, err)
		w.recordTerminalError(ctx, d, model.ErrorUnknown, fmt.Sprintf("marshal payload: %v", err))
		return
	}

	ts := time.Now().Unix()
	headers := signing.Headers(sub.ID, w.serviceVersion, []byte(sub.SigningSecret), ts, body)
	for k, v := range sub.CustomHeaders {
		headers[k] = v
	}

	start := time.Now()
	statusCode, respHeaders, respBody, errKind, errMsg := w.post(ctx, sub, headers, body)
	elapsedMs := time.Since(start).Milliseconds()
	obs.DeliveryDuration.Observe(time.Since(start).Seconds())

	record := model.AttemptRecord{
		Attempt: attempt, Timestamp: time.Now(), StatusCode: statusCode,
		ResponseTimeMs: elapsedMs, ErrorType: errKind, ErrorMessage: errMsg,
	}
	d.AttemptHistory = append(d.AttemptHistory, record)
	d.AttemptCount = attempt
	d.RequestURL = sub.TargetURL
	d.RequestHeaders = redactHeaders(headers)
	d.RequestBody = body
	d.Signature = headers["X-Webhook-Signature"]
	d.ResponseStatusCode = statusCode
	d.ResponseHeaders = redactHeaders(respHeaders)
	d.ResponseBody = truncate(respBody, model.MaxResponseBodyBytes)
	d.ResponseTimeMs = elapsedMs
	d.ErrorType = errKind
	d.ErrorMessage = errMsg

	now := time.Now()
	success := statusCode >= 200 && statusCode < 300

	var counters durablestore.EventUpdateOpts

	if success {
		counters.IncrSuccessful = true
		d.Status = model.DeliveryDelivered
		d.CompletedAt = &now
		obs.DeliveryAttempts.WithLabelValues("delivered").Inc()
		obs.SetSpanSuccess(ctx)
	} else if retry.ShouldRetry(d.AttemptCount, d.MaxAttempts) {
		d.Status = model.DeliveryRetrying
		next := retry.NextRetryAt(now, attempt, sub.Retry)
		d.NextRetryAt = &next
		d.RetryDelaySec = int(retry.Delay(attempt, sub.Retry).Seconds())
		obs.DeliveryAttempts.WithLabelValues(string(errKind)).Inc()
	} else {
		d.Status = model.DeliveryExhausted
		d.CompletedAt = &now
		counters.IncrFailed = true
		obs.DeliveryAttempts.WithLabelValues("exhausted").Inc()
		w.enqueueDLQ(ctx, event, d, errMsg)
	}

	if err := w.durable.UpdateDeliveryOutcome(ctx, d); err != nil && w.log != nil {
		w.log.Error("update delivery outcome failed", obs.Err(err), obs.String("delivery_id", d.ID))
	}

	// Subscription counters track delivery outcomes, not individual
	// attempts: only terminal delivered/exhausted touch them.
	if d.Status == model.DeliveryDelivered || d.Status == model.DeliveryExhausted {
		if err := w.durable.UpdateSubscriptionHealth(ctx, nil, sub.ID, success, errMsg, now); err != nil && w.log != nil {
			w.log.Error("update subscription health failed", obs.Err(err), obs.String("subscription_id", sub.ID))
		}
	}
	if !success && d.Status == model.DeliveryExhausted {
		refreshed, err := w.durable.GetSubscription(ctx, sub.ID)
		if err == nil && refreshed.Status == model.SubscriptionDisabled && refreshed.ConsecutiveFailures == refreshed.FailureThreshold {
			obs.SubscriptionsDisabled.Inc()
		}
	}

	w.rollupEvent(ctx, event.ID, counters)
}

func (w *Worker) cancel(ctx context.Context, d *model.Delivery, event *model.Event, reason string) {
	now := time.Now()
	d.Status = model.DeliveryCancelled
	d.CompletedAt = &now
	d.ErrorType = model.ErrorUnknown
	d.ErrorMessage = reason
	if err := w.durable.UpdateDeliveryOutcome(ctx, d); err != nil && w.log != nil {
		w.log.Error("cancel delivery failed", obs.Err(err), obs.String("delivery_id", d.ID))
	}
	w.rollupEvent(ctx, event.ID, durablestore.EventUpdateOpts{})
}

func (w *Worker) recordTerminalError(ctx context.Context, d *model.Delivery, kind model.ErrorKind, msg string) {
	now := time.Now()
	d.Status = model.DeliveryCancelled
	d.CompletedAt = &now
	d.ErrorType = kind
	d.ErrorMessage = msg
	if err := w.durable.UpdateDeliveryOutcome(ctx, d); err != nil && w.log != nil {
		w.log.Error("record terminal error failed", obs.Err(err), obs.String("delivery_id", d.ID))
	}
}

func (w *Worker) enqueueDLQ(ctx context.Context, event *model.Event, d *model.Delivery, reason string) {
	now := time.Now()
	item := faststore.DLQQueueItem{
		EventID: event.ID, EventType: event.EventType, Source: event.Source,
		CreatedAt: event.CreatedAt, EnqueuedAt: now, DLQEnteredAt: now,
		FailureReason: reason, RetryCount: d.AttemptCount,
	}
	if err := w.fast.EnqueueDLQ(ctx, item); err != nil && w.log != nil {
		w.log.Error("enqueue dlq failed", obs.Err(err), obs.String("event_id", event.ID))
	}
}

// rollupEvent recomputes the owning event's aggregate status from all
// of its deliveries, folding in the attempt's counter increments.
func (w *Worker) rollupEvent(ctx context.Context, eventID string, opts durablestore.EventUpdateOpts) {
	deliveries, err := w.durable.GetDeliveriesForEvent(ctx, eventID)
	if err != nil {
		if w.log != nil {
			w.log.Error("load deliveries for rollup failed", obs.Err(err), obs.String("event_id", eventID))
		}
		return
	}

	var pending, delivered, failed int
	for _, d := range deliveries {
		switch {
		case !d.Status.IsTerminal():
			pending++
		case d.Status == model.DeliveryDelivered:
			delivered++
		default:
			failed++
		}
	}

	var status model.EventStatus
	switch {
	case pending > 0:
		status = model.EventProcessing
	case failed == 0:
		status = model.EventDelivered
	case delivered == 0:
		status = model.EventFailed
	default:
		status = model.EventPartiallyDelivered
	}

	now := time.Now()
	if status.IsTerminal() {
		opts.ProcessedAt = &now
	}
	if err := w.durable.UpdateEventStatus(ctx, eventID, status, opts); err != nil && w.log != nil {
		w.log.Error("rollup event status update failed", obs.Err(err), obs.String("event_id", eventID))
	}
}

type payloadEnvelope struct {
	ID        string          `json:"id"`
	EventType string          `json:"event_type"`
	Source    string          `json:"source"`
	Data      json.RawMessage `json:"data"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// post executes the outbound webhook call, classifying the outcome
// into delivered / http_error / timeout / connection_error / unknown.
func (w *Worker) post(ctx context.Context, sub *model.Subscription, headers map[string]string, body []byte) (statusCode int, respHeaders map[string]string, respBody []byte, errKind model.ErrorKind, errMsg string) {
	timeout := time.Duration(sub.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = w.cfg.DefaultTimeout
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, sub.TargetURL, bytes.NewReader(body))
	if err != nil {
		return 0, nil, nil, model.ErrorUnknown, err.Error()
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	client := &http.Client{Timeout: timeout}
	resp, err := client.Do(req)
	if err != nil {
		if reqCtx.Err() != nil {
			return 0, nil, nil, model.ErrorTimeout, "request timed out"
		}
		return 0, nil, nil, model.ErrorConnection, err.Error()
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, nil, model.ErrorUnknown, fmt.Sprintf("read response body: %v", err)
	}

	respHeaders = map[string]string{}
	for k := range resp.Header {
		respHeaders[k] = resp.Header.Get(k)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp.StatusCode, respHeaders, raw, "", ""
	}
	return resp.StatusCode, respHeaders, raw, model.ErrorHTTP, fmt.Sprintf("upstream returned %d", resp.StatusCode)
}

// redactHeaders replaces the value of any header whose key contains
// "secret" or looks like an authorization header before persistence.
func redactHeaders(headers map[string]string) map[string]string {
	out := make(map[string]string, len(headers))
	for k, v := range headers {
		lower := strings.ToLower(k)
		if strings.Contains(lower, "secret") || strings.Contains(lower, "authorization") {
			out[k] = "***"
			continue
		}
		out[k] = v
	}
	return out
}

func truncate(b []byte, max int) []byte {
	if len(b) <= max {
		return b
	}
	return b[:max]
}
