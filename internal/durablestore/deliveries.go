// Copyright 2025 James Ross
package durablestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/flyingrobots/eventrelay/internal/model"
)

type deliveryRow struct {
	ID                 string         `db:"id"`
	EventID            string         `db:"event_id"`
	SubscriptionID     string         `db:"subscription_id"`
	Status             string         `db:"status"`
	AttemptCount       int            `db:"attempt_count"`
	MaxAttempts        int            `db:"max_attempts"`
	ScheduledAt        int64          `db:"scheduled_at"`
	StartedAt          sql.NullInt64  `db:"started_at"`
	CompletedAt        sql.NullInt64  `db:"completed_at"`
	NextRetryAt        sql.NullInt64  `db:"next_retry_at"`
	RetryDelaySeconds  sql.NullInt64  `db:"retry_delay_seconds"`
	RequestURL         sql.NullString `db:"request_url"`
	RequestHeaders     sql.NullString `db:"request_headers"`
	RequestBody        []byte         `db:"request_body"`
	Signature          sql.NullString `db:"signature"`
	ResponseStatusCode sql.NullInt64  `db:"response_status_code"`
	ResponseHeaders    sql.NullString `db:"response_headers"`
	ResponseBody       []byte         `db:"response_body"`
	ResponseTimeMs     sql.NullInt64  `db:"response_time_ms"`
	ErrorType          sql.NullString `db:"error_type"`
	ErrorMessage       sql.NullString `db:"error_message"`
	AttemptHistory     sql.NullString `db:"attempt_history"`
}

var deliveryColumns = []string{
	"id", "event_id", "subscription_id", "status", "attempt_count", "max_attempts",
	"scheduled_at", "started_at", "completed_at", "next_retry_at", "retry_delay_seconds",
	"request_url", "request_headers", "request_body", "signature",
	"response_status_code", "response_headers", "response_body", "response_time_ms",
	"error_type", "error_message", "attempt_history",
}

func (r *deliveryRow) toModel() *model.Delivery {
	d := &model.Delivery{
		ID:             r.ID,
		EventID:        r.EventID,
		SubscriptionID: r.SubscriptionID,
		Status:         model.DeliveryStatus(r.Status),
		AttemptCount:   r.AttemptCount,
		MaxAttempts:    r.MaxAttempts,
		ScheduledAt:    time.Unix(0, r.ScheduledAt),
		RequestBody:    r.RequestBody,
		ResponseBody:   r.ResponseBody,
	}
	if r.StartedAt.Valid {
		t := time.Unix(0, r.StartedAt.Int64)
		d.StartedAt = &t
	}
	if r.CompletedAt.Valid {
		t := time.Unix(0, r.CompletedAt.Int64)
		d.CompletedAt = &t
	}
	if r.NextRetryAt.Valid {
		t := time.Unix(0, r.NextRetryAt.Int64)
		d.NextRetryAt = &t
	}
	if r.RetryDelaySeconds.Valid {
		d.RetryDelaySec = int(r.RetryDelaySeconds.Int64)
	}
	if r.RequestURL.Valid {
		d.RequestURL = r.RequestURL.String
	}
	if r.RequestHeaders.Valid {
		_ = json.Unmarshal([]byte(r.RequestHeaders.String), &d.RequestHeaders)
	}
	if r.Signature.Valid {
		d.Signature = r.Signature.String
	}
	if r.ResponseStatusCode.Valid {
		d.ResponseStatusCode = int(r.ResponseStatusCode.Int64)
	}
	if r.ResponseHeaders.Valid {
		_ = json.Unmarshal([]byte(r.ResponseHeaders.String), &d.ResponseHeaders)
	}
	if r.ResponseTimeMs.Valid {
		d.ResponseTimeMs = r.ResponseTimeMs.Int64
	}
	if r.ErrorType.Valid {
		d.ErrorType = model.ErrorKind(r.ErrorType.String)
	}
	if r.ErrorMessage.Valid {
		d.ErrorMessage = r.ErrorMessage.String
	}
	if r.AttemptHistory.Valid {
		_ = json.Unmarshal([]byte(r.AttemptHistory.String), &d.AttemptHistory)
	}
	return d
}

func deliveryValues(d *model.Delivery) []interface{} {
	headers, _ := json.Marshal(d.RequestHeaders)
	respHeaders, _ := json.Marshal(d.ResponseHeaders)
	history, _ := json.Marshal(d.AttemptHistory)

	var started, completed, nextRetry interface{}
	if d.StartedAt != nil {
		started = d.StartedAt.UnixNano()
	}
	if d.CompletedAt != nil {
		completed = d.CompletedAt.UnixNano()
	}
	if d.NextRetryAt != nil {
		nextRetry = d.NextRetryAt.UnixNano()
	}
	var respStatus, respTime interface{}
	if d.ResponseStatusCode != 0 {
		respStatus = d.ResponseStatusCode
	}
	if d.ResponseTimeMs != 0 {
		respTime = d.ResponseTimeMs
	}

	return []interface{}{
		d.ID, d.EventID, d.SubscriptionID, string(d.Status), d.AttemptCount, d.MaxAttempts,
		d.ScheduledAt.UnixNano(), started, completed, nextRetry, d.RetryDelaySec,
		d.RequestURL, string(headers), d.RequestBody, d.Signature,
		respStatus, string(respHeaders), d.ResponseBody, respTime,
		string(d.ErrorType), d.ErrorMessage, string(history),
	}
}

// CreateDeliveriesForEvent inserts one delivery row per matched
// subscription inside a single transaction.
func (s *Store) CreateDeliveriesForEvent(ctx context.Context, deliveries []*model.Delivery) error {
	if len(deliveries) == 0 {
		return nil
	}
	tx, err := s.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.RollbackUnlessCommitted()

	for _, d := range deliveries {
		b := sq.Insert("deliveries").Columns(deliveryColumns...).Values(deliveryValues(d)...)
		if _, err := s.execBuilder(tx.Tx, b); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) GetDelivery(ctx context.Context, id string) (*model.Delivery, error) {
	b := sq.Select(deliveryColumns...).From("deliveries").Where(sq.Eq{"id": id})
	var row deliveryRow
	if err := s.getBuilder(s.db, &row, b); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return row.toModel(), nil
}

// GetDeliveriesForEvent loads every delivery for an event, used to roll
// up the event's aggregate status.
func (s *Store) GetDeliveriesForEvent(ctx context.Context, eventID string) ([]*model.Delivery, error) {
	b := sq.Select(deliveryColumns...).From("deliveries").Where(sq.Eq{"event_id": eventID})
	var rows []deliveryRow
	if err := s.selectBuilder(s.db, &rows, b); err != nil {
		return nil, err
	}
	out := make([]*model.Delivery, len(rows))
	for i := range rows {
		out[i] = rows[i].toModel()
	}
	return out, nil
}

// ClaimDeliveries atomically claims up to limit deliveries that are due
// (status in pending/retrying, scheduled_at <= now), marking them
// in_flight, and returns the claimed rows. Each row is claimed with a
// status-guarded UPDATE so two workers racing on the same row only let
// one through.
func (s *Store) ClaimDeliveries(ctx context.Context, limit int, now time.Time) ([]*model.Delivery, error) {
	selectB := sq.Select("id").From("deliveries").
		Where(sq.Or{sq.Eq{"status": string(model.DeliveryPending)}, sq.Eq{"status": string(model.DeliveryRetrying)}}).
		Where(sq.LtOrEq{"scheduled_at": now.UnixNano()}).
		OrderBy("scheduled_at ASC").
		Limit(uint64(limit))

	var idRows []struct {
		ID string `db:"id"`
	}
	if err := s.selectBuilder(s.db, &idRows, selectB); err != nil {
		return nil, err
	}

	claimed := make([]*model.Delivery, 0, len(idRows))
	for _, row := range idRows {
		d, err := s.GetDelivery(ctx, row.ID)
		if err != nil {
			continue
		}
		priorStatus := string(d.Status)
		update := sq.Update("deliveries").
			Set("status", string(model.DeliveryInFlight)).
			Set("started_at", now.UnixNano()).
			Where(sq.Eq{"id": row.ID}).
			Where(sq.Eq{"status": priorStatus})

		res, err := s.execBuilder(s.db, update)
		if err != nil {
			continue
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			// another worker claimed it first
			continue
		}
		d.Status = model.DeliveryInFlight
		d.StartedAt = &now
		claimed = append(claimed, d)
	}
	return claimed, nil
}

// UpdateDeliveryOutcome records the result of an attempt: outcome
// fields, updated status, and the appended attempt_history entry.
func (s *Store) UpdateDeliveryOutcome(ctx context.Context, d *model.Delivery) error {
	respHeaders, _ := json.Marshal(d.ResponseHeaders)
	history, _ := json.Marshal(d.AttemptHistory)

	reqHeaders, _ := json.Marshal(d.RequestHeaders)

	b := sq.Update("deliveries").Where(sq.Eq{"id": d.ID}).
		Set("status", string(d.Status)).
		Set("attempt_count", d.AttemptCount).
		Set("request_url", d.RequestURL).
		Set("request_headers", string(reqHeaders)).
		Set("request_body", d.RequestBody).
		Set("signature", d.Signature).
		Set("response_status_code", d.ResponseStatusCode).
		Set("response_headers", string(respHeaders)).
		Set("response_body", d.ResponseBody).
		Set("response_time_ms", d.ResponseTimeMs).
		Set("error_type", string(d.ErrorType)).
		Set("error_message", d.ErrorMessage).
		Set("attempt_history", string(history))

	if d.CompletedAt != nil {
		b = b.Set("completed_at", d.CompletedAt.UnixNano())
	}
	if d.NextRetryAt != nil {
		b = b.Set("next_retry_at", d.NextRetryAt.UnixNano())
		b = b.Set("retry_delay_seconds", d.RetryDelaySec)
		b = b.Set("scheduled_at", d.NextRetryAt.UnixNano())
	}

	_, err := s.execBuilder(s.db, b)
	return err
}
