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

type subscriptionRow struct {
	ID                       string         `db:"id"`
	Name                     string         `db:"name"`
	Description              sql.NullString `db:"description"`
	TargetURL                string         `db:"target_url"`
	SigningSecret            string         `db:"signing_secret"`
	PreviousSigningSecret    sql.NullString `db:"previous_signing_secret"`
	PreviousSecretValidUntil sql.NullInt64  `db:"previous_secret_valid_until"`
	CustomHeaders            sql.NullString `db:"custom_headers"`
	EventTypes               sql.NullString `db:"event_types"`
	EventSources             sql.NullString `db:"event_sources"`
	Status                   string         `db:"status"`
	RetryStrategy            string         `db:"retry_strategy"`
	MaxRetries               int            `db:"max_retries"`
	RetryDelaySeconds        int            `db:"retry_delay_seconds"`
	RetryMaxDelaySeconds     int            `db:"retry_max_delay_seconds"`
	TimeoutSeconds           int            `db:"timeout_seconds"`
	IsHealthy                bool           `db:"is_healthy"`
	ConsecutiveFailures      int            `db:"consecutive_failures"`
	FailureThreshold         int            `db:"failure_threshold"`
	LastSuccessAt            sql.NullInt64  `db:"last_success_at"`
	LastFailureAt            sql.NullInt64  `db:"last_failure_at"`
	LastFailureReason        sql.NullString `db:"last_failure_reason"`
	TotalDeliveries          int            `db:"total_deliveries"`
	SuccessfulDeliveries     int            `db:"successful_deliveries"`
	FailedDeliveries         int            `db:"failed_deliveries"`
	CreatedAt                int64          `db:"created_at"`
	UpdatedAt                int64          `db:"updated_at"`
	DeletedAt                sql.NullInt64  `db:"deleted_at"`
}

func (r *subscriptionRow) toModel() *model.Subscription {
	s := &model.Subscription{
		ID:            r.ID,
		Name:          r.Name,
		TargetURL:     r.TargetURL,
		SigningSecret: r.SigningSecret,
		Status:        model.SubscriptionStatus(r.Status),
		Retry: model.RetryPolicy{
			Strategy:             model.RetryStrategy(r.RetryStrategy),
			MaxRetries:           r.MaxRetries,
			RetryDelaySeconds:    r.RetryDelaySeconds,
			RetryMaxDelaySeconds: r.RetryMaxDelaySeconds,
		},
		TimeoutSeconds:       r.TimeoutSeconds,
		IsHealthy:            r.IsHealthy,
		ConsecutiveFailures:  r.ConsecutiveFailures,
		FailureThreshold:     r.FailureThreshold,
		TotalDeliveries:      r.TotalDeliveries,
		SuccessfulDeliveries: r.SuccessfulDeliveries,
		FailedDeliveries:     r.FailedDeliveries,
		CreatedAt:            time.Unix(0, r.CreatedAt),
		UpdatedAt:            time.Unix(0, r.UpdatedAt),
	}
	if r.Description.Valid {
		s.Description = r.Description.String
	}
	if r.PreviousSigningSecret.Valid {
		v := r.PreviousSigningSecret.String
		s.PreviousSigningSecret = &v
	}
	if r.PreviousSecretValidUntil.Valid {
		t := time.Unix(0, r.PreviousSecretValidUntil.Int64)
		s.PreviousSecretValidUntil = &t
	}
	if r.CustomHeaders.Valid {
		_ = json.Unmarshal([]byte(r.CustomHeaders.String), &s.CustomHeaders)
	}
	if r.EventTypes.Valid {
		_ = json.Unmarshal([]byte(r.EventTypes.String), &s.EventTypes)
	}
	if r.EventSources.Valid {
		_ = json.Unmarshal([]byte(r.EventSources.String), &s.EventSources)
	}
	if r.LastSuccessAt.Valid {
		t := time.Unix(0, r.LastSuccessAt.Int64)
		s.LastSuccessAt = &t
	}
	if r.LastFailureAt.Valid {
		t := time.Unix(0, r.LastFailureAt.Int64)
		s.LastFailureAt = &t
	}
	if r.LastFailureReason.Valid {
		v := r.LastFailureReason.String
		s.LastFailureReason = &v
	}
	if r.DeletedAt.Valid {
		t := time.Unix(0, r.DeletedAt.Int64)
		s.DeletedAt = &t
	}
	return s
}

var subscriptionColumns = []string{
	"id", "name", "description", "target_url", "signing_secret",
	"previous_signing_secret", "previous_secret_valid_until", "custom_headers",
	"event_types", "event_sources", "status", "retry_strategy", "max_retries",
	"retry_delay_seconds", "retry_max_delay_seconds", "timeout_seconds",
	"is_healthy", "consecutive_failures", "failure_threshold",
	"last_success_at", "last_failure_at", "last_failure_reason",
	"total_deliveries", "successful_deliveries", "failed_deliveries",
	"created_at", "updated_at", "deleted_at",
}

// CreateSubscription inserts a new subscription row.
func (s *Store) CreateSubscription(ctx context.Context, sub *model.Subscription) error {
	headers, _ := json.Marshal(sub.CustomHeaders)
	types, _ := json.Marshal(sub.EventTypes)
	sources, _ := json.Marshal(sub.EventSources)

	b := sq.Insert("subscriptions").Columns(subscriptionColumns...).Values(
		sub.ID, sub.Name, sub.Description, sub.TargetURL, sub.SigningSecret,
		nullableString(sub.PreviousSigningSecret), nullableTime(sub.PreviousSecretValidUntil),
		string(headers), string(types), string(sources), string(sub.Status),
		string(sub.Retry.Strategy), sub.Retry.MaxRetries, sub.Retry.RetryDelaySeconds,
		sub.Retry.RetryMaxDelaySeconds, sub.TimeoutSeconds, sub.IsHealthy,
		sub.ConsecutiveFailures, sub.FailureThreshold, nullableTime(sub.LastSuccessAt),
		nullableTime(sub.LastFailureAt), nullableString(sub.LastFailureReason),
		sub.TotalDeliveries, sub.SuccessfulDeliveries, sub.FailedDeliveries,
		sub.CreatedAt.UnixNano(), sub.UpdatedAt.UnixNano(), nullableTime(sub.DeletedAt),
	)
	_, err := s.execBuilder(s.db, b)
	return err
}

func (s *Store) GetSubscription(ctx context.Context, id string) (*model.Subscription, error) {
	b := sq.Select(subscriptionColumns...).From("subscriptions").Where(sq.Eq{"id": id})
	var row subscriptionRow
	if err := s.getBuilder(s.db, &row, b); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return row.toModel(), nil
}

// GetActiveSubscriptions returns candidates for the matcher: status =
// active, deleted_at is null. internal/matcher re-checks IsHealthy and
// applies the filter grammar.
func (s *Store) GetActiveSubscriptions(ctx context.Context) ([]*model.Subscription, error) {
	b := sq.Select(subscriptionColumns...).From("subscriptions").
		Where(sq.Eq{"status": string(model.SubscriptionActive)}).
		Where(sq.Eq{"deleted_at": nil}).
		OrderBy("created_at ASC")

	var rows []subscriptionRow
	if err := s.selectBuilder(s.db, &rows, b); err != nil {
		return nil, err
	}
	out := make([]*model.Subscription, len(rows))
	for i := range rows {
		out[i] = rows[i].toModel()
	}
	return out, nil
}

// UpdateSubscriptionHealth applies the outcome of one delivery to a
// subscription's health and aggregate counters. tx is
// optional; pass nil to run outside a transaction.
func (s *Store) UpdateSubscriptionHealth(ctx context.Context, tx *Transaction, id string, success bool, failureReason string, now time.Time) error {
	b := sq.Update("subscriptions").Where(sq.Eq{"id": id}).Set("updated_at", now.UnixNano())
	b = b.Set("total_deliveries", sq.Expr("total_deliveries + 1"))

	if success {
		b = b.Set("successful_deliveries", sq.Expr("successful_deliveries + 1")).
			Set("consecutive_failures", 0).
			Set("is_healthy", true).
			Set("last_success_at", now.UnixNano())
	} else {
		b = b.Set("failed_deliveries", sq.Expr("failed_deliveries + 1")).
			Set("consecutive_failures", sq.Expr("consecutive_failures + 1")).
			Set("last_failure_at", now.UnixNano()).
			Set("last_failure_reason", failureReason)
	}

	var exec execer = s.db
	if tx != nil {
		exec = tx.Tx
	}
	if _, err := s.execBuilder(exec, b); err != nil {
		return err
	}

	if !success {
		// Re-check threshold: disable when consecutive_failures reaches it.
		sub, err := s.GetSubscription(ctx, id)
		if err != nil {
			return err
		}
		if sub.ConsecutiveFailures >= sub.FailureThreshold && sub.FailureThreshold > 0 {
			disable := sq.Update("subscriptions").Where(sq.Eq{"id": id}).
				Set("status", string(model.SubscriptionDisabled)).
				Set("is_healthy", false)
			if _, err := s.execBuilder(exec, disable); err != nil {
				return err
			}
		}
	}
	return nil
}

// RotateSecret moves the current signing secret to previous (with a
// grace window) and installs a new current secret.
func (s *Store) RotateSecret(ctx context.Context, id, newSecret string, graceUntil time.Time, now time.Time) error {
	sub, err := s.GetSubscription(ctx, id)
	if err != nil {
		return err
	}
	b := sq.Update("subscriptions").Where(sq.Eq{"id": id}).
		Set("previous_signing_secret", sub.SigningSecret).
		Set("previous_secret_valid_until", graceUntil.UnixNano()).
		Set("signing_secret", newSecret).
		Set("updated_at", now.UnixNano())
	_, err = s.execBuilder(s.db, b)
	return err
}

// SoftDeleteSubscription sets deleted_at and status=deleted, row
// retained for audit.
func (s *Store) SoftDeleteSubscription(ctx context.Context, id string, now time.Time) error {
	b := sq.Update("subscriptions").Where(sq.Eq{"id": id}).
		Set("status", string(model.SubscriptionDeleted)).
		Set("deleted_at", now.UnixNano()).
		Set("updated_at", now.UnixNano())
	_, err := s.execBuilder(s.db, b)
	return err
}

// ListSubscriptions returns non-deleted subscriptions, newest first,
// for the subscription management API.
func (s *Store) ListSubscriptions(ctx context.Context, limit, offset int) ([]*model.Subscription, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	b := sq.Select(subscriptionColumns...).From("subscriptions").
		Where(sq.Eq{"deleted_at": nil}).
		OrderBy("created_at DESC").
		Limit(uint64(limit)).Offset(uint64(offset))

	var rows []subscriptionRow
	if err := s.selectBuilder(s.db, &rows, b); err != nil {
		return nil, err
	}
	out := make([]*model.Subscription, len(rows))
	for i := range rows {
		out[i] = rows[i].toModel()
	}
	return out, nil
}

// SubscriptionUpdate carries the caller-editable fields of a
// subscription update request; nil fields are left unchanged.
type SubscriptionUpdate struct {
	Name                 *string
	Description          *string
	TargetURL            *string
	CustomHeaders        map[string]string
	EventTypes           []string
	EventSources         []string
	Status               *model.SubscriptionStatus
	RetryStrategy        *model.RetryStrategy
	MaxRetries           *int
	RetryDelaySeconds    *int
	RetryMaxDelaySeconds *int
	TimeoutSeconds       *int
	FailureThreshold     *int
}

// UpdateSubscription applies a partial update to a subscription's
// editable fields.
func (s *Store) UpdateSubscription(ctx context.Context, id string, u SubscriptionUpdate, now time.Time) error {
	b := sq.Update("subscriptions").Where(sq.Eq{"id": id}).Set("updated_at", now.UnixNano())
	if u.Name != nil {
		b = b.Set("name", *u.Name)
	}
	if u.Description != nil {
		b = b.Set("description", *u.Description)
	}
	if u.TargetURL != nil {
		b = b.Set("target_url", *u.TargetURL)
	}
	if u.CustomHeaders != nil {
		headers, _ := json.Marshal(u.CustomHeaders)
		b = b.Set("custom_headers", string(headers))
	}
	if u.EventTypes != nil {
		types, _ := json.Marshal(u.EventTypes)
		b = b.Set("event_types", string(types))
	}
	if u.EventSources != nil {
		sources, _ := json.Marshal(u.EventSources)
		b = b.Set("event_sources", string(sources))
	}
	if u.Status != nil {
		b = b.Set("status", string(*u.Status))
	}
	if u.RetryStrategy != nil {
		b = b.Set("retry_strategy", string(*u.RetryStrategy))
	}
	if u.MaxRetries != nil {
		b = b.Set("max_retries", *u.MaxRetries)
	}
	if u.RetryDelaySeconds != nil {
		b = b.Set("retry_delay_seconds", *u.RetryDelaySeconds)
	}
	if u.RetryMaxDelaySeconds != nil {
		b = b.Set("retry_max_delay_seconds", *u.RetryMaxDelaySeconds)
	}
	if u.TimeoutSeconds != nil {
		b = b.Set("timeout_seconds", *u.TimeoutSeconds)
	}
	if u.FailureThreshold != nil {
		b = b.Set("failure_threshold", *u.FailureThreshold)
	}
	_, err := s.execBuilder(s.db, b)
	return err
}

func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}
