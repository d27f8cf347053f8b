// Copyright 2025 James Ross
package durablestore

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/flyingrobots/eventrelay/internal/model"
)

// ErrNotFound is returned when a row lookup finds nothing.
var ErrNotFound = errors.New("durablestore: not found")

// ErrConflict is returned on a unique-constraint violation (idempotency
// key collision).
var ErrConflict = errors.New("durablestore: conflict")

type eventRow struct {
	ID                   string         `db:"id"`
	EventType            string         `db:"event_type"`
	Source               string         `db:"source"`
	Data                 []byte         `db:"data"`
	Metadata             []byte         `db:"metadata"`
	Status               string         `db:"status"`
	IdempotencyKey       sql.NullString `db:"idempotency_key"`
	CredentialID         sql.NullString `db:"credential_id"`
	CreatedAt            int64          `db:"created_at"`
	ProcessedAt          sql.NullInt64  `db:"processed_at"`
	DeliveryAttempts     int            `db:"delivery_attempts"`
	SuccessfulDeliveries int            `db:"successful_deliveries"`
	FailedDeliveries     int            `db:"failed_deliveries"`
	LastError            sql.NullString `db:"last_error"`
}

func (r *eventRow) toModel() *model.Event {
	e := &model.Event{
		ID:                   r.ID,
		EventType:            r.EventType,
		Source:               r.Source,
		Data:                 r.Data,
		Metadata:             r.Metadata,
		Status:               model.EventStatus(r.Status),
		CreatedAt:            time.Unix(0, r.CreatedAt),
		DeliveryAttempts:     r.DeliveryAttempts,
		SuccessfulDeliveries: r.SuccessfulDeliveries,
		FailedDeliveries:     r.FailedDeliveries,
	}
	if r.IdempotencyKey.Valid {
		v := r.IdempotencyKey.String
		e.IdempotencyKey = &v
	}
	if r.CredentialID.Valid {
		v := r.CredentialID.String
		e.CredentialID = &v
	}
	if r.ProcessedAt.Valid {
		t := time.Unix(0, r.ProcessedAt.Int64)
		e.ProcessedAt = &t
	}
	if r.LastError.Valid {
		v := r.LastError.String
		e.LastError = &v
	}
	return e
}

// CreateEvent persists a new event row with the caller-set status. Returns ErrConflict if idempotency_key already exists.
func (s *Store) CreateEvent(ctx context.Context, e *model.Event) error {
	b := sq.Insert("events").
		Columns("id", "event_type", "source", "data", "metadata", "status",
			"idempotency_key", "credential_id", "created_at", "delivery_attempts",
			"successful_deliveries", "failed_deliveries").
		Values(e.ID, e.EventType, e.Source, e.Data, e.Metadata, string(e.Status),
			nullableString(e.IdempotencyKey), nullableString(e.CredentialID),
			e.CreatedAt.UnixNano(), e.DeliveryAttempts, e.SuccessfulDeliveries, e.FailedDeliveries)

	_, err := s.execBuilder(s.db, b)
	if err != nil && isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

// GetEvent loads a single event by id.
func (s *Store) GetEvent(ctx context.Context, id string) (*model.Event, error) {
	b := sq.Select("id", "event_type", "source", "data", "metadata", "status",
		"idempotency_key", "credential_id", "created_at", "processed_at",
		"delivery_attempts", "successful_deliveries", "failed_deliveries", "last_error").
		From("events").Where(sq.Eq{"id": id})

	var row eventRow
	if err := s.getBuilder(s.db, &row, b); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return row.toModel(), nil
}

// GetEventByIdempotencyKey looks up an event by its unique idempotency
// key.
func (s *Store) GetEventByIdempotencyKey(ctx context.Context, key string) (*model.Event, error) {
	b := sq.Select("id", "event_type", "source", "data", "metadata", "status",
		"idempotency_key", "credential_id", "created_at", "processed_at",
		"delivery_attempts", "successful_deliveries", "failed_deliveries", "last_error").
		From("events").Where(sq.Eq{"idempotency_key": key})

	var row eventRow
	if err := s.getBuilder(s.db, &row, b); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return row.toModel(), nil
}

// EventFilter narrows ListEvents and the processor's pending scan.
type EventFilter struct {
	Status    model.EventStatus
	EventType string
	Source    string
}

// ListEvents returns up to limit events ordered created_at DESC, id
// DESC, starting after cursor if given.
func (s *Store) ListEvents(ctx context.Context, f EventFilter, limit int, cursor *Cursor) ([]*model.Event, *Cursor, error) {
	b := sq.Select("id", "event_type", "source", "data", "metadata", "status",
		"idempotency_key", "credential_id", "created_at", "processed_at",
		"delivery_attempts", "successful_deliveries", "failed_deliveries", "last_error").
		From("events").
		OrderBy("created_at DESC", "id DESC").
		Limit(uint64(limit + 1))

	if f.Status != "" {
		b = b.Where(sq.Eq{"status": string(f.Status)})
	}
	if f.EventType != "" {
		b = b.Where(sq.Eq{"event_type": f.EventType})
	}
	if f.Source != "" {
		b = b.Where(sq.Eq{"source": f.Source})
	}
	if cursor != nil {
		b = b.Where(sq.Or{
			sq.Lt{"created_at": cursor.CreatedAtNano},
			sq.And{sq.Eq{"created_at": cursor.CreatedAtNano}, sq.Lt{"id": cursor.ID}},
		})
	}

	var rows []eventRow
	if err := s.selectBuilder(s.db, &rows, b); err != nil {
		return nil, nil, err
	}

	var next *Cursor
	if len(rows) > limit {
		tail := rows[limit-1]
		next = &Cursor{CreatedAtNano: tail.CreatedAt, ID: tail.ID}
		rows = rows[:limit]
	}

	out := make([]*model.Event, len(rows))
	for i := range rows {
		out[i] = rows[i].toModel()
	}
	return out, next, nil
}

// PendingEventsOlderThan is the processor's catch-up scan: status =
// pending events whose created_at is older than the given age, oldest
// first, capped at batchSize.
func (s *Store) PendingEventsOlderThan(ctx context.Context, age time.Duration, batchSize int) ([]*model.Event, error) {
	cutoff := time.Now().Add(-age).UnixNano()
	b := sq.Select("id", "event_type", "source", "data", "metadata", "status",
		"idempotency_key", "credential_id", "created_at", "processed_at",
		"delivery_attempts", "successful_deliveries", "failed_deliveries", "last_error").
		From("events").
		Where(sq.Eq{"status": string(model.EventPending)}).
		Where(sq.LtOrEq{"created_at": cutoff}).
		OrderBy("created_at ASC").
		Limit(uint64(batchSize))

	var rows []eventRow
	if err := s.selectBuilder(s.db, &rows, b); err != nil {
		return nil, err
	}
	out := make([]*model.Event, len(rows))
	for i := range rows {
		out[i] = rows[i].toModel()
	}
	return out, nil
}

// UpdateEventStatus transitions an event's status and optional
// terminal/processing fields.
func (s *Store) UpdateEventStatus(ctx context.Context, id string, status model.EventStatus, opts EventUpdateOpts) error {
	b := sq.Update("events").Set("status", string(status)).Where(sq.Eq{"id": id})
	if opts.ProcessedAt != nil {
		b = b.Set("processed_at", opts.ProcessedAt.UnixNano())
	}
	if opts.DeliveryAttempts != nil {
		b = b.Set("delivery_attempts", *opts.DeliveryAttempts)
	}
	if opts.IncrSuccessful {
		b = b.Set("successful_deliveries", sq.Expr("successful_deliveries + 1"))
	}
	if opts.IncrFailed {
		b = b.Set("failed_deliveries", sq.Expr("failed_deliveries + 1"))
	}
	if opts.LastError != nil {
		b = b.Set("last_error", *opts.LastError)
	}
	_, err := s.execBuilder(s.db, b)
	return err
}

// EventUpdateOpts are the optional fields UpdateEventStatus may set.
type EventUpdateOpts struct {
	ProcessedAt      *time.Time
	DeliveryAttempts *int
	IncrSuccessful   bool
	IncrFailed       bool
	LastError        *string
}

func nullableString(s *string) interface{} {
	if s == nil {
		return nil
	}
	return *s
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint") ||
		strings.Contains(msg, "duplicate key") ||
		strings.Contains(msg, "unique constraint")
}
