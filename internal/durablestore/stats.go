// Copyright 2025 James Ross
package durablestore

import (
	"context"

	sq "github.com/Masterminds/squirrel"
)

type statusCountRow struct {
	Status string `db:"status"`
	N      int64  `db:"n"`
}

func (s *Store) countByStatus(ctx context.Context, table string) (map[string]int64, error) {
	b := sq.Select("status", "COUNT(*) AS n").From(table).GroupBy("status")
	var rows []statusCountRow
	if err := s.selectBuilder(s.db, &rows, b); err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(rows))
	for _, r := range rows {
		out[r.Status] = r.N
	}
	return out, nil
}

// CountEventsByStatus groups the events table by status.
func (s *Store) CountEventsByStatus(ctx context.Context) (map[string]int64, error) {
	return s.countByStatus(ctx, "events")
}

// CountDeliveriesByStatus groups the deliveries table by status.
func (s *Store) CountDeliveriesByStatus(ctx context.Context) (map[string]int64, error) {
	return s.countByStatus(ctx, "deliveries")
}

// CountSubscriptionsByStatus groups non-deleted subscriptions by
// status, plus the number currently unhealthy.
func (s *Store) CountSubscriptionsByStatus(ctx context.Context) (map[string]int64, int64, error) {
	b := sq.Select("status", "COUNT(*) AS n").From("subscriptions").
		Where(sq.Eq{"deleted_at": nil}).GroupBy("status")
	var rows []statusCountRow
	if err := s.selectBuilder(s.db, &rows, b); err != nil {
		return nil, 0, err
	}
	out := make(map[string]int64, len(rows))
	for _, r := range rows {
		out[r.Status] = r.N
	}

	unhealthyB := sq.Select("COUNT(*) AS n").From("subscriptions").
		Where(sq.Eq{"deleted_at": nil}).Where(sq.Eq{"is_healthy": false})
	var unhealthy struct {
		N int64 `db:"n"`
	}
	if err := s.getBuilder(s.db, &unhealthy, unhealthyB); err != nil {
		return nil, 0, err
	}
	return out, unhealthy.N, nil
}
