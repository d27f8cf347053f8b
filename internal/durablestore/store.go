// Copyright 2025 James Ross
// Package durablestore is the row-oriented persistence layer for
// events, deliveries, subscriptions, and credentials.
// Grounded on mattermost-mattermost-cloud/internal/store: sqlx +
// squirrel query building, dual sqlite3/postgres driver support via DSN
// scheme, and the Transaction{Commit,RollbackUnlessCommitted} wrapper.
package durablestore

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	// enable the postgres driver
	_ "github.com/lib/pq"
	// enable the sqlite3 driver
	_ "github.com/mattn/go-sqlite3"
)

// Store abstracts access to the relational database.
type Store struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// New constructs a Store from a DSN. Scheme sqlite/sqlite3 connects to
// an embedded sqlite3 database (serialized to one connection, as
// sqlite3 does not support concurrent writers); postgres/postgresql
// connects to a production Postgres instance.
func New(dsn string, logger *zap.Logger) (*Store, error) {
	// work around net/url treating "file:" as special for sqlite
	// memory DSNs.
	placeholder := dsn
	if strings.Contains(dsn, "file:") {
		placeholder = strings.Replace(dsn, "file:", "fileColonPlaceholder", 1)
	}
	u, err := url.Parse(placeholder)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	u.Host = strings.Replace(u.Host, "fileColonPlaceholder", "file:", 1)

	var db *sqlx.DB

	switch strings.ToLower(u.Scheme) {
	case "sqlite", "sqlite3":
		db, err = sqlx.Connect("sqlite3", fmt.Sprintf("%s?%s", u.Host, u.RawQuery))
		if err != nil {
			return nil, fmt.Errorf("connect sqlite3: %w", err)
		}
		db.SetMaxOpenConns(1)
		db.MapperFunc(func(s string) string { return s })
	case "postgres", "postgresql":
		u.Scheme = "postgres"
		db, err = sqlx.Connect("postgres", u.String())
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported dsn scheme %q", u.Scheme)
	}

	return &Store{db: db, logger: logger}, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error { return s.db.Close() }

type builder interface {
	ToSql() (string, []interface{}, error)
}

func (s *Store) getBuilder(q sqlx.Queryer, dest interface{}, b builder) error {
	query, args, err := b.ToSql()
	if err != nil {
		return fmt.Errorf("build sql: %w", err)
	}
	query = s.db.Rebind(query)
	return sqlx.Get(q, dest, query, args...)
}

func (s *Store) selectBuilder(q sqlx.Queryer, dest interface{}, b builder) error {
	query, args, err := b.ToSql()
	if err != nil {
		return fmt.Errorf("build sql: %w", err)
	}
	query = s.db.Rebind(query)
	return sqlx.Select(q, dest, query, args...)
}

type execer interface {
	Exec(query string, args ...interface{}) (sql.Result, error)
}

func (s *Store) execBuilder(e execer, b builder) (sql.Result, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build sql: %w", err)
	}
	query = s.db.Rebind(query)
	return e.Exec(query, args...)
}

// Transaction wraps *sqlx.Tx with commit-tracking rollback safety.
type Transaction struct {
	*sqlx.Tx
	store     *Store
	committed bool
}

func (s *Store) Begin(ctx context.Context) (*Transaction, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	return &Transaction{Tx: tx, store: s}, nil
}

func (t *Transaction) Commit() error {
	if err := t.Tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	t.committed = true
	return nil
}

// RollbackUnlessCommitted rolls back unless Commit already succeeded;
// call via defer immediately after Begin.
func (t *Transaction) RollbackUnlessCommitted() {
	if t.committed {
		return
	}
	if err := t.Tx.Rollback(); err != nil && t.store.logger != nil {
		t.store.logger.Error("rollback uncommitted transaction", zap.Error(err))
	}
}

// placeholderFormat returns the squirrel placeholder format for db's
// driver: $N for postgres, ? otherwise.
func placeholderFormat(db *sqlx.DB) sq.PlaceholderFormat {
	if db.DriverName() == "postgres" {
		return sq.Dollar
	}
	return sq.Question
}
