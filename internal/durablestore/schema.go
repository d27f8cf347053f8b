// Copyright 2025 James Ross
package durablestore

import "fmt"

// Migrate creates the core tables and indexes if absent. Schema
// migrations proper are out of scope; this is the minimal
// bootstrap a test or a fresh deployment needs, grounded on the raw
// CREATE TABLE shapes in mattermost-mattermost-cloud's migrations.
func (s *Store) Migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS events (
			id TEXT PRIMARY KEY,
			event_type TEXT NOT NULL,
			source TEXT NOT NULL,
			data BLOB NOT NULL,
			metadata BLOB,
			status TEXT NOT NULL,
			idempotency_key TEXT,
			credential_id TEXT,
			created_at BIGINT NOT NULL,
			processed_at BIGINT,
			delivery_attempts INTEGER NOT NULL DEFAULT 0,
			successful_deliveries INTEGER NOT NULL DEFAULT 0,
			failed_deliveries INTEGER NOT NULL DEFAULT 0,
			last_error TEXT
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_events_idempotency_key ON events (idempotency_key)`,
		`CREATE INDEX IF NOT EXISTS idx_events_type_source ON events (event_type, source)`,
		`CREATE INDEX IF NOT EXISTS idx_events_status_created ON events (status, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_events_created_at ON events (created_at)`,

		`CREATE TABLE IF NOT EXISTS subscriptions (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			description TEXT,
			target_url TEXT NOT NULL,
			signing_secret TEXT NOT NULL,
			previous_signing_secret TEXT,
			previous_secret_valid_until BIGINT,
			custom_headers TEXT,
			event_types TEXT,
			event_sources TEXT,
			status TEXT NOT NULL,
			retry_strategy TEXT NOT NULL,
			max_retries INTEGER NOT NULL,
			retry_delay_seconds INTEGER NOT NULL,
			retry_max_delay_seconds INTEGER NOT NULL,
			timeout_seconds INTEGER NOT NULL,
			is_healthy BOOLEAN NOT NULL DEFAULT 1,
			consecutive_failures INTEGER NOT NULL DEFAULT 0,
			failure_threshold INTEGER NOT NULL DEFAULT 5,
			last_success_at BIGINT,
			last_failure_at BIGINT,
			last_failure_reason TEXT,
			total_deliveries INTEGER NOT NULL DEFAULT 0,
			successful_deliveries INTEGER NOT NULL DEFAULT 0,
			failed_deliveries INTEGER NOT NULL DEFAULT 0,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL,
			deleted_at BIGINT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_subscriptions_status ON subscriptions (status, deleted_at)`,

		`CREATE TABLE IF NOT EXISTS deliveries (
			id TEXT PRIMARY KEY,
			event_id TEXT NOT NULL,
			subscription_id TEXT NOT NULL,
			status TEXT NOT NULL,
			attempt_count INTEGER NOT NULL DEFAULT 0,
			max_attempts INTEGER NOT NULL,
			scheduled_at BIGINT NOT NULL,
			started_at BIGINT,
			completed_at BIGINT,
			next_retry_at BIGINT,
			retry_delay_seconds INTEGER,
			request_url TEXT,
			request_headers TEXT,
			request_body BLOB,
			signature TEXT,
			response_status_code INTEGER,
			response_headers TEXT,
			response_body BLOB,
			response_time_ms BIGINT,
			error_type TEXT,
			error_message TEXT,
			attempt_history TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_deliveries_claim ON deliveries (status, scheduled_at)`,
		`CREATE INDEX IF NOT EXISTS idx_deliveries_event ON deliveries (event_id)`,
		`CREATE INDEX IF NOT EXISTS idx_deliveries_subscription ON deliveries (subscription_id)`,

		`CREATE TABLE IF NOT EXISTS credentials (
			id TEXT PRIMARY KEY,
			key_hash TEXT NOT NULL,
			scopes TEXT NOT NULL,
			is_active BOOLEAN NOT NULL DEFAULT 1,
			revoked_at BIGINT,
			expires_at BIGINT,
			rate_limit INTEGER
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_credentials_key_hash ON credentials (key_hash)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w (%s)", err, stmt)
		}
	}
	return nil
}
