package sqlstore

import (
	"context"
	"fmt"
	"strings"
)

// column types differ per dialect; statements use {ts}, {real} and {money}
var columnTypes = map[Dialect]*strings.Replacer{
	SQLite:   strings.NewReplacer("{ts}", "DATETIME", "{real}", "REAL", "{money}", "INTEGER"),
	Postgres: strings.NewReplacer("{ts}", "TIMESTAMPTZ", "{real}", "DOUBLE PRECISION", "{money}", "BIGINT"),
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS workshops (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		name TEXT NOT NULL,
		phone TEXT NOT NULL DEFAULT '',
		latitude {real} NOT NULL,
		longitude {real} NOT NULL,
		address TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'OPEN',
		rating {real} NOT NULL DEFAULT 0,
		created_at {ts} NOT NULL,
		updated_at {ts} NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS workers (
		id TEXT PRIMARY KEY,
		workshop_id TEXT NOT NULL REFERENCES workshops(id),
		user_id TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL DEFAULT '',
		specializations TEXT NOT NULL DEFAULT '[]',
		is_available BOOLEAN NOT NULL DEFAULT TRUE,
		created_at {ts} NOT NULL,
		updated_at {ts} NOT NULL,
		UNIQUE (workshop_id, user_id)
	)`,

	`CREATE TABLE IF NOT EXISTS service_requests (
		id TEXT PRIMARY KEY,
		requester_id TEXT NOT NULL,
		name TEXT NOT NULL,
		description TEXT NOT NULL,
		issue_description TEXT NOT NULL,
		vehicle_info TEXT NOT NULL DEFAULT '',
		contact_phone TEXT NOT NULL DEFAULT '',
		workshop_id TEXT REFERENCES workshops(id),
		assigned_worker_id TEXT REFERENCES workers(id),
		status TEXT NOT NULL,
		priority TEXT NOT NULL,
		latitude {real} NOT NULL,
		longitude {real} NOT NULL,
		address TEXT NOT NULL DEFAULT '',
		tracking_code TEXT NOT NULL UNIQUE,
		preferred_start {ts},
		preferred_end {ts},
		estimated_completion {ts},
		completed_at {ts},
		created_at {ts} NOT NULL,
		updated_at {ts} NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS quotations (
		id TEXT PRIMARY KEY,
		service_request_id TEXT NOT NULL REFERENCES service_requests(id),
		workshop_id TEXT NOT NULL REFERENCES workshops(id),
		service_charges {money} NOT NULL CHECK (service_charges >= 0),
		variable_cost {money} NOT NULL CHECK (variable_cost >= 0),
		spare_parts_cost {money} NOT NULL CHECK (spare_parts_cost >= 0),
		total_amount {money} NOT NULL,
		notes TEXT NOT NULL DEFAULT '',
		valid_until {ts} NOT NULL,
		is_accepted BOOLEAN NOT NULL DEFAULT FALSE,
		accepted_at {ts},
		created_at {ts} NOT NULL,
		updated_at {ts} NOT NULL,
		UNIQUE (service_request_id, workshop_id)
	)`,

	// at most one accepted quotation per request, whatever the caller does
	`CREATE UNIQUE INDEX IF NOT EXISTS uq_quotations_accepted ON quotations(service_request_id) WHERE is_accepted`,

	`CREATE TABLE IF NOT EXISTS status_history (
		id TEXT PRIMARY KEY,
		service_request_id TEXT NOT NULL REFERENCES service_requests(id),
		from_status TEXT NOT NULL DEFAULT '',
		to_status TEXT NOT NULL,
		actor_id TEXT NOT NULL,
		note TEXT NOT NULL DEFAULT '',
		created_at {ts} NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS outbox_events (
		id TEXT PRIMARY KEY,
		event_type TEXT NOT NULL,
		aggregate_id TEXT NOT NULL,
		payload TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		created_at {ts} NOT NULL,
		published_at {ts}
	)`,

	`CREATE TABLE IF NOT EXISTS idempotency_keys (
		idem_key TEXT PRIMARY KEY,
		operation TEXT NOT NULL,
		resource_id TEXT NOT NULL,
		actor_id TEXT NOT NULL,
		created_at {ts} NOT NULL
	)`,

	`CREATE INDEX IF NOT EXISTS idx_workshops_location ON workshops(latitude, longitude)`,
	`CREATE INDEX IF NOT EXISTS idx_workshops_owner ON workshops(owner_id)`,
	`CREATE INDEX IF NOT EXISTS idx_workers_workshop ON workers(workshop_id)`,
	`CREATE INDEX IF NOT EXISTS idx_requests_requester ON service_requests(requester_id)`,
	`CREATE INDEX IF NOT EXISTS idx_requests_workshop ON service_requests(workshop_id, status)`,
	`CREATE INDEX IF NOT EXISTS idx_requests_worker ON service_requests(assigned_worker_id, status)`,
	`CREATE INDEX IF NOT EXISTS idx_quotations_request ON quotations(service_request_id)`,
	`CREATE INDEX IF NOT EXISTS idx_history_request ON status_history(service_request_id, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_outbox_pending ON outbox_events(published_at, created_at)`,
}

// Migrate runs database migrations
func (db *DB) Migrate(ctx context.Context) error {
	types := columnTypes[db.dialect]
	for i, m := range migrations {
		if _, err := db.ExecContext(ctx, types.Replace(m)); err != nil {
			return fmt.Errorf("migration %d failed: %w", i, err)
		}
	}
	return nil
}
