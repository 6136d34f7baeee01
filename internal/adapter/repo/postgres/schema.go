package postgres

import (
	"context"
	"fmt"
)

// schemaDDL bootstraps the loader schema. All statements are idempotent so
// replicas can race on startup without coordination.
var schemaDDL = []string{
	`CREATE SCHEMA IF NOT EXISTS loader`,
	`CREATE TABLE IF NOT EXISTS loader.source_database (
		id BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
		db_code TEXT NOT NULL UNIQUE,
		db_type TEXT NOT NULL,
		ip TEXT NOT NULL,
		port INTEGER NOT NULL,
		db_name TEXT NOT NULL,
		user_name TEXT NOT NULL,
		pass_word TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS loader.loader (
		id BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
		loader_code TEXT NOT NULL UNIQUE,
		loader_sql TEXT NOT NULL,
		source_database_id BIGINT NOT NULL REFERENCES loader.source_database(id),
		load_status TEXT NOT NULL DEFAULT 'IDLE',
		enabled BOOLEAN NOT NULL DEFAULT FALSE,
		approval_status TEXT NOT NULL DEFAULT 'PENDING_APPROVAL',
		min_interval_seconds INTEGER NOT NULL,
		max_interval_seconds INTEGER NOT NULL,
		max_query_period_seconds INTEGER NOT NULL,
		max_parallel_executions INTEGER NOT NULL DEFAULT 1,
		last_load_timestamp TIMESTAMPTZ,
		source_timezone_offset_hours INTEGER NOT NULL DEFAULT 0,
		aggregation_period_seconds INTEGER,
		purge_strategy TEXT NOT NULL DEFAULT 'FAIL_ON_DUPLICATE',
		failed_since TIMESTAMPTZ,
		consecutive_zero_record_runs INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		created_by TEXT NOT NULL DEFAULT '',
		updated_by TEXT NOT NULL DEFAULT '',
		approved_by TEXT NOT NULL DEFAULT '',
		approved_at TIMESTAMPTZ,
		rejected_by TEXT NOT NULL DEFAULT '',
		rejected_at TIMESTAMPTZ,
		rejection_reason TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS loader.load_history (
		id BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
		loader_code TEXT NOT NULL,
		source_database_code TEXT NOT NULL DEFAULT '',
		replica_name TEXT NOT NULL,
		start_time TIMESTAMPTZ NOT NULL,
		end_time TIMESTAMPTZ,
		duration_seconds BIGINT,
		query_from_time TIMESTAMPTZ,
		query_to_time TIMESTAMPTZ,
		status TEXT NOT NULL,
		records_loaded BIGINT NOT NULL DEFAULT 0,
		records_ingested BIGINT NOT NULL DEFAULT 0,
		error_message TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS load_history_loader_start_idx
		ON loader.load_history (loader_code, start_time)`,
	`CREATE TABLE IF NOT EXISTS loader.loader_execution_lock (
		id BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
		loader_code TEXT NOT NULL,
		replica_name TEXT NOT NULL,
		acquired_at TIMESTAMPTZ NOT NULL,
		released BOOLEAN NOT NULL DEFAULT FALSE,
		released_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS loader_execution_lock_code_released_idx
		ON loader.loader_execution_lock (loader_code, released)`,
	`CREATE TABLE IF NOT EXISTS loader.signals_history (
		loader_code TEXT NOT NULL,
		load_time_stamp BIGINT NOT NULL,
		segment_code TEXT NOT NULL,
		rec_count BIGINT,
		max_val DOUBLE PRECISION,
		min_val DOUBLE PRECISION,
		avg_val DOUBLE PRECISION,
		sum_val DOUBLE PRECISION,
		create_time TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (loader_code, load_time_stamp, segment_code)
	)`,
	`CREATE TABLE IF NOT EXISTS loader.segment_dictionary (
		loader_code TEXT NOT NULL,
		segment_code BIGINT NOT NULL,
		seg1 TEXT, seg2 TEXT, seg3 TEXT, seg4 TEXT, seg5 TEXT,
		seg6 TEXT, seg7 TEXT, seg8 TEXT, seg9 TEXT, seg10 TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (loader_code, segment_code)
	)`,
	// NULLS NOT DISTINCT so two tuples with the same nil slots collide
	// (requires PostgreSQL 15+).
	`CREATE UNIQUE INDEX IF NOT EXISTS segment_dictionary_tuple_idx
		ON loader.segment_dictionary (loader_code, seg1, seg2, seg3, seg4,
			seg5, seg6, seg7, seg8, seg9, seg10) NULLS NOT DISTINCT`,
}

// EnsureSchema applies the loader schema DDL.
func EnsureSchema(ctx context.Context, pool PgxPool) error {
	for _, stmt := range schemaDDL {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("op=schema.ensure: %w", err)
		}
	}
	return nil
}
