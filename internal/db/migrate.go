package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Migration is one schema change, applied at most once.
type Migration struct {
	Version int
	Name    string
	SQL     string
}

// Conn is the subset of *pgxpool.Pool used by Migrate.
type Conn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Begin(ctx context.Context) (pgx.Tx, error)
}

var Migrations = []Migration{
	{
		Version: 1,
		Name:    "core",
		SQL: `
CREATE TABLE IF NOT EXISTS therapists (
    id UUID PRIMARY KEY,
    name TEXT NOT NULL,
    working_hours JSONB NOT NULL DEFAULT '{}',
    service_ids UUID[] NOT NULL DEFAULT '{}',
    allow_patient_booking BOOLEAN NOT NULL DEFAULT false,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS services (
    id UUID PRIMARY KEY,
    name TEXT NOT NULL,
    duration_minutes INTEGER NOT NULL CHECK (duration_minutes > 0),
    price_cents BIGINT NOT NULL DEFAULT 0,
    category TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS appointments (
    id UUID PRIMARY KEY,
    title TEXT NOT NULL,
    therapist_id UUID NOT NULL REFERENCES therapists(id),
    client_id UUID,
    service_id UUID REFERENCES services(id),
    client_name TEXT NOT NULL DEFAULT '',
    client_email TEXT NOT NULL DEFAULT '',
    start_time TIMESTAMPTZ NOT NULL,
    end_time TIMESTAMPTZ NOT NULL,
    status TEXT NOT NULL CHECK (status IN ('scheduled', 'checked-in', 'completed', 'cancelled', 'no-show', 'waitlist')),
    type TEXT NOT NULL CHECK (type IN ('appointment', 'break', 'blocked')),
    notes TEXT NOT NULL DEFAULT '',
    is_draggable BOOLEAN,
    is_resizable BOOLEAN,
    min_duration INTEGER,
    max_duration INTEGER,
    recurrence JSONB,
    is_recurring BOOLEAN NOT NULL DEFAULT false,
    recurrence_group_id UUID,
    is_exception BOOLEAN NOT NULL DEFAULT false,
    created_by TEXT NOT NULL DEFAULT 'admin',
    version INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    CHECK (end_time > start_time)
);

CREATE INDEX IF NOT EXISTS idx_appointments_therapist_range
    ON appointments (therapist_id, start_time, end_time);

CREATE TABLE IF NOT EXISTS event_logs (
    id BIGSERIAL PRIMARY KEY,
    event_type TEXT NOT NULL,
    appointment_id UUID,
    payload JSONB,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);`,
	},
	{
		Version: 2,
		Name:    "recurrence_series",
		SQL: `
CREATE TABLE IF NOT EXISTS recurrence_series (
    id UUID PRIMARY KEY,
    template JSONB NOT NULL,
    pattern JSONB NOT NULL,
    materialized_until TIMESTAMPTZ NOT NULL,
    active BOOLEAN NOT NULL DEFAULT true,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_appointments_recurrence_group
    ON appointments (recurrence_group_id)
    WHERE recurrence_group_id IS NOT NULL;`,
	},
}

// Migrate applies every migration not yet recorded in schema_migrations,
// each in its own transaction, and returns how many ran.
func Migrate(ctx context.Context, conn Conn) (int, error) {
	if _, err := conn.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`); err != nil {
		return 0, fmt.Errorf("create schema_migrations: %w", err)
	}

	applied, err := appliedVersions(ctx, conn)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, m := range Migrations {
		if applied[m.Version] {
			continue
		}
		if err := apply(ctx, conn, m); err != nil {
			return count, fmt.Errorf("apply migration %d (%s): %w", m.Version, m.Name, err)
		}
		count++
	}
	return count, nil
}

func appliedVersions(ctx context.Context, conn Conn) (map[int]bool, error) {
	rows, err := conn.Query(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("query applied migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scan migration version: %w", err)
		}
		applied[v] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate applied migrations: %w", err)
	}
	return applied, nil
}

func apply(ctx context.Context, conn Conn, m Migration) error {
	tx, err := conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, m.SQL); err != nil {
		return fmt.Errorf("execute: %w", err)
	}
	if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations (version, name) VALUES ($1, $2)`, m.Version, m.Name); err != nil {
		return fmt.Errorf("record: %w", err)
	}
	return tx.Commit(ctx)
}
