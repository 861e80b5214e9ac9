package postgres

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Migrate applies the dispatch schema. Statements are idempotent so the
// function is safe to run on every startup.
//
// The partial unique indexes back the core invariants at the storage level:
// at most one non-terminal ride per rider, at most one driver-active ride per
// driver. The application enforces both transactionally; the indexes make a
// bypass impossible.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS rides (
			id              UUID PRIMARY KEY,
			rider_id        TEXT NOT NULL,
			driver_id       TEXT,
			pickup_name     TEXT NOT NULL,
			pickup_lat      DOUBLE PRECISION NOT NULL,
			pickup_lng      DOUBLE PRECISION NOT NULL,
			pickup_snapped  BOOLEAN NOT NULL DEFAULT FALSE,
			dropoff_name    TEXT NOT NULL,
			dropoff_lat     DOUBLE PRECISION NOT NULL,
			dropoff_lng     DOUBLE PRECISION NOT NULL,
			dropoff_snapped BOOLEAN NOT NULL DEFAULT FALSE,
			passengers      INTEGER NOT NULL,
			status          TEXT NOT NULL,
			requested_at    TIMESTAMPTZ NOT NULL,
			picked_up_at    TIMESTAMPTZ,
			completed_at    TIMESTAMPTZ,
			version         BIGINT NOT NULL DEFAULT 0
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS rides_one_active_per_rider
			ON rides (rider_id)
			WHERE status NOT IN ('COMPLETED', 'CANCELED')`,
		`CREATE UNIQUE INDEX IF NOT EXISTS rides_one_active_per_driver
			ON rides (driver_id)
			WHERE status IN ('VIEWING', 'DRIVING_TO_PICK_UP', 'DRIVER_AT_PICK_UP', 'DRIVING_TO_DESTINATION')`,
		`CREATE INDEX IF NOT EXISTS rides_status ON rides (status, requested_at)`,
		`CREATE TABLE IF NOT EXISTS ride_call_logs (
			ride_id      UUID NOT NULL REFERENCES rides (id),
			seq          INTEGER NOT NULL,
			caller       TEXT NOT NULL,
			callee       TEXT NOT NULL,
			phone_number TEXT NOT NULL,
			called_at    TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (ride_id, seq)
		)`,
		`CREATE TABLE IF NOT EXISTS profiles (
			subject      TEXT PRIMARY KEY,
			role         TEXT NOT NULL,
			display_name TEXT NOT NULL,
			phone_number TEXT NOT NULL,
			onboarded    BOOLEAN NOT NULL DEFAULT FALSE,
			created_at   TIMESTAMPTZ NOT NULL,
			updated_at   TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS recent_locations (
			subject  TEXT NOT NULL,
			position INTEGER NOT NULL,
			name     TEXT NOT NULL,
			lat      DOUBLE PRECISION NOT NULL,
			lng      DOUBLE PRECISION NOT NULL,
			snapped  BOOLEAN NOT NULL DEFAULT FALSE,
			PRIMARY KEY (subject, position)
		)`,
		`CREATE TABLE IF NOT EXISTS problem_records (
			subject    TEXT PRIMARY KEY,
			category   TEXT NOT NULL,
			reason     TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
