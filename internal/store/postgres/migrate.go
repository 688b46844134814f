package postgres

import (
	"context"
	"fmt"
)

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS sessions (
		id            TEXT PRIMARY KEY,
		name          TEXT NOT NULL,
		description   TEXT NOT NULL DEFAULT '',
		visibility    TEXT NOT NULL DEFAULT 'public',
		capacity      INT NOT NULL CHECK (capacity >= 1),
		creator_id    TEXT NOT NULL,
		current_track JSONB,
		playing       BOOLEAN NOT NULL DEFAULT FALSE,
		position_ms   BIGINT NOT NULL DEFAULT 0,
		updated_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
		guest_control BOOLEAN NOT NULL DEFAULT FALSE,
		queue_mode    TEXT NOT NULL DEFAULT 'collaborative',
		active        BOOLEAN NOT NULL DEFAULT TRUE,
		created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
		ended_at      TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_public
		ON sessions (created_at DESC) WHERE active AND visibility = 'public'`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_playing
		ON sessions (id) WHERE active AND playing`,

	`CREATE TABLE IF NOT EXISTS session_participants (
		session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		user_id    TEXT NOT NULL,
		role       TEXT NOT NULL DEFAULT 'member',
		active     BOOLEAN NOT NULL DEFAULT TRUE,
		joined_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
		left_at    TIMESTAMPTZ,
		PRIMARY KEY (session_id, user_id)
	)`,

	// Positions are shifted row by row when an item is moved, so the
	// (session_id, position) index can't be unique.
	`CREATE TABLE IF NOT EXISTS session_queue_items (
		id         TEXT PRIMARY KEY,
		session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		track      JSONB NOT NULL,
		added_by   TEXT NOT NULL,
		position   INT NOT NULL,
		played     BOOLEAN NOT NULL DEFAULT FALSE,
		added_at   TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_queue_items_unplayed
		ON session_queue_items (session_id, position) WHERE NOT played`,

	`CREATE TABLE IF NOT EXISTS session_invitations (
		id              TEXT PRIMARY KEY,
		session_id      TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		invited_user_id TEXT NOT NULL,
		invited_by_id   TEXT NOT NULL,
		status          TEXT NOT NULL DEFAULT 'pending',
		created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
		responded_at    TIMESTAMPTZ
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_invitations_one_pending
		ON session_invitations (session_id, invited_user_id) WHERE status = 'pending'`,
	`CREATE INDEX IF NOT EXISTS idx_invitations_user
		ON session_invitations (invited_user_id) WHERE status = 'pending'`,
}

// AutoMigrate creates the tables used by Store. It is safe to run on every
// start.
func AutoMigrate(ctx context.Context, db DB) error {
	for i, stmt := range migrations {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate step %d: %w", i+1, err)
		}
	}
	return nil
}
