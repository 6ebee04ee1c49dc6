package storage

import (
	"context"
	"fmt"
)

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS accounts (
		id TEXT PRIMARY KEY,
		follows_last_update INTEGER NOT NULL DEFAULT 0,
		last_notification_read INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS account_details (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		about TEXT NOT NULL DEFAULT '',
		picture_url TEXT NOT NULL DEFAULT '',
		nip05_id TEXT NOT NULL DEFAULT '',
		lud16_id TEXT NOT NULL DEFAULT '',
		lud06_url TEXT NOT NULL DEFAULT '',
		details_last_update INTEGER NOT NULL DEFAULT 0,
		details_last_received INTEGER NOT NULL DEFAULT 0,
		nip05_valid INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_account_details_received ON account_details(details_last_received)`,
	`CREATE TABLE IF NOT EXISTS follows (
		account_id TEXT NOT NULL,
		follow_id TEXT NOT NULL,
		PRIMARY KEY (account_id, follow_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_follows_follow ON follows(follow_id)`,
	`CREATE TABLE IF NOT EXISTS deleted_events (
		event_id TEXT NOT NULL,
		deleted_by TEXT NOT NULL,
		PRIMARY KEY (event_id, deleted_by)
	)`,
}

// runMigrations creates the account and deletion tables next to the event store
func (s *Storage) runMigrations(ctx context.Context) error {
	for i, stmt := range migrations {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d failed: %w", i, err)
		}
	}
	return nil
}
