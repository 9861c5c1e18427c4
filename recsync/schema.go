// Copyright 2026 Eyelink Media
// SPDX-License-Identifier: Apache-2.0

package recsync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// initializeDatabase creates the durable reconciler tables (private function)
func initializeDatabase(db *sql.DB) error {
	// Enable WAL mode and foreign keys
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	tables := []string{
		// Association table: bijection between local rows and remote
		// identities, UNIQUE in both directions.
		`CREATE TABLE IF NOT EXISTS _recsync_record (
			collection     TEXT NOT NULL,
			key            TEXT NOT NULL,
			record_name    TEXT NOT NULL,
			zone_id        TEXT NOT NULL,
			store_id       TEXT NOT NULL DEFAULT '',
			system_fields  BLOB,
			updated_at     TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
			PRIMARY KEY (collection, key),
			UNIQUE (record_name, zone_id, store_id)
		)`,

		// Pending-operation queue. changeset_id 0 = ready; >0 = drained into
		// an unconfirmed changeset. seq keeps causal submission order.
		`CREATE TABLE IF NOT EXISTS _recsync_queue (
			seq            INTEGER PRIMARY KEY AUTOINCREMENT,
			record_name    TEXT NOT NULL,
			zone_id        TEXT NOT NULL,
			store_id       TEXT NOT NULL DEFAULT '',
			op             TEXT NOT NULL CHECK (op IN ('UPLOAD','DELETE')),
			payload        TEXT, -- JSON snapshot captured at enqueue time (NULL for DELETE)
			system_fields  BLOB,
			changeset_id   INTEGER NOT NULL DEFAULT 0,
			queued_at      TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		)`,

		`CREATE INDEX IF NOT EXISTS idx_recsync_queue_identity
			ON _recsync_queue (record_name, zone_id, store_id)`,

		// Per-store client info: persisted source id and the monotonic
		// changeset id counter.
		`CREATE TABLE IF NOT EXISTS _recsync_client (
			store_id           TEXT NOT NULL DEFAULT '',
			source_id          TEXT NOT NULL,
			next_changeset_id  INTEGER NOT NULL DEFAULT 1,
			PRIMARY KEY (store_id)
		)`,
	}

	for _, table := range tables {
		if _, err := db.Exec(table); err != nil {
			return fmt.Errorf("failed to create reconciler table: %w", err)
		}
	}

	return nil
}

// EnsureSourceID generates and persists a source ID for the given remote
// store if not already present.
func EnsureSourceID(db *sql.DB, storeID string) (string, error) {
	var sourceID string
	err := db.QueryRow(`SELECT source_id FROM _recsync_client WHERE store_id = ?`, storeID).Scan(&sourceID)
	if errors.Is(err, sql.ErrNoRows) {
		sourceID = uuid.New().String()
		_, err = db.Exec(`
			INSERT INTO _recsync_client (store_id, source_id, next_changeset_id)
			VALUES (?, ?, 1)
		`, storeID, sourceID)
		if err != nil {
			return "", fmt.Errorf("failed to insert client info: %w", err)
		}
	} else if err != nil {
		return "", fmt.Errorf("failed to query client info: %w", err)
	}
	return sourceID, nil
}

// ensureClientRowInTx creates the per-store client row if missing and returns
// the persisted source id.
func ensureClientRowInTx(ctx context.Context, tx *sql.Tx, storeID string) (string, error) {
	var sourceID string
	err := tx.QueryRowContext(ctx, `SELECT source_id FROM _recsync_client WHERE store_id = ?`, storeID).Scan(&sourceID)
	if errors.Is(err, sql.ErrNoRows) {
		sourceID = uuid.New().String()
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO _recsync_client (store_id, source_id, next_changeset_id)
			VALUES (?, ?, 1)
		`, storeID, sourceID); err != nil {
			return "", fmt.Errorf("failed to insert client info: %w", err)
		}
		return sourceID, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to query client info: %w", err)
	}
	return sourceID, nil
}

// nextChangeSetIDInTx allocates the next monotonic changeset id for a store.
func nextChangeSetIDInTx(ctx context.Context, tx *sql.Tx, storeID string) (int64, error) {
	if _, err := ensureClientRowInTx(ctx, tx, storeID); err != nil {
		return 0, err
	}
	var id int64
	if err := tx.QueryRowContext(ctx, `SELECT next_changeset_id FROM _recsync_client WHERE store_id = ?`, storeID).Scan(&id); err != nil {
		return 0, fmt.Errorf("failed to read changeset counter: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE _recsync_client SET next_changeset_id = ? WHERE store_id = ?`, id+1, storeID); err != nil {
		return 0, fmt.Errorf("failed to advance changeset counter: %w", err)
	}
	return id, nil
}
