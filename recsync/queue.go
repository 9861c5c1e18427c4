// Copyright 2026 Eyelink Media
// SPDX-License-Identifier: Apache-2.0

package recsync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// enqueueUpload queues an upload for the identity, collapsing into the ready
// upload row when one exists: last write wins on payload and system fields,
// while the original seq keeps causal submission order. Any unconfirmed
// delete for the identity blocks the upload.
func (t *Tx) enqueueUpload(ctx context.Context, id RemoteID, payload json.RawMessage, systemFields []byte) error {
	if limit := t.r.config.MaxPayloadBytes; limit > 0 && len(payload) > limit {
		return fmt.Errorf("payload for %s is %d bytes, limit is %d", id, len(payload), limit)
	}

	var pendingDeletes int
	err := t.tx.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM _recsync_queue
		WHERE record_name = ? AND zone_id = ? AND store_id = ? AND op = 'DELETE'
	`, id.RecordName, id.ZoneID, id.StoreID).Scan(&pendingDeletes)
	if err != nil {
		return fmt.Errorf("failed to check pending deletes: %w", err)
	}
	if pendingDeletes > 0 {
		return fmt.Errorf("%w: %s", ErrConflictingPendingDelete, id)
	}

	var payloadArg any
	if payload != nil {
		payloadArg = string(payload)
	}
	res, err := t.tx.ExecContext(ctx, `
		UPDATE _recsync_queue SET payload = ?, system_fields = ?
		WHERE record_name = ? AND zone_id = ? AND store_id = ? AND op = 'UPLOAD' AND changeset_id = 0
	`, payloadArg, systemFields, id.RecordName, id.ZoneID, id.StoreID)
	if err != nil {
		return fmt.Errorf("failed to collapse pending upload: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		return nil
	}

	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO _recsync_queue (record_name, zone_id, store_id, op, payload, system_fields)
		VALUES (?, ?, ?, 'UPLOAD', ?, ?)
	`, id.RecordName, id.ZoneID, id.StoreID, payloadArg, systemFields)
	if err != nil {
		return fmt.Errorf("failed to queue upload: %w", err)
	}
	return nil
}

// enqueueDelete queues a delete for the identity, cancelling any ready upload
// for it. Duplicate ready deletes collapse into one.
func (t *Tx) enqueueDelete(ctx context.Context, id RemoteID) error {
	if _, err := t.tx.ExecContext(ctx, `
		DELETE FROM _recsync_queue
		WHERE record_name = ? AND zone_id = ? AND store_id = ? AND op = 'UPLOAD' AND changeset_id = 0
	`, id.RecordName, id.ZoneID, id.StoreID); err != nil {
		return fmt.Errorf("failed to cancel pending upload: %w", err)
	}

	var readyDeletes int
	err := t.tx.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM _recsync_queue
		WHERE record_name = ? AND zone_id = ? AND store_id = ? AND op = 'DELETE' AND changeset_id = 0
	`, id.RecordName, id.ZoneID, id.StoreID).Scan(&readyDeletes)
	if err != nil {
		return fmt.Errorf("failed to check ready deletes: %w", err)
	}
	if readyDeletes > 0 {
		return nil
	}

	if _, err := t.tx.ExecContext(ctx, `
		INSERT INTO _recsync_queue (record_name, zone_id, store_id, op, payload, system_fields)
		VALUES (?, ?, ?, 'DELETE', NULL, NULL)
	`, id.RecordName, id.ZoneID, id.StoreID); err != nil {
		return fmt.Errorf("failed to queue delete: %w", err)
	}
	return nil
}

// stripPendingOps removes every queued operation for the identity, including
// ops already drained into unconfirmed changesets. The remote side is gone;
// pushing a stale upload or delete would be wrong or wasted.
func (t *Tx) stripPendingOps(ctx context.Context, id RemoteID) error {
	if _, err := t.tx.ExecContext(ctx, `
		DELETE FROM _recsync_queue
		WHERE record_name = ? AND zone_id = ? AND store_id = ?
	`, id.RecordName, id.ZoneID, id.StoreID); err != nil {
		return fmt.Errorf("failed to strip pending operations: %w", err)
	}
	return nil
}

// pendingUploadPayload returns the payload of the most recent queued upload
// for the identity, preferring the ready row over in-flight ones.
func (t *Tx) pendingUploadPayload(ctx context.Context, id RemoteID) (json.RawMessage, bool, error) {
	var payload sql.NullString
	err := t.tx.QueryRowContext(ctx, `
		SELECT payload FROM _recsync_queue
		WHERE record_name = ? AND zone_id = ? AND store_id = ? AND op = 'UPLOAD'
		ORDER BY seq DESC LIMIT 1
	`, id.RecordName, id.ZoneID, id.StoreID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read pending upload: %w", err)
	}
	if !payload.Valid {
		return nil, true, nil
	}
	return json.RawMessage(payload.String), true, nil
}

// DrainReadyChangeSet snapshots the ready operations for one remote store
// into a new changeset and returns it. The operations stay queued, marked
// in-flight, until Confirm or Fail settles the changeset. An empty ready
// queue yields a changeset with ID 0 and no operations.
//
// The reconciler does not prevent two concurrent drains for the same store;
// keeping a single in-flight changeset per store is the flush pipeline's
// responsibility.
func (r *Reconciler) DrainReadyChangeSet(ctx context.Context, storeID string) (*ChangeSet, error) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT seq, record_name, zone_id, store_id, op, payload, system_fields
		FROM _recsync_queue
		WHERE store_id = ? AND changeset_id = 0
		ORDER BY seq
		LIMIT ?
	`, storeID, r.config.DrainLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to query ready operations: %w", err)
	}
	defer rows.Close()

	var ops []PendingOp
	var maxSeq int64
	for rows.Next() {
		var op PendingOp
		var payload sql.NullString
		if err := rows.Scan(&op.Seq, &op.Remote.RecordName, &op.Remote.ZoneID, &op.Remote.StoreID,
			&op.Op, &payload, &op.SystemFields); err != nil {
			return nil, fmt.Errorf("failed to scan queued operation: %w", err)
		}
		if payload.Valid {
			op.Payload = json.RawMessage(payload.String)
		}
		ops = append(ops, op)
		maxSeq = op.Seq
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating queued operations: %w", err)
	}

	if len(ops) == 0 {
		return &ChangeSet{StoreID: storeID}, nil
	}

	id, err := nextChangeSetIDInTx(ctx, tx, storeID)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE _recsync_queue SET changeset_id = ?
		WHERE store_id = ? AND changeset_id = 0 AND seq <= ?
	`, id, storeID, maxSeq); err != nil {
		return nil, fmt.Errorf("failed to mark operations in-flight: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit drain transaction: %w", err)
	}

	r.logger.Debug("Drained changeset", "store", storeID, "changeset", id, "ops", len(ops))
	return &ChangeSet{ID: id, StoreID: storeID, Ops: ops}, nil
}

// Confirm finalizes a changeset after the remote store acknowledged it,
// removing its operations from the queue. Confirming changeset 0 is a no-op.
func (r *Reconciler) Confirm(ctx context.Context, changeSetID int64) error {
	if changeSetID == 0 {
		return nil
	}
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	if _, err := r.DB.ExecContext(ctx, `
		DELETE FROM _recsync_queue WHERE changeset_id = ?
	`, changeSetID); err != nil {
		return fmt.Errorf("failed to confirm changeset %d: %w", changeSetID, err)
	}
	return nil
}

// Fail settles a changeset the remote store did not accept. With retryable
// the operations return to the ready queue unchanged for a later drain,
// except where a newer ready operation for the same identity superseded them
// while in flight. A terminal failure drops the batch entirely; the caller
// must re-derive fresh operations.
func (r *Reconciler) Fail(ctx context.Context, changeSetID int64, retryable bool) error {
	if changeSetID == 0 {
		return nil
	}
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	if !retryable {
		if _, err := r.DB.ExecContext(ctx, `
			DELETE FROM _recsync_queue WHERE changeset_id = ?
		`, changeSetID); err != nil {
			return fmt.Errorf("failed to drop changeset %d: %w", changeSetID, err)
		}
		r.logger.Warn("Dropped changeset after terminal failure", "changeset", changeSetID)
		return nil
	}

	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// A newer ready op for the same identity wins over the requeued one.
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM _recsync_queue
		WHERE changeset_id = ? AND EXISTS (
			SELECT 1 FROM _recsync_queue ready
			WHERE ready.changeset_id = 0
			  AND ready.record_name = _recsync_queue.record_name
			  AND ready.zone_id = _recsync_queue.zone_id
			  AND ready.store_id = _recsync_queue.store_id
		)
	`, changeSetID); err != nil {
		return fmt.Errorf("failed to drop superseded operations: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE _recsync_queue SET changeset_id = 0 WHERE changeset_id = ?
	`, changeSetID); err != nil {
		return fmt.Errorf("failed to requeue changeset %d: %w", changeSetID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit requeue transaction: %w", err)
	}
	return nil
}

// SaveSystemFields persists refreshed system fields for an association after
// the remote store acknowledged an upload. Missing associations are ignored;
// the row may have been detached while the upload was in flight.
func (r *Reconciler) SaveSystemFields(ctx context.Context, id RemoteID, systemFields []byte) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	if _, err := r.DB.ExecContext(ctx, `
		UPDATE _recsync_record
		SET system_fields = ?, updated_at = strftime('%Y-%m-%dT%H:%M:%fZ','now')
		WHERE record_name = ? AND zone_id = ? AND store_id = ?
	`, systemFields, id.RecordName, id.ZoneID, id.StoreID); err != nil {
		return fmt.Errorf("failed to save system fields: %w", err)
	}
	return nil
}

// PendingOpCount reports how many queued operations reference the identity,
// ready and in-flight alike.
func (r *Reconciler) PendingOpCount(ctx context.Context, id RemoteID) (int, error) {
	var count int
	err := r.DB.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM _recsync_queue
		WHERE record_name = ? AND zone_id = ? AND store_id = ?
	`, id.RecordName, id.ZoneID, id.StoreID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending operations: %w", err)
	}
	return count, nil
}
