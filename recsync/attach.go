// Copyright 2026 Eyelink Media
// SPDX-License-Identifier: Apache-2.0

package recsync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Attach associates a remote record snapshot with a local row.
//
// There are two primary uses: associating a record discovered during a remote
// pull with the row about to be written locally (so the reconciler does not
// try to re-upload an already-existing record), and handing an externally
// managed record over to the reconciler. The record's system fields are
// persisted with the association. With shouldUpload the record is considered
// dirty and its full payload is queued for push.
//
// Attach fails with ErrAlreadyAssociatedLocal or ErrAlreadyAssociatedRemote
// when either side of the pair is already mapped elsewhere; detach first.
// Re-attaching the same pair refreshes the stored system fields.
func (t *Tx) Attach(ctx context.Context, record *RemoteRecord, row RowID, shouldUpload bool) error {
	if record == nil {
		return fmt.Errorf("record cannot be nil")
	}
	return t.runAtomic(ctx, func() error {
		return t.attach(ctx, record, row, shouldUpload)
	})
}

func (t *Tx) attach(ctx context.Context, record *RemoteRecord, row RowID, shouldUpload bool) error {
	existing, ok, err := t.remoteForRow(ctx, row)
	if err != nil {
		return err
	}
	if ok && existing != record.ID {
		return fmt.Errorf("%w: %s is held by %s", ErrAlreadyAssociatedLocal, row, existing)
	}

	otherRow, ok, err := t.rowForRemote(ctx, record.ID)
	if err != nil {
		return err
	}
	if ok && otherRow != row {
		return fmt.Errorf("%w: %s is held by %s", ErrAlreadyAssociatedRemote, record.ID, otherRow)
	}

	_, err = t.tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO _recsync_record
			(collection, key, record_name, zone_id, store_id, system_fields, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, strftime('%Y-%m-%dT%H:%M:%fZ','now'))
	`, row.Collection, row.Key, record.ID.RecordName, record.ID.ZoneID, record.ID.StoreID, record.SystemFields)
	if err != nil {
		return fmt.Errorf("failed to store association: %w", err)
	}

	if shouldUpload {
		if err := t.enqueueUpload(ctx, record.ID, record.Payload, record.SystemFields); err != nil {
			return err
		}
	}

	t.r.logger.Debug("Attached record", "row", row.String(), "remote", record.ID.String(), "upload", shouldUpload)
	return nil
}

// Detach removes the association for a local row. It is a no-op, not an
// error, when none exists.
//
// wasRemoteDeletion marks that the remote store already deleted the record:
// every queued operation for the identity is stripped, including ops sitting
// in unconfirmed changesets, and shouldUpload is ignored. Otherwise
// shouldUpload queues a Delete so the remote store is told to drop the
// record; that Delete survives the detachment until flushed. With both false
// the detachment is purely local.
func (t *Tx) Detach(ctx context.Context, row RowID, wasRemoteDeletion, shouldUpload bool) error {
	return t.runAtomic(ctx, func() error {
		return t.detach(ctx, row, wasRemoteDeletion, shouldUpload)
	})
}

func (t *Tx) detach(ctx context.Context, row RowID, wasRemoteDeletion, shouldUpload bool) error {
	remote, ok, err := t.remoteForRow(ctx, row)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	if _, err := t.tx.ExecContext(ctx, `
		DELETE FROM _recsync_record WHERE collection = ? AND key = ?
	`, row.Collection, row.Key); err != nil {
		return fmt.Errorf("failed to remove association: %w", err)
	}

	if wasRemoteDeletion {
		t.r.logger.Debug("Detached remotely deleted record", "row", row.String(), "remote", remote.String())
		return t.stripPendingOps(ctx, remote)
	}
	if shouldUpload {
		t.r.logger.Debug("Detached record with remote delete", "row", row.String(), "remote", remote.String())
		return t.enqueueDelete(ctx, remote)
	}
	t.r.logger.Debug("Detached record locally", "row", row.String(), "remote", remote.String())
	return nil
}

// RemoteForRow returns the remote identity associated with a local row.
// Valid in any transaction.
func (t *Tx) RemoteForRow(ctx context.Context, row RowID) (RemoteID, bool, error) {
	return t.remoteForRow(ctx, row)
}

// RowForRemote returns the local row associated with a remote identity.
// Valid in any transaction.
func (t *Tx) RowForRemote(ctx context.Context, id RemoteID) (RowID, bool, error) {
	return t.rowForRemote(ctx, id)
}

func (t *Tx) remoteForRow(ctx context.Context, row RowID) (RemoteID, bool, error) {
	var id RemoteID
	err := t.tx.QueryRowContext(ctx, `
		SELECT record_name, zone_id, store_id FROM _recsync_record
		WHERE collection = ? AND key = ?
	`, row.Collection, row.Key).Scan(&id.RecordName, &id.ZoneID, &id.StoreID)
	if errors.Is(err, sql.ErrNoRows) {
		return RemoteID{}, false, nil
	}
	if err != nil {
		return RemoteID{}, false, fmt.Errorf("failed to look up association by row: %w", err)
	}
	return id, true, nil
}

func (t *Tx) rowForRemote(ctx context.Context, id RemoteID) (RowID, bool, error) {
	var row RowID
	err := t.tx.QueryRowContext(ctx, `
		SELECT collection, key FROM _recsync_record
		WHERE record_name = ? AND zone_id = ? AND store_id = ?
	`, id.RecordName, id.ZoneID, id.StoreID).Scan(&row.Collection, &row.Key)
	if errors.Is(err, sql.ErrNoRows) {
		return RowID{}, false, nil
	}
	if err != nil {
		return RowID{}, false, fmt.Errorf("failed to look up association by record: %w", err)
	}
	return row, true, nil
}

// SystemFields returns the stored system fields for an associated identity.
func (t *Tx) SystemFields(ctx context.Context, id RemoteID) ([]byte, bool, error) {
	var fields []byte
	err := t.tx.QueryRowContext(ctx, `
		SELECT system_fields FROM _recsync_record
		WHERE record_name = ? AND zone_id = ? AND store_id = ?
	`, id.RecordName, id.ZoneID, id.StoreID).Scan(&fields)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read system fields: %w", err)
	}
	return fields, true, nil
}

func (t *Tx) updateSystemFields(ctx context.Context, id RemoteID, fields []byte) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE _recsync_record
		SET system_fields = ?, updated_at = strftime('%Y-%m-%dT%H:%M:%fZ','now')
		WHERE record_name = ? AND zone_id = ? AND store_id = ?
	`, fields, id.RecordName, id.ZoneID, id.StoreID)
	if err != nil {
		return fmt.Errorf("failed to update system fields: %w", err)
	}
	return nil
}
