// Copyright 2026 Eyelink Media
// SPDX-License-Identifier: Apache-2.0

package recsync

import (
	"context"
	"fmt"
)

// Merge reconciles a record change pulled from the remote store with local
// state. When row is nil the association is resolved via the record identity.
// Merge fails with ErrUnknownRemoteIdentity when no association exists for
// the record, or when the supplied row is not associated with it.
//
// The configured MergePolicy decides the outcome. A naive always-push-local
// or always-accept-remote policy loses data in one direction or the other
// under concurrent multi-device edits, hence the three dispositions:
//
//   - MergeAcceptRemote: association system fields refresh from the remote
//     record and every queued operation for the identity is discarded; the
//     remote version wins outright, nothing to push.
//   - MergeKeepLocal: system fields refresh so the next upload carries a
//     fresh modification token and is not rejected as stale, but the queued
//     payload stays byte-identical; local edits still need pushing.
//   - MergeConflict: the policy's merged output becomes the new pending
//     upload payload, superseding whatever was queued.
//
// A failing policy aborts the merge with the policy's error, uninterpreted.
func (t *Tx) Merge(ctx context.Context, remote *RemoteRecord, row *RowID) error {
	if remote == nil {
		return fmt.Errorf("remote record cannot be nil")
	}
	return t.runAtomic(ctx, func() error {
		return t.merge(ctx, remote, row)
	})
}

func (t *Tx) merge(ctx context.Context, remote *RemoteRecord, rowPtr *RowID) error {
	var row RowID
	if rowPtr != nil {
		row = *rowPtr
		id, ok, err := t.remoteForRow(ctx, row)
		if err != nil {
			return err
		}
		if !ok || id != remote.ID {
			return fmt.Errorf("%w: %s is not associated with %s", ErrUnknownRemoteIdentity, remote.ID, row)
		}
	} else {
		resolved, ok, err := t.rowForRemote(ctx, remote.ID)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownRemoteIdentity, remote.ID)
		}
		row = resolved
	}

	// The local snapshot handed to the policy is whatever upload is still
	// queued for the identity; nil means no local edits are pending.
	local, _, err := t.pendingUploadPayload(ctx, remote.ID)
	if err != nil {
		return err
	}

	merged, disposition, err := t.r.policy.Merge(row, local, remote)
	if err != nil {
		return fmt.Errorf("merge policy failed for %s: %w", remote.ID, err)
	}

	switch disposition {
	case MergeAcceptRemote:
		if err := t.stripPendingOps(ctx, remote.ID); err != nil {
			return err
		}
		if err := t.updateSystemFields(ctx, remote.ID, remote.SystemFields); err != nil {
			return err
		}
		t.r.logger.Debug("Merge accepted remote", "row", row.String(), "remote", remote.ID.String())
		return nil

	case MergeKeepLocal:
		if err := t.updateSystemFields(ctx, remote.ID, remote.SystemFields); err != nil {
			return err
		}
		// Refresh the queued op's system fields too, so an eventual push
		// does not carry a stale token.
		if _, err := t.tx.ExecContext(ctx, `
			UPDATE _recsync_queue SET system_fields = ?
			WHERE record_name = ? AND zone_id = ? AND store_id = ? AND op = 'UPLOAD' AND changeset_id = 0
		`, remote.SystemFields, remote.ID.RecordName, remote.ID.ZoneID, remote.ID.StoreID); err != nil {
			return fmt.Errorf("failed to refresh queued system fields: %w", err)
		}
		t.r.logger.Debug("Merge kept local pending", "row", row.String(), "remote", remote.ID.String())
		return nil

	case MergeConflict:
		if err := t.updateSystemFields(ctx, remote.ID, remote.SystemFields); err != nil {
			return err
		}
		if err := t.enqueueUpload(ctx, remote.ID, merged, remote.SystemFields); err != nil {
			return err
		}
		t.r.logger.Debug("Merge queued reconciled upload", "row", row.String(), "remote", remote.ID.String())
		return nil

	default:
		return fmt.Errorf("unknown merge disposition %q", disposition)
	}
}
