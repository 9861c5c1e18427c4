// Copyright 2026 Eyelink Media
// SPDX-License-Identifier: Apache-2.0

package recsync

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

type stubPolicy struct {
	disposition string
	merged      json.RawMessage
	err         error

	calls     int
	gotRow    RowID
	gotLocal  json.RawMessage
	gotRemote *RemoteRecord
}

func (p *stubPolicy) Merge(row RowID, local json.RawMessage, remote *RemoteRecord) (json.RawMessage, string, error) {
	p.calls++
	p.gotRow = row
	p.gotLocal = local
	p.gotRemote = remote
	return p.merged, p.disposition, p.err
}

func TestMergeAcceptRemoteDiscardsPending(t *testing.T) {
	policy := &stubPolicy{disposition: MergeAcceptRemote}
	r := newTestReconciler(t, policy)
	ctx := context.Background()

	record := testRecord("rec-1", `{"v":1}`)
	row := RowID{Collection: "notes", Key: "n1"}
	attach(t, r, record, row, true)

	remote := testRecord("rec-1", `{"v":"remote"}`)
	remote.SystemFields = []byte("etag-remote")
	err := r.Update(ctx, func(tx *Tx) error {
		return tx.Merge(ctx, remote, nil)
	})
	require.NoError(t, err)
	require.Equal(t, 1, policy.calls)
	require.Equal(t, row, policy.gotRow)

	// Remote won outright: nothing left to push, fields refreshed.
	count, err := r.PendingOpCount(ctx, record.ID)
	require.NoError(t, err)
	require.Equal(t, 0, count)

	err = r.View(ctx, func(tx *Tx) error {
		fields, ok, err := tx.SystemFields(ctx, record.ID)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, []byte("etag-remote"), fields)
		return nil
	})
	require.NoError(t, err)
}

func TestMergeKeepLocalPreservesQueuedPayload(t *testing.T) {
	policy := &stubPolicy{disposition: MergeKeepLocal}
	r := newTestReconciler(t, policy)
	ctx := context.Background()

	record := testRecord("rec-1", `{"title":"local edit"}`)
	row := RowID{Collection: "notes", Key: "n1"}
	attach(t, r, record, row, true)

	remote := testRecord("rec-1", `{"title":"peer edit"}`)
	remote.SystemFields = []byte("etag-remote")
	err := r.Update(ctx, func(tx *Tx) error {
		return tx.Merge(ctx, remote, &row)
	})
	require.NoError(t, err)

	// Payload must be byte-identical; only the system fields refresh so the
	// eventual push is not rejected as stale.
	cs, err := r.DrainReadyChangeSet(ctx, "")
	require.NoError(t, err)
	require.Len(t, cs.Ops, 1)
	require.Equal(t, json.RawMessage(`{"title":"local edit"}`), cs.Ops[0].Payload)
	require.Equal(t, []byte("etag-remote"), cs.Ops[0].SystemFields)
}

func TestMergeConflictSupersedesQueuedPayload(t *testing.T) {
	merged := json.RawMessage(`{"title":"reconciled"}`)
	policy := &stubPolicy{disposition: MergeConflict, merged: merged}
	r := newTestReconciler(t, policy)
	ctx := context.Background()

	record := testRecord("rec-1", `{"title":"local"}`)
	row := RowID{Collection: "notes", Key: "n1"}
	attach(t, r, record, row, true)

	remote := testRecord("rec-1", `{"title":"peer"}`)
	err := r.Update(ctx, func(tx *Tx) error {
		return tx.Merge(ctx, remote, nil)
	})
	require.NoError(t, err)
	require.Equal(t, json.RawMessage(`{"title":"local"}`), policy.gotLocal)

	cs, err := r.DrainReadyChangeSet(ctx, "")
	require.NoError(t, err)
	require.Len(t, cs.Ops, 1)
	require.Equal(t, OpUpload, cs.Ops[0].Op)
	require.Equal(t, merged, cs.Ops[0].Payload)

	require.NoError(t, r.Confirm(ctx, cs.ID))

	// Association survives clean, queue is empty.
	count, err := r.PendingOpCount(ctx, record.ID)
	require.NoError(t, err)
	require.Equal(t, 0, count)
	err = r.View(ctx, func(tx *Tx) error {
		_, ok, err := tx.RemoteForRow(ctx, row)
		require.NoError(t, err)
		require.True(t, ok)
		return nil
	})
	require.NoError(t, err)
}

func TestMergeCleanRecordPassesNilLocal(t *testing.T) {
	policy := &stubPolicy{disposition: MergeAcceptRemote}
	r := newTestReconciler(t, policy)
	ctx := context.Background()

	record := testRecord("rec-1", `{"v":1}`)
	attach(t, r, record, RowID{Collection: "notes", Key: "n1"}, false)

	err := r.Update(ctx, func(tx *Tx) error {
		return tx.Merge(ctx, testRecord("rec-1", `{"v":2}`), nil)
	})
	require.NoError(t, err)
	require.Nil(t, policy.gotLocal)
}

func TestMergeUnknownRemoteIdentity(t *testing.T) {
	r := newTestReconciler(t, &stubPolicy{disposition: MergeAcceptRemote})
	ctx := context.Background()

	err := r.Update(ctx, func(tx *Tx) error {
		return tx.Merge(ctx, testRecord("ghost", `{}`), nil)
	})
	require.ErrorIs(t, err, ErrUnknownRemoteIdentity)

	// An explicit row that is not associated with the record fails the same.
	attach(t, r, testRecord("rec-1", `{}`), RowID{Collection: "notes", Key: "n1"}, false)
	wrongRow := RowID{Collection: "notes", Key: "other"}
	err = r.Update(ctx, func(tx *Tx) error {
		return tx.Merge(ctx, testRecord("rec-1", `{}`), &wrongRow)
	})
	require.ErrorIs(t, err, ErrUnknownRemoteIdentity)
}

func TestMergePolicyErrorLeavesStateUntouched(t *testing.T) {
	policyErr := errors.New("schema mismatch")
	policy := &stubPolicy{err: policyErr}
	r := newTestReconciler(t, policy)
	ctx := context.Background()

	record := testRecord("rec-1", `{"v":1}`)
	row := RowID{Collection: "notes", Key: "n1"}
	attach(t, r, record, row, true)

	remote := testRecord("rec-1", `{"v":2}`)
	remote.SystemFields = []byte("etag-remote")
	err := r.Update(ctx, func(tx *Tx) error {
		return tx.Merge(ctx, remote, nil)
	})
	require.ErrorIs(t, err, policyErr)

	// Queue and association are exactly as before the failed merge.
	cs, err := r.DrainReadyChangeSet(ctx, "")
	require.NoError(t, err)
	require.Len(t, cs.Ops, 1)
	require.Equal(t, json.RawMessage(`{"v":1}`), cs.Ops[0].Payload)
	require.Equal(t, []byte("etag-1"), cs.Ops[0].SystemFields)

	err = r.View(ctx, func(tx *Tx) error {
		fields, ok, err := tx.SystemFields(ctx, record.ID)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, []byte("etag-1"), fields)
		return nil
	})
	require.NoError(t, err)
}

func TestDefaultPolicyIsRemoteWins(t *testing.T) {
	r := newTestReconciler(t, nil)
	ctx := context.Background()

	record := testRecord("rec-1", `{"v":1}`)
	attach(t, r, record, RowID{Collection: "notes", Key: "n1"}, true)

	err := r.Update(ctx, func(tx *Tx) error {
		return tx.Merge(ctx, testRecord("rec-1", `{"v":"remote"}`), nil)
	})
	require.NoError(t, err)

	count, err := r.PendingOpCount(ctx, record.ID)
	require.NoError(t, err)
	require.Equal(t, 0, count)
}
