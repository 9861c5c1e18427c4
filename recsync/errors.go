// Copyright 2026 Eyelink Media
// SPDX-License-Identifier: Apache-2.0

package recsync

import "errors"

// Precondition errors are caller misuse, fatal to the call, never retried.
var (
	// ErrNotInWriteTransaction is returned when a mutating operation is
	// invoked on a read-only transaction. Concurrent readers must never
	// observe a half-built association, so this is a hard precondition.
	ErrNotInWriteTransaction = errors.New("recsync: not in a write transaction")
)

// Conflict errors require the caller to resolve the situation explicitly,
// typically by detaching and re-attaching. They are never auto-resolved.
var (
	// ErrAlreadyAssociatedLocal is returned by Attach when the local row is
	// already mapped to a different remote identity.
	ErrAlreadyAssociatedLocal = errors.New("recsync: local row already associated with another remote record")

	// ErrAlreadyAssociatedRemote is returned by Attach when the remote
	// identity is already mapped to a different local row.
	ErrAlreadyAssociatedRemote = errors.New("recsync: remote record already associated with another local row")

	// ErrConflictingPendingDelete is returned when an upload is queued for an
	// identity that still has an unconfirmed delete pending. Resurrecting the
	// record before the delete flushes could race with an in-flight remote
	// deletion acknowledgment.
	ErrConflictingPendingDelete = errors.New("recsync: remote record has an unconfirmed pending delete")

	// ErrUnknownRemoteIdentity is returned by Merge when no association can
	// be resolved for the remote record.
	ErrUnknownRemoteIdentity = errors.New("recsync: remote record is not associated with any local row")
)

// TerminalError marks a push failure the remote store reported as
// unrecoverable. The flush pipeline drops the changeset instead of retrying
// it; the caller must re-derive fresh operations.
type TerminalError struct {
	Err error
}

func (e *TerminalError) Error() string {
	return "recsync: terminal push failure: " + e.Err.Error()
}

func (e *TerminalError) Unwrap() error {
	return e.Err
}
