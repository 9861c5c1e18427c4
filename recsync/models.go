// Copyright 2026 Eyelink Media
// SPDX-License-Identifier: Apache-2.0

package recsync

import "encoding/json"

// RemoteID identifies a record in the remote store independent of its
// content. An empty StoreID addresses the default store.
type RemoteID struct {
	RecordName string
	ZoneID     string
	StoreID    string
}

func (id RemoteID) String() string {
	s := id.ZoneID + "/" + id.RecordName
	if id.StoreID != "" {
		s += "@" + id.StoreID
	}
	return s
}

// RowID addresses a local row by collection and key.
type RowID struct {
	Collection string
	Key        string
}

func (r RowID) String() string {
	return r.Collection + "/" + r.Key
}

// RemoteRecord is an opaque record snapshot produced by the remote-store
// collaborator. Payload is never interpreted beyond being passed to the merge
// policy. SystemFields carries the remote store's bookkeeping metadata
// (change tags, modification tokens) needed to perform a future update
// without clobbering concurrent remote changes.
type RemoteRecord struct {
	ID           RemoteID
	Payload      json.RawMessage
	SystemFields []byte
}

// Association ties a local row to its remote identity. The mapping is a
// bijection at any committed state: a row holds at most one identity and an
// identity holds at most one row.
type Association struct {
	Row          RowID
	Remote       RemoteID
	SystemFields []byte
}

// Operation kinds for queued work.
const (
	OpUpload = "UPLOAD"
	OpDelete = "DELETE"
)

// PendingOp is one queued upload or delete intent. Seq reflects causal
// submission order across identities; per identity only the most recent
// operation is kept in the ready queue.
type PendingOp struct {
	Seq          int64
	Remote       RemoteID
	Op           string
	Payload      json.RawMessage // nil for DELETE
	SystemFields []byte
}

// ChangeSet is an immutable batch of pending operations handed to the flush
// pipeline as one push attempt. ID is monotonic per database; ID 0 means the
// ready queue was empty at drain time.
type ChangeSet struct {
	ID      int64
	StoreID string
	Ops     []PendingOp
}

// Merge dispositions returned by a MergePolicy.
const (
	// MergeAcceptRemote takes the remote version outright; queued operations
	// for the identity are discarded.
	MergeAcceptRemote = "accept_remote"
	// MergeKeepLocal refreshes system fields but leaves the queued upload
	// payload untouched; local edits still need pushing.
	MergeKeepLocal = "keep_local"
	// MergeConflict replaces the queued upload payload with the policy's
	// merged output.
	MergeConflict = "conflict"
)

// MergePolicy reconciles a remotely-changed record with local state. local is
// the payload of the queued upload for the row, or nil when nothing is
// pending. merged is only consulted for the MergeConflict disposition.
type MergePolicy interface {
	Merge(row RowID, local json.RawMessage, remote *RemoteRecord) (merged json.RawMessage, disposition string, err error)
}

// RemoteWinsPolicy accepts the remote version unconditionally.
type RemoteWinsPolicy struct{}

func (RemoteWinsPolicy) Merge(row RowID, local json.RawMessage, remote *RemoteRecord) (json.RawMessage, string, error) {
	return nil, MergeAcceptRemote, nil
}
