// Copyright 2026 Eyelink Media
// SPDX-License-Identifier: Apache-2.0

package rechttp

import "encoding/json"

// ChangeSetRequest is the wire form of one changeset push.
type ChangeSetRequest struct {
	ChangeSetID int64    `json:"changeset_id"`
	StoreID     string   `json:"store_id"`
	SourceID    string   `json:"source_id,omitempty"`
	Ops         []WireOp `json:"ops"`
}

// WireOp is the wire form of one queued operation.
type WireOp struct {
	RecordName   string          `json:"record_name"`
	ZoneID       string          `json:"zone_id"`
	Op           string          `json:"op"` // UPLOAD or DELETE
	Payload      json.RawMessage `json:"payload,omitempty"`
	SystemFields []byte          `json:"system_fields,omitempty"`
}

// ChangeSetResponse is the gateway's acknowledgment of one changeset.
type ChangeSetResponse struct {
	Accepted  bool          `json:"accepted"`
	Retryable bool          `json:"retryable,omitempty"`
	Error     string        `json:"error,omitempty"`
	Saved     []SavedRecord `json:"saved,omitempty"`
}

// SavedRecord reports refreshed system fields for an accepted record.
type SavedRecord struct {
	RecordName   string `json:"record_name"`
	ZoneID       string `json:"zone_id"`
	SystemFields []byte `json:"system_fields,omitempty"`
}
