// Package rechttp pushes recsync changesets to a remote record gateway over
// HTTP. It implements the recsync.RemoteStore interface with a bearer-token
// JSON API; transport failures and 5xx responses are retryable, everything
// else the gateway rejects is terminal.
//
// Copyright 2026 Eyelink Media
// SPDX-License-Identifier: Apache-2.0

package rechttp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/eyelinkmedia/go-recsync/internal/auth"
	"github.com/eyelinkmedia/go-recsync/recsync"
)

// Client pushes changesets to a sync gateway.
type Client struct {
	BaseURL string
	Token   func(context.Context) (string, error) // returns a bearer token
	HTTP    *http.Client
	logger  *slog.Logger
}

// NewClient creates a gateway client. A nil logger defaults to slog.Default.
func NewClient(baseURL string, token func(context.Context) (string, error), logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		BaseURL: baseURL,
		Token:   token,
		HTTP:    &http.Client{Timeout: 120 * time.Second},
		logger:  logger,
	}
}

// Apply implements recsync.RemoteStore.
func (c *Client) Apply(ctx context.Context, cs *recsync.ChangeSet) (*recsync.PushResult, error) {
	req := ChangeSetRequest{
		ChangeSetID: cs.ID,
		StoreID:     cs.StoreID,
		Ops:         make([]WireOp, 0, len(cs.Ops)),
	}
	if sourceID, ok := auth.SourceID(ctx); ok {
		req.SourceID = sourceID
	}
	for _, op := range cs.Ops {
		req.Ops = append(req.Ops, WireOp{
			RecordName:   op.Remote.RecordName,
			ZoneID:       op.Remote.ZoneID,
			Op:           op.Op,
			Payload:      op.Payload,
			SystemFields: op.SystemFields,
		})
	}

	jsonData, err := json.Marshal(&req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal changeset request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.BaseURL+"/sync/changesets", bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}

	token, err := c.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get bearer token: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+token)
	if storeID, ok := auth.StoreID(ctx); ok && storeID != "" {
		httpReq.Header.Set("X-Recsync-Store", storeID)
	}

	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send HTTP request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		statusErr := fmt.Errorf("gateway returned status %d: %s", resp.StatusCode, string(body))
		if retryableStatus(resp.StatusCode) {
			return nil, statusErr
		}
		return nil, &recsync.TerminalError{Err: statusErr}
	}

	var ack ChangeSetResponse
	if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
		return nil, fmt.Errorf("failed to decode changeset response: %w", err)
	}

	if !ack.Accepted {
		rejectErr := fmt.Errorf("gateway rejected changeset %d: %s", cs.ID, ack.Error)
		if ack.Retryable {
			return nil, rejectErr
		}
		return nil, &recsync.TerminalError{Err: rejectErr}
	}

	result := &recsync.PushResult{Saved: make(map[recsync.RemoteID][]byte, len(ack.Saved))}
	for _, saved := range ack.Saved {
		id := recsync.RemoteID{RecordName: saved.RecordName, ZoneID: saved.ZoneID, StoreID: cs.StoreID}
		result.Saved[id] = saved.SystemFields
	}

	c.logger.Debug("Changeset accepted by gateway", "changeset", cs.ID, "saved", len(ack.Saved))
	return result, nil
}

func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}
