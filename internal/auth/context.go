// Copyright 2026 Eyelink Media
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
)

type contextKey string

const (
	sourceIDKey contextKey = "source_id"
	storeIDKey  contextKey = "store_id"
)

// WithSourceID stamps the flushing client's source ID onto the context.
func WithSourceID(ctx context.Context, sourceID string) context.Context {
	return context.WithValue(ctx, sourceIDKey, sourceID)
}

// SourceID retrieves the source ID from the context.
func SourceID(ctx context.Context) (string, bool) {
	sourceID, ok := ctx.Value(sourceIDKey).(string)
	return sourceID, ok
}

// WithStoreID stamps the target remote store ID onto the context.
func WithStoreID(ctx context.Context, storeID string) context.Context {
	return context.WithValue(ctx, storeIDKey, storeID)
}

// StoreID retrieves the remote store ID from the context.
func StoreID(ctx context.Context) (string, bool) {
	storeID, ok := ctx.Value(storeIDKey).(string)
	return storeID, ok
}
