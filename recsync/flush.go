// Copyright 2026 Eyelink Media
// SPDX-License-Identifier: Apache-2.0

package recsync

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/eyelinkmedia/go-recsync/internal/auth"
)

// RemoteStore pushes changesets to the external record store.
// Implementations own transport, auth and retry classification; the
// reconciler itself never performs network I/O.
type RemoteStore interface {
	// Apply pushes one changeset. On success the result reports per-identity
	// outcomes. A plain error is treated as retryable; wrap it in
	// TerminalError when the remote store rejected the batch unrecoverably.
	Apply(ctx context.Context, cs *ChangeSet) (*PushResult, error)
}

// PushResult is the remote store's acknowledgment of one changeset.
type PushResult struct {
	// Saved carries refreshed system fields for identities the remote store
	// accepted, keyed by remote identity.
	Saved map[RemoteID][]byte
}

// Flusher drains ready changesets and pushes them to the remote store,
// keeping at most one changeset in flight per store. It owns the retry
// backoff policy the reconciler deliberately does not model.
type Flusher struct {
	rec    *Reconciler
	remote RemoteStore
	stores []string
	logger *slog.Logger

	// Pause switch (atomic): allows callers to suspend pushes deterministically
	paused int32
}

// NewFlusher creates a flusher for the given stores. An empty store list
// flushes the default store only.
func NewFlusher(rec *Reconciler, remote RemoteStore, stores []string) *Flusher {
	if len(stores) == 0 {
		stores = []string{""}
	}
	return &Flusher{
		rec:    rec,
		remote: remote,
		stores: stores,
		logger: rec.logger,
	}
}

// Pause suspends pushes; Run keeps polling but drains nothing until Resume.
func (f *Flusher) Pause() { atomic.StoreInt32(&f.paused, 1) }

// Resume resumes pushes.
func (f *Flusher) Resume() { atomic.StoreInt32(&f.paused, 0) }

// Run drives FlushOnce for every store with exponential backoff until ctx is
// cancelled.
func (f *Flusher) Run(ctx context.Context) {
	backoff := f.rec.config.BackoffMin
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if atomic.LoadInt32(&f.paused) == 1 {
			if err := sleepWithContext(ctx, backoff); err != nil {
				return
			}
			continue
		}

		if _, err := f.flushStores(ctx); err != nil {
			backoff = backoff * 2
			if backoff > f.rec.config.BackoffMax {
				backoff = f.rec.config.BackoffMax
			}
		} else {
			// Reset backoff on success
			backoff = f.rec.config.BackoffMin
		}
		if err := sleepWithContext(ctx, backoff); err != nil {
			return
		}
	}
}

func (f *Flusher) flushStores(ctx context.Context) (int, error) {
	total := 0
	for _, storeID := range f.stores {
		pushed, err := f.FlushOnce(ctx, storeID)
		total += pushed
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// FlushOnce drains and pushes at most one changeset for the store. It
// returns the number of operations pushed. A retryable push failure requeues
// the operations and is returned as an error; a terminal failure drops the
// batch and returns nil.
func (f *Flusher) FlushOnce(ctx context.Context, storeID string) (int, error) {
	if atomic.LoadInt32(&f.paused) == 1 {
		return 0, nil
	}

	cs, err := f.rec.DrainReadyChangeSet(ctx, storeID)
	if err != nil {
		return 0, err
	}
	if len(cs.Ops) == 0 {
		return 0, nil
	}

	sourceID, err := f.rec.SourceID(ctx, storeID)
	if err != nil {
		// Nothing was pushed yet; put the batch back for a later attempt.
		if failErr := f.rec.Fail(ctx, cs.ID, true); failErr != nil {
			return 0, failErr
		}
		return 0, err
	}
	ctx = auth.WithStoreID(auth.WithSourceID(ctx, sourceID), storeID)

	result, err := f.remote.Apply(ctx, cs)
	if err != nil {
		var terminal *TerminalError
		retryable := !errors.As(err, &terminal)
		if failErr := f.rec.Fail(ctx, cs.ID, retryable); failErr != nil {
			return 0, failErr
		}
		f.logger.Warn("Changeset push failed",
			"store", storeID, "changeset", cs.ID, "retryable", retryable, "error", err)
		if !retryable {
			return 0, nil
		}
		return 0, err
	}

	if err := f.rec.Confirm(ctx, cs.ID); err != nil {
		return 0, err
	}
	if result != nil {
		for id, fields := range result.Saved {
			if err := f.rec.SaveSystemFields(ctx, id, fields); err != nil {
				f.logger.Warn("Failed to save refreshed system fields",
					"remote", id.String(), "error", err)
			}
		}
	}

	f.logger.Debug("Changeset confirmed", "store", storeID, "changeset", cs.ID, "ops", len(cs.Ops))
	return len(cs.Ops), nil
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
