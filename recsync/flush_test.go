// Copyright 2026 Eyelink Media
// SPDX-License-Identifier: Apache-2.0

package recsync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/eyelinkmedia/go-recsync/internal/auth"
)

type fakeRemote struct {
	applied   []*ChangeSet
	sourceIDs []string
	storeIDs  []string
	result    *PushResult
	err       error
}

func (f *fakeRemote) Apply(ctx context.Context, cs *ChangeSet) (*PushResult, error) {
	f.applied = append(f.applied, cs)
	if sourceID, ok := auth.SourceID(ctx); ok {
		f.sourceIDs = append(f.sourceIDs, sourceID)
	}
	if storeID, ok := auth.StoreID(ctx); ok {
		f.storeIDs = append(f.storeIDs, storeID)
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func TestFlushOnceConfirmsAndSavesSystemFields(t *testing.T) {
	r := newTestReconciler(t, nil)
	ctx := context.Background()

	record := testRecord("rec-1", `{"v":1}`)
	row := RowID{Collection: "notes", Key: "n1"}
	attach(t, r, record, row, true)

	remote := &fakeRemote{result: &PushResult{
		Saved: map[RemoteID][]byte{record.ID: []byte("etag-2")},
	}}
	f := NewFlusher(r, remote, nil)

	pushed, err := f.FlushOnce(ctx, "")
	require.NoError(t, err)
	require.Equal(t, 1, pushed)
	require.Len(t, remote.applied, 1)

	count, err := r.PendingOpCount(ctx, record.ID)
	require.NoError(t, err)
	require.Equal(t, 0, count)

	err = r.View(ctx, func(tx *Tx) error {
		fields, ok, err := tx.SystemFields(ctx, record.ID)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, []byte("etag-2"), fields)
		return nil
	})
	require.NoError(t, err)
}

func TestFlushOnceEmptyQueue(t *testing.T) {
	r := newTestReconciler(t, nil)
	remote := &fakeRemote{}
	f := NewFlusher(r, remote, nil)

	pushed, err := f.FlushOnce(context.Background(), "")
	require.NoError(t, err)
	require.Zero(t, pushed)
	require.Empty(t, remote.applied)
}

func TestFlushOnceRetryableFailureRequeues(t *testing.T) {
	r := newTestReconciler(t, nil)
	ctx := context.Background()

	record := testRecord("rec-1", `{"v":1}`)
	attach(t, r, record, RowID{Collection: "notes", Key: "n1"}, true)

	remote := &fakeRemote{err: errors.New("gateway unreachable")}
	f := NewFlusher(r, remote, nil)

	pushed, err := f.FlushOnce(ctx, "")
	require.Error(t, err)
	require.Zero(t, pushed)

	// The operation went back to the ready queue for a later attempt.
	cs, err := r.DrainReadyChangeSet(ctx, "")
	require.NoError(t, err)
	require.Len(t, cs.Ops, 1)
}

func TestFlushOnceTerminalFailureDropsBatch(t *testing.T) {
	r := newTestReconciler(t, nil)
	ctx := context.Background()

	record := testRecord("rec-1", `{"v":1}`)
	attach(t, r, record, RowID{Collection: "notes", Key: "n1"}, true)

	remote := &fakeRemote{err: &TerminalError{Err: errors.New("payload rejected")}}
	f := NewFlusher(r, remote, nil)

	pushed, err := f.FlushOnce(ctx, "")
	require.NoError(t, err)
	require.Zero(t, pushed)

	count, err := r.PendingOpCount(ctx, record.ID)
	require.NoError(t, err)
	require.Equal(t, 0, count)
}

func TestFlushOncePaused(t *testing.T) {
	r := newTestReconciler(t, nil)
	ctx := context.Background()

	attach(t, r, testRecord("rec-1", `{"v":1}`), RowID{Collection: "notes", Key: "n1"}, true)

	remote := &fakeRemote{result: &PushResult{}}
	f := NewFlusher(r, remote, nil)
	f.Pause()

	pushed, err := f.FlushOnce(ctx, "")
	require.NoError(t, err)
	require.Zero(t, pushed)
	require.Empty(t, remote.applied)

	f.Resume()
	pushed, err = f.FlushOnce(ctx, "")
	require.NoError(t, err)
	require.Equal(t, 1, pushed)
}

// scriptedRemote fails a fixed number of applies, then succeeds, signalling
// each accepted changeset on a channel. Safe for use from the Run goroutine.
type scriptedRemote struct {
	mu       sync.Mutex
	failures int
	accepted chan *ChangeSet
}

func (s *scriptedRemote) Apply(ctx context.Context, cs *ChangeSet) (*PushResult, error) {
	s.mu.Lock()
	if s.failures > 0 {
		s.failures--
		s.mu.Unlock()
		return nil, errors.New("gateway unreachable")
	}
	s.mu.Unlock()
	s.accepted <- cs
	return &PushResult{}, nil
}

func TestRunResetsBackoffAfterSuccessfulPush(t *testing.T) {
	db := newTestReconciler(t, nil).DB
	config := DefaultConfig()
	config.BackoffMin = time.Millisecond
	config.BackoffMax = time.Second
	r, err := Open(db, nil, config, nil)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	attach(t, r, testRecord("rec-1", `{"v":1}`), RowID{Collection: "notes", Key: "n1"}, true)

	// Eight failures inflate the backoff to 256ms before the first push lands.
	remote := &scriptedRemote{failures: 8, accepted: make(chan *ChangeSet, 2)}
	f := NewFlusher(r, remote, nil)
	go f.Run(ctx)

	select {
	case <-remote.accepted:
	case <-time.After(10 * time.Second):
		t.Fatal("first changeset was never pushed")
	}

	// Backoff must be back at min now, so a fresh op flushes promptly instead
	// of waiting out the inflated interval.
	start := time.Now()
	attach(t, r, testRecord("rec-2", `{"v":1}`), RowID{Collection: "notes", Key: "n2"}, true)
	select {
	case cs := <-remote.accepted:
		require.Len(t, cs.Ops, 1)
		require.Equal(t, "rec-2", cs.Ops[0].Remote.RecordName)
	case <-time.After(10 * time.Second):
		t.Fatal("second changeset was never pushed")
	}
	require.Less(t, time.Since(start), 200*time.Millisecond)
}

func TestFlushOnceStampsIdentityOntoContext(t *testing.T) {
	r := newTestReconciler(t, nil)
	ctx := context.Background()

	private := testRecord("rec-1", `{"v":1}`)
	private.ID.StoreID = "private"
	attach(t, r, private, RowID{Collection: "notes", Key: "n1"}, true)

	remote := &fakeRemote{result: &PushResult{}}
	f := NewFlusher(r, remote, []string{"private"})

	pushed, err := f.FlushOnce(ctx, "private")
	require.NoError(t, err)
	require.Equal(t, 1, pushed)

	require.Equal(t, []string{"private"}, remote.storeIDs)
	require.Len(t, remote.sourceIDs, 1)

	sourceID, err := r.SourceID(ctx, "private")
	require.NoError(t, err)
	require.Equal(t, sourceID, remote.sourceIDs[0])
}
