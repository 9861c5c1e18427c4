// Package recsync keeps a local key-value store reconciled with an external
// record-oriented remote store under offline-first, multi-writer conditions.
//
// The reconciler maintains a durable bidirectional mapping between local rows
// and remote record identities, and a durable queue of pending upload/delete
// operations that eventually reach the remote store in causal order. All
// mutating operations run synchronously inside an exclusive write transaction
// and never perform network I/O; pushing queued work is the job of a Flusher
// (or any other consumer of the drain/confirm/fail triad).
//
// Copyright 2026 Eyelink Media
// SPDX-License-Identifier: Apache-2.0

package recsync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Config holds configuration for the reconciler.
type Config struct {
	DrainLimit      int           // max operations per drained changeset, e.g. 200
	MaxPayloadBytes int           // reject upload payloads larger than this (0 = unlimited)
	BackoffMin      time.Duration // 1s
	BackoffMax      time.Duration // 60s
}

// DefaultConfig returns a default reconciler configuration.
func DefaultConfig() *Config {
	return &Config{
		DrainLimit:      200,
		MaxPayloadBytes: 0,
		BackoffMin:      1 * time.Second,
		BackoffMax:      60 * time.Second,
	}
}

// Reconciler owns the association table and the pending-operation queue of
// one local database. Construct it once at open-time and share it between the
// host storage engine and the flush pipeline.
type Reconciler struct {
	DB     *sql.DB
	policy MergePolicy
	config *Config
	logger *slog.Logger

	writeMu sync.Mutex // serialize write transactions to prevent SQLite locking issues
}

// Open initializes the reconciler tables and returns a Reconciler bound to
// db. A nil policy defaults to RemoteWinsPolicy, a nil config to
// DefaultConfig, a nil logger to slog.Default.
func Open(db *sql.DB, policy MergePolicy, config *Config, logger *slog.Logger) (*Reconciler, error) {
	if db == nil {
		return nil, fmt.Errorf("db cannot be nil")
	}
	if policy == nil {
		policy = RemoteWinsPolicy{}
	}
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}

	if err := initializeDatabase(db); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	return &Reconciler{
		DB:     db,
		policy: policy,
		config: config,
		logger: logger,
	}, nil
}

// Tx is the reconciler's view of one host storage transaction. Mutating
// operations require a Tx obtained from BeginWrite or Update; invoking them
// on a read-only Tx fails with ErrNotInWriteTransaction.
type Tx struct {
	r        *Reconciler
	tx       *sql.Tx
	writable bool
	finished bool
	spn      int
}

// Begin opens a read-only reconciler transaction. Lookups are valid on it;
// mutating operations are not.
func (r *Reconciler) Begin(ctx context.Context) (*Tx, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return &Tx{r: r, tx: tx}, nil
}

// BeginWrite opens an exclusive write transaction. Writers are serialized
// until the caller commits or rolls back.
func (r *Reconciler) BeginWrite(ctx context.Context) (*Tx, error) {
	r.writeMu.Lock()
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		r.writeMu.Unlock()
		return nil, fmt.Errorf("failed to begin write transaction: %w", err)
	}
	return &Tx{r: r, tx: tx, writable: true}, nil
}

// Commit commits the underlying transaction.
func (t *Tx) Commit() error {
	err := t.tx.Commit()
	t.finish()
	if err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Rollback aborts the underlying transaction. Safe to call after Commit.
func (t *Tx) Rollback() error {
	err := t.tx.Rollback()
	t.finish()
	if err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("failed to roll back transaction: %w", err)
	}
	return nil
}

func (t *Tx) finish() {
	if t.writable && !t.finished {
		t.finished = true
		t.r.writeMu.Unlock()
	}
}

// View runs fn inside a read-only transaction.
func (r *Reconciler) View(ctx context.Context, fn func(*Tx) error) error {
	t, err := r.Begin(ctx)
	if err != nil {
		return err
	}
	defer t.Rollback()
	return fn(t)
}

// Update runs fn inside an exclusive write transaction and commits when fn
// returns nil.
func (r *Reconciler) Update(ctx context.Context, fn func(*Tx) error) error {
	t, err := r.BeginWrite(ctx)
	if err != nil {
		return err
	}
	defer t.Rollback()
	if err := fn(t); err != nil {
		return err
	}
	return t.Commit()
}

// runAtomic wraps one mutating operation in a savepoint so a failed call
// leaves zero state change inside the host transaction, never a half-written
// association or queue entry.
func (t *Tx) runAtomic(ctx context.Context, fn func() error) error {
	if !t.writable {
		return ErrNotInWriteTransaction
	}
	t.spn++
	name := fmt.Sprintf("recsync_op_%d", t.spn)
	if _, err := t.tx.ExecContext(ctx, "SAVEPOINT "+name); err != nil {
		return fmt.Errorf("failed to create savepoint: %w", err)
	}
	if err := fn(); err != nil {
		if _, rbErr := t.tx.ExecContext(ctx, "ROLLBACK TO "+name); rbErr != nil {
			return fmt.Errorf("failed to roll back savepoint after %v: %w", err, rbErr)
		}
		if _, relErr := t.tx.ExecContext(ctx, "RELEASE "+name); relErr != nil {
			return fmt.Errorf("failed to release savepoint after %v: %w", err, relErr)
		}
		return err
	}
	if _, err := t.tx.ExecContext(ctx, "RELEASE "+name); err != nil {
		return fmt.Errorf("failed to release savepoint: %w", err)
	}
	return nil
}

// SourceID returns the persisted source id for a remote store, creating one
// on first use.
func (r *Reconciler) SourceID(ctx context.Context, storeID string) (string, error) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	sourceID, err := ensureClientRowInTx(ctx, tx, storeID)
	if err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit transaction: %w", err)
	}
	return sourceID, nil
}
