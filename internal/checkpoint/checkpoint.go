// Package checkpoint persists the durable per-(database, index) progress
// markers the replication consumer and document builder need to resume
// correctly after a restart: the last confirmed transaction id, the
// replication slot name, and a run-generation counter that increases on
// every full resync.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/pgsearchsync/pgsearchsync/internal/database"
)

// ErrNotFound is returned by Get when no checkpoint row exists yet for the
// given (database, index) pair.
var ErrNotFound = errors.New("checkpoint: not found")

// Checkpoint is the persisted progress state for one (database, index) pair.
type Checkpoint struct {
	DatabaseName      string
	IndexName         string
	SlotName          string
	CheckpointXID     int64
	CheckpointLSN     string
	RunGeneration     int64
	SnapshotCompleted bool
	UpdatedAt         time.Time
}

// Store is a single-writer-per-index CRUD layer over pgsearchsync_checkpoints.
type Store struct {
	db database.Executor
}

// NewStore returns a Store backed by db.
func NewStore(db database.Executor) *Store {
	return &Store{db: db}
}

// Get loads the checkpoint for (databaseName, indexName). Returns
// ErrNotFound if the index has never been initialized.
func (s *Store) Get(ctx context.Context, databaseName, indexName string) (*Checkpoint, error) {
	row := s.db.QueryRow(ctx, `
		SELECT database_name, index_name, slot_name, checkpoint_xid, checkpoint_lsn,
		       run_generation, snapshot_completed, updated_at
		FROM pgsearchsync_checkpoints
		WHERE database_name = $1 AND index_name = $2`,
		databaseName, indexName,
	)

	var cp Checkpoint
	err := row.Scan(
		&cp.DatabaseName, &cp.IndexName, &cp.SlotName, &cp.CheckpointXID, &cp.CheckpointLSN,
		&cp.RunGeneration, &cp.SnapshotCompleted, &cp.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint for %s/%s: %w", databaseName, indexName, err)
	}
	return &cp, nil
}

// Create inserts the first checkpoint row for a newly configured index. The
// slot name follows the "<database>_<index>" reservation convention.
func (s *Store) Create(ctx context.Context, databaseName, indexName, slotName string) (*Checkpoint, error) {
	row := s.db.QueryRow(ctx, `
		INSERT INTO pgsearchsync_checkpoints
			(database_name, index_name, slot_name, checkpoint_xid, checkpoint_lsn, run_generation, snapshot_completed)
		VALUES ($1, $2, $3, 0, '0/0', 1, FALSE)
		ON CONFLICT (database_name, index_name) DO UPDATE SET slot_name = EXCLUDED.slot_name
		RETURNING database_name, index_name, slot_name, checkpoint_xid, checkpoint_lsn,
		          run_generation, snapshot_completed, updated_at`,
		databaseName, indexName, slotName,
	)

	var cp Checkpoint
	if err := row.Scan(
		&cp.DatabaseName, &cp.IndexName, &cp.SlotName, &cp.CheckpointXID, &cp.CheckpointLSN,
		&cp.RunGeneration, &cp.SnapshotCompleted, &cp.UpdatedAt,
	); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint for %s/%s: %w", databaseName, indexName, err)
	}
	return &cp, nil
}

// Advance moves the confirmed watermark forward. Callers (the Document
// Builder) must only call this after the sink has confirmed the batch: the
// checkpoint is the caller's durable proof of what has been written.
func (s *Store) Advance(ctx context.Context, databaseName, indexName string, xid int64, lsn string) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE pgsearchsync_checkpoints
		SET checkpoint_xid = $3, checkpoint_lsn = $4, updated_at = now()
		WHERE database_name = $1 AND index_name = $2`,
		databaseName, indexName, xid, lsn,
	)
	if err != nil {
		return fmt.Errorf("failed to advance checkpoint for %s/%s: %w", databaseName, indexName, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s/%s", ErrNotFound, databaseName, indexName)
	}
	return nil
}

// MarkSnapshotCompleted records that the initial full-table scan has
// finished and stamps the checkpoint with the transaction id observed at
// snapshot start, so streaming can resume precisely from there.
func (s *Store) MarkSnapshotCompleted(ctx context.Context, databaseName, indexName string, snapshotStartXID int64) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE pgsearchsync_checkpoints
		SET snapshot_completed = TRUE, checkpoint_xid = $3, updated_at = now()
		WHERE database_name = $1 AND index_name = $2`,
		databaseName, indexName, snapshotStartXID,
	)
	if err != nil {
		return fmt.Errorf("failed to mark snapshot completed for %s/%s: %w", databaseName, indexName, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s/%s", ErrNotFound, databaseName, indexName)
	}
	return nil
}

// BeginResync increments the run-generation counter and resets
// snapshot_completed, returning the new generation. Called once at the
// start of every full resync (initial or recovery-triggered).
func (s *Store) BeginResync(ctx context.Context, databaseName, indexName string) (int64, error) {
	row := s.db.QueryRow(ctx, `
		UPDATE pgsearchsync_checkpoints
		SET run_generation = run_generation + 1, snapshot_completed = FALSE, updated_at = now()
		WHERE database_name = $1 AND index_name = $2
		RETURNING run_generation`,
		databaseName, indexName,
	)

	var generation int64
	if err := row.Scan(&generation); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("failed to begin resync for %s/%s: %w", databaseName, indexName, err)
	}
	return generation, nil
}
