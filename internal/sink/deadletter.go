package sink

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pgsearchsync/pgsearchsync/internal/database"
	"github.com/pgsearchsync/pgsearchsync/internal/observability"
)

// DeadLetterStore persists operations that a sink could not deliver after
// exhausting retries, so they can be inspected and replayed manually instead
// of silently dropped or left blocking the pipeline indefinitely.
type DeadLetterStore struct {
	db      database.Executor
	metrics *observability.Metrics
}

// NewDeadLetterStore returns a DeadLetterStore backed by db.
func NewDeadLetterStore(db database.Executor, metrics *observability.Metrics) *DeadLetterStore {
	return &DeadLetterStore{db: db, metrics: metrics}
}

// Record upserts a dead letter entry for (indexName, rootPK), bumping its
// attempt count and last error if one already exists.
func (s *DeadLetterStore) Record(ctx context.Context, indexName, rootPK string, op Operation, cause error) error {
	operation := "upsert"
	var payload []byte
	if op.Kind == OpDelete {
		operation = "delete"
	} else {
		var err error
		payload, err = json.Marshal(op.Source)
		if err != nil {
			return fmt.Errorf("failed to encode payload for dead letter %s/%s: %w", indexName, rootPK, err)
		}
	}

	_, err := s.db.Exec(ctx, `
		INSERT INTO pgsearchsync_dead_letters (index_name, root_pk, operation, payload, last_error, attempts)
		VALUES ($1, $2, $3, $4, $5, 1)
		ON CONFLICT (index_name, root_pk) DO UPDATE SET
			operation = EXCLUDED.operation,
			payload = EXCLUDED.payload,
			last_error = EXCLUDED.last_error,
			attempts = pgsearchsync_dead_letters.attempts + 1,
			last_failed_at = now()`,
		indexName, rootPK, operation, payload, cause.Error(),
	)
	if err != nil {
		return fmt.Errorf("failed to record dead letter for %s/%s: %w", indexName, rootPK, err)
	}
	if s.metrics != nil {
		s.metrics.RecordSinkRetry(indexName)
	}
	return nil
}

// DeadLetter is one row recorded in the dead letter queue.
type DeadLetter struct {
	ID        int64
	IndexName string
	RootPK    string
	Operation string
	Payload   []byte
	LastError string
	Attempts  int
}

// List returns up to limit dead letters for indexName, oldest first, for
// operator inspection or manual replay tooling.
func (s *DeadLetterStore) List(ctx context.Context, indexName string, limit int) ([]DeadLetter, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, index_name, root_pk, operation, payload, last_error, attempts
		FROM pgsearchsync_dead_letters
		WHERE index_name = $1
		ORDER BY first_failed_at ASC
		LIMIT $2`,
		indexName, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letters for %q: %w", indexName, err)
	}
	defer rows.Close()

	var out []DeadLetter
	for rows.Next() {
		var d DeadLetter
		if err := rows.Scan(&d.ID, &d.IndexName, &d.RootPK, &d.Operation, &d.Payload, &d.LastError, &d.Attempts); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// Delete removes a dead letter row once it has been resolved (replayed
// successfully or otherwise dismissed).
func (s *DeadLetterStore) Delete(ctx context.Context, id int64) error {
	_, err := s.db.Exec(ctx, `DELETE FROM pgsearchsync_dead_letters WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete dead letter %d: %w", id, err)
	}
	return nil
}
