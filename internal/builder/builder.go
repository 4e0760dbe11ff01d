// Package builder drains the work queue in batches per index, re-reads the
// affected root rows fresh from Postgres, diffs requested against returned
// primary keys to tell upserts from deletes, and advances the checkpoint
// once the sink confirms the batch.
package builder

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pglogrepl"

	"github.com/pgsearchsync/pgsearchsync/internal/checkpoint"
	"github.com/pgsearchsync/pgsearchsync/internal/database"
	"github.com/pgsearchsync/pgsearchsync/internal/observability"
	"github.com/pgsearchsync/pgsearchsync/internal/planner"
	"github.com/pgsearchsync/pgsearchsync/internal/queue"
	"github.com/pgsearchsync/pgsearchsync/internal/sink"
)

// Config configures a Builder for one index.
type Config struct {
	DatabaseName string
	IndexName    string
	BatchSize    int
}

// Builder turns drained work-queue entries into sink operations for a
// single index. One Builder instance runs per index, each with its own
// goroutine in the pipeline.
type Builder struct {
	cfg         Config
	db          database.Executor
	plan        *planner.Plan
	queue       *queue.Queue
	checkpoints *checkpoint.Store
	sink        sink.BulkIndexer
	deadLetters *sink.DeadLetterStore
	metrics     *observability.Metrics
	// onConfirm, when set, is called with the LSN just written durably to
	// the checkpoint store so the Replication Consumer can report it as its
	// flush/apply position instead of the position merely received off the
	// wire.
	onConfirm func(pglogrepl.LSN)
}

// New returns a Builder for one index, wired to its root-key-restricted
// plan, the shared work queue, the checkpoint store, a sink, and the dead
// letter store that absorbs documents the sink can't ultimately deliver.
// onConfirm may be nil; when set it is called after every checkpoint
// advance with the LSN that was just durably persisted.
func New(cfg Config, db database.Executor, plan *planner.Plan, q *queue.Queue, checkpoints *checkpoint.Store, s sink.BulkIndexer, deadLetters *sink.DeadLetterStore, metrics *observability.Metrics, onConfirm func(pglogrepl.LSN)) *Builder {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	return &Builder{cfg: cfg, db: db, plan: plan, queue: q, checkpoints: checkpoints, sink: s, deadLetters: deadLetters, metrics: metrics, onConfirm: onConfirm}
}

// Run drains the queue for this builder's index in a loop until ctx is
// cancelled, processing one batch per iteration.
func (b *Builder) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		entries := b.queue.DrainBatch(b.cfg.IndexName, b.cfg.BatchSize)
		if len(entries) == 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}
		if err := b.ProcessBatch(ctx, entries); err != nil {
			return fmt.Errorf("builder for index %q failed: %w", b.cfg.IndexName, err)
		}
	}
}

// ProcessBatch issues the root-key-restricted read for entries' PKs, diffs
// requested against returned rows, and hands the resulting upserts/deletes
// to the sink as a single transactional unit. On success, the checkpoint is
// advanced to min(cause_xid in batch) - 1.
func (b *Builder) ProcessBatch(ctx context.Context, entries []*queue.Entry) error {
	start := time.Now()
	ctx, span := observability.StartBuilderSpan(ctx, b.cfg.IndexName, len(entries))
	defer span.End()

	requested := make(map[string]*queue.Entry, len(entries))
	keys := make([]string, 0, len(entries))
	minXid := entries[0].CauseXid
	minLSN := entries[0].CauseLSN
	for _, e := range entries {
		requested[e.RootPK] = e
		keys = append(keys, e.RootPK)
		if e.CauseXid < minXid {
			minXid = e.CauseXid
			minLSN = e.CauseLSN
		}
	}

	rows, err := b.db.Query(ctx, b.plan.SQL, keys)
	if err != nil {
		observability.SetBatchResult(ctx, time.Since(start), err)
		return fmt.Errorf("failed to read batch for index %q: %w", b.cfg.IndexName, err)
	}

	var upserts []sink.Operation
	returned := map[string]bool{}
	for rows.Next() {
		vals, scanErr := rows.Values()
		if scanErr != nil {
			rows.Close()
			return scanErr
		}
		id := renderRootID(vals[:len(b.plan.RootPKColumns)])
		var doc map[string]interface{}
		if len(vals) > len(b.plan.RootPKColumns) {
			raw, ok := vals[len(b.plan.RootPKColumns)].([]byte)
			if ok {
				if err := json.Unmarshal(raw, &doc); err != nil {
					rows.Close()
					return fmt.Errorf("failed to decode document for %q: %w", id, err)
				}
			}
		}
		returned[id] = true
		upserts = append(upserts, sink.Operation{ID: id, Kind: sink.OpUpsert, Source: doc})
	}
	rowsErr := rows.Err()
	rows.Close()
	if rowsErr != nil {
		return rowsErr
	}

	var deletes []sink.Operation
	for id := range requested {
		if !returned[id] {
			deletes = append(deletes, sink.Operation{ID: id, Kind: sink.OpDelete})
		}
	}

	ops := append(upserts, deletes...)
	if err := b.sink.Bulk(ctx, b.cfg.IndexName, ops); err != nil {
		observability.SetBatchResult(ctx, time.Since(start), err)
		if b.deadLetters == nil {
			return fmt.Errorf("sink rejected batch for index %q: %w", b.cfg.IndexName, err)
		}
		// The sink already exhausted its own retries. Rather than block the
		// whole pipeline on one bad batch, every document in it is escalated
		// to the dead letter queue and the checkpoint still advances: the
		// operator replays dead letters explicitly instead of the consumer
		// getting stuck behind a document the index may never accept.
		for _, op := range ops {
			if dlErr := b.deadLetters.Record(ctx, b.cfg.IndexName, op.ID, op, err); dlErr != nil {
				return fmt.Errorf("failed to dead-letter %q in index %q after sink failure: %w", op.ID, b.cfg.IndexName, dlErr)
			}
		}
	}

	if b.checkpoints != nil {
		if err := b.checkpoints.Advance(ctx, b.cfg.DatabaseName, b.cfg.IndexName, int64(minXid)-1, minLSN.String()); err != nil {
			return fmt.Errorf("failed to advance checkpoint for index %q: %w", b.cfg.IndexName, err)
		}
		if b.onConfirm != nil {
			b.onConfirm(minLSN)
		}
	}

	if b.metrics != nil {
		b.metrics.RecordBuilderBatch(b.cfg.IndexName, len(entries), time.Since(start), len(upserts), len(deletes))
	}
	observability.SetBatchResult(ctx, time.Since(start), nil)
	return nil
}

// rootIDSeparator matches the router's composite-PK rendering so a batch's
// requested keys line up with what the root-key-restricted query returns.
const rootIDSeparator = "|"

func renderRootID(pkValues []interface{}) string {
	out := ""
	for i, v := range pkValues {
		if i > 0 {
			out += rootIDSeparator
		}
		out += fmt.Sprintf("%v", v)
	}
	return out
}
