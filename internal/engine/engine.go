// Package engine wires the Schema Tree Compiler, Query Planner, Replication
// Consumer, Change Router, Work Queue, Document Builder, and Index Sink
// together into one running pipeline per configured index, and supervises
// their goroutines as a unit.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/pgsearchsync/pgsearchsync/internal/builder"
	"github.com/pgsearchsync/pgsearchsync/internal/catalog"
	"github.com/pgsearchsync/pgsearchsync/internal/checkpoint"
	"github.com/pgsearchsync/pgsearchsync/internal/config"
	"github.com/pgsearchsync/pgsearchsync/internal/database"
	"github.com/pgsearchsync/pgsearchsync/internal/observability"
	"github.com/pgsearchsync/pgsearchsync/internal/planner"
	"github.com/pgsearchsync/pgsearchsync/internal/queue"
	"github.com/pgsearchsync/pgsearchsync/internal/replication"
	"github.com/pgsearchsync/pgsearchsync/internal/router"
	"github.com/pgsearchsync/pgsearchsync/internal/schema"
	"github.com/pgsearchsync/pgsearchsync/internal/sink"
)

// Engine runs one pipeline per index discovered in cfg.Sync.SchemaDir, and
// supervises their shutdown together.
type Engine struct {
	cfg     *config.Config
	db      *database.Connection
	metrics *observability.Metrics

	mu      sync.Mutex
	indexes []*indexPipeline
}

// New returns an Engine ready to have its indexes loaded via LoadIndexes.
func New(cfg *config.Config, db *database.Connection, metrics *observability.Metrics) *Engine {
	return &Engine{cfg: cfg, db: db, metrics: metrics}
}

// LoadIndexes reads every "*.yaml" or "*.yml" schema document in cfg.Sync.SchemaDir,
// compiles it against the live catalog, and prepares (but does not start) a
// pipeline for each. The index name is the file's base name without
// extension.
func (e *Engine) LoadIndexes(ctx context.Context) error {
	entries, err := os.ReadDir(e.cfg.Sync.SchemaDir)
	if err != nil {
		return fmt.Errorf("failed to read schema directory %q: %w", e.cfg.Sync.SchemaDir, err)
	}

	cat := catalog.New(e.db.Pool())
	compiler := schema.NewCompiler(cat)

	var pipelines []*indexPipeline
	for _, entry := range entries {
		if entry.IsDir() || !isYAML(entry.Name()) {
			continue
		}
		indexName := strings.TrimSuffix(entry.Name(), filepath.Ext(entry.Name()))
		path := filepath.Join(e.cfg.Sync.SchemaDir, entry.Name())

		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("failed to open schema file %q: %w", path, err)
		}
		doc, err := schema.DecodeDocument(f)
		closeErr := f.Close()
		if err != nil {
			return fmt.Errorf("failed to decode schema file %q: %w", path, err)
		}
		if closeErr != nil {
			return closeErr
		}

		tree, err := compiler.Compile(ctx, doc)
		if err != nil {
			return fmt.Errorf("failed to compile schema %q for index %q: %w", path, indexName, err)
		}

		p, err := e.buildPipeline(indexName, tree)
		if err != nil {
			return fmt.Errorf("failed to prepare pipeline for index %q: %w", indexName, err)
		}
		pipelines = append(pipelines, p)
	}

	e.mu.Lock()
	e.indexes = pipelines
	e.mu.Unlock()
	return nil
}

func isYAML(name string) bool {
	ext := filepath.Ext(name)
	return ext == ".yaml" || ext == ".yml"
}

// indexPipeline bundles every component that serves one index.
type indexPipeline struct {
	name         string
	tree         *schema.Tree
	indexTree    *router.IndexTree
	snapshotPlan *planner.Plan
	consumer     *replication.Consumer
	rtr          *router.Router
	q            *queue.Queue
	bld          *builder.Builder
	checkpoints  *checkpoint.Store
	sink         sink.BulkIndexer
}

func (e *Engine) buildPipeline(name string, tree *schema.Tree) (*indexPipeline, error) {
	it, err := router.NewIndexTree(name, tree)
	if err != nil {
		return nil, err
	}

	snapshotPlan, err := planner.Compile(tree)
	if err != nil {
		return nil, fmt.Errorf("failed to compile snapshot plan: %w", err)
	}
	rootKeyPlan, err := planner.CompileRootKeyRestricted(tree)
	if err != nil {
		return nil, fmt.Errorf("failed to compile root-key plan: %w", err)
	}

	q := queue.New(e.cfg.Sync.QueueHighWaterMark, e.cfg.Sync.QueueLowWaterMark, e.metrics)
	checkpoints := checkpoint.NewStore(e.db)
	rtr := router.New(e.db, e.metrics, []*router.IndexTree{it})

	elastic, err := sink.NewElasticAdapter(e.cfg.Search.Addresses, e.cfg.Search.Username, e.cfg.Search.Password, e.metrics)
	if err != nil {
		return nil, fmt.Errorf("failed to build sink for index %q: %w", name, err)
	}
	deadLetters := sink.NewDeadLetterStore(e.db, e.metrics)

	consumer := replication.New(replication.Config{
		ConnString:   e.cfg.Database.ReplicationConnectionString(),
		DatabaseName: e.cfg.Database.Database,
		IndexName:    name,
		Publication:  publicationName(e.cfg.Database.Database, name),
		FKColumns:    fkColumnsByTable(tree),
	})

	bld := builder.New(
		builder.Config{DatabaseName: e.cfg.Database.Database, IndexName: name, BatchSize: e.cfg.Sync.BuilderBatchSize},
		e.db, rootKeyPlan, q, checkpoints, elastic, deadLetters, e.metrics, consumer.ConfirmLSN,
	)

	return &indexPipeline{
		name: name, tree: tree, indexTree: it, snapshotPlan: snapshotPlan,
		consumer: consumer, rtr: rtr, q: q, bld: bld, checkpoints: checkpoints, sink: elastic,
	}, nil
}

func publicationName(database, index string) string {
	return "pgsearchsync_" + database + "_" + index
}

// fkColumnsByTable collects, per qualified table, the column names that
// participate as either side of a join hop anywhere in tree — the set the
// Replication Consumer needs to detect FK-repointing updates.
func fkColumnsByTable(tree *schema.Tree) map[string][]string {
	out := map[string][]string{}
	tree.Walk(func(n *schema.Node) {
		if n.Relationship == nil {
			return
		}
		for _, hop := range n.Relationship.Join {
			if hop.OwningTable == hop.FromTable {
				out[hop.FromTable] = append(out[hop.FromTable], hop.Columns...)
			} else {
				out[hop.ToTable] = append(out[hop.ToTable], hop.Columns...)
			}
		}
	})
	return out
}

// Run starts every loaded index pipeline and blocks until ctx is cancelled
// or one pipeline fails fatally, then drains the others before returning.
func (e *Engine) Run(ctx context.Context) error {
	e.mu.Lock()
	pipelines := append([]*indexPipeline{}, e.indexes...)
	e.mu.Unlock()

	if len(pipelines) == 0 {
		return fmt.Errorf("no index schemas found in %q", e.cfg.Sync.SchemaDir)
	}

	group, groupCtx := errgroup.WithContext(ctx)
	for _, p := range pipelines {
		p := p
		group.Go(func() error {
			if err := e.runIndex(groupCtx, p); err != nil {
				return fmt.Errorf("index %q: %w", p.name, err)
			}
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		log.Error().Err(err).Msg("index pipeline stopped with error")
		return err
	}
	return nil
}

// runIndex drives one index's full lifecycle: ensure the checkpoint row and
// replication slot exist (the publication is not created here), snapshot if
// needed, then stream indefinitely.
func (e *Engine) runIndex(ctx context.Context, p *indexPipeline) error {
	if err := e.ensureCheckpoint(ctx, p); err != nil {
		return err
	}

	cp, err := p.checkpoints.Get(ctx, e.cfg.Database.Database, p.name)
	if err != nil {
		return fmt.Errorf("failed to load checkpoint: %w", err)
	}

	if err := p.consumer.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect replication consumer: %w", err)
	}
	defer p.consumer.Close(context.Background())

	exists, err := p.consumer.SlotExists(ctx)
	if err != nil {
		return err
	}

	startLSN := pglogrepl.LSN(0)
	if !exists {
		lsn, err := p.consumer.CreateSlot(ctx)
		if err != nil {
			return fmt.Errorf("failed to create replication slot: %w", err)
		}
		startLSN = lsn
		// A new slot carries no changes from before its creation, so the
		// index is rebuilt from a full snapshot.
		cp.SnapshotCompleted = false
	} else if cp.CheckpointLSN != "" {
		lsn, err := pglogrepl.ParseLSN(cp.CheckpointLSN)
		if err != nil {
			return fmt.Errorf("failed to parse checkpoint LSN %q: %w", cp.CheckpointLSN, err)
		}
		startLSN = lsn
		log.Info().Str("index", p.name).Str("lsn", cp.CheckpointLSN).Int64("xid", cp.CheckpointXID).
			Msg("resuming replication stream from checkpoint")
	}

	if !cp.SnapshotCompleted {
		if err := e.runSnapshot(ctx, p); err != nil {
			return fmt.Errorf("snapshot failed: %w", err)
		}
	}

	var wg sync.WaitGroup
	streamCtx, cancelStream := context.WithCancel(ctx)
	defer cancelStream()

	wg.Add(1)
	var streamErr error
	go func() {
		defer wg.Done()
		streamErr = p.consumer.Stream(streamCtx, startLSN)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := p.bld.Run(streamCtx); err != nil && streamCtx.Err() == nil {
			log.Error().Err(err).Str("index", p.name).Msg("builder stopped unexpectedly")
			cancelStream()
		}
	}()

	e.pumpEvents(streamCtx, p)

	wg.Wait()
	if streamErr != nil && ctx.Err() == nil {
		return streamErr
	}
	return nil
}

// pumpEvents forwards every decoded ChangeEvent through the Router and into
// the Work Queue until the consumer's event channel closes. A TRUNCATE match
// bypasses the queue entirely: FullResync rebuilds every document so the
// planner's query naturally clears the truncated table's embedded slot,
// while DeleteAll clears the whole index since the root rows it would have
// diffed against are gone.
func (e *Engine) pumpEvents(ctx context.Context, p *indexPipeline) {
	for ev := range p.consumer.Events() {
		matches, err := p.rtr.Route(ctx, ev)
		if err != nil {
			log.Error().Err(err).Str("index", p.name).Str("table", ev.QualifiedTable()).
				Msg("failed to route change event")
			continue
		}
		for _, m := range matches {
			switch {
			case m.DeleteAll:
				if err := p.sink.DeleteAll(ctx, m.Index); err != nil {
					log.Error().Err(err).Str("index", p.name).Msg("failed to delete all documents after root truncate")
					continue
				}
				if _, err := p.checkpoints.BeginResync(ctx, e.cfg.Database.Database, p.name); err != nil {
					log.Error().Err(err).Str("index", p.name).Msg("failed to record resync generation after root truncate")
				}
			case m.FullResync:
				e.triggerFullResync(ctx, p)
			default:
				p.q.Submit(m.Index, m.RootPK, m.CauseXid, m.CauseLSN)
			}
		}
		if err := p.q.WaitForCapacity(ctx, p.name); err != nil {
			return
		}
	}
}

// triggerFullResync rebuilds every document in p's index in response to a
// mid-stream descendant-table TRUNCATE. Unlike the initial snapshot, it must
// not mark the snapshot completed or touch the streaming xid checkpoint:
// the replication stream is still running and its resume position must not
// be disturbed.
func (e *Engine) triggerFullResync(ctx context.Context, p *indexPipeline) {
	generation, err := p.checkpoints.BeginResync(ctx, e.cfg.Database.Database, p.name)
	if err != nil {
		log.Error().Err(err).Str("index", p.name).Msg("failed to begin resync after descendant truncate")
		return
	}
	if err := e.reindexAll(ctx, p, generation); err != nil {
		log.Error().Err(err).Str("index", p.name).Msg("full resync failed after descendant truncate")
	}
}

func (e *Engine) ensureCheckpoint(ctx context.Context, p *indexPipeline) error {
	_, err := p.checkpoints.Get(ctx, e.cfg.Database.Database, p.name)
	if errors.Is(err, checkpoint.ErrNotFound) {
		_, createErr := p.checkpoints.Create(ctx, e.cfg.Database.Database, p.name, e.cfg.Database.Database+"_"+p.name)
		return createErr
	}
	return err
}

// runSnapshot performs the initial full-table scan, stamps every document
// with the resync generation BeginResync issues, then marks the checkpoint
// complete so streaming can take over from the snapshot's consistent point.
func (e *Engine) runSnapshot(ctx context.Context, p *indexPipeline) error {
	generation, err := p.checkpoints.BeginResync(ctx, e.cfg.Database.Database, p.name)
	if err != nil {
		return fmt.Errorf("failed to begin initial snapshot resync: %w", err)
	}

	// Observed before the scan, reduced to the 32-bit xid the replication
	// stream reports.
	var snapshotStartXID int64
	if err := e.db.QueryRow(ctx, "SELECT txid_current() % 4294967296").Scan(&snapshotStartXID); err != nil {
		return fmt.Errorf("failed to read snapshot start xid: %w", err)
	}

	if err := e.reindexAll(ctx, p, generation); err != nil {
		return err
	}

	if err := p.checkpoints.MarkSnapshotCompleted(ctx, e.cfg.Database.Database, p.name, snapshotStartXID); err != nil {
		return fmt.Errorf("failed to mark snapshot completed: %w", err)
	}
	return nil
}

// reindexAll runs the snapshot plan and bulk-indexes every row directly
// (bypassing the Work Queue, since there is no per-row cause_xid to coalesce
// yet), stamping each document's "_run_generation" field with generation.
// Shared by the initial snapshot and by a mid-stream full resync triggered
// by a descendant-table TRUNCATE; neither caller's checkpoint bookkeeping is
// touched here.
func (e *Engine) reindexAll(ctx context.Context, p *indexPipeline, generation int64) error {
	start := time.Now()
	log.Info().Str("index", p.name).Int64("generation", generation).Msg("starting full reindex")

	rows, err := e.db.Query(ctx, p.snapshotPlan.SQL)
	if err != nil {
		return fmt.Errorf("failed to run snapshot query: %w", err)
	}
	defer rows.Close()

	batch := make([]sink.Operation, 0, e.cfg.Sync.BuilderBatchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := p.sink.Bulk(ctx, p.name, batch); err != nil {
			return err
		}
		batch = batch[:0]
		return nil
	}

	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return err
		}
		id := renderSnapshotID(vals[:len(p.snapshotPlan.RootPKColumns)])
		raw, _ := vals[len(p.snapshotPlan.RootPKColumns)].([]byte)
		var doc map[string]interface{}
		if raw != nil {
			if err := json.Unmarshal(raw, &doc); err != nil {
				return fmt.Errorf("failed to decode snapshot row %q: %w", id, err)
			}
		}
		if doc == nil {
			doc = map[string]interface{}{}
		}
		doc["_run_generation"] = generation
		batch = append(batch, sink.Operation{ID: id, Kind: sink.OpUpsert, Source: doc})
		if len(batch) >= e.cfg.Sync.BuilderBatchSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if err := flush(); err != nil {
		return err
	}

	log.Info().Str("index", p.name).Dur("elapsed", time.Since(start)).Msg("full reindex completed")
	return nil
}

func renderSnapshotID(pkValues []interface{}) string {
	out := ""
	for i, v := range pkValues {
		if i > 0 {
			out += "|"
		}
		out += fmt.Sprintf("%v", v)
	}
	return out
}
