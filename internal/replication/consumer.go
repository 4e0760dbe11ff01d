// Package replication consumes PostgreSQL's logical decoding stream
// (pgoutput plugin) over a dedicated, non-pooled connection and turns each
// decoded record into a ChangeEvent.
package replication

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/rs/zerolog/log"

	"github.com/pgsearchsync/pgsearchsync/internal/observability"
)

const (
	outputPlugin           = "pgoutput"
	standbyStatusInterval  = 10 * time.Second
	connectMaxRetries      = 5
	connectBaseDelay       = 1 * time.Second
)

// Config configures a Consumer.
type Config struct {
	// ConnString must be a physical (non-pooled) connection string; it is
	// used to hold the replication slot open for the lifetime of the run.
	ConnString string
	// DatabaseName and IndexName combine to form the reserved slot name
	// "<database>_<index>".
	DatabaseName string
	IndexName    string
	// Publication is the PostgreSQL publication the slot reads from. Neither
	// the Consumer nor the engine creates it; it must already exist when
	// Stream starts.
	Publication string
	// MaxLagBytes bounds how far behind the slot's restart LSN may fall
	// before ReplicationLagExceeded is raised.
	MaxLagBytes int64
	// FKColumns restricts ChangedFKColumns detection to these columns per
	// qualified table, as discovered by the schema compiler.
	FKColumns map[string][]string
}

func (c Config) slotName() string {
	return c.DatabaseName + "_" + c.IndexName
}

// Consumer drives logical decoding and emits ChangeEvents on Events().
type Consumer struct {
	cfg    Config
	conn   *pgx.Conn
	events chan ChangeEvent

	relations map[uint32]*pglogrepl.RelationMessage
	currentXid uint32

	lastStandbyUpdate time.Time
	clientXLogPos     pglogrepl.LSN

	// confirmedFlush is the highest LSN the Document Builder has durably
	// checkpointed, reported to Postgres as the flush/apply position so a
	// crash resumes from work actually persisted rather than merely
	// received off the wire. Written from the Builder's goroutine via
	// ConfirmLSN, read from the Stream goroutine in sendStandbyStatus.
	confirmedFlush atomic.Uint64
}

// New returns a Consumer. Connect must be called before Stream.
func New(cfg Config) *Consumer {
	return &Consumer{
		cfg:       cfg,
		events:    make(chan ChangeEvent, 1024),
		relations: map[uint32]*pglogrepl.RelationMessage{},
	}
}

// Events returns the channel ChangeEvents are published on. The channel is
// closed when Stream returns.
func (c *Consumer) Events() <-chan ChangeEvent {
	return c.events
}

// ConfirmLSN records lsn as durably checkpointed so the next standby status
// update reports it as the flush/apply position. Safe for concurrent use;
// out-of-order calls never move the reported position backward.
func (c *Consumer) ConfirmLSN(lsn pglogrepl.LSN) {
	for {
		current := c.confirmedFlush.Load()
		if uint64(lsn) <= current {
			return
		}
		if c.confirmedFlush.CompareAndSwap(current, uint64(lsn)) {
			return
		}
	}
}

// Connect acquires the dedicated replication connection, retrying with
// exponential backoff, mirroring the teacher's connection-acquisition retry
// shape for long-lived listeners.
func (c *Consumer) Connect(ctx context.Context) error {
	var lastErr error
	baseDelay := connectBaseDelay

	for attempt := 1; attempt <= connectMaxRetries; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		connCfg, err := pgx.ParseConfig(c.cfg.ConnString)
		if err != nil {
			return fmt.Errorf("failed to parse replication connection string: %w", err)
		}
		connCfg.RuntimeParams["replication"] = "database"

		acquireCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		conn, err := pgx.ConnectConfig(acquireCtx, connCfg)
		cancel()
		if err == nil {
			c.conn = conn
			return nil
		}

		lastErr = err
		log.Warn().Err(err).Int("attempt", attempt).Int("max_retries", connectMaxRetries).
			Msg("failed to acquire replication connection, retrying")

		if attempt < connectMaxRetries {
			delay := baseDelay * time.Duration(1<<(attempt-1))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return fmt.Errorf("failed to acquire replication connection after %d attempts: %w", connectMaxRetries, lastErr)
}

// Close releases the replication connection.
func (c *Consumer) Close(ctx context.Context) error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close(ctx)
}

// SlotExists reports whether the consumer's reserved slot is present on the
// server.
func (c *Consumer) SlotExists(ctx context.Context) (bool, error) {
	var exists bool
	row := c.conn.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM pg_replication_slots WHERE slot_name = $1)`, c.cfg.slotName())
	if err := row.Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check replication slot: %w", err)
	}
	return exists, nil
}

// CreateSlot creates the consumer's reserved logical replication slot using
// the pgoutput plugin, returning the LSN a snapshot taken at this instant
// should be considered consistent with.
func (c *Consumer) CreateSlot(ctx context.Context) (pglogrepl.LSN, error) {
	result, err := pglogrepl.CreateReplicationSlot(ctx, c.conn.PgConn(), c.cfg.slotName(), outputPlugin,
		pglogrepl.CreateReplicationSlotOptions{Temporary: false})
	if err != nil {
		return 0, fmt.Errorf("failed to create replication slot %q: %w", c.cfg.slotName(), err)
	}
	lsn, err := pglogrepl.ParseLSN(result.ConsistentPoint)
	if err != nil {
		return 0, fmt.Errorf("failed to parse consistent point %q: %w", result.ConsistentPoint, err)
	}
	return lsn, nil
}

// CheckLag compares the slot's restart LSN against the server's current WAL
// position and returns ReplicationLagExceeded if it exceeds cfg.MaxLagBytes.
func (c *Consumer) CheckLag(ctx context.Context) error {
	if c.cfg.MaxLagBytes <= 0 {
		return nil
	}
	var lagBytes int64
	row := c.conn.QueryRow(ctx, `
		SELECT pg_wal_lsn_diff(pg_current_wal_lsn(), restart_lsn)
		FROM pg_replication_slots WHERE slot_name = $1`, c.cfg.slotName())
	if err := row.Scan(&lagBytes); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return &ReplicationSlotMissing{SlotName: c.cfg.slotName()}
		}
		return fmt.Errorf("failed to check replication lag: %w", err)
	}
	if lagBytes > c.cfg.MaxLagBytes {
		return &ReplicationLagExceeded{SlotName: c.cfg.slotName(), LagBytes: lagBytes, MaxBytes: c.cfg.MaxLagBytes}
	}
	return nil
}

// Stream starts logical replication from startLSN and decodes records until
// ctx is cancelled, publishing ChangeEvents on Events(). It closes the
// events channel on return.
func (c *Consumer) Stream(ctx context.Context, startLSN pglogrepl.LSN) error {
	defer close(c.events)

	pluginArgs := []string{`"proto_version" '1'`, fmt.Sprintf(`"publication_names" '%s'`, c.cfg.Publication)}
	if err := pglogrepl.StartReplication(ctx, c.conn.PgConn(), c.cfg.slotName(), startLSN,
		pglogrepl.StartReplicationOptions{PluginArgs: pluginArgs}); err != nil {
		return fmt.Errorf("failed to start replication on slot %q: %w", c.cfg.slotName(), err)
	}

	c.clientXLogPos = startLSN
	c.lastStandbyUpdate = time.Now()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if time.Since(c.lastStandbyUpdate) >= standbyStatusInterval {
			if err := c.sendStandbyStatus(ctx); err != nil {
				return fmt.Errorf("failed to send standby status update: %w", err)
			}
		}

		recvCtx, cancel := context.WithTimeout(ctx, standbyStatusInterval)
		msg, err := c.conn.PgConn().ReceiveMessage(recvCtx)
		cancel()
		if err != nil {
			if pgconn.Timeout(err) {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("replication receive failed: %w", err)
		}

		cdMsg, ok := msg.(*pgproto3.CopyData)
		if !ok {
			continue
		}

		if err := c.handleCopyData(ctx, cdMsg.Data); err != nil {
			observability.RecordError(ctx, err)
			log.Error().Err(err).Msg("failed to handle replication message")
		}
	}
}

func (c *Consumer) sendStandbyStatus(ctx context.Context) error {
	flushed := pglogrepl.LSN(c.confirmedFlush.Load())
	err := pglogrepl.SendStandbyStatusUpdate(ctx, c.conn.PgConn(), pglogrepl.StandbyStatusUpdate{
		WALWritePosition: c.clientXLogPos,
		WALFlushPosition: flushed,
		WALApplyPosition: flushed,
	})
	if err == nil {
		c.lastStandbyUpdate = time.Now()
	}
	return err
}

func (c *Consumer) handleCopyData(ctx context.Context, data []byte) error {
	if len(data) == 0 {
		return nil
	}

	switch data[0] {
	case pglogrepl.PrimaryKeepaliveMessageByteID:
		kp, err := pglogrepl.ParsePrimaryKeepaliveMessage(data[1:])
		if err != nil {
			return err
		}
		if kp.ServerWALEnd > c.clientXLogPos {
			c.clientXLogPos = kp.ServerWALEnd
		}
		if kp.ReplyRequested {
			return c.sendStandbyStatus(ctx)
		}
		return nil

	case pglogrepl.XLogDataByteID:
		xld, err := pglogrepl.ParseXLogData(data[1:])
		if err != nil {
			return err
		}
		if xld.WALStart > c.clientXLogPos {
			c.clientXLogPos = xld.WALStart
		}
		return c.handleWALData(xld.WALStart, xld.WALData)
	}
	return nil
}

func (c *Consumer) handleWALData(lsn pglogrepl.LSN, walData []byte) error {
	logicalMsg, err := pglogrepl.Parse(walData)
	if err != nil {
		return fmt.Errorf("failed to parse logical message: %w", err)
	}

	switch msg := logicalMsg.(type) {
	case *pglogrepl.BeginMessage:
		c.currentXid = msg.Xid

	case *pglogrepl.RelationMessage:
		c.relations[msg.RelationID] = msg

	case *pglogrepl.InsertMessage:
		rel, ok := c.relations[msg.RelationID]
		if !ok {
			return fmt.Errorf("insert for unknown relation id %d", msg.RelationID)
		}
		ev := ChangeEvent{Schema: rel.Namespace, Table: rel.RelationName, Op: OpInsert, Xid: c.currentXid, LSN: lsn}
		ev.NewPK = c.pkFromTuple(rel, msg.Tuple)
		c.publish(ev)

	case *pglogrepl.UpdateMessage:
		rel, ok := c.relations[msg.RelationID]
		if !ok {
			return fmt.Errorf("update for unknown relation id %d", msg.RelationID)
		}
		ev := ChangeEvent{Schema: rel.Namespace, Table: rel.RelationName, Op: OpUpdate, Xid: c.currentXid, LSN: lsn}
		ev.NewPK = c.pkFromTuple(rel, msg.NewTuple)
		if msg.OldTuple != nil {
			ev.OldPK = c.pkFromTuple(rel, msg.OldTuple)
			ev.ChangedFKColumns = c.changedFKColumns(rel, msg.OldTuple, msg.NewTuple)
		}
		c.publish(ev)

	case *pglogrepl.DeleteMessage:
		rel, ok := c.relations[msg.RelationID]
		if !ok {
			return fmt.Errorf("delete for unknown relation id %d", msg.RelationID)
		}
		ev := ChangeEvent{Schema: rel.Namespace, Table: rel.RelationName, Op: OpDelete, Xid: c.currentXid, LSN: lsn}
		if msg.OldTuple != nil {
			ev.OldPK = c.pkFromTuple(rel, msg.OldTuple)
		}
		c.publish(ev)

	case *pglogrepl.TruncateMessage:
		for _, relID := range msg.RelationIDs {
			rel, ok := c.relations[relID]
			if !ok {
				continue
			}
			c.publish(ChangeEvent{Schema: rel.Namespace, Table: rel.RelationName, Op: OpTruncate, Xid: c.currentXid, Truncated: true, LSN: lsn})
		}

	case *pglogrepl.CommitMessage:
		// Nothing to emit; the event stream already carries per-row
		// changes tagged with their Xid in commit order.
	}
	return nil
}

func (c *Consumer) publish(ev ChangeEvent) {
	c.events <- ev
}

// pkFromTuple extracts the key-flagged columns of rel from tuple as
// strings. Logical decoding delivers values in text format regardless of
// the column's wire type, so a direct string read is sufficient for
// building the planner's ANY($1) key filters.
func (c *Consumer) pkFromTuple(rel *pglogrepl.RelationMessage, tuple *pglogrepl.TupleData) map[string]string {
	if tuple == nil {
		return nil
	}
	pk := map[string]string{}
	for i, col := range rel.Columns {
		if col.Flags&1 == 0 {
			continue
		}
		if i >= len(tuple.Columns) {
			continue
		}
		data := tuple.Columns[i]
		if data.DataType == 't' {
			pk[col.Name] = string(data.Data)
		}
	}
	return pk
}

// changedFKColumns compares old and new tuples column-by-column, returning
// the names of any changed columns that the schema compiler identified as
// FK-participating for this table.
func (c *Consumer) changedFKColumns(rel *pglogrepl.RelationMessage, oldTuple, newTuple *pglogrepl.TupleData) []string {
	if oldTuple == nil || newTuple == nil {
		return nil
	}
	fkCols := c.cfg.FKColumns[rel.Namespace+"."+rel.RelationName]
	if len(fkCols) == 0 {
		return nil
	}
	fkSet := map[string]bool{}
	for _, col := range fkCols {
		fkSet[col] = true
	}

	var changed []string
	for i, col := range rel.Columns {
		if !fkSet[col.Name] || i >= len(oldTuple.Columns) || i >= len(newTuple.Columns) {
			continue
		}
		if string(oldTuple.Columns[i].Data) != string(newTuple.Columns[i].Data) {
			changed = append(changed, col.Name)
		}
	}
	return changed
}
