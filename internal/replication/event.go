package replication

import "github.com/jackc/pglogrepl"

// Op is the kind of change a ChangeEvent reports.
type Op string

const (
	OpInsert   Op = "INSERT"
	OpUpdate   Op = "UPDATE"
	OpDelete   Op = "DELETE"
	OpTruncate Op = "TRUNCATE"
)

// ChangeEvent is a single decoded logical-replication record, normalized
// away from pgoutput's wire representation into what the Router needs: the
// affected table, the operation, the transaction id it belongs to, and the
// row's primary key before and/or after the change.
type ChangeEvent struct {
	Schema string
	Table  string
	Op     Op
	Xid    uint32
	// LSN is the WAL position this change's XLogData record started at, used
	// to tag the Router's Match output with the position the event was
	// received at so the checkpoint store can resume the stream from the
	// right place after a restart.
	LSN pglogrepl.LSN

	// NewPK is the primary key of the row after the change (INSERT, UPDATE).
	NewPK map[string]string
	// OldPK is the primary key of the row before the change (UPDATE,
	// DELETE). For UPDATE it is only populated when REPLICA IDENTITY
	// provides the old key, i.e. when the PK itself changed.
	OldPK map[string]string

	// ChangedFKColumns names every column in the row's new tuple whose
	// value differs from the old tuple, restricted to columns the schema
	// compiler identified as FK-participating. The Router uses this to
	// decide whether an UPDATE re-points a row at a different parent.
	ChangedFKColumns []string

	// Truncated marks the synthetic whole-table TRUNCATE event; Schema and
	// Table name the truncated table.
	Truncated bool
}

// QualifiedTable returns "schema.table".
func (e ChangeEvent) QualifiedTable() string {
	return e.Schema + "." + e.Table
}
