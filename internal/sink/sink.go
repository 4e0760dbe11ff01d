// Package sink delivers built documents to the destination search index,
// retrying transient failures with backoff and escalating exhausted
// documents to a durable dead letter queue instead of blocking the pipeline.
package sink

import "context"

// OpKind distinguishes an upsert from a delete within a bulk batch.
type OpKind int

const (
	OpUpsert OpKind = iota
	OpDelete
)

// Operation is one document-level action within a bulk request.
type Operation struct {
	ID     string
	Kind   OpKind
	Source map[string]interface{}
}

// BulkIndexer delivers a batch of operations to one named index. Bulk
// returns an error only when the whole batch must be retried or dead
// lettered by the caller; a partially-successful batch is not modeled here
// since the builder always replaces the full set of affected documents on
// its next pass.
type BulkIndexer interface {
	Bulk(ctx context.Context, index string, ops []Operation) error

	// DeleteAll removes every document currently in index. Used when a
	// root-table TRUNCATE is observed: the table's rows (and therefore
	// every document built from them) are gone, but there is no longer a
	// PK set in Postgres to diff against to discover which document ids
	// to delete, so the whole index is cleared instead.
	DeleteAll(ctx context.Context, index string) error
}
