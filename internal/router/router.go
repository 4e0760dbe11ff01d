// Package router resolves a replication ChangeEvent into the set of
// compiled-tree root primary keys it affects, via inverse-join resolution.
package router

import (
	"context"
	"fmt"

	"github.com/jackc/pglogrepl"

	"github.com/pgsearchsync/pgsearchsync/internal/database"
	"github.com/pgsearchsync/pgsearchsync/internal/observability"
	"github.com/pgsearchsync/pgsearchsync/internal/planner"
	"github.com/pgsearchsync/pgsearchsync/internal/replication"
	"github.com/pgsearchsync/pgsearchsync/internal/schema"
)

// Match is one unit of routed work the Router emits. A normal change event
// produces a (index, root_pk, cause_xid, cause_lsn) triple for the Work
// Queue. A whole-table TRUNCATE instead sets FullResync (descendant table:
// every root document must be recomputed so the truncated child's embedded
// slot nulls out) or DeleteAll (root table: there is no PK set left in
// Postgres to diff against, so the whole index is cleared), and carries no
// RootPK.
type Match struct {
	Index    string
	RootPK   string
	CauseXid uint32
	CauseLSN pglogrepl.LSN

	// FullResync signals that every document in Index must be rebuilt from
	// scratch rather than enqueued by root PK.
	FullResync bool
	// DeleteAll signals that every document currently in Index must be
	// removed; the rows that would have been diffed against are gone.
	DeleteAll bool
}

// IndexTree pairs a compiled tree with the index name it builds documents
// for, and the pre-compiled descendant-key-filtered plan per table the tree
// references (built once at startup, alongside the tree itself).
type IndexTree struct {
	Index string
	Tree  *schema.Tree
	// descendantPlans is keyed by qualified table name; absent for the root
	// table, which needs no upward walk.
	descendantPlans map[string]*planner.Plan
}

// NewIndexTree precompiles every descendant-key-filtered plan the router
// will need for tree, one per non-root table it contains.
func NewIndexTree(index string, tree *schema.Tree) (*IndexTree, error) {
	it := &IndexTree{Index: index, Tree: tree, descendantPlans: map[string]*planner.Plan{}}
	for table := range tree.NodesByTable() {
		if table == tree.Root.QualifiedTable() {
			continue
		}
		plan, err := planner.CompileDescendantKeyFiltered(tree, table)
		if err != nil {
			return nil, fmt.Errorf("failed to compile descendant plan for %q in index %q: %w", table, index, err)
		}
		it.descendantPlans[table] = plan
	}
	return it, nil
}

// Router maintains a table-interest index (built once at startup from the
// compiled trees) so a change event's table resolves in O(1) to the trees
// that reference it, mirroring how a subscription manager indexes active
// subscriptions by table for fan-out.
type Router struct {
	db    database.Executor
	byTable map[string][]*IndexTree
	metrics *observability.Metrics
}

// New builds a Router over the given compiled trees.
func New(db database.Executor, metrics *observability.Metrics, trees []*IndexTree) *Router {
	r := &Router{db: db, metrics: metrics, byTable: map[string][]*IndexTree{}}
	for _, it := range trees {
		for table := range it.Tree.NodesByTable() {
			r.byTable[table] = append(r.byTable[table], it)
		}
	}
	return r
}

// Route resolves ev against every tree that references its table, returning
// one Match per affected (index, root_pk) pair.
func (r *Router) Route(ctx context.Context, ev replication.ChangeEvent) ([]Match, error) {
	trees, ok := r.byTable[ev.QualifiedTable()]
	if !ok {
		return nil, nil
	}

	var matches []Match
	for _, it := range trees {
		m, err := r.routeAgainstTree(ctx, it, ev)
		if err != nil {
			return nil, err
		}
		matches = append(matches, m...)
		if r.metrics != nil && len(m) > 0 {
			r.metrics.RecordRouterMatch(it.Index)
		}
	}
	return matches, nil
}

func (r *Router) routeAgainstTree(ctx context.Context, it *IndexTree, ev replication.ChangeEvent) ([]Match, error) {
	root := it.Tree.Root

	if ev.QualifiedTable() == root.QualifiedTable() {
		return r.routeRoot(it, ev), nil
	}

	if ev.Truncated {
		// A synthetic whole-table TRUNCATE on a descendant affects every
		// root row currently embedding it. There's no PK set left in
		// Postgres to resolve ancestors from, so instead of per-row routing
		// the caller is told to rebuild every document in the index; the
		// planner's query naturally nulls/empties the truncated child's
		// embedded slot for rows that no longer join to it.
		return []Match{{Index: it.Index, FullResync: true}}, nil
	}

	plan, ok := it.descendantPlans[ev.QualifiedTable()]
	if !ok {
		return nil, nil
	}

	var matches []Match
	if len(ev.NewPK) > 0 {
		m, err := r.resolveAncestors(ctx, it, plan, pkValues(ev.NewPK), ev.Xid, ev.LSN)
		if err != nil {
			return nil, err
		}
		matches = append(matches, m...)
	}
	if len(ev.OldPK) > 0 && !samePK(ev.NewPK, ev.OldPK) {
		m, err := r.resolveAncestors(ctx, it, plan, pkValues(ev.OldPK), ev.Xid, ev.LSN)
		if err != nil {
			return nil, err
		}
		matches = append(matches, m...)
	}
	return matches, nil
}

func (r *Router) routeRoot(it *IndexTree, ev replication.ChangeEvent) []Match {
	if ev.Truncated {
		// The root table's own rows are gone; there's nothing left to diff
		// requested PKs against, so the whole index is cleared instead.
		return []Match{{Index: it.Index, DeleteAll: true}}
	}
	var matches []Match
	if len(ev.NewPK) > 0 {
		matches = append(matches, Match{Index: it.Index, RootPK: renderID(it.Tree.Root.PrimaryKey, ev.NewPK), CauseXid: ev.Xid, CauseLSN: ev.LSN})
	}
	if len(ev.OldPK) > 0 && !samePK(ev.NewPK, ev.OldPK) {
		matches = append(matches, Match{Index: it.Index, RootPK: renderID(it.Tree.Root.PrimaryKey, ev.OldPK), CauseXid: ev.Xid, CauseLSN: ev.LSN})
	}
	return matches
}

// resolveAncestors runs the descendant-key-filtered plan to walk up from
// the affected descendant row(s) to their root PKs.
func (r *Router) resolveAncestors(ctx context.Context, it *IndexTree, plan *planner.Plan, keys []string, xid uint32, lsn pglogrepl.LSN) ([]Match, error) {
	rows, err := r.db.Query(ctx, plan.SQL, keys)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve ancestors for index %q: %w", it.Index, err)
	}
	defer rows.Close()

	var matches []Match
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return nil, err
		}
		pkParts := make([]string, len(it.Tree.Root.PrimaryKey))
		for i := range pkParts {
			pkParts[i] = fmt.Sprintf("%v", vals[i])
		}
		matches = append(matches, Match{Index: it.Index, RootPK: joinID(pkParts), CauseXid: xid, CauseLSN: lsn})
	}
	return matches, rows.Err()
}

func pkValues(pk map[string]string) []string {
	vals := make([]string, 0, len(pk))
	for _, v := range pk {
		vals = append(vals, v)
	}
	return vals
}

func samePK(a, b map[string]string) bool {
	if len(a) != len(b) || len(a) == 0 {
		return len(a) == 0 && len(b) == 0
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

// idSeparator joins composite PK parts into the destination document's
// _id, matching the builder's and the snapshot path's rendering.
const idSeparator = "|"

func renderID(pkCols []string, pk map[string]string) string {
	parts := make([]string, len(pkCols))
	for i, col := range pkCols {
		parts[i] = pk[col]
	}
	return joinID(parts)
}

func joinID(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += idSeparator
		}
		out += p
	}
	return out
}
