// Package planner compiles a schema.Tree into parameterized SQL that
// returns, per root primary key, the fully assembled JSON document plus its
// _meta aggregate. Query text is built once, at compile time, and reused
// across invocations — the same "build the translation once, execute it
// many times" discipline as a prepared filter/order-by-to-SQL layer.
package planner

import (
	"fmt"
	"strings"

	"github.com/pgsearchsync/pgsearchsync/internal/schema"
)

// Mode selects which of the three query shapes a Plan emits.
type Mode int

const (
	// FullSnapshot scans every row of the root table. Used by the snapshot
	// path for a full resync.
	FullSnapshot Mode = iota
	// RootKeyRestricted filters on the root table's own primary key. Used by
	// incremental rebuilds once the Router has resolved affected root PKs.
	RootKeyRestricted
	// DescendantKeyFiltered filters on a named descendant table's primary
	// key, joining up from that descendant to the root. Used by inverse-join
	// resolution to recover the set of root PKs touched by a change.
	DescendantKeyFiltered
)

// Plan is compiled SQL plus the column names the root row scans into.
type Plan struct {
	Mode          Mode
	SQL           string
	RootPKColumns []string
}

// Compile builds the full-snapshot plan for tree.
func Compile(tree *schema.Tree) (*Plan, error) {
	return build(tree, FullSnapshot, "")
}

// CompileRootKeyRestricted builds the root-PK-restricted plan: the root
// table is filtered by WHERE root.<pk...> = ANY($1) (single-column PK) or an
// equivalent tuple comparison for composite PKs.
func CompileRootKeyRestricted(tree *schema.Tree) (*Plan, error) {
	return build(tree, RootKeyRestricted, "")
}

// CompileDescendantKeyFiltered builds a plan keyed on descendantTable's
// primary key (a qualified "schema.table" name that must appear somewhere
// in tree), joining upward to the root along the matching node's parent
// chain, including any through-table hops.
func CompileDescendantKeyFiltered(tree *schema.Tree, descendantTable string) (*Plan, error) {
	return build(tree, DescendantKeyFiltered, descendantTable)
}

func build(tree *schema.Tree, mode Mode, descendantTable string) (*Plan, error) {
	root := tree.Root
	b := &builder{}

	const rootAlias = "root"
	docExpr, err := b.nodeDocumentExpr(root, rootAlias, true)
	if err != nil {
		return nil, err
	}

	pkSelect := make([]string, len(root.PrimaryKey))
	for i, pk := range root.PrimaryKey {
		pkSelect[i] = fmt.Sprintf("%s.%s", rootAlias, pk)
	}

	var sb strings.Builder
	sb.WriteString("SELECT\n  ")
	sb.WriteString(strings.Join(pkSelect, ", "))
	sb.WriteString(",\n  ")
	sb.WriteString(docExpr)
	sb.WriteString(" AS document\n")
	fmt.Fprintf(&sb, "FROM %s %s\n", root.QualifiedTable(), rootAlias)

	switch mode {
	case FullSnapshot:
		// no filter
	case RootKeyRestricted:
		fmt.Fprintf(&sb, "WHERE %s\n", pkFilterExpr(rootAlias, root.PrimaryKey, "$1"))
	case DescendantKeyFiltered:
		path, node, err := findPathToTable(root, descendantTable, nil)
		if err != nil {
			return nil, err
		}
		descendantAlias := b.joinUpward(&sb, path, rootAlias)
		fmt.Fprintf(&sb, "WHERE %s\n", pkFilterExpr(descendantAlias, node.PrimaryKey, "$1"))
	}

	return &Plan{Mode: mode, SQL: sb.String(), RootPKColumns: root.PrimaryKey}, nil
}

// pkFilterExpr renders "alias.col = ANY($n)" for a single-column PK, or a
// row-tuple comparison against an array of composite keys for multi-column
// PKs.
func pkFilterExpr(alias string, pk []string, param string) string {
	if len(pk) == 1 {
		return fmt.Sprintf("%s.%s = ANY(%s)", alias, pk[0], param)
	}
	cols := make([]string, len(pk))
	for i, c := range pk {
		cols[i] = fmt.Sprintf("%s.%s", alias, c)
	}
	return fmt.Sprintf("(%s) = ANY(%s)", strings.Join(cols, ", "), param)
}

type builder struct {
	aliasSeq int
}

func (b *builder) nextAlias() string {
	b.aliasSeq++
	return fmt.Sprintf("j%d", b.aliasSeq)
}

// nodeDocumentExpr renders the jsonb_build_object expression for node,
// scoped to the row referenced by alias. isRoot adds the _meta aggregate,
// which only the root document carries.
func (b *builder) nodeDocumentExpr(node *schema.Node, alias string, isRoot bool) (string, error) {
	fields := make([]string, 0, len(node.Columns)+len(node.Children)+1)
	for _, col := range node.Columns {
		out := col
		if node.Transform.Rename != nil {
			if renamed, ok := node.Transform.Rename[col]; ok {
				out = renamed
			}
		}
		fields = append(fields, fmt.Sprintf("%s, %s.%s", quoteLit(out), alias, col))
	}

	for _, child := range node.Children {
		childExpr, err := b.childSubquery(child, alias)
		if err != nil {
			return "", err
		}
		fields = append(fields, fmt.Sprintf("%s, %s", quoteLit(child.Label), childExpr))
	}

	if isRoot {
		entries := collectMeta(node)
		metaExpr := "jsonb_build_object(" + strings.Join(entries, ", ") + ")"
		fields = append(fields, "'_meta', "+metaExpr)
	}

	return "jsonb_build_object(\n    " + strings.Join(fields, ",\n    ") + "\n  )", nil
}

// collectMeta walks every descendant of node (node itself excluded when it
// is the root) and renders one `_meta` entry per table, each a correlated
// subquery over that table's own join path back to the root. _meta entries
// are independent of transform/label, per the merge-shallowly invariant.
func collectMeta(root *schema.Node) []string {
	var entries []string
	var walk func(node *schema.Node, alias, pathFrom, pathWhere string)
	b := &builder{}
	walk = func(node *schema.Node, alias, pathFrom, pathWhere string) {
		for _, child := range node.Children {
			childAlias := b.nextAlias()
			from, where := b.joinClauseForRelationship(child, alias, childAlias)
			if pathFrom != "" {
				// alias is bound only inside the parent's own entry, so the
				// parent's path back to the root is joined in here too.
				cond := strings.TrimPrefix(where, "WHERE ")
				if strings.Contains(pathFrom, "\n") {
					from += fmt.Sprintf("\n   JOIN (%s) ON %s", pathFrom, cond)
				} else {
					from += fmt.Sprintf("\n   JOIN %s ON %s", pathFrom, cond)
				}
				where = pathWhere
			}
			metaPK := "id"
			if len(child.PrimaryKey) > 0 {
				metaPK = child.PrimaryKey[0]
			}
			entry := fmt.Sprintf(
				"%s, jsonb_build_object(%s, coalesce((SELECT jsonb_agg(%s.%s ORDER BY %s.%s) FROM %s %s), '[]'::jsonb))",
				quoteLit(child.Table), quoteLit(metaPK), childAlias, metaPK, childAlias, metaPK, from, where,
			)
			entries = append(entries, entry)
			walk(child, childAlias, from, where)
		}
	}
	walk(root, "root", "", "")
	return entries
}

// childSubquery renders the labelled subselect embedding a non-root child
// into its parent's document.
func (b *builder) childSubquery(node *schema.Node, parentAlias string) (exprSQL string, err error) {
	childAlias := b.nextAlias()
	from, where := b.joinClauseForRelationship(node, parentAlias, childAlias)

	orderBy := ""
	if len(node.PrimaryKey) > 0 {
		cols := make([]string, len(node.PrimaryKey))
		for i, pk := range node.PrimaryKey {
			cols[i] = fmt.Sprintf("%s.%s", childAlias, pk)
		}
		orderBy = " ORDER BY " + strings.Join(cols, ", ")
	}

	rel := node.Relationship
	isMany := rel.Cardinality == schema.OneToMany

	var rowExpr string
	if rel.Variant == schema.VariantScalar {
		if len(node.Columns) != 1 {
			return "", fmt.Errorf("scalar node %q must project exactly one column", node.QualifiedTable())
		}
		rowExpr = fmt.Sprintf("%s.%s", childAlias, node.Columns[0])
	} else {
		rowExpr, err = b.nodeDocumentExpr(node, childAlias, false)
		if err != nil {
			return "", err
		}
	}

	if isMany {
		return fmt.Sprintf(
			"(SELECT coalesce(jsonb_agg(%s%s), '[]'::jsonb)\n   FROM %s\n   %s)",
			rowExpr, orderBy, from, where,
		), nil
	}
	// object/scalar 1-1 with no matching row yields null, satisfying the
	// null policy without a coalesce.
	return fmt.Sprintf(
		"(SELECT %s\n   FROM %s\n   %s\n   LIMIT 1)",
		rowExpr, from, where,
	), nil
}

// joinClauseForRelationship renders the FROM/WHERE pair that binds
// childAlias to node's table, correlated against the already-bound
// parentAlias row, walking any through-table hops in node's join chain.
func (b *builder) joinClauseForRelationship(node *schema.Node, parentAlias, childAlias string) (fromSQL, whereSQL string) {
	hops := node.Relationship.Join
	n := len(hops)

	aliases := make([]string, n+1)
	aliases[0] = parentAlias
	aliases[n] = childAlias
	for i := 1; i < n; i++ {
		aliases[i] = b.nextAlias()
	}

	from := node.QualifiedTable() + " " + childAlias
	for i := n - 1; i >= 1; i-- {
		tableName := hops[i-1].ToTable
		cond := hopCondition(hops[i], aliases[i], aliases[i+1])
		from += fmt.Sprintf("\n   JOIN %s %s ON %s", tableName, aliases[i], cond)
	}

	where := "WHERE " + hopCondition(hops[0], aliases[0], aliases[1])
	return from, where
}

// hopCondition renders "fromAlias.cols = toAlias.cols" for a single FK hop,
// orienting columns by which side owns the FK.
func hopCondition(hop schema.JoinHop, fromAlias, toAlias string) string {
	ownerAlias, otherAlias := fromAlias, toAlias
	ownerCols, otherCols := hop.Columns, hop.RefColumns
	if hop.OwningTable != hop.FromTable {
		ownerAlias, otherAlias = toAlias, fromAlias
	}
	parts := make([]string, len(ownerCols))
	for i := range ownerCols {
		parts[i] = fmt.Sprintf("%s.%s = %s.%s", ownerAlias, ownerCols[i], otherAlias, otherCols[i])
	}
	return strings.Join(parts, " AND ")
}

// findPathToTable locates the node in tree whose qualified table matches
// target, returning the chain of nodes from the root's immediate child down
// to (and including) the match.
func findPathToTable(node *schema.Node, target string, path []*schema.Node) ([]*schema.Node, *schema.Node, error) {
	for _, child := range node.Children {
		next := append(append([]*schema.Node{}, path...), child)
		if child.QualifiedTable() == target {
			return next, child, nil
		}
		if p, n, err := findPathToTable(child, target, next); err == nil {
			return p, n, nil
		}
	}
	return nil, nil, fmt.Errorf("table %q not found in tree", target)
}

// joinUpward appends a chain of parenthesized JOINs to sb, walking from
// rootAlias down through each node in path (each possibly a multi-hop,
// through-table join on its own), and returns the alias bound to the final
// (descendant) node.
func (b *builder) joinUpward(sb *strings.Builder, path []*schema.Node, rootAlias string) string {
	currentAlias := rootAlias
	for _, node := range path {
		childAlias := b.nextAlias()
		from, where := b.joinClauseForRelationship(node, currentAlias, childAlias)
		cond := strings.TrimPrefix(where, "WHERE ")
		if strings.Contains(from, "\n") {
			fmt.Fprintf(sb, "JOIN (%s) ON %s\n", from, cond)
		} else {
			fmt.Fprintf(sb, "JOIN %s ON %s\n", from, cond)
		}
		currentAlias = childAlias
	}
	return currentAlias
}

func quoteLit(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
