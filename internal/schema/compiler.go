package schema

import (
	"context"
	"fmt"
	"sort"

	"github.com/pgsearchsync/pgsearchsync/internal/catalog"
)

// Compiler turns a decoded NodeDocument tree into a validated, immutable
// Tree, resolving primary keys and join specifications against a live
// catalog. Like the teacher's config.Validate() chains, compilation
// validates the whole tree before producing anything usable: a partially
// valid tree is never returned.
type Compiler struct {
	catalog *catalog.Catalog
}

// NewCompiler returns a Compiler backed by cat.
func NewCompiler(cat *catalog.Catalog) *Compiler {
	return &Compiler{catalog: cat}
}

// Compile validates doc and produces an immutable Tree.
func (c *Compiler) Compile(ctx context.Context, doc *NodeDocument) (*Tree, error) {
	tableNames := map[string]bool{}
	collectTables(doc, tableNames)

	names := make([]string, 0, len(tableNames))
	for n := range tableNames {
		names = append(names, n)
	}
	sort.Strings(names)

	tables, err := c.catalog.TablesIn(ctx, names)
	if err != nil {
		return nil, fmt.Errorf("failed to introspect catalog: %w", err)
	}

	root, err := buildNode(doc, nil, tables, nil)
	if err != nil {
		return nil, err
	}
	return &Tree{Root: root}, nil
}

func collectTables(doc *NodeDocument, out map[string]bool) {
	out[qualify(doc.Table)] = true
	if doc.Relationship != nil {
		if raw, ok := doc.Relationship["through_tables"]; ok {
			if list, ok := raw.([]interface{}); ok {
				for _, t := range list {
					if s, ok := t.(string); ok {
						out[qualify(s)] = true
					}
				}
			}
		}
	}
	for i := range doc.Children {
		collectTables(&doc.Children[i], out)
	}
}

func qualify(table string) string {
	for i := 0; i < len(table); i++ {
		if table[i] == '.' {
			return table
		}
	}
	return "public." + table
}

// buildNode compiles doc into a Node. parent is nil for the root.
// ancestorPath carries qualified table names from the root to doc's parent,
// used for cycle detection.
func buildNode(doc *NodeDocument, parent *schemaBuildContext, tables map[string]*catalog.TableInfo, ancestorPath []string) (*Node, error) {
	qualified := qualify(doc.Table)
	for _, a := range ancestorPath {
		if a == qualified {
			return nil, &CycleError{Table: qualified, Path: append(append([]string{}, ancestorPath...), qualified)}
		}
	}

	info, ok := tables[qualified]
	if !ok {
		return nil, fmt.Errorf("table %q not found in catalog", qualified)
	}

	label := doc.Table
	if doc.Label != nil && *doc.Label != "" {
		label = *doc.Label
	}

	columns := doc.Columns
	if len(columns) == 0 {
		columns = make([]string, 0, len(info.Columns))
		for _, c := range info.Columns {
			columns = append(columns, c.Name)
		}
	}

	node := &Node{
		Schema:     info.Schema,
		Table:      info.Name,
		Columns:    columns,
		Label:      label,
		PrimaryKey: append([]string{}, info.PrimaryKey...),
	}
	if doc.Transform != nil && doc.Transform.Rename != nil {
		node.Transform = Transform{Rename: doc.Transform.Rename}
	}

	if parent != nil {
		rel, err := compileRelationship(doc, parent, tables)
		if err != nil {
			return nil, err
		}
		node.Relationship = rel

		if rel.Variant == VariantScalar && len(columns) != 1 {
			return nil, &ScalarColumnCountError{Table: qualified, Count: len(columns)}
		}
	}

	childCtx := &schemaBuildContext{qualifiedTable: qualified}
	nextPath := append(append([]string{}, ancestorPath...), qualified)
	for i := range doc.Children {
		child, err := buildNode(&doc.Children[i], childCtx, tables, nextPath)
		if err != nil {
			return nil, err
		}
		node.Children = append(node.Children, child)
	}

	return node, nil
}

// schemaBuildContext carries the bits of the parent node a child needs to
// resolve its join without exposing the parent's fully built *Node (which
// doesn't exist yet while the parent's own children are being compiled).
type schemaBuildContext struct {
	qualifiedTable string
}

func compileRelationship(doc *NodeDocument, parent *schemaBuildContext, tables map[string]*catalog.TableInfo) (*Relationship, error) {
	if doc.Relationship == nil {
		return nil, &RelationshipError{Table: qualify(doc.Table)}
	}

	relDoc, err := decodeRelationship(qualify(doc.Table), doc.Relationship)
	if err != nil {
		return nil, err
	}

	var variant Variant
	switch relDoc.Variant {
	case string(VariantObject):
		variant = VariantObject
	case string(VariantScalar):
		variant = VariantScalar
	default:
		return nil, &RelationshipVariantError{Table: qualify(doc.Table), Variant: relDoc.Variant}
	}

	var cardinality Cardinality
	switch relDoc.Type {
	case string(OneToOne):
		cardinality = OneToOne
	case string(OneToMany):
		cardinality = OneToMany
	default:
		return nil, &RelationshipTypeError{Table: qualify(doc.Table), Type: relDoc.Type}
	}

	chain := append([]string{parent.qualifiedTable}, relDoc.ThroughTables...)
	chain = append(chain, qualify(doc.Table))

	var hops []JoinHop
	for i := 0; i < len(chain)-1; i++ {
		from, to := chain[i], chain[i+1]
		// An explicit foreign_key override applies only to the direct
		// parent-child hop, never to through-table hops, which are always
		// independently catalog-discovered.
		var override *ForeignKeyOverride
		if i == 0 && len(relDoc.ThroughTables) == 0 {
			override = relDoc.ForeignKey
		}
		hop, err := resolveHop(from, to, override, tables)
		if err != nil {
			return nil, err
		}
		hops = append(hops, hop)
	}

	return &Relationship{Variant: variant, Cardinality: cardinality, Join: hops}, nil
}

// resolveHop finds the foreign key linking tables from and to, in either
// ownership direction, honoring an explicit override when present.
func resolveHop(from, to string, override *ForeignKeyOverride, tables map[string]*catalog.TableInfo) (JoinHop, error) {
	if override != nil {
		// Convention: the override's "child" side is the table that owns the
		// FK (declares the columns), "parent" side is referenced. This
		// mirrors how legacy schemas missing a declared constraint still
		// have the FK column living on the logical child row.
		return JoinHop{
			FromTable:   from,
			ToTable:     to,
			OwningTable: to,
			Columns:     override.Child,
			RefTable:    from,
			RefColumns:  override.Parent,
		}, nil
	}

	fromInfo, fromOK := tables[from]
	toInfo, toOK := tables[to]
	if !fromOK || !toOK {
		return JoinHop{}, &ForeignKeyError{ParentTable: from, ChildTable: to}
	}

	for _, fk := range toInfo.ForeignKeys {
		if fk.RefSchema+"."+fk.RefTable == from {
			return JoinHop{FromTable: from, ToTable: to, OwningTable: to, Columns: fk.Columns, RefTable: from, RefColumns: fk.RefColumns}, nil
		}
	}
	for _, fk := range fromInfo.ForeignKeys {
		if fk.RefSchema+"."+fk.RefTable == to {
			return JoinHop{FromTable: from, ToTable: to, OwningTable: from, Columns: fk.Columns, RefTable: to, RefColumns: fk.RefColumns}, nil
		}
	}

	return JoinHop{}, &ForeignKeyError{ParentTable: from, ChildTable: to}
}
