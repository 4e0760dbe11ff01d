// Package catalog introspects PostgreSQL's pg_catalog/information_schema to
// describe the tables a schema tree can be compiled against.
//
// Queries are batched by design: one round trip per introspection kind across
// all requested tables, never one round trip per table. This mirrors the
// teacher's schema-inspection approach of favoring a handful of joined,
// multi-row queries over a query-per-table loop.
package catalog

import (
	"context"
	"fmt"
	"sort"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ColumnInfo describes a single column of a table.
type ColumnInfo struct {
	Name       string
	DataType   string
	Nullable   bool
	OrdinalPos int
}

// ForeignKey describes a foreign key constraint, in the direction it was
// declared: Columns on the owning table reference RefTable(RefColumns).
type ForeignKey struct {
	ConstraintName string
	Columns        []string
	RefSchema      string
	RefTable       string
	RefColumns     []string
}

// TableInfo describes everything the schema compiler needs to know about a
// single table: its columns in declaration order, its primary key, and every
// foreign key it owns or is referenced by.
type TableInfo struct {
	Schema      string
	Name        string
	Columns     []ColumnInfo
	PrimaryKey  []string
	ForeignKeys []ForeignKey
	// ReferencedBy holds foreign keys declared on OTHER tables that point at
	// this one, keyed the same way as ForeignKeys (owning columns first).
	// Used to resolve through-table chains in the inverse direction.
	ReferencedBy []ForeignKey
}

// Catalog introspects a database's table shapes on demand. It holds no
// cache: pgsearchsync compiles a schema tree once at startup, so the
// TTL/invalidation machinery a live-browsing admin surface would need has no
// counterpart here.
type Catalog struct {
	pool *pgxpool.Pool
}

// New returns a Catalog backed by pool. The pool is typically the one owned
// by internal/database.Connection.
func New(pool *pgxpool.Pool) *Catalog {
	return &Catalog{pool: pool}
}

// TablesIn introspects every table named in qualifiedNames ("schema.table",
// or bare "table" meaning the "public" schema) in three batched round trips:
// columns, primary keys, and foreign keys (both directions).
func (c *Catalog) TablesIn(ctx context.Context, qualifiedNames []string) (map[string]*TableInfo, error) {
	if len(qualifiedNames) == 0 {
		return map[string]*TableInfo{}, nil
	}

	schemas := make([]string, 0, len(qualifiedNames))
	names := make([]string, 0, len(qualifiedNames))
	tables := make(map[string]*TableInfo, len(qualifiedNames))
	for _, qn := range qualifiedNames {
		schema, name := splitQualified(qn)
		schemas = append(schemas, schema)
		names = append(names, name)
		tables[key(schema, name)] = &TableInfo{Schema: schema, Name: name}
	}

	if err := c.loadColumns(ctx, schemas, names, tables); err != nil {
		return nil, fmt.Errorf("failed to load columns: %w", err)
	}
	if err := c.loadPrimaryKeys(ctx, schemas, names, tables); err != nil {
		return nil, fmt.Errorf("failed to load primary keys: %w", err)
	}
	if err := c.loadForeignKeys(ctx, schemas, names, tables); err != nil {
		return nil, fmt.Errorf("failed to load foreign keys: %w", err)
	}

	return tables, nil
}

const columnsQuery = `
SELECT table_schema, table_name, column_name, data_type, is_nullable, ordinal_position
FROM information_schema.columns
WHERE (table_schema, table_name) = ANY (SELECT unnest($1::text[]), unnest($2::text[]))
ORDER BY table_schema, table_name, ordinal_position`

func (c *Catalog) loadColumns(ctx context.Context, schemas, names []string, tables map[string]*TableInfo) error {
	rows, err := c.pool.Query(ctx, columnsQuery, schemas, names)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var schema, table, column, dataType, nullable string
		var pos int
		if err := rows.Scan(&schema, &table, &column, &dataType, &nullable, &pos); err != nil {
			return err
		}
		t, ok := tables[key(schema, table)]
		if !ok {
			continue
		}
		t.Columns = append(t.Columns, ColumnInfo{
			Name:       column,
			DataType:   dataType,
			Nullable:   nullable == "YES",
			OrdinalPos: pos,
		})
	}
	return rows.Err()
}

const primaryKeysQuery = `
SELECT tc.table_schema, tc.table_name, kcu.column_name, kcu.ordinal_position
FROM information_schema.table_constraints tc
JOIN information_schema.key_column_usage kcu
  ON tc.constraint_name = kcu.constraint_name AND tc.table_schema = kcu.table_schema
WHERE tc.constraint_type = 'PRIMARY KEY'
  AND (tc.table_schema, tc.table_name) = ANY (SELECT unnest($1::text[]), unnest($2::text[]))
ORDER BY tc.table_schema, tc.table_name, kcu.ordinal_position`

func (c *Catalog) loadPrimaryKeys(ctx context.Context, schemas, names []string, tables map[string]*TableInfo) error {
	rows, err := c.pool.Query(ctx, primaryKeysQuery, schemas, names)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var schema, table, column string
		var pos int
		if err := rows.Scan(&schema, &table, &column, &pos); err != nil {
			return err
		}
		t, ok := tables[key(schema, table)]
		if !ok {
			continue
		}
		t.PrimaryKey = append(t.PrimaryKey, column)
	}
	return rows.Err()
}

// foreignKeysQuery resolves both the owning side (table_schema/table_name on
// the left of the constraint) and the referenced side in one pass, grouped
// by constraint so that multi-column FKs come back as one row per column
// rather than needing a second join to reassemble.
const foreignKeysQuery = `
SELECT
  con.conname,
  src_ns.nspname AS src_schema,
  src_cls.relname AS src_table,
  src_att.attname AS src_column,
  ref_ns.nspname AS ref_schema,
  ref_cls.relname AS ref_table,
  ref_att.attname AS ref_column,
  ord.ordinality
FROM pg_constraint con
JOIN pg_class src_cls ON src_cls.oid = con.conrelid
JOIN pg_namespace src_ns ON src_ns.oid = src_cls.relnamespace
JOIN pg_class ref_cls ON ref_cls.oid = con.confrelid
JOIN pg_namespace ref_ns ON ref_ns.oid = ref_cls.relnamespace
JOIN LATERAL unnest(con.conkey, con.confkey) WITH ORDINALITY AS ord(srcattnum, refattnum, ordinality) ON true
JOIN pg_attribute src_att ON src_att.attrelid = con.conrelid AND src_att.attnum = ord.srcattnum
JOIN pg_attribute ref_att ON ref_att.attrelid = con.confrelid AND ref_att.attnum = ord.refattnum
WHERE con.contype = 'f'
  AND (
    (src_ns.nspname, src_cls.relname) = ANY (SELECT unnest($1::text[]), unnest($2::text[]))
    OR (ref_ns.nspname, ref_cls.relname) = ANY (SELECT unnest($1::text[]), unnest($2::text[]))
  )
ORDER BY con.conname, ord.ordinality`

func (c *Catalog) loadForeignKeys(ctx context.Context, schemas, names []string, tables map[string]*TableInfo) error {
	rows, err := c.pool.Query(ctx, foreignKeysQuery, schemas, names)
	if err != nil {
		return err
	}
	defer rows.Close()

	type fkAccum struct {
		fk                     ForeignKey
		srcSchema, srcTable    string
		refSchema, refTable    string
	}
	byConstraint := map[string]*fkAccum{}
	var order []string

	for rows.Next() {
		var conname, srcSchema, srcTable, srcColumn, refSchema, refTable, refColumn string
		var ordinality int
		if err := rows.Scan(&conname, &srcSchema, &srcTable, &srcColumn, &refSchema, &refTable, &refColumn, &ordinality); err != nil {
			return err
		}
		accKey := conname + "|" + srcSchema + "." + srcTable
		acc, ok := byConstraint[accKey]
		if !ok {
			acc = &fkAccum{
				fk: ForeignKey{
					ConstraintName: conname,
					RefSchema:      refSchema,
					RefTable:       refTable,
				},
				srcSchema: srcSchema,
				srcTable:  srcTable,
				refSchema: refSchema,
				refTable:  refTable,
			}
			byConstraint[accKey] = acc
			order = append(order, accKey)
		}
		acc.fk.Columns = append(acc.fk.Columns, srcColumn)
		acc.fk.RefColumns = append(acc.fk.RefColumns, refColumn)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, k := range order {
		acc := byConstraint[k]
		if owner, ok := tables[key(acc.srcSchema, acc.srcTable)]; ok {
			owner.ForeignKeys = append(owner.ForeignKeys, acc.fk)
		}
		if target, ok := tables[key(acc.refSchema, acc.refTable)]; ok {
			target.ReferencedBy = append(target.ReferencedBy, acc.fk)
		}
	}

	for _, t := range tables {
		sort.Slice(t.ForeignKeys, func(i, j int) bool {
			return t.ForeignKeys[i].ConstraintName < t.ForeignKeys[j].ConstraintName
		})
		sort.Slice(t.ReferencedBy, func(i, j int) bool {
			return t.ReferencedBy[i].ConstraintName < t.ReferencedBy[j].ConstraintName
		})
	}
	return nil
}

func key(schema, table string) string {
	return schema + "." + table
}

func splitQualified(qn string) (schema, table string) {
	for i := len(qn) - 1; i >= 0; i-- {
		if qn[i] == '.' {
			return qn[:i], qn[i+1:]
		}
	}
	return "public", qn
}
