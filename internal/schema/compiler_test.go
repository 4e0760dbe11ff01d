package schema

import (
	"testing"

	"github.com/pgsearchsync/pgsearchsync/internal/catalog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tableInfo(schema, name string, columns []string, pk []string, fks []catalog.ForeignKey) *catalog.TableInfo {
	cols := make([]catalog.ColumnInfo, len(columns))
	for i, c := range columns {
		cols[i] = catalog.ColumnInfo{Name: c, DataType: "text", OrdinalPos: i + 1}
	}
	return &catalog.TableInfo{Schema: schema, Name: name, Columns: cols, PrimaryKey: pk, ForeignKeys: fks}
}

func TestQualify(t *testing.T) {
	assert.Equal(t, "public.books", qualify("books"))
	assert.Equal(t, "catalog_app.books", qualify("catalog_app.books"))
}

func TestCollectTables(t *testing.T) {
	doc := &NodeDocument{
		Table: "books",
		Children: []NodeDocument{
			{
				Table: "reviews",
				Relationship: map[string]interface{}{
					"variant":        "object",
					"type":           "one_to_many",
					"through_tables": []interface{}{"book_reviews"},
				},
			},
		},
	}
	out := map[string]bool{}
	collectTables(doc, out)
	assert.True(t, out["public.books"])
	assert.True(t, out["public.reviews"])
	assert.True(t, out["public.book_reviews"])
}

func TestDecodeRelationship_UnknownAttribute(t *testing.T) {
	_, err := decodeRelationship("public.books", map[string]interface{}{
		"variant": "object",
		"type":    "one_to_one",
		"bogus":   true,
	})
	require.Error(t, err)
	var attrErr *RelationshipAttributeError
	require.ErrorAs(t, err, &attrErr)
	assert.Equal(t, []string{"bogus"}, attrErr.Attributes)
}

func TestCompile_MissingRelationshipOnChild(t *testing.T) {
	tables := map[string]*catalog.TableInfo{
		"public.books":   tableInfo("public", "books", []string{"id", "title"}, []string{"id"}, nil),
		"public.reviews": tableInfo("public", "reviews", []string{"id", "book_id"}, []string{"id"}, nil),
	}
	doc := &NodeDocument{
		Table: "books",
		Children: []NodeDocument{
			{Table: "reviews"},
		},
	}
	_, err := buildTreeForTest(doc, tables)
	require.Error(t, err)
	var relErr *RelationshipError
	assert.ErrorAs(t, err, &relErr)
}

func TestCompile_UnknownVariantAndType(t *testing.T) {
	tables := map[string]*catalog.TableInfo{
		"public.books":   tableInfo("public", "books", []string{"id", "title"}, []string{"id"}, nil),
		"public.reviews": tableInfo("public", "reviews", []string{"id", "book_id"}, []string{"id"}, nil),
	}

	t.Run("bad variant", func(t *testing.T) {
		doc := &NodeDocument{
			Table: "books",
			Children: []NodeDocument{
				{Table: "reviews", Relationship: map[string]interface{}{"variant": "blob", "type": "one_to_many"}},
			},
		}
		_, err := buildTreeForTest(doc, tables)
		var variantErr *RelationshipVariantError
		assert.ErrorAs(t, err, &variantErr)
	})

	t.Run("bad type", func(t *testing.T) {
		doc := &NodeDocument{
			Table: "books",
			Children: []NodeDocument{
				{Table: "reviews", Relationship: map[string]interface{}{"variant": "object", "type": "many_to_many"}},
			},
		}
		_, err := buildTreeForTest(doc, tables)
		var typeErr *RelationshipTypeError
		assert.ErrorAs(t, err, &typeErr)
	})
}

func TestCompile_NoForeignKeyPath(t *testing.T) {
	tables := map[string]*catalog.TableInfo{
		"public.books":   tableInfo("public", "books", []string{"id", "title"}, []string{"id"}, nil),
		"public.reviews": tableInfo("public", "reviews", []string{"id", "book_id"}, []string{"id"}, nil),
	}
	doc := &NodeDocument{
		Table: "books",
		Children: []NodeDocument{
			{Table: "reviews", Relationship: map[string]interface{}{"variant": "object", "type": "one_to_many"}},
		},
	}
	_, err := buildTreeForTest(doc, tables)
	var fkErr *ForeignKeyError
	assert.ErrorAs(t, err, &fkErr)
}

func TestCompile_DirectForeignKeyDiscovered(t *testing.T) {
	tables := map[string]*catalog.TableInfo{
		"public.books": tableInfo("public", "books", []string{"id", "title"}, []string{"id"}, nil),
		"public.reviews": tableInfo("public", "reviews", []string{"id", "book_id", "body"}, []string{"id"}, []catalog.ForeignKey{
			{ConstraintName: "reviews_book_id_fkey", Columns: []string{"book_id"}, RefSchema: "public", RefTable: "books", RefColumns: []string{"id"}},
		}),
	}
	doc := &NodeDocument{
		Table: "books",
		Children: []NodeDocument{
			{Table: "reviews", Relationship: map[string]interface{}{"variant": "object", "type": "one_to_many"}},
		},
	}
	tree, err := buildTreeForTest(doc, tables)
	require.NoError(t, err)
	require.Len(t, tree.Root.Children, 1)
	child := tree.Root.Children[0]
	require.NotNil(t, child.Relationship)
	require.Len(t, child.Relationship.Join, 1)
	assert.Equal(t, []string{"book_id"}, child.Relationship.Join[0].Columns)
	assert.Equal(t, []string{"id"}, child.Relationship.Join[0].RefColumns)
}

func TestCompile_ForeignKeyOverride(t *testing.T) {
	tables := map[string]*catalog.TableInfo{
		"public.books":   tableInfo("public", "books", []string{"id", "title"}, []string{"id"}, nil),
		"public.reviews": tableInfo("public", "reviews", []string{"id", "legacy_book_ref"}, []string{"id"}, nil),
	}
	doc := &NodeDocument{
		Table: "books",
		Children: []NodeDocument{
			{
				Table: "reviews",
				Relationship: map[string]interface{}{
					"variant": "object",
					"type":    "one_to_many",
					"foreign_key": map[string]interface{}{
						"parent": []interface{}{"id"},
						"child":  []interface{}{"legacy_book_ref"},
					},
				},
			},
		},
	}
	tree, err := buildTreeForTest(doc, tables)
	require.NoError(t, err)
	join := tree.Root.Children[0].Relationship.Join[0]
	assert.Equal(t, []string{"legacy_book_ref"}, join.Columns)
	assert.Equal(t, []string{"id"}, join.RefColumns)
}

func TestCompile_ScalarColumnCount(t *testing.T) {
	tables := map[string]*catalog.TableInfo{
		"public.books": tableInfo("public", "books", []string{"id"}, []string{"id"}, nil),
		"public.tags": tableInfo("public", "tags", []string{"id", "book_id", "name"}, []string{"id"}, []catalog.ForeignKey{
			{ConstraintName: "tags_book_id_fkey", Columns: []string{"book_id"}, RefSchema: "public", RefTable: "books", RefColumns: []string{"id"}},
		}),
	}
	doc := &NodeDocument{
		Table: "books",
		Children: []NodeDocument{
			{
				Table:   "tags",
				Columns: []string{"name", "id"},
				Relationship: map[string]interface{}{
					"variant": "scalar",
					"type":    "one_to_many",
				},
			},
		},
	}
	_, err := buildTreeForTest(doc, tables)
	var countErr *ScalarColumnCountError
	assert.ErrorAs(t, err, &countErr)
}

func TestCompile_LabelDefaultsToTable(t *testing.T) {
	tables := map[string]*catalog.TableInfo{
		"public.books": tableInfo("public", "books", []string{"id", "title"}, []string{"id"}, nil),
	}
	doc := &NodeDocument{Table: "books"}
	tree, err := buildTreeForTest(doc, tables)
	require.NoError(t, err)
	assert.Equal(t, "books", tree.Root.Label)
}

func TestCompile_AllColumnsWhenOmitted(t *testing.T) {
	tables := map[string]*catalog.TableInfo{
		"public.books": tableInfo("public", "books", []string{"id", "title", "isbn"}, []string{"id"}, nil),
	}
	doc := &NodeDocument{Table: "books"}
	tree, err := buildTreeForTest(doc, tables)
	require.NoError(t, err)
	assert.Equal(t, []string{"id", "title", "isbn"}, tree.Root.Columns)
}

func TestCompile_CycleDetected(t *testing.T) {
	tables := map[string]*catalog.TableInfo{
		"public.books":      tableInfo("public", "books", []string{"id"}, []string{"id"}, nil),
		"public.editions":   tableInfo("public", "editions", []string{"id", "book_id"}, []string{"id"}, []catalog.ForeignKey{{Columns: []string{"book_id"}, RefSchema: "public", RefTable: "books", RefColumns: []string{"id"}}}),
	}
	doc := &NodeDocument{
		Table: "books",
		Children: []NodeDocument{
			{
				Table:        "editions",
				Relationship: map[string]interface{}{"variant": "object", "type": "one_to_many"},
				Children: []NodeDocument{
					{
						Table:        "books",
						Relationship: map[string]interface{}{"variant": "object", "type": "one_to_one"},
					},
				},
			},
		},
	}
	_, err := buildTreeForTest(doc, tables)
	var cycleErr *CycleError
	assert.ErrorAs(t, err, &cycleErr)
}

// buildTreeForTest drives buildNode directly with a prepared table map,
// skipping the catalog round trip exercised separately by the catalog
// package's own tests.
func buildTreeForTest(doc *NodeDocument, tables map[string]*catalog.TableInfo) (*Tree, error) {
	root, err := buildNode(doc, nil, tables, nil)
	if err != nil {
		return nil, err
	}
	return &Tree{Root: root}, nil
}

func TestTree_NodesByTable(t *testing.T) {
	tables := map[string]*catalog.TableInfo{
		"public.books": tableInfo("public", "books", []string{"id", "title"}, []string{"id"}, nil),
		"public.reviews": tableInfo("public", "reviews", []string{"id", "book_id"}, []string{"id"}, []catalog.ForeignKey{
			{Columns: []string{"book_id"}, RefSchema: "public", RefTable: "books", RefColumns: []string{"id"}},
		}),
	}
	doc := &NodeDocument{
		Table: "books",
		Children: []NodeDocument{
			{Table: "reviews", Relationship: map[string]interface{}{"variant": "object", "type": "one_to_many"}},
		},
	}
	tree, err := buildTreeForTest(doc, tables)
	require.NoError(t, err)
	idx := tree.NodesByTable()
	assert.Len(t, idx["public.books"], 1)
	assert.Len(t, idx["public.reviews"], 1)
}
