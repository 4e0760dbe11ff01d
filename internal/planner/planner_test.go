package planner

import (
	"testing"

	"github.com/pgsearchsync/pgsearchsync/internal/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func simpleTree() *schema.Tree {
	root := &schema.Node{
		Schema:     "public",
		Table:      "books",
		Columns:    []string{"id", "title"},
		Label:      "books",
		PrimaryKey: []string{"id"},
	}
	reviews := &schema.Node{
		Schema:     "public",
		Table:      "reviews",
		Columns:    []string{"id", "body"},
		Label:      "reviews",
		PrimaryKey: []string{"id"},
		Relationship: &schema.Relationship{
			Variant:     schema.VariantObject,
			Cardinality: schema.OneToMany,
			Join: []schema.JoinHop{
				{FromTable: "public.books", ToTable: "public.reviews", OwningTable: "public.reviews", Columns: []string{"book_id"}, RefTable: "public.books", RefColumns: []string{"id"}},
			},
		},
	}
	root.Children = []*schema.Node{reviews}
	return &schema.Tree{Root: root}
}

func throughTableTree() *schema.Tree {
	root := &schema.Node{
		Schema:     "public",
		Table:      "books",
		Columns:    []string{"id", "title"},
		Label:      "books",
		PrimaryKey: []string{"id"},
	}
	tags := &schema.Node{
		Schema:     "public",
		Table:      "tags",
		Columns:    []string{"name"},
		Label:      "tags",
		PrimaryKey: []string{"id"},
		Relationship: &schema.Relationship{
			Variant:     schema.VariantScalar,
			Cardinality: schema.OneToMany,
			Join: []schema.JoinHop{
				{FromTable: "public.books", ToTable: "public.book_tags", OwningTable: "public.book_tags", Columns: []string{"book_id"}, RefTable: "public.books", RefColumns: []string{"id"}},
				{FromTable: "public.book_tags", ToTable: "public.tags", OwningTable: "public.book_tags", Columns: []string{"tag_id"}, RefTable: "public.tags", RefColumns: []string{"id"}},
			},
		},
	}
	root.Children = []*schema.Node{tags}
	return &schema.Tree{Root: root}
}

func TestCompile_FullSnapshot(t *testing.T) {
	plan, err := Compile(simpleTree())
	require.NoError(t, err)
	assert.Equal(t, FullSnapshot, plan.Mode)
	assert.Contains(t, plan.SQL, "FROM public.books root")
	assert.Contains(t, plan.SQL, "jsonb_agg")
	assert.Contains(t, plan.SQL, "'_meta'")
	assert.NotContains(t, plan.SQL, "$1")
}

func TestCompile_RootKeyRestricted(t *testing.T) {
	plan, err := CompileRootKeyRestricted(simpleTree())
	require.NoError(t, err)
	assert.Contains(t, plan.SQL, "WHERE root.id = ANY($1)")
}

func TestCompile_DescendantKeyFiltered(t *testing.T) {
	plan, err := CompileDescendantKeyFiltered(simpleTree(), "public.reviews")
	require.NoError(t, err)
	assert.Contains(t, plan.SQL, "JOIN public.reviews")
	assert.Contains(t, plan.SQL, "= ANY($1)")
}

func TestCompile_ScalarOneToMany(t *testing.T) {
	plan, err := Compile(throughTableTree())
	require.NoError(t, err)
	assert.Contains(t, plan.SQL, "JOIN public.book_tags")
	assert.Contains(t, plan.SQL, "'tags'")
}

func TestCompile_CompositePKFilter(t *testing.T) {
	tree := simpleTree()
	tree.Root.PrimaryKey = []string{"tenant_id", "id"}
	plan, err := CompileRootKeyRestricted(tree)
	require.NoError(t, err)
	assert.Contains(t, plan.SQL, "(root.tenant_id, root.id) = ANY($1)")
}

func TestCompile_RenameApplied(t *testing.T) {
	tree := simpleTree()
	tree.Root.Transform = schema.Transform{Rename: map[string]string{"title": "book_title"}}
	plan, err := Compile(tree)
	require.NoError(t, err)
	assert.Contains(t, plan.SQL, "'book_title'")
	assert.NotContains(t, plan.SQL, "'title'")
}
