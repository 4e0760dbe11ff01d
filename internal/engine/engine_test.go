package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/pgsearchsync/pgsearchsync/internal/schema"
)

func TestIsYAML(t *testing.T) {
	assert.True(t, isYAML("books.yaml"))
	assert.True(t, isYAML("books.yml"))
	assert.False(t, isYAML("books.json"))
	assert.False(t, isYAML("README.md"))
}

func TestPublicationName(t *testing.T) {
	assert.Equal(t, "pgsearchsync_mydb_books_index", publicationName("mydb", "books_index"))
}

func TestRenderSnapshotID_Composite(t *testing.T) {
	id := renderSnapshotID([]interface{}{"a", 1})
	assert.Equal(t, "a|1", id)
}

func TestFKColumnsByTable(t *testing.T) {
	root := &schema.Node{Schema: "public", Table: "books", PrimaryKey: []string{"id"}}
	reviews := &schema.Node{
		Schema: "public", Table: "reviews", PrimaryKey: []string{"id"},
		Relationship: &schema.Relationship{
			Variant: schema.VariantObject, Cardinality: schema.OneToMany,
			Join: []schema.JoinHop{
				{FromTable: "public.books", ToTable: "public.reviews", OwningTable: "public.reviews", Columns: []string{"book_id"}, RefTable: "public.books", RefColumns: []string{"id"}},
			},
		},
	}
	root.Children = []*schema.Node{reviews}
	tree := &schema.Tree{Root: root}

	fkCols := fkColumnsByTable(tree)
	assert.Equal(t, []string{"book_id"}, fkCols["public.reviews"])
	assert.Empty(t, fkCols["public.books"])
}
