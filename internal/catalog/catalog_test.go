package catalog

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSplitQualified(t *testing.T) {
	t.Run("schema-qualified name", func(t *testing.T) {
		schema, table := splitQualified("public.books")
		assert.Equal(t, "public", schema)
		assert.Equal(t, "books", table)
	})

	t.Run("bare name defaults to public", func(t *testing.T) {
		schema, table := splitQualified("authors")
		assert.Equal(t, "public", schema)
		assert.Equal(t, "authors", table)
	})

	t.Run("custom schema", func(t *testing.T) {
		schema, table := splitQualified("catalog_app.editions")
		assert.Equal(t, "catalog_app", schema)
		assert.Equal(t, "editions", table)
	})
}

func TestKey(t *testing.T) {
	assert.Equal(t, "public.books", key("public", "books"))
}

func TestTablesIn_EmptyInput(t *testing.T) {
	c := New(nil)
	tables, err := c.TablesIn(nil, nil)
	assert.NoError(t, err)
	assert.Empty(t, tables)
}
