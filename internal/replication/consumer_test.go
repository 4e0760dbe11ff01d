package replication

import (
	"testing"

	"github.com/jackc/pglogrepl"
	"github.com/stretchr/testify/assert"
)

func TestConfig_SlotName(t *testing.T) {
	cfg := Config{DatabaseName: "catalog", IndexName: "books_index"}
	assert.Equal(t, "catalog_books_index", cfg.slotName())
}

func relationFixture() *pglogrepl.RelationMessage {
	return &pglogrepl.RelationMessage{
		RelationID:   1,
		Namespace:    "public",
		RelationName: "books",
		Columns: []*pglogrepl.RelationMessageColumn{
			{Name: "id", Flags: 1},
			{Name: "title", Flags: 0},
			{Name: "author_id", Flags: 0},
		},
	}
}

func tupleFixture(values ...string) *pglogrepl.TupleData {
	cols := make([]*pglogrepl.TupleDataColumn, len(values))
	for i, v := range values {
		cols[i] = &pglogrepl.TupleDataColumn{DataType: 't', Data: []byte(v)}
	}
	return &pglogrepl.TupleData{Columns: cols}
}

func TestConsumer_PkFromTuple(t *testing.T) {
	c := New(Config{DatabaseName: "catalog", IndexName: "books_index"})
	rel := relationFixture()
	pk := c.pkFromTuple(rel, tupleFixture("1", "Title", "9"))
	assert.Equal(t, map[string]string{"id": "1"}, pk)
}

func TestConsumer_PkFromTuple_NilTuple(t *testing.T) {
	c := New(Config{})
	assert.Nil(t, c.pkFromTuple(relationFixture(), nil))
}

func TestConsumer_ChangedFKColumns(t *testing.T) {
	c := New(Config{FKColumns: map[string][]string{
		"public.books": {"author_id"},
	}})
	rel := relationFixture()

	t.Run("fk column changed", func(t *testing.T) {
		old := tupleFixture("1", "Title", "9")
		updated := tupleFixture("1", "Title", "42")
		assert.Equal(t, []string{"author_id"}, c.changedFKColumns(rel, old, updated))
	})

	t.Run("non-fk column changed only", func(t *testing.T) {
		old := tupleFixture("1", "Title", "9")
		updated := tupleFixture("1", "New Title", "9")
		assert.Empty(t, c.changedFKColumns(rel, old, updated))
	})

	t.Run("nil tuples", func(t *testing.T) {
		assert.Nil(t, c.changedFKColumns(rel, nil, tupleFixture("1")))
	})
}

func TestChangeEvent_QualifiedTable(t *testing.T) {
	ev := ChangeEvent{Schema: "public", Table: "books"}
	assert.Equal(t, "public.books", ev.QualifiedTable())
}
