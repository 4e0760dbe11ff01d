package sink

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pgsearchsync/pgsearchsync/internal/database"
)

type fakeRow struct {
	values []interface{}
	err    error
}

func (r fakeRow) Scan(dest ...interface{}) error {
	if r.err != nil {
		return r.err
	}
	for i, d := range dest {
		switch v := d.(type) {
		case *int64:
			*v = r.values[i].(int64)
		case *string:
			*v = r.values[i].(string)
		case *[]byte:
			*v = r.values[i].([]byte)
		case *int:
			*v = r.values[i].(int)
		}
	}
	return nil
}

type fakeRows struct {
	rows []fakeRow
	pos  int
}

func (r *fakeRows) Close()                                      {}
func (r *fakeRows) Err() error                                   { return nil }
func (r *fakeRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *fakeRows) Next() bool                                   { return r.pos < len(r.rows) }
func (r *fakeRows) Values() ([]interface{}, error)               { return r.rows[r.pos].values, nil }
func (r *fakeRows) RawValues() [][]byte                          { return nil }
func (r *fakeRows) Conn() *pgx.Conn                              { return nil }
func (r *fakeRows) Scan(dest ...interface{}) error {
	row := r.rows[r.pos]
	r.pos++
	return row.Scan(dest...)
}

type fakeExecutor struct {
	execFn  func(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	queryFn func(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
}

func (f *fakeExecutor) Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error) {
	return f.queryFn(ctx, sql, args...)
}
func (f *fakeExecutor) QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row {
	panic("not used")
}
func (f *fakeExecutor) Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error) {
	return f.execFn(ctx, sql, args...)
}
func (f *fakeExecutor) BeginTx(ctx context.Context) (pgx.Tx, error) { panic("not used") }
func (f *fakeExecutor) Pool() *pgxpool.Pool                         { return nil }
func (f *fakeExecutor) Health(ctx context.Context) error            { return nil }

var _ database.Executor = (*fakeExecutor)(nil)

func TestDeadLetterStore_Record_Upsert(t *testing.T) {
	var gotOperation string
	exec := &fakeExecutor{
		execFn: func(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error) {
			gotOperation = args[2].(string)
			return pgconn.NewCommandTag("INSERT 0 1"), nil
		},
	}
	store := NewDeadLetterStore(exec, nil)
	op := Operation{ID: "7", Kind: OpUpsert, Source: map[string]interface{}{"title": "x"}}
	err := store.Record(context.Background(), "books_index", "7", op, errors.New("cluster unreachable"))
	require.NoError(t, err)
	assert.Equal(t, "upsert", gotOperation)
}

func TestDeadLetterStore_Record_Delete(t *testing.T) {
	var gotPayload interface{}
	exec := &fakeExecutor{
		execFn: func(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error) {
			gotPayload = args[3]
			return pgconn.NewCommandTag("INSERT 0 1"), nil
		},
	}
	store := NewDeadLetterStore(exec, nil)
	op := Operation{ID: "7", Kind: OpDelete}
	err := store.Record(context.Background(), "books_index", "7", op, errors.New("timeout"))
	require.NoError(t, err)
	assert.Nil(t, gotPayload)
}

func TestDeadLetterStore_List(t *testing.T) {
	exec := &fakeExecutor{
		queryFn: func(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error) {
			return &fakeRows{rows: []fakeRow{
				{values: []interface{}{int64(1), "books_index", "7", "upsert", []byte(`{}`), "boom", 3}},
			}}, nil
		},
	}
	store := NewDeadLetterStore(exec, nil)
	letters, err := store.List(context.Background(), "books_index", 10)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, "7", letters[0].RootPK)
	assert.Equal(t, 3, letters[0].Attempts)
}

func TestDeadLetterStore_Delete(t *testing.T) {
	called := false
	exec := &fakeExecutor{
		execFn: func(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error) {
			called = true
			return pgconn.NewCommandTag("DELETE 1"), nil
		},
	}
	store := NewDeadLetterStore(exec, nil)
	require.NoError(t, store.Delete(context.Background(), 1))
	assert.True(t, called)
}
