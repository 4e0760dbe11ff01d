package checkpoint

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pgsearchsync/pgsearchsync/internal/database"
)

// fakeRow implements pgx.Row over a canned set of scan targets, so Store's
// tests don't need a live database connection.
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
		case *string:
			*v = r.values[i].(string)
		case *int64:
			*v = r.values[i].(int64)
		case *bool:
			*v = r.values[i].(bool)
		case *time.Time:
			*v = r.values[i].(time.Time)
		}
	}
	return nil
}

// fakeExecutor implements database.Executor, delegating QueryRow/Exec to
// test-supplied closures and panicking on anything a checkpoint test
// shouldn't need.
type fakeExecutor struct {
	queryRowFn func(ctx context.Context, sql string, args ...interface{}) pgx.Row
	execFn     func(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

func (f *fakeExecutor) Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error) {
	panic("not used by checkpoint tests")
}

func (f *fakeExecutor) QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row {
	return f.queryRowFn(ctx, sql, args...)
}

func (f *fakeExecutor) Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error) {
	return f.execFn(ctx, sql, args...)
}

func (f *fakeExecutor) BeginTx(ctx context.Context) (pgx.Tx, error) {
	panic("not used by checkpoint tests")
}

func (f *fakeExecutor) Pool() *pgxpool.Pool { return nil }

func (f *fakeExecutor) Health(ctx context.Context) error { return nil }

var _ database.Executor = (*fakeExecutor)(nil)

func TestStore_Get_NotFound(t *testing.T) {
	exec := &fakeExecutor{
		queryRowFn: func(ctx context.Context, sql string, args ...interface{}) pgx.Row {
			return fakeRow{err: pgx.ErrNoRows}
		},
	}
	store := NewStore(exec)
	_, err := store.Get(context.Background(), "mydb", "books_index")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_Get_Found(t *testing.T) {
	now := time.Now()
	exec := &fakeExecutor{
		queryRowFn: func(ctx context.Context, sql string, args ...interface{}) pgx.Row {
			return fakeRow{values: []interface{}{"mydb", "books_index", "mydb_books_index", int64(42), "0/1A2B3C", int64(1), true, now}}
		},
	}
	store := NewStore(exec)
	cp, err := store.Get(context.Background(), "mydb", "books_index")
	require.NoError(t, err)
	assert.Equal(t, int64(42), cp.CheckpointXID)
	assert.Equal(t, "0/1A2B3C", cp.CheckpointLSN)
	assert.True(t, cp.SnapshotCompleted)
}

func TestStore_Get_OtherError(t *testing.T) {
	exec := &fakeExecutor{
		queryRowFn: func(ctx context.Context, sql string, args ...interface{}) pgx.Row {
			return fakeRow{err: errors.New("connection reset")}
		},
	}
	store := NewStore(exec)
	_, err := store.Get(context.Background(), "mydb", "books_index")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
}

func TestStore_Advance_NoRowsAffected(t *testing.T) {
	exec := &fakeExecutor{
		execFn: func(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error) {
			return pgconn.NewCommandTag("UPDATE 0"), nil
		},
	}
	store := NewStore(exec)
	err := store.Advance(context.Background(), "mydb", "books_index", 10, "0/10")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_Advance_Success(t *testing.T) {
	var gotXID int64
	exec := &fakeExecutor{
		execFn: func(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error) {
			gotXID = args[2].(int64)
			return pgconn.NewCommandTag("UPDATE 1"), nil
		},
	}
	store := NewStore(exec)
	err := store.Advance(context.Background(), "mydb", "books_index", 99, "0/99")
	require.NoError(t, err)
	assert.Equal(t, int64(99), gotXID)
}

func TestStore_BeginResync(t *testing.T) {
	exec := &fakeExecutor{
		queryRowFn: func(ctx context.Context, sql string, args ...interface{}) pgx.Row {
			return fakeRow{values: []interface{}{int64(3)}}
		},
	}
	store := NewStore(exec)
	gen, err := store.BeginResync(context.Background(), "mydb", "books_index")
	require.NoError(t, err)
	assert.Equal(t, int64(3), gen)
}

func TestStore_MarkSnapshotCompleted_NotFound(t *testing.T) {
	exec := &fakeExecutor{
		execFn: func(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error) {
			return pgconn.NewCommandTag("UPDATE 0"), nil
		},
	}
	store := NewStore(exec)
	err := store.MarkSnapshotCompleted(context.Background(), "mydb", "books_index", 5)
	assert.ErrorIs(t, err, ErrNotFound)
}
