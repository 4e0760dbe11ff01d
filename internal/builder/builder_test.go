package builder

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pgsearchsync/pgsearchsync/internal/checkpoint"
	"github.com/pgsearchsync/pgsearchsync/internal/database"
	"github.com/pgsearchsync/pgsearchsync/internal/planner"
	"github.com/pgsearchsync/pgsearchsync/internal/queue"
	"github.com/pgsearchsync/pgsearchsync/internal/sink"
)

type fakeRows struct {
	data [][]interface{}
	pos  int
}

func (r *fakeRows) Close()                                      {}
func (r *fakeRows) Err() error                                   { return nil }
func (r *fakeRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *fakeRows) Next() bool                                   { return r.pos < len(r.data) }
func (r *fakeRows) Values() ([]interface{}, error) {
	v := r.data[r.pos]
	r.pos++
	return v, nil
}
func (r *fakeRows) RawValues() [][]byte           { return nil }
func (r *fakeRows) Conn() *pgx.Conn                { return nil }
func (r *fakeRows) Scan(dest ...interface{}) error { return nil }

type fakeExecutor struct {
	queryFn func(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	execFn  func(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

func (f *fakeExecutor) Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error) {
	return f.queryFn(ctx, sql, args...)
}
func (f *fakeExecutor) QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row {
	panic("not used")
}
func (f *fakeExecutor) Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error) {
	if f.execFn != nil {
		return f.execFn(ctx, sql, args...)
	}
	return pgconn.NewCommandTag("UPDATE 1"), nil
}
func (f *fakeExecutor) BeginTx(ctx context.Context) (pgx.Tx, error) { panic("not used") }
func (f *fakeExecutor) Pool() *pgxpool.Pool                         { return nil }
func (f *fakeExecutor) Health(ctx context.Context) error            { return nil }

var _ database.Executor = (*fakeExecutor)(nil)

type fakeSink struct {
	err  error
	seen []sink.Operation
}

func (s *fakeSink) Bulk(ctx context.Context, index string, ops []sink.Operation) error {
	s.seen = append(s.seen, ops...)
	return s.err
}

func (s *fakeSink) DeleteAll(ctx context.Context, index string) error {
	return s.err
}

func testPlan() *planner.Plan {
	return &planner.Plan{Mode: planner.RootKeyRestricted, SQL: "SELECT root.id, doc FROM books root WHERE root.id = ANY($1)", RootPKColumns: []string{"id"}}
}

func TestProcessBatch_UpsertsAndDeletes(t *testing.T) {
	exec := &fakeExecutor{
		queryFn: func(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error) {
			return &fakeRows{data: [][]interface{}{{"7", []byte(`{"title":"a"}`)}}}, nil
		},
	}
	q := queue.New(1000, 0, nil)
	cps := checkpoint.NewStore(exec)
	sk := &fakeSink{}

	b := New(Config{DatabaseName: "mydb", IndexName: "books_index"}, exec, testPlan(), q, cps, sk, nil, nil, nil)

	entries := []*queue.Entry{
		{Index: "books_index", RootPK: "7", CauseXid: 10},
		{Index: "books_index", RootPK: "8", CauseXid: 12},
	}
	err := b.ProcessBatch(context.Background(), entries)
	require.NoError(t, err)

	require.Len(t, sk.seen, 2)
	kinds := map[string]sink.OpKind{}
	for _, op := range sk.seen {
		kinds[op.ID] = op.Kind
	}
	assert.Equal(t, sink.OpUpsert, kinds["7"])
	assert.Equal(t, sink.OpDelete, kinds["8"])
}

func TestProcessBatch_AdvancesCheckpointToMinCauseXidMinusOne(t *testing.T) {
	var gotXID int64
	exec := &fakeExecutor{
		queryFn: func(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error) {
			return &fakeRows{}, nil
		},
		execFn: func(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error) {
			gotXID = args[2].(int64)
			return pgconn.NewCommandTag("UPDATE 1"), nil
		},
	}
	q := queue.New(1000, 0, nil)
	cps := checkpoint.NewStore(exec)
	sk := &fakeSink{}

	b := New(Config{DatabaseName: "mydb", IndexName: "books_index"}, exec, testPlan(), q, cps, sk, nil, nil, nil)
	entries := []*queue.Entry{
		{Index: "books_index", RootPK: "7", CauseXid: 15},
		{Index: "books_index", RootPK: "8", CauseXid: 9},
	}
	require.NoError(t, b.ProcessBatch(context.Background(), entries))
	assert.Equal(t, int64(8), gotXID)
}

func TestProcessBatch_SinkFailure_DeadLetters(t *testing.T) {
	exec := &fakeExecutor{
		queryFn: func(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error) {
			return &fakeRows{data: [][]interface{}{{"7", []byte(`{}`)}}}, nil
		},
	}
	var recordedIDs []string
	dlExec := &fakeExecutor{
		execFn: func(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error) {
			recordedIDs = append(recordedIDs, args[1].(string))
			return pgconn.NewCommandTag("INSERT 0 1"), nil
		},
	}
	q := queue.New(1000, 0, nil)
	cps := checkpoint.NewStore(exec)
	sk := &fakeSink{err: errors.New("cluster unreachable")}
	dl := sink.NewDeadLetterStore(dlExec, nil)

	b := New(Config{DatabaseName: "mydb", IndexName: "books_index"}, exec, testPlan(), q, cps, sk, dl, nil, nil)
	entries := []*queue.Entry{{Index: "books_index", RootPK: "7", CauseXid: 5}}
	err := b.ProcessBatch(context.Background(), entries)
	require.NoError(t, err)
	assert.Equal(t, []string{"7"}, recordedIDs)
}
