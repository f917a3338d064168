package sqlstore

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"math"
	"math/big"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	xerrors "SoroTask/internal/errors"
	"SoroTask/internal/task"
)

func openSQLite(t *testing.T) *Store {
	t.Helper()
	store, err := Open(context.Background(), Config{
		Driver: DriverSQLite,
		DSN:    filepath.Join(t.TempDir(), "tasks.db"),
	})
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLiteStoreCRUD(t *testing.T) {
	store := openSQLite(t)
	ctx := context.Background()

	original := &task.Task{
		Creator:    "C",
		Target:     "T",
		Function:   "f",
		Args:       []task.Value{task.Int(3), task.List(task.String("x"), task.Bytes([]byte{1}))},
		Resolver:   "R",
		Interval:   60,
		GasBalance: big.NewInt(-5),
	}
	if err := store.Put(ctx, 8, original); err != nil {
		t.Fatalf("put: %v", err)
	}
	loaded, err := store.Get(ctx, 8)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !loaded.Equal(original) {
		t.Fatalf("loaded task differs: %+v", loaded)
	}

	replacement := &task.Task{Target: "U", Function: "g"}
	if err := store.Put(ctx, 8, replacement); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	loaded, _ = store.Get(ctx, 8)
	if !loaded.Equal(replacement) {
		t.Fatalf("expected full overwrite, got %+v", loaded)
	}

	if _, err := store.Get(ctx, 9); !task.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := store.Put(ctx, math.MaxUint64, replacement); err == nil {
		t.Fatal("expected out-of-range id to be rejected")
	}
}

func TestSQLiteStoreRejectsUnrepresentableIntegers(t *testing.T) {
	store := openSQLite(t)
	ctx := context.Background()

	for name, record := range map[string]*task.Task{
		"interval": {Target: "T", Function: "f", Interval: math.MaxUint64},
		"last_run": {Target: "T", Function: "f", LastRun: math.MaxInt64 + 1},
	} {
		err := store.Put(ctx, 3, record)
		if xerrors.CodeOf(err) != task.CodeTaskValidation {
			t.Fatalf("%s: expected validation failure, got %v", name, err)
		}
	}
	if _, err := store.Get(ctx, 3); !task.IsNotFound(err) {
		t.Fatalf("rejected task must not be stored, got %v", err)
	}

	edge := &task.Task{Target: "T", Function: "f", Interval: math.MaxInt64, LastRun: math.MaxInt64}
	if err := store.Put(ctx, 3, edge); err != nil {
		t.Fatalf("put at the boundary: %v", err)
	}
	loaded, err := store.Get(ctx, 3)
	if err != nil || !loaded.Equal(edge) {
		t.Fatalf("boundary values must round trip, got %+v %v", loaded, err)
	}
}

func TestSQLiteStoreAtomic(t *testing.T) {
	store := openSQLite(t)
	ctx := context.Background()
	_ = store.Put(ctx, 1, &task.Task{Target: "T", Function: "f", LastRun: 3})

	boom := errors.New("boom")
	err := store.Atomic(ctx, 1, func(ctx context.Context, tx task.Tx) error {
		current, err := tx.Get(ctx)
		if err != nil {
			return err
		}
		current.LastRun = 100
		if err := tx.Put(ctx, current); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	loaded, _ := store.Get(ctx, 1)
	if loaded.LastRun != 3 {
		t.Fatalf("rolled back write is visible: %d", loaded.LastRun)
	}

	err = store.Atomic(ctx, 2, func(ctx context.Context, tx task.Tx) error {
		_, err := tx.Get(ctx)
		return err
	})
	if !task.IsNotFound(err) {
		t.Fatalf("expected not found inside tx, got %v", err)
	}
}

func TestSQLiteStoreWithEngine(t *testing.T) {
	store := openSQLite(t)
	ctx := context.Background()
	host := &recordingHost{}
	engine := task.NewEngine(store, host, task.WithClock(task.ClockFunc(func(context.Context) (uint64, error) {
		return 1_700_000_000, nil
	})))

	if err := engine.Register(ctx, 7, &task.Task{Target: "T", Function: "f", Args: []task.Value{task.Int(3)}}); err != nil {
		t.Fatalf("register: %v", err)
	}
	outcome, err := engine.Execute(ctx, 7)
	if err != nil || outcome != task.OutcomeExecuted {
		t.Fatalf("execute: %s %v", outcome, err)
	}
	if host.invokes.Load() != 1 {
		t.Fatalf("expected one invocation")
	}
	loaded, _ := store.Get(ctx, 7)
	if loaded.LastRun != 1_700_000_000 {
		t.Fatalf("last_run not committed: %d", loaded.LastRun)
	}

	host.fail = true
	if _, err := engine.Execute(ctx, 7); !task.IsInvocationFailure(err) {
		t.Fatalf("expected invocation failure, got %v", err)
	}
	after, _ := store.Get(ctx, 7)
	if !after.Equal(loaded) {
		t.Fatalf("failed attempt modified the record")
	}
}

func TestSQLiteStoreList(t *testing.T) {
	store := openSQLite(t)
	ctx := context.Background()
	_ = store.Put(ctx, 3, &task.Task{Target: "A", Function: "f", Resolver: "R"})
	_ = store.Put(ctx, 1, &task.Task{Target: "A", Function: "f"})
	_ = store.Put(ctx, 2, &task.Task{Target: "B", Function: "f"})

	records, err := store.List(ctx, task.BuildListOptions(task.WithTarget("A"), task.WithSortOrder(task.SortByIDDesc)))
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 2 || records[0].ID != 3 || records[1].ID != 1 {
		t.Fatalf("unexpected records: %+v", records)
	}
	plain, _ := store.List(ctx, task.BuildListOptions(task.WithResolverPresence(false)))
	if len(plain) != 2 || plain[0].ID != 1 {
		t.Fatalf("unexpected resolver filter: %+v", plain)
	}
}

func TestMySQLStoreAtomicCommits(t *testing.T) {
	rows := mockRowsData{
		columns: []string{"id", "creator", "target", "function_name", "args", "resolver", "interval_seconds", "last_run", "gas_balance"},
		values:  [][]driver.Value{{int64(7), "C", "T", "f", `[{"type":"int","value":"3"}]`, "", int64(0), int64(0), nil}},
	}
	mysql := dialects[DriverMySQL]
	db, drv := newMockDB(t, []mockOperation{
		beginOp(),
		queryOp(mysql.selectSQL(true), rows),
		execOp(mysql.upsertSQL(), mockResult{rowsAffected: 2}),
		commitOp(),
	})
	defer drv.assertConsumed(t)
	defer db.Close()

	store := &Store{db: db, dialect: mysql, now: func() time.Time { return time.Unix(1, 0) }}
	err := store.Atomic(context.Background(), 7, func(ctx context.Context, tx task.Tx) error {
		current, err := tx.Get(ctx)
		if err != nil {
			return err
		}
		if !task.ValuesEqual(current.Args, []task.Value{task.Int(3)}) {
			t.Errorf("unexpected args: %v", current.Args)
		}
		current.LastRun = 10
		return tx.Put(ctx, current)
	})
	if err != nil {
		t.Fatalf("atomic: %v", err)
	}
}

func TestMySQLStoreAtomicRollsBack(t *testing.T) {
	mysql := dialects[DriverMySQL]
	db, drv := newMockDB(t, []mockOperation{
		beginOp(),
		queryOp(mysql.selectSQL(true), mockRowsData{columns: []string{"id"}}),
		rollbackOp(),
	})
	defer drv.assertConsumed(t)
	defer db.Close()

	store := &Store{db: db, dialect: mysql, now: time.Now}
	err := store.Atomic(context.Background(), 7, func(ctx context.Context, tx task.Tx) error {
		_, err := tx.Get(ctx)
		return err
	})
	if !task.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestMySQLStoreListQuery(t *testing.T) {
	hasResolver := true
	query, args := buildListQuery(task.ListOptions{Limit: 5, Offset: 10, Target: "T", HasResolver: &hasResolver, Order: task.SortByIDDesc})
	want := `SELECT id, creator, target, function_name, args, resolver, interval_seconds, last_run, gas_balance FROM tasks WHERE target = ? AND resolver <> '' ORDER BY id DESC LIMIT ? OFFSET ?`
	if normalizeSQL(query) != want {
		t.Fatalf("unexpected query:\n%s", query)
	}
	if len(args) != 3 || args[0] != "T" || args[1] != 5 || args[2] != 10 {
		t.Fatalf("unexpected args: %v", args)
	}
}

func TestMySQLStoreRunMigrations(t *testing.T) {
	mysql := dialects[DriverMySQL]
	files, err := loadMigrationFiles(DriverMySQL)
	if err != nil || len(files) == 0 {
		t.Fatalf("load migrations: %v", err)
	}
	ops := []mockOperation{
		execOp(mysql.migrationTable, mockResult{}),
		queryOp(`SELECT version FROM schema_migrations`, mockRowsData{columns: []string{"version"}}),
		beginOp(),
	}
	for _, stmt := range files[0].statements {
		ops = append(ops, execOp(stmt, mockResult{}))
	}
	ops = append(ops,
		execOp(`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`, mockResult{rowsAffected: 1}),
		commitOp(),
	)
	db, drv := newMockDB(t, ops)
	defer drv.assertConsumed(t)
	defer db.Close()

	store := &Store{db: db, dialect: mysql, now: time.Now}
	if err := store.runMigrations(context.Background()); err != nil {
		t.Fatalf("run migrations failed: %v", err)
	}
}

func TestMySQLStoreSkipsAppliedMigrations(t *testing.T) {
	mysql := dialects[DriverMySQL]
	ops := []mockOperation{
		execOp(mysql.migrationTable, mockResult{}),
		queryOp(`SELECT version FROM schema_migrations`, mockRowsData{
			columns: []string{"version"},
			values:  [][]driver.Value{{"0001"}},
		}),
	}
	db, drv := newMockDB(t, ops)
	defer drv.assertConsumed(t)
	defer db.Close()

	store := &Store{db: db, dialect: mysql, now: time.Now}
	if err := store.runMigrations(context.Background()); err != nil {
		t.Fatalf("run migrations failed: %v", err)
	}
}

func TestDialectFor(t *testing.T) {
	if _, err := dialectFor(" MySQL "); err != nil {
		t.Fatalf("mysql: %v", err)
	}
	if _, err := dialectFor("postgres"); err == nil {
		t.Fatal("expected unsupported driver error")
	}
}

type recordingHost struct {
	invokes atomic.Int32
	fail    bool
}

func (h *recordingHost) TryInvoke(context.Context, string, string, []task.Value) (task.Value, error) {
	return task.Bool(true), nil
}

func (h *recordingHost) Invoke(context.Context, string, string, []task.Value) (task.Value, error) {
	if h.fail {
		return task.Value{}, errors.New("reverted")
	}
	h.invokes.Add(1)
	return task.Value{}, nil
}

type operationType int

const (
	opExec operationType = iota
	opQuery
	opBegin
	opCommit
	opRollback
)

type mockOperation struct {
	typ    operationType
	query  string
	result mockResult
	rows   mockRowsData
	err    error
}

type mockResult struct {
	lastInsertID int64
	rowsAffected int64
}

func (r mockResult) LastInsertId() (int64, error) { return r.lastInsertID, nil }
func (r mockResult) RowsAffected() (int64, error) { return r.rowsAffected, nil }

type mockRowsData struct {
	columns []string
	values  [][]driver.Value
}

type queueDriver struct {
	ops []mockOperation
	idx int32
}

var driverSeq atomic.Int32

func newMockDB(t *testing.T, ops []mockOperation) (*sql.DB, *queueDriver) {
	t.Helper()

	drv := &queueDriver{ops: ops}
	name := fmt.Sprintf("mock-sql-%d", driverSeq.Add(1))
	sql.Register(name, drv)

	db, err := sql.Open(name, "")
	if err != nil {
		t.Fatalf("open mock db failed: %v", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return db, drv
}

func execOp(query string, result mockResult) mockOperation {
	return mockOperation{typ: opExec, query: query, result: result}
}

func queryOp(query string, rows mockRowsData) mockOperation {
	return mockOperation{typ: opQuery, query: query, rows: rows}
}

func beginOp() mockOperation { return mockOperation{typ: opBegin} }

func commitOp() mockOperation { return mockOperation{typ: opCommit} }

func rollbackOp() mockOperation { return mockOperation{typ: opRollback} }

func (d *queueDriver) assertConsumed(t *testing.T) {
	t.Helper()

	if int(atomic.LoadInt32(&d.idx)) != len(d.ops) {
		t.Fatalf("not all operations consumed: %d/%d", atomic.LoadInt32(&d.idx), len(d.ops))
	}
}

func (d *queueDriver) Open(string) (driver.Conn, error) {
	return &mockConn{driver: d}, nil
}

func (d *queueDriver) next(expected operationType, query string) (*mockOperation, error) {
	idx := int(atomic.LoadInt32(&d.idx))
	if idx >= len(d.ops) {
		return nil, fmt.Errorf("unexpected operation: %v", expected)
	}
	op := &d.ops[idx]
	if op.typ != expected {
		return nil, fmt.Errorf("expected operation %v, got %v", op.typ, expected)
	}
	atomic.AddInt32(&d.idx, 1)
	if op.query != "" && normalizeSQL(op.query) != normalizeSQL(query) {
		return nil, fmt.Errorf("unexpected query. want %q got %q", normalizeSQL(op.query), normalizeSQL(query))
	}
	return op, nil
}

type mockConn struct {
	driver *queueDriver
}

func (c *mockConn) Prepare(query string) (driver.Stmt, error) {
	return nil, fmt.Errorf("prepare not supported: %s", query)
}

func (c *mockConn) Close() error { return nil }

func (c *mockConn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

func (c *mockConn) BeginTx(context.Context, driver.TxOptions) (driver.Tx, error) {
	op, err := c.driver.next(opBegin, "")
	if err != nil {
		return nil, err
	}
	if op.err != nil {
		return nil, op.err
	}
	return &mockTx{driver: c.driver}, nil
}

func (c *mockConn) ExecContext(_ context.Context, query string, _ []driver.NamedValue) (driver.Result, error) {
	op, err := c.driver.next(opExec, query)
	if err != nil {
		return nil, err
	}
	if op.err != nil {
		return nil, op.err
	}
	return op.result, nil
}

func (c *mockConn) QueryContext(_ context.Context, query string, _ []driver.NamedValue) (driver.Rows, error) {
	op, err := c.driver.next(opQuery, query)
	if err != nil {
		return nil, err
	}
	if op.err != nil {
		return nil, op.err
	}
	return &mockRows{columns: op.rows.columns, values: op.rows.values}, nil
}

func (c *mockConn) Ping(context.Context) error { return nil }

type mockTx struct {
	driver *queueDriver
}

func (t *mockTx) Commit() error {
	op, err := t.driver.next(opCommit, "")
	if err != nil {
		return err
	}
	return op.err
}

func (t *mockTx) Rollback() error {
	op, err := t.driver.next(opRollback, "")
	if err != nil {
		return err
	}
	return op.err
}

type mockRows struct {
	columns []string
	values  [][]driver.Value
	idx     int
}

func (r *mockRows) Columns() []string { return r.columns }
func (r *mockRows) Close() error      { return nil }

func (r *mockRows) Next(dest []driver.Value) error {
	if r.idx >= len(r.values) {
		return io.EOF
	}
	copy(dest, r.values[r.idx])
	r.idx++
	return nil
}

func normalizeSQL(query string) string {
	return strings.Join(strings.Fields(query), " ")
}
