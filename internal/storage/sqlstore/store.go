package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	xerrors "SoroTask/internal/errors"
	"SoroTask/internal/task"
)

// Store 使用关系型数据库保存任务记录，实现 task.Store。
type Store struct {
	db      *sql.DB
	dialect dialect
	now     func() time.Time
}

// Open 建立连接并执行迁移。
func Open(ctx context.Context, cfg Config) (*Store, error) {
	d, err := dialectFor(cfg.Driver)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "数据库驱动配置错误")
	}
	db, err := openDatabase(ctx, cfg, d)
	if err != nil {
		return nil, err
	}
	store := &Store{db: db, dialect: d, now: time.Now}
	if err := store.runMigrations(ctx); err != nil {
		db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "执行数据库迁移失败")
	}
	return store, nil
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Put 以覆盖方式写入任务。
func (s *Store) Put(ctx context.Context, id uint64, t *task.Task) error {
	return s.put(ctx, s.db, id, t)
}

// Get 查询单个任务。
func (s *Store) Get(ctx context.Context, id uint64) (*task.Task, error) {
	return s.get(ctx, s.db, id, false)
}

// List 按条件列出任务。
func (s *Store) List(ctx context.Context, opts task.ListOptions) ([]task.Record, error) {
	query, args := buildListQuery(opts.Normalized())
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务列表失败")
	}
	defer rows.Close()

	var records []task.Record
	for rows.Next() {
		id, t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, task.Record{ID: id, Task: t})
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历任务列表失败")
	}
	return records, nil
}

// Atomic 在数据库事务中执行一次尝试。MySQL 通过 SELECT ... FOR UPDATE 锁定记录，
// SQLite 依赖单连接串行化。fn 返回错误时回滚。
func (s *Store) Atomic(ctx context.Context, id uint64, fn task.TxFunc) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启事务失败")
	}
	committed := false
	defer func() {
		if !committed {
			if rbErr := tx.Rollback(); rbErr != nil && !stdErrors.Is(rbErr, sql.ErrTxDone) && err == nil {
				err = xerrors.Wrap(xerrors.CodeStorageFailure, rbErr, "回滚事务失败")
			}
		}
	}()

	if err := fn(ctx, &sqlTx{store: s, tx: tx, id: id}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		committed = true
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交事务失败")
	}
	committed = true
	return nil
}

// Close 关闭底层数据库连接。
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type sqlTx struct {
	store *Store
	tx    *sql.Tx
	id    uint64
}

func (t *sqlTx) Get(ctx context.Context) (*task.Task, error) {
	return t.store.get(ctx, t.tx, t.id, true)
}

func (t *sqlTx) Put(ctx context.Context, record *task.Task) error {
	return t.store.put(ctx, t.tx, t.id, record)
}

func (s *Store) put(ctx context.Context, q querier, id uint64, t *task.Task) error {
	if t == nil {
		return task.ErrNilTask
	}
	if id > s.dialect.maxInteger {
		return xerrors.New(task.CodeTaskValidation, fmt.Sprintf("任务 id %d 超出 %s 支持的范围", id, s.dialect.driver))
	}
	if t.Interval > s.dialect.maxInteger || t.LastRun > s.dialect.maxInteger {
		return xerrors.New(task.CodeTaskValidation,
			fmt.Sprintf("任务 %d 的 interval/last_run 超出 %s 支持的范围", id, s.dialect.driver),
			xerrors.WithMetadata("interval", strconv.FormatUint(t.Interval, 10)),
			xerrors.WithMetadata("last_run", strconv.FormatUint(t.LastRun, 10)),
		)
	}
	args, err := json.Marshal(t.Args)
	if err != nil {
		return xerrors.Wrap(task.CodeTaskValidation, err, "编码任务参数失败")
	}
	var gas sql.NullString
	if t.GasBalance != nil {
		gas = sql.NullString{String: t.GasBalance.String(), Valid: true}
	}
	now := s.now().Unix()
	if _, err := q.ExecContext(ctx, s.dialect.upsertSQL(),
		id,
		t.Creator,
		t.Target,
		t.Function,
		string(args),
		t.Resolver,
		t.Interval,
		t.LastRun,
		gas,
		now,
		now,
	); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("写入任务 %d 失败", id))
	}
	return nil
}

func (s *Store) get(ctx context.Context, q querier, id uint64, forUpdate bool) (*task.Task, error) {
	if id > s.dialect.maxInteger {
		return nil, task.ErrTaskNotFound
	}
	row := q.QueryRowContext(ctx, s.dialect.selectSQL(forUpdate), id)
	_, t, err := scanTask(row)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return nil, task.ErrTaskNotFound
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (uint64, *task.Task, error) {
	var (
		id   uint64
		args string
		gas  sql.NullString
		t    task.Task
	)
	if err := row.Scan(&id, &t.Creator, &t.Target, &t.Function, &args, &t.Resolver, &t.Interval, &t.LastRun, &gas); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return 0, nil, err
		}
		return 0, nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析任务记录失败")
	}
	if strings.TrimSpace(args) != "" {
		if err := json.Unmarshal([]byte(args), &t.Args); err != nil {
			return 0, nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("解析任务 %d 的参数失败", id))
		}
	}
	if gas.Valid {
		balance, ok := new(big.Int).SetString(gas.String, 10)
		if !ok {
			return 0, nil, xerrors.New(xerrors.CodeStorageFailure, fmt.Sprintf("任务 %d 的 gas_balance 不是合法整数", id))
		}
		t.GasBalance = balance
	}
	return id, &t, nil
}

func buildListQuery(opts task.ListOptions) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	if opts.Target != "" {
		clauses = append(clauses, "target = ?")
		args = append(args, opts.Target)
	}
	if opts.HasResolver != nil {
		if *opts.HasResolver {
			clauses = append(clauses, "resolver <> ''")
		} else {
			clauses = append(clauses, "resolver = ''")
		}
	}

	query := `SELECT ` + taskColumns + ` FROM tasks`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	if opts.Order == task.SortByIDDesc {
		query += " ORDER BY id DESC"
	} else {
		query += " ORDER BY id ASC"
	}
	query += " LIMIT ? OFFSET ?"
	args = append(args, opts.Limit, opts.Offset)
	return query, args
}

var _ task.Store = (*Store)(nil)
