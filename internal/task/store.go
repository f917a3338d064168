package task

import "context"

// Store 抽象了任务记录的持久化接口。
type Store interface {
	// Put 覆盖（或创建）指定 id 的记录，不做字段合并。
	Put(ctx context.Context, id uint64, task *Task) error
	// Get 返回记录副本，不存在时返回 ErrTaskNotFound。
	Get(ctx context.Context, id uint64) (*Task, error)
	List(ctx context.Context, opts ListOptions) ([]Record, error)
	// Atomic 以全有或全无的方式执行一次尝试：fn 返回 nil 时 Tx 中的写入才对外可见，
	// 同一 id 上的并发尝试被串行化。
	Atomic(ctx context.Context, id uint64, fn TxFunc) error
	Close() error
}

// Tx 是绑定到单个任务 id 的事务视图。
type Tx interface {
	Get(ctx context.Context) (*Task, error)
	Put(ctx context.Context, task *Task) error
}

// TxFunc 在事务内执行。
type TxFunc func(ctx context.Context, tx Tx) error
