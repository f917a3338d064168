package task

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore 以内存方式保存任务记录，主要用于测试与单机部署。
// 宿主本身不提供事务，Atomic 通过按 id 加锁与暂存写入来补偿。
type MemoryStore struct {
	mu    sync.RWMutex
	tasks map[uint64]*Task

	locksMu sync.Mutex
	locks   map[uint64]*attemptLock
}

type attemptLock struct {
	mu   sync.Mutex
	refs int
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks: make(map[uint64]*Task),
		locks: make(map[uint64]*attemptLock),
	}
}

// Put 实现 Store 接口。注册与执行尝试共用同一把 id 锁，避免提交覆盖并发的注册。
func (m *MemoryStore) Put(_ context.Context, id uint64, task *Task) error {
	if task == nil {
		return ErrNilTask
	}
	lock := m.acquire(id)
	defer m.release(id, lock)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[id] = task.Clone()
	return nil
}

// Get 返回任务副本。
func (m *MemoryStore) Get(_ context.Context, id uint64) (*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	task, ok := m.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return task.Clone(), nil
}

// List 返回符合过滤条件的任务。
func (m *MemoryStore) List(_ context.Context, opts ListOptions) ([]Record, error) {
	opts.applyDefaults()

	m.mu.RLock()
	ids := make([]uint64, 0, len(m.tasks))
	for id, task := range m.tasks {
		if opts.Matches(task) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool {
		if opts.Order == SortByIDDesc {
			return ids[i] > ids[j]
		}
		return ids[i] < ids[j]
	})

	records := make([]Record, 0, opts.Limit)
	for idx, id := range ids {
		if idx < opts.Offset {
			continue
		}
		if len(records) >= opts.Limit {
			break
		}
		records = append(records, Record{ID: id, Task: m.tasks[id].Clone()})
	}
	m.mu.RUnlock()
	return records, nil
}

// Atomic 串行化同一 id 上的尝试，fn 成功返回后才落地暂存的写入。
func (m *MemoryStore) Atomic(ctx context.Context, id uint64, fn TxFunc) error {
	lock := m.acquire(id)
	defer m.release(id, lock)

	tx := &memoryTx{store: m, id: id}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if tx.staged != nil {
		m.mu.Lock()
		m.tasks[id] = tx.staged
		m.mu.Unlock()
	}
	return nil
}

func (m *MemoryStore) acquire(id uint64) *attemptLock {
	m.locksMu.Lock()
	lock, ok := m.locks[id]
	if !ok {
		lock = &attemptLock{}
		m.locks[id] = lock
	}
	lock.refs++
	m.locksMu.Unlock()

	lock.mu.Lock()
	return lock
}

func (m *MemoryStore) release(id uint64, lock *attemptLock) {
	lock.mu.Unlock()

	m.locksMu.Lock()
	lock.refs--
	if lock.refs == 0 {
		delete(m.locks, id)
	}
	m.locksMu.Unlock()
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

type memoryTx struct {
	store  *MemoryStore
	id     uint64
	staged *Task
}

func (t *memoryTx) Get(ctx context.Context) (*Task, error) {
	if t.staged != nil {
		return t.staged.Clone(), nil
	}
	return t.store.Get(ctx, t.id)
}

func (t *memoryTx) Put(_ context.Context, task *Task) error {
	if task == nil {
		return ErrNilTask
	}
	t.staged = task.Clone()
	return nil
}

// ensure interface compliance at compile time
var _ Store = (*MemoryStore)(nil)
