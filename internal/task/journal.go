package task

import (
	"context"
	"sort"
	"sync"
)

// JournalStage 标记一次尝试在调用目标前后的进度。
type JournalStage string

const (
	// StagePending 表示即将调用目标，结果未知。
	StagePending JournalStage = "pending"
	// StageInvoked 表示目标调用已成功，等待提交 last_run。
	StageInvoked JournalStage = "invoked"
)

// JournalEntry 是一条预写标记。
type JournalEntry struct {
	AttemptID string       `json:"attempt_id"`
	TaskID    uint64       `json:"task_id"`
	Timestamp uint64       `json:"timestamp"`
	Stage     JournalStage `json:"stage"`
	CreatedAt int64        `json:"created_at"`
}

// Journal 记录尚未完成提交的尝试，用于在目标调用成功但提交失败（如进程崩溃）后补偿。
type Journal interface {
	Begin(ctx context.Context, entry JournalEntry) error
	MarkInvoked(ctx context.Context, attemptID string) error
	Complete(ctx context.Context, attemptID string) error
	Entries(ctx context.Context) ([]JournalEntry, error)
}

// MemoryJournal 在进程内保存标记，适用于测试或不要求崩溃恢复的部署。
type MemoryJournal struct {
	mu      sync.Mutex
	entries map[string]JournalEntry
}

// NewMemoryJournal 创建 MemoryJournal。
func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{entries: make(map[string]JournalEntry)}
}

// Begin 写入 pending 标记。
func (j *MemoryJournal) Begin(_ context.Context, entry JournalEntry) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	entry.Stage = StagePending
	j.entries[entry.AttemptID] = entry
	return nil
}

// MarkInvoked 将标记推进到 invoked。
func (j *MemoryJournal) MarkInvoked(_ context.Context, attemptID string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	entry, ok := j.entries[attemptID]
	if !ok {
		return nil
	}
	entry.Stage = StageInvoked
	j.entries[attemptID] = entry
	return nil
}

// Complete 删除标记。
func (j *MemoryJournal) Complete(_ context.Context, attemptID string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	delete(j.entries, attemptID)
	return nil
}

// Entries 按创建时间返回全部未完成的标记。
func (j *MemoryJournal) Entries(context.Context) ([]JournalEntry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	entries := make([]JournalEntry, 0, len(j.entries))
	for _, entry := range j.entries {
		entries = append(entries, entry)
	}
	sortEntries(entries)
	return entries, nil
}

func sortEntries(entries []JournalEntry) {
	sort.Slice(entries, func(i, k int) bool {
		if entries[i].CreatedAt == entries[k].CreatedAt {
			return entries[i].AttemptID < entries[k].AttemptID
		}
		return entries[i].CreatedAt < entries[k].CreatedAt
	})
}

var _ Journal = (*MemoryJournal)(nil)
