package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	xerrors "SoroTask/internal/errors"
)

// RedisJournalConfig 描述 Redis 预写日志的连接参数。
type RedisJournalConfig struct {
	Address  string
	Password string
	DB       int
	Key      string
}

// RedisJournal 使用 Redis hash 保存预写标记，field 为尝试 id。
type RedisJournal struct {
	client *redis.Client
	key    string
}

// NewRedisJournal 创建 Redis 预写日志。
func NewRedisJournal(ctx context.Context, cfg RedisJournalConfig) (*RedisJournal, error) {
	if strings.TrimSpace(cfg.Address) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, xerrors.Wrap(CodeJournalFailure, err, "连接 Redis 失败")
	}
	return newRedisJournal(client, cfg.Key), nil
}

func newRedisJournal(client *redis.Client, key string) *RedisJournal {
	if key == "" {
		key = "sorotask:journal"
	}
	return &RedisJournal{client: client, key: key}
}

// Begin 写入 pending 标记。
func (j *RedisJournal) Begin(ctx context.Context, entry JournalEntry) error {
	entry.Stage = StagePending
	return j.write(ctx, entry)
}

// MarkInvoked 将标记推进到 invoked。
func (j *RedisJournal) MarkInvoked(ctx context.Context, attemptID string) error {
	raw, err := j.client.HGet(ctx, j.key, attemptID).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return xerrors.Wrap(CodeJournalFailure, err, "读取预写标记失败")
	}
	var entry JournalEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return xerrors.Wrap(CodeJournalFailure, err, "解析预写标记失败")
	}
	entry.Stage = StageInvoked
	return j.write(ctx, entry)
}

// Complete 删除标记。
func (j *RedisJournal) Complete(ctx context.Context, attemptID string) error {
	if err := j.client.HDel(ctx, j.key, attemptID).Err(); err != nil {
		return xerrors.Wrap(CodeJournalFailure, err, "删除预写标记失败")
	}
	return nil
}

// Entries 返回全部未完成的标记。
func (j *RedisJournal) Entries(ctx context.Context) ([]JournalEntry, error) {
	values, err := j.client.HGetAll(ctx, j.key).Result()
	if err != nil {
		return nil, xerrors.Wrap(CodeJournalFailure, err, "读取预写日志失败")
	}
	entries := make([]JournalEntry, 0, len(values))
	for attemptID, raw := range values {
		var entry JournalEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			return nil, xerrors.Wrap(CodeJournalFailure, err, fmt.Sprintf("解析预写标记 %s 失败", attemptID))
		}
		entries = append(entries, entry)
	}
	sortEntries(entries)
	return entries, nil
}

// Close 关闭 Redis 连接。
func (j *RedisJournal) Close() error {
	if j == nil || j.client == nil {
		return nil
	}
	return j.client.Close()
}

func (j *RedisJournal) write(ctx context.Context, entry JournalEntry) error {
	encoded, err := json.Marshal(entry)
	if err != nil {
		return xerrors.Wrap(CodeJournalFailure, err, "编码预写标记失败")
	}
	if err := j.client.HSet(ctx, j.key, entry.AttemptID, encoded).Err(); err != nil {
		return xerrors.Wrap(CodeJournalFailure, err, "写入预写标记失败")
	}
	return nil
}

var _ Journal = (*RedisJournal)(nil)
