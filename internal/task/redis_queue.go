package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	xerrors "SoroTask/internal/errors"
	"SoroTask/pkg/logger"
)

// RedisQueueConfig 描述 Redis 队列的连接参数。
type RedisQueueConfig struct {
	Address   string
	Password  string
	DB        int
	Queue     string
	BlockWait time.Duration
	// MaxRedeliveries 限制处理失败后重新入队的次数，0 表示使用默认值。
	MaxRedeliveries int
}

// RedisQueue 使用 Redis list 实现简单的执行请求队列。
type RedisQueue struct {
	client          *redis.Client
	queue           string
	wait            time.Duration
	maxRedeliveries int
}

// NewRedisQueue 创建 Redis 队列实例。
func NewRedisQueue(ctx context.Context, cfg RedisQueueConfig) (*RedisQueue, error) {
	if cfg.Address == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "连接 Redis 失败")
	}
	return newRedisQueue(client, cfg), nil
}

func newRedisQueue(client *redis.Client, cfg RedisQueueConfig) *RedisQueue {
	queue := cfg.Queue
	if queue == "" {
		queue = "sorotask:triggers"
	}
	wait := cfg.BlockWait
	if wait <= 0 {
		wait = 5 * time.Second
	}
	maxRedeliveries := cfg.MaxRedeliveries
	if maxRedeliveries <= 0 {
		maxRedeliveries = 3
	}
	return &RedisQueue{client: client, queue: queue, wait: wait, maxRedeliveries: maxRedeliveries}
}

// Publish 将执行请求投递到 Redis。
func (q *RedisQueue) Publish(ctx context.Context, trigger Trigger) error {
	payload, err := encodeTrigger(trigger)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "编码执行请求失败")
	}
	if err := q.client.LPush(ctx, q.queue, payload).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "Redis 发布执行请求失败")
	}
	return nil
}

// Consume 通过 BRPOP 从 Redis 获取执行请求。
func (q *RedisQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	errCh := make(chan error, workerCount)
	for i := 0; i < workerCount; i++ {
		go func() {
			for {
				if ctx.Err() != nil {
					errCh <- ctx.Err()
					return
				}
				values, err := q.client.BRPop(ctx, q.wait, q.queue).Result()
				if err != nil {
					if errors.Is(err, redis.Nil) {
						continue
					}
					if errors.Is(err, context.Canceled) || errors.Is(err, redis.ErrClosed) {
						errCh <- err
						return
					}
					errCh <- xerrors.Wrap(xerrors.CodeQueueFailure, err, "Redis 取执行请求失败")
					return
				}
				if len(values) != 2 {
					continue
				}
				trigger, err := decodeTrigger([]byte(values[1]))
				if err != nil {
					logger.L().Warn("丢弃无法解析的执行请求", slog.String("payload", values[1]), slog.Any("error", err))
					continue
				}
				if handlerErr := handler(ctx, trigger); handlerErr != nil {
					q.redeliver(ctx, trigger, handlerErr)
				}
			}
		}()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (q *RedisQueue) redeliver(ctx context.Context, trigger Trigger, cause error) {
	trigger.Deliveries++
	if trigger.Deliveries > q.maxRedeliveries {
		logger.Audit().Warn("执行请求超过重投上限，已丢弃",
			slog.Uint64("task_id", trigger.TaskID),
			slog.Int("deliveries", trigger.Deliveries),
			slog.String("error", cause.Error()),
		)
		return
	}
	payload, err := encodeTrigger(trigger)
	if err == nil {
		err = q.client.RPush(ctx, q.queue, payload).Err()
	}
	if err != nil {
		logger.L().Error(fmt.Sprintf("任务 %d 重投失败", trigger.TaskID), slog.Any("error", err))
	}
}

// Close 关闭 Redis 连接。
func (q *RedisQueue) Close() error {
	if q == nil || q.client == nil {
		return nil
	}
	return q.client.Close()
}
