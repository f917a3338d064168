package task

import (
	"context"
	"errors"
	"sync"
)

// ErrQueueClosed 表示队列已关闭，不再接受新的执行请求。
var ErrQueueClosed = errors.New("队列已关闭")

// MemoryQueue 使用 channel 模拟消息队列，主要用于测试与单机部署。
// 数据 channel 从不关闭，关闭信号通过 done 广播，阻塞中的 Publish 会随之返回。
type MemoryQueue struct {
	ch        chan Trigger
	done      chan struct{}
	closeOnce sync.Once
}

// NewMemoryQueue 创建一个内存队列。
func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 64
	}
	return &MemoryQueue{ch: make(chan Trigger, size), done: make(chan struct{})}
}

// Publish 将执行请求投递到队列，队列满时阻塞直到有空位、ctx 结束或队列关闭。
func (q *MemoryQueue) Publish(ctx context.Context, trigger Trigger) error {
	select {
	case <-q.done:
		return ErrQueueClosed
	default:
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-q.done:
		return ErrQueueClosed
	case q.ch <- trigger:
		return nil
	}
}

// Consume 启动指定数量的工作协程消费队列中的请求，直到 ctx 结束或队列关闭。
// 队列关闭后，已缓冲的请求仍会被处理完。
func (q *MemoryQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case <-q.done:
					q.drain(ctx, handler)
					return
				case trigger := <-q.ch:
					_ = handler(ctx, trigger)
				}
			}
		}()
	}
	wg.Wait()
	return ctx.Err()
}

func (q *MemoryQueue) drain(ctx context.Context, handler Handler) {
	for ctx.Err() == nil {
		select {
		case trigger := <-q.ch:
			_ = handler(ctx, trigger)
		default:
			return
		}
	}
}

// Len 返回尚未消费的请求数量。
func (q *MemoryQueue) Len() int {
	return len(q.ch)
}

// Close 关闭内存队列，可重复调用。
func (q *MemoryQueue) Close() error {
	q.closeOnce.Do(func() { close(q.done) })
	return nil
}
