package task

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"
)

// ConditionFunction 是 resolver 暴露的条件检查操作名。
const ConditionFunction = "check_condition"

// Host 抽象了引擎对外部目标的调用能力。
type Host interface {
	// TryInvoke 尽力而为地调用，失败以 error 返回，由调用方决定如何降级。
	TryInvoke(ctx context.Context, target, function string, args []Value) (Value, error)
	// Invoke 严格调用，任何失败都会中止整个尝试。
	Invoke(ctx context.Context, target, function string, args []Value) (Value, error)
}

// Clock 提供记录 last_run 所用的时间戳（秒）。
type Clock interface {
	Now(ctx context.Context) (uint64, error)
}

// ClockFunc 将函数适配为 Clock。
type ClockFunc func(ctx context.Context) (uint64, error)

// Now 实现 Clock 接口。
func (f ClockFunc) Now(ctx context.Context) (uint64, error) { return f(ctx) }

// SystemClock 基于本机时间，保证返回值单调不减。
type SystemClock struct {
	last atomic.Uint64
	now  func() time.Time
}

// NewSystemClock 创建 SystemClock。
func NewSystemClock() *SystemClock {
	return &SystemClock{now: time.Now}
}

// Now 返回当前 Unix 秒；若系统时间回拨则沿用上一次的值。
func (c *SystemClock) Now(context.Context) (uint64, error) {
	current := uint64(c.now().Unix())
	for {
		last := c.last.Load()
		if current <= last {
			return last, nil
		}
		if c.last.CompareAndSwap(last, current) {
			return current, nil
		}
	}
}

// callSafely 把宿主调用中的 panic 转换为错误，保证上层只需处理 error。
func callSafely(ctx context.Context, call func(context.Context, string, string, []Value) (Value, error), target, function string, args []Value) (result Value, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("调用 %s.%s 时发生 panic: %v", target, function, r)
		}
	}()
	return call(ctx, target, function, args)
}
