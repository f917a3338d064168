package task

import (
	"context"
	stdErrors "errors"
	"fmt"
)

// Decision 是 resolver 闸门的判定结果。
type Decision int

const (
	DecisionSkip Decision = iota
	DecisionProceed
)

// String 返回用于日志与指标的标签。
func (d Decision) String() string {
	if d == DecisionProceed {
		return "proceed"
	}
	return "skip"
}

// GateResult 记录闸门判定及导致跳过的原因。
type GateResult struct {
	Decision Decision
	// Cause 在 resolver 调用失败或返回非布尔值时非空，只用于日志。
	Cause error
}

var errNonBoolCondition = stdErrors.New("resolver 返回值不是布尔类型")

// decide 是纯函数：仅在 resolver 缺省，或调用成功且返回 true 时放行。
func decide(resolverPresent bool, result Value, callErr error) GateResult {
	if !resolverPresent {
		return GateResult{Decision: DecisionProceed}
	}
	if callErr != nil {
		return GateResult{Decision: DecisionSkip, Cause: callErr}
	}
	ok, isBool := result.AsBool()
	if !isBool {
		return GateResult{Decision: DecisionSkip, Cause: fmt.Errorf("%w: %s", errNonBoolCondition, result.Kind())}
	}
	if !ok {
		return GateResult{Decision: DecisionSkip}
	}
	return GateResult{Decision: DecisionProceed}
}

// Gate 咨询任务的 resolver。resolver 的任何失败都被降级为跳过，不会向外传播。
// resolver 只接收一个参数：由任务全部 args 组成的序列。
func Gate(ctx context.Context, host Host, task *Task) GateResult {
	if !task.HasResolver() {
		return decide(false, Value{}, nil)
	}
	if host == nil {
		return decide(true, Value{}, stdErrors.New("未配置宿主调用能力"))
	}
	conditionArgs := []Value{List(task.Args...)}
	result, err := callSafely(ctx, host.TryInvoke, task.Resolver, ConditionFunction, conditionArgs)
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	return decide(true, result, err)
}
