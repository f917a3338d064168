package task

import (
	stdErrors "errors"
	"math/big"
	"net/http"

	xerrors "SoroTask/internal/errors"
)

// Task 描述一个周期性任务：调用目标上的某个操作，可选地由 resolver 决定是否执行。
type Task struct {
	// Creator 仅作记录，不参与任何权限校验。
	Creator  string  `json:"creator"`
	Target   string  `json:"target"`
	Function string  `json:"function"`
	Args     []Value `json:"args"`
	// Resolver 为空表示无条件执行。
	Resolver string `json:"resolver,omitempty"`
	// Interval 是期望的最小执行间隔（秒），仅供外部调度方参考。
	Interval uint64 `json:"interval"`
	// LastRun 是最近一次成功执行的时间戳（秒），首次成功前为 0。
	LastRun uint64 `json:"last_run"`
	// GasBalance 随记录保存，执行路径既不读取也不修改。
	GasBalance *big.Int `json:"gas_balance,omitempty"`
}

// Record 将任务与其标识绑定，用于列表查询。
type Record struct {
	ID   uint64 `json:"id"`
	Task *Task  `json:"task"`
}

// HasResolver 判断任务是否配置了 resolver。
func (t *Task) HasResolver() bool {
	return t != nil && t.Resolver != ""
}

// Clone 深拷贝任务，存储层读写都通过副本进行。
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	clone := *t
	clone.Args = CloneValues(t.Args)
	if t.GasBalance != nil {
		clone.GasBalance = new(big.Int).Set(t.GasBalance)
	}
	return &clone
}

// Equal 逐字段比较两个任务。
func (t *Task) Equal(other *Task) bool {
	if t == nil || other == nil {
		return t == other
	}
	if t.Creator != other.Creator || t.Target != other.Target || t.Function != other.Function ||
		t.Resolver != other.Resolver || t.Interval != other.Interval || t.LastRun != other.LastRun {
		return false
	}
	if !ValuesEqual(t.Args, other.Args) {
		return false
	}
	return gasEqual(t.GasBalance, other.GasBalance)
}

var (
	maxGasBalance = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 127), big.NewInt(1))
	minGasBalance = new(big.Int).Neg(new(big.Int).Lsh(big.NewInt(1), 127))
)

// Validate 检查任务能否被保存：GasBalance 必须落在有符号 128 位整数范围内。
func (t *Task) Validate() error {
	if t == nil {
		return ErrNilTask
	}
	if t.GasBalance != nil && (t.GasBalance.Cmp(maxGasBalance) > 0 || t.GasBalance.Cmp(minGasBalance) < 0) {
		return xerrors.New(CodeTaskValidation, "gas_balance 超出 i128 范围",
			xerrors.WithMetadata("gas_balance", t.GasBalance.String()))
	}
	return nil
}

func gasEqual(a, b *big.Int) bool {
	if a == nil || b == nil {
		return (a == nil || a.Sign() == 0) && (b == nil || b.Sign() == 0)
	}
	return a.Cmp(b) == 0
}

var (
	// ErrTaskNotFound 表示指定的任务不存在。
	ErrTaskNotFound = xerrors.New(CodeTaskNotFound, "task not found")
	// ErrNilTask 表示注册时没有提供任务内容。
	ErrNilTask = xerrors.New(CodeTaskValidation, "task 不能为空")
)

const (
	CodeTaskNotFound      xerrors.Code = "TASK_NOT_FOUND"
	CodeTaskValidation    xerrors.Code = "TASK_VALIDATION_FAILED"
	CodeResolverFailure   xerrors.Code = "TASK_RESOLVER_FAILED"
	CodeInvocationFailure xerrors.Code = "TASK_INVOCATION_FAILED"
	CodeTaskPublish       xerrors.Code = "TASK_PUBLISH_FAILED"
	CodeJournalFailure    xerrors.Code = "TASK_JOURNAL_FAILED"
)

func init() {
	xerrors.Register(CodeTaskNotFound, xerrors.Attributes{
		Message:    "task not found",
		Severity:   xerrors.SeverityInfo,
		Retryable:  false,
		Alert:      false,
		HTTPStatus: http.StatusNotFound,
	})
	xerrors.Register(CodeTaskValidation, xerrors.Attributes{
		Message:    "task validation failed",
		Severity:   xerrors.SeverityInfo,
		Retryable:  false,
		Alert:      false,
		HTTPStatus: http.StatusBadRequest,
	})
	// resolver 失败只会被降级为跳过，不会返回给调用方，这里登记仅用于日志与指标。
	xerrors.Register(CodeResolverFailure, xerrors.Attributes{
		Message:    "resolver check failed",
		Severity:   xerrors.SeverityInfo,
		Retryable:  true,
		Alert:      false,
		HTTPStatus: http.StatusOK,
	})
	xerrors.Register(CodeInvocationFailure, xerrors.Attributes{
		Message:    "target invocation failed",
		Severity:   xerrors.SeverityWarning,
		Retryable:  true,
		Alert:      true,
		HTTPStatus: http.StatusBadGateway,
	})
	xerrors.Register(CodeTaskPublish, xerrors.Attributes{
		Message:    "failed to publish task trigger",
		Severity:   xerrors.SeverityCritical,
		Retryable:  true,
		Alert:      true,
		HTTPStatus: http.StatusServiceUnavailable,
	})
	xerrors.Register(CodeJournalFailure, xerrors.Attributes{
		Message:    "attempt journal failure",
		Severity:   xerrors.SeverityCritical,
		Retryable:  true,
		Alert:      true,
		HTTPStatus: http.StatusInternalServerError,
	})
}

// IsNotFound 判断错误是否表示任务不存在。
func IsNotFound(err error) bool {
	return err != nil && stdErrors.Is(err, ErrTaskNotFound)
}

// IsInvocationFailure 判断错误是否来自目标调用失败。
func IsInvocationFailure(err error) bool {
	return xerrors.CodeOf(err) == CodeInvocationFailure
}
