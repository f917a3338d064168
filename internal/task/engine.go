package task

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	xerrors "SoroTask/internal/errors"
	"SoroTask/internal/observability/alerting"
	"SoroTask/pkg/logger"
)

// Outcome 描述一次执行尝试的结果。
type Outcome string

const (
	// OutcomeExecuted 表示目标已被调用且 last_run 已提交。
	OutcomeExecuted Outcome = "executed"
	// OutcomeSkipped 表示 resolver 拒绝或不可用，没有任何状态变化。
	OutcomeSkipped Outcome = "skipped"
)

// MetricsRecorder 收集执行引擎的运行指标。
type MetricsRecorder interface {
	ObserveAttempt(outcome string, duration time.Duration)
	ObserveGate(decision string)
}

// Engine 协调一次执行尝试：加载任务、咨询 resolver、调用目标、提交 last_run。
type Engine struct {
	store   Store
	host    Host
	clock   Clock
	journal Journal
	logger  *slog.Logger
	metrics MetricsRecorder
	alerter alerting.Dispatcher

	newAttemptID func() string
}

// EngineOption 定义 Engine 的可选配置。
type EngineOption func(*Engine)

// WithClock 指定 last_run 使用的时间来源。
func WithClock(clock Clock) EngineOption {
	return func(e *Engine) {
		if clock != nil {
			e.clock = clock
		}
	}
}

// WithJournal 启用预写日志。
func WithJournal(journal Journal) EngineOption {
	return func(e *Engine) {
		e.journal = journal
	}
}

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithMetrics 配置指标收集器。
func WithMetrics(recorder MetricsRecorder) EngineOption {
	return func(e *Engine) {
		e.metrics = recorder
	}
}

// WithEngineAlerts 配置告警派发器。
func WithEngineAlerts(dispatcher alerting.Dispatcher) EngineOption {
	return func(e *Engine) {
		e.alerter = dispatcher
	}
}

// NewEngine 构造执行引擎。
func NewEngine(store Store, host Host, opts ...EngineOption) *Engine {
	e := &Engine{
		store:        store,
		host:         host,
		clock:        NewSystemClock(),
		logger:       logger.Named("task-engine"),
		newAttemptID: uuid.NewString,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Register 以调用方给定的 id 保存任务，已存在的记录会被整体覆盖。
func (e *Engine) Register(ctx context.Context, id uint64, t *Task) error {
	if e.store == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置任务存储")
	}
	if err := t.Validate(); err != nil {
		return err
	}
	if err := e.store.Put(ctx, id, t); err != nil {
		return err
	}
	logger.Audit().Info("任务已注册",
		slog.Uint64("task_id", id),
		slog.String("target", t.Target),
		slog.String("function", t.Function),
		slog.Bool("has_resolver", t.HasResolver()),
	)
	return nil
}

// GetTask 返回任务副本，不存在时返回 ErrTaskNotFound。
func (e *Engine) GetTask(ctx context.Context, id uint64) (*Task, error) {
	if e.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置任务存储")
	}
	return e.store.Get(ctx, id)
}

// Lookup 与 GetTask 相同，但把不存在视为正常结果。
func (e *Engine) Lookup(ctx context.Context, id uint64) (*Task, bool, error) {
	t, err := e.GetTask(ctx, id)
	if IsNotFound(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return t, true, nil
}

// List 按条件列出任务。
func (e *Engine) List(ctx context.Context, opts ...ListOption) ([]Record, error) {
	if e.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置任务存储")
	}
	return e.store.List(ctx, BuildListOptions(opts...))
}

// Monitor 目前不做任何事情。
func (e *Engine) Monitor(context.Context) error {
	e.logger.Debug("monitor invoked")
	return nil
}

// Execute 执行一次尝试。resolver 拒绝时返回 OutcomeSkipped 且不写入任何状态；
// 目标调用失败时整个尝试中止，last_run 保持不变。
func (e *Engine) Execute(ctx context.Context, id uint64) (Outcome, error) {
	if e.store == nil {
		return "", xerrors.New(xerrors.CodeInitializationFailure, "未配置任务存储")
	}
	if e.host == nil {
		return "", xerrors.New(xerrors.CodeInitializationFailure, "未配置宿主调用能力")
	}

	started := time.Now()
	attemptID := e.newAttemptID()
	log := e.logger.With(slog.Uint64("task_id", id), slog.String("attempt_id", attemptID))

	var (
		outcome   = OutcomeSkipped
		journaled bool
		invoked   bool
		current   *Task
		committed uint64
	)

	err := e.store.Atomic(ctx, id, func(ctx context.Context, tx Tx) error {
		loaded, err := tx.Get(ctx)
		if err != nil {
			return err
		}
		current = loaded

		gate := Gate(ctx, e.host, loaded)
		e.observeGate(gate.Decision)
		if gate.Decision == DecisionSkip {
			if gate.Cause != nil {
				log.Warn("resolver 检查失败，跳过本次执行",
					slog.String("resolver", loaded.Resolver),
					slog.String("code", string(CodeResolverFailure)),
					slog.Any("error", gate.Cause))
			} else {
				log.Debug("resolver 条件未满足，跳过本次执行", slog.String("resolver", loaded.Resolver))
			}
			return nil
		}

		timestamp, err := e.clock.Now(ctx)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeChainFailure, err, "获取时间戳失败")
		}

		if e.journal != nil {
			entry := JournalEntry{
				AttemptID: attemptID,
				TaskID:    id,
				Timestamp: timestamp,
				CreatedAt: time.Now().Unix(),
			}
			if err := e.journal.Begin(ctx, entry); err != nil {
				return xerrors.Wrap(CodeJournalFailure, err, "写入预写标记失败")
			}
			journaled = true
		}

		if _, err := callSafely(ctx, e.host.Invoke, loaded.Target, loaded.Function, CloneValues(loaded.Args)); err != nil {
			return xerrors.Wrap(CodeInvocationFailure, err,
				fmt.Sprintf("调用 %s.%s 失败", loaded.Target, loaded.Function),
				xerrors.WithMetadata("target", loaded.Target),
				xerrors.WithMetadata("function", loaded.Function),
			)
		}
		invoked = true

		if e.journal != nil {
			if err := e.journal.MarkInvoked(ctx, attemptID); err != nil {
				log.Error("推进预写标记失败", slog.Any("error", err))
			}
		}

		updated := loaded.Clone()
		if timestamp > updated.LastRun {
			updated.LastRun = timestamp
		}
		if err := tx.Put(ctx, updated); err != nil {
			return err
		}
		committed = updated.LastRun
		outcome = OutcomeExecuted
		return nil
	})

	if err != nil && invoked {
		// 目标已被调用，重投会造成重复调用；由预写标记与 Recover 负责补偿。
		err = xerrors.Wrap(xerrors.CodeStorageFailure, err,
			fmt.Sprintf("任务 %d 已调用但 last_run 提交失败", id),
			xerrors.WithRetryable(false),
			xerrors.WithAlert(true),
			xerrors.WithSeverity(xerrors.SeverityCritical),
			xerrors.WithMetadata("attempt_id", attemptID),
		)
	}
	if journaled {
		e.settleJournal(ctx, attemptID, err, invoked, log)
	}

	label := string(outcome)
	switch {
	case err == nil:
	case IsNotFound(err):
		label = "not_found"
	case IsInvocationFailure(err):
		label = "invocation_failed"
	default:
		label = "error"
	}
	e.observeAttempt(label, time.Since(started))

	if err != nil {
		e.reportFailure(ctx, id, attemptID, current, err, invoked, log)
		return "", err
	}

	if outcome == OutcomeExecuted {
		logger.Audit().Info("任务执行成功",
			slog.Uint64("task_id", id),
			slog.String("attempt_id", attemptID),
			slog.String("target", current.Target),
			slog.String("function", current.Function),
			slog.Uint64("last_run", committed),
		)
	} else {
		logger.Audit().Info("任务已跳过",
			slog.Uint64("task_id", id),
			slog.String("attempt_id", attemptID),
			slog.String("resolver", current.Resolver),
		)
	}
	return outcome, nil
}

// settleJournal 清理预写标记。目标已调用但提交失败时保留标记，交给 Recover 补偿。
func (e *Engine) settleJournal(ctx context.Context, attemptID string, attemptErr error, invoked bool, log *slog.Logger) {
	if attemptErr != nil && invoked {
		log.Error("目标已调用但 last_run 提交失败，保留预写标记等待恢复", slog.Any("error", attemptErr))
		return
	}
	if err := e.journal.Complete(context.WithoutCancel(ctx), attemptID); err != nil {
		log.Error("清理预写标记失败", slog.Any("error", err))
	}
}

func (e *Engine) reportFailure(ctx context.Context, id uint64, attemptID string, current *Task, err error, invoked bool, log *slog.Logger) {
	if IsNotFound(err) {
		log.Debug("任务不存在")
		return
	}
	attrs := []any{
		slog.Uint64("task_id", id),
		slog.String("attempt_id", attemptID),
		slog.String("error_code", string(xerrors.CodeOf(err))),
		slog.String("error", err.Error()),
		slog.Bool("invoked", invoked),
	}
	if current != nil {
		attrs = append(attrs, slog.String("target", current.Target), slog.String("function", current.Function))
	}
	logger.Audit().Warn("任务执行失败", attrs...)

	if !xerrors.ShouldAlert(err) {
		return
	}
	stage := "invoke"
	if invoked {
		stage = "commit"
	}
	e.emitAlert(ctx, id, attemptID, err, stage)
}

func (e *Engine) emitAlert(ctx context.Context, id uint64, attemptID string, cause error, stage string) {
	if e.alerter == nil {
		return
	}
	code := xerrors.CodeOf(cause)
	event := alerting.NewEvent(code, id, stage, cause)
	event.AttemptID = attemptID
	if err := e.alerter.Notify(context.WithoutCancel(ctx), event); err != nil {
		e.logger.Error("告警通知失败",
			slog.Any("error", err),
			slog.Uint64("task_id", id),
			slog.String("stage", stage),
		)
	}
}

func (e *Engine) observeGate(decision Decision) {
	if e.metrics != nil {
		e.metrics.ObserveGate(decision.String())
	}
}

func (e *Engine) observeAttempt(outcome string, d time.Duration) {
	if e.metrics != nil {
		e.metrics.ObserveAttempt(outcome, d)
	}
}
