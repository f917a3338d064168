package task

import (
	"context"
	"fmt"
	"log/slog"

	xerrors "SoroTask/internal/errors"
	"SoroTask/pkg/logger"
)

// Executor 定义了处理器所需的执行能力。
type Executor interface {
	Execute(ctx context.Context, id uint64) (Outcome, error)
}

// Processor 负责从队列消费执行请求并交给引擎执行。
type Processor struct {
	executor    Executor
	consumer    Consumer
	producer    Producer
	workerCount int
	logger      *slog.Logger
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		p.logger = logger
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(executor Executor, consumer Consumer, producer Producer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		executor:    executor,
		consumer:    consumer,
		producer:    producer,
		workerCount: 1,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.workerCount <= 0 {
		p.workerCount = 1
	}
	return p
}

// Start 启动执行请求处理循环。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置执行请求消费者")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.handle)
}

// Trigger 投递一次执行请求，由后台 worker 异步执行。
func (p *Processor) Trigger(ctx context.Context, id uint64) error {
	if p.producer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置执行请求生产者")
	}
	if err := p.producer.Publish(ctx, NewTrigger(id)); err != nil {
		return xerrors.Wrap(CodeTaskPublish, err, fmt.Sprintf("任务 %d 投递失败", id))
	}
	p.logDebug("执行请求已投递", slog.Uint64("task_id", id))
	return nil
}

// handle 只把可重试的错误返回给队列以便重投；任务不存在、目标调用失败与标记为不可重试的错误直接确认。
func (p *Processor) handle(ctx context.Context, trigger Trigger) error {
	if p.executor == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "处理器未初始化")
	}
	outcome, err := p.executor.Execute(ctx, trigger.TaskID)
	switch {
	case err == nil:
		p.logDebug("执行请求已处理",
			slog.Uint64("task_id", trigger.TaskID),
			slog.String("outcome", string(outcome)),
			slog.Int("deliveries", trigger.Deliveries))
		return nil
	case IsNotFound(err):
		p.logDebug("跳过不存在的任务", slog.Uint64("task_id", trigger.TaskID))
		return nil
	case IsInvocationFailure(err):
		p.logDebug("目标调用失败，等待下一次触发",
			slog.Uint64("task_id", trigger.TaskID),
			slog.String("error", err.Error()))
		return nil
	case isTerminal(err):
		logger.Audit().Warn("执行请求不可重试，已确认",
			slog.Uint64("task_id", trigger.TaskID),
			slog.String("error_code", string(xerrors.CodeOf(err))),
			slog.String("severity", string(xerrors.SeverityOf(err))),
			slog.String("error", err.Error()),
			slog.Int("deliveries", trigger.Deliveries))
		return nil
	default:
		logger.L().Error("处理执行请求失败",
			slog.Any("error", err),
			slog.Uint64("task_id", trigger.TaskID),
			slog.String("error_code", string(xerrors.CodeOf(err))),
			slog.String("severity", string(xerrors.SeverityOf(err))))
		return err
	}
}

// isTerminal 判断错误是否明确标记为不可重试。未分类的错误交给队列的有限重投处理。
func isTerminal(err error) bool {
	if _, ok := xerrors.From(err); !ok {
		return false
	}
	return !xerrors.RetryableError(err)
}

func (p *Processor) logDebug(msg string, attrs ...slog.Attr) {
	if p.logger != nil {
		args := make([]any, len(attrs))
		for i, attr := range attrs {
			args[i] = attr
		}
		p.logger.Debug(msg, args...)
	}
}
