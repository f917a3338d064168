package task

import (
	"context"
	"log/slog"

	xerrors "SoroTask/internal/errors"
	"SoroTask/pkg/logger"
)

// RecoveryReport 汇总一次恢复扫描的结果。
type RecoveryReport struct {
	// Committed 是目标已调用、在恢复时补写 last_run 的尝试数。
	Committed int `json:"committed"`
	// Discarded 是调用结果未知或任务已被删除而丢弃的尝试数。
	Discarded int `json:"discarded"`
	// Failed 是本次无法处理、保留到下次恢复的尝试数。
	Failed int `json:"failed"`
}

// Recover 处理上次进程退出时遗留的预写标记。
// invoked 标记会补写 last_run 而不再次调用目标；pending 标记无法确认目标是否已执行，只记录审计日志后丢弃。
func (e *Engine) Recover(ctx context.Context) (RecoveryReport, error) {
	var report RecoveryReport
	if e.journal == nil {
		return report, nil
	}
	if e.store == nil {
		return report, xerrors.New(xerrors.CodeInitializationFailure, "未配置任务存储")
	}

	entries, err := e.journal.Entries(ctx)
	if err != nil {
		return report, err
	}

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		log := e.logger.With(slog.Uint64("task_id", entry.TaskID), slog.String("attempt_id", entry.AttemptID))

		if entry.Stage != StageInvoked {
			logger.Audit().Warn("丢弃结果未知的执行尝试",
				slog.Uint64("task_id", entry.TaskID),
				slog.String("attempt_id", entry.AttemptID),
				slog.Uint64("timestamp", entry.Timestamp),
			)
			if err := e.journal.Complete(ctx, entry.AttemptID); err != nil {
				log.Error("清理预写标记失败", slog.Any("error", err))
				report.Failed++
				continue
			}
			report.Discarded++
			continue
		}

		err := e.store.Atomic(ctx, entry.TaskID, func(ctx context.Context, tx Tx) error {
			current, err := tx.Get(ctx)
			if err != nil {
				return err
			}
			if entry.Timestamp <= current.LastRun {
				return nil
			}
			updated := current.Clone()
			updated.LastRun = entry.Timestamp
			return tx.Put(ctx, updated)
		})
		missing := IsNotFound(err)
		if err != nil && !missing {
			log.Error("补写 last_run 失败", slog.Any("error", err))
			e.emitAlert(ctx, entry.TaskID, entry.AttemptID, err, "recover")
			report.Failed++
			continue
		}
		if err := e.journal.Complete(ctx, entry.AttemptID); err != nil {
			log.Error("清理预写标记失败", slog.Any("error", err))
			report.Failed++
			continue
		}
		if missing {
			logger.Audit().Warn("任务已不存在，丢弃已调用的执行尝试",
				slog.Uint64("task_id", entry.TaskID),
				slog.String("attempt_id", entry.AttemptID),
				slog.Uint64("timestamp", entry.Timestamp),
			)
			report.Discarded++
			continue
		}
		logger.Audit().Info("已恢复执行尝试",
			slog.Uint64("task_id", entry.TaskID),
			slog.String("attempt_id", entry.AttemptID),
			slog.Uint64("last_run", entry.Timestamp),
		)
		report.Committed++
	}
	return report, nil
}
