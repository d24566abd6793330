package task

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "Monad-Automation/internal/errors"
	"Monad-Automation/internal/observability/metrics"
	"Monad-Automation/pkg/logger"
)

// Run 执行任务并返回结果。Run 不会返回 error 也不会 panic：参数校验失败、
// 执行出错或执行期间 panic 都会被记录为失败结果。
func Run(ctx context.Context, t Task) *Result {
	start := time.Now()
	res := execute(ctx, t)
	res.ExecutionTime = time.Since(start)

	metrics.ObserveTask(res.TaskName, string(res.Status), res.ExecutionTime)
	log := logger.Named("task")
	if res.Succeeded() {
		log.Debug("任务执行成功",
			slog.String("task_id", res.TaskID),
			slog.String("task", res.TaskName),
			slog.String("tx_hash", res.TxHash),
			slog.Duration("elapsed", res.ExecutionTime))
	} else {
		log.Warn("任务执行失败",
			slog.String("task_id", res.TaskID),
			slog.String("task", res.TaskName),
			slog.String("error_code", res.ErrorCode),
			slog.String("error", res.Error),
			slog.Duration("elapsed", res.ExecutionTime))
	}
	return res
}

func execute(ctx context.Context, t Task) (res *Result) {
	res = &Result{Status: StatusPending}

	defer func() {
		if r := recover(); r != nil {
			logger.Named("task").Error("任务执行 panic",
				slog.String("task_id", res.TaskID),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
			if res.TaskID == "" {
				res.TaskID = guarded(t.ID, "")
			}
			if res.TaskName == "" {
				res.TaskName = guarded(t.Name, "")
			}
			res = failure(res.TaskID, res.TaskName, xerrors.New(xerrors.CodeExecutorFailure, fmt.Sprintf("task panicked: %v", r)))
		}
	}()

	res.TaskID, res.TaskName = t.ID(), t.Name()
	if err := ctx.Err(); err != nil {
		return failure(res.TaskID, res.TaskName, err)
	}
	if err := t.Validate(); err != nil {
		if !xerrors.HasCode(err, xerrors.CodeTaskConfiguration) {
			err = xerrors.Wrap(xerrors.CodeTaskConfiguration, err, "invalid task configuration")
		}
		return failure(res.TaskID, res.TaskName, err)
	}

	outcome, err := t.Execute(ctx)
	out := &Result{TaskID: res.TaskID, TaskName: res.TaskName, Status: StatusSuccess}
	if outcome != nil {
		out.Data = outcome.payload()
		if tx, ok := outcome.(TransactionOutcome); ok && tx.Hash != (common.Hash{}) {
			out.TxHash = tx.Hash.Hex()
		}
	}
	if err != nil {
		out.Status = StatusFailed
		out.Error = err.Error()
		out.ErrorCode = string(xerrors.CodeOf(err))
	}
	return out
}

func failure(id, name string, err error) *Result {
	return &Result{
		TaskID:    id,
		TaskName:  name,
		Status:    StatusFailed,
		Error:     err.Error(),
		ErrorCode: string(xerrors.CodeOf(err)),
	}
}
