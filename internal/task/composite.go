package task

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	xerrors "Monad-Automation/internal/errors"
)

// SubtaskResultsKey 是组合任务在 Result.Data 中保存子任务结果的键，值为
// map[子任务 ID]*Result。
const SubtaskResultsKey = "subtask_results"

// CodeSubtaskFailed 表示组合任务中至少一个子任务失败。
const CodeSubtaskFailed xerrors.Code = "TASK_SUBTASK_FAILED"

func init() {
	xerrors.Register(CodeSubtaskFailed, xerrors.Attributes{
		Message:  "subtask failed",
		Severity: xerrors.SeverityWarning,
	})
}

// SequentialTask 按顺序执行子任务，遇到第一个未成功的子任务即停止。
type SequentialTask struct {
	Base
	subtasks []Task
}

// Sequential 创建顺序组合任务。
func Sequential(name string, subtasks ...Task) *SequentialTask {
	if name == "" {
		name = "sequential"
	}
	return &SequentialTask{Base: NewBase(name), subtasks: subtasks}
}

// Subtasks 返回子任务列表。
func (s *SequentialTask) Subtasks() []Task { return s.subtasks }

// Validate 要求至少一个子任务、子任务 ID 互不重复，并逐个校验子任务。
func (s *SequentialTask) Validate() error {
	return validateSubtasks(s.subtasks)
}

// Execute 依次运行子任务；第 N 个子任务结束后才会启动第 N+1 个。
func (s *SequentialTask) Execute(ctx context.Context) (Outcome, error) {
	results := make(map[string]*Result, len(s.subtasks))
	for i, sub := range s.subtasks {
		res := Run(ctx, sub)
		results[res.TaskID] = res
		if !res.Succeeded() {
			return DataOutcome{Payload: map[string]any{SubtaskResultsKey: results}},
				xerrors.New(CodeSubtaskFailed,
					fmt.Sprintf("subtask %d (%s) failed: %s", i+1, res.TaskName, res.Error),
					xerrors.WithMetadata("subtask_id", res.TaskID))
		}
	}
	return DataOutcome{Payload: map[string]any{SubtaskResultsKey: results}}, nil
}

// ParallelTask 并发执行全部子任务，单个子任务失败不影响其他子任务。
type ParallelTask struct {
	Base
	subtasks []Task
	limit    int
}

// Parallel 创建并发组合任务。
func Parallel(name string, subtasks ...Task) *ParallelTask {
	if name == "" {
		name = "parallel"
	}
	return &ParallelTask{Base: NewBase(name), subtasks: subtasks}
}

// WithLimit 限制同时运行的子任务数量，n <= 0 表示不限制。
func (p *ParallelTask) WithLimit(n int) *ParallelTask {
	p.limit = n
	return p
}

// Subtasks 返回子任务列表。
func (p *ParallelTask) Subtasks() []Task { return p.subtasks }

// Validate 要求至少一个子任务、子任务 ID 互不重复，并逐个校验子任务。
func (p *ParallelTask) Validate() error {
	return validateSubtasks(p.subtasks)
}

// Execute 为每个子任务写入一个结果，即使子任务 panic 或在启动前被取消。
func (p *ParallelTask) Execute(ctx context.Context) (Outcome, error) {
	slots := make([]*Result, len(p.subtasks))

	var g errgroup.Group
	if p.limit > 0 {
		g.SetLimit(p.limit)
	}
	for i, sub := range p.subtasks {
		i, sub := i, sub
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					slots[i] = &Result{
						TaskID:    guarded(sub.ID, fmt.Sprintf("subtask-%d", i)),
						TaskName:  guarded(sub.Name, fmt.Sprintf("subtask-%d", i)),
						Status:    StatusFailed,
						Error:     fmt.Sprintf("subtask panicked: %v", r),
						ErrorCode: string(xerrors.CodeExecutorFailure),
					}
				}
			}()
			if err := ctx.Err(); err != nil {
				slots[i] = failure(sub.ID(), sub.Name(), err)
				return nil
			}
			slots[i] = Run(ctx, sub)
			return nil
		})
	}
	_ = g.Wait()

	results := make(map[string]*Result, len(slots))
	failed := 0
	for _, res := range slots {
		results[res.TaskID] = res
		if !res.Succeeded() {
			failed++
		}
	}
	payload := map[string]any{SubtaskResultsKey: results}
	if failed > 0 {
		return DataOutcome{Payload: payload}, xerrors.New(CodeSubtaskFailed,
			fmt.Sprintf("%d of %d subtasks failed", failed, len(slots)))
	}
	return DataOutcome{Payload: payload}, nil
}

func validateSubtasks(subtasks []Task) error {
	if len(subtasks) == 0 {
		return xerrors.New(xerrors.CodeTaskConfiguration, "composite task requires at least one subtask")
	}
	seen := make(map[string]int, len(subtasks))
	for i, sub := range subtasks {
		if sub == nil {
			return xerrors.New(xerrors.CodeTaskConfiguration, fmt.Sprintf("subtask %d is nil", i+1))
		}
		// 结果按子任务 ID 归档，同一任务实例出现两次会互相覆盖。
		if first, dup := seen[sub.ID()]; dup {
			return xerrors.New(xerrors.CodeTaskConfiguration,
				fmt.Sprintf("subtask %d repeats subtask %d (id %s)", i+1, first, sub.ID()),
				xerrors.WithMetadata("subtask_id", sub.ID()))
		}
		seen[sub.ID()] = i + 1
		if err := sub.Validate(); err != nil {
			return xerrors.Wrap(xerrors.CodeTaskConfiguration, err,
				fmt.Sprintf("subtask %d (%s) is invalid", i+1, sub.Name()))
		}
	}
	return nil
}

// guarded 调用子任务的 ID 或 Name 方法，方法本身 panic 时返回 fallback。
func guarded(get func() string, fallback string) (v string) {
	defer func() {
		if recover() != nil {
			v = fallback
		}
	}()
	return get()
}
