package ops

import (
	"fmt"

	xerrors "Monad-Automation/internal/errors"
	"Monad-Automation/internal/task"
)

// Builder 将 task.Spec 构造成内置任务或嵌套的组合任务。
type Builder struct {
	env           *Env
	parallelLimit int
}

// BuilderOption 定义 Builder 的可选配置。
type BuilderOption func(*Builder)

// WithParallelLimit 设置并发组合任务的默认并发上限，Spec.Limit 优先。
func WithParallelLimit(n int) BuilderOption {
	return func(b *Builder) {
		if n > 0 {
			b.parallelLimit = n
		}
	}
}

// NewBuilder 创建 Builder。
func NewBuilder(env *Env, opts ...BuilderOption) *Builder {
	b := &Builder{env: env}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// Build 实现 task.Builder。子任务未指定钱包时继承父任务的钱包。
func (b *Builder) Build(spec task.Spec) (task.Task, error) {
	var built task.Task
	switch spec.Type {
	case task.TypeSequential, task.TypeParallel:
		subtasks, err := b.buildSubtasks(spec)
		if err != nil {
			return nil, err
		}
		if spec.Type == task.TypeSequential {
			return task.Sequential(spec.Name, subtasks...), nil
		}
		limit := spec.Limit
		if limit <= 0 {
			limit = b.parallelLimit
		}
		return task.Parallel(spec.Name, subtasks...).WithLimit(limit), nil
	case TypeNativeTransfer:
		t := NewNativeTransfer(b.env, spec.Wallet, paramString(spec.Params, "to"), paramString(spec.Params, "amount"))
		gas, err := paramUint(spec.Params, "gas_limit")
		if err != nil {
			return nil, err
		}
		t.GasLimit = gas
		built = t
	case TypeERC20Transfer:
		t := NewERC20Transfer(b.env, spec.Wallet, paramString(spec.Params, "token"), paramString(spec.Params, "to"), paramString(spec.Params, "amount"))
		gas, err := paramUint(spec.Params, "gas_limit")
		if err != nil {
			return nil, err
		}
		t.GasLimit = gas
		built = t
	case TypeERC20Approve:
		t := NewERC20Approve(b.env, spec.Wallet, paramString(spec.Params, "token"), paramString(spec.Params, "spender"), paramString(spec.Params, "amount"))
		gas, err := paramUint(spec.Params, "gas_limit")
		if err != nil {
			return nil, err
		}
		t.GasLimit = gas
		built = t
	case TypeBalance:
		built = NewBalance(b.env, spec.Wallet, paramString(spec.Params, "address"), paramString(spec.Params, "token"))
	case "":
		return nil, invalid("task type is required")
	default:
		return nil, invalid("unknown task type %q", spec.Type)
	}
	if spec.Name != "" {
		return named{Task: built, name: spec.Name}, nil
	}
	return built, nil
}

func (b *Builder) buildSubtasks(spec task.Spec) ([]task.Task, error) {
	if len(spec.Subtasks) == 0 {
		return nil, invalid("%s task requires at least one subtask", spec.Type)
	}
	subtasks := make([]task.Task, 0, len(spec.Subtasks))
	for i, sub := range spec.Subtasks {
		if sub.Wallet == "" {
			sub.Wallet = spec.Wallet
		}
		t, err := b.Build(sub)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeTaskConfiguration, err, fmt.Sprintf("subtask %d", i+1))
		}
		subtasks = append(subtasks, t)
	}
	return subtasks, nil
}

// named 用 Spec 中的名称覆盖任务默认名称。
type named struct {
	task.Task
	name string
}

func (n named) Name() string { return n.name }
