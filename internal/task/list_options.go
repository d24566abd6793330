package task

import (
	"slices"
	"strings"
	"time"
)

// 任务列表分页的默认条数与上限。
const (
	DefaultListLimit = 20
	MaxListLimit     = 100
)

// ListOptions 描述任务列表的过滤、排序与分页条件，零值字段不参与过滤。
type ListOptions struct {
	Limit    int
	Offset   int
	Statuses []JobStatus

	// TaskType、Wallet 与 ErrorCode 精确匹配任务规格或最近一次失败的错误码。
	TaskType  string
	Wallet    string
	ErrorCode string

	// UpdatedSince 与 UpdatedUntil 为 Unix 秒级闭区间。
	UpdatedSince int64
	UpdatedUntil int64

	// HasRunResult 非空时按任务是否已记录运行结果过滤。
	HasRunResult *bool

	// OldestFirst 按更新时间升序返回，默认最新的在前。
	OldestFirst bool

	// Query 对 id、任务类型、名称、钱包与最后错误做不区分大小写的子串匹配。
	Query string
}

// normalize 裁剪分页参数、去重状态并清理字符串条件。
func (opts *ListOptions) normalize() {
	switch {
	case opts.Limit <= 0:
		opts.Limit = DefaultListLimit
	case opts.Limit > MaxListLimit:
		opts.Limit = MaxListLimit
	}
	opts.Offset = max(opts.Offset, 0)

	var statuses []JobStatus
	for _, status := range opts.Statuses {
		if IsValidStatus(status) && !slices.Contains(statuses, status) {
			statuses = append(statuses, status)
		}
	}
	opts.Statuses = statuses

	opts.TaskType = strings.TrimSpace(opts.TaskType)
	opts.Wallet = strings.TrimSpace(opts.Wallet)
	opts.ErrorCode = strings.TrimSpace(opts.ErrorCode)
	opts.Query = strings.TrimSpace(opts.Query)
}

// matches 判断任务是否满足过滤条件，分页与排序由调用方处理。
func (opts ListOptions) matches(job *Job) bool {
	if len(opts.Statuses) > 0 && !slices.Contains(opts.Statuses, job.Status) {
		return false
	}
	if opts.TaskType != "" && job.Spec.Type != opts.TaskType {
		return false
	}
	if opts.Wallet != "" && job.Spec.Wallet != opts.Wallet {
		return false
	}
	if opts.ErrorCode != "" && job.ErrorCode != opts.ErrorCode {
		return false
	}
	if opts.UpdatedSince > 0 && job.UpdatedAt < opts.UpdatedSince {
		return false
	}
	if opts.UpdatedUntil > 0 && job.UpdatedAt > opts.UpdatedUntil {
		return false
	}
	if opts.HasRunResult != nil && (job.Result != nil) != *opts.HasRunResult {
		return false
	}
	if opts.Query == "" {
		return true
	}
	q := strings.ToLower(opts.Query)
	for _, field := range []string{job.ID, job.Spec.Type, job.Spec.Name, job.Spec.Wallet, job.LastError} {
		if strings.Contains(strings.ToLower(field), q) {
			return true
		}
	}
	return false
}

// ListOption 修改 ListOptions。
type ListOption func(*ListOptions)

// WithLimit 限制返回条数，超过 MaxListLimit 时按上限截断。
func WithLimit(limit int) ListOption {
	return func(opts *ListOptions) { opts.Limit = limit }
}

// WithOffset 跳过前 n 条匹配的任务。
func WithOffset(offset int) ListOption {
	return func(opts *ListOptions) { opts.Offset = offset }
}

// WithStatuses 只返回处于给定状态的任务，未知状态会被忽略。
func WithStatuses(statuses ...JobStatus) ListOption {
	return func(opts *ListOptions) { opts.Statuses = append(opts.Statuses[:0], statuses...) }
}

// WithTaskType 只返回根任务类型为 taskType 的任务，例如 native_transfer。
func WithTaskType(taskType string) ListOption {
	return func(opts *ListOptions) { opts.TaskType = taskType }
}

// WithWallet 只返回以该钱包签名的任务。
func WithWallet(name string) ListOption {
	return func(opts *ListOptions) { opts.Wallet = name }
}

// WithErrorCode 只返回最近一次失败错误码为 code 的任务。
func WithErrorCode(code string) ListOption {
	return func(opts *ListOptions) { opts.ErrorCode = code }
}

// WithUpdatedSince 只返回在 ts 及之后更新的任务，零值表示不限。
func WithUpdatedSince(ts time.Time) ListOption {
	return func(opts *ListOptions) { opts.UpdatedSince = unixOrZero(ts) }
}

// WithUpdatedUntil 只返回在 ts 及之前更新的任务，零值表示不限。
func WithUpdatedUntil(ts time.Time) ListOption {
	return func(opts *ListOptions) { opts.UpdatedUntil = unixOrZero(ts) }
}

// WithRunResult 按任务是否已记录运行结果过滤。
func WithRunResult(present bool) ListOption {
	return func(opts *ListOptions) { opts.HasRunResult = &present }
}

// OldestFirst 按更新时间升序返回。
func OldestFirst() ListOption {
	return func(opts *ListOptions) { opts.OldestFirst = true }
}

// WithQuery 设置模糊查询关键字。
func WithQuery(query string) ListOption {
	return func(opts *ListOptions) { opts.Query = query }
}

func newListOptions(opts []ListOption) ListOptions {
	var options ListOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	options.normalize()
	return options
}

func unixOrZero(ts time.Time) int64 {
	if ts.IsZero() {
		return 0
	}
	return ts.Unix()
}
