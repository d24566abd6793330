// Package task defines the unit of automation work, the runner that turns a
// task into a Result, and the composite tasks built from subtasks. The job
// layer in this package queues task specs and records their results.
package task

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// Task 是一次可执行的自动化操作。
type Task interface {
	ID() string
	Name() string
	// Validate 在执行前检查参数，返回的错误会使任务直接失败且不执行。
	Validate() error
	Execute(ctx context.Context) (Outcome, error)
}

// Outcome 是任务执行的产出，取值为 TransactionOutcome 或 DataOutcome。
type Outcome interface {
	payload() map[string]any
}

// TransactionOutcome 表示产生了链上交易的执行结果。
type TransactionOutcome struct {
	Hash    common.Hash
	Payload map[string]any
}

func (o TransactionOutcome) payload() map[string]any { return o.Payload }

// DataOutcome 表示只读查询等不产生交易的执行结果。
type DataOutcome struct {
	Payload map[string]any
}

func (o DataOutcome) payload() map[string]any { return o.Payload }

// Base 为具体任务提供 ID 与名称。
type Base struct {
	id   string
	name string
}

// NewBase 生成带随机 UUID 的 Base。
func NewBase(name string) Base {
	return Base{id: uuid.NewString(), name: name}
}

// ID 返回任务 ID。
func (b Base) ID() string { return b.id }

// Name 返回任务名称。
func (b Base) Name() string { return b.name }

// Status 表示单次运行结果的状态。
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
	StatusPending Status = "pending"
)

// Result 记录一次任务运行，创建后不再修改。
type Result struct {
	TaskID        string
	TaskName      string
	Status        Status
	TxHash        string
	Data          map[string]any
	Error         string
	ErrorCode     string
	ExecutionTime time.Duration
}

// Succeeded 判断运行是否成功。
func (r *Result) Succeeded() bool { return r != nil && r.Status == StatusSuccess }

type resultJSON struct {
	TaskID        string         `json:"task_id"`
	TaskName      string         `json:"task_name"`
	Status        Status         `json:"status"`
	TxHash        string         `json:"tx_hash,omitempty"`
	Data          map[string]any `json:"result_data,omitempty"`
	Error         string         `json:"error,omitempty"`
	ErrorCode     string         `json:"error_code,omitempty"`
	ExecutionTime float64        `json:"execution_time"`
}

// MarshalJSON 以秒为单位输出执行耗时。
func (r Result) MarshalJSON() ([]byte, error) {
	return json.Marshal(resultJSON{
		TaskID:        r.TaskID,
		TaskName:      r.TaskName,
		Status:        r.Status,
		TxHash:        r.TxHash,
		Data:          r.Data,
		Error:         r.Error,
		ErrorCode:     r.ErrorCode,
		ExecutionTime: r.ExecutionTime.Seconds(),
	})
}

// UnmarshalJSON 实现 json.Unmarshaler。
func (r *Result) UnmarshalJSON(data []byte) error {
	var raw resultJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*r = Result{
		TaskID:        raw.TaskID,
		TaskName:      raw.TaskName,
		Status:        raw.Status,
		TxHash:        raw.TxHash,
		Data:          raw.Data,
		Error:         raw.Error,
		ErrorCode:     raw.ErrorCode,
		ExecutionTime: time.Duration(raw.ExecutionTime * float64(time.Second)),
	}
	return nil
}
