package mysql

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	xerrors "Monad-Automation/internal/errors"
	"Monad-Automation/internal/task"
)

// memoryWindow 是内存仓库保留的最近结果条数。
const memoryWindow = 512

// ResultRecord 是一条归档的任务结果。
type ResultRecord struct {
	JobID     string       `json:"job_id"`
	Result    *task.Result `json:"result"`
	CreatedAt int64        `json:"created_at"`
}

// ResultRepository 抽象任务结果的归档接口，同时满足 task.ResultSink。
type ResultRepository interface {
	Save(ctx context.Context, jobID string, result *task.Result) error
	Get(ctx context.Context, jobID string) (*ResultRecord, error)
	ListLatest(ctx context.Context, limit int) ([]ResultRecord, error)
	Close() error
}

var (
	_ ResultRepository = (*SQLResultRepository)(nil)
	_ ResultRepository = (*MemoryResultRepository)(nil)
	_ task.ResultSink  = ResultRepository(nil)
)

func resultNotFound(jobID string) error {
	return xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("任务 %s 没有归档结果", jobID))
}

// MemoryResultRepository 以 JSON Lines 文件记录结果，适合本地开发与单实例部署。
type MemoryResultRepository struct {
	mu       sync.RWMutex
	dataFile string
	records  []ResultRecord
}

// NewMemoryResultRepository 创建仓库并从 dataDir/results.log 恢复最近的记录。
func NewMemoryResultRepository(dataDir string) (*MemoryResultRepository, error) {
	if dataDir == "" {
		dataDir = "."
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建数据目录失败")
	}
	repo := &MemoryResultRepository{dataFile: filepath.Join(dataDir, "results.log")}
	if err := repo.loadFromDisk(); err != nil {
		return nil, err
	}
	return repo, nil
}

// Save 以追加写的方式记录结果。
func (m *MemoryResultRepository) Save(_ context.Context, jobID string, result *task.Result) error {
	if result == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "结果不能为空")
	}
	record := ResultRecord{JobID: jobID, Result: result, CreatedAt: time.Now().Unix()}
	encoded, err := json.Marshal(record)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化任务结果失败")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	file, err := os.OpenFile(m.dataFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "打开结果日志失败")
	}
	defer file.Close()
	if _, err := file.Write(append(encoded, '\n')); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入结果日志失败")
	}

	m.records = append([]ResultRecord{record}, m.records...)
	if len(m.records) > memoryWindow {
		m.records = m.records[:memoryWindow]
	}
	return nil
}

// Get 返回指定任务最近一次归档的结果。
func (m *MemoryResultRepository) Get(_ context.Context, jobID string) (*ResultRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, record := range m.records {
		if record.JobID == jobID {
			copied := record
			return &copied, nil
		}
	}
	return nil, resultNotFound(jobID)
}

// ListLatest 返回最近的结果，按写入时间倒序排列。
func (m *MemoryResultRepository) ListLatest(_ context.Context, limit int) ([]ResultRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 || limit > len(m.records) {
		limit = len(m.records)
	}
	out := make([]ResultRecord, limit)
	copy(out, m.records[:limit])
	return out, nil
}

// Close 实现 ResultRepository。
func (m *MemoryResultRepository) Close() error { return nil }

func (m *MemoryResultRepository) loadFromDisk() error {
	file, err := os.OpenFile(m.dataFile, os.O_RDONLY|os.O_CREATE, 0o644)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取结果日志失败")
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	var restored []ResultRecord
	for scanner.Scan() {
		var record ResultRecord
		if err := json.Unmarshal(scanner.Bytes(), &record); err != nil || record.Result == nil {
			continue
		}
		restored = append([]ResultRecord{record}, restored...)
	}
	if err := scanner.Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析结果日志失败")
	}
	if len(restored) > memoryWindow {
		restored = restored[:memoryWindow]
	}
	m.records = restored
	return nil
}

// SQLResultRepository 将结果写入 task_results 表。
type SQLResultRepository struct {
	db *sql.DB
}

// NewSQLResultRepository 在给定连接上执行迁移并返回仓库。
func NewSQLResultRepository(ctx context.Context, db *sql.DB) (*SQLResultRepository, error) {
	if db == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL 连接不能为空")
	}
	if err := Migrate(ctx, db); err != nil {
		return nil, err
	}
	return &SQLResultRepository{db: db}, nil
}

const insertResultSQL = `INSERT INTO task_results
    (job_id, task_id, task_name, status, tx_hash, result_data, error, error_code, execution_time, created_at)
    VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
    ON DUPLICATE KEY UPDATE task_id = VALUES(task_id), task_name = VALUES(task_name), status = VALUES(status),
    tx_hash = VALUES(tx_hash), result_data = VALUES(result_data), error = VALUES(error),
    error_code = VALUES(error_code), execution_time = VALUES(execution_time), created_at = VALUES(created_at)`

const resultColumns = `job_id, task_id, task_name, status, tx_hash, result_data, error, error_code, execution_time, created_at`

// Save 写入或覆盖指定任务的结果。
func (s *SQLResultRepository) Save(ctx context.Context, jobID string, result *task.Result) error {
	if result == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "结果不能为空")
	}
	var data any
	if len(result.Data) > 0 {
		encoded, err := json.Marshal(result.Data)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化结果数据失败")
		}
		data = string(encoded)
	}

	if _, err := s.db.ExecContext(ctx, insertResultSQL,
		jobID,
		result.TaskID,
		result.TaskName,
		string(result.Status),
		result.TxHash,
		data,
		result.Error,
		result.ErrorCode,
		result.ExecutionTime.Seconds(),
		time.Now().Unix(),
	); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入任务结果失败",
			xerrors.WithMetadata("job_id", jobID))
	}
	return nil
}

// Get 查询指定任务的结果。
func (s *SQLResultRepository) Get(ctx context.Context, jobID string) (*ResultRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+resultColumns+` FROM task_results WHERE job_id = ?`, jobID)
	record, err := scanResult(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, resultNotFound(jobID)
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务结果失败")
	}
	return record, nil
}

// ListLatest 查询最近的若干条结果。
func (s *SQLResultRepository) ListLatest(ctx context.Context, limit int) ([]ResultRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+resultColumns+`
    FROM task_results ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务结果失败")
	}
	defer rows.Close()

	var records []ResultRecord
	for rows.Next() {
		record, err := scanResult(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析任务结果失败")
		}
		records = append(records, *record)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历任务结果失败")
	}
	return records, nil
}

// Close 关闭底层连接池。
func (s *SQLResultRepository) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanResult(row rowScanner) (*ResultRecord, error) {
	var (
		record  ResultRecord
		result  task.Result
		status  string
		data    sql.NullString
		errText sql.NullString
		seconds float64
	)
	if err := row.Scan(
		&record.JobID,
		&result.TaskID,
		&result.TaskName,
		&status,
		&result.TxHash,
		&data,
		&errText,
		&result.ErrorCode,
		&seconds,
		&record.CreatedAt,
	); err != nil {
		return nil, err
	}
	result.Status = task.Status(status)
	result.Error = errText.String
	result.ExecutionTime = time.Duration(seconds * float64(time.Second))
	if data.Valid && data.String != "" {
		if err := json.Unmarshal([]byte(data.String), &result.Data); err != nil {
			return nil, fmt.Errorf("解析 result_data 失败: %w", err)
		}
	}
	record.Result = &result
	return &record, nil
}
