package task

import (
	"context"
	"log/slog"
	"sync"

	xerrors "Monad-Automation/internal/errors"
	"Monad-Automation/pkg/logger"
)

// defaultMemoryQueueSize 是 NewMemoryQueue 在 size <= 0 时使用的缓冲长度。
const defaultMemoryQueueSize = 64

// MemoryQueue 是单进程部署使用的任务队列。任务 ID 只保存在内存中，
// 重启后由 Processor.RequeuePending 从任务存储恢复。
type MemoryQueue struct {
	ch   chan string
	done chan struct{}
	once sync.Once
	log  *slog.Logger
}

var _ Queue = (*MemoryQueue)(nil)

// NewMemoryQueue 创建缓冲长度为 size 的内存队列。
func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = defaultMemoryQueueSize
	}
	return &MemoryQueue{
		ch:   make(chan string, size),
		done: make(chan struct{}),
		log:  logger.Named("queue"),
	}
}

// Len 返回尚未被消费的任务数。
func (q *MemoryQueue) Len() int { return len(q.ch) }

// Publish 投递任务 ID。缓冲已满时阻塞，直到有空位、ctx 结束或队列关闭。
func (q *MemoryQueue) Publish(ctx context.Context, jobID string) error {
	select {
	case <-q.done:
		return errQueueClosed(jobID)
	default:
	}
	select {
	case q.ch <- jobID:
		return nil
	case <-q.done:
		return errQueueClosed(jobID)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Consume 启动 workerCount 个协程处理任务，阻塞到 ctx 结束或队列关闭。
// handler 返回的错误只记录日志，重试由 Processor 重新投递完成。
func (q *MemoryQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case <-q.done:
					return
				case jobID := <-q.ch:
					if err := handler(ctx, jobID); err != nil {
						q.log.Warn("任务处理出错",
							slog.String("job_id", jobID),
							slog.String("error_code", string(xerrors.CodeOf(err))),
							slog.Any("error", err))
					}
				}
			}
		}()
	}
	wg.Wait()
	if err := ctx.Err(); err != nil {
		return err
	}
	return nil
}

// Close 停止投递与消费，缓冲中剩余的任务 ID 被丢弃。可重复调用。
func (q *MemoryQueue) Close() error {
	q.once.Do(func() {
		close(q.done)
		if n := len(q.ch); n > 0 {
			q.log.Info("内存队列关闭，未消费任务将在重启后恢复", slog.Int("pending", n))
		}
	})
	return nil
}

func errQueueClosed(jobID string) error {
	return xerrors.New(xerrors.CodeQueueFailure, "任务队列已关闭",
		xerrors.WithMetadata("job_id", jobID),
		xerrors.WithRetryable(false))
}
