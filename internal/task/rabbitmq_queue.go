package task

import (
	"context"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	xerrors "Monad-Automation/internal/errors"
	"Monad-Automation/pkg/logger"
)

const defaultRabbitMQQueue = "monad.jobs"

// RabbitMQConfig 描述 RabbitMQ 队列的连接参数。
type RabbitMQConfig struct {
	URL        string
	Queue      string
	Prefetch   int
	Durable    bool
	AutoDelete bool
}

// RabbitMQQueue 使用 RabbitMQ 投递任务 ID，适合多实例共享同一任务存储的部署。
type RabbitMQQueue struct {
	conn  *amqp.Connection
	queue string
	log   *slog.Logger

	// amqp.Channel 不支持并发发布。
	pubMu sync.Mutex
	ch    *amqp.Channel
}

var _ Queue = (*RabbitMQQueue)(nil)

// NewRabbitMQQueue 连接 RabbitMQ 并声明任务队列。
func NewRabbitMQQueue(cfg RabbitMQConfig) (*RabbitMQQueue, error) {
	if cfg.URL == "" {
		return nil, xerrors.New(xerrors.CodeQueueFailure, "RabbitMQ URL 不能为空", xerrors.WithRetryable(false))
	}
	queue := cfg.Queue
	if queue == "" {
		queue = defaultRabbitMQQueue
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "连接 RabbitMQ 失败")
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "创建 RabbitMQ channel 失败")
	}
	if cfg.Prefetch > 0 {
		if err := ch.Qos(cfg.Prefetch, 0, false); err != nil {
			ch.Close()
			conn.Close()
			return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "设置 RabbitMQ QOS 失败")
		}
	}
	if _, err := ch.QueueDeclare(queue, cfg.Durable, cfg.AutoDelete, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "声明 RabbitMQ 队列失败",
			xerrors.WithMetadata("queue", queue))
	}
	log := logger.Named("queue").With(slog.String("driver", "rabbitmq"), slog.String("queue", queue))
	log.Info("RabbitMQ 任务队列已就绪", slog.Int("prefetch", cfg.Prefetch), slog.Bool("durable", cfg.Durable))
	return &RabbitMQQueue{conn: conn, ch: ch, queue: queue, log: log}, nil
}

// Publish 以持久化消息投递任务 ID，MessageId 与任务 ID 相同便于排查。
func (q *RabbitMQQueue) Publish(ctx context.Context, jobID string) error {
	if q == nil || q.ch == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "RabbitMQ 队列未初始化")
	}
	q.pubMu.Lock()
	defer q.pubMu.Unlock()
	err := q.ch.PublishWithContext(ctx, "", q.queue, false, false, jobMessage(jobID, time.Now()))
	if err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "投递任务到 RabbitMQ 失败",
			xerrors.WithMetadata("job_id", jobID))
	}
	return nil
}

func jobMessage(jobID string, now time.Time) amqp.Publishing {
	return amqp.Publishing{
		ContentType:  "text/plain",
		DeliveryMode: amqp.Persistent,
		MessageId:    jobID,
		Timestamp:    now,
		AppId:        "monadd",
		Body:         []byte(jobID),
	}
}

// Consume 以手动确认模式消费任务。handler 成功或返回不可重试的错误时确认消息；
// 可重试的错误（例如任务存储暂时不可用）会把消息放回队列，避免任务丢失。
func (q *RabbitMQQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if q == nil || q.ch == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "RabbitMQ 队列未初始化")
	}
	if workerCount <= 0 {
		workerCount = 1
	}
	msgs, err := q.ch.Consume(q.queue, "", false, false, false, false, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "订阅 RabbitMQ 队列失败")
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
				case msg, ok := <-msgs:
					if !ok {
						return
					}
					q.settle(msg, handler(ctx, string(msg.Body)))
				}
			}
		}()
	}

	wg.Wait()
	if err := ctx.Err(); err != nil {
		return err
	}
	return xerrors.New(xerrors.CodeQueueFailure, "RabbitMQ 消费通道已关闭")
}

type acknowledger interface {
	Ack(multiple bool) error
	Nack(multiple, requeue bool) error
}

func (q *RabbitMQQueue) settle(msg amqp.Delivery, handleErr error) {
	if err := settleDelivery(msg, handleErr); err != nil {
		q.log.Warn("确认 RabbitMQ 消息失败", slog.String("job_id", string(msg.Body)), slog.Any("error", err))
	}
	if handleErr != nil {
		q.log.Warn("任务处理出错",
			slog.String("job_id", string(msg.Body)),
			slog.String("error_code", string(xerrors.CodeOf(handleErr))),
			slog.Bool("requeued", xerrors.RetryableError(handleErr)),
			slog.Any("error", handleErr))
	}
}

func settleDelivery(msg acknowledger, handleErr error) error {
	if handleErr != nil && xerrors.RetryableError(handleErr) {
		return msg.Nack(false, true)
	}
	return msg.Ack(false)
}

// Close 关闭 RabbitMQ channel 与连接。
func (q *RabbitMQQueue) Close() error {
	if q == nil {
		return nil
	}
	if q.ch != nil {
		_ = q.ch.Close()
	}
	if q.conn != nil {
		return q.conn.Close()
	}
	return nil
}
