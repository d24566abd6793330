package task

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"time"

	xerrors "Monad-Automation/internal/errors"
	"Monad-Automation/internal/observability/alerting"
	"Monad-Automation/internal/observability/metrics"
	"Monad-Automation/pkg/logger"
)

// ResultSink 接收结束任务的最终结果，例如写入结果库。
type ResultSink interface {
	Save(ctx context.Context, jobID string, result *Result) error
}

// Processor 负责从队列消费任务 ID，构建并运行任务。
type Processor struct {
	builder     Builder
	store       Store
	consumer    Consumer
	producer    Producer
	workerCount int
	logger      *slog.Logger
	sink        ResultSink
	alerter     alerting.Dispatcher
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

// WithResultSink 配置结果归档。
func WithResultSink(sink ResultSink) ProcessorOption {
	return func(p *Processor) {
		p.sink = sink
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerter = dispatcher
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(builder Builder, store Store, consumer Consumer, producer Producer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		builder:     builder,
		store:       store,
		consumer:    consumer,
		producer:    producer,
		workerCount: 1,
		logger:      logger.Named("processor"),
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

// Start 启动任务处理循环，阻塞直到 ctx 结束或队列出错。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置任务消费者")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.handle)
}

// RequeuePending 重新投递存储中所有待执行的任务，用于进程重启后恢复内存队列。
func (p *Processor) RequeuePending(ctx context.Context) (int, error) {
	if p.store == nil || p.producer == nil {
		return 0, xerrors.New(xerrors.CodeInitializationFailure, "处理器未初始化")
	}
	const page = 100
	published := 0
	for offset := 0; ; offset += page {
		jobs, err := p.store.List(ctx, ListOptions{
			Limit:       page,
			Offset:      offset,
			Statuses:    []JobStatus{JobPending},
			OldestFirst: true,
		})
		if err != nil {
			return published, err
		}
		for _, job := range jobs {
			if err := p.producer.Publish(ctx, job.ID); err != nil {
				return published, xerrors.Wrap(CodeJobPublish, err, fmt.Sprintf("任务 %s 重投失败", job.ID))
			}
			published++
		}
		if len(jobs) < page {
			return published, nil
		}
	}
}

func (p *Processor) handle(ctx context.Context, jobID string) error {
	if p.store == nil || p.builder == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "处理器未初始化")
	}
	job, err := p.store.Claim(ctx, jobID)
	if err != nil {
		if stdErrors.Is(err, ErrJobNotFound) || stdErrors.Is(err, ErrJobCompleted) || stdErrors.Is(err, ErrJobExhausted) {
			p.logger.Debug("跳过任务", slog.String("job_id", jobID), slog.String("reason", err.Error()))
			return nil
		}
		p.logger.Error("领取任务失败", slog.Any("error", err), slog.String("job_id", jobID))
		p.emitAlert(ctx, &Job{ID: jobID}, CodeJobProcessing, err, "claim")
		return err
	}
	metrics.ObserveJob(string(JobRunning))

	built, err := p.builder.Build(job.Spec)
	if err != nil {
		return p.finishFailed(ctx, job, nil, xerrors.CodeOf(err), err.Error(), true)
	}

	res := Run(ctx, built)
	// ctx 可能已因停机而取消，状态回写仍需完成。
	bookkeeping := context.WithoutCancel(ctx)

	if res.Succeeded() {
		if err := p.store.MarkSucceeded(bookkeeping, job.ID, res); err != nil {
			p.logger.Error("标记任务成功状态失败", slog.Any("error", err), slog.String("job_id", job.ID))
			return err
		}
		metrics.ObserveJob(string(JobSucceeded))
		p.archive(bookkeeping, job.ID, res)
		logger.Audit().Info("任务执行成功",
			slog.String("job_id", job.ID),
			slog.String("task_type", job.Spec.Type),
			slog.String("tx_hash", res.TxHash),
			slog.Float64("execution_time", res.ExecutionTime.Seconds()),
		)
		return nil
	}

	if ctx.Err() != nil {
		// 停机打断的任务不计为失败，保持 pending 以便重启后重投。
		if err := p.store.MarkFailed(bookkeeping, job.ID, xerrors.CodeTimeout, res.Error, nil, false); err != nil {
			return err
		}
		p.logger.Warn("任务因停机中断", slog.String("job_id", job.ID))
		return nil
	}

	code := xerrors.Code(res.ErrorCode)
	if code == "" {
		code = CodeJobProcessing
	}
	retryable := xerrors.AttributesOf(code).Retryable
	terminal := job.Attempts >= job.MaxRetries || !retryable
	return p.finishFailed(bookkeeping, job, res, code, res.Error, terminal)
}

func (p *Processor) finishFailed(ctx context.Context, job *Job, res *Result, code xerrors.Code, message string, terminal bool) error {
	if err := p.store.MarkFailed(ctx, job.ID, code, message, res, terminal); err != nil {
		p.logger.Error("标记任务失败状态出错", slog.Any("error", err), slog.String("job_id", job.ID))
		return err
	}
	logger.Audit().Warn("任务执行失败",
		slog.String("job_id", job.ID),
		slog.String("task_type", job.Spec.Type),
		slog.Bool("terminal", terminal),
		slog.String("error", message),
		slog.String("error_code", string(code)),
		slog.Int("attempts", job.Attempts),
		slog.Int("max_retries", job.MaxRetries),
	)

	stage := "retry"
	if terminal {
		stage = "terminal"
		metrics.ObserveJob(string(JobFailed))
		if res != nil {
			p.archive(ctx, job.ID, res)
		}
	}
	p.emitAlert(ctx, job, code, stdErrors.New(message), stage)

	if !terminal {
		if pubErr := p.producer.Publish(ctx, job.ID); pubErr != nil {
			return xerrors.Wrap(CodeJobPublish, pubErr, fmt.Sprintf("任务 %s 重投失败", job.ID))
		}
		p.logger.Debug("任务已重新排队", slog.String("job_id", job.ID), slog.Int("attempts", job.Attempts))
	}
	return nil
}

func (p *Processor) archive(ctx context.Context, jobID string, res *Result) {
	if p.sink == nil {
		return
	}
	if err := p.sink.Save(ctx, jobID, res); err != nil {
		p.logger.Error("归档任务结果失败", slog.Any("error", err), slog.String("job_id", jobID))
	}
}

func (p *Processor) emitAlert(ctx context.Context, job *Job, code xerrors.Code, cause error, stage string) {
	if p.alerter == nil || job == nil {
		return
	}
	attrs := xerrors.AttributesOf(code)
	if !attrs.Alert && stage != "terminal" {
		return
	}
	message := attrs.Message
	metadata := map[string]string{"stage": stage}
	if cause != nil {
		message = cause.Error()
		metadata["cause"] = cause.Error()
	}
	event := alerting.Event{
		Code:       code,
		Message:    message,
		Severity:   attrs.Severity,
		JobID:      job.ID,
		TaskType:   job.Spec.Type,
		Attempts:   job.Attempts,
		MaxRetries: job.MaxRetries,
		Metadata:   metadata,
		OccurredAt: time.Now(),
	}
	if err := p.alerter.Notify(ctx, event); err != nil {
		p.logger.Error("告警通知失败",
			slog.Any("error", err),
			slog.String("job_id", job.ID),
			slog.String("stage", stage),
		)
	}
}
