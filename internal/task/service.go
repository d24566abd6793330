package task

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	xerrors "Monad-Automation/internal/errors"
	"Monad-Automation/internal/observability/metrics"
	"Monad-Automation/pkg/logger"
)

// Service 负责任务的创建与查询。
type Service struct {
	store      Store
	producer   Producer
	builder    Builder
	maxRetries int
}

// NewService 构造任务服务。builder 用于在入队前校验任务描述。
func NewService(store Store, producer Producer, builder Builder, maxRetries int) *Service {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Service{store: store, producer: producer, builder: builder, maxRetries: maxRetries}
}

// Submit 校验任务描述，创建待执行任务并推送到队列。
func (s *Service) Submit(ctx context.Context, spec Spec) (*Job, error) {
	if s.store == nil || s.producer == nil || s.builder == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务服务未初始化")
	}
	spec.normalize()
	if spec.Type == "" {
		return nil, xerrors.New(xerrors.CodeTaskConfiguration, "任务类型不能为空")
	}
	built, err := s.builder.Build(spec)
	if err != nil {
		return nil, err
	}
	if err := built.Validate(); err != nil {
		if !xerrors.HasCode(err, xerrors.CodeTaskConfiguration) {
			err = xerrors.Wrap(xerrors.CodeTaskConfiguration, err, "任务参数无效")
		}
		return nil, err
	}

	job := &Job{
		ID:         uuid.NewString(),
		Spec:       cloneSpec(spec),
		Status:     JobPending,
		MaxRetries: s.maxRetries,
	}
	if err := s.store.Create(ctx, job); err != nil {
		return nil, err
	}
	if err := s.producer.Publish(ctx, job.ID); err != nil {
		logger.L().Error("任务入队失败", slog.Any("error", err), slog.String("job_id", job.ID))
		wrapped := xerrors.Wrap(CodeJobPublish, err, "发布任务到队列失败")
		_ = s.store.MarkFailed(ctx, job.ID, CodeJobPublish, wrapped.Error(), nil, true)
		return nil, wrapped
	}
	metrics.ObserveJob(string(JobPending))
	logger.Audit().Info("任务入队成功",
		slog.String("job_id", job.ID),
		slog.String("task_type", spec.Type),
		slog.String("wallet", spec.Wallet),
		slog.Int("max_retries", job.MaxRetries),
	)
	return job, nil
}

// Get 返回指定任务的状态。
func (s *Service) Get(ctx context.Context, id string) (*Job, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	return s.store.Get(ctx, id)
}

// List 返回符合过滤条件的任务列表。
func (s *Service) List(ctx context.Context, opts ...ListOption) ([]*Job, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	return s.store.List(ctx, newListOptions(opts))
}

// Stats 返回符合过滤条件的任务统计信息。
func (s *Service) Stats(ctx context.Context, opts ...ListOption) (JobStats, error) {
	if s.store == nil {
		return JobStats{}, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	return s.store.Stats(ctx, newListOptions(opts))
}

// Close 释放资源。
func (s *Service) Close() error {
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			return err
		}
	}
	if s.producer != nil {
		return s.producer.Close()
	}
	return nil
}

// WaitUntilCompleted 轮询直到任务结束或 ctx 结束。
func (s *Service) WaitUntilCompleted(ctx context.Context, id string, interval time.Duration) (*Job, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		job, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if job.Terminal() {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
