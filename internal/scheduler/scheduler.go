package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/andr-235/parseVK-sub000/internal/config"
	"github.com/andr-235/parseVK-sub000/internal/pkg/metrics"
	"github.com/andr-235/parseVK-sub000/internal/pkg/redisqueue"
)

const (
	jobIDPrefix        = "scheduled:"
	resultPopTimeout   = 2 * time.Second
	depthSampleInterval = 15 * time.Second
	dispatchTimeout    = 10 * time.Second
)

// Queue 由 redisqueue.Client 实现。
type Queue interface {
	PushJob(ctx context.Context, job *redisqueue.CollectJob) error
	PopResult(ctx context.Context, timeout time.Duration) (*redisqueue.CollectResult, error)
	QueueDepth(ctx context.Context) (int64, int64, error)
}

// Scheduler 定时为每个配置的来源派发采集任务，并消费任务结果。
//
// 每个来源使用固定的 job_id，上一轮任务尚未确认时本轮跳过，
// 因此慢来源不会在队列里堆积。
type Scheduler struct {
	queue    Queue
	sources  []string
	interval time.Duration
	lookback time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// NewScheduler 创建调度器。
//
// 参数:
//
//	queue: 任务队列
//	sources: 需要定时采集的来源
//	interval: 派发间隔
//	lookback: 截止时间回看窗口（0 表示不设置 PublishedAfter）
//	logger: 日志记录器
//
// 返回值:
//
//	*Scheduler: 调度器实例
func NewScheduler(queue Queue, sources []config.SourceConfig, interval, lookback time.Duration, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = time.Hour
	}
	names := make([]string, 0, len(sources))
	for _, sc := range sources {
		if name := strings.ToLower(strings.TrimSpace(sc.Name)); name != "" {
			names = append(names, name)
		}
	}
	return &Scheduler{
		queue:    queue,
		sources:  names,
		interval: interval,
		lookback: lookback,
		logger:   logger,
		now:      time.Now,
	}
}

// Run 立即派发一轮，之后按间隔派发，直到 ctx 结束。
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("scheduler started",
		slog.Duration("interval", s.interval),
		slog.Int("sources", len(s.sources)))

	go s.monitorQueueDepth(ctx)
	s.Dispatch(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
			s.Dispatch(ctx)
		}
	}
}

// Dispatch 为每个来源推送一个任务，返回实际入队的数量。
func (s *Scheduler) Dispatch(ctx context.Context) int {
	var after *time.Time
	if s.lookback > 0 {
		t := s.now().Add(-s.lookback).Truncate(time.Second)
		after = &t
	}

	pushed := 0
	for _, source := range s.sources {
		job := &redisqueue.CollectJob{
			JobID:          jobIDPrefix + source,
			Source:         source,
			PublishedAfter: after,
			CreatedAt:      s.now().Unix(),
		}
		pushCtx, cancel := context.WithTimeout(ctx, dispatchTimeout)
		err := s.queue.PushJob(pushCtx, job)
		cancel()
		switch {
		case err == nil:
			pushed++
			metrics.ScheduledJobsTotal.WithLabelValues(source, "pushed").Inc()
		case errors.Is(err, redisqueue.ErrJobExists):
			metrics.ScheduledJobsTotal.WithLabelValues(source, "skipped").Inc()
			s.logger.Debug("previous job still pending", slog.String("source", source))
		default:
			metrics.ScheduledJobsTotal.WithLabelValues(source, "failed").Inc()
			s.logger.Error("dispatch job failed",
				slog.String("source", source),
				slog.String("error", err.Error()))
		}
	}
	if pushed > 0 {
		s.logger.Info("jobs dispatched", slog.Int("count", pushed))
	}
	return pushed
}

// StartResultListener 消费结果队列并记录每个任务的结果，ctx 结束时返回 nil。
func (s *Scheduler) StartResultListener(ctx context.Context) error {
	s.logger.Info("result listener started")
	for {
		res, err := s.queue.PopResult(ctx, resultPopTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, redisqueue.ErrNoResult) {
				continue
			}
			s.logger.Error("pop result failed", slog.String("error", err.Error()))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(200 * time.Millisecond):
			}
			continue
		}
		s.handleResult(res)
	}
}

func (s *Scheduler) handleResult(res *redisqueue.CollectResult) {
	logger := s.logger.With(
		slog.String("job_id", res.JobID),
		slog.String("source", res.Source))
	if res.Error != "" {
		logger.Warn("collect job reported error",
			slog.String("error", res.Error),
			slog.Int("scraped", res.ScrapedCount))
		return
	}
	logger.Info("collect job result",
		slog.Int("scraped", res.ScrapedCount),
		slog.Int("created", res.Created),
		slog.Int("updated", res.Updated))
}

func (s *Scheduler) monitorQueueDepth(ctx context.Context) {
	ticker := time.NewTicker(depthSampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sampleDepth(ctx)
		}
	}
}

func (s *Scheduler) sampleDepth(ctx context.Context) {
	jobs, results, err := s.queue.QueueDepth(ctx)
	if err != nil {
		s.logger.Warn("queue depth sample failed", slog.String("error", err.Error()))
		return
	}
	metrics.QueueDepth.WithLabelValues("jobs").Set(float64(jobs))
	metrics.QueueDepth.WithLabelValues("results").Set(float64(results))
}
