package crawler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/andr-235/parseVK-sub000/internal/fetch"
	"github.com/andr-235/parseVK-sub000/internal/pkg/dedup"
	"github.com/andr-235/parseVK-sub000/internal/pkg/metrics"
	"github.com/andr-235/parseVK-sub000/internal/pkg/redisqueue"
)

const (
	redisOperationTimeout = 5 * time.Second
	stuckJobCheckInterval = time.Minute
	popTimeout            = 2 * time.Second
	defaultJobTimeout     = 30 * time.Minute
)

// JobQueue 由 redisqueue.Client 实现。
type JobQueue interface {
	PopJob(ctx context.Context, timeout time.Duration) (*redisqueue.CollectJob, error)
	PushResult(ctx context.Context, res *redisqueue.CollectResult) error
	AckJob(ctx context.Context, job *redisqueue.CollectJob) error
	RescueStuckJobs(ctx context.Context, timeout time.Duration) (int, error)
}

// JobDeduplicator 由 dedup.Deduplicator 实现。
type JobDeduplicator interface {
	IsDuplicate(ctx context.Context, fingerprint string) (bool, error)
	Delete(ctx context.Context, fingerprint string) error
}

// CollectFunc 由 *Collector 实现。
type CollectFunc interface {
	Collect(ctx context.Context, source string, opts CollectOptions) (*SyncResult, error)
}

// Worker 从 Redis 队列中逐个取出采集任务执行。
//
// 浏览器会话只有一个，任务串行执行。
type Worker struct {
	queue      JobQueue
	collector  CollectFunc
	dedup      JobDeduplicator
	logger     *slog.Logger
	jobTimeout time.Duration
}

// NewWorker 创建任务消费者。dedup 可以为 nil。
func NewWorker(queue JobQueue, collector CollectFunc, d JobDeduplicator, jobTimeout time.Duration, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	if jobTimeout <= 0 {
		jobTimeout = defaultJobTimeout
	}
	return &Worker{
		queue:      queue,
		collector:  collector,
		dedup:      d,
		logger:     logger,
		jobTimeout: jobTimeout,
	}
}

// Run 持续消费任务直到 ctx 结束。
func (w *Worker) Run(ctx context.Context) error {
	go w.rescueLoop(ctx)
	w.logger.Info("collect worker started", slog.Duration("job_timeout", w.jobTimeout))

	for {
		job, err := w.queue.PopJob(ctx, popTimeout)
		if err != nil {
			if ctx.Err() != nil {
				w.logger.Info("worker loop stopped")
				return ctx.Err()
			}
			if errors.Is(err, redisqueue.ErrNoTask) {
				continue
			}
			w.logger.Error("pop job failed", slog.String("error", err.Error()))
			if sleepErr := fetch.SleepContext(ctx, 200*time.Millisecond); sleepErr != nil {
				return sleepErr
			}
			continue
		}
		w.handle(ctx, job)
	}
}

// handle 执行单个任务，无论成功、失败还是 panic 都会回传结果并确认。
func (w *Worker) handle(ctx context.Context, job *redisqueue.CollectJob) {
	start := time.Now()
	logger := w.logger.With(slog.String("job_id", job.JobID), slog.String("source", job.Source))
	result := &redisqueue.CollectResult{JobID: job.JobID, Source: job.Source}

	defer func() {
		if r := recover(); r != nil {
			logger.Error("collect job panic recovered", slog.Any("panic", r))
			metrics.CollectJobsTotal.WithLabelValues("panic").Inc()
			result.Error = fmt.Sprintf("panic: %v", r)
		}
		result.FinishedAt = time.Now().Unix()
		w.finish(job, result, logger)
	}()

	fingerprint := dedup.Fingerprint(job.Source, job.BaseURL, job.MaxPages, job.PublishedAfter)
	if w.dedup != nil {
		dup, err := w.dedup.IsDuplicate(ctx, fingerprint)
		if err != nil {
			// Redis 故障时照常执行（降级策略）
			logger.Warn("dedup check failed", slog.String("error", err.Error()))
		}
		if dup {
			logger.Info("duplicate job skipped")
			metrics.CollectJobsTotal.WithLabelValues("skipped").Inc()
			result.Error = "duplicate job within dedup window"
			return
		}
	}

	jobCtx, cancel := context.WithTimeout(ctx, w.jobTimeout)
	defer cancel()

	opts := CollectOptions{
		BaseURL:        job.BaseURL,
		MaxPages:       job.MaxPages,
		PublishedAfter: job.PublishedAfter,
		RequestDelay:   time.Duration(job.RequestDelayMs) * time.Millisecond,
	}
	res, err := w.collector.Collect(jobCtx, job.Source, opts)
	if res != nil {
		result.ScrapedCount = res.ScrapedCount
		result.Created = len(res.Created)
		result.Updated = len(res.Updated)
	}
	if err != nil {
		result.Error = err.Error()
		metrics.CollectJobsTotal.WithLabelValues("failed").Inc()
		logger.Warn("collect job failed",
			slog.String("error", err.Error()),
			slog.Duration("duration", time.Since(start)))
		if w.dedup != nil {
			// 失败的任务允许立即重试
			delCtx, delCancel := context.WithTimeout(context.Background(), redisOperationTimeout)
			defer delCancel()
			if delErr := w.dedup.Delete(delCtx, fingerprint); delErr != nil {
				logger.Warn("release dedup key failed", slog.String("error", delErr.Error()))
			}
		}
		return
	}

	metrics.CollectJobsTotal.WithLabelValues("success").Inc()
	logger.Info("collect job finished",
		slog.Int("scraped", result.ScrapedCount),
		slog.Int("created", result.Created),
		slog.Int("updated", result.Updated),
		slog.Duration("duration", time.Since(start)))
}

func (w *Worker) finish(job *redisqueue.CollectJob, result *redisqueue.CollectResult, logger *slog.Logger) {
	pushCtx, pushCancel := context.WithTimeout(context.Background(), redisOperationTimeout)
	defer pushCancel()
	if err := w.queue.PushResult(pushCtx, result); err != nil {
		logger.Error("push result failed", slog.String("error", err.Error()))
	}

	ackCtx, ackCancel := context.WithTimeout(context.Background(), redisOperationTimeout)
	defer ackCancel()
	if err := w.queue.AckJob(ackCtx, job); err != nil {
		logger.Error("failed to ack job", slog.String("error", err.Error()))
		return
	}
	logger.Debug("job acked")
}

// rescueLoop 定期把超时未确认的任务放回队列。
func (w *Worker) rescueLoop(ctx context.Context) {
	ticker := time.NewTicker(stuckJobCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rescueCtx, cancel := context.WithTimeout(ctx, redisOperationTimeout)
			n, err := w.queue.RescueStuckJobs(rescueCtx, w.jobTimeout+stuckJobCheckInterval)
			cancel()
			if err != nil {
				w.logger.Warn("rescue stuck jobs failed", slog.String("error", err.Error()))
				continue
			}
			if n > 0 {
				w.logger.Warn("stuck jobs rescued", slog.Int("count", n))
			}
		}
	}
}
