package crawler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/andr-235/parseVK-sub000/internal/model"
	"github.com/andr-235/parseVK-sub000/internal/pkg/dedup"
	"github.com/andr-235/parseVK-sub000/internal/pkg/logger"
	"github.com/andr-235/parseVK-sub000/internal/pkg/redisqueue"
)

type stubCollector struct {
	res   *SyncResult
	err   error
	panic bool
	calls int
	opts  CollectOptions
}

func (s *stubCollector) Collect(_ context.Context, _ string, opts CollectOptions) (*SyncResult, error) {
	s.calls++
	s.opts = opts
	if s.panic {
		panic("boom")
	}
	return s.res, s.err
}

func newWorkerEnv(t *testing.T) (*redisqueue.Client, *dedup.Deduplicator, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	q, err := redisqueue.NewClientWithRedis(rdb)
	if err != nil {
		t.Fatalf("queue: %v", err)
	}
	return q, dedup.NewDeduplicator(rdb, time.Minute), rdb
}

func pushAndPop(t *testing.T, q *redisqueue.Client, job *redisqueue.CollectJob) *redisqueue.CollectJob {
	t.Helper()
	ctx := context.Background()
	if err := q.PushJob(ctx, job); err != nil {
		t.Fatalf("push: %v", err)
	}
	popped, err := q.PopJob(ctx, time.Second)
	if err != nil {
		t.Fatalf("pop: %v", err)
	}
	return popped
}

func popResult(t *testing.T, q *redisqueue.Client) *redisqueue.CollectResult {
	t.Helper()
	res, err := q.PopResult(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("pop result: %v", err)
	}
	return res
}

func TestWorkerHandleSuccess(t *testing.T) {
	q, d, rdb := newWorkerEnv(t)
	col := &stubCollector{res: &SyncResult{
		Source:       "avito",
		ScrapedCount: 5,
		Created:      []model.Listing{{ExternalID: "1"}, {ExternalID: "2"}, {ExternalID: "3"}},
		Updated:      []model.Listing{{ExternalID: "4"}},
	}}
	w := NewWorker(q, col, d, time.Minute, logger.Discard())

	job := pushAndPop(t, q, &redisqueue.CollectJob{JobID: "job-1", Source: "avito", MaxPages: 2, RequestDelayMs: 1500})
	w.handle(context.Background(), job)

	if col.opts.MaxPages != 2 || col.opts.RequestDelay != 1500*time.Millisecond {
		t.Fatalf("options not mapped: %+v", col.opts)
	}
	res := popResult(t, q)
	if res.JobID != "job-1" || res.Error != "" || res.ScrapedCount != 5 || res.Created != 3 || res.Updated != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.FinishedAt == 0 {
		t.Fatal("finished_at not set")
	}
	if n, _ := rdb.LLen(context.Background(), redisqueue.KeyJobProcessingQueue).Result(); n != 0 {
		t.Fatalf("job not acked, processing=%d", n)
	}
	if n, _ := q.PendingSetSize(context.Background()); n != 0 {
		t.Fatalf("pending set not cleared: %d", n)
	}
}

func TestWorkerSkipsDuplicate(t *testing.T) {
	q, d, _ := newWorkerEnv(t)
	col := &stubCollector{res: &SyncResult{Source: "avito"}}
	w := NewWorker(q, col, d, time.Minute, logger.Discard())

	w.handle(context.Background(), pushAndPop(t, q, &redisqueue.CollectJob{JobID: "a", Source: "avito", MaxPages: 2}))
	_ = popResult(t, q)
	w.handle(context.Background(), pushAndPop(t, q, &redisqueue.CollectJob{JobID: "b", Source: "avito", MaxPages: 2}))

	if col.calls != 1 {
		t.Fatalf("duplicate job must not run, calls=%d", col.calls)
	}
	res := popResult(t, q)
	if res.JobID != "b" || res.Error == "" {
		t.Fatalf("expected skipped result, got %+v", res)
	}
}

func TestWorkerFailureReleasesDedup(t *testing.T) {
	q, d, _ := newWorkerEnv(t)
	col := &stubCollector{err: errors.New("sync failed")}
	w := NewWorker(q, col, d, time.Minute, logger.Discard())

	w.handle(context.Background(), pushAndPop(t, q, &redisqueue.CollectJob{JobID: "a", Source: "avito"}))
	if res := popResult(t, q); res.Error != "sync failed" {
		t.Fatalf("error not reported: %+v", res)
	}

	col.err = nil
	col.res = &SyncResult{Source: "avito", ScrapedCount: 1}
	w.handle(context.Background(), pushAndPop(t, q, &redisqueue.CollectJob{JobID: "b", Source: "avito"}))
	if col.calls != 2 {
		t.Fatalf("failed job must be retryable, calls=%d", col.calls)
	}
	if res := popResult(t, q); res.Error != "" || res.ScrapedCount != 1 {
		t.Fatalf("unexpected retry result: %+v", res)
	}
}

func TestWorkerRecoversPanic(t *testing.T) {
	q, _, rdb := newWorkerEnv(t)
	w := NewWorker(q, &stubCollector{panic: true}, nil, time.Minute, logger.Discard())

	w.handle(context.Background(), pushAndPop(t, q, &redisqueue.CollectJob{JobID: "p", Source: "avito"}))

	res := popResult(t, q)
	if res.Error != "panic: boom" {
		t.Fatalf("panic not reported: %+v", res)
	}
	if n, _ := rdb.LLen(context.Background(), redisqueue.KeyJobProcessingQueue).Result(); n != 0 {
		t.Fatalf("panicked job not acked, processing=%d", n)
	}
}

func TestWorkerRunStopsOnCancel(t *testing.T) {
	q, _, _ := newWorkerEnv(t)
	col := &stubCollector{res: &SyncResult{Source: "avito", ScrapedCount: 2}}
	w := NewWorker(q, col, nil, time.Minute, logger.Discard())

	if err := q.PushJob(context.Background(), &redisqueue.CollectJob{JobID: "r", Source: "avito"}); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	res, err := q.PopResult(context.Background(), 5*time.Second)
	if err != nil {
		t.Fatalf("no result produced: %v", err)
	}
	if res.JobID != "r" || res.ScrapedCount != 2 {
		t.Fatalf("unexpected result: %+v", res)
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}
}
