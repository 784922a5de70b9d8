package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/andr-235/parseVK-sub000/internal/config"
	"github.com/andr-235/parseVK-sub000/internal/pkg/logger"
	"github.com/andr-235/parseVK-sub000/internal/pkg/redisqueue"
)

func newQueue(t *testing.T) *redisqueue.Client {
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
	return q
}

var testSources = []config.SourceConfig{{Name: "avito"}, {Name: " Farpost "}}

func TestDispatchPushesOneJobPerSource(t *testing.T) {
	q := newQueue(t)
	ctx := context.Background()
	now := time.Date(2024, 3, 12, 12, 0, 0, 0, time.UTC)

	s := NewScheduler(q, testSources, time.Hour, 48*time.Hour, logger.Discard())
	s.now = func() time.Time { return now }

	if n := s.Dispatch(ctx); n != 2 {
		t.Fatalf("expected 2 jobs, got %d", n)
	}

	seen := map[string]*redisqueue.CollectJob{}
	for i := 0; i < 2; i++ {
		job, err := q.PopJob(ctx, time.Second)
		if err != nil {
			t.Fatalf("pop: %v", err)
		}
		seen[job.Source] = job
	}
	far, ok := seen["farpost"]
	if !ok || seen["avito"] == nil {
		t.Fatalf("unexpected jobs: %+v", seen)
	}
	if far.JobID != "scheduled:farpost" {
		t.Fatalf("job id = %s", far.JobID)
	}
	want := now.Add(-48 * time.Hour)
	if far.PublishedAfter == nil || !far.PublishedAfter.Equal(want) {
		t.Fatalf("published_after = %v, want %v", far.PublishedAfter, want)
	}
}

func TestDispatchSkipsPendingSource(t *testing.T) {
	q := newQueue(t)
	ctx := context.Background()
	s := NewScheduler(q, testSources, time.Hour, 0, logger.Discard())

	if n := s.Dispatch(ctx); n != 2 {
		t.Fatalf("first dispatch pushed %d", n)
	}
	if n := s.Dispatch(ctx); n != 0 {
		t.Fatalf("pending jobs must not be pushed again, got %d", n)
	}

	job, err := q.PopJob(ctx, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if job.PublishedAfter != nil {
		t.Fatalf("zero lookback must not set a cutoff: %v", job.PublishedAfter)
	}
	if err := q.AckJob(ctx, job); err != nil {
		t.Fatal(err)
	}
	if n := s.Dispatch(ctx); n != 1 {
		t.Fatalf("acked source should be dispatched again, got %d", n)
	}
}

func TestResultListenerStopsOnCancel(t *testing.T) {
	q := newQueue(t)
	s := NewScheduler(q, nil, time.Hour, 0, logger.Discard())

	if err := q.PushResult(context.Background(), &redisqueue.CollectResult{JobID: "scheduled:avito", Source: "avito", ScrapedCount: 3}); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.StartResultListener(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for {
		_, results, err := q.QueueDepth(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if results == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("result was not consumed")
		}
		time.Sleep(20 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("listener returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("listener did not stop")
	}
}

func TestRunDispatchesImmediately(t *testing.T) {
	q := newQueue(t)
	s := NewScheduler(q, testSources[:1], time.Hour, 0, logger.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	job, err := q.PopJob(context.Background(), 5*time.Second)
	if err != nil {
		t.Fatalf("no job dispatched: %v", err)
	}
	if job.Source != "avito" {
		t.Fatalf("source = %s", job.Source)
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("run returned %v", err)
	}
}
