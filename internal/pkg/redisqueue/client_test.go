package redisqueue

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	client, err := NewClientWithRedis(rdb)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	return client, mr, rdb
}

func TestClient_JobFlow(t *testing.T) {
	client, _, rdb := newTestClient(t)
	ctx := context.Background()

	after := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	job := &CollectJob{
		JobID:          "job-1",
		Source:         "avito",
		MaxPages:       3,
		PublishedAfter: &after,
		RequestDelayMs: 1500,
	}
	if err := client.PushJob(ctx, job); err != nil {
		t.Fatalf("PushJob failed: %v", err)
	}
	if err := client.PushJob(ctx, job); !errors.Is(err, ErrJobExists) {
		t.Fatalf("expected ErrJobExists, got %v", err)
	}

	jobs, results, err := client.QueueDepth(ctx)
	if err != nil {
		t.Fatalf("QueueDepth failed: %v", err)
	}
	if jobs != 1 || results != 0 {
		t.Fatalf("expected 1 job, 0 results, got %d jobs, %d results", jobs, results)
	}

	popped, err := client.PopJob(ctx, time.Second)
	if err != nil {
		t.Fatalf("PopJob failed: %v", err)
	}
	if popped.JobID != "job-1" || popped.Source != "avito" || popped.MaxPages != 3 {
		t.Fatalf("PopJob data mismatch: %+v", popped)
	}
	if popped.PublishedAfter == nil || !popped.PublishedAfter.Equal(after) {
		t.Fatalf("published_after lost: %v", popped.PublishedAfter)
	}
	if n, _ := rdb.LLen(ctx, KeyJobProcessingQueue).Result(); n != 1 {
		t.Fatalf("processing queue length = %d", n)
	}
	if ok, _ := rdb.HExists(ctx, KeyJobStartedHash, "job-1").Result(); !ok {
		t.Fatalf("start time not recorded")
	}

	if err := client.AckJob(ctx, popped); err != nil {
		t.Fatalf("AckJob failed: %v", err)
	}
	if n, _ := rdb.LLen(ctx, KeyJobProcessingQueue).Result(); n != 0 {
		t.Fatalf("processing queue not cleared: %d", n)
	}
	if size, _ := client.PendingSetSize(ctx); size != 0 {
		t.Fatalf("pending set size = %d", size)
	}
	// 确认后可以再次入队
	if err := client.PushJob(ctx, &CollectJob{JobID: "job-1", Source: "avito"}); err != nil {
		t.Fatalf("re-push after ack: %v", err)
	}
}

func TestClient_PopEmpty(t *testing.T) {
	client, _, _ := newTestClient(t)
	if _, err := client.PopJob(context.Background(), 50*time.Millisecond); !errors.Is(err, ErrNoTask) {
		t.Fatalf("expected ErrNoTask, got %v", err)
	}
	if _, err := client.PopResult(context.Background(), 50*time.Millisecond); !errors.Is(err, ErrNoResult) {
		t.Fatalf("expected ErrNoResult, got %v", err)
	}
}

func TestClient_ResultFlow(t *testing.T) {
	client, _, _ := newTestClient(t)
	ctx := context.Background()

	res := &CollectResult{
		JobID:        "job-1",
		Source:       "farpost",
		ScrapedCount: 12,
		Created:      3,
		Updated:      1,
		FinishedAt:   time.Now().Unix(),
	}
	if err := client.PushResult(ctx, res); err != nil {
		t.Fatalf("PushResult failed: %v", err)
	}

	popped, err := client.PopResult(ctx, time.Second)
	if err != nil {
		t.Fatalf("PopResult failed: %v", err)
	}
	if popped.ScrapedCount != 12 || popped.Created != 3 || popped.Updated != 1 || popped.Error != "" {
		t.Fatalf("result mismatch: %+v", popped)
	}
}

func TestClient_RescueStuckJobs(t *testing.T) {
	client, _, rdb := newTestClient(t)
	ctx := context.Background()

	if err := client.PushJob(ctx, &CollectJob{JobID: "stuck", Source: "avito"}); err != nil {
		t.Fatal(err)
	}
	if err := client.PushJob(ctx, &CollectJob{JobID: "fresh", Source: "avito"}); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		if _, err := client.PopJob(ctx, time.Second); err != nil {
			t.Fatal(err)
		}
	}
	old := time.Now().Add(-10 * time.Minute).Unix()
	rdb.HSet(ctx, KeyJobStartedHash, "stuck", strconv.FormatInt(old, 10))

	rescued, err := client.RescueStuckJobs(ctx, 5*time.Minute)
	if err != nil {
		t.Fatalf("RescueStuckJobs failed: %v", err)
	}
	if rescued != 1 {
		t.Fatalf("rescued = %d, want 1", rescued)
	}
	jobs, _, _ := client.QueueDepth(ctx)
	if jobs != 1 {
		t.Fatalf("job queue length = %d", jobs)
	}
	job, err := client.PopJob(ctx, time.Second)
	if err != nil || job.JobID != "stuck" {
		t.Fatalf("rescued job = %+v, err = %v", job, err)
	}
}
