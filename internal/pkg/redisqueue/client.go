package redisqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/andr-235/parseVK-sub000/internal/pkg/metrics"

	"github.com/redis/go-redis/v9"
)

const (
	KeyJobQueue           = "parsevk:queue:jobs"
	KeyJobProcessingQueue = "parsevk:queue:jobs:processing"
	KeyResultQueue        = "parsevk:queue:results"
	KeyJobPendingSet      = "parsevk:queue:jobs:pending" // 去重集合
	KeyJobStartedHash     = "parsevk:queue:jobs:started" // 任务开始处理时间 (job_id -> unix timestamp)
)

var (
	ErrNoTask    = errors.New("no job available")
	ErrNoResult  = errors.New("no result available")
	ErrJobExists = errors.New("job already in queue")
)

// CollectJob 是一次采集请求。
type CollectJob struct {
	JobID          string     `json:"job_id"`
	Source         string     `json:"source"`
	BaseURL        string     `json:"base_url,omitempty"`
	MaxPages       int        `json:"max_pages,omitempty"`
	PublishedAfter *time.Time `json:"published_after,omitempty"`
	RequestDelayMs int64      `json:"request_delay_ms,omitempty"`
	CreatedAt      int64      `json:"created_at"`
}

// CollectResult 是一次采集的结果，失败时 Error 非空。
// Created 与 Updated 只携带数量，完整记录由数据库查询。
type CollectResult struct {
	JobID        string `json:"job_id"`
	Source       string `json:"source"`
	ScrapedCount int    `json:"scraped_count"`
	Created      int    `json:"created"`
	Updated      int    `json:"updated"`
	Error        string `json:"error,omitempty"`
	FinishedAt   int64  `json:"finished_at"`
}

// Client 封装任务队列与结果队列的 Redis List 操作。
type Client struct {
	rdb *redis.Client
}

// NewClient creates a redisqueue client with address/password.
func NewClient(addr, password string) *Client {
	return &Client{
		rdb: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       0,
		}),
	}
}

// NewClientWithRedis creates a redisqueue client from an existing redis.Client.
func NewClientWithRedis(rdb *redis.Client) (*Client, error) {
	if rdb == nil {
		return nil, errors.New("redis client is nil")
	}
	return &Client{rdb: rdb}, nil
}

// Close 关闭底层连接。通过 NewClientWithRedis 共享的连接由调用方关闭。
func (c *Client) Close() error {
	if c == nil || c.rdb == nil {
		return nil
	}
	return c.rdb.Close()
}

// pushJobScript 原子性地执行 SADD + LPUSH，避免中间状态不一致。
// KEYS[1] = pending set, KEYS[2] = job queue
// ARGV[1] = job_id, ARGV[2] = job JSON
// 返回: 1 = 成功推送, 0 = 任务已存在
var pushJobScript = redis.NewScript(`
	local added = redis.call('SADD', KEYS[1], ARGV[1])
	if added == 0 then
		return 0
	end
	redis.call('LPUSH', KEYS[2], ARGV[2])
	return 1
`)

// PushJob 序列化任务并推入队列；同一 job_id 已在队列中时返回 ErrJobExists。
func (c *Client) PushJob(ctx context.Context, job *CollectJob) error {
	if job == nil {
		return errors.New("job is nil")
	}
	if c == nil || c.rdb == nil {
		return errors.New("redis client is not initialized")
	}
	if job.JobID == "" {
		return errors.New("job id is empty")
	}
	if job.CreatedAt == 0 {
		job.CreatedAt = time.Now().Unix()
	}

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}

	result, err := pushJobScript.Run(ctx, c.rdb,
		[]string{KeyJobPendingSet, KeyJobQueue},
		job.JobID, string(data),
	).Int()
	if err != nil {
		return fmt.Errorf("push job script: %w", err)
	}
	if result == 0 {
		metrics.QueueThroughput.WithLabelValues("in", "skipped").Inc()
		return ErrJobExists
	}

	metrics.QueueThroughput.WithLabelValues("in", "pushed").Inc()
	return nil
}

// PopJob 阻塞直到有任务或超时，同时把任务移入 processing 队列并记录开始时间。
func (c *Client) PopJob(ctx context.Context, timeout time.Duration) (*CollectJob, error) {
	if c == nil || c.rdb == nil {
		return nil, errors.New("redis client is not initialized")
	}
	result, err := c.rdb.BRPopLPush(ctx, KeyJobQueue, KeyJobProcessingQueue, timeout).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNoTask
	}
	if err != nil {
		return nil, fmt.Errorf("brpoplpush job: %w", err)
	}

	var job CollectJob
	if err := json.Unmarshal([]byte(result), &job); err != nil {
		// 无法解析的任务留在 processing 队列里没有意义
		c.rdb.LRem(ctx, KeyJobProcessingQueue, 1, result)
		return nil, fmt.Errorf("unmarshal job: %w", err)
	}

	if job.JobID != "" {
		c.rdb.HSet(ctx, KeyJobStartedHash, job.JobID, time.Now().Unix())
	}

	metrics.QueueThroughput.WithLabelValues("out", "popped").Inc()
	return &job, nil
}

// PushResult serializes a CollectResult and pushes it into the result queue.
func (c *Client) PushResult(ctx context.Context, res *CollectResult) error {
	if res == nil {
		return errors.New("result is nil")
	}
	if c == nil || c.rdb == nil {
		return errors.New("redis client is not initialized")
	}
	data, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	if err := c.rdb.LPush(ctx, KeyResultQueue, string(data)).Err(); err != nil {
		return fmt.Errorf("lpush result: %w", err)
	}
	return nil
}

// PopResult blocks until a result is available or timeout is reached.
func (c *Client) PopResult(ctx context.Context, timeout time.Duration) (*CollectResult, error) {
	if c == nil || c.rdb == nil {
		return nil, errors.New("redis client is not initialized")
	}
	result, err := c.rdb.BRPop(ctx, timeout, KeyResultQueue).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNoResult
	}
	if err != nil {
		return nil, fmt.Errorf("brpop result: %w", err)
	}
	if len(result) < 2 {
		return nil, fmt.Errorf("invalid brpop response: %v", result)
	}

	var res CollectResult
	if err := json.Unmarshal([]byte(result[1]), &res); err != nil {
		return nil, fmt.Errorf("unmarshal result: %w", err)
	}
	return &res, nil
}

// ackJobScript 原子性地从 processing queue 中找到并删除匹配 job_id 的任务。
// KEYS[1] = processing queue, KEYS[2] = pending set, KEYS[3] = started hash
// ARGV[1] = job_id
// 返回: 删除的任务数量
var ackJobScript = redis.NewScript(`
	local queue = KEYS[1]
	local pending = KEYS[2]
	local started = KEYS[3]
	local jobId = ARGV[1]

	local jobs = redis.call('LRANGE', queue, 0, -1)
	local removed = 0
	for _, job in ipairs(jobs) do
		if string.find(job, '"job_id":"' .. jobId .. '"', 1, true) then
			redis.call('LREM', queue, 1, job)
			removed = removed + 1
			break
		end
	end

	redis.call('SREM', pending, jobId)
	redis.call('HDEL', started, jobId)

	return removed
`)

// AckJob 从 processing 队列、pending 集合与 started 哈希中移除已处理的任务。
// 按 job_id 匹配而非完整 JSON，之后同一 job_id 可以再次入队。
func (c *Client) AckJob(ctx context.Context, job *CollectJob) error {
	if job == nil {
		return errors.New("job is nil")
	}
	if c == nil || c.rdb == nil {
		return errors.New("redis client is not initialized")
	}
	if job.JobID == "" {
		return errors.New("job id is empty")
	}

	if _, err := ackJobScript.Run(ctx, c.rdb,
		[]string{KeyJobProcessingQueue, KeyJobPendingSet, KeyJobStartedHash},
		job.JobID,
	).Int(); err != nil {
		return fmt.Errorf("ack job script: %w", err)
	}
	return nil
}

// QueueDepth returns the current length of job and result queues.
func (c *Client) QueueDepth(ctx context.Context) (int64, int64, error) {
	if c == nil || c.rdb == nil {
		return 0, 0, errors.New("redis client is not initialized")
	}
	jobs, err := c.rdb.LLen(ctx, KeyJobQueue).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("llen jobs: %w", err)
	}
	results, err := c.rdb.LLen(ctx, KeyResultQueue).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("llen results: %w", err)
	}
	return jobs, results, nil
}

// PendingSetSize returns the number of unique jobs currently pending.
func (c *Client) PendingSetSize(ctx context.Context) (int64, error) {
	if c == nil || c.rdb == nil {
		return 0, errors.New("redis client is not initialized")
	}
	size, err := c.rdb.SCard(ctx, KeyJobPendingSet).Result()
	if err != nil {
		return 0, fmt.Errorf("scard pending set: %w", err)
	}
	return size, nil
}

// rescueScript 只有当 LREM 成功移除了任务时才 LPUSH，防止多个进程重复入队。
// KEYS[1] = processing queue, KEYS[2] = job queue, KEYS[3] = started hash
// ARGV[1] = job JSON, ARGV[2] = job_id
// 返回: 1 = 成功 rescue, 0 = 任务不存在
var rescueScript = redis.NewScript(`
	local removed = redis.call('LREM', KEYS[1], 1, ARGV[1])
	if removed > 0 then
		redis.call('LPUSH', KEYS[2], ARGV[1])
		redis.call('HDEL', KEYS[3], ARGV[2])
		return 1
	end
	return 0
`)

// RescueStuckJobs 把 processing 队列中超时的任务放回任务队列。
// 超时按 started 哈希中记录的开始时间判断，缺失时退回到 CreatedAt。
func (c *Client) RescueStuckJobs(ctx context.Context, timeout time.Duration) (int, error) {
	if c == nil || c.rdb == nil {
		return 0, errors.New("redis client is not initialized")
	}

	startedTimes, err := c.rdb.HGetAll(ctx, KeyJobStartedHash).Result()
	if err != nil {
		return 0, fmt.Errorf("hgetall started: %w", err)
	}

	jobsRaw, err := c.rdb.LRange(ctx, KeyJobProcessingQueue, 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("lrange processing: %w", err)
	}
	if len(jobsRaw) == 0 {
		// processing 队列为空，清理孤立的开始时间
		for jobID := range startedTimes {
			c.rdb.HDel(ctx, KeyJobStartedHash, jobID)
		}
		return 0, nil
	}

	now := time.Now().Unix()
	threshold := int64(timeout.Seconds())
	rescued := 0

	for _, raw := range jobsRaw {
		var job CollectJob
		if err := json.Unmarshal([]byte(raw), &job); err != nil || job.JobID == "" {
			continue
		}

		started := job.CreatedAt
		if v, ok := startedTimes[job.JobID]; ok {
			parsed, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				continue
			}
			started = parsed
		}
		if started == 0 || now-started <= threshold {
			continue
		}

		result, err := rescueScript.Run(ctx, c.rdb,
			[]string{KeyJobProcessingQueue, KeyJobQueue, KeyJobStartedHash},
			raw, job.JobID,
		).Int()
		if err != nil {
			continue
		}
		if result == 1 {
			rescued++
			metrics.QueueThroughput.WithLabelValues("in", "rescued").Inc()
		}
	}

	return rescued, nil
}

// RemoveFromPendingSet 从 pending 集合中移除指定的 job_id。
func (c *Client) RemoveFromPendingSet(ctx context.Context, jobID string) error {
	if c == nil || c.rdb == nil {
		return errors.New("redis client is not initialized")
	}
	if jobID == "" {
		return errors.New("job id is empty")
	}
	return c.rdb.SRem(ctx, KeyJobPendingSet, jobID).Err()
}
