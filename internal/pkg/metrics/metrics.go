package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "parsevk"

var (
	// PagesFetchedTotal 按来源与结果统计抓取的页面数。
	// result: ok / rate_limited / captcha / timeout / failed
	PagesFetchedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "pages_fetched_total",
		Help:      "Pages fetched, by host and result.",
	}, []string{"host", "result"})

	FetchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "fetch_duration_seconds",
		Help:      "Time spent fetching a single page.",
		Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60},
	}, []string{"engine"})

	// RetryTotal 按阻断原因统计重试次数。
	RetryTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "fetch_retries_total",
		Help:      "Fetch retries after a rate-limit block, by reason.",
	}, []string{"reason"})

	IdentityRotationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "identity_rotations_total",
		Help:      "Identity profile rotations.",
	})

	BrowserLaunchesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "browser_launches_total",
		Help:      "Browser processes launched.",
	})

	BrowserActivePages = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "browser_active_pages",
		Help:      "Pages currently open in the shared browser context.",
	})

	ListingsParsedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "listings_parsed_total",
		Help:      "Listing cards extracted from result pages.",
	}, []string{"source"})

	CardsSkippedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cards_skipped_total",
		Help:      "Cards skipped for a missing id or title.",
	}, []string{"source"})

	// SyncRecordsTotal op: created / updated / touched
	SyncRecordsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sync_records_total",
		Help:      "Records written by the sync engine, by operation.",
	}, []string{"source", "op"})

	CollectJobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "collect_jobs_total",
		Help:      "Collect jobs processed by the worker, by status.",
	}, []string{"status"})

	// QueueThroughput direction: in / out
	QueueThroughput = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "queue_throughput_total",
		Help:      "Collect jobs moving through the Redis queue.",
	}, []string{"direction", "status"})

	// QueueDepth queue: jobs / processing / results
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "queue_depth",
		Help:      "Current length of the Redis job and result lists.",
	}, []string{"queue"})

	ScheduledJobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "scheduled_jobs_total",
		Help:      "Collect jobs dispatched by the scheduler, by source and outcome.",
	}, []string{"source", "status"})

	RateLimitWaitDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "ratelimit_wait_seconds",
		Help:      "Time spent waiting for a token before a fetch.",
		Buckets:   prometheus.DefBuckets,
	})

	RateLimitTimeoutTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ratelimit_timeout_total",
		Help:      "Token waits abandoned because the context ended.",
	})
)
