package crawler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/andr-235/parseVK-sub000/internal/browser"
	"github.com/andr-235/parseVK-sub000/internal/config"
	"github.com/andr-235/parseVK-sub000/internal/fetch"
	"github.com/andr-235/parseVK-sub000/internal/identity"
	"github.com/andr-235/parseVK-sub000/internal/model"
	"github.com/andr-235/parseVK-sub000/internal/parser"
	"github.com/andr-235/parseVK-sub000/internal/pkg/database"
	"github.com/andr-235/parseVK-sub000/internal/pkg/dedup"
	"github.com/andr-235/parseVK-sub000/internal/pkg/ratelimit"
	"github.com/andr-235/parseVK-sub000/internal/pkg/redisqueue"
	"github.com/andr-235/parseVK-sub000/internal/syncer"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// Service 组装采集所需的全部组件。
//
// 浏览器在第一次抓取时才启动；Redis 只在启用任务队列或限流时连接。
type Service struct {
	cfg       *config.Config
	logger    *slog.Logger
	db        *gorm.DB
	rdb       *redis.Client
	sessions  *browser.Manager
	collector *Collector
	queue     *redisqueue.Client
	dedup     *dedup.Deduplicator
}

// NewService 根据配置创建服务。
//
// 参数:
//
//	ctx: 上下文
//	cfg: 配置对象
//	logger: 日志记录器
//
// 返回值:
//
//	*Service: 初始化完成的服务实例
//	error: 数据库不可用、规则无效或任务队列需要的 Redis 不可用时返回错误
func NewService(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{cfg: cfg, logger: logger}

	if err := s.connectRedis(ctx); err != nil {
		return nil, err
	}

	db, err := database.Open(cfg.Database)
	if err != nil {
		s.closeRedis()
		return nil, err
	}
	if err := database.Migrate(db); err != nil {
		s.closeRedis()
		return nil, err
	}
	s.db = db

	registry := parser.NewRegistry()
	for _, sc := range cfg.Sources {
		name, err := model.ParseSource(sc.Name)
		if err != nil {
			s.close()
			return nil, err
		}
		p, err := parser.New(name, sc.Rules, logger)
		if err != nil {
			s.close()
			return nil, fmt.Errorf("source %s: %w", name, err)
		}
		registry.Register(name, p)
	}

	identities := identity.NewProvider(identity.DefaultProfiles(), time.Now().UnixNano())
	classifier := fetch.NewClassifier(cfg.Crawl.RateLimitStatuses, cfg.Crawl.CaptchaMarkers)

	var limiter fetch.HostLimiter
	if s.rdb != nil && cfg.Crawl.RateLimit > 0 {
		limiter = ratelimit.NewRedisRateLimiter(s.rdb, logger, ratelimit.DefaultKey, cfg.Crawl.RateLimit, cfg.Crawl.RateBurst)
		logger.Info("rate limiter enabled",
			slog.Float64("rate", cfg.Crawl.RateLimit),
			slog.Float64("burst", cfg.Crawl.RateBurst))
	}

	rotator := &fetch.SessionRotator{Identities: identities, Logger: logger}
	var base fetch.Fetcher
	switch cfg.Browser.Engine {
	case config.EngineHTTP:
		base = fetch.NewHTTPFetcher(identities, classifier, limiter, cfg.Browser.PageTimeout, logger)
	default:
		s.sessions = browser.NewManager(browser.NewRodLauncher(cfg.Browser, logger), logger)
		rotator.Sessions = s.sessions
		base = fetch.NewRodFetcher(s.sessions, identities, classifier, limiter, cfg.Browser, logger)
	}

	policy := &fetch.Policy{
		MaxAttempts:       cfg.Crawl.MaxAttempts,
		BaseDelay:         cfg.Crawl.BaseDelay,
		CaptchaMultiplier: cfg.Crawl.CaptchaMultiplier,
		JitterRatio:       cfg.Crawl.JitterRatio,
		Rotator:           rotator,
		Logger:            logger,
	}
	crawler := NewCrawler(policy.Wrap(base), registry, policy.Jitter, cfg.Location(), logger)
	s.collector = NewCollector(crawler, syncer.NewEngine(db, logger), cfg.Sources, cfg.Crawl, logger)

	if s.rdb != nil && cfg.App.EnableRedisQueue {
		q, err := redisqueue.NewClientWithRedis(s.rdb)
		if err != nil {
			s.close()
			return nil, err
		}
		s.queue = q
		s.dedup = dedup.NewDeduplicator(s.rdb, cfg.App.DedupWindow)
	}

	logger.Info("collector service initialized",
		slog.String("engine", cfg.Browser.Engine),
		slog.Int("sources", len(cfg.Sources)),
		slog.Bool("redis_queue", s.queue != nil))
	return s, nil
}

// connectRedis 任务队列必须有 Redis；只用于限流时连接失败则降级为不限流。
func (s *Service) connectRedis(ctx context.Context) error {
	needQueue := s.cfg.App.EnableRedisQueue
	if !needQueue && s.cfg.Crawl.RateLimit <= 0 {
		return nil
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     s.cfg.Redis.Addr,
		Password: s.cfg.Redis.Password,
	})
	pingCtx, cancel := context.WithTimeout(ctx, redisOperationTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		if needQueue {
			return fmt.Errorf("connect redis: %w", err)
		}
		s.logger.Warn("redis unavailable, rate limiting disabled", slog.String("error", err.Error()))
		return nil
	}
	s.rdb = rdb
	return nil
}

// Collect 执行一次采集并同步。
func (s *Service) Collect(ctx context.Context, source string, opts CollectOptions) (*SyncResult, error) {
	return s.collector.Collect(ctx, source, opts)
}

// Queue 返回任务队列客户端，未启用队列时为 nil。
func (s *Service) Queue() *redisqueue.Client {
	return s.queue
}

// StartWorker 消费 Redis 中的采集任务，直到 ctx 结束。
func (s *Service) StartWorker(ctx context.Context) error {
	if s.queue == nil {
		return errors.New("redis queue is not enabled")
	}
	var d JobDeduplicator
	if s.dedup != nil {
		d = s.dedup
	}
	return NewWorker(s.queue, s.collector, d, s.cfg.App.JobTimeout, s.logger).Run(ctx)
}

// Shutdown 关闭浏览器、数据库与 Redis 连接。
func (s *Service) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down collector service...")
	done := make(chan struct{})
	go func() {
		s.close()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info("collector service shutdown completed")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown: %w", ctx.Err())
	}
}

func (s *Service) close() {
	if s.sessions != nil {
		s.sessions.Shutdown()
	}
	if s.db != nil {
		if sqlDB, err := s.db.DB(); err == nil {
			if err := sqlDB.Close(); err != nil {
				s.logger.Warn("close database failed", slog.String("error", err.Error()))
			}
		}
	}
	s.closeRedis()
}

func (s *Service) closeRedis() {
	if s.rdb == nil {
		return
	}
	if err := s.rdb.Close(); err != nil {
		s.logger.Warn("close redis failed", slog.String("error", err.Error()))
	}
	s.rdb = nil
}
