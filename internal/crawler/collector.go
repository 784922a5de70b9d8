package crawler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/andr-235/parseVK-sub000/internal/config"
	"github.com/andr-235/parseVK-sub000/internal/model"
	"github.com/andr-235/parseVK-sub000/internal/syncer"
)

const syncAfterCancelTimeout = 30 * time.Second

// ErrUnknownSource 表示来源没有配置。
var ErrUnknownSource = errors.New("unknown source")

// CollectOptions 覆盖来源配置中的默认值，零值表示使用默认值。
type CollectOptions struct {
	BaseURL        string
	MaxPages       int
	PublishedAfter *time.Time
	RequestDelay   time.Duration
}

// SyncResult 是一次采集的汇总。
//
// ScrapedCount 是去重后的列表项数量（同一 ExternalID 出现在多个起始地址时只计一次）；
// Created 与 Updated 是同步后的完整记录。
type SyncResult struct {
	Source       string          `json:"source"`
	ScrapedCount int             `json:"scrapedCount"`
	Created      []model.Listing `json:"created"`
	Updated      []model.Listing `json:"updated"`
}

// PageCrawler 由 *Crawler 实现。
type PageCrawler interface {
	Crawl(ctx context.Context, source model.Source, baseURL, pageParam string, opts Options) ([]model.NormalizedListing, error)
}

// Syncer 由 *syncer.Engine 实现。
type Syncer interface {
	Sync(ctx context.Context, source model.Source, listings []model.NormalizedListing) (*syncer.Diff, error)
}

// Collector 是采集入口：抓取来源的所有起始地址并同步一次。
type Collector struct {
	crawler  PageCrawler
	syncer   Syncer
	sources  map[model.Source]config.SourceConfig
	defaults config.CrawlConfig
	logger   *slog.Logger
}

func NewCollector(crawler PageCrawler, s Syncer, sources []config.SourceConfig, defaults config.CrawlConfig, logger *slog.Logger) *Collector {
	if logger == nil {
		logger = slog.Default()
	}
	m := make(map[model.Source]config.SourceConfig, len(sources))
	for _, sc := range sources {
		if name, err := model.ParseSource(sc.Name); err == nil {
			m[name] = sc
		}
	}
	return &Collector{
		crawler:  crawler,
		syncer:   s,
		sources:  m,
		defaults: defaults,
		logger:   logger,
	}
}

// Collect 抓取来源并把结果同步到数据库。
//
// 未指定 BaseURL 时依次抓取来源配置的全部起始地址，汇总后只同步一次。
// 浏览器会话出现致命错误时，已收集的部分仍然会被同步，然后返回该错误。
//
// 参数:
//
//	ctx: 上下文
//	source: 来源名称
//	opts: 采集选项
//
// 返回值:
//
//	*SyncResult: 抓取与同步的统计（致命错误时为部分结果）
//	error: 来源未知、同步失败或会话致命错误
func (c *Collector) Collect(ctx context.Context, source string, opts CollectOptions) (*SyncResult, error) {
	name, err := model.ParseSource(source)
	if err != nil {
		return nil, err
	}
	sc, ok := c.sources[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSource, source)
	}

	bases := sc.BaseURLs
	if opts.BaseURL != "" {
		bases = []string{opts.BaseURL}
	}
	crawlOpts := Options{
		MaxPages:       firstPositive(opts.MaxPages, sc.MaxPages, c.defaults.MaxPages),
		PublishedAfter: opts.PublishedAfter,
		RequestDelay:   firstPositiveDuration(opts.RequestDelay, sc.RequestDelay, c.defaults.RequestDelay),
	}

	logger := c.logger.With(slog.String("source", name.String()))
	logger.Info("collect started",
		slog.Int("base_urls", len(bases)),
		slog.Int("max_pages", crawlOpts.MaxPages))
	start := time.Now()

	var all []model.NormalizedListing
	var fatal error
	for _, base := range bases {
		items, err := c.crawler.Crawl(ctx, name, base, sc.PageParam, crawlOpts)
		all = append(all, items...)
		if err != nil {
			fatal = err
			break
		}
	}

	syncCtx := ctx
	if ctx.Err() != nil {
		// 取消后仍然保存已经抓到的部分
		var cancel context.CancelFunc
		syncCtx, cancel = context.WithTimeout(context.WithoutCancel(ctx), syncAfterCancelTimeout)
		defer cancel()
	}
	diff, syncErr := c.syncer.Sync(syncCtx, name, all)
	if syncErr != nil {
		logger.Error("sync failed", slog.String("error", syncErr.Error()), slog.Int("listings", len(all)))
		if fatal != nil {
			return nil, errors.Join(fatal, syncErr)
		}
		return nil, fmt.Errorf("sync %s: %w", name, syncErr)
	}

	result := &SyncResult{
		Source:       name.String(),
		ScrapedCount: countUnique(all),
		Created:      diff.Created,
		Updated:      diff.Updated,
	}
	logger.Info("collect finished",
		slog.Int("scraped", result.ScrapedCount),
		slog.Int("created", len(result.Created)),
		slog.Int("updated", len(result.Updated)),
		slog.Duration("duration", time.Since(start)))
	if fatal != nil {
		return result, fatal
	}
	return result, nil
}

// countUnique 统计不同 ExternalID 的数量，与同步引擎的批内去重保持一致。
func countUnique(listings []model.NormalizedListing) int {
	seen := make(map[string]struct{}, len(listings))
	for _, item := range listings {
		seen[item.ExternalID] = struct{}{}
	}
	return len(seen)
}

func firstPositive(values ...int) int {
	for _, v := range values {
		if v > 0 {
			return v
		}
	}
	return 0
}

func firstPositiveDuration(values ...time.Duration) time.Duration {
	for _, v := range values {
		if v > 0 {
			return v
		}
	}
	return 0
}
