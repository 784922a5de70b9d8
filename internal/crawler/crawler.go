package crawler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/andr-235/parseVK-sub000/internal/browser"
	"github.com/andr-235/parseVK-sub000/internal/fetch"
	"github.com/andr-235/parseVK-sub000/internal/model"
	"github.com/andr-235/parseVK-sub000/internal/parser"
)

// Options 控制一次分页抓取。
type Options struct {
	MaxPages       int
	PublishedAfter *time.Time // 为空表示不截断
	RequestDelay   time.Duration
}

// ParserLookup 由 parser.Registry 实现。
type ParserLookup interface {
	Get(source model.Source) (parser.Parser, error)
}

// Crawler 逐页抓取一个来源的列表页。
type Crawler struct {
	fetcher fetch.Fetcher
	parsers ParserLookup
	jitter  func(time.Duration) time.Duration
	logger  *slog.Logger
	loc     *time.Location

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

// NewCrawler 创建分页抓取器。
//
// 参数:
//
//	fetcher: 页面获取器（通常已由重试策略包装）
//	parsers: 来源到解析器的映射
//	jitter: 翻页间隔的抖动函数，为空时不抖动
//	loc: 解析相对日期使用的时区
//	logger: 日志记录器
func NewCrawler(fetcher fetch.Fetcher, parsers ParserLookup, jitter func(time.Duration) time.Duration, loc *time.Location, logger *slog.Logger) *Crawler {
	if logger == nil {
		logger = slog.Default()
	}
	if loc == nil {
		loc = time.Local
	}
	if jitter == nil {
		jitter = func(d time.Duration) time.Duration { return d }
	}
	return &Crawler{
		fetcher: fetcher,
		parsers: parsers,
		jitter:  jitter,
		logger:  logger,
		loc:     loc,
		sleep:   fetch.SleepContext,
		now:     time.Now,
	}
}

// Crawl 从 baseURL 开始逐页抓取，返回去重后的规范化列表项。
//
// 列表页假定按发布时间倒序：遇到早于 PublishedAfter 的列表项后，本页其余项不再接收，
// 并且不再请求后续页面。同一次抓取中同一 ExternalID 只保留第一次出现。
//
// 限流重试耗尽、不可重试的获取失败与解析失败只会提前结束抓取，已收集的结果正常返回。
// 浏览器启动失败与 context 取消返回已收集的结果和错误。
//
// 参数:
//
//	ctx: 上下文
//	source: 来源
//	baseURL: 第一页地址
//	pageParam: 页码参数名
//	opts: 抓取选项
//
// 返回值:
//
//	[]model.NormalizedListing: 收集到的列表项
//	error: 致命错误
func (c *Crawler) Crawl(ctx context.Context, source model.Source, baseURL, pageParam string, opts Options) ([]model.NormalizedListing, error) {
	p, err := c.parsers.Get(source)
	if err != nil {
		return nil, err
	}
	maxPages := opts.MaxPages
	if maxPages < 1 {
		maxPages = 1
	}

	logger := c.logger.With(slog.String("source", source.String()))
	seen := make(map[string]struct{})
	var results []model.NormalizedListing

	for page := 1; page <= maxPages; page++ {
		pageURL := BuildPageURL(baseURL, pageParam, page)

		html, err := c.fetcher.Fetch(ctx, pageURL)
		if err != nil {
			if fatal := c.fatal(ctx, err); fatal != nil {
				logger.Error("crawl aborted",
					slog.Int("page", page),
					slog.String("url", pageURL),
					slog.String("error", err.Error()))
				return results, fatal
			}
			logger.Warn("stop crawling after fetch error",
				slog.Int("page", page),
				slog.String("url", pageURL),
				slog.String("error", err.Error()),
				slog.Int("collected", len(results)))
			return results, nil
		}

		parsed, err := p.Parse(html, pageURL)
		if err != nil {
			logger.Warn("stop crawling after parse error",
				slog.Int("page", page),
				slog.String("url", pageURL),
				slog.String("error", err.Error()))
			return results, nil
		}

		now := c.now().In(c.loc)
		accepted := 0
		shouldStop := false
		for _, raw := range parsed.Listings {
			item, err := parser.Normalize(source, raw, pageURL, now)
			if err != nil {
				logger.Debug("listing dropped",
					slog.String("external_id", raw.ExternalID),
					slog.String("error", err.Error()))
				continue
			}
			if opts.PublishedAfter != nil && item.PublishedAt.Before(*opts.PublishedAfter) {
				shouldStop = true
				break
			}
			if _, dup := seen[item.ExternalID]; dup {
				continue
			}
			seen[item.ExternalID] = struct{}{}
			results = append(results, item)
			accepted++
		}

		logger.Info("page crawled",
			slog.Int("page", page),
			slog.String("url", pageURL),
			slog.Int("listings", len(parsed.Listings)),
			slog.Int("accepted", accepted),
			slog.Int("skipped", parsed.Skipped),
			slog.Bool("has_next", parsed.HasNextPage),
			slog.Bool("cutoff_reached", shouldStop))

		if !parsed.HasNextPage || shouldStop || page == maxPages {
			break
		}

		if delay := c.jitter(opts.RequestDelay); delay > 0 {
			if err := c.sleep(ctx, delay); err != nil {
				return results, err
			}
		}
	}
	return results, nil
}

// fatal 返回需要中止整个采集的错误，其余错误只结束本次分页。
func (c *Crawler) fatal(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if errors.Is(err, browser.ErrLaunch) || errors.Is(err, browser.ErrClosed) {
		return fmt.Errorf("browser session: %w", err)
	}
	return nil
}
