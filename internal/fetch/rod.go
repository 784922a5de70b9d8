package fetch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/andr-235/parseVK-sub000/internal/browser"
	"github.com/andr-235/parseVK-sub000/internal/config"
	"github.com/andr-235/parseVK-sub000/internal/identity"
	"github.com/andr-235/parseVK-sub000/internal/pkg/metrics"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
)

const (
	stealthScriptTimeout  = 5 * time.Second
	rateLimitMaxWait      = 30 * time.Second
	htmlReadTimeout       = 10 * time.Second
	statusWaitTimeout     = 2 * time.Second
	manualPollInterval    = 2 * time.Second
	defaultNavigationWait = 45 * time.Second
)

// 屏蔽高带宽资源与广告追踪，只保留文档与脚本
var blockedURLs = []string{
	"*.png", "*.jpg", "*.jpeg", "*.gif", "*.webp", "*.svg", "*.ico", "*.avif",
	"*.woff", "*.woff2", "*.ttf", "*.eot", "*.otf",
	"*.mp4", "*.webm", "*.mp3",
	"*google-analytics*",
	"*googletagmanager*",
	"*doubleclick*",
	"*mc.yandex.ru*",
	"*an.yandex.ru*",
	"*top-fwz1.mail.ru*",
	"*vk.com/rtrg*",
	"*criteo*",
	"*sentry*",
}

// SessionProvider 由 browser.Manager 实现。
type SessionProvider interface {
	Context(ctx context.Context) (browser.Session, error)
	ResetContext()
}

// HostLimiter 由 ratelimit.RateLimiter 实现。
type HostLimiter interface {
	AcquireHost(ctx context.Context, host string) error
}

// RodFetcher 在浏览器中渲染页面。
type RodFetcher struct {
	sessions   SessionProvider
	identities *identity.Provider
	classifier *Classifier
	limiter    HostLimiter
	logger     *slog.Logger

	pageTimeout time.Duration
	manual      bool
	manualWait  time.Duration
}

// NewRodFetcher 创建浏览器抓取器。limiter 可以为 nil。
//
// 参数:
//
//	sessions: 会话管理器
//	identities: 身份提供者，决定 UA、请求头与种子 cookie
//	classifier: 限流判定
//	limiter: 按主机限流，可为 nil
//	cfg: 浏览器配置（导航超时、人工处理模式）
//	logger: 日志记录器
func NewRodFetcher(sessions SessionProvider, identities *identity.Provider, classifier *Classifier, limiter HostLimiter, cfg config.BrowserConfig, logger *slog.Logger) *RodFetcher {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.PageTimeout
	if timeout <= 0 {
		timeout = defaultNavigationWait
	}
	return &RodFetcher{
		sessions:    sessions,
		identities:  identities,
		classifier:  classifier,
		limiter:     limiter,
		logger:      logger,
		pageTimeout: timeout,
		// 无头模式下没人能处理验证码
		manual:     cfg.ManualIntervention && !cfg.Headless,
		manualWait: cfg.ManualWait,
	}
}

// Fetch 打开新标签页加载 url 并返回渲染后的 HTML，标签页总会被关闭。
func (f *RodFetcher) Fetch(ctx context.Context, rawURL string) (string, error) {
	start := time.Now()
	host := hostOf(rawURL)

	html, err := f.fetch(ctx, rawURL, host)

	metrics.FetchDuration.WithLabelValues("rod").Observe(time.Since(start).Seconds())
	metrics.PagesFetchedTotal.WithLabelValues(host, resultLabel(err)).Inc()
	return html, err
}

func (f *RodFetcher) fetch(ctx context.Context, rawURL, host string) (string, error) {
	waitForToken(ctx, f.limiter, host, f.logger)
	if err := ctx.Err(); err != nil {
		return "", err
	}

	session, err := f.sessions.Context(ctx)
	if err != nil {
		return "", err
	}
	page, err := session.Page(ctx)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		// 会话可能已失效，下次重新创建
		f.sessions.ResetContext()
		return "", &FetchFailedError{URL: rawURL, Err: err}
	}
	metrics.BrowserActivePages.Inc()
	defer func() {
		metrics.BrowserActivePages.Dec()
		_ = page.Close()
	}()

	if err := applyStealth(ctx, page); err != nil {
		return "", &FetchFailedError{URL: rawURL, Err: err}
	}
	if err := (proto.NetworkSetBlockedURLs{Urls: blockedURLs}).Call(page); err != nil {
		f.logger.Warn("set blocked urls failed", slog.String("error", err.Error()))
	}
	f.applyIdentity(page, host)

	f.logger.Debug("loading page", slog.String("url", rawURL))
	status, err := f.navigate(ctx, page, rawURL)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return "", &RateLimitedError{URL: rawURL, Host: host, Timeout: true, Err: err}
		}
		return "", &FetchFailedError{URL: rawURL, Err: err}
	}

	html, err := readHTML(page)
	if err != nil {
		return "", &FetchFailedError{URL: rawURL, Status: status, Err: err}
	}

	cerr := f.classifier.Classify(rawURL, status, html)
	var rl *RateLimitedError
	if cerr != nil && errors.As(cerr, &rl) && rl.Captcha && f.manual {
		if resolved, ok := f.awaitOperator(ctx, page, rawURL); ok {
			return resolved, nil
		}
	}
	if cerr != nil {
		return "", cerr
	}

	f.logger.Debug("page loaded", slog.String("url", rawURL), slog.Int("status", status), slog.Int("bytes", len(html)))
	return html, nil
}

func (f *RodFetcher) applyIdentity(page *rod.Page, host string) {
	if f.identities == nil {
		return
	}
	profile := f.identities.Active()
	if err := page.SetUserAgent(&proto.NetworkSetUserAgentOverride{
		UserAgent:      profile.UserAgent,
		AcceptLanguage: profile.AcceptLanguage,
		Platform:       profile.Platform,
	}); err != nil {
		f.logger.Warn("set user agent failed", slog.String("error", err.Error()))
	}

	var headers []string
	for k, v := range profile.Headers() {
		headers = append(headers, k, v)
	}
	if len(headers) > 0 {
		if _, err := page.SetExtraHeaders(headers); err != nil {
			f.logger.Warn("set extra headers failed", slog.String("error", err.Error()))
		}
	}

	seeds := f.identities.SeedCookies(host)
	if len(seeds) == 0 {
		return
	}
	params := make([]*proto.NetworkCookieParam, 0, len(seeds))
	for _, c := range seeds {
		params = append(params, &proto.NetworkCookieParam{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Secure:   c.Secure,
			HTTPOnly: c.HTTPOnly,
		})
	}
	if err := page.SetCookies(params); err != nil {
		f.logger.Warn("set cookies failed", slog.String("error", err.Error()))
	}
}

// navigate 加载页面并返回主文档的 HTTP 状态码（未捕获到时为 0）。
func (f *RodFetcher) navigate(ctx context.Context, page *rod.Page, rawURL string) (int, error) {
	navCtx, cancel := context.WithTimeout(ctx, f.pageTimeout)
	defer cancel()
	p := page.Context(navCtx)

	var (
		mu     sync.Mutex
		status int
	)
	statusDone := make(chan struct{})
	wait := p.EachEvent(func(e *proto.NetworkResponseReceived) bool {
		if e.Type != proto.NetworkResourceTypeDocument || e.Response == nil {
			return false
		}
		mu.Lock()
		status = e.Response.Status
		mu.Unlock()
		return true
	})
	go func() {
		wait()
		close(statusDone)
	}()

	// 在 goroutine 中导航，浏览器卡住时由外层 select 返回
	navErrCh := make(chan error, 1)
	go func() {
		if err := p.Navigate(rawURL); err != nil {
			navErrCh <- err
			return
		}
		navErrCh <- p.WaitLoad()
	}()

	select {
	case err := <-navErrCh:
		if err != nil {
			if navCtx.Err() != nil {
				return 0, fmt.Errorf("navigate: %w", navCtx.Err())
			}
			return 0, fmt.Errorf("navigate: %w", err)
		}
	case <-navCtx.Done():
		return 0, fmt.Errorf("navigate timeout: %w", navCtx.Err())
	}

	select {
	case <-statusDone:
	case <-time.After(statusWaitTimeout):
	}
	mu.Lock()
	defer mu.Unlock()
	return status, nil
}

// awaitOperator 等待人工在有界面的浏览器中完成验证码。
func (f *RodFetcher) awaitOperator(ctx context.Context, page *rod.Page, rawURL string) (string, bool) {
	wait := f.manualWait
	if wait <= 0 {
		return "", false
	}
	f.logger.Warn("captcha detected, waiting for manual intervention",
		slog.String("url", rawURL),
		slog.Duration("max_wait", wait))

	deadline := time.Now().Add(wait)
	for time.Now().Before(deadline) {
		if err := SleepContext(ctx, manualPollInterval); err != nil {
			return "", false
		}
		html, err := readHTML(page)
		if err != nil {
			continue
		}
		if !f.classifier.HasCaptcha(html) {
			f.logger.Info("captcha resolved manually", slog.String("url", rawURL))
			return html, true
		}
	}
	f.logger.Warn("manual intervention timed out", slog.String("url", rawURL))
	return "", false
}

// applyStealth 注入 stealth 脚本，只用 select 做超时保护。
func applyStealth(ctx context.Context, page *rod.Page) error {
	timer := time.NewTimer(stealthScriptTimeout)
	defer timer.Stop()
	done := make(chan error, 1)
	go func() {
		_, err := page.EvalOnNewDocument(stealth.JS)
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("apply stealth script: %w", err)
		}
		return nil
	case <-timer.C:
		return fmt.Errorf("apply stealth script timeout after %v", stealthScriptTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func readHTML(page *rod.Page) (string, error) {
	html, err := page.Timeout(htmlReadTimeout).HTML()
	if err != nil {
		return "", fmt.Errorf("read html: %w", err)
	}
	return html, nil
}

// waitForToken 等待主机令牌；限流器故障时放行请求（降级策略）。
func waitForToken(ctx context.Context, limiter HostLimiter, host string, logger *slog.Logger) {
	if limiter == nil {
		return
	}
	waitCtx, cancel := context.WithTimeout(ctx, rateLimitMaxWait)
	defer cancel()
	if err := limiter.AcquireHost(waitCtx, host); err != nil && ctx.Err() == nil {
		logger.Warn("rate limit degraded, allowing request",
			slog.String("host", host),
			slog.String("error", err.Error()))
	}
}

func resultLabel(err error) string {
	if err == nil {
		return "ok"
	}
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		switch {
		case rl.Captcha:
			return "captcha"
		case rl.Timeout:
			return "timeout"
		}
		return "rate_limited"
	}
	return "failed"
}
