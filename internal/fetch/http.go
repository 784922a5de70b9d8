package fetch

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/andr-235/parseVK-sub000/internal/identity"
	"github.com/andr-235/parseVK-sub000/internal/pkg/metrics"

	"github.com/gocolly/colly/v2"
)

// HTTPFetcher 直接请求页面，不执行脚本，用于服务端渲染的站点。
type HTTPFetcher struct {
	identities *identity.Provider
	classifier *Classifier
	limiter    HostLimiter
	timeout    time.Duration
	logger     *slog.Logger
}

func NewHTTPFetcher(identities *identity.Provider, classifier *Classifier, limiter HostLimiter, timeout time.Duration, logger *slog.Logger) *HTTPFetcher {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = defaultNavigationWait
	}
	return &HTTPFetcher{
		identities: identities,
		classifier: classifier,
		limiter:    limiter,
		timeout:    timeout,
		logger:     logger,
	}
}

// Fetch 每次请求使用新的 collector，身份与 cookie 取自当前活动身份。
func (f *HTTPFetcher) Fetch(ctx context.Context, rawURL string) (string, error) {
	start := time.Now()
	host := hostOf(rawURL)

	html, err := f.fetch(ctx, rawURL, host)

	metrics.FetchDuration.WithLabelValues("http").Observe(time.Since(start).Seconds())
	metrics.PagesFetchedTotal.WithLabelValues(host, resultLabel(err)).Inc()
	return html, err
}

func (f *HTTPFetcher) fetch(ctx context.Context, rawURL, host string) (string, error) {
	waitForToken(ctx, f.limiter, host, f.logger)
	if err := ctx.Err(); err != nil {
		return "", err
	}

	var profile identity.Profile
	if f.identities != nil {
		profile = f.identities.Active()
	}

	opts := []colly.CollectorOption{
		colly.AllowURLRevisit(),
		colly.IgnoreRobotsTxt(),
		colly.StdlibContext(ctx),
	}
	if profile.UserAgent != "" {
		opts = append(opts, colly.UserAgent(profile.UserAgent))
	}
	c := colly.NewCollector(opts...)
	c.SetRequestTimeout(f.timeout)
	// 4xx/5xx 也交给 OnResponse，由分类器判定
	c.ParseHTTPErrorResponse = true

	if f.identities != nil {
		seeds := f.identities.SeedCookies(host)
		cookies := make([]*http.Cookie, 0, len(seeds))
		for _, s := range seeds {
			cookies = append(cookies, &http.Cookie{
				Name:     s.Name,
				Value:    s.Value,
				Path:     s.Path,
				Secure:   s.Secure,
				HttpOnly: s.HTTPOnly,
			})
		}
		if len(cookies) > 0 {
			if err := c.SetCookies(rawURL, cookies); err != nil {
				f.logger.Warn("set cookies failed", slog.String("error", err.Error()))
			}
		}
	}

	var (
		status int
		body   string
		reqErr error
	)
	headers := profile.Headers()
	c.OnRequest(func(r *colly.Request) {
		r.Headers.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
		for k, v := range headers {
			r.Headers.Set(k, v)
		}
	})
	c.OnResponse(func(r *colly.Response) {
		status = r.StatusCode
		body = string(r.Body)
	})
	c.OnError(func(r *colly.Response, err error) {
		reqErr = err
		if r != nil {
			status = r.StatusCode
		}
	})

	f.logger.Debug("requesting page", slog.String("url", rawURL))
	if err := c.Visit(rawURL); err != nil && reqErr == nil {
		reqErr = err
	}

	if reqErr != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		var ne net.Error
		if errors.As(reqErr, &ne) && ne.Timeout() {
			return "", &RateLimitedError{URL: rawURL, Host: host, Timeout: true, Err: reqErr}
		}
		if status != 0 {
			// 状态码也要经过分类器，限流状态码仍然可以重试
			if err := f.classifier.Classify(rawURL, status, body); err != nil {
				return "", err
			}
		}
		return "", &FetchFailedError{URL: rawURL, Status: status, Err: reqErr}
	}

	if err := f.classifier.Classify(rawURL, status, body); err != nil {
		return "", err
	}
	return body, nil
}
