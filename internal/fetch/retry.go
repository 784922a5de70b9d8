package fetch

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/andr-235/parseVK-sub000/internal/identity"
	"github.com/andr-235/parseVK-sub000/internal/pkg/metrics"
)

// DefaultJitterRatio 是未配置时翻页间隔与退避时长的默认抖动比例（±35%）。
const DefaultJitterRatio = 0.35

// Rotator 在两次尝试之间更换访问身份。
type Rotator interface {
	Rotate(ctx context.Context)
}

// SessionResetter 由 browser.Manager 实现。
type SessionResetter interface {
	ResetContext()
}

// SessionRotator 轮换身份并丢弃当前浏览会话（cookie 一并丢弃）。
type SessionRotator struct {
	Identities *identity.Provider
	Sessions   SessionResetter
	Logger     *slog.Logger
}

func (r *SessionRotator) Rotate(context.Context) {
	var name string
	if r.Identities != nil {
		name = r.Identities.Rotate().Name
	}
	if r.Sessions != nil {
		r.Sessions.ResetContext()
	}
	metrics.IdentityRotationsTotal.Inc()
	if r.Logger != nil {
		r.Logger.Info("identity rotated", slog.String("profile", name))
	}
}

// Policy 对限流错误做线性退避重试。
//
// 第 n 次失败后等待 BaseDelay × n（验证码再乘以 CaptchaMultiplier），
// 再叠加 ±JitterRatio 的随机抖动。非限流错误直接返回。
type Policy struct {
	MaxAttempts       int
	BaseDelay         time.Duration
	CaptchaMultiplier float64
	JitterRatio       float64
	Rotator           Rotator
	Logger            *slog.Logger

	// Sleep 为空时使用可被 ctx 打断的计时器
	Sleep func(ctx context.Context, d time.Duration) error
	// Rand 为空时使用按当前时间播种的随机源
	Rand *rand.Rand

	mu sync.Mutex
}

// Delay 返回第 attempt 次失败后的基础等待时长（不含抖动）。
func (p *Policy) Delay(attempt int, captcha bool) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.BaseDelay * time.Duration(attempt)
	if captcha && p.CaptchaMultiplier > 0 {
		d = time.Duration(float64(d) * p.CaptchaMultiplier)
	}
	return d
}

// Jitter 返回 [d(1-r), d(1+r)] 区间内的随机时长。
func (p *Policy) Jitter(d time.Duration) time.Duration {
	r := p.JitterRatio
	if r <= 0 || d <= 0 {
		return d
	}
	if r > 1 {
		r = 1
	}
	p.mu.Lock()
	if p.Rand == nil {
		p.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	u := p.Rand.Float64()
	p.mu.Unlock()
	return time.Duration(float64(d) * (1 + r*(2*u-1)))
}

// Do 执行 fn，遇到 *RateLimitedError 时等待、轮换身份后重试。
//
// 参数:
//
//	ctx: 上下文，取消会打断等待
//	rawURL: 请求地址（用于日志与错误信息）
//	fn: 单次获取
//
// 返回值:
//
//	string: 页面 HTML
//	error: 最后一次的 *RateLimitedError（带尝试次数），或第一个非限流错误
func (p *Policy) Do(ctx context.Context, rawURL string, fn func(ctx context.Context) (string, error)) (string, error) {
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}

	for attempt := 1; ; attempt++ {
		html, err := fn(ctx)
		if err == nil {
			return html, nil
		}
		var rl *RateLimitedError
		if !errors.As(err, &rl) {
			return "", err
		}

		if attempt >= maxAttempts {
			final := *rl
			final.Attempts = attempt
			if final.Host == "" {
				final.Host = hostOf(rawURL)
			}
			if final.URL == "" {
				final.URL = rawURL
			}
			return "", &final
		}

		delay := p.Jitter(p.Delay(attempt, rl.Captcha))
		metrics.RetryTotal.WithLabelValues(rl.Reason()).Inc()
		logger.Warn("rate limited, backing off",
			slog.String("url", rawURL),
			slog.String("reason", rl.Reason()),
			slog.Int("status", rl.Status),
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay))

		if err := p.sleep(ctx, delay); err != nil {
			return "", err
		}
		if p.Rotator != nil {
			p.Rotator.Rotate(ctx)
		}
	}
}

// Wrap 返回带重试的 Fetcher。
func (p *Policy) Wrap(f Fetcher) Fetcher {
	return &retryingFetcher{policy: p, next: f}
}

func (p *Policy) sleep(ctx context.Context, d time.Duration) error {
	if p.Sleep != nil {
		return p.Sleep(ctx, d)
	}
	return SleepContext(ctx, d)
}

// SleepContext 等待 d 或直到 ctx 结束。
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

type retryingFetcher struct {
	policy *Policy
	next   Fetcher
}

func (r *retryingFetcher) Fetch(ctx context.Context, rawURL string) (string, error) {
	return r.policy.Do(ctx, rawURL, func(ctx context.Context) (string, error) {
		return r.next.Fetch(ctx, rawURL)
	})
}
