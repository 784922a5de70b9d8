package fetch

import (
	"context"
	"fmt"
)

// Fetcher 获取一个页面的 HTML。
//
// 被限流或遇到验证码时返回 *RateLimitedError（可重试），
// 其他失败返回 *FetchFailedError（不重试）。
type Fetcher interface {
	Fetch(ctx context.Context, url string) (string, error)
}

// RateLimitedError 表示请求被目标站点限流、拦截或超时。
type RateLimitedError struct {
	URL      string
	Host     string
	Status   int  // HTTP 状态码，未知时为 0
	Captcha  bool // 页面出现验证码
	Timeout  bool // 导航超时
	Attempts int  // 放弃前的尝试次数，由重试策略填写
	Err      error
}

func (e *RateLimitedError) Error() string {
	msg := fmt.Sprintf("rate limited: %s (%s", e.URL, e.Reason())
	if e.Status != 0 {
		msg += fmt.Sprintf(", status %d", e.Status)
	}
	if e.Attempts > 0 {
		msg += fmt.Sprintf(", after %d attempts", e.Attempts)
	}
	msg += ")"
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *RateLimitedError) Unwrap() error { return e.Err }

// Reason 返回用于日志与指标的拦截原因：captcha / timeout / status。
func (e *RateLimitedError) Reason() string {
	switch {
	case e.Captcha:
		return "captcha"
	case e.Timeout:
		return "timeout"
	default:
		return "status"
	}
}

// FetchFailedError 表示不可重试的获取失败（非限流的 HTTP 错误、网络错误等）。
type FetchFailedError struct {
	URL    string
	Status int
	Err    error
}

func (e *FetchFailedError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("fetch failed: %s (status %d)", e.URL, e.Status)
	}
	if e.Err != nil {
		return fmt.Sprintf("fetch failed: %s: %v", e.URL, e.Err)
	}
	return "fetch failed: " + e.URL
}

func (e *FetchFailedError) Unwrap() error { return e.Err }
