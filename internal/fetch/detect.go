package fetch

import (
	"net/url"
	"strings"
)

// Classifier 根据状态码与页面内容判断一次响应是否被限流。
type Classifier struct {
	statuses map[int]bool
	markers  []string
}

// NewClassifier 创建分类器，markers 按小写匹配。
func NewClassifier(statuses []int, markers []string) *Classifier {
	c := &Classifier{statuses: make(map[int]bool, len(statuses))}
	for _, s := range statuses {
		c.statuses[s] = true
	}
	for _, m := range markers {
		m = strings.ToLower(strings.TrimSpace(m))
		if m != "" {
			c.markers = append(c.markers, m)
		}
	}
	return c
}

// Classify 返回 nil 表示响应可用。
//
// 参数:
//
//	rawURL: 请求地址
//	status: HTTP 状态码，未知时传 0
//	body: 页面 HTML
//
// 返回值:
//
//	error: *RateLimitedError 或 *FetchFailedError
func (c *Classifier) Classify(rawURL string, status int, body string) error {
	if c.statuses[status] {
		return &RateLimitedError{URL: rawURL, Host: hostOf(rawURL), Status: status}
	}
	if status >= 400 {
		return &FetchFailedError{URL: rawURL, Status: status}
	}
	if c.HasCaptcha(body) {
		return &RateLimitedError{URL: rawURL, Host: hostOf(rawURL), Status: status, Captcha: true}
	}
	return nil
}

// HasCaptcha 检查页面是否包含验证码标记。
func (c *Classifier) HasCaptcha(body string) bool {
	if len(c.markers) == 0 || body == "" {
		return false
	}
	return containsAny(strings.ToLower(body), c.markers)
}

// containsAny 检查文本是否包含任意一个关键词
func containsAny(text string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(text, kw) {
			return true
		}
	}
	return false
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}
