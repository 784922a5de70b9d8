package browser

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/andr-235/parseVK-sub000/internal/config"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
)

const pageCreateTimeout = 10 * time.Second

// RodLauncher 使用 go-rod 启动本地 Chromium。
type RodLauncher struct {
	cfg    config.BrowserConfig
	logger *slog.Logger
}

func NewRodLauncher(cfg config.BrowserConfig, logger *slog.Logger) *RodLauncher {
	if logger == nil {
		logger = slog.Default()
	}
	return &RodLauncher{cfg: cfg, logger: logger}
}

// Launch 启动浏览器进程并建立 CDP 连接。
func (r *RodLauncher) Launch(ctx context.Context) (Browser, error) {
	type result struct {
		b   *rodBrowser
		err error
	}
	ch := make(chan result, 1)
	go func() {
		b, err := r.start()
		ch <- result{b: b, err: err}
	}()

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, res.err
		}
		return res.b, nil
	case <-ctx.Done():
		// 启动完成后再回收进程
		go func() {
			if res := <-ch; res.b != nil {
				_ = res.b.Close()
			}
		}()
		return nil, fmt.Errorf("launch browser: %w", ctx.Err())
	}
}

func (r *RodLauncher) start() (*rodBrowser, error) {
	bin := r.cfg.BinPath
	if bin == "" {
		r.logger.Info("no browser binary specified, downloading default...")
		path, err := launcher.NewBrowser().Get()
		if err != nil {
			return nil, fmt.Errorf("download browser: %w", err)
		}
		bin = path
	}

	// 针对容器环境的 Flag 优化
	l := launcher.New().
		Headless(r.cfg.Headless).
		Bin(bin).
		NoSandbox(true).
		// 禁用 /dev/shm，防止容器内内存崩溃
		Set("disable-dev-shm-usage", "true").
		Set("disable-gpu", "true").
		Set("disable-software-rasterizer", "true").
		Set("disable-blink-features", "AutomationControlled").
		Set("remote-allow-origins", "*").
		Set("disk-cache-size", "1").
		Set("media-cache-size", "1").
		Set("js-flags", "--max_old_space_size=512")

	var proxyUser, proxyPass string
	if r.cfg.ProxyURL != "" {
		parsed, err := url.Parse(r.cfg.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("parse proxy url: %w", err)
		}
		if parsed.Scheme == "" || parsed.Host == "" {
			return nil, fmt.Errorf("invalid proxy url: %s", r.cfg.ProxyURL)
		}
		proxyServer := fmt.Sprintf("%s://%s", parsed.Scheme, parsed.Host)
		if parsed.User != nil {
			proxyUser = parsed.User.Username()
			proxyPass, _ = parsed.User.Password()
		}
		l = l.Proxy(proxyServer)
		r.logger.Info("using http proxy", slog.String("server", proxyServer))
	}

	wsURL, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("launch browser: %w", err)
	}

	// 浏览器生命周期由 Manager 管理，不绑定调用方的 context
	b := rod.New().ControlURL(wsURL)
	if err := b.Connect(); err != nil {
		l.Kill()
		return nil, fmt.Errorf("connect browser: %w", err)
	}
	if proxyUser != "" {
		go b.MustHandleAuth(proxyUser, proxyPass)()
		r.logger.Info("proxy authentication handler registered")
	}

	rb := &rodBrowser{b: b, l: l, done: make(chan struct{})}
	go rb.watch()
	r.logger.Info("browser started", slog.String("bin", bin), slog.Bool("headless", r.cfg.Headless))
	return rb, nil
}

type rodBrowser struct {
	b    *rod.Browser
	l    *launcher.Launcher
	done chan struct{}
}

// watch 在 CDP 事件流结束（连接断开）时关闭 done。
func (r *rodBrowser) watch() {
	for range r.b.Event() {
	}
	close(r.done)
}

func (r *rodBrowser) Done() <-chan struct{} { return r.done }

func (r *rodBrowser) NewSession(ctx context.Context) (Session, error) {
	incognito, err := r.b.Context(ctx).Incognito()
	if err != nil {
		return nil, fmt.Errorf("create incognito context: %w", err)
	}
	// 去掉创建时的 context，会话的生命周期长于单次调用
	return &rodSession{b: incognito.Context(context.Background())}, nil
}

func (r *rodBrowser) Close() error {
	err := r.b.Close()
	r.l.Kill()
	r.l.Cleanup()
	return err
}

type rodSession struct {
	b *rod.Browser
}

// Page 创建新标签页，用 select 做超时保护，页面对象不绑定短超时 context。
func (s *rodSession) Page(ctx context.Context) (*rod.Page, error) {
	type pageResult struct {
		page *rod.Page
		err  error
	}
	ch := make(chan pageResult, 1)
	go func() {
		page, err := s.b.Context(ctx).Page(proto.TargetCreateTarget{URL: ""})
		ch <- pageResult{page: page, err: err}
	}()
	// 超时返回后，迟到的页面在后台关闭
	abandon := func() {
		go func() {
			if res := <-ch; res.page != nil {
				_ = res.page.Close()
			}
		}()
	}

	timer := time.NewTimer(pageCreateTimeout)
	defer timer.Stop()
	select {
	case res := <-ch:
		if res.err != nil {
			return nil, fmt.Errorf("create page: %w", res.err)
		}
		return res.page, nil
	case <-timer.C:
		abandon()
		return nil, fmt.Errorf("create page timeout after %v", pageCreateTimeout)
	case <-ctx.Done():
		abandon()
		return nil, fmt.Errorf("context cancelled during page creation: %w", ctx.Err())
	}
}

// Close 释放隐身上下文及其所有页面。
func (s *rodSession) Close() error {
	return s.b.Close()
}
