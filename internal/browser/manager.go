package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/andr-235/parseVK-sub000/internal/pkg/metrics"

	"github.com/go-rod/rod"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrLaunch 表示浏览器或会话无法创建，属于致命错误，调用方应停止本次采集。
	ErrLaunch = errors.New("browser launch failed")
	// ErrClosed 表示管理器已经关闭。
	ErrClosed = errors.New("browser manager closed")
)

const browserInitTimeout = 30 * time.Second

// Session 是一个隔离的浏览上下文（独立的 cookie 与缓存）。
type Session interface {
	// Page 在会话中打开一个新标签页，调用方负责关闭。
	Page(ctx context.Context) (*rod.Page, error)
	Close() error
}

// Browser 是一个已启动的浏览器进程。
type Browser interface {
	NewSession(ctx context.Context) (Session, error)
	Close() error
	// Done 在浏览器断开连接后关闭。
	Done() <-chan struct{}
}

// Launcher 负责启动浏览器进程。
type Launcher interface {
	Launch(ctx context.Context) (Browser, error)
}

// Manager 惰性持有至多一个浏览器与一个会话。
//
// 并发调用 Context 只会触发一次启动；浏览器断开后句柄被清空，下次调用重新启动。
type Manager struct {
	launcher Launcher
	logger   *slog.Logger
	group    singleflight.Group

	mu      sync.Mutex
	browser Browser
	session Session
	closed  bool
}

func NewManager(launcher Launcher, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{launcher: launcher, logger: logger}
}

// Context 返回当前会话，必要时启动浏览器并创建会话。
//
// 参数:
//
//	ctx: 上下文
//
// 返回值:
//
//	Session: 可用的会话
//	error: 启动失败返回包装了 ErrLaunch 的错误
func (m *Manager) Context(ctx context.Context) (Session, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	if m.session != nil {
		s := m.session
		m.mu.Unlock()
		return s, nil
	}
	m.mu.Unlock()

	v, err, _ := m.group.Do("session", func() (interface{}, error) {
		return m.ensureSession(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(Session), nil
}

func (m *Manager) ensureSession(ctx context.Context) (Session, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	if m.session != nil {
		s := m.session
		m.mu.Unlock()
		return s, nil
	}
	b := m.browser
	m.mu.Unlock()

	// 启动过程由多个调用方共享，不随单个调用方取消
	initCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), browserInitTimeout)
	defer cancel()

	if b == nil {
		m.logger.Info("launching browser")
		launched, err := m.launcher.Launch(initCtx)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrLaunch, err)
		}
		metrics.BrowserLaunchesTotal.Inc()
		b = launched

		m.mu.Lock()
		m.browser = b
		m.mu.Unlock()
		go m.watch(b)
	}

	s, err := b.NewSession(initCtx)
	if err != nil {
		return nil, fmt.Errorf("%w: create session: %v", ErrLaunch, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || m.browser != b {
		// 创建期间浏览器已关闭或被替换
		_ = s.Close()
		if m.closed {
			return nil, ErrClosed
		}
		return nil, fmt.Errorf("%w: browser disconnected during session setup", ErrLaunch)
	}
	m.session = s
	m.logger.Debug("browser session created")
	return s, nil
}

// watch 在浏览器断开后清空句柄。
func (m *Manager) watch(b Browser) {
	<-b.Done()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.browser == b {
		m.browser = nil
		m.session = nil
		if !m.closed {
			m.logger.Warn("browser disconnected")
		}
	}
}

// ResetContext 关闭当前会话（保留浏览器），下次 Context 会创建新会话。
// 关闭失败只记录日志。
func (m *Manager) ResetContext() {
	m.mu.Lock()
	s := m.session
	m.session = nil
	m.mu.Unlock()

	if s == nil {
		return
	}
	if err := s.Close(); err != nil {
		m.logger.Debug("close session failed", slog.String("error", err.Error()))
	}
}

// Shutdown 依次关闭会话与浏览器，尽力而为。
func (m *Manager) Shutdown() {
	m.mu.Lock()
	m.closed = true
	s, b := m.session, m.browser
	m.session, m.browser = nil, nil
	m.mu.Unlock()

	if s != nil {
		if err := s.Close(); err != nil {
			m.logger.Warn("close session failed", slog.String("error", err.Error()))
		}
	}
	if b != nil {
		if err := b.Close(); err != nil {
			m.logger.Warn("close browser failed", slog.String("error", err.Error()))
		}
	}
	m.logger.Info("browser manager shut down")
}
