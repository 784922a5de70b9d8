package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// NewDefault 创建输出到标准输出的文本日志记录器。
//
// 参数:
//
//	level: 日志级别字符串（debug / info / warn / error），无法识别时回退为 info
//
// 返回值:
//
//	*slog.Logger: 日志记录器
func NewDefault(level string) *slog.Logger {
	return New(os.Stdout, level)
}

// New 创建写入 w 的文本日志记录器。
func New(w io.Writer, level string) *slog.Logger {
	handler := slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: ParseLevel(level),
	})
	return slog.New(handler)
}

// ParseLevel 将配置中的级别字符串转换为 slog.Level。
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Discard 返回丢弃所有输出的日志记录器，供测试与可选依赖使用。
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
