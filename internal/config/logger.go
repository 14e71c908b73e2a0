package config

import (
	"io"
	"log/slog"
	"strings"

	"github.com/m-mizutani/clog"
)

// ParseLevel 不认识的级别按 info 处理
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
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

// NewLogger 终端下用 clog 彩色输出，JSON 模式给日志采集用
func (c LogConfig) NewLogger(w io.Writer) *slog.Logger {
	level := ParseLevel(c.Level)
	if c.JSON {
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
	}
	return slog.New(clog.New(
		clog.WithWriter(w),
		clog.WithLevel(level),
		clog.WithColor(true),
	))
}
