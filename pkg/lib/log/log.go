// Package log 提供 beaconp2p 统一日志接口
//
// 基于 Go 标准库 log/slog 封装。各子系统通过 Logger(component) 获取
// 懒加载 logger，每次输出时解析当前的 slog.Default()，
// 因此宿主可在任意时刻调用 Setup 切换输出目标与级别。
package log

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

// 环境变量
const (
	// EnvLevel 日志级别（debug/info/warn/error）
	EnvLevel = "BEACONP2P_LOG_LEVEL"
	// EnvFormat 日志格式（text/json）
	EnvFormat = "BEACONP2P_LOG_FORMAT"
)

// 日志级别常量（从 slog 导出，方便使用）
const (
	LevelDebug = slog.LevelDebug
	LevelInfo  = slog.LevelInfo
	LevelWarn  = slog.LevelWarn
	LevelError = slog.LevelError
)

// Setup 设置默认 logger 的输出目标、级别与格式
func Setup(w io.Writer, level slog.Level, json bool) {
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if json {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	slog.SetDefault(slog.New(h))
}

// SetupFromEnv 按环境变量配置默认 logger，输出到 stderr
func SetupFromEnv() {
	level := ParseLevel(os.Getenv(EnvLevel))
	json := strings.EqualFold(os.Getenv(EnvFormat), "json")
	Setup(os.Stderr, level, json)
}

// ParseLevel 解析日志级别字符串，无法识别时返回 Info
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// Discard 丢弃全部日志（测试用）
func Discard() {
	slog.SetDefault(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// ============================================================================
//                              LazyLogger
// ============================================================================

// LazyLogger 懒加载 logger
//
// 使用方式：
//
//	var logger = log.Logger("core/gossipsub")
//	logger.Debug("graft", "peer", id.ShortString())
type LazyLogger struct {
	component string
}

// Logger 返回带组件名的 LazyLogger
func Logger(component string) *LazyLogger {
	return &LazyLogger{component: component}
}

func (l *LazyLogger) get() *slog.Logger {
	return slog.Default().With("component", l.component)
}

// Enabled 指定级别是否会输出
func (l *LazyLogger) Enabled(level slog.Level) bool {
	return slog.Default().Enabled(context.Background(), level)
}

// Debug 输出 Debug 级别日志
func (l *LazyLogger) Debug(msg string, args ...any) {
	l.get().Debug(msg, args...)
}

// Info 输出 Info 级别日志
func (l *LazyLogger) Info(msg string, args ...any) {
	l.get().Info(msg, args...)
}

// Warn 输出 Warn 级别日志
func (l *LazyLogger) Warn(msg string, args ...any) {
	l.get().Warn(msg, args...)
}

// Error 输出 Error 级别日志
func (l *LazyLogger) Error(msg string, args ...any) {
	l.get().Error(msg, args...)
}

// With 添加额外的属性
func (l *LazyLogger) With(args ...any) *slog.Logger {
	return l.get().With(args...)
}
