// Package logger 配置进程级 slog logger, 并通过 context 传递 request id 和 job id
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

type contextKey int

const (
	requestIDKey contextKey = iota
	jobIDKey
)

var (
	mu            sync.RWMutex
	defaultLogger *slog.Logger
	closer        io.Closer
)

type Config struct {
	Level  string // debug, info, warn, error
	Format string // text, json

	// File 非空时写入按大小轮转的日志文件, 而不是 stderr
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int

	// Output 优先于 stderr 和 File
	Output    io.Writer
	AddSource bool
}

// New 根据 cfg 创建 logger, 只有打开了日志文件时 closer 才不为 nil
func New(cfg Config) (*slog.Logger, io.Closer) {
	var (
		out io.Writer = os.Stderr
		c   io.Closer
	)
	switch {
	case cfg.Output != nil:
		out = cfg.Output
	case cfg.File != "":
		lj := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		}
		out, c = lj, lj
	}

	opts := &slog.HandlerOptions{
		Level:     ParseLevel(cfg.Level),
		AddSource: cfg.AddSource,
	}

	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}
	return slog.New(handler), c
}

// Init 替换默认 logger, 并关闭之前打开的日志文件
func Init(cfg Config) *slog.Logger {
	l, c := New(cfg)

	mu.Lock()
	prev := closer
	defaultLogger, closer = l, c
	mu.Unlock()

	if prev != nil {
		_ = prev.Close()
	}
	slog.SetDefault(l)
	return l
}

// Close 关闭 Init 打开的日志文件
func Close() error {
	mu.Lock()
	c := closer
	closer = nil
	mu.Unlock()
	if c == nil {
		return nil
	}
	return c.Close()
}

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

// Default 返回 Init 设置的 logger, 未初始化时返回 slog.Default
func Default() *slog.Logger {
	mu.RLock()
	l := defaultLogger
	mu.RUnlock()
	if l == nil {
		return slog.Default()
	}
	return l
}

// WithContext 在 base (为 nil 时用 Default) 上附加 ctx 中的 id
func WithContext(ctx context.Context, base *slog.Logger) *slog.Logger {
	l := base
	if l == nil {
		l = Default()
	}
	if id := RequestID(ctx); id != "" {
		l = l.With("request_id", id)
	}
	if id := JobID(ctx); id != "" {
		l = l.With("job_id", id)
	}
	return l
}

func SetRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

func SetJobID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, jobIDKey, id)
}

func JobID(ctx context.Context) string {
	id, _ := ctx.Value(jobIDKey).(string)
	return id
}
