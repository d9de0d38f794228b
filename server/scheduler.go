package server

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/chaos-io/bgstudio/registry"
	"github.com/dustin/go-humanize"
	"github.com/robfig/cron/v3"
)

type SummaryReporter interface {
	GetSummary(ctx context.Context) registry.Summary
}

type Pruner interface {
	Prune(ctx context.Context, cutoff time.Time) (int64, error)
}

type SchedulerOptions struct {
	OutputDir string
	Retention time.Duration
}

// Scheduler 定时输出目录报告并清理输出文件
type Scheduler struct {
	cron     *cron.Cron
	reporter SummaryReporter
	pruner   Pruner
	opts     SchedulerOptions
	logger   *slog.Logger
	now      func() time.Time
}

type SchedulerOption func(*Scheduler)

func WithPruner(p Pruner) SchedulerOption {
	return func(s *Scheduler) {
		s.pruner = p
	}
}

func WithSchedulerLogger(l *slog.Logger) SchedulerOption {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithSchedulerClock(now func() time.Time) SchedulerOption {
	return func(s *Scheduler) {
		s.now = now
	}
}

func NewScheduler(reporter SummaryReporter, opts SchedulerOptions, sopts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		reporter: reporter,
		opts:     opts,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, o := range sopts {
		o(s)
	}
	cl := cronLogger{s.logger}
	s.cron = cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)))
	return s
}

// Start 注册任务并启动 cron, spec 为空的任务不注册
func (s *Scheduler) Start(reportSpec, cleanupSpec string) error {
	if reportSpec != "" {
		if _, err := s.cron.AddFunc(reportSpec, func() { s.Report(context.Background()) }); err != nil {
			return fmt.Errorf("schedule report %q: %w", reportSpec, err)
		}
	}
	if cleanupSpec != "" {
		if _, err := s.cron.AddFunc(cleanupSpec, func() {
			if _, err := s.Cleanup(context.Background()); err != nil {
				s.logger.Error("cleanup failed", "error", err)
			}
		}); err != nil {
			return fmt.Errorf("schedule cleanup %q: %w", cleanupSpec, err)
		}
	}
	s.cron.Start()
	return nil
}

// Stop 停止 cron 并等待正在运行的任务
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

func (s *Scheduler) Report(ctx context.Context) registry.Summary {
	sum := s.reporter.GetSummary(ctx)
	s.logger.InfoContext(ctx, "catalog report",
		"total_models", sum.TotalModels,
		"active_models", sum.ActiveModels,
		"providers", strings.Join(sum.Providers, ","),
		"tags", len(sum.AvailableTags),
	)
	return sum
}

type CleanupStats struct {
	FilesRemoved   int
	BytesFreed     int64
	HistoryRemoved int64
}

// Cleanup 删除超过保留期的输出 PNG, 并清理对应的历史记录
func (s *Scheduler) Cleanup(ctx context.Context) (CleanupStats, error) {
	var stats CleanupStats
	if s.opts.Retention <= 0 {
		return stats, nil
	}
	cutoff := s.now().Add(-s.opts.Retention)

	var errs []error
	if s.opts.OutputDir != "" {
		entries, err := os.ReadDir(s.opts.OutputDir)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, fmt.Errorf("read output dir: %w", err))
		}
		for _, e := range entries {
			if e.IsDir() || !strings.HasSuffix(e.Name(), ".png") {
				continue
			}
			info, err := e.Info()
			if err != nil || !info.ModTime().Before(cutoff) {
				continue
			}
			if err := os.Remove(filepath.Join(s.opts.OutputDir, e.Name())); err != nil {
				errs = append(errs, err)
				continue
			}
			stats.FilesRemoved++
			stats.BytesFreed += info.Size()
		}
	}

	if s.pruner != nil {
		n, err := s.pruner.Prune(ctx, cutoff)
		if err != nil {
			errs = append(errs, fmt.Errorf("prune history: %w", err))
		}
		stats.HistoryRemoved = n
	}

	s.logger.InfoContext(ctx, "output cleanup",
		"files_removed", stats.FilesRemoved,
		"freed", humanize.Bytes(uint64(stats.BytesFreed)),
		"history_removed", stats.HistoryRemoved,
		"older_than", humanize.Time(cutoff),
	)
	return stats, errors.Join(errs...)
}

type cronLogger struct {
	l *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
