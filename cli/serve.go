package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/chaos-io/bgstudio/server"
	"github.com/spf13/cobra"
)

// NewServeCommand 创建 serve 命令: 运行 HTTP API 以及定时的目录报告和输出清理, 直到被中断
func NewServeCommand(globalOpts *GlobalOptions) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr != "" {
				globalOpts.Config.Server.ListenAddr = addr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, globalOpts)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides server.listen_addr)")
	return cmd
}

func runServe(ctx context.Context, opts *GlobalOptions) error {
	cfg := opts.Config
	a, err := openApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		_ = a.Close()
	}()

	sched := server.NewScheduler(a.registry,
		server.SchedulerOptions{OutputDir: cfg.Output.Dir, Retention: cfg.Server.RetentionD},
		server.WithPruner(a.history), server.WithSchedulerLogger(a.logger))
	if err := sched.Start(cfg.Server.ReportSchedule, cfg.Server.CleanupSchedule); err != nil {
		return err
	}
	defer sched.Stop()

	srv := server.New(a.registry, a.policy, a.processor(), server.Options{
		MaxUploadMB:     cfg.Server.MaxUploadMB,
		OutputDir:       cfg.Output.Dir,
		FalConfigured:   cfg.Fal.APIKey != "",
		ShutdownTimeout: cfg.Server.ShutdownTimeoutD,
	}, server.WithHistory(a.history), server.WithLogger(a.logger))

	a.logger.Info("starting bgstudio", "addr", cfg.Server.ListenAddr, "db", cfg.Database.Path,
		"fallback_chain", a.policy.FallbackChain())
	return srv.Run(ctx, cfg.Server.ListenAddr)
}
