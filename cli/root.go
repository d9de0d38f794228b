// Package cli bgstudio 命令行
package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/chaos-io/bgstudio/config"
	"github.com/chaos-io/bgstudio/logger"
	"github.com/spf13/cobra"
)

// GlobalOptions 所有命令共用的参数
type GlobalOptions struct {
	ConfigPath string
	Output     string

	Config *config.Config

	// Out 接收命令输出, LogOutput 接收日志 (为 nil 时写 stderr)
	Out       io.Writer
	LogOutput io.Writer
}

// NewRootCommand 创建 bgstudio 命令树
//
// 用法:
//
//	bgstudio [command] [flags]
func NewRootCommand() *cobra.Command {
	return newRootCommand(&GlobalOptions{Out: os.Stdout})
}

func newRootCommand(opts *GlobalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bgstudio",
		Short: "Product photo background removal with model selection and fallback",
		Long: `bgstudio removes backgrounds from product photos for marketplace listings.

It keeps a catalog of background removal models, picks one per request
(user choice, speed, quality, image complexity, marketplace) and falls back
along a fixed chain when a backend fails.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.load()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			_ = logger.Close()
		},
	}
	cmd.SetOut(opts.Out)

	pflags := cmd.PersistentFlags()
	pflags.StringVarP(&opts.ConfigPath, "config", "c", envOr("BGSTUDIO_CONFIG", "config.toml"), "Config file path")
	pflags.StringVarP(&opts.Output, "output", "o", "json", "Output format (json, yaml)")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewMigrateCommand(opts))
	cmd.AddCommand(NewModelsCommand(opts))
	cmd.AddCommand(NewSelectCommand(opts))
	cmd.AddCommand(NewFallbackCommand(opts))
	cmd.AddCommand(NewPolicyCommand(opts))
	cmd.AddCommand(NewRemoveCommand(opts))
	return cmd
}

// Execute 执行根命令, 出错时以非零状态退出
func Execute() {
	if err := NewRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func (o *GlobalOptions) load() error {
	if o.Output != "json" && o.Output != "yaml" {
		return fmt.Errorf("unsupported output format %q (valid: json, yaml)", o.Output)
	}

	cfg, err := config.Load(o.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	o.Config = cfg

	logger.Init(logger.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		File:       cfg.Logging.File,
		MaxSizeMB:  100,
		MaxBackups: 5,
		MaxAgeDays: 30,
		Output:     o.LogOutput,
	})
	return nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
