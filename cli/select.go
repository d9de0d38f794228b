package cli

import (
	"fmt"

	"github.com/chaos-io/bgstudio/selection"
	"github.com/spf13/cobra"
)

// SelectOptions select 命令的参数
type SelectOptions struct {
	*GlobalOptions

	Model       string
	Marketplace string
	Complexity  float64
	Fast        bool
	Quality     bool
}

// NewSelectCommand 创建 select 命令: 只输出策略会选用的模型, 不做处理
func NewSelectCommand(globalOpts *GlobalOptions) *cobra.Command {
	opts := &SelectOptions{GlobalOptions: globalOpts}

	cmd := &cobra.Command{
		Use:   "select",
		Short: "Explain which model a request would use",
		Example: `  # Automatic selection for a complex image
  bgstudio select --complexity 0.85

  # Explicit model choice
  bgstudio select --model flux-kontext-lora-v1`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			req := selection.Request{
				UserModelID:        opts.Model,
				Marketplace:        opts.Marketplace,
				RequireFast:        opts.Fast,
				RequireHighQuality: opts.Quality,
			}
			if cmd.Flags().Changed("complexity") {
				if opts.Complexity < 0 || opts.Complexity > 1 {
					return fmt.Errorf("complexity must be within [0, 1], got %v", opts.Complexity)
				}
				c := opts.Complexity
				req.ImageComplexity = &c
			}

			a, err := openApp(cmd.Context(), opts.Config)
			if err != nil {
				return err
			}
			defer func() {
				_ = a.Close()
			}()
			return opts.printResult(a.policy.SelectModel(cmd.Context(), req))
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&opts.Model, "model", "", "Requested model id")
	flags.StringVar(&opts.Marketplace, "marketplace", "", "Target marketplace")
	flags.Float64Var(&opts.Complexity, "complexity", 0, "Image complexity in [0, 1]")
	flags.BoolVar(&opts.Fast, "fast", false, "Prefer a fast model")
	flags.BoolVar(&opts.Quality, "quality", false, "Prefer a high quality model")
	return cmd
}

// NewFallbackCommand 创建 fallback 命令: 输出替代失败模型的回退模型
func NewFallbackCommand(globalOpts *GlobalOptions) *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "fallback <failed-model-id>",
		Short: "Show the fallback for a failed model",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), globalOpts.Config)
			if err != nil {
				return err
			}
			defer func() {
				_ = a.Close()
			}()
			return globalOpts.printResult(a.policy.GetFallbackModel(cmd.Context(), args[0], reason))
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "unknown error", "Failure reason recorded in the result")
	return cmd
}

func NewPolicyCommand(globalOpts *GlobalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "policy",
		Short: "Describe the selection policy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), globalOpts.Config)
			if err != nil {
				return err
			}
			defer func() {
				_ = a.Close()
			}()
			return globalOpts.printResult(a.policy.ExplainSelectionPolicy())
		},
	}
}
