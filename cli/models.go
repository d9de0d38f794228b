package cli

import (
	"fmt"

	"github.com/chaos-io/bgstudio/catalog"
	"github.com/spf13/cobra"
)

// ModelsOptions models 命令的参数
type ModelsOptions struct {
	*GlobalOptions

	// All 包含未启用的模型
	All bool

	Tag         string
	Marketplace string
}

// NewModelsCommand 创建 models 命令及其子命令
//
// 用法:
//
//	bgstudio models [--all] [--tag TAG] [--marketplace NAME]
//	bgstudio models show <id>
//	bgstudio models summary
//	bgstudio models schema
func NewModelsCommand(globalOpts *GlobalOptions) *cobra.Command {
	opts := &ModelsOptions{GlobalOptions: globalOpts}

	cmd := &cobra.Command{
		Use:   "models",
		Short: "List catalog models",
		Long: `List the background removal models in the catalog, ordered by
priority. By default only active models are shown.`,
		Example: `  # Active models
  bgstudio models

  # Every model, including disabled ones
  bgstudio models --all

  # Models usable for Wildberries listings
  bgstudio models --marketplace wildberries`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runModels(cmd, opts)
		},
	}
	cmd.Flags().BoolVarP(&opts.All, "all", "a", false, "Include inactive models")
	cmd.Flags().StringVarP(&opts.Tag, "tag", "t", "", "Only models carrying this tag")
	cmd.Flags().StringVarP(&opts.Marketplace, "marketplace", "m", "", "Only models supporting this marketplace")
	cmd.MarkFlagsMutuallyExclusive("all", "tag")
	cmd.MarkFlagsMutuallyExclusive("all", "marketplace")

	cmd.AddCommand(newModelsShowCommand(globalOpts))
	cmd.AddCommand(newModelsSummaryCommand(globalOpts))
	cmd.AddCommand(newModelsSchemaCommand(globalOpts))
	return cmd
}

func runModels(cmd *cobra.Command, opts *ModelsOptions) error {
	a, err := openApp(cmd.Context(), opts.Config)
	if err != nil {
		return err
	}
	defer func() {
		_ = a.Close()
	}()

	ctx := cmd.Context()
	var models []catalog.ModelInfo
	switch {
	case opts.Tag != "":
		for _, m := range a.registry.GetModelsByTag(ctx, opts.Tag) {
			if opts.Marketplace == "" || m.SupportsMarketplace(opts.Marketplace) {
				models = append(models, m)
			}
		}
	case opts.Marketplace != "":
		models = a.registry.GetModelsByMarketplace(ctx, opts.Marketplace)
	default:
		models = a.registry.GetAllModels(ctx, !opts.All)
	}
	if models == nil {
		models = []catalog.ModelInfo{}
	}
	return opts.printResult(models)
}

func newModelsShowCommand(globalOpts *GlobalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one active model",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), globalOpts.Config)
			if err != nil {
				return err
			}
			defer func() {
				_ = a.Close()
			}()

			m := a.registry.GetModelByID(cmd.Context(), args[0])
			if m == nil {
				return fmt.Errorf("%w: %s (unknown or inactive)", catalog.ErrModelNotFound, args[0])
			}
			return globalOpts.printResult(m)
		},
	}
}

func newModelsSummaryCommand(globalOpts *GlobalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "summary",
		Short: "Summarize the catalog",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), globalOpts.Config)
			if err != nil {
				return err
			}
			defer func() {
				_ = a.Close()
			}()
			return globalOpts.printResult(a.registry.GetSummary(cmd.Context()))
		},
	}
}

func newModelsSchemaCommand(globalOpts *GlobalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Print the JSON schema of seed files",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return globalOpts.printResult(catalog.SeedSchema())
		},
	}
}
