package cli

import (
	"github.com/spf13/cobra"
)

// NewMigrateCommand 创建 migrate 命令: 执行迁移和种子并输出数据库状态
func NewMigrateCommand(globalOpts *GlobalOptions) *cobra.Command {
	var (
		force    bool
		seedFile string
	)

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and catalog seeds",
		Example: `  # Apply pending migrations and seeds
  bgstudio migrate

  # Re-apply every seed, restoring edited catalog entries
  bgstudio migrate --force-seeds --seed-file extra-models.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := globalOpts.Config
			if force {
				cfg.Database.ForceSeeds = true
			}
			if seedFile != "" {
				cfg.Database.SeedFile = seedFile
			}

			a, err := openApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer func() {
				_ = a.Close()
			}()

			info, err := a.store.SchemaInfo(cmd.Context())
			if err != nil {
				return err
			}
			return globalOpts.printResult(info)
		},
	}
	cmd.Flags().BoolVar(&force, "force-seeds", false, "Re-apply seeds that were already executed")
	cmd.Flags().StringVar(&seedFile, "seed-file", "", "Additional YAML seed file")
	return cmd
}
