package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/contracts-cli/internal/config"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the job store schema",
	RunE: func(cmd *cobra.Command, _ []string) error {
		// initEnv migrates the store before returning.
		env, err := initEnv(cmd.Context(), cfg, config.ModeCLI)
		if err != nil {
			return err
		}
		defer env.Close()

		zap.L().Info("store migrated", zap.String("driver", cfg.Store.Driver))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
