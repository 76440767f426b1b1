package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sells-group/contracts-cli/internal/config"
)

var workerConcurrency int

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Consume queued jobs and process them",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if workerConcurrency > 0 {
			cfg.Worker.Concurrency = workerConcurrency
		}

		env, err := initEnv(ctx, cfg, config.ModeWorker)
		if err != nil {
			return err
		}
		defer env.Close()

		w, err := env.Worker()
		if err != nil {
			return err
		}
		return w.Run(ctx, env.Broker)
	},
}

func init() {
	workerCmd.Flags().IntVar(&workerConcurrency, "concurrency", 0, "concurrent jobs (default from config)")
	rootCmd.AddCommand(workerCmd)
}
