package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/contracts-cli/internal/api"
	"github.com/sells-group/contracts-cli/internal/config"
	"github.com/sells-group/contracts-cli/internal/monitoring"
)

var (
	servePort    int
	serveWorkers bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API (optionally with embedded workers)",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if cmd.Flags().Changed("workers") {
			cfg.Server.EmbeddedWorkers = serveWorkers
		}
		if servePort != 0 {
			cfg.Server.Port = servePort
		}

		env, err := initEnv(ctx, cfg, config.ModeServe)
		if err != nil {
			return err
		}
		defer env.Close()

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
			Handler:           api.NewServer(env.Gateway(), env.Query(), env.Store, cfg.Server, cfg.Monitoring, api.WithUpstreams(env.Breakers.Report)).Routes(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		g, gctx := errgroup.WithContext(ctx)

		if cfg.Server.EmbeddedWorkers {
			w, err := env.Worker()
			if err != nil {
				return err
			}
			g.Go(func() error { return w.Run(gctx, env.Broker) })
		}

		if cfg.Monitoring.WebhookURL != "" || cfg.Monitoring.AutoRequeue {
			var opts []monitoring.CheckerOption
			if cfg.Monitoring.AutoRequeue {
				opts = append(opts, monitoring.WithSweeper(env.Gateway()))
			}
			checker := monitoring.NewChecker(env.Collector(), monitoring.NewAlerter(cfg.Monitoring), cfg.Monitoring, opts...)
			g.Go(func() error {
				checker.Run(gctx)
				return nil
			})
		}

		// Graceful shutdown
		g.Go(func() error {
			<-gctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), 30*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})

		g.Go(func() error {
			zap.L().Info("starting server",
				zap.Int("port", cfg.Server.Port),
				zap.Bool("embedded_workers", cfg.Server.EmbeddedWorkers),
			)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return eris.Wrap(err, "server listen")
			}
			return nil
		})

		return g.Wait()
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	serveCmd.Flags().BoolVar(&serveWorkers, "workers", false, "run pipeline workers in-process")
	rootCmd.AddCommand(serveCmd)
}
