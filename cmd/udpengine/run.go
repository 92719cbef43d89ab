package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/postalsys/udpengine/internal/health"
	"github.com/postalsys/udpengine/internal/logging"
)

func runCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the engine",
		Long:  "Start the engine over the loopback IP layer and serve echo on the configured ports.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, configPath)
			if err != nil {
				return err
			}
			logger := logging.NewLogger(cfg.Log.Level, cfg.Log.Format)

			e, err := newEngine(cfg, logger, nil)
			if err != nil {
				return fmt.Errorf("failed to start engine: %w", err)
			}

			var srv *health.Server
			if cfg.Metrics.Enabled {
				srv = health.NewServer(health.ServerConfig{
					Address:      cfg.Metrics.Address,
					MetricsPath:  cfg.Metrics.Path,
					Gatherer:     e.registry,
					ReadTimeout:  10 * time.Second,
					WriteTimeout: 10 * time.Second,
				}, e)
				if err := srv.Start(); err != nil {
					_ = e.close(context.Background())
					return fmt.Errorf("failed to start metrics server: %w", err)
				}
				logger.Info("metrics server started",
					"address", srv.Address().String(),
					"path", cfg.Metrics.Path)
			}

			logger.Info("engine running",
				"echo_ports", cfg.Echo.Ports,
				"loopback", cfg.Loopback.Addresses,
				"queue", humanize.IBytes(uint64(cfg.Loopback.QueueSize)))

			// Wait for shutdown signal
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			sig := <-sigCh
			logger.Info("shutting down", "signal", sig.String())

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			if srv != nil {
				if err := srv.Stop(ctx); err != nil {
					logger.Warn("metrics server shutdown", logging.KeyError, err)
				}
			}
			echoed, failed := e.echo.Stats()
			if err := e.close(ctx); err != nil {
				return fmt.Errorf("shutdown: %w", err)
			}

			logger.Info("engine stopped",
				"echoed", humanize.Comma(int64(echoed)),
				"echo_failures", failed)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./config.yaml", "Path to configuration file")

	return cmd
}
