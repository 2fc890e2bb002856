package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/a-essam23/stompd/internal/server"
	"github.com/a-essam23/stompd/pkg/config"
	"github.com/a-essam23/stompd/pkg/logging"
)

// ServeCmd runs the broker until SIGINT or SIGTERM.
func ServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the broker",
		RunE: func(cmd *cobra.Command, args []string) error {
			bootLogger := logging.New(logging.LevelInfo, "text")
			cfg, err := loadConfig(cmd, bootLogger)
			if err != nil {
				return err
			}

			level, err := logging.ParseLevel(cfg.Log.Level)
			if err != nil {
				return err
			}
			logger := logging.New(level, cfg.Log.Format)
			slog.SetDefault(logger)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			app, err := server.NewApp(logger, ctx, cfg)
			if err != nil {
				return fmt.Errorf("failed to initialize server: %w", err)
			}
			if err := app.Run(); err != nil {
				return fmt.Errorf("server run failed: %w", err)
			}
			logger.Info("Application shut down successfully.")
			return nil
		},
	}

	flags := cmd.Flags()
	flags.String("address", "", "TCP listen address (default :7777)")
	flags.String("engine", "", `concurrency engine: "tpc" or "reactor"`)
	flags.Int("workers", 0, "reactor worker pool size (0 = one per CPU)")
	flags.String("gateway", "", "WebSocket gateway listen address (empty disables)")
	flags.String("log-level", "", "debug, info, warn or error")
	return cmd
}

func loadConfig(cmd *cobra.Command, logger *slog.Logger) (*config.Config, error) {
	name, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(logger, name, cmd.Flags())
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}
