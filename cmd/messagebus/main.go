// Package main is the launcher for the VOLTTRON messagebus broker. It loads
// configuration, wires up logging, and runs the WebSocket server in the
// foreground until interrupted.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/volttron/messagebus/internal/config"
	"github.com/volttron/messagebus/internal/server"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		configFile string
		host       string
		port       int
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:           "messagebus",
		Short:         "Run the VOLTTRON messagebus server in the foreground",
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return err
			}
			// Flags take precedence over file and environment values.
			if cmd.Flags().Changed("host") {
				cfg.Host = host
			}
			if cmd.Flags().Changed("port") {
				cfg.Port = port
			}
			if cmd.Flags().Changed("log-level") {
				cfg.LogLevel = logLevel
			}

			logger, err := newLogger(cfg.LogLevel)
			if err != nil {
				return err
			}

			logger.Info().
				Str("host", cfg.Host).
				Int("port", cfg.Port).
				Str("log_level", cfg.LogLevel).
				Msg("starting VOLTTRON messagebus server")

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := server.New(cfg, logger).Start(ctx); err != nil {
				logger.Error().Err(err).Msg("server failed")
				return err
			}
			logger.Info().Msg("server shutdown complete")
			return nil
		},
	}

	cmd.Flags().StringVar(&configFile, "config", "", "Path to YAML configuration file")
	cmd.Flags().StringVar(&host, "host", "0.0.0.0", "Host to listen on")
	cmd.Flags().IntVar(&port, "port", 8000, "Port to listen on")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level (trace, debug, info, warn, error)")
	return cmd
}

func loadConfig(configFile string) (*config.Config, error) {
	if configFile != "" {
		return config.Load(configFile)
	}
	return config.FromEnv()
}

func newLogger(level string) (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.Nop(), err
	}
	return zerolog.New(os.Stderr).Level(lvl).With().Timestamp().Logger(), nil
}
