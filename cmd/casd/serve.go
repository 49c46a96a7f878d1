package main

import (
	"casd/internal/core"
	"casd/internal/engine"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
)

type serveFlags struct {
	configPath string
	listen     string
	adminAddr  string
	engine     string
	dataDir    string
	logLevel   string
	tlsCert    string
	tlsKey     string
}

func newServeCmd() *cobra.Command {
	var flags serveFlags

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the ContentAddressableStorage gRPC API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(cmd, flags)
			if err != nil {
				return err
			}

			warning, err := configureLogger(flags.logLevel, cfg.LogLevel)
			if err != nil {
				return err
			}
			if warning != "" {
				slog.Warn(warning)
			}

			return runServer(cmd, cfg)
		},
	}

	cmd.Flags().StringVar(&flags.configPath, "config", "", "path to a TOML config file")
	cmd.Flags().StringVar(&flags.listen, "listen", core.DefaultListenAddr, "gRPC listen address")
	cmd.Flags().StringVar(&flags.adminAddr, "admin-listen", core.DefaultAdminAddr, "admin HTTP listen address (empty disables)")
	cmd.Flags().StringVar(&flags.engine, "engine", core.DefaultEngine, "storage engine: "+strings.Join(engine.Engines, ", "))
	cmd.Flags().StringVar(&flags.dataDir, "data-dir", core.DefaultDataDir, "directory for blob data")
	cmd.Flags().StringVar(&flags.tlsCert, "tls-cert", "", "PEM certificate for the gRPC listener")
	cmd.Flags().StringVar(&flags.tlsKey, "tls-key", "", "PEM private key for the gRPC listener")
	cmd.Flags().StringVar(&flags.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	return cmd
}

// resolveConfig loads the config file and applies flags the user set
// explicitly on top of it.
func resolveConfig(cmd *cobra.Command, flags serveFlags) (core.Config, error) {
	cfg, err := core.LoadConfig(flags.configPath)
	if err != nil {
		return cfg, err
	}

	var opts []core.ConfigOption
	if cmd.Flags().Changed("listen") {
		opts = append(opts, core.WithListenAddr(flags.listen))
	}
	if cmd.Flags().Changed("admin-listen") {
		opts = append(opts, core.WithAdminAddr(flags.adminAddr))
	}
	if cmd.Flags().Changed("engine") {
		opts = append(opts, core.WithEngine(flags.engine))
	}
	if cmd.Flags().Changed("data-dir") {
		opts = append(opts, core.WithDataDir(flags.dataDir))
	}
	if cmd.Flags().Changed("log-level") {
		opts = append(opts, core.WithLogLevel(flags.logLevel))
	}
	if cmd.Flags().Changed("tls-cert") || cmd.Flags().Changed("tls-key") {
		opts = append(opts, core.WithTLS(flags.tlsCert, flags.tlsKey))
	}
	cfg.Apply(opts...)

	if cfg.DataDir != "" {
		// Ensure data directory is absolute for easier debugging.
		absDataDir, err := filepath.Abs(cfg.DataDir)
		if err != nil {
			return cfg, fmt.Errorf("failed to resolve data directory: %w", err)
		}
		cfg.DataDir = absDataDir
	}

	return cfg, nil
}

func runServer(cmd *cobra.Command, cfg core.Config) error {
	ctx := cmd.Context()

	if cfg.Engine != engine.EngineMemory && cfg.Engine != engine.EngineS3 {
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	server, err := core.NewServer(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to create casd server: %w", err)
	}
	defer server.Close()

	slog.Info("casd started", "version", version, "engine", cfg.Engine)
	return server.Run(ctx)
}
