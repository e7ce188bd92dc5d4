package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/vovakirdan/shardproxy/internal/app"
	"github.com/vovakirdan/shardproxy/internal/config"
	"github.com/vovakirdan/shardproxy/internal/log"
)

// version is set at build time with -ldflags.
var version = "dev"

type rootFlags struct {
	configPath string
	addr       string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}

	rootCmd := &cobra.Command{
		Use:           "shardproxy",
		Short:         "Gateway proxy that shares upstream shards between many clients",
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServer(cmd, flags)
		},
	}
	rootCmd.PersistentFlags().StringVar(&flags.configPath, "config", "", "path to config.yaml")
	rootCmd.PersistentFlags().StringVar(&flags.addr, "addr", "", "listen address, overrides the config")
	rootCmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "debug, info, warn or error")

	rootCmd.AddCommand(
		newVersionCmd(),
		newCheckConfigCmd(flags),
		newSessionsCmd(flags),
	)
	return rootCmd
}

// loadConfig applies flag overrides on top of the loaded configuration.
func loadConfig(flags *rootFlags) (*config.Config, error) {
	bootstrap := log.New(flags.logLevel)
	cfg, path, err := config.Load(bootstrap, flags.configPath)
	if err != nil {
		return nil, err
	}
	if flags.addr != "" {
		cfg.Addr = flags.addr
	}
	if flags.logLevel != "" {
		cfg.LogLevel = flags.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return &cfg, nil
}

func runServer(cmd *cobra.Command, flags *rootFlags) error {
	cfg, err := loadConfig(flags)
	if err != nil {
		return err
	}
	logger := log.NewWithWriter(cfg.LogLevel, cfg.LogFormat, os.Stdout)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	application, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}

	logger.Info().Str("version", version).Str("addr", cfg.Addr).Msg("starting shardproxy")
	if err := application.Run(ctx); err != nil {
		logger.Error().Err(err).Msg("server exited with error")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), version)
			return err
		},
	}
}

func newCheckConfigCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Load and validate the configuration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "config ok: addr=%s shards=%d range=%d..%d\n",
				cfg.Addr, cfg.Shards, cfg.ShardStart, cfg.ShardEnd)
			return err
		},
	}
}
