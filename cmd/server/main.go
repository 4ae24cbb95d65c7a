package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/vovakirdan/wirechat-relay/internal/app"
	"github.com/vovakirdan/wirechat-relay/internal/config"
	"github.com/vovakirdan/wirechat-relay/internal/log"
)

type rootFlags struct {
	configPath string
	overrides  config.Config
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}

	root := &cobra.Command{
		Use:           "wirechat-relay",
		Short:         "Real-time chat relay over WebSocket",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), flags)
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&flags.configPath, "config", "", "path to config file (default $RELAY_CONFIG_DEFAULT_PATH or ./config.yaml)")
	pf.StringVar(&flags.overrides.LogLevel, "log-level", "", "log level: trace, debug, info, warn, error")
	pf.StringVar(&flags.overrides.Store.Driver, "store-driver", "", "message store: sqlite3, sqlite, badger or memory")
	pf.StringVar(&flags.overrides.Store.URL, "store-url", "", "database file or badger directory")
	root.Flags().StringVar(&flags.overrides.Addr, "addr", "", "HTTP listen address")

	root.AddCommand(newHistoryCmd(flags))
	return root
}

// loadConfig resolves configuration with CLI flags taking precedence.
func loadConfig(flags *rootFlags) (config.Config, *zerolog.Logger, error) {
	bootLogger := log.New("info")
	cfg, path, err := config.Load(bootLogger, flags.configPath)
	if err != nil {
		bootLogger.Error().Err(err).Msg("failed to load config")
		return cfg, nil, err
	}
	cfg.UpdateFrom(flags.overrides)

	logger := log.New(cfg.LogLevel)
	if err := cfg.Validate(); err != nil {
		logger.Error().Err(err).Str("config", path).Msg("invalid configuration")
		return cfg, nil, err
	}
	logger.Debug().Str("config", path).Msg("configuration loaded")
	return cfg, logger, nil
}

func serve(ctx context.Context, flags *rootFlags) error {
	cfg, logger, err := loadConfig(flags)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	application, err := app.New(ctx, &cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("failed to initialize application")
		return err
	}

	if err := application.Run(ctx); err != nil {
		logger.Error().Err(err).Msg("server exited with error")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}

func newHistoryCmd(flags *rootFlags) *cobra.Command {
	var after int64

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Print stored messages after a position",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig(flags)
			if err != nil {
				return err
			}

			st, err := app.OpenStore(cmd.Context(), cfg.Store, logger)
			if err != nil {
				logger.Error().Err(err).Msg("failed to open store")
				return err
			}
			defer st.Close()

			msgs, err := st.ReadAfter(cmd.Context(), after)
			if err != nil {
				logger.Error().Err(err).Int64("after", after).Msg("failed to read history")
				return err
			}
			out := cmd.OutOrStdout()
			for _, m := range msgs {
				fmt.Fprintf(out, "%d\t%s\t%s: %s\n", m.Position, m.CreatedAt.UTC().Format(time.RFC3339), m.Author, m.Content)
			}
			return nil
		},
	}
	cmd.Flags().Int64Var(&after, "after", 0, "print messages with a position greater than this")
	return cmd
}
