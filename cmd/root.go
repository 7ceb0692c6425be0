package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/bavix/devpair/internal/config"
	"github.com/bavix/devpair/internal/logging"
	"github.com/bavix/devpair/internal/metrics"
	verpkg "github.com/bavix/devpair/internal/version"
)

var (
	cfgFile   string //nolint:gochecknoglobals // cobra command flag
	logLevel  string //nolint:gochecknoglobals // cobra command flag
	logFormat string //nolint:gochecknoglobals // cobra command flag
)

type configKey struct{}

func configFrom(ctx context.Context) *config.Config {
	if cfg, ok := ctx.Value(configKey{}).(*config.Config); ok {
		return cfg
	}

	return config.Default()
}

func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "devpair",
		Short:         "Manage pairing credentials between this host and attached devices",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			path := cfgFile
			if path == "" {
				path = config.DefaultPath
			}

			cfg, err := config.Load(path)
			if err != nil {
				return err
			}

			if cmd.Flags().Changed("log-level") {
				cfg.Log.Level = logLevel
			}

			if cmd.Flags().Changed("log-format") {
				cfg.Log.Format = logFormat
			}

			metrics.SetService(cfg.AppName)
			metrics.BindService()

			base := logging.Base(cfg.AppName, cfg.Log.Level, cfg.Log.Format)
			ctx := base.WithContext(cmd.Context())
			ctx = context.WithValue(ctx, configKey{}, cfg)
			cmd.SetContext(ctx)

			if cfg.Path != "" {
				base.Debug().Str("config", cfg.Path).Msg("config loaded")
			}

			return nil
		},
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "Path to config file (default: ./"+config.DefaultPath+" if present)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level: trace, debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "console", "Log format: json, console")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newDevicesCmd())
	rootCmd.AddCommand(newWirelessCmd())
	rootCmd.AddCommand(newDevModeCmd())
	rootCmd.AddCommand(newMountCmd())
	rootCmd.AddCommand(newPairCmd())
	rootCmd.AddCommand(newValidateCmd())
	rootCmd.AddCommand(newAppsCmd())
	rootCmd.AddCommand(newInstallCmd())
	rootCmd.AddCommand(newInterfacesCmd())

	rootCmd.Version = verpkg.GetVersion()
	rootCmd.SetVersionTemplate("devpair " + verpkg.String() + "\n")

	return rootCmd
}

func Execute() {
	ExecuteContext(context.Background())
}

func ExecuteContext(ctx context.Context) {
	if err := NewRootCmd().ExecuteContext(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, err)
		}

		os.Exit(1)
	}
}
