// Package cli implements the uowctl command line.
package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/oagudo/uow"
	"github.com/oagudo/uow/pkg/config"
	"github.com/oagudo/uow/pkg/logger"
)

type configCtxKey struct{}

func RootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "uowctl",
		Short:        "Manage the databases used by uow units of work",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return setupGlobalConfig(cmd)
		},
	}

	flags := root.PersistentFlags()
	flags.String("config", "", "path to the YAML configuration file")
	flags.String("log-level", "", "log level (debug, info, warn, error)")
	flags.Bool("log-json", false, "log in JSON format")
	flags.Bool("diagnostics", false, "capture creation stacks of units of work")

	root.AddCommand(
		MigrateCmd(),
		CheckCmd(),
	)
	return root
}

// setupGlobalConfig loads the configuration, lets flags override it and installs the logger.
func setupGlobalConfig(cmd *cobra.Command) error {
	flags := cmd.Flags()
	path, _ := flags.GetString("config")

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load(ctx, path)
	if err != nil {
		return err
	}

	if flags.Changed("log-level") {
		cfg.Log.Level, _ = flags.GetString("log-level")
	}
	if flags.Changed("log-json") {
		cfg.Log.JSON, _ = flags.GetBool("log-json")
	}
	if flags.Changed("diagnostics") {
		cfg.Diagnostics, _ = flags.GetBool("diagnostics")
	}
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	logger.SetupLogger(cfg.Log.Level, cfg.Log.JSON)
	uow.SetDiagnostics(cfg.Diagnostics)

	ctx = logger.ContextWithLogger(ctx, logger.GetDefault())
	cmd.SetContext(context.WithValue(ctx, configCtxKey{}, cfg))
	return nil
}

func configFrom(ctx context.Context) (*config.Config, error) {
	cfg, ok := ctx.Value(configCtxKey{}).(*config.Config)
	if !ok {
		return nil, fmt.Errorf("configuration not loaded")
	}
	return cfg, nil
}

// openRunner opens the data sources of cfg and returns a Runner bound to them.
func openRunner(ctx context.Context, cfg *config.Config) (*uow.Runner, func() error, error) {
	registry := uow.NewRegistry()
	closeFn, err := config.OpenDataSources(ctx, cfg, registry)
	if err != nil {
		return nil, nil, err
	}
	return uow.NewRunner(uow.WithRegistry(registry)), closeFn, nil
}
