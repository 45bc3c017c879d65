package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/oagudo/uow/pkg/config"
	"github.com/oagudo/uow/pkg/dialect"
	"github.com/oagudo/uow/pkg/logger"
	"github.com/oagudo/uow/pkg/migrate"
)

func MigrateCmd() *cobra.Command {
	var (
		dataSource string
		dir        string
		file       string
		table      string
	)

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending migrations to a data source",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) (err error) {
			ctx := cmd.Context()
			cfg, err := configFrom(ctx)
			if err != nil {
				return err
			}
			dsCfg, ok := cfg.DataSources[dataSource]
			if !ok {
				return fmt.Errorf("data source %s is not configured", dataSource)
			}
			d, err := dialect.Parse(dsCfg.Dialect)
			if err != nil {
				return err
			}

			only := *cfg
			only.DataSources = map[string]config.DataSourceConfig{dataSource: dsCfg}
			runner, closeFn, err := openRunner(ctx, &only)
			if err != nil {
				return err
			}
			defer func() {
				if closeErr := closeFn(); closeErr != nil && err == nil {
					err = closeErr
				}
			}()

			m := migrate.New(runner, dataSource, d, migrate.WithTableName(table))
			applied, err := m.ApplyFromFile(ctx, os.DirFS(dir), file)
			if err != nil {
				return err
			}
			logger.FromContext(ctx).Info("Migrations up to date", "data_source", dataSource, "applied", applied)
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d migrations applied\n", dataSource, len(applied))
			return nil
		},
	}

	cmd.Flags().StringVar(&dataSource, "data-source", "", "name of the configured data source to migrate")
	cmd.Flags().StringVar(&dir, "dir", ".", "directory holding the migration list and scripts")
	cmd.Flags().StringVar(&file, "file", "migrations.txt", "migration list, relative to --dir")
	cmd.Flags().StringVar(&table, "table", migrate.DefaultTableName, "table recording applied migrations")
	_ = cmd.MarkFlagRequired("data-source")
	return cmd
}
