package cli

import (
	"context"
	"fmt"
	"slices"

	"github.com/spf13/cobra"
)

func CheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Begin a read-only unit of work on every configured data source",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) (err error) {
			ctx := cmd.Context()
			cfg, err := configFrom(ctx)
			if err != nil {
				return err
			}
			runner, closeFn, err := openRunner(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() {
				if closeErr := closeFn(); closeErr != nil && err == nil {
					err = closeErr
				}
			}()

			names := make([]string, 0, len(cfg.DataSources))
			for name := range cfg.DataSources {
				names = append(names, name)
			}
			slices.Sort(names)

			return runner.ReadOnly(ctx, func(ctx context.Context) error {
				for _, name := range names {
					if _, err := runner.Conn(ctx, name); err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%s: ok\n", name)
				}
				return nil
			})
		},
	}
}
