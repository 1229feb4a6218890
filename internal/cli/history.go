package cli

import (
	"errors"
	"fmt"

	"modbridge/internal/app"
	logx "modbridge/pkg/logx"

	"github.com/spf13/cobra"
)

func clearHistoryCommand(opts *options) *cobra.Command {
	var setup string
	var yes bool
	cmd := &cobra.Command{
		Use:   "clear-history",
		Short: "Delete a setup's sightings, views and modlog cache",
		Long: `Delete everything stored for one setup: dedup records, alert views,
cached moderation log entries and the modlog watermark. Alerts still in the
queue are posted again on the next cycle.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if setup == "" {
				return errors.New("--setup is required")
			}
			cfg, err := loadConfig(opts.configPath)
			if err != nil {
				return err
			}
			if _, err := pickTenants(cfg, setup); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if !yes {
				fmt.Fprintf(out, "This deletes all stored state for setup %q in %s.\n", setup, cfg.Storage.StoragePath())
				return errors.New("re-run with --yes to confirm")
			}

			st, err := app.OpenStore(cfg, logx.Nop())
			if err != nil {
				return err
			}
			defer st.Close()
			n, err := st.ClearTenantHistory(cmd.Context(), setup)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "%s  cleared %d row(s) for setup %s\n", okMark(), n, setup)
			return nil
		},
	}
	cmd.Flags().StringVar(&setup, "setup", "", "setup id to clear")
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm deletion")
	return cmd
}
