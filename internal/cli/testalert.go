package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"modbridge/internal/app"

	"github.com/spf13/cobra"
)

func sendTestAlertCommand(opts *options) *cobra.Command {
	var setup string
	cmd := &cobra.Command{
		Use:   "send-test-alert",
		Short: "Post a demo alert to a setup's moderator channel",
		Long: `Post a demo alert through the normal create path. The alert is stored
like a real one, so a running bridge restores its buttons after restart.
The demo item does not exist on Reddit, so moderation actions on it fail.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if setup == "" {
				return errors.New("--setup is required")
			}
			a, err := app.NewApp(opts.configPath, app.WithBackendFactory(app.DemoBackends))
			if err != nil {
				return err
			}
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = a.Stop(ctx, app.StopAppStop)
			}()

			rep, it, err := a.SendTestAlert(cmd.Context(), setup)
			out := cmd.OutOrStdout()
			if err != nil {
				fmt.Fprintf(out, "%s  %s: %v\n", failMark(), setup, err)
				return err
			}
			if rep.Posted == 0 {
				return fmt.Errorf("demo item %s was not posted (skipped %d, failed %d)", it.ID, rep.Skipped, rep.Failed)
			}
			fmt.Fprintf(out, "%s  posted demo alert %s for setup %s\n", okMark(), it.ID, setup)
			return nil
		},
	}
	cmd.Flags().StringVar(&setup, "setup", "", "setup id to post to")
	return cmd
}
