package cli

import (
	"context"
	"fmt"
	"time"

	"modbridge/internal/app"
	logx "modbridge/pkg/logx"

	"github.com/spf13/cobra"
)

func checkAuthCommand(opts *options) *cobra.Command {
	var setup string
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "check-auth",
		Short: "Verify Reddit credentials and subreddit access for each setup",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts.configPath)
			if err != nil {
				return err
			}
			tenants, err := pickTenants(cfg, setup)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			failed := 0
			for _, ts := range tenants {
				msg, err := func() (string, error) {
					c, err := app.NewRedditClient(ts, logx.Nop())
					if err != nil {
						return "", err
					}
					ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
					defer cancel()
					return c.CheckAuth(ctx)
				}()
				if err != nil {
					failed++
					fmt.Fprintf(out, "%s  %s: %v\n", failMark(), ts.ID, err)
					continue
				}
				fmt.Fprintf(out, "%s  %s: %s\n", okMark(), ts.ID, msg)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d setup(s) failed the auth check", failed, len(tenants))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&setup, "setup", "", "only check this setup id")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "per-setup timeout")
	return cmd
}
