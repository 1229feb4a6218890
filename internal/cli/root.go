// Package cli holds the modbridge commands.
package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"modbridge/internal/config"

	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

type options struct {
	configPath string
	envFile    string
}

// RootCommand creates the root command with every subcommand attached.
func RootCommand(version string) *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "modbridge",
		Short:         "Bridge subreddit report queues into Discord moderator channels",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "./config.json", "path to config (json or yaml)")
	root.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "dotenv file loaded before the config is read")

	root.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		return loadEnv(opts.envFile)
	}

	root.AddCommand(
		runCommand(opts),
		checkAuthCommand(opts),
		clearHistoryCommand(opts),
		sendTestAlertCommand(opts),
		obtainRefreshTokenCommand(opts),
	)
	return root
}

// loadEnv loads path when it exists; variables already set win.
func loadEnv(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.NewManager(path).Load()
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// pickTenants returns every tenant, or only id when set.
func pickTenants(cfg *config.Config, id string) ([]config.TenantSettings, error) {
	all, err := config.ResolveTenants(cfg)
	if err != nil {
		return nil, err
	}
	if id == "" {
		return all, nil
	}
	for _, ts := range all {
		if ts.ID == id {
			return []config.TenantSettings{ts}, nil
		}
	}
	return nil, fmt.Errorf("unknown setup %q", id)
}

var (
	okColor   = color.New(color.FgGreen)
	failColor = color.New(color.FgRed)
)

func okMark() string   { return okColor.Sprint("OK") }
func failMark() string { return failColor.Sprint("FAIL") }

func init() {
	if _, ok := os.LookupEnv("NO_COLOR"); ok {
		color.NoColor = true
	}
}
