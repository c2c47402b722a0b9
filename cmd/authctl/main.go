// Command authctl administers the auth service: schema migrations, user
// provisioning and unlocks, and one-off sweeps of expired records.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"corpsite.io/internal/app"
	"corpsite.io/internal/config"
	"corpsite.io/internal/obs"
)

type cli struct {
	configPath string
	cfg        config.Config
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:          "authctl",
		Short:        "Administer the corpsite auth service.",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if c.configPath != "" {
				if err := os.Setenv(config.EnvPrefix+"CONFIG", c.configPath); err != nil {
					return err
				}
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			c.cfg = cfg
			obs.SetLevel(cfg.Log.Level)
			return nil
		},
	}
	root.PersistentFlags().StringVar(&c.configPath, "config", "", "YAML config file (overrides CORPSITE_CONFIG)")

	root.AddCommand(c.migrateCmd(), c.userCmd(), c.sweepCmd())
	return root
}

// open builds the service with the loaded configuration.
func (c *cli) open(ctx context.Context) (*app.App, error) {
	return app.New(ctx, c.cfg)
}

func (c *cli) sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Purge expired refresh tokens and revocation entries once.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			removed, err := a.Sweeper.RunOnce(cmd.Context())
			for name, n := range removed {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %d removed\n", name, n)
			}
			return err
		},
	}
}
