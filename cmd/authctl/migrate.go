package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"corpsite.io/internal/migrate"
	"corpsite.io/internal/store/pg"
)

var errNoDSN = errors.New("no postgres DSN configured (set CORPSITE_PG_DSN)")

func (c *cli) migrateCmd() *cobra.Command {
	var seeds, migrationsTable, seedsTable string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the auth schema.",
	}
	cmd.PersistentFlags().StringVar(&seeds, "seeds", "", "directory of seed SQL files")
	cmd.PersistentFlags().StringVar(&migrationsTable, "migrations-table", "", "bookkeeping table for applied migrations")
	cmd.PersistentFlags().StringVar(&seedsTable, "seeds-table", "", "bookkeeping table for applied seeds")

	run := func(use, short string, fn func(ctx context.Context, m *migrate.Manager, out io.Writer) error) *cobra.Command {
		return &cobra.Command{
			Use:   use,
			Short: short,
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				if c.cfg.Postgres.DSN == "" {
					return errNoDSN
				}
				store, err := pg.Open(c.cfg.Postgres.DSN, pg.DefaultPoolConfig())
				if err != nil {
					return err
				}
				defer store.Close()

				opts := []migrate.Option{
					migrate.WithMigrationsTable(migrationsTable),
					migrate.WithSeedsTable(seedsTable),
				}
				if seeds != "" {
					opts = append(opts, migrate.WithSeeds(os.DirFS(seeds)))
				}
				return fn(cmd.Context(), migrate.NewManager(store.DB(), nil, opts...), cmd.OutOrStdout())
			},
		}
	}

	cmd.AddCommand(
		run("up", "Apply pending migrations.", func(ctx context.Context, m *migrate.Manager, out io.Writer) error {
			applied, err := m.Up(ctx)
			for _, name := range applied {
				fmt.Fprintf(out, "applied %s\n", name)
			}
			if err == nil && len(applied) == 0 {
				fmt.Fprintln(out, "schema is up to date")
			}
			return err
		}),
		run("down", "Roll back the latest migration.", func(ctx context.Context, m *migrate.Manager, out io.Writer) error {
			name, err := m.Down(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "rolled back %s\n", name)
			return nil
		}),
		run("status", "List applied migrations.", func(ctx context.Context, m *migrate.Manager, out io.Writer) error {
			applied, err := m.Status(ctx)
			for _, name := range applied {
				fmt.Fprintln(out, name)
			}
			return err
		}),
		run("pending", "List migrations not applied yet.", func(ctx context.Context, m *migrate.Manager, out io.Writer) error {
			pending, err := m.Pending(ctx)
			for _, name := range pending {
				fmt.Fprintln(out, name)
			}
			return err
		}),
		run("seed", "Apply seed files from --seeds.", func(ctx context.Context, m *migrate.Manager, out io.Writer) error {
			if seeds == "" {
				return errors.New("--seeds is required")
			}
			return m.Seed(ctx)
		}),
	)
	return cmd
}
