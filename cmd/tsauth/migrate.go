package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"thunderstorm.io/auth/internal/migrate"
	"thunderstorm.io/auth/internal/obs"
	"thunderstorm.io/auth/internal/store/pg"
)

func newMigrateCommand(a *app) *cobra.Command {
	var (
		dir     string
		table   string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply, revert or list SQL migrations",
	}
	cmd.PersistentFlags().StringVar(&dir, "migrations", "", "migrations directory (default TS_AUTH_MIGRATIONS_DIR)")
	cmd.PersistentFlags().StringVar(&table, "table", "", "migration history table")
	cmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "overall deadline")

	run := func(fn func(ctx context.Context, cmd *cobra.Command, mgr *migrate.Manager) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			if err := a.cfg.RequireDatabase(); err != nil {
				return err
			}
			if dir == "" {
				dir = a.cfg.MigrationsDir
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			store, err := pg.Open(a.cfg.PostgresDSN, pg.WithSchema(a.cfg.Schema))
			if err != nil {
				return fmt.Errorf("open db: %w", err)
			}
			defer store.Close()

			opts := []migrate.Option{migrate.WithLogger(obs.Component("migrate"))}
			if table != "" {
				opts = append(opts, migrate.WithMigrationsTable(table))
			}
			return fn(ctx, cmd, migrate.NewManager(store.DB(), dir, opts...))
		}
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply pending migrations",
			RunE: run(func(ctx context.Context, cmd *cobra.Command, mgr *migrate.Manager) error {
				applied, err := mgr.Up(ctx)
				for _, name := range applied {
					fmt.Fprintf(cmd.OutOrStdout(), "applied %s\n", name)
				}
				if err != nil {
					return fmt.Errorf("migrate up: %w", err)
				}
				if len(applied) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "nothing to apply")
				}
				return nil
			}),
		},
		&cobra.Command{
			Use:   "down",
			Short: "Revert the latest applied migration",
			RunE: run(func(ctx context.Context, cmd *cobra.Command, mgr *migrate.Manager) error {
				name, err := mgr.Down(ctx)
				if err != nil {
					return fmt.Errorf("migrate down: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "reverted %s\n", name)
				return nil
			}),
		},
		&cobra.Command{
			Use:   "status",
			Short: "List migrations and whether they are applied",
			RunE: run(func(ctx context.Context, cmd *cobra.Command, mgr *migrate.Manager) error {
				entries, err := mgr.Status(ctx)
				if err != nil {
					return fmt.Errorf("migrate status: %w", err)
				}
				for _, e := range entries {
					mark := "pending"
					if e.Applied {
						mark = "applied"
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%-8s %s\n", mark, e.Name)
				}
				return nil
			}),
		},
	)
	return cmd
}
