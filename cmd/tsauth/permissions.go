package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"thunderstorm.io/auth/internal/auth"
	"thunderstorm.io/auth/internal/migrate"
)

var errNeedsUpdate = errors.New("permissions need update, run tsauth permissions update")

type permissionsFlags struct {
	file  string
	extra []string
}

func (f *permissionsFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.file, "permissions-file", "config/permissions.txt", "file listing the permissions guarded by the service, one per line")
	cmd.Flags().StringArrayVar(&f.extra, "permission", nil, "additional registered permission (repeatable)")
}

func (f *permissionsFlags) registry() (*auth.Registry, error) {
	reg := auth.NewRegistry(f.extra...)
	if f.file == "" {
		return reg, nil
	}
	fh, err := os.Open(f.file)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && len(f.extra) > 0 {
			return reg, nil
		}
		return nil, fmt.Errorf("open permissions file: %w", err)
	}
	defer fh.Close()
	if err := readPermissions(fh, reg); err != nil {
		return nil, fmt.Errorf("read %s: %w", f.file, err)
	}
	return reg, nil
}

// readPermissions registers each non-blank line of r. Lines starting with #
// are comments.
func readPermissions(r io.Reader, reg *auth.Registry) error {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		reg.Register(line)
	}
	return sc.Err()
}

func newPermissionsCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "permissions",
		Short: "Inspect and migrate the permissions registered by the service",
	}
	cmd.AddCommand(newPermissionsListCommand(a), newPermissionsUpdateCommand(a))
	return cmd
}

func newPermissionsListCommand(a *app) *cobra.Command {
	var flags permissionsFlags
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Compare registered permissions with the database, exit 1 when an update is needed",
		RunE: func(cmd *cobra.Command, args []string) error {
			info, err := a.permissionsInfo(cmd, &flags)
			if err != nil {
				return err
			}
			if err := printPermissionsInfo(cmd.OutOrStdout(), info); err != nil {
				return err
			}
			if info.NeedsUpdate() {
				return errNeedsUpdate
			}
			return nil
		},
	}
	flags.bind(cmd)
	return cmd
}

func newPermissionsUpdateCommand(a *app) *cobra.Command {
	var flags permissionsFlags
	cmd := &cobra.Command{
		Use:   "update",
		Short: "Write a migration bringing the permission rows in line with the registry",
		RunE: func(cmd *cobra.Command, args []string) error {
			info, err := a.permissionsInfo(cmd, &flags)
			if err != nil {
				return err
			}
			if !info.NeedsUpdate() {
				fmt.Fprintln(cmd.OutOrStdout(), "permissions are up to date")
				return nil
			}
			path, err := migrate.WritePermissionMigration(a.cfg.MigrationsDir, info, a.cfg.ServiceName, a.cfg.Schema, time.Now())
			if err != nil {
				return err
			}
			a.log.Info("permission migration written",
				zap.String("path", path),
				zap.Int("insert", len(info.ToInsert)),
				zap.Int("undelete", len(info.ToUndelete)),
				zap.Int("delete", len(info.ToDelete)),
			)
			fmt.Fprintln(cmd.OutOrStdout(), path)
			return nil
		},
	}
	flags.bind(cmd)
	return cmd
}

func (a *app) permissionsInfo(cmd *cobra.Command, flags *permissionsFlags) (auth.PermissionsInfo, error) {
	if err := a.cfg.RequireService(); err != nil {
		return auth.PermissionsInfo{}, err
	}
	reg, err := flags.registry()
	if err != nil {
		return auth.PermissionsInfo{}, err
	}
	store, cleanup, err := a.openStore(cmd.Context())
	if err != nil {
		return auth.PermissionsInfo{}, err
	}
	defer cleanup()
	return store.GetPermissionsInfo(cmd.Context(), reg)
}

func printPermissionsInfo(w io.Writer, info auth.PermissionsInfo) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "Registered:")
	for _, p := range info.Registered {
		fmt.Fprintf(tw, "  %s\n", p)
	}
	fmt.Fprintln(tw, "Database:")
	fmt.Fprintln(tw, "  UUID\tPERMISSION\tDELETED\tSENT")
	for _, row := range info.DB {
		fmt.Fprintf(tw, "  %s\t%s\t%t\t%t\n", row.UUID, row.Permission, row.IsDeleted, row.IsSent)
	}
	fmt.Fprintln(tw)
	fmt.Fprintf(tw, "To insert:\t%s\n", joinOrNone(info.ToInsert))
	fmt.Fprintf(tw, "To undelete:\t%s\n", joinOrNone(info.ToUndelete))
	fmt.Fprintf(tw, "To delete:\t%s\n", joinOrNone(info.ToDelete))
	return tw.Flush()
}

func joinOrNone(items []string) string {
	if len(items) == 0 {
		return "-"
	}
	return strings.Join(items, ", ")
}
