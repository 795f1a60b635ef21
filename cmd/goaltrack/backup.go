package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/dukerupert/goaltrack/internal/backup"
)

func newBackupCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{Use: "backup", Short: "Encrypted snapshots in object storage"}

	// withManager loads the app and runs fn against a manager over the
	// resolved store.
	withManager := func(cmd *cobra.Command, fn func(*app, *backup.Manager) error) error {
		a, err := loadApp(g)
		if err != nil {
			return err
		}
		defer a.Close()
		store, _, err := a.store(a.scope(cmd.Context(), g))
		if err != nil {
			return err
		}
		return fn(a, a.backupManager(store))
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Take a snapshot now and prune expired ones",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withManager(cmd, func(a *app, m *backup.Manager) error {
				ctx := a.scope(cmd.Context(), g)
				snap, err := m.Run(ctx)
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "stored %s (%d bytes)\n", snap.Name, snap.SizeBytes)
				n, err := m.Cleanup(ctx)
				if err != nil {
					return err
				}
				if n > 0 {
					_, _ = fmt.Fprintf(cmd.OutOrStdout(), "pruned %d snapshots\n", n)
				}
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List snapshots, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withManager(cmd, func(a *app, m *backup.Manager) error {
				snaps, err := m.List(a.scope(cmd.Context(), g))
				if err != nil {
					return err
				}
				if len(snaps) == 0 {
					_, _ = fmt.Fprintln(cmd.OutOrStdout(), "no snapshots")
					return nil
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				for _, s := range snaps {
					_, _ = fmt.Fprintf(tw, "%s\t%d\t%s\n", s.Name, s.SizeBytes, s.CreatedAt.Format("2006-01-02 15:04:05"))
				}
				return tw.Flush()
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "restore <name>",
		Short: "Replace the goals in scope with a snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(cmd, func(a *app, m *backup.Manager) error {
				if err := m.Restore(a.scope(cmd.Context(), g), args[0]); err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "restored %s\n", args[0])
				return nil
			})
		},
	})
	return cmd
}
