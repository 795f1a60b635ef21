package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

func newExportCmd(g *globals) *cobra.Command {
	var out string

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write the goals in scope as an export document",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := loadApp(g)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := a.scope(cmd.Context(), g)
			store, _, err := a.store(ctx)
			if err != nil {
				return err
			}
			payload, err := store.Export(ctx)
			if err != nil {
				return err
			}
			if out == "" || out == "-" {
				_, err = cmd.OutOrStdout().Write(payload)
				return err
			}
			if err := os.WriteFile(out, payload, 0o600); err != nil {
				return fmt.Errorf("write export: %w", err)
			}
			_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "exported to %s\n", out)
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "output file (default stdout)")
	return cmd
}

func newImportCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "import <file>",
		Short: "Replace the goals in scope with an export document of any version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(g)
			if err != nil {
				return err
			}
			defer a.Close()

			var payload []byte
			if args[0] == "-" {
				payload, err = io.ReadAll(cmd.InOrStdin())
			} else {
				payload, err = os.ReadFile(args[0])
			}
			if err != nil {
				return fmt.Errorf("read import: %w", err)
			}

			ctx := a.scope(cmd.Context(), g)
			store, _, err := a.store(ctx)
			if err != nil {
				return err
			}
			if err := store.Import(ctx, payload); err != nil {
				return err
			}
			goals, err := store.Goals(ctx)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "imported %d goals\n", len(goals))
			return nil
		},
	}
}

func newClearCmd(g *globals) *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete all goals, settings and reviews in scope",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !yes {
				return fmt.Errorf("refusing to clear without --yes")
			}
			a, err := loadApp(g)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := a.scope(cmd.Context(), g)
			store, _, err := a.store(ctx)
			if err != nil {
				return err
			}
			if err := store.ClearAll(ctx); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "cleared")
			return nil
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm deletion")
	return cmd
}

func newBackendCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "backend",
		Short: "Print the storage backend the configuration resolves to",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := loadApp(g)
			if err != nil {
				return err
			}
			defer a.Close()

			_, backend, err := a.store(cmd.Context())
			if err != nil {
				return err
			}
			preferred := a.preferred()
			if backend != preferred {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s (fallback from %s)\n", backend, preferred)
				return nil
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), backend)
			return nil
		},
	}
}
