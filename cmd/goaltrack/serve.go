package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dukerupert/goaltrack/internal/auth"
	"github.com/dukerupert/goaltrack/internal/server"
	"github.com/dukerupert/goaltrack/internal/storage/factory"
)

func newServeCmd(g *globals) *cobra.Command {
	var origins string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and change feed",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := loadApp(g)
			if err != nil {
				return err
			}
			defer a.Close()
			return a.serve(cmd.Context(), splitList(origins))
		},
	}
	cmd.Flags().StringVar(&origins, "origins", "", "comma-separated hosts allowed to open the change feed cross-origin")
	return cmd
}

func (a *app) serve(parent context.Context, origins []string) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, backend, err := a.store(ctx)
	if err != nil {
		return err
	}

	opts := server.Options{
		Store:          store,
		Backend:        string(backend),
		RequireUser:    backend == factory.BackendPostgres,
		Location:       time.Local,
		OriginPatterns: origins,
	}
	if a.cfg.Auth.JWTSecret != "" {
		opts.Verifier = auth.NewVerifier(a.cfg.Auth.JWTSecret)
	} else if opts.RequireUser {
		a.logger.Warn("postgres storage needs signed-in users but auth.jwt_secret is not set")
	}
	opts.Backup, opts.BackupClient = a.backupConfig()

	srv := server.New(opts, a.logger)

	done := make(chan struct{})
	defer close(done)
	go srv.RateLimiter().RunCleanup(5*time.Minute, done)

	srv.BackupManager().Start(ctx)
	defer srv.BackupManager().Stop()

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:      srv.Router(),
		ReadTimeout:  a.cfg.Server.ReadTimeout,
		WriteTimeout: a.cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("goaltrack running", "addr", httpServer.Addr, "backend", backend)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	a.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
