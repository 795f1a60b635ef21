package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/dukerupert/goaltrack/internal/auth"
	"github.com/dukerupert/goaltrack/internal/backup"
	"github.com/dukerupert/goaltrack/internal/config"
	"github.com/dukerupert/goaltrack/internal/logging"
	"github.com/dukerupert/goaltrack/internal/model"
	"github.com/dukerupert/goaltrack/internal/storage"
	"github.com/dukerupert/goaltrack/internal/storage/factory"
	"github.com/dukerupert/goaltrack/internal/storage/objectstore"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// globals are the persistent flags shared by every command.
type globals struct {
	configPath string
	user       string
}

func newRootCmd() *cobra.Command {
	g := &globals{}

	root := &cobra.Command{
		Use:           "goaltrack",
		Short:         "Goal tracking service and storage tools",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&g.configPath, "config", "", "path to a YAML config file (default $GOALTRACK_CONFIG)")
	root.PersistentFlags().StringVar(&g.user, "user", "", "act as this user id instead of the local scope")

	root.AddCommand(newServeCmd(g))
	root.AddCommand(newExportCmd(g))
	root.AddCommand(newImportCmd(g))
	root.AddCommand(newClearCmd(g))
	root.AddCommand(newBackupCmd(g))
	root.AddCommand(newBackendCmd(g))
	return root
}

type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	provider *factory.Provider
}

func loadApp(g *globals) (*app, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return nil, err
	}
	logger := logging.Setup(cfg.Log.Level, cfg.Log.Format)
	return &app{
		cfg:      cfg,
		logger:   logger,
		provider: factory.NewProvider(cfg.Storage, logger),
	}, nil
}

// scope returns a context acting as the --user, if one was given.
func (a *app) scope(ctx context.Context, g *globals) context.Context {
	if g.user == "" {
		return ctx
	}
	return auth.WithUser(ctx, model.UserProfile{ID: g.user})
}

func (a *app) store(ctx context.Context) (storage.Service, factory.Backend, error) {
	return a.provider.Service(ctx)
}

func (a *app) Close() error {
	return a.provider.Close()
}

// backupConfig returns the snapshot settings and, when backups are enabled,
// an S3 client for the snapshot bucket.
func (a *app) backupConfig() (backup.Config, objectstore.Client) {
	cfg := backup.Config{
		Bucket:        a.cfg.BackupBucket(),
		Prefix:        a.cfg.Backup.Prefix,
		Passphrase:    a.cfg.Backup.Passphrase,
		RetentionDays: a.cfg.Backup.RetentionDays,
		Interval:      a.cfg.Backup.Interval,
	}
	if !a.cfg.BackupEnabled() {
		return cfg, nil
	}
	s3cfg := factory.ObjectStoreConfig(a.cfg.Storage).S3
	s3cfg.Bucket = cfg.Bucket
	return cfg, objectstore.NewClient(s3cfg)
}

func (a *app) backupManager(store storage.Service) *backup.Manager {
	cfg, client := a.backupConfig()
	return backup.NewManager(cfg, client, store, a.logger, nil)
}

func (a *app) preferred() factory.Backend {
	return factory.Preferred(a.cfg.Storage)
}
