// Package factory picks the storage backend for a configuration and falls
// back to a key-value store when the preferred backend cannot be opened.
package factory

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/dukerupert/goaltrack/internal/config"
	"github.com/dukerupert/goaltrack/internal/storage"
	"github.com/dukerupert/goaltrack/internal/storage/kvstore"
	"github.com/dukerupert/goaltrack/internal/storage/objectstore"
	"github.com/dukerupert/goaltrack/internal/storage/postgres"
	"github.com/dukerupert/goaltrack/internal/storage/sqlite"
)

// Backend names the resolved implementation.
type Backend string

const (
	BackendPostgres    Backend = "postgres"
	BackendObjectStore Backend = "objectstore"
	BackendSQLite      Backend = "sqlite"
	BackendRedis       Backend = "redis"
	BackendMemory      Backend = "memory"
	BackendNoop        Backend = "noop"
)

// Fallback reports whether b is a degraded key-value backend.
func (b Backend) Fallback() bool {
	return b == BackendRedis || b == BackendMemory
}

// Constructors are swapped in tests.
var (
	openPostgres = func(ctx context.Context, dsn string) (storage.Service, error) {
		return postgres.Open(ctx, dsn)
	}
	openObjectStore = func(ctx context.Context, cfg objectstore.Config) (storage.Service, error) {
		s, err := objectstore.New(cfg)
		if err != nil {
			return nil, err
		}
		if err := s.Ping(ctx); err != nil {
			return nil, err
		}
		return s, nil
	}
	openSQLite = func(path string) (storage.Service, error) {
		return sqlite.Open(path)
	}
	dialRedis = func(ctx context.Context, cfg config.RedisConfig) (kvstore.KV, error) {
		return kvstore.DialRedis(ctx, cfg.Addr, cfg.Password, cfg.DB)
	}
)

// ObjectStoreConfig maps the storage section onto the object-store backend.
func ObjectStoreConfig(cfg config.StorageConfig) objectstore.Config {
	oc := cfg.ObjectStore
	return objectstore.Config{
		S3: objectstore.S3Config{
			Endpoint:  oc.Endpoint,
			AccountID: oc.AccountID,
			Bucket:    oc.Bucket,
			Region:    oc.Region,
			AccessKey: oc.AccessKey,
			SecretKey: oc.SecretKey,
		},
		Prefix:            oc.Prefix,
		PerUser:           oc.PerUser,
		ConditionalWrites: oc.ConditionalWrites,
	}
}

// Preferred returns the backend cfg asks for before any fallback:
// postgres, then the object store, then sqlite, or noop on a headless host.
func Preferred(cfg config.StorageConfig) Backend {
	switch {
	case cfg.Postgres.DSN != "":
		return BackendPostgres
	case ObjectStoreConfig(cfg).S3.Configured():
		return BackendObjectStore
	case cfg.Headless:
		return BackendNoop
	default:
		return BackendSQLite
	}
}

// Open resolves and opens the backend for cfg. A preferred backend that
// fails to open is logged and replaced by the key-value fallback, so the
// only error Open returns is a cancelled context. The result is bounded by
// cfg.Timeout.
func Open(ctx context.Context, cfg config.StorageConfig, logger *slog.Logger) (storage.Service, Backend, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "storage")

	svc, backend, err := open(ctx, cfg)
	if err != nil {
		if ctx.Err() != nil {
			return nil, "", fmt.Errorf("open %s storage: %w", backend, ctx.Err())
		}
		logger.Warn("storage backend unavailable, falling back",
			"backend", backend, "kind", storage.Kind(err), "error", err)
		svc, backend = fallback(ctx, cfg.Redis, logger)
	}

	logger.Info("storage ready", "backend", backend)
	return storage.WithTimeout(svc, cfg.Timeout), backend, nil
}

func open(ctx context.Context, cfg config.StorageConfig) (storage.Service, Backend, error) {
	backend := Preferred(cfg)
	var (
		svc storage.Service
		err error
	)
	switch backend {
	case BackendPostgres:
		svc, err = openPostgres(ctx, cfg.Postgres.DSN)
	case BackendObjectStore:
		svc, err = openObjectStore(ctx, ObjectStoreConfig(cfg))
	case BackendNoop:
		svc = storage.Noop{}
	default:
		path := cfg.SQLitePath()
		if path != ":memory:" && cfg.DataDir != "" {
			if mkErr := os.MkdirAll(cfg.DataDir, 0o755); mkErr != nil {
				return nil, backend, storage.Unavailable("create data dir", mkErr)
			}
		}
		svc, err = openSQLite(path)
	}
	return svc, backend, err
}

func fallback(ctx context.Context, cfg config.RedisConfig, logger *slog.Logger) (storage.Service, Backend) {
	if cfg.Addr != "" {
		kv, err := dialRedis(ctx, cfg)
		if err == nil {
			return kvstore.New(kv, cfg.Namespace), BackendRedis
		}
		logger.Warn("redis unavailable, using process memory", "addr", cfg.Addr, "error", err)
	}
	return kvstore.New(kvstore.NewMemory(), cfg.Namespace), BackendMemory
}

// Provider resolves the backend once and hands the same service to every
// consumer. Only a successful resolution is kept; a call that fails, such
// as one whose context was already cancelled, leaves the next caller to try
// again.
type Provider struct {
	cfg    config.StorageConfig
	logger *slog.Logger

	mu      sync.Mutex
	svc     storage.Service
	backend Backend
}

func NewProvider(cfg config.StorageConfig, logger *slog.Logger) *Provider {
	return &Provider{cfg: cfg, logger: logger}
}

// Service returns the resolved backend, opening it on first use.
func (p *Provider) Service(ctx context.Context) (storage.Service, Backend, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.svc != nil {
		return p.svc, p.backend, nil
	}
	svc, backend, err := Open(ctx, p.cfg, p.logger)
	if err != nil {
		return nil, backend, err
	}
	p.svc, p.backend = svc, backend
	return svc, backend, nil
}

// Close releases the backend if it was opened.
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.svc == nil {
		return nil
	}
	err := p.svc.Close()
	p.svc = nil
	return err
}
