package factory

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dukerupert/goaltrack/internal/config"
	"github.com/dukerupert/goaltrack/internal/logging"
	"github.com/dukerupert/goaltrack/internal/storage"
	"github.com/dukerupert/goaltrack/internal/storage/kvstore"
	"github.com/dukerupert/goaltrack/internal/storage/objectstore"
	"github.com/dukerupert/goaltrack/internal/storage/storagetest"
)

func testLogger(buf *bytes.Buffer) *slog.Logger {
	return logging.New(buf, "debug", "text")
}

// stub replaces a constructor for the duration of a test.
func stub[T any](t *testing.T, target *T, fn T) {
	t.Helper()
	old := *target
	*target = fn
	t.Cleanup(func() { *target = old })
}

func s3Configured() config.StorageConfig {
	return config.StorageConfig{
		ObjectStore: config.ObjectStoreConfig{Bucket: "goals", AccessKey: "k", SecretKey: "s"},
	}
}

func TestPreferred(t *testing.T) {
	pg := s3Configured()
	pg.Postgres.DSN = "postgres://localhost/goals"
	headless := config.StorageConfig{Headless: true}
	headlessS3 := s3Configured()
	headlessS3.Headless = true
	partialS3 := config.StorageConfig{ObjectStore: config.ObjectStoreConfig{Bucket: "goals"}}

	tests := []struct {
		name string
		cfg  config.StorageConfig
		want Backend
	}{
		{"empty", config.StorageConfig{}, BackendSQLite},
		{"postgres wins", pg, BackendPostgres},
		{"object store", s3Configured(), BackendObjectStore},
		{"bucket without credentials", partialS3, BackendSQLite},
		{"headless", headless, BackendNoop},
		{"headless with remote", headlessS3, BackendObjectStore},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Preferred(tt.cfg); got != tt.want {
				t.Errorf("Preferred = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestOpenSQLite(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "data")
	cfg := config.StorageConfig{DataDir: dir, Timeout: time.Second}
	cfg.SQLite.Path = "goals.db"

	svc, backend, err := Open(context.Background(), cfg, testLogger(&bytes.Buffer{}))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { svc.Close() })
	if backend != BackendSQLite {
		t.Errorf("backend = %q, want sqlite", backend)
	}
	if err := svc.SaveGoal(context.Background(), storagetest.Goal("g1")); err != nil {
		t.Fatalf("save: %v", err)
	}
}

func TestOpenHeadless(t *testing.T) {
	svc, backend, err := Open(context.Background(), config.StorageConfig{Headless: true}, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if backend != BackendNoop {
		t.Errorf("backend = %q, want noop", backend)
	}
	if _, ok := svc.(storage.Noop); !ok {
		t.Errorf("svc = %T, want storage.Noop without a timeout", svc)
	}
}

func TestOpenObjectStore(t *testing.T) {
	var got objectstore.Config
	stub(t, &openObjectStore, func(_ context.Context, cfg objectstore.Config) (storage.Service, error) {
		got = cfg
		return storage.Noop{}, nil
	})
	cfg := s3Configured()
	cfg.ObjectStore.AccountID = "acct"
	cfg.ObjectStore.PerUser = true

	_, backend, err := Open(context.Background(), cfg, testLogger(&bytes.Buffer{}))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if backend != BackendObjectStore {
		t.Errorf("backend = %q, want objectstore", backend)
	}
	if got.S3.AccountID != "acct" || !got.PerUser || got.S3.Bucket != "goals" {
		t.Errorf("objectstore config = %+v", got)
	}
}

func TestFallbackToMemory(t *testing.T) {
	stub(t, &openPostgres, func(context.Context, string) (storage.Service, error) {
		return nil, storage.Unavailable("ping postgres", errors.New("connection refused"))
	})
	var buf bytes.Buffer
	cfg := config.StorageConfig{Timeout: time.Second}
	cfg.Postgres.DSN = "postgres://nowhere/goals"

	svc, backend, err := Open(context.Background(), cfg, testLogger(&buf))
	if err != nil {
		t.Fatalf("fallback must not fail: %v", err)
	}
	if backend != BackendMemory || !backend.Fallback() {
		t.Errorf("backend = %q, want memory", backend)
	}
	if !strings.Contains(buf.String(), "level=WARN") || !strings.Contains(buf.String(), "backend=postgres") {
		t.Errorf("expected a warning naming postgres, got %q", buf.String())
	}

	ctx := context.Background()
	if err := svc.SaveGoal(ctx, storagetest.Goal("g1")); err != nil {
		t.Fatalf("save on fallback: %v", err)
	}
	goals, err := svc.Goals(ctx)
	if err != nil || len(goals) != 1 {
		t.Errorf("goals = %d, %v; want 1", len(goals), err)
	}
}

func TestFallbackToRedis(t *testing.T) {
	stub(t, &openObjectStore, func(context.Context, objectstore.Config) (storage.Service, error) {
		return nil, storage.Unavailable("ping object store", errors.New("403"))
	})
	mem := kvstore.NewMemory()
	stub(t, &dialRedis, func(context.Context, config.RedisConfig) (kvstore.KV, error) {
		return mem, nil
	})
	cfg := s3Configured()
	cfg.Redis = config.RedisConfig{Addr: "localhost:6379", Namespace: "gt:"}

	svc, backend, err := Open(context.Background(), cfg, testLogger(&bytes.Buffer{}))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if backend != BackendRedis {
		t.Errorf("backend = %q, want redis", backend)
	}
	if err := svc.SaveGoal(context.Background(), storagetest.Goal("g1")); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, ok, _ := mem.Get(context.Background(), "gt:goals"); !ok {
		t.Error("expected goals under the redis namespace")
	}
}

func TestFallbackRedisUnreachable(t *testing.T) {
	stub(t, &openSQLite, func(string) (storage.Service, error) {
		return nil, storage.Unavailable("open sqlite", errors.New("read-only file system"))
	})
	stub(t, &dialRedis, func(context.Context, config.RedisConfig) (kvstore.KV, error) {
		return nil, errors.New("dial tcp: connection refused")
	})
	cfg := config.StorageConfig{Redis: config.RedisConfig{Addr: "localhost:6379"}}

	_, backend, err := Open(context.Background(), cfg, testLogger(&bytes.Buffer{}))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if backend != BackendMemory {
		t.Errorf("backend = %q, want memory", backend)
	}
}

func TestOpenCancelled(t *testing.T) {
	stub(t, &openPostgres, func(ctx context.Context, _ string) (storage.Service, error) {
		return nil, ctx.Err()
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	cfg := config.StorageConfig{Postgres: config.PostgresConfig{DSN: "postgres://x"}}

	if _, _, err := Open(ctx, cfg, testLogger(&bytes.Buffer{})); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestProviderMemoizes(t *testing.T) {
	var calls atomic.Int32
	stub(t, &openSQLite, func(string) (storage.Service, error) {
		calls.Add(1)
		return kvstore.New(kvstore.NewMemory(), ""), nil
	})
	p := NewProvider(config.StorageConfig{}, testLogger(&bytes.Buffer{}))

	first, _, err := p.Service(context.Background())
	if err != nil {
		t.Fatalf("Service: %v", err)
	}
	second, backend, _ := p.Service(context.Background())
	if first != second {
		t.Error("expected the same service on every call")
	}
	if backend != BackendSQLite {
		t.Errorf("backend = %q, want sqlite", backend)
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("opened %d times, want 1", n)
	}
	if err := p.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}

func TestProviderCloseUnopened(t *testing.T) {
	p := NewProvider(config.StorageConfig{}, nil)
	if err := p.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}

func TestProviderRetriesAfterCancelledOpen(t *testing.T) {
	var calls atomic.Int32
	stub(t, &openPostgres, func(ctx context.Context, _ string) (storage.Service, error) {
		calls.Add(1)
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return kvstore.New(kvstore.NewMemory(), ""), nil
	})
	cfg := config.StorageConfig{Postgres: config.PostgresConfig{DSN: "postgres://x"}}
	p := NewProvider(cfg, testLogger(&bytes.Buffer{}))

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	if _, _, err := p.Service(cancelled); !errors.Is(err, context.Canceled) {
		t.Fatalf("first call err = %v, want context.Canceled", err)
	}

	svc, backend, err := p.Service(context.Background())
	if err != nil {
		t.Fatalf("second call: %v", err)
	}
	if svc == nil || backend != BackendPostgres {
		t.Errorf("got %v, %q; want a postgres service", svc, backend)
	}
	if _, _, err := p.Service(context.Background()); err != nil {
		t.Fatalf("third call: %v", err)
	}
	if n := calls.Load(); n != 2 {
		t.Errorf("opened %d times, want 2", n)
	}
}
