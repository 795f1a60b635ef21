// Package config loads goaltrack settings from built-in defaults, an
// optional YAML file and GOALTRACK_* environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"go.uber.org/config"
)

type Config struct {
	Log     LogConfig     `yaml:"log"`
	Server  ServerConfig  `yaml:"server"`
	Auth    AuthConfig    `yaml:"auth"`
	Storage StorageConfig `yaml:"storage"`
	Backup  BackupConfig  `yaml:"backup"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type AuthConfig struct {
	// JWTSecret enables bearer-token authentication when set.
	JWTSecret string `yaml:"jwt_secret"`
}

type StorageConfig struct {
	DataDir string `yaml:"data_dir"`
	// Headless marks a host that cannot keep a local database file.
	Headless    bool              `yaml:"headless"`
	Timeout     time.Duration     `yaml:"timeout"`
	SQLite      SQLiteConfig      `yaml:"sqlite"`
	ObjectStore ObjectStoreConfig `yaml:"objectstore"`
	Postgres    PostgresConfig    `yaml:"postgres"`
	Redis       RedisConfig       `yaml:"redis"`
}

type SQLiteConfig struct {
	// Path is relative to the data dir unless absolute or ":memory:".
	Path string `yaml:"path"`
}

type ObjectStoreConfig struct {
	Endpoint          string `yaml:"endpoint"`
	AccountID         string `yaml:"account_id"`
	Bucket            string `yaml:"bucket"`
	Region            string `yaml:"region"`
	AccessKey         string `yaml:"access_key"`
	SecretKey         string `yaml:"secret_key"`
	Prefix            string `yaml:"prefix"`
	PerUser           bool   `yaml:"per_user"`
	ConditionalWrites bool   `yaml:"conditional_writes"`
}

type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	Namespace string `yaml:"namespace"`
}

type BackupConfig struct {
	Passphrase    string        `yaml:"passphrase"`
	Interval      time.Duration `yaml:"interval"`
	RetentionDays int           `yaml:"retention_days"`
	Bucket        string        `yaml:"bucket"`
	Prefix        string        `yaml:"prefix"`
}

// BackupEnabled reports whether snapshots can be taken: a passphrase is set and
// the object store has credentials.
func (c *Config) BackupEnabled() bool {
	return c.Backup.Passphrase != "" && c.Storage.ObjectStore.AccessKey != "" &&
		c.Storage.ObjectStore.SecretKey != "" && c.BackupBucket() != ""
}

// BackupBucket returns the snapshot bucket, defaulting to the storage bucket.
func (c *Config) BackupBucket() string {
	if c.Backup.Bucket != "" {
		return c.Backup.Bucket
	}
	return c.Storage.ObjectStore.Bucket
}

// SQLitePath resolves the database file location.
func (c *StorageConfig) SQLitePath() string {
	p := c.SQLite.Path
	if p == ":memory:" || filepath.IsAbs(p) || c.DataDir == "" {
		return p
	}
	return filepath.Join(c.DataDir, p)
}

func defaults() map[string]any {
	return map[string]any{
		"log": map[string]any{
			"level":  "info",
			"format": "text",
		},
		"server": map[string]any{
			"port":             8080,
			"read_timeout":     "5s",
			"write_timeout":    "30s",
			"shutdown_timeout": "5s",
		},
		"storage": map[string]any{
			"data_dir": ".",
			"timeout":  "10s",
			"sqlite": map[string]any{
				"path": "goaltrack.db",
			},
			"objectstore": map[string]any{
				"region": "auto",
			},
			"redis": map[string]any{
				"namespace": "goaltrack:",
			},
		},
		"backup": map[string]any{
			"interval":       "24h",
			"retention_days": 30,
			"prefix":         "snapshots/",
		},
	}
}

// Load builds the configuration. path may be empty, in which case
// GOALTRACK_CONFIG is consulted; a missing file is an error only when one
// was named explicitly.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("GOALTRACK_CONFIG")
	}

	opts := []config.YAMLOption{config.Static(defaults())}
	if path != "" {
		opts = append(opts, config.File(path))
	}
	opts = append(opts, config.Expand(os.LookupEnv))

	provider, err := config.NewYAML(opts...)
	if err != nil {
		return nil, fmt.Errorf("create config provider: %w", err)
	}

	var cfg Config
	if err := provider.Get(config.Root).Populate(&cfg); err != nil {
		return nil, fmt.Errorf("populate config: %w", err)
	}
	if err := cfg.overrideFromEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) overrideFromEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	var errs []error
	num := func(key string, dst *int) {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	flag := func(key string, dst *bool) {
		if v, ok := lookup(key); ok && v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}

	str("GOALTRACK_LOG_LEVEL", &c.Log.Level)
	str("GOALTRACK_LOG_FORMAT", &c.Log.Format)
	num("GOALTRACK_PORT", &c.Server.Port)
	str("GOALTRACK_JWT_SECRET", &c.Auth.JWTSecret)

	str("GOALTRACK_DATA_DIR", &c.Storage.DataDir)
	flag("GOALTRACK_HEADLESS", &c.Storage.Headless)
	dur("GOALTRACK_STORAGE_TIMEOUT", &c.Storage.Timeout)
	str("GOALTRACK_DB_PATH", &c.Storage.SQLite.Path)

	str("GOALTRACK_S3_ENDPOINT", &c.Storage.ObjectStore.Endpoint)
	str("GOALTRACK_R2_ACCOUNT_ID", &c.Storage.ObjectStore.AccountID)
	str("GOALTRACK_S3_BUCKET", &c.Storage.ObjectStore.Bucket)
	str("GOALTRACK_S3_REGION", &c.Storage.ObjectStore.Region)
	str("GOALTRACK_S3_ACCESS_KEY", &c.Storage.ObjectStore.AccessKey)
	str("GOALTRACK_S3_SECRET_KEY", &c.Storage.ObjectStore.SecretKey)
	flag("GOALTRACK_S3_PER_USER", &c.Storage.ObjectStore.PerUser)
	flag("GOALTRACK_S3_CONDITIONAL_WRITES", &c.Storage.ObjectStore.ConditionalWrites)

	str("GOALTRACK_POSTGRES_DSN", &c.Storage.Postgres.DSN)

	str("GOALTRACK_REDIS_ADDR", &c.Storage.Redis.Addr)
	str("GOALTRACK_REDIS_PASSWORD", &c.Storage.Redis.Password)
	num("GOALTRACK_REDIS_DB", &c.Storage.Redis.DB)

	str("GOALTRACK_BACKUP_PASSPHRASE", &c.Backup.Passphrase)
	dur("GOALTRACK_BACKUP_INTERVAL", &c.Backup.Interval)
	num("GOALTRACK_BACKUP_RETENTION_DAYS", &c.Backup.RetentionDays)
	str("GOALTRACK_BACKUP_BUCKET", &c.Backup.Bucket)

	if len(errs) > 0 {
		return fmt.Errorf("environment overrides: %w", errors.Join(errs...))
	}
	return nil
}
