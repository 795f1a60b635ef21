// Package backup keeps encrypted export snapshots in S3-compatible storage.
// A snapshot is the versioned export of one scope's goals, sealed with a
// passphrase-derived key and stored at
//
//	<prefix><scope>/export-<timestamp>.json.enc
//
// where scope is "local" or "users/<path-escaped id>". Restoring imports the snapshot
// through the active storage backend, so it works with any backend.
package backup

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/dukerupert/goaltrack/internal/auth"
	"github.com/dukerupert/goaltrack/internal/storage"
	"github.com/dukerupert/goaltrack/internal/storage/objectstore"
)

const timestampLayout = "2006-01-02T150405.000Z"

// Config holds backup manager configuration.
type Config struct {
	Bucket        string
	Prefix        string
	Passphrase    string
	RetentionDays int
	// Interval between scheduled snapshots; zero disables the schedule.
	Interval time.Duration
}

// State represents the backup manager state.
type State string

const (
	StateIdle     State = "idle"
	StateRunning  State = "running"
	StateDisabled State = "disabled"
	StateError    State = "error"
)

// Status holds the current backup manager status.
type Status struct {
	State      State      `json:"state"`
	LastBackup *time.Time `json:"last_backup,omitempty"`
	Error      string     `json:"error,omitempty"`
	InProgress bool       `json:"in_progress"`
}

// StatusCallback is called whenever the backup state of a user scope
// changes. The local scope is the empty user id.
type StatusCallback func(userID string, s Status)

// Snapshot describes one stored snapshot.
type Snapshot struct {
	Key       string    `json:"key"`
	Name      string    `json:"name"`
	SizeBytes int64     `json:"size_bytes"`
	CreatedAt time.Time `json:"created_at"`
}

// Manager takes, lists, restores and prunes snapshots. Status is tracked
// per user scope.
type Manager struct {
	mu       sync.RWMutex
	cfg      Config
	statuses map[string]Status
	callback StatusCallback
	logger   *slog.Logger

	client objectstore.Client
	store  storage.Service
	now    func() time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// NewManager creates a backup manager. A nil client or an empty passphrase
// leaves it disabled.
func NewManager(cfg Config, client objectstore.Client, store storage.Service, logger *slog.Logger, callback StatusCallback) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 30
	}
	m := &Manager{
		cfg:      cfg,
		client:   client,
		store:    store,
		logger:   logger.With("component", "backup"),
		callback: callback,
		now:      time.Now,
		statuses: make(map[string]Status),
	}
	return m
}

func (m *Manager) enabled() bool {
	return m.client != nil && m.cfg.Bucket != "" && m.cfg.Passphrase != ""
}

var errDisabled = fmt.Errorf("backup not configured: %w", storage.ErrMediumUnavailable)

// Status returns the backup status of the context's user scope.
func (m *Manager) Status(ctx context.Context) Status {
	if !m.enabled() {
		return Status{State: StateDisabled}
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if st, ok := m.statuses[auth.UserID(ctx)]; ok {
		return st
	}
	return Status{State: StateIdle}
}

func (m *Manager) setStatus(ctx context.Context, s Status) {
	userID := auth.UserID(ctx)
	m.mu.Lock()
	m.statuses[userID] = s
	m.mu.Unlock()
	if m.callback != nil {
		m.callback(userID, s)
	}
}

func (m *Manager) fail(ctx context.Context, err error) error {
	m.setStatus(ctx, Status{State: StateError, Error: err.Error()})
	return err
}

// scopePrefix returns the key prefix for the context's user. The id is
// path-escaped so no user's prefix can contain another's.
func (m *Manager) scopePrefix(ctx context.Context) string {
	if id := auth.UserID(ctx); id != "" {
		return m.cfg.Prefix + "users/" + url.PathEscape(id) + "/"
	}
	return m.cfg.Prefix + "local/"
}

// Run exports the goals in scope, seals them and uploads the snapshot.
func (m *Manager) Run(ctx context.Context) (Snapshot, error) {
	if !m.enabled() {
		return Snapshot{}, errDisabled
	}

	m.setStatus(ctx, Status{State: StateRunning, InProgress: true})

	payload, err := m.store.Export(ctx)
	if err != nil {
		return Snapshot{}, m.fail(ctx, fmt.Errorf("export: %w", err))
	}
	sealed, err := Seal(payload, m.cfg.Passphrase)
	if err != nil {
		return Snapshot{}, m.fail(ctx, fmt.Errorf("encrypt: %w", err))
	}

	now := m.now().UTC()
	name := fmt.Sprintf("export-%s.json.enc", now.Format(timestampLayout))
	key := m.scopePrefix(ctx) + name

	_, err = m.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(m.cfg.Bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(sealed),
		ContentLength: aws.Int64(int64(len(sealed))),
		ContentType:   aws.String("application/octet-stream"),
	})
	if err != nil {
		return Snapshot{}, m.fail(ctx, storage.Unavailable("upload snapshot", err))
	}

	m.setStatus(ctx, Status{State: StateIdle, LastBackup: &now})
	m.logger.Info("snapshot stored", "key", key, "size", len(sealed))
	return Snapshot{Key: key, Name: name, SizeBytes: int64(len(sealed)), CreatedAt: now}, nil
}

// List returns the snapshots in scope, newest first.
func (m *Manager) List(ctx context.Context) ([]Snapshot, error) {
	if !m.enabled() {
		return nil, errDisabled
	}

	prefix := m.scopePrefix(ctx)
	snaps := []Snapshot{}
	p := s3.NewListObjectsV2Paginator(m.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(m.cfg.Bucket),
		Prefix: aws.String(prefix),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, storage.Unavailable("list snapshots", err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			name := strings.TrimPrefix(key, prefix)
			if strings.Contains(name, "/") || !strings.HasSuffix(name, ".json.enc") {
				continue
			}
			snaps = append(snaps, Snapshot{
				Key:       key,
				Name:      name,
				SizeBytes: aws.ToInt64(obj.Size),
				CreatedAt: aws.ToTime(obj.LastModified).UTC(),
			})
		}
	}
	sort.Slice(snaps, func(i, j int) bool {
		if !snaps[i].CreatedAt.Equal(snaps[j].CreatedAt) {
			return snaps[i].CreatedAt.After(snaps[j].CreatedAt)
		}
		return snaps[i].Name > snaps[j].Name
	})
	return snaps, nil
}

// Restore downloads the named snapshot, decrypts it and imports it,
// replacing the goals in scope. name is the snapshot's file name within
// the caller's scope; keys from other scopes are not reachable.
func (m *Manager) Restore(ctx context.Context, name string) error {
	if !m.enabled() {
		return errDisabled
	}
	if name == "" || strings.ContainsAny(name, "/\\") || !strings.HasSuffix(name, ".json.enc") {
		return fmt.Errorf("snapshot %q: %w", name, storage.ErrInvalid)
	}
	key := m.scopePrefix(ctx) + name

	out, err := m.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(m.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if objectstore.IsNotFound(err) {
			return fmt.Errorf("snapshot %q: %w", name, storage.ErrNotFound)
		}
		return storage.Unavailable("download snapshot", err)
	}
	defer out.Body.Close()

	sealed, err := io.ReadAll(out.Body)
	if err != nil {
		return storage.Unavailable("read snapshot", err)
	}
	payload, err := Open(sealed, m.cfg.Passphrase)
	if err != nil {
		return fmt.Errorf("snapshot %q: %w", name, err)
	}
	if err := m.store.Import(ctx, payload); err != nil {
		return fmt.Errorf("import snapshot %q: %w", name, err)
	}
	m.logger.Info("snapshot restored", "key", key)
	return nil
}

// Cleanup deletes snapshots in scope older than the retention period and
// returns how many were removed.
func (m *Manager) Cleanup(ctx context.Context) (int, error) {
	snaps, err := m.List(ctx)
	if err != nil {
		return 0, err
	}

	before := m.now().UTC().AddDate(0, 0, -m.cfg.RetentionDays)
	removed := 0
	for _, s := range snaps {
		if !s.CreatedAt.Before(before) {
			continue
		}
		if _, err := m.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(m.cfg.Bucket),
			Key:    aws.String(s.Key),
		}); err != nil {
			m.logger.Warn("delete snapshot", "key", s.Key, "error", err)
			continue
		}
		removed++
	}
	return removed, nil
}

// Start runs a snapshot and cleanup every Interval for the scope carried by
// ctx until Stop is called or ctx is done.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if !m.enabled() || m.cfg.Interval <= 0 || m.cancel != nil {
		m.mu.Unlock()
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	interval := m.cfg.Interval
	m.mu.Unlock()

	go func() {
		defer close(m.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.scheduled(ctx)
			}
		}
	}()
}

func (m *Manager) scheduled(ctx context.Context) {
	if _, err := m.Run(ctx); err != nil {
		m.logger.Error("scheduled snapshot failed", "error", err)
		return
	}
	if n, err := m.Cleanup(ctx); err != nil {
		m.logger.Error("snapshot cleanup failed", "error", err)
	} else if n > 0 {
		m.logger.Info("snapshots pruned", "count", n)
	}
}

// Stop gracefully stops the schedule.
func (m *Manager) Stop() {
	m.mu.RLock()
	cancel := m.cancel
	done := m.done
	m.mu.RUnlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}
