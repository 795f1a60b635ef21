// Package kvstore is the degraded fallback backend: every collection is a
// JSON value in a flat key-value store, either Redis or process memory.
//
// Keys, prefixed by user:<escaped id>: when a user is signed in:
//
//	goals               every goal, one array
//	aiSettings          AI settings
//	review:<bucket-key> one review per bucket
package kvstore

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"slices"
	"time"

	"github.com/dukerupert/goaltrack/internal/auth"
	"github.com/dukerupert/goaltrack/internal/model"
	"github.com/dukerupert/goaltrack/internal/storage"
)

type Store struct {
	kv        KV
	namespace string
}

var _ storage.Service = (*Store)(nil)

// New wraps kv. namespace is prepended to every key.
func New(kv KV, namespace string) *Store {
	return &Store{kv: kv, namespace: namespace}
}

// scope is the key prefix for the context's user. The id is query-escaped
// so it never contains the ':' separator and no user's prefix can contain
// another's.
func (s *Store) scope(ctx context.Context) string {
	if id := auth.UserID(ctx); id != "" {
		return s.namespace + "user:" + url.QueryEscape(id) + ":"
	}
	return s.namespace
}

func (s *Store) goalsKey(ctx context.Context) string    { return s.scope(ctx) + "goals" }
func (s *Store) settingsKey(ctx context.Context) string { return s.scope(ctx) + "aiSettings" }
func (s *Store) reviewPrefix(ctx context.Context) string {
	return s.scope(ctx) + "review:"
}

func (s *Store) get(ctx context.Context, key string, v any) (bool, error) {
	data, ok, err := s.kv.Get(ctx, key)
	if err != nil {
		return false, storage.Unavailable("get "+key, err)
	}
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

func (s *Store) set(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := s.kv.Set(ctx, key, data); err != nil {
		return storage.Unavailable("set "+key, err)
	}
	return nil
}

func (s *Store) Goals(ctx context.Context) ([]model.Goal, error) {
	var goals []model.Goal
	if _, err := s.get(ctx, s.goalsKey(ctx), &goals); err != nil {
		return nil, err
	}
	if goals == nil {
		goals = []model.Goal{}
	}
	for i := range goals {
		goals[i].Normalize()
	}
	return goals, nil
}

func indexOf(goals []model.Goal, id string) int {
	return slices.IndexFunc(goals, func(g model.Goal) bool { return g.ID == id })
}

func (s *Store) SaveGoal(ctx context.Context, goal model.Goal) error {
	g, err := storage.PrepareGoal(goal)
	if err != nil {
		return err
	}
	goals, err := s.Goals(ctx)
	if err != nil {
		return err
	}
	if indexOf(goals, g.ID) >= 0 {
		return fmt.Errorf("insert goal %q: %w", g.ID, storage.ErrDuplicateKey)
	}
	return s.set(ctx, s.goalsKey(ctx), append(goals, g))
}

func (s *Store) UpdateGoal(ctx context.Context, goal model.Goal) error {
	g, err := storage.PrepareGoal(goal)
	if err != nil {
		return err
	}
	goals, err := s.Goals(ctx)
	if err != nil {
		return err
	}
	i := indexOf(goals, g.ID)
	if i < 0 {
		return fmt.Errorf("update goal %q: %w", g.ID, storage.ErrNotFound)
	}
	goals[i] = g
	return s.set(ctx, s.goalsKey(ctx), goals)
}

func (s *Store) DeleteGoal(ctx context.Context, id string) error {
	goals, err := s.Goals(ctx)
	if err != nil {
		return err
	}
	i := indexOf(goals, id)
	if i < 0 {
		return nil
	}
	return s.set(ctx, s.goalsKey(ctx), slices.Delete(goals, i, i+1))
}

func (s *Store) SaveGoals(ctx context.Context, goals []model.Goal) error {
	prepared, err := storage.PrepareGoals(goals)
	if err != nil {
		return err
	}
	return s.set(ctx, s.goalsKey(ctx), prepared)
}

func (s *Store) Export(ctx context.Context) ([]byte, error) {
	goals, err := s.Goals(ctx)
	if err != nil {
		return nil, err
	}
	return storage.EncodeExport(goals, time.Now())
}

func (s *Store) Import(ctx context.Context, payload []byte) error {
	goals, err := storage.DecodeImport(payload)
	if err != nil {
		return err
	}
	return s.set(ctx, s.goalsKey(ctx), goals)
}

func (s *Store) ClearAll(ctx context.Context) error {
	keys, err := s.kv.Keys(ctx, s.reviewPrefix(ctx))
	if err != nil {
		return storage.Unavailable("list reviews", err)
	}
	keys = append(keys, s.goalsKey(ctx), s.settingsKey(ctx))
	if err := s.kv.Delete(ctx, keys...); err != nil {
		return storage.Unavailable("clear", err)
	}
	return nil
}

func (s *Store) Settings(ctx context.Context) (model.AISettings, error) {
	var settings model.AISettings
	ok, err := s.get(ctx, s.settingsKey(ctx), &settings)
	if err != nil {
		return model.AISettings{}, err
	}
	if ok {
		return settings, nil
	}
	defaults := model.DefaultAISettings()
	if err := s.set(ctx, s.settingsKey(ctx), defaults); err != nil {
		return model.AISettings{}, err
	}
	return defaults, nil
}

func (s *Store) SaveSettings(ctx context.Context, settings model.AISettings) error {
	settings, err := storage.PrepareSettings(settings)
	if err != nil {
		return err
	}
	return s.set(ctx, s.settingsKey(ctx), settings)
}

func (s *Store) Review(ctx context.Context, period model.ReviewPeriod, year, month, quarter int) (*model.Review, error) {
	if err := model.ValidateBucket(period, year, month, quarter); err != nil {
		return nil, fmt.Errorf("%w: %w", storage.ErrInvalid, err)
	}
	var r model.Review
	ok, err := s.get(ctx, s.reviewPrefix(ctx)+model.ReviewKey(period, year, month, quarter), &r)
	if err != nil || !ok {
		return nil, err
	}
	r.Normalize()
	return &r, nil
}

func (s *Store) SaveReview(ctx context.Context, review model.Review) error {
	r, err := storage.PrepareReview(review)
	if err != nil {
		return err
	}
	return s.set(ctx, s.reviewPrefix(ctx)+r.ID, r)
}

func (s *Store) Reviews(ctx context.Context) ([]model.Review, error) {
	keys, err := s.kv.Keys(ctx, s.reviewPrefix(ctx))
	if err != nil {
		return nil, storage.Unavailable("list reviews", err)
	}
	reviews := []model.Review{}
	for _, key := range keys {
		var r model.Review
		ok, err := s.get(ctx, key, &r)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		r.Normalize()
		reviews = append(reviews, r)
	}
	storage.SortReviews(reviews)
	return reviews, nil
}

func (s *Store) Close() error {
	return s.kv.Close()
}
