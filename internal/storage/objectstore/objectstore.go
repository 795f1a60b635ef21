// Package objectstore keeps goals, settings and reviews as JSON documents in
// an S3-compatible bucket (Cloudflare R2 in production).
//
// Layout, relative to the scope prefix:
//
//	goals.json               every goal, one array
//	settings.json            AI settings
//	reviews/<bucket-key>.json one review per bucket
//
// With PerUser set, the scope prefix is users/<id>/ for a signed-in user,
// with the id path-escaped so it cannot span more than one segment.
//
// Goal mutations are read-modify-write of goals.json. Two writers racing on
// the same document lose one update unless ConditionalWrites is on, in which
// case the write carries the ETag it read and a lost race fails with
// storage.ErrConflict.
package objectstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"slices"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/dukerupert/goaltrack/internal/auth"
	"github.com/dukerupert/goaltrack/internal/model"
	"github.com/dukerupert/goaltrack/internal/storage"
)

type Config struct {
	S3                S3Config
	Prefix            string
	PerUser           bool
	ConditionalWrites bool
}

type Store struct {
	client      Client
	bucket      string
	prefix      string
	perUser     bool
	conditional bool
}

var _ storage.Service = (*Store)(nil)

// New builds a store backed by a real S3 client. It fails with
// storage.ErrMediumUnavailable when the bucket or credentials are missing.
func New(cfg Config) (*Store, error) {
	if !cfg.S3.Configured() {
		return nil, storage.Unavailable("open object store", fmt.Errorf("bucket and credentials are required"))
	}
	return NewWithClient(NewClient(cfg.S3), cfg), nil
}

func NewWithClient(client Client, cfg Config) *Store {
	return &Store{
		client:      client,
		bucket:      cfg.S3.Bucket,
		prefix:      cfg.Prefix,
		perUser:     cfg.PerUser,
		conditional: cfg.ConditionalWrites,
	}
}

// Ping checks the bucket is reachable.
func (s *Store) Ping(ctx context.Context) error {
	_, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(s.bucket),
		Prefix:  aws.String(s.prefix),
		MaxKeys: aws.Int32(1),
	})
	if err != nil {
		return storage.Unavailable("ping object store", err)
	}
	return nil
}

func (s *Store) scope(ctx context.Context) string {
	if s.perUser {
		if id := auth.UserID(ctx); id != "" {
			return s.prefix + "users/" + url.PathEscape(id) + "/"
		}
	}
	return s.prefix
}

func (s *Store) goalsKey(ctx context.Context) string    { return s.scope(ctx) + "goals.json" }
func (s *Store) settingsKey(ctx context.Context) string { return s.scope(ctx) + "settings.json" }
func (s *Store) reviewsPrefix(ctx context.Context) string {
	return s.scope(ctx) + "reviews/"
}
func (s *Store) reviewKey(ctx context.Context, key string) string {
	return s.reviewsPrefix(ctx) + key + ".json"
}

// object is what a read saw: whether the key existed and its ETag.
type object struct {
	exists bool
	etag   string
}

func (s *Store) getJSON(ctx context.Context, key string, v any) (object, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if IsNotFound(err) {
		return object{}, nil
	}
	if err != nil {
		return object{}, storage.Unavailable("get "+key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return object{}, storage.Unavailable("read "+key, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return object{}, fmt.Errorf("decode %s: %w", key, err)
	}
	return object{exists: true, etag: aws.ToString(out.ETag)}, nil
}

// putJSON writes v to key. When prev is non-nil and conditional writes are
// on, the write only succeeds if the object is still as prev saw it.
func (s *Store) putJSON(ctx context.Context, key string, v any, prev *object) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}

	input := &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String("application/json"),
	}
	if s.conditional && prev != nil {
		if prev.exists {
			input.IfMatch = aws.String(prev.etag)
		} else {
			input.IfNoneMatch = aws.String("*")
		}
	}

	if _, err := s.client.PutObject(ctx, input); err != nil {
		if isPreconditionFailed(err) {
			return fmt.Errorf("put %s: %w", key, storage.ErrConflict)
		}
		return storage.Unavailable("put "+key, err)
	}
	return nil
}

func (s *Store) deleteObject(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil && !IsNotFound(err) {
		return storage.Unavailable("delete "+key, err)
	}
	return nil
}

func (s *Store) loadGoals(ctx context.Context) ([]model.Goal, object, error) {
	var goals []model.Goal
	obj, err := s.getJSON(ctx, s.goalsKey(ctx), &goals)
	if err != nil {
		return nil, object{}, err
	}
	if goals == nil {
		goals = []model.Goal{}
	}
	for i := range goals {
		goals[i].Normalize()
	}
	return goals, obj, nil
}

func indexOf(goals []model.Goal, id string) int {
	return slices.IndexFunc(goals, func(g model.Goal) bool { return g.ID == id })
}

func (s *Store) Goals(ctx context.Context) ([]model.Goal, error) {
	goals, _, err := s.loadGoals(ctx)
	return goals, err
}

func (s *Store) SaveGoal(ctx context.Context, goal model.Goal) error {
	g, err := storage.PrepareGoal(goal)
	if err != nil {
		return err
	}
	goals, obj, err := s.loadGoals(ctx)
	if err != nil {
		return err
	}
	if indexOf(goals, g.ID) >= 0 {
		return fmt.Errorf("insert goal %q: %w", g.ID, storage.ErrDuplicateKey)
	}
	return s.putJSON(ctx, s.goalsKey(ctx), append(goals, g), &obj)
}

func (s *Store) UpdateGoal(ctx context.Context, goal model.Goal) error {
	g, err := storage.PrepareGoal(goal)
	if err != nil {
		return err
	}
	goals, obj, err := s.loadGoals(ctx)
	if err != nil {
		return err
	}
	i := indexOf(goals, g.ID)
	if i < 0 {
		return fmt.Errorf("update goal %q: %w", g.ID, storage.ErrNotFound)
	}
	goals[i] = g
	return s.putJSON(ctx, s.goalsKey(ctx), goals, &obj)
}

func (s *Store) DeleteGoal(ctx context.Context, id string) error {
	goals, obj, err := s.loadGoals(ctx)
	if err != nil {
		return err
	}
	i := indexOf(goals, id)
	if i < 0 {
		return nil
	}
	return s.putJSON(ctx, s.goalsKey(ctx), slices.Delete(goals, i, i+1), &obj)
}

func (s *Store) SaveGoals(ctx context.Context, goals []model.Goal) error {
	prepared, err := storage.PrepareGoals(goals)
	if err != nil {
		return err
	}
	return s.putJSON(ctx, s.goalsKey(ctx), prepared, nil)
}

func (s *Store) Export(ctx context.Context) ([]byte, error) {
	goals, err := s.Goals(ctx)
	if err != nil {
		return nil, err
	}
	return storage.EncodeExport(goals, time.Now())
}

// Import replaces goals.json with a single write, so a failed import
// leaves the previous document in place.
func (s *Store) Import(ctx context.Context, payload []byte) error {
	goals, err := storage.DecodeImport(payload)
	if err != nil {
		return err
	}
	return s.putJSON(ctx, s.goalsKey(ctx), goals, nil)
}

func (s *Store) ClearAll(ctx context.Context) error {
	keys, err := ListKeys(ctx, s.client, s.bucket, s.reviewsPrefix(ctx))
	if err != nil {
		return storage.Unavailable("clear reviews", err)
	}
	keys = append(keys, s.goalsKey(ctx), s.settingsKey(ctx))
	for _, key := range keys {
		if err := s.deleteObject(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Settings(ctx context.Context) (model.AISettings, error) {
	var settings model.AISettings
	obj, err := s.getJSON(ctx, s.settingsKey(ctx), &settings)
	if err != nil {
		return model.AISettings{}, err
	}
	if obj.exists {
		return settings, nil
	}

	defaults := model.DefaultAISettings()
	err = s.putJSON(ctx, s.settingsKey(ctx), defaults, &obj)
	if errors.Is(err, storage.ErrConflict) {
		// Another writer created the document first; theirs wins.
		if _, err := s.getJSON(ctx, s.settingsKey(ctx), &settings); err != nil {
			return model.AISettings{}, err
		}
		return settings, nil
	}
	if err != nil {
		return model.AISettings{}, err
	}
	return defaults, nil
}

func (s *Store) SaveSettings(ctx context.Context, settings model.AISettings) error {
	settings, err := storage.PrepareSettings(settings)
	if err != nil {
		return err
	}
	return s.putJSON(ctx, s.settingsKey(ctx), settings, nil)
}

func (s *Store) Review(ctx context.Context, period model.ReviewPeriod, year, month, quarter int) (*model.Review, error) {
	if err := model.ValidateBucket(period, year, month, quarter); err != nil {
		return nil, fmt.Errorf("%w: %w", storage.ErrInvalid, err)
	}

	var r model.Review
	obj, err := s.getJSON(ctx, s.reviewKey(ctx, model.ReviewKey(period, year, month, quarter)), &r)
	if err != nil {
		return nil, err
	}
	if !obj.exists {
		return nil, nil
	}
	r.Normalize()
	return &r, nil
}

func (s *Store) SaveReview(ctx context.Context, review model.Review) error {
	r, err := storage.PrepareReview(review)
	if err != nil {
		return err
	}
	return s.putJSON(ctx, s.reviewKey(ctx, r.ID), r, nil)
}

func (s *Store) Reviews(ctx context.Context) ([]model.Review, error) {
	keys, err := ListKeys(ctx, s.client, s.bucket, s.reviewsPrefix(ctx))
	if err != nil {
		return nil, storage.Unavailable("list reviews", err)
	}

	reviews := []model.Review{}
	for _, key := range keys {
		var r model.Review
		obj, err := s.getJSON(ctx, key, &r)
		if err != nil {
			return nil, err
		}
		if !obj.exists {
			continue
		}
		r.Normalize()
		reviews = append(reviews, r)
	}
	storage.SortReviews(reviews)
	return reviews, nil
}

func (s *Store) Close() error { return nil }
