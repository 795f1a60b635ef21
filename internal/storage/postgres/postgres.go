// Package postgres is the hosted relational backend. Every call requires a
// signed-in user in the context; rows are partitioned by user id.
package postgres

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/dukerupert/goaltrack/internal/auth"
	"github.com/dukerupert/goaltrack/internal/model"
	"github.com/dukerupert/goaltrack/internal/storage"
)

//go:embed migrations/*.sql
var migrations embed.FS

const uniqueViolation = "23505"

type Store struct {
	pool *pgxpool.Pool

	mu    sync.Mutex
	known map[string]model.UserProfile
}

var _ storage.Service = (*Store)(nil)

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, known: make(map[string]model.UserProfile)}
}

// Open connects to dsn, checks the connection and applies migrations.
// Failures wrap storage.ErrMediumUnavailable.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, storage.Unavailable("open postgres", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, storage.Unavailable("ping postgres", err)
	}

	s := New(pool)
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, storage.Unavailable("migrate postgres", err)
	}
	return s, nil
}

// Migrate applies the embedded schema migrations.
func (s *Store) Migrate(ctx context.Context) error {
	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("migrations fs: %w", err)
	}
	db := stdlib.OpenDBFromPool(s.pool)
	defer db.Close()

	p, err := goose.NewProvider(goose.DialectPostgres, db, fsys)
	if err != nil {
		return fmt.Errorf("goose provider: %w", err)
	}
	if _, err := p.Up(ctx); err != nil {
		return fmt.Errorf("goose up: %w", err)
	}
	return nil
}

// user resolves the signed-in user and makes sure their row is current.
// The upsert runs again whenever the profile differs from the last one
// written for that id, so a changed email or name reaches the users table.
func (s *Store) user(ctx context.Context) (string, error) {
	u, ok := auth.UserFromContext(ctx)
	if !ok {
		return "", fmt.Errorf("%w: user not authenticated", storage.ErrNotAuthenticated)
	}
	if s.upToDate(u) {
		return u.ID, nil
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (id, email, name) VALUES ($1, $2, $3)
		 ON CONFLICT (id) DO UPDATE SET email = EXCLUDED.email, name = EXCLUDED.name, updated_at = now()`,
		u.ID, u.Email, u.Name,
	)
	if err != nil {
		return "", fmt.Errorf("upsert user: %w", err)
	}

	s.remember(u)
	return u.ID, nil
}

func (s *Store) upToDate(u model.UserProfile) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	last, ok := s.known[u.ID]
	return ok && last == u
}

func (s *Store) remember(u model.UserProfile) {
	s.mu.Lock()
	s.known[u.ID] = u
	s.mu.Unlock()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func decodeGoal(data []byte) (model.Goal, error) {
	var g model.Goal
	if err := json.Unmarshal(data, &g); err != nil {
		return model.Goal{}, fmt.Errorf("decode goal: %w", err)
	}
	g.Normalize()
	return g, nil
}

func encode(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode: %w", err)
	}
	return string(data), nil
}

func (s *Store) Goals(ctx context.Context) ([]model.Goal, error) {
	userID, err := s.user(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx,
		`SELECT data FROM goals WHERE user_id = $1 ORDER BY start_date, id`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list goals: %w", err)
	}
	defer rows.Close()

	goals := []model.Goal{}
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan goal: %w", err)
		}
		g, err := decodeGoal(data)
		if err != nil {
			return nil, err
		}
		goals = append(goals, g)
	}
	return goals, rows.Err()
}

func (s *Store) SaveGoal(ctx context.Context, goal model.Goal) error {
	userID, err := s.user(ctx)
	if err != nil {
		return err
	}
	g, err := storage.PrepareGoal(goal)
	if err != nil {
		return err
	}
	data, err := encode(g)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO goals (user_id, id, start_date, data) VALUES ($1, $2, $3, $4)`,
		userID, g.ID, g.StartDate, data,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("insert goal %q: %w", g.ID, storage.ErrDuplicateKey)
	}
	if err != nil {
		return fmt.Errorf("insert goal: %w", err)
	}
	return nil
}

func (s *Store) UpdateGoal(ctx context.Context, goal model.Goal) error {
	userID, err := s.user(ctx)
	if err != nil {
		return err
	}
	g, err := storage.PrepareGoal(goal)
	if err != nil {
		return err
	}
	data, err := encode(g)
	if err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE goals SET start_date = $3, data = $4, updated_at = now() WHERE user_id = $1 AND id = $2`,
		userID, g.ID, g.StartDate, data,
	)
	if err != nil {
		return fmt.Errorf("update goal: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update goal %q: %w", g.ID, storage.ErrNotFound)
	}
	return nil
}

func (s *Store) DeleteGoal(ctx context.Context, id string) error {
	userID, err := s.user(ctx)
	if err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx, `DELETE FROM goals WHERE user_id = $1 AND id = $2`, userID, id); err != nil {
		return fmt.Errorf("delete goal: %w", err)
	}
	return nil
}

func (s *Store) SaveGoals(ctx context.Context, goals []model.Goal) error {
	userID, err := s.user(ctx)
	if err != nil {
		return err
	}
	prepared, err := storage.PrepareGoals(goals)
	if err != nil {
		return err
	}
	return s.replaceGoals(ctx, userID, prepared)
}

// replaceGoals deletes and batch-inserts the user's goals in one transaction.
func (s *Store) replaceGoals(ctx context.Context, userID string, goals []model.Goal) error {
	batch := &pgx.Batch{}
	for _, g := range goals {
		data, err := encode(g)
		if err != nil {
			return err
		}
		batch.Queue(
			`INSERT INTO goals (user_id, id, start_date, data) VALUES ($1, $2, $3, $4)`,
			userID, g.ID, g.StartDate, data,
		)
	}

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM goals WHERE user_id = $1`, userID); err != nil {
			return fmt.Errorf("clear goals: %w", err)
		}
		if batch.Len() == 0 {
			return nil
		}
		br := tx.SendBatch(ctx, batch)
		for range goals {
			if _, err := br.Exec(); err != nil {
				br.Close()
				return fmt.Errorf("insert goal: %w", err)
			}
		}
		return br.Close()
	})
}

func (s *Store) Export(ctx context.Context) ([]byte, error) {
	goals, err := s.Goals(ctx)
	if err != nil {
		return nil, err
	}
	return storage.EncodeExport(goals, time.Now())
}

func (s *Store) Import(ctx context.Context, payload []byte) error {
	userID, err := s.user(ctx)
	if err != nil {
		return err
	}
	goals, err := storage.DecodeImport(payload)
	if err != nil {
		return err
	}
	return s.replaceGoals(ctx, userID, goals)
}

func (s *Store) ClearAll(ctx context.Context) error {
	userID, err := s.user(ctx)
	if err != nil {
		return err
	}
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		for _, table := range []string{"goals", "reviews", "settings"} {
			if _, err := tx.Exec(ctx, `DELETE FROM `+table+` WHERE user_id = $1`, userID); err != nil {
				return fmt.Errorf("clear %s: %w", table, err)
			}
		}
		return nil
	})
}

func (s *Store) Settings(ctx context.Context) (model.AISettings, error) {
	userID, err := s.user(ctx)
	if err != nil {
		return model.AISettings{}, err
	}

	var data []byte
	err = s.pool.QueryRow(ctx, `SELECT settings FROM settings WHERE user_id = $1`, userID).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		defaults := model.DefaultAISettings()
		encoded, err := encode(defaults)
		if err != nil {
			return model.AISettings{}, err
		}
		_, err = s.pool.Exec(ctx,
			`INSERT INTO settings (user_id, settings) VALUES ($1, $2) ON CONFLICT (user_id) DO NOTHING`,
			userID, encoded,
		)
		if err != nil {
			return model.AISettings{}, fmt.Errorf("insert default settings: %w", err)
		}
		return defaults, nil
	}
	if err != nil {
		return model.AISettings{}, fmt.Errorf("get settings: %w", err)
	}

	var settings model.AISettings
	if err := json.Unmarshal(data, &settings); err != nil {
		return model.AISettings{}, fmt.Errorf("decode settings: %w", err)
	}
	return settings, nil
}

func (s *Store) SaveSettings(ctx context.Context, settings model.AISettings) error {
	userID, err := s.user(ctx)
	if err != nil {
		return err
	}
	settings, err = storage.PrepareSettings(settings)
	if err != nil {
		return err
	}
	data, err := encode(settings)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO settings (user_id, settings) VALUES ($1, $2)
		 ON CONFLICT (user_id) DO UPDATE SET settings = EXCLUDED.settings, updated_at = now()`,
		userID, data,
	)
	if err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	return nil
}

func decodeReview(data []byte) (*model.Review, error) {
	var r model.Review
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decode review: %w", err)
	}
	r.Normalize()
	return &r, nil
}

func (s *Store) Review(ctx context.Context, period model.ReviewPeriod, year, month, quarter int) (*model.Review, error) {
	userID, err := s.user(ctx)
	if err != nil {
		return nil, err
	}
	if err := model.ValidateBucket(period, year, month, quarter); err != nil {
		return nil, fmt.Errorf("%w: %w", storage.ErrInvalid, err)
	}

	var data []byte
	err = s.pool.QueryRow(ctx,
		`SELECT data FROM reviews WHERE user_id = $1 AND review_key = $2`,
		userID, model.ReviewKey(period, year, month, quarter),
	).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get review: %w", err)
	}
	return decodeReview(data)
}

func (s *Store) SaveReview(ctx context.Context, review model.Review) error {
	userID, err := s.user(ctx)
	if err != nil {
		return err
	}
	r, err := storage.PrepareReview(review)
	if err != nil {
		return err
	}
	data, err := encode(r)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO reviews (user_id, review_key, period, year, month, quarter, generated_at, data)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (user_id, review_key) DO UPDATE SET
		   generated_at = EXCLUDED.generated_at, data = EXCLUDED.data`,
		userID, r.ID, string(r.Period), r.Year, r.Month, r.Quarter, r.GeneratedAt, data,
	)
	if err != nil {
		return fmt.Errorf("save review: %w", err)
	}
	return nil
}

func (s *Store) Reviews(ctx context.Context) ([]model.Review, error) {
	userID, err := s.user(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, `SELECT data FROM reviews WHERE user_id = $1`, userID)
	if err != nil {
		return nil, fmt.Errorf("list reviews: %w", err)
	}
	defer rows.Close()

	reviews := []model.Review{}
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan review: %w", err)
		}
		r, err := decodeReview(data)
		if err != nil {
			return nil, err
		}
		reviews = append(reviews, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	storage.SortReviews(reviews)
	return reviews, nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}
