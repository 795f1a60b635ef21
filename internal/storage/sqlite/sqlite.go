// Package sqlite is the embedded, offline-first storage backend. Goals,
// reviews and settings are JSON documents alongside indexed columns in a
// local SQLite file, partitioned by the user id found in the context.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dukerupert/goaltrack/internal/auth"
	"github.com/dukerupert/goaltrack/internal/database"
	"github.com/dukerupert/goaltrack/internal/model"
	"github.com/dukerupert/goaltrack/internal/storage"
)

// timeLayout is fixed-width so indexed date columns sort chronologically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

type Store struct {
	db *sql.DB
}

var _ storage.Service = (*Store)(nil)

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Open opens (and migrates) the database at path. Failures wrap
// storage.ErrMediumUnavailable.
func Open(path string) (*Store, error) {
	db, err := database.Open(path)
	if err != nil {
		return nil, storage.Unavailable("open sqlite", err)
	}
	return New(db), nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func decodeGoal(data string) (model.Goal, error) {
	var g model.Goal
	if err := json.Unmarshal([]byte(data), &g); err != nil {
		return model.Goal{}, fmt.Errorf("decode goal: %w", err)
	}
	g.Normalize()
	return g, nil
}

type goalRow struct {
	userID, id, typ, title, start, deadline, frequency, data string
}

func newGoalRow(userID string, g model.Goal) (goalRow, error) {
	data, err := json.Marshal(g)
	if err != nil {
		return goalRow{}, fmt.Errorf("encode goal: %w", err)
	}
	return goalRow{
		userID:    userID,
		id:        g.ID,
		typ:       string(g.Type),
		title:     g.Title,
		start:     g.StartDate.UTC().Format(timeLayout),
		deadline:  g.Deadline.UTC().Format(timeLayout),
		frequency: g.Frequency,
		data:      string(data),
	}, nil
}

const insertGoalSQL = `INSERT INTO goals (user_id, id, type, title, start_date, deadline, frequency, data)
	 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

func (r goalRow) insertArgs() []any {
	return []any{r.userID, r.id, r.typ, r.title, r.start, r.deadline, r.frequency, r.data}
}

func insertGoal(ctx context.Context, ex execer, userID string, g model.Goal) error {
	row, err := newGoalRow(userID, g)
	if err != nil {
		return err
	}
	if _, err := ex.ExecContext(ctx, insertGoalSQL, row.insertArgs()...); err != nil {
		return fmt.Errorf("insert goal: %w", err)
	}
	return nil
}

func (s *Store) Goals(ctx context.Context) ([]model.Goal, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT data FROM goals WHERE user_id = ? ORDER BY start_date, id`,
		auth.UserID(ctx),
	)
	if err != nil {
		return nil, fmt.Errorf("list goals: %w", err)
	}
	defer rows.Close()

	goals := []model.Goal{}
	for rows.Next() {
		var data string
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
	g, err := storage.PrepareGoal(goal)
	if err != nil {
		return err
	}
	row, err := newGoalRow(auth.UserID(ctx), g)
	if err != nil {
		return err
	}

	result, err := s.db.ExecContext(ctx, insertGoalSQL+` ON CONFLICT(user_id, id) DO NOTHING`, row.insertArgs()...)
	if err != nil {
		return fmt.Errorf("insert goal: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("insert goal %q: %w", g.ID, storage.ErrDuplicateKey)
	}
	return nil
}

func (s *Store) UpdateGoal(ctx context.Context, goal model.Goal) error {
	g, err := storage.PrepareGoal(goal)
	if err != nil {
		return err
	}
	row, err := newGoalRow(auth.UserID(ctx), g)
	if err != nil {
		return err
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE goals SET type = ?, title = ?, start_date = ?, deadline = ?, frequency = ?, data = ?
		 WHERE user_id = ? AND id = ?`,
		row.typ, row.title, row.start, row.deadline, row.frequency, row.data, row.userID, row.id,
	)
	if err != nil {
		return fmt.Errorf("update goal: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("update goal %q: %w", g.ID, storage.ErrNotFound)
	}
	return nil
}

func (s *Store) DeleteGoal(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM goals WHERE user_id = ? AND id = ?`, auth.UserID(ctx), id)
	if err != nil {
		return fmt.Errorf("delete goal: %w", err)
	}
	return nil
}

func (s *Store) SaveGoals(ctx context.Context, goals []model.Goal) error {
	prepared, err := storage.PrepareGoals(goals)
	if err != nil {
		return err
	}
	return s.replaceGoals(ctx, prepared)
}

// replaceGoals clears and re-inserts the user's goals in one transaction.
func (s *Store) replaceGoals(ctx context.Context, goals []model.Goal) error {
	userID := auth.UserID(ctx)
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM goals WHERE user_id = ?`, userID); err != nil {
			return fmt.Errorf("clear goals: %w", err)
		}
		for _, g := range goals {
			if err := insertGoal(ctx, tx, userID, g); err != nil {
				return err
			}
		}
		return nil
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
	goals, err := storage.DecodeImport(payload)
	if err != nil {
		return err
	}
	return s.replaceGoals(ctx, goals)
}

func (s *Store) ClearAll(ctx context.Context) error {
	userID := auth.UserID(ctx)
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, table := range []string{"goals", "reviews", "settings"} {
			if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE user_id = ?`, userID); err != nil {
				return fmt.Errorf("clear %s: %w", table, err)
			}
		}
		return nil
	})
}

func (s *Store) Settings(ctx context.Context) (model.AISettings, error) {
	userID := auth.UserID(ctx)

	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM settings WHERE user_id = ?`, userID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		defaults := model.DefaultAISettings()
		encoded, err := json.Marshal(defaults)
		if err != nil {
			return model.AISettings{}, fmt.Errorf("encode settings: %w", err)
		}
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO settings (user_id, data) VALUES (?, ?) ON CONFLICT(user_id) DO NOTHING`,
			userID, string(encoded),
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
	if err := json.Unmarshal([]byte(data), &settings); err != nil {
		return model.AISettings{}, fmt.Errorf("decode settings: %w", err)
	}
	return settings, nil
}

func (s *Store) SaveSettings(ctx context.Context, settings model.AISettings) error {
	settings, err := storage.PrepareSettings(settings)
	if err != nil {
		return err
	}
	data, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO settings (user_id, data) VALUES (?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET data = excluded.data`,
		auth.UserID(ctx), string(data),
	)
	if err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	return nil
}

func decodeReview(data string) (*model.Review, error) {
	var r model.Review
	if err := json.Unmarshal([]byte(data), &r); err != nil {
		return nil, fmt.Errorf("decode review: %w", err)
	}
	r.Normalize()
	return &r, nil
}

func (s *Store) Review(ctx context.Context, period model.ReviewPeriod, year, month, quarter int) (*model.Review, error) {
	if err := model.ValidateBucket(period, year, month, quarter); err != nil {
		return nil, fmt.Errorf("%w: %w", storage.ErrInvalid, err)
	}

	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM reviews WHERE user_id = ? AND id = ?`,
		auth.UserID(ctx), model.ReviewKey(period, year, month, quarter),
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get review: %w", err)
	}
	return decodeReview(data)
}

func (s *Store) SaveReview(ctx context.Context, review model.Review) error {
	r, err := storage.PrepareReview(review)
	if err != nil {
		return err
	}
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode review: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO reviews (user_id, id, period, year, month, quarter, generated_at, data)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(user_id, id) DO UPDATE SET
		   generated_at = excluded.generated_at, data = excluded.data`,
		auth.UserID(ctx), r.ID, string(r.Period), r.Year, nullInt(r.Month), nullInt(r.Quarter),
		r.GeneratedAt.UTC().Format(timeLayout), string(data),
	)
	if err != nil {
		return fmt.Errorf("save review: %w", err)
	}
	return nil
}

func (s *Store) Reviews(ctx context.Context) ([]model.Review, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM reviews WHERE user_id = ?`, auth.UserID(ctx))
	if err != nil {
		return nil, fmt.Errorf("list reviews: %w", err)
	}
	defer rows.Close()

	reviews := []model.Review{}
	for rows.Next() {
		var data string
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
	return s.db.Close()
}

func nullInt(p *int) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*p), Valid: true}
}
