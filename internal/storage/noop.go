package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/dukerupert/goaltrack/internal/model"
)

// Noop satisfies Service without persisting anything. It is used when the
// process runs without a persistent medium: reads return empty results,
// Settings returns the defaults and writes are accepted and discarded.
type Noop struct{}

var _ Service = Noop{}

func (Noop) Goals(context.Context) ([]model.Goal, error) { return []model.Goal{}, nil }

func (Noop) SaveGoal(_ context.Context, g model.Goal) error {
	_, err := PrepareGoal(g)
	return err
}

func (Noop) UpdateGoal(_ context.Context, g model.Goal) error {
	_, err := PrepareGoal(g)
	return err
}

func (Noop) DeleteGoal(context.Context, string) error { return nil }

func (Noop) SaveGoals(_ context.Context, goals []model.Goal) error {
	_, err := PrepareGoals(goals)
	return err
}

func (Noop) Export(context.Context) ([]byte, error) {
	return EncodeExport(nil, time.Now())
}

func (Noop) Import(_ context.Context, payload []byte) error {
	_, err := DecodeImport(payload)
	return err
}

func (Noop) ClearAll(context.Context) error { return nil }

func (Noop) Settings(context.Context) (model.AISettings, error) {
	return model.DefaultAISettings(), nil
}

func (Noop) SaveSettings(_ context.Context, s model.AISettings) error {
	_, err := PrepareSettings(s)
	return err
}

func (Noop) Review(_ context.Context, period model.ReviewPeriod, year, month, quarter int) (*model.Review, error) {
	if err := model.ValidateBucket(period, year, month, quarter); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return nil, nil
}

func (Noop) SaveReview(_ context.Context, r model.Review) error {
	_, err := PrepareReview(r)
	return err
}

func (Noop) Reviews(context.Context) ([]model.Review, error) { return []model.Review{}, nil }

func (Noop) Close() error { return nil }
