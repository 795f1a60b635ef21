// Package storagetest holds the behavior every storage.Service backend must
// share. Backend packages call Run from their own tests.
package storagetest

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/dukerupert/goaltrack/internal/auth"
	"github.com/dukerupert/goaltrack/internal/model"
	"github.com/dukerupert/goaltrack/internal/storage"
)

// Opener returns a fresh, empty service. Run calls it once per subtest.
type Opener func(t *testing.T) storage.Service

// Goal returns a valid goal with dates outside UTC, events and history, so
// round trips exercise every date path.
func Goal(id string) model.Goal {
	loc := time.FixedZone("CST", 8*3600)
	start := time.Date(2024, time.March, 1, 8, 0, 0, 0, loc)
	return model.Goal{
		ID:          id,
		Type:        model.GoalTypeHabit,
		Title:       "Run",
		StartDate:   start,
		Deadline:    start.AddDate(0, 3, 0),
		Frequency:   "daily",
		Domains:     []model.Domain{"健康"},
		Motivations: []string{"feel better"},
		NextSteps:   []model.NextStep{{ID: id + "-s1", Text: "buy shoes"}, {ID: id + "-s2", Text: "pick a route"}},
		NextStepStatus: map[string]bool{
			id + "-s1": true,
		},
		Rewards:  []string{"new headphones"},
		Triggers: []model.Trigger{{ID: "t1", When: "after work", Then: "run 20 minutes"}},
		Events: []model.Event{
			{ID: "e1", Date: start.Add(26 * time.Hour), Content: "3k", Completed: true, Note: "slow"},
		},
		History: []model.GoalHistory{
			{ID: "h1", Date: start, Type: model.HistoryCreate, Changes: []model.FieldChange{}},
		},
		LastModified: start.Add(26 * time.Hour),
	}
}

// Review returns a month review for the given bucket.
func Review(year, month int, content string) model.Review {
	return model.NewReview(
		model.Bucket{Period: model.PeriodMonth, Year: year, Month: month},
		content,
		time.Date(year, time.Month(month), 28, 12, 0, 0, 0, time.UTC),
		[]model.Goal{Goal("snap")},
	)
}

// Run executes the conformance suite. ctx carries whatever the backend
// needs to resolve its scope, such as the current user.
func Run(t *testing.T, ctx context.Context, open Opener) {
	t.Helper()

	t.Run("SaveGoalRoundTrip", func(t *testing.T) {
		svc := open(t)
		g := Goal("g1")
		mustSaveGoal(t, ctx, svc, g)

		goals := mustGoals(t, ctx, svc)
		if len(goals) != 1 {
			t.Fatalf("got %d goals, want 1", len(goals))
		}
		if goals[0].ID != "g1" {
			t.Errorf("id = %q, want %q", goals[0].ID, "g1")
		}
		want := g
		want.Normalize()
		assertSameJSON(t, goals[0], want)
		if !goals[0].StartDate.Equal(g.StartDate) {
			t.Errorf("start date = %v, want %v", goals[0].StartDate, g.StartDate)
		}
		if !goals[0].Events[0].Date.Equal(g.Events[0].Date) {
			t.Errorf("event date = %v, want %v", goals[0].Events[0].Date, g.Events[0].Date)
		}
	})

	t.Run("SaveGoalDuplicate", func(t *testing.T) {
		svc := open(t)
		mustSaveGoal(t, ctx, svc, Goal("g1"))

		err := svc.SaveGoal(ctx, Goal("g1"))
		if !errors.Is(err, storage.ErrDuplicateKey) {
			t.Errorf("err = %v, want ErrDuplicateKey", err)
		}
		if n := len(mustGoals(t, ctx, svc)); n != 1 {
			t.Errorf("got %d goals, want 1", n)
		}
	})

	t.Run("SaveGoalInvalid", func(t *testing.T) {
		svc := open(t)
		g := Goal("g1")
		g.Domains = []model.Domain{"cooking"}

		if err := svc.SaveGoal(ctx, g); !errors.Is(err, storage.ErrInvalid) {
			t.Errorf("err = %v, want ErrInvalid", err)
		}
		if n := len(mustGoals(t, ctx, svc)); n != 0 {
			t.Errorf("got %d goals, want 0", n)
		}
	})

	t.Run("UpdateGoalIdempotent", func(t *testing.T) {
		svc := open(t)
		mustSaveGoal(t, ctx, svc, Goal("g1"))
		mustSaveGoal(t, ctx, svc, Goal("g2"))

		g := Goal("g1")
		g.Title = "Run 10k"
		g.NextStepStatus[g.NextSteps[1].ID] = true
		if err := svc.UpdateGoal(ctx, g); err != nil {
			t.Fatalf("first update: %v", err)
		}
		after1 := mustGoals(t, ctx, svc)
		if err := svc.UpdateGoal(ctx, g); err != nil {
			t.Fatalf("second update: %v", err)
		}
		after2 := mustGoals(t, ctx, svc)

		assertSameJSON(t, after2, after1)
		got := find(after2, "g1")
		if got == nil || got.Title != "Run 10k" {
			t.Fatalf("updated goal = %+v", got)
		}
		if !got.StepDone(g.NextSteps[1].ID) {
			t.Error("expected second step to be done")
		}
	})

	t.Run("UpdateGoalUnknown", func(t *testing.T) {
		svc := open(t)
		err := svc.UpdateGoal(ctx, Goal("missing"))
		if !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("err = %v, want ErrNotFound", err)
		}
		if n := len(mustGoals(t, ctx, svc)); n != 0 {
			t.Errorf("got %d goals, want 0", n)
		}
	})

	t.Run("DeleteGoalIdempotent", func(t *testing.T) {
		svc := open(t)
		mustSaveGoal(t, ctx, svc, Goal("g1"))
		mustSaveGoal(t, ctx, svc, Goal("g2"))
		before := mustGoals(t, ctx, svc)

		if err := svc.DeleteGoal(ctx, "missing"); err != nil {
			t.Fatalf("delete missing: %v", err)
		}
		assertSameJSON(t, mustGoals(t, ctx, svc), before)

		for i := 0; i < 2; i++ {
			if err := svc.DeleteGoal(ctx, "g1"); err != nil {
				t.Fatalf("delete g1 (%d): %v", i, err)
			}
		}
		goals := mustGoals(t, ctx, svc)
		if len(goals) != 1 || goals[0].ID != "g2" {
			t.Errorf("goals after delete = %v, want [g2]", ids(goals))
		}
	})

	t.Run("SaveGoalsReplacesAll", func(t *testing.T) {
		svc := open(t)
		mustSaveGoal(t, ctx, svc, Goal("old"))

		if err := svc.SaveGoals(ctx, []model.Goal{Goal("a"), Goal("b")}); err != nil {
			t.Fatalf("save goals: %v", err)
		}
		goals := mustGoals(t, ctx, svc)
		if len(goals) != 2 || find(goals, "old") != nil {
			t.Errorf("goals = %v, want [a b]", ids(goals))
		}

		bad := Goal("c")
		bad.Type = "project"
		if err := svc.SaveGoals(ctx, []model.Goal{Goal("d"), bad}); !errors.Is(err, storage.ErrInvalid) {
			t.Errorf("err = %v, want ErrInvalid", err)
		}
		if got := ids(mustGoals(t, ctx, svc)); len(got) != 2 {
			t.Errorf("goals after failed save = %v, want [a b]", got)
		}
	})

	t.Run("ReviewUpsert", func(t *testing.T) {
		svc := open(t)
		buckets := []model.Bucket{
			{Period: model.PeriodMonth, Year: 2024, Month: 3},
			{Period: model.PeriodQuarter, Year: 2024, Quarter: 2},
			{Period: model.PeriodYear, Year: 2023},
		}
		for _, b := range buckets {
			for _, content := range []string{"first", "second"} {
				r := model.NewReview(b, content, time.Now(), nil)
				if err := svc.SaveReview(ctx, r); err != nil {
					t.Fatalf("save review %s: %v", b.Key(), err)
				}
			}
		}

		for _, b := range buckets {
			r, err := svc.Review(ctx, b.Period, b.Year, b.Month, b.Quarter)
			if err != nil {
				t.Fatalf("review %s: %v", b.Key(), err)
			}
			if r == nil {
				t.Fatalf("review %s not found", b.Key())
			}
			if r.Content != "second" {
				t.Errorf("review %s content = %q, want %q", b.Key(), r.Content, "second")
			}
			if r.ID != b.Key() {
				t.Errorf("review id = %q, want %q", r.ID, b.Key())
			}
		}

		reviews, err := svc.Reviews(ctx)
		if err != nil {
			t.Fatalf("reviews: %v", err)
		}
		if len(reviews) != len(buckets) {
			t.Errorf("got %d reviews, want %d", len(reviews), len(buckets))
		}
	})

	t.Run("ScenarioB", func(t *testing.T) {
		svc := open(t)
		if err := svc.SaveReview(ctx, Review(2024, 3, "...")); err != nil {
			t.Fatalf("save review: %v", err)
		}
		if err := svc.SaveReview(ctx, Review(2024, 3, "v2")); err != nil {
			t.Fatalf("save review again: %v", err)
		}

		r, err := svc.Review(ctx, model.PeriodMonth, 2024, 3, 0)
		if err != nil {
			t.Fatalf("review: %v", err)
		}
		if r == nil || r.Content != "v2" {
			t.Fatalf("review = %+v, want content v2", r)
		}
		if r.Month == nil || *r.Month != 3 {
			t.Errorf("month = %v, want 3", r.Month)
		}
		if len(r.Goals) != 1 || !r.Goals[0].StartDate.Equal(Goal("snap").StartDate) {
			t.Errorf("review goal snapshot = %+v", r.Goals)
		}

		reviews, err := svc.Reviews(ctx)
		if err != nil {
			t.Fatalf("reviews: %v", err)
		}
		if len(reviews) != 1 {
			t.Errorf("got %d reviews, want 1", len(reviews))
		}
	})

	t.Run("ScenarioD", func(t *testing.T) {
		svc := open(t)
		r, err := svc.Review(ctx, model.PeriodYear, 2024, 0, 0)
		if err != nil {
			t.Fatalf("review: %v", err)
		}
		if r != nil {
			t.Errorf("review = %+v, want nil", r)
		}
	})

	t.Run("ReviewInvalidBucket", func(t *testing.T) {
		svc := open(t)
		if _, err := svc.Review(ctx, model.PeriodMonth, 2024, 13, 0); !errors.Is(err, storage.ErrInvalid) {
			t.Errorf("Review err = %v, want ErrInvalid", err)
		}
		r := Review(2024, 3, "x")
		r.Month = nil
		if err := svc.SaveReview(ctx, r); !errors.Is(err, storage.ErrInvalid) {
			t.Errorf("SaveReview err = %v, want ErrInvalid", err)
		}
	})

	t.Run("SettingsDefault", func(t *testing.T) {
		svc := open(t)
		first, err := svc.Settings(ctx)
		if err != nil {
			t.Fatalf("settings: %v", err)
		}
		if first != model.DefaultAISettings() {
			t.Errorf("settings = %+v, want defaults", first)
		}
		second, err := svc.Settings(ctx)
		if err != nil {
			t.Fatalf("settings again: %v", err)
		}
		if second != first {
			t.Errorf("second read = %+v, want %+v", second, first)
		}
	})

	t.Run("SaveSettings", func(t *testing.T) {
		svc := open(t)
		want := model.AISettings{OpenAPIKey: "sk-test", BaseURL: "https://llm.example.com/v1/chat/completions", ModelName: "m1"}
		if err := svc.SaveSettings(ctx, want); err != nil {
			t.Fatalf("save settings: %v", err)
		}
		want.ModelName = "m2"
		if err := svc.SaveSettings(ctx, want); err != nil {
			t.Fatalf("save settings again: %v", err)
		}
		got, err := svc.Settings(ctx)
		if err != nil {
			t.Fatalf("settings: %v", err)
		}
		if got != want {
			t.Errorf("settings = %+v, want %+v", got, want)
		}

		if err := svc.SaveSettings(ctx, model.AISettings{}); !errors.Is(err, storage.ErrInvalid) {
			t.Errorf("err = %v, want ErrInvalid", err)
		}
	})

	t.Run("ImportAtomicity", func(t *testing.T) {
		svc := open(t)
		mustSaveGoal(t, ctx, svc, Goal("g1"))
		before := mustGoals(t, ctx, svc)

		payloads := []string{
			`{"version": 3, "goals": [{"id": "x", "type": "project", "title": "bad", "startDate": "2024-01-01", "deadline": "2024-02-01"}]}`,
			`[{"id": "y", "type": "habit", "title": "", "startDate": "2024-01-01", "deadline": "2024-02-01"}]`,
			`not json`,
		}
		for _, p := range payloads {
			err := svc.Import(ctx, []byte(p))
			if !errors.Is(err, storage.ErrMalformedPayload) {
				t.Errorf("import %q: err = %v, want ErrMalformedPayload", p, err)
			}
			assertSameJSON(t, mustGoals(t, ctx, svc), before)
		}
	})

	t.Run("ScenarioC", func(t *testing.T) {
		src := open(t)
		mustSaveGoal(t, ctx, src, Goal("g1"))
		ach := Goal("g2")
		ach.Type = model.GoalTypeAchievement
		ach.Frequency = ""
		mustSaveGoal(t, ctx, src, ach)

		payload, err := src.Export(ctx)
		if err != nil {
			t.Fatalf("export: %v", err)
		}

		dst := open(t)
		if err := dst.Import(ctx, payload); err != nil {
			t.Fatalf("import: %v", err)
		}
		assertSameJSON(t, byID(mustGoals(t, ctx, dst)), byID(mustGoals(t, ctx, src)))

		// Re-importing the same file must not duplicate.
		if err := dst.Import(ctx, payload); err != nil {
			t.Fatalf("re-import: %v", err)
		}
		if n := len(mustGoals(t, ctx, dst)); n != 2 {
			t.Errorf("got %d goals after re-import, want 2", n)
		}
	})

	t.Run("ImportReplaces", func(t *testing.T) {
		svc := open(t)
		mustSaveGoal(t, ctx, svc, Goal("old"))

		payload, err := storage.EncodeExport([]model.Goal{Goal("new")}, time.Now())
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		if err := svc.Import(ctx, payload); err != nil {
			t.Fatalf("import: %v", err)
		}
		goals := mustGoals(t, ctx, svc)
		if len(goals) != 1 || goals[0].ID != "new" {
			t.Errorf("goals = %v, want [new]", ids(goals))
		}
	})

	t.Run("ClearAll", func(t *testing.T) {
		svc := open(t)
		mustSaveGoal(t, ctx, svc, Goal("g1"))
		if err := svc.SaveReview(ctx, Review(2024, 3, "x")); err != nil {
			t.Fatalf("save review: %v", err)
		}
		if err := svc.SaveSettings(ctx, model.AISettings{OpenAPIKey: "k", BaseURL: "u", ModelName: "m"}); err != nil {
			t.Fatalf("save settings: %v", err)
		}

		if err := svc.ClearAll(ctx); err != nil {
			t.Fatalf("clear: %v", err)
		}

		if n := len(mustGoals(t, ctx, svc)); n != 0 {
			t.Errorf("got %d goals, want 0", n)
		}
		r, err := svc.Review(ctx, model.PeriodMonth, 2024, 3, 0)
		if err != nil || r != nil {
			t.Errorf("review = %v, %v, want nil, nil", r, err)
		}
		s, err := svc.Settings(ctx)
		if err != nil {
			t.Fatalf("settings: %v", err)
		}
		if s != model.DefaultAISettings() {
			t.Errorf("settings = %+v, want defaults", s)
		}
	})
}

// nestedUserIDs are user ids whose naive key prefixes would contain the
// prefix of "a" in a key-value or object layout.
var nestedUserIDs = []string{"a:review:x", "a/reviews/x", "a:", "a/", "a%2F"}

// RunIsolation checks that users never see or clear each other's data,
// including users whose ids embed another id followed by a separator.
// Backends that scope by user call it in addition to Run.
func RunIsolation(t *testing.T, open Opener) {
	t.Helper()

	t.Run("NestedUserIDs", func(t *testing.T) {
		svc := open(t)
		outer := auth.WithUser(context.Background(), model.UserProfile{ID: "a"})

		mustSaveGoal(t, outer, svc, Goal("outer"))
		if err := svc.SaveReview(outer, Review(2024, 1, "outer")); err != nil {
			t.Fatalf("save outer review: %v", err)
		}
		for _, id := range nestedUserIDs {
			ctx := auth.WithUser(context.Background(), model.UserProfile{ID: id})
			mustSaveGoal(t, ctx, svc, Goal("g1"))
			if err := svc.SaveReview(ctx, Review(2024, 3, id)); err != nil {
				t.Fatalf("save review for %q: %v", id, err)
			}
		}

		reviews, err := svc.Reviews(outer)
		if err != nil {
			t.Fatalf("outer reviews: %v", err)
		}
		if len(reviews) != 1 || reviews[0].Content != "outer" {
			t.Errorf("outer user sees %d reviews, want only its own", len(reviews))
		}
		if goals := mustGoals(t, outer, svc); len(goals) != 1 || goals[0].ID != "outer" {
			t.Errorf("outer goals = %v, want [outer]", ids(goals))
		}

		if err := svc.ClearAll(outer); err != nil {
			t.Fatalf("outer clear: %v", err)
		}
		for _, id := range nestedUserIDs {
			ctx := auth.WithUser(context.Background(), model.UserProfile{ID: id})
			if goals := mustGoals(t, ctx, svc); len(goals) != 1 {
				t.Errorf("user %q has %d goals after another user's clear, want 1", id, len(goals))
			}
			r, err := svc.Review(ctx, model.PeriodMonth, 2024, 3, 0)
			if err != nil {
				t.Fatalf("review for %q: %v", id, err)
			}
			if r == nil || r.Content != id {
				t.Errorf("user %q lost its review to another user's clear", id)
			}
		}
	})

	t.Run("LocalAndSignedIn", func(t *testing.T) {
		svc := open(t)
		local := context.Background()
		user := auth.WithUser(local, model.UserProfile{ID: "user-1"})

		mustSaveGoal(t, local, svc, Goal("local"))
		mustSaveGoal(t, user, svc, Goal("mine"))
		if err := svc.ClearAll(user); err != nil {
			t.Fatalf("clear: %v", err)
		}
		if goals := mustGoals(t, local, svc); len(goals) != 1 || goals[0].ID != "local" {
			t.Errorf("local goals = %v, want [local]", ids(goals))
		}
	})
}

func mustSaveGoal(t *testing.T, ctx context.Context, svc storage.Service, g model.Goal) {
	t.Helper()
	if err := svc.SaveGoal(ctx, g); err != nil {
		t.Fatalf("save goal %s: %v", g.ID, err)
	}
}

func mustGoals(t *testing.T, ctx context.Context, svc storage.Service) []model.Goal {
	t.Helper()
	goals, err := svc.Goals(ctx)
	if err != nil {
		t.Fatalf("goals: %v", err)
	}
	return goals
}

func find(goals []model.Goal, id string) *model.Goal {
	for i := range goals {
		if goals[i].ID == id {
			return &goals[i]
		}
	}
	return nil
}

func ids(goals []model.Goal) []string {
	out := make([]string, len(goals))
	for i, g := range goals {
		out[i] = g.ID
	}
	return out
}

func byID(goals []model.Goal) map[string]model.Goal {
	out := make(map[string]model.Goal, len(goals))
	for _, g := range goals {
		out[g.ID] = g
	}
	return out
}

// assertSameJSON compares values through their JSON encoding, which is
// how every backend persists them.
func assertSameJSON(t *testing.T, got, want any) {
	t.Helper()
	g, err := json.Marshal(got)
	if err != nil {
		t.Fatalf("marshal got: %v", err)
	}
	w, err := json.Marshal(want)
	if err != nil {
		t.Fatalf("marshal want: %v", err)
	}
	if string(g) != string(w) {
		t.Errorf("got  %s\nwant %s", g, w)
	}
}
