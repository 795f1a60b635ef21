package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dukerupert/goaltrack/internal/auth"
	"github.com/dukerupert/goaltrack/internal/backup"
	"github.com/dukerupert/goaltrack/internal/model"
	"github.com/dukerupert/goaltrack/internal/review"
	"github.com/dukerupert/goaltrack/internal/storage"
	"github.com/dukerupert/goaltrack/internal/storage/kvstore"
	"github.com/dukerupert/goaltrack/internal/storage/objectstore/s3test"
	"github.com/dukerupert/goaltrack/internal/storage/storagetest"
	"github.com/dukerupert/goaltrack/internal/websocket"
)

var fixedNow = time.Date(2024, time.March, 15, 9, 30, 0, 0, time.UTC)

type stubGenerator struct{ content string }

func (s stubGenerator) Generate(context.Context, model.AISettings, string, []model.Goal) (string, error) {
	return s.content, nil
}

type testEnv struct {
	store storage.Service
	mux   *http.ServeMux
	fake  *s3test.Client
}

func setupEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := kvstore.New(kvstore.NewMemory(), "")
	hub := websocket.NewHub(logger)
	fake := s3test.New()

	goals := NewGoalHandler(store, hub, logger)
	goals.now = func() time.Time { return fixedNow }
	settings := NewSettingsHandler(store, hub, logger)
	reviews := NewReviewHandler(store, review.NewService(store, stubGenerator{content: "# Review"}, time.UTC), hub, logger)
	reviews.now = func() time.Time { return fixedNow }
	mgr := backup.NewManager(backup.Config{Bucket: "b", Prefix: "snapshots/", Passphrase: "pw"}, fake, store, logger, nil)
	data := NewDataHandler(store, mgr, hub, logger)
	data.now = func() time.Time { return fixedNow }

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/goals", goals.List)
	mux.HandleFunc("POST /api/goals", goals.Create)
	mux.HandleFunc("PUT /api/goals/{id}", goals.Update)
	mux.HandleFunc("DELETE /api/goals/{id}", goals.Delete)
	mux.HandleFunc("POST /api/goals/{id}/events", goals.CreateEvent)
	mux.HandleFunc("PUT /api/goals/{id}/events/{eventID}", goals.UpdateEvent)
	mux.HandleFunc("DELETE /api/goals/{id}/events/{eventID}", goals.DeleteEvent)
	mux.HandleFunc("GET /api/settings", settings.Get)
	mux.HandleFunc("PUT /api/settings", settings.Update)
	mux.HandleFunc("GET /api/reviews", reviews.List)
	mux.HandleFunc("POST /api/reviews", reviews.Generate)
	mux.HandleFunc("GET /api/reviews/{period}/{year}", reviews.Get)
	mux.HandleFunc("GET /api/export", data.Export)
	mux.HandleFunc("POST /api/import", data.Import)
	mux.HandleFunc("DELETE /api/data", data.Clear)
	mux.HandleFunc("POST /api/backups", data.CreateBackup)
	mux.HandleFunc("GET /api/backups", data.ListBackups)
	mux.HandleFunc("POST /api/backups/restore", data.RestoreBackup)

	return &testEnv{store: store, mux: mux, fake: fake}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		r = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, r)
	rec := httptest.NewRecorder()
	e.mux.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestGoalCRUD(t *testing.T) {
	env := setupEnv(t)

	g := storagetest.Goal("")
	g.History = nil
	rec := env.do(t, "POST", "/api/goals", g)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d: %s", rec.Code, rec.Body)
	}
	created := decode[model.Goal](t, rec)
	if created.ID == "" {
		t.Fatal("no id assigned")
	}
	if len(created.History) != 1 || created.History[0].Type != model.HistoryCreate {
		t.Errorf("history = %+v", created.History)
	}

	rec = env.do(t, "POST", "/api/goals", created)
	if rec.Code != http.StatusConflict {
		t.Errorf("duplicate status = %d, want 409", rec.Code)
	}

	created.Title = "Run further"
	rec = env.do(t, "PUT", "/api/goals/"+created.ID, created)
	if rec.Code != http.StatusOK {
		t.Fatalf("update status = %d: %s", rec.Code, rec.Body)
	}
	updated := decode[model.Goal](t, rec)
	if len(updated.History) != 2 {
		t.Fatalf("history len = %d, want 2", len(updated.History))
	}
	changes := updated.History[1].Changes
	if len(changes) != 1 || changes[0].Field != "title" || changes[0].NewValue != "Run further" {
		t.Errorf("changes = %+v", changes)
	}
	if !updated.LastModified.Equal(fixedNow) {
		t.Errorf("lastModified = %v", updated.LastModified)
	}

	rec = env.do(t, "GET", "/api/goals", nil)
	goals := decode[[]model.Goal](t, rec)
	if len(goals) != 1 || goals[0].Title != "Run further" {
		t.Errorf("goals = %+v", goals)
	}

	if rec := env.do(t, "DELETE", "/api/goals/"+created.ID, nil); rec.Code != http.StatusNoContent {
		t.Errorf("delete status = %d", rec.Code)
	}
	if rec := env.do(t, "DELETE", "/api/goals/"+created.ID, nil); rec.Code != http.StatusNoContent {
		t.Errorf("second delete status = %d", rec.Code)
	}
}

func TestGoalErrors(t *testing.T) {
	env := setupEnv(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
		kind   string
	}{
		{"malformed", "POST", "/api/goals", "{", http.StatusBadRequest, "malformed_payload"},
		{"invalid", "POST", "/api/goals", model.Goal{Title: "no dates"}, http.StatusBadRequest, "invalid"},
		{"update unknown", "PUT", "/api/goals/nope", storagetest.Goal("nope"), http.StatusNotFound, "not_found"},
		{"event on unknown", "POST", "/api/goals/nope/events", model.Event{Content: "x"}, http.StatusNotFound, "not_found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, tt.method, tt.path, tt.body)
			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d: %s", rec.Code, tt.status, rec.Body)
			}
			if got := decode[map[string]string](t, rec); got["kind"] != tt.kind {
				t.Errorf("kind = %q, want %q", got["kind"], tt.kind)
			}
		})
	}
}

func TestEvents(t *testing.T) {
	env := setupEnv(t)
	ctx := context.Background()
	if err := env.store.SaveGoal(ctx, storagetest.Goal("g1")); err != nil {
		t.Fatalf("save: %v", err)
	}

	rec := env.do(t, "POST", "/api/goals/g1/events", model.Event{Content: "5k"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create event status = %d: %s", rec.Code, rec.Body)
	}
	ev := decode[model.Event](t, rec)
	if ev.ID == "" || !ev.Date.Equal(fixedNow) {
		t.Errorf("event = %+v", ev)
	}

	rec = env.do(t, "PUT", "/api/goals/g1/events/"+ev.ID, model.Event{Content: "5k", Completed: true})
	if rec.Code != http.StatusOK {
		t.Fatalf("update event status = %d: %s", rec.Code, rec.Body)
	}

	goals, _ := env.store.Goals(ctx)
	g := goals[0]
	if len(g.Events) != 2 || !g.Events[1].Completed || !g.Events[1].Date.Equal(fixedNow) {
		t.Errorf("events = %+v", g.Events)
	}
	if len(g.History) != 1 {
		t.Errorf("event changes added history: %+v", g.History)
	}

	if rec := env.do(t, "DELETE", "/api/goals/g1/events/e1", nil); rec.Code != http.StatusNoContent {
		t.Errorf("delete event status = %d", rec.Code)
	}
	if rec := env.do(t, "DELETE", "/api/goals/g1/events/e1", nil); rec.Code != http.StatusNotFound {
		t.Errorf("delete missing event status = %d", rec.Code)
	}
	goals, _ = env.store.Goals(ctx)
	if len(goals[0].Events) != 1 || goals[0].Events[0].ID != ev.ID {
		t.Errorf("events after delete = %+v", goals[0].Events)
	}
}

func TestSettings(t *testing.T) {
	env := setupEnv(t)

	got := decode[settingsResponse](t, env.do(t, "GET", "/api/settings", nil))
	if got.BaseURL != model.DefaultAIBaseURL || got.HasAPIKey || got.Configured {
		t.Errorf("defaults = %+v", got)
	}

	rec := env.do(t, "PUT", "/api/settings", model.AISettings{OpenAPIKey: "sk-1", BaseURL: "https://x", ModelName: "m"})
	if rec.Code != http.StatusOK {
		t.Fatalf("update status = %d: %s", rec.Code, rec.Body)
	}
	if strings.Contains(rec.Body.String(), "sk-1") {
		t.Error("api key echoed")
	}

	// Empty key keeps the stored one.
	env.do(t, "PUT", "/api/settings", model.AISettings{BaseURL: "https://y", ModelName: "m"})
	s, _ := env.store.Settings(context.Background())
	if s.OpenAPIKey != "sk-1" || s.BaseURL != "https://y" {
		t.Errorf("stored = %+v", s)
	}

	if rec := env.do(t, "PUT", "/api/settings", model.AISettings{}); rec.Code != http.StatusBadRequest {
		t.Errorf("invalid status = %d", rec.Code)
	}
}

func TestReviews(t *testing.T) {
	env := setupEnv(t)
	ctx := context.Background()

	rec := env.do(t, "POST", "/api/reviews", generateRequest{Period: "month"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("unconfigured status = %d: %s", rec.Code, rec.Body)
	}

	s := model.DefaultAISettings()
	s.OpenAPIKey = "sk"
	if err := env.store.SaveSettings(ctx, s); err != nil {
		t.Fatalf("settings: %v", err)
	}

	rec = env.do(t, "POST", "/api/reviews", generateRequest{Period: "month"})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("no goals status = %d: %s", rec.Code, rec.Body)
	}

	if err := env.store.SaveGoal(ctx, storagetest.Goal("g1")); err != nil {
		t.Fatalf("save: %v", err)
	}
	rec = env.do(t, "POST", "/api/reviews", generateRequest{Period: "quarter"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("generate status = %d: %s", rec.Code, rec.Body)
	}
	if got := decode[model.Review](t, rec); got.ID != "quarter-2024-Q1" {
		t.Errorf("id = %q", got.ID)
	}

	rec = env.do(t, "GET", "/api/reviews/quarter/2024?quarter=1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d: %s", rec.Code, rec.Body)
	}
	if got := decode[model.Review](t, rec); got.Content != "# Review" {
		t.Errorf("content = %q", got.Content)
	}

	for path, want := range map[string]int{
		"/api/reviews/quarter/2024?quarter=2": http.StatusNotFound,
		"/api/reviews/quarter/2024?quarter=5": http.StatusBadRequest,
		"/api/reviews/week/2024":              http.StatusBadRequest,
		"/api/reviews/month/20x4?month=1":     http.StatusBadRequest,
	} {
		if rec := env.do(t, "GET", path, nil); rec.Code != want {
			t.Errorf("GET %s status = %d, want %d", path, rec.Code, want)
		}
	}

	list := decode[[]model.Review](t, env.do(t, "GET", "/api/reviews", nil))
	if len(list) != 1 {
		t.Errorf("reviews = %d, want 1", len(list))
	}
}

func TestExportImportClear(t *testing.T) {
	env := setupEnv(t)
	ctx := context.Background()
	if err := env.store.SaveGoals(ctx, []model.Goal{storagetest.Goal("a"), storagetest.Goal("b")}); err != nil {
		t.Fatalf("save: %v", err)
	}

	rec := env.do(t, "GET", "/api/export", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("export status = %d", rec.Code)
	}
	if cd := rec.Header().Get("Content-Disposition"); !strings.Contains(cd, "goals-export-2024-03-15.json") {
		t.Errorf("Content-Disposition = %q", cd)
	}
	payload := rec.Body.String()

	if rec := env.do(t, "DELETE", "/api/data", nil); rec.Code != http.StatusNoContent {
		t.Fatalf("clear status = %d", rec.Code)
	}
	if goals, _ := env.store.Goals(ctx); len(goals) != 0 {
		t.Fatalf("goals after clear = %d", len(goals))
	}

	rec = env.do(t, "POST", "/api/import", payload)
	if rec.Code != http.StatusOK {
		t.Fatalf("import status = %d: %s", rec.Code, rec.Body)
	}
	if got := decode[map[string]int](t, rec); got["imported"] != 2 {
		t.Errorf("imported = %v", got)
	}

	rec = env.do(t, "POST", "/api/import", `{"version":3,"goals":[{"id":""}]}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad import status = %d", rec.Code)
	}
	if goals, _ := env.store.Goals(ctx); len(goals) != 2 {
		t.Errorf("failed import changed goals: %d", len(goals))
	}
}

func TestBackups(t *testing.T) {
	env := setupEnv(t)
	ctx := context.Background()
	if err := env.store.SaveGoal(ctx, storagetest.Goal("g1")); err != nil {
		t.Fatalf("save: %v", err)
	}

	rec := env.do(t, "POST", "/api/backups", nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("backup status = %d: %s", rec.Code, rec.Body)
	}
	snap := decode[backup.Snapshot](t, rec)

	var listed struct {
		Status    backup.Status     `json:"status"`
		Snapshots []backup.Snapshot `json:"snapshots"`
	}
	rec = env.do(t, "GET", "/api/backups", nil)
	if err := json.NewDecoder(rec.Body).Decode(&listed); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(listed.Snapshots) != 1 || listed.Status.State != backup.StateIdle {
		t.Errorf("list = %+v", listed)
	}

	if err := env.store.ClearAll(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	rec = env.do(t, "POST", "/api/backups/restore", restoreRequest{Name: snap.Name})
	if rec.Code != http.StatusOK {
		t.Fatalf("restore status = %d: %s", rec.Code, rec.Body)
	}
	if goals, _ := env.store.Goals(ctx); len(goals) != 1 {
		t.Errorf("goals after restore = %d", len(goals))
	}

	if rec := env.do(t, "POST", "/api/backups/restore", restoreRequest{Name: "../x"}); rec.Code != http.StatusBadRequest {
		t.Errorf("bad name status = %d", rec.Code)
	}
	if rec := env.do(t, "POST", "/api/backups/restore", restoreRequest{Name: "export-none.json.enc"}); rec.Code != http.StatusNotFound {
		t.Errorf("missing status = %d", rec.Code)
	}
}

func TestBackupUnavailable(t *testing.T) {
	env := setupEnv(t)
	env.fake.PutErr = errors.New("connection reset")
	rec := env.do(t, "POST", "/api/backups", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "connection reset") {
		t.Error("medium error leaked to client")
	}
}

func TestErrorStatus(t *testing.T) {
	tests := []struct {
		err    error
		status int
		kind   string
	}{
		{fmt.Errorf("x: %w", storage.ErrNotFound), http.StatusNotFound, "not_found"},
		{storage.ErrNotAuthenticated, http.StatusUnauthorized, "not_authenticated"},
		{storage.ErrConflict, http.StatusConflict, "conflict"},
		{storage.ErrTimeout, http.StatusGatewayTimeout, "timeout"},
		{storage.Unavailable("get", errors.New("down")), http.StatusServiceUnavailable, "unavailable"},
		{review.ErrNotConfigured, http.StatusBadRequest, "not_configured"},
		{backup.ErrDecrypt, http.StatusBadRequest, "decrypt_failed"},
		{errors.New("boom"), http.StatusInternalServerError, "internal"},
	}
	for _, tt := range tests {
		status, kind := errorStatus(tt.err)
		if status != tt.status || kind != tt.kind {
			t.Errorf("errorStatus(%v) = %d %q, want %d %q", tt.err, status, kind, tt.status, tt.kind)
		}
	}
}

func TestClearIsScopedToUser(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := kvstore.New(kvstore.NewMemory(), "")
	h := NewDataHandler(store, nil, websocket.NewHub(logger), logger)

	local := context.Background()
	alice := auth.WithUser(local, model.UserProfile{ID: "alice"})
	for _, ctx := range []context.Context{local, alice} {
		if err := store.SaveGoal(ctx, storagetest.Goal("g1")); err != nil {
			t.Fatalf("save: %v", err)
		}
	}

	req := httptest.NewRequest("DELETE", "/api/data", nil).WithContext(alice)
	rec := httptest.NewRecorder()
	h.Clear(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d", rec.Code)
	}
	if goals, _ := store.Goals(alice); len(goals) != 0 {
		t.Errorf("alice goals = %d, want 0", len(goals))
	}
	if goals, _ := store.Goals(local); len(goals) != 1 {
		t.Errorf("local goals = %d, want 1", len(goals))
	}
}
