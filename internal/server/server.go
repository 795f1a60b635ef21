package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/dukerupert/goaltrack/internal/auth"
	"github.com/dukerupert/goaltrack/internal/backup"
	"github.com/dukerupert/goaltrack/internal/handler"
	"github.com/dukerupert/goaltrack/internal/middleware"
	"github.com/dukerupert/goaltrack/internal/review"
	"github.com/dukerupert/goaltrack/internal/storage"
	"github.com/dukerupert/goaltrack/internal/storage/objectstore"
	ws "github.com/dukerupert/goaltrack/internal/websocket"
)

// Options wires the server to its collaborators.
type Options struct {
	Store   storage.Service
	Backend string
	// Verifier checks bearer tokens. Nil disables sign-in; every request
	// then runs in the local scope.
	Verifier *auth.Verifier
	// RequireUser rejects API calls without a signed-in user.
	RequireUser bool
	Generator   review.Generator
	// Location is the zone review buckets are computed in.
	Location *time.Location

	Backup       backup.Config
	BackupClient objectstore.Client

	// OriginPatterns lists hosts allowed to open the change feed
	// cross-origin.
	OriginPatterns []string
}

type Server struct {
	opts          Options
	hub           *ws.Hub
	goalH         *handler.GoalHandler
	settingsH     *handler.SettingsHandler
	reviewH       *handler.ReviewHandler
	dataH         *handler.DataHandler
	rateLimiter   *middleware.RateLimiter
	backupManager *backup.Manager
	logger        *slog.Logger
}

func New(opts Options, logger *slog.Logger) *Server {
	hub := ws.NewHub(logger.With("component", "websocket"))

	backupMgr := backup.NewManager(opts.Backup, opts.BackupClient, opts.Store, logger, func(userID string, s backup.Status) {
		hub.Broadcast(userID, ws.NewMessage(ws.EntityBackup, string(s.State), "", map[string]any{
			"in_progress": s.InProgress,
			"error":       s.Error,
		}))
	})

	if opts.Generator == nil {
		opts.Generator = review.NewChatGenerator()
	}
	reviews := review.NewService(opts.Store, opts.Generator, opts.Location)

	return &Server{
		opts:          opts,
		hub:           hub,
		goalH:         handler.NewGoalHandler(opts.Store, hub, logger.With("component", "goal")),
		settingsH:     handler.NewSettingsHandler(opts.Store, hub, logger.With("component", "settings")),
		reviewH:       handler.NewReviewHandler(opts.Store, reviews, hub, logger.With("component", "review")),
		dataH:         handler.NewDataHandler(opts.Store, backupMgr, hub, logger.With("component", "data")),
		rateLimiter:   middleware.NewRateLimiter(),
		backupManager: backupMgr,
		logger:        logger,
	}
}

// RateLimiter returns the rate limiter for cleanup tasks.
func (s *Server) RateLimiter() *middleware.RateLimiter {
	return s.rateLimiter
}

// BackupManager returns the backup manager.
func (s *Server) BackupManager() *backup.Manager {
	return s.backupManager
}

// Hub returns the change feed hub.
func (s *Server) Hub() *ws.Hub {
	return s.hub
}

func (s *Server) Router() http.Handler {
	outerMux := http.NewServeMux()
	outerMux.HandleFunc("GET /health", s.healthHandler)

	apiMux := http.NewServeMux()
	s.registerAPIRoutes(apiMux)

	var api http.Handler = apiMux
	if s.opts.RequireUser {
		api = middleware.RequireUser(api)
	}
	outerMux.Handle("/", api)

	var h http.Handler = middleware.RequestLogger(s.logger.With("component", "http"))(outerMux)
	if s.opts.Verifier != nil {
		h = middleware.Authenticate(s.opts.Verifier)(h)
	}
	return h
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok", "backend": s.opts.Backend})
}

// Expensive operations get ten calls per minute per caller, each from its
// own budget.
var (
	reviewBudget = middleware.Budget{Name: "review", Limit: 10, Window: time.Minute}
	importBudget = middleware.Budget{Name: "import", Limit: 10, Window: time.Minute}
	backupBudget = middleware.Budget{Name: "backup", Limit: 10, Window: time.Minute}
)

func (s *Server) rateLimited(b middleware.Budget, h http.HandlerFunc) http.Handler {
	return middleware.RateLimit(s.rateLimiter, b)(h)
}

func (s *Server) registerAPIRoutes(mux *http.ServeMux) {
	// Goals
	mux.HandleFunc("GET /api/goals", s.goalH.List)
	mux.HandleFunc("POST /api/goals", s.goalH.Create)
	mux.HandleFunc("PUT /api/goals/{id}", s.goalH.Update)
	mux.HandleFunc("DELETE /api/goals/{id}", s.goalH.Delete)
	mux.HandleFunc("POST /api/goals/{id}/events", s.goalH.CreateEvent)
	mux.HandleFunc("PUT /api/goals/{id}/events/{eventID}", s.goalH.UpdateEvent)
	mux.HandleFunc("DELETE /api/goals/{id}/events/{eventID}", s.goalH.DeleteEvent)

	// Settings
	mux.HandleFunc("GET /api/settings", s.settingsH.Get)
	mux.HandleFunc("PUT /api/settings", s.settingsH.Update)

	// Reviews
	mux.HandleFunc("GET /api/reviews", s.reviewH.List)
	mux.HandleFunc("GET /api/reviews/{period}/{year}", s.reviewH.Get)
	mux.Handle("POST /api/reviews", s.rateLimited(reviewBudget, s.reviewH.Generate))

	// Whole-scope data
	mux.HandleFunc("GET /api/export", s.dataH.Export)
	mux.Handle("POST /api/import", s.rateLimited(importBudget, s.dataH.Import))
	mux.HandleFunc("DELETE /api/data", s.dataH.Clear)

	// Snapshots
	mux.Handle("POST /api/backups", s.rateLimited(backupBudget, s.dataH.CreateBackup))
	mux.HandleFunc("GET /api/backups", s.dataH.ListBackups)
	mux.Handle("POST /api/backups/restore", s.rateLimited(backupBudget, s.dataH.RestoreBackup))

	// WebSocket
	mux.HandleFunc("GET /ws", ws.Handler(s.hub, s.logger.With("component", "websocket"), s.opts.OriginPatterns))
}
