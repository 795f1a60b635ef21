package handler

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/dukerupert/goaltrack/internal/auth"
	"github.com/dukerupert/goaltrack/internal/model"
	"github.com/dukerupert/goaltrack/internal/review"
	"github.com/dukerupert/goaltrack/internal/storage"
	"github.com/dukerupert/goaltrack/internal/websocket"
)

type ReviewHandler struct {
	store   storage.Service
	reviews *review.Service
	hub     *websocket.Hub
	logger  *slog.Logger
	now     func() time.Time
}

func NewReviewHandler(store storage.Service, reviews *review.Service, hub *websocket.Hub, logger *slog.Logger) *ReviewHandler {
	return &ReviewHandler{store: store, reviews: reviews, hub: hub, logger: logger, now: time.Now}
}

func (h *ReviewHandler) List(w http.ResponseWriter, r *http.Request) {
	reviews, err := h.store.Reviews(r.Context())
	if err != nil {
		writeError(w, h.logger, "failed to list reviews", err)
		return
	}
	writeJSON(w, http.StatusOK, reviews)
}

// Get returns the review for GET /api/reviews/{period}/{year}. Month and
// quarter come from the query string.
func (h *ReviewHandler) Get(w http.ResponseWriter, r *http.Request) {
	b, err := bucketFromRequest(r)
	if err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid", err.Error())
		return
	}

	rev, err := h.store.Review(r.Context(), b.Period, b.Year, b.Month, b.Quarter)
	if err != nil {
		writeError(w, h.logger, "failed to get review", err)
		return
	}
	if rev == nil {
		writeMessage(w, http.StatusNotFound, "not_found", "review not found")
		return
	}
	writeJSON(w, http.StatusOK, rev)
}

func bucketFromRequest(r *http.Request) (model.Bucket, error) {
	period, err := model.ParsePeriod(r.PathValue("period"))
	if err != nil {
		return model.Bucket{}, err
	}
	b := model.Bucket{Period: period}
	if b.Year, err = strconv.Atoi(r.PathValue("year")); err != nil {
		return model.Bucket{}, fmt.Errorf("invalid year %q", r.PathValue("year"))
	}
	q := r.URL.Query()
	if v := q.Get("month"); v != "" {
		if b.Month, err = strconv.Atoi(v); err != nil {
			return model.Bucket{}, fmt.Errorf("invalid month %q", v)
		}
	}
	if v := q.Get("quarter"); v != "" {
		if b.Quarter, err = strconv.Atoi(v); err != nil {
			return model.Bucket{}, fmt.Errorf("invalid quarter %q", v)
		}
	}
	if err := b.Validate(); err != nil {
		return model.Bucket{}, err
	}
	return b, nil
}

type generateRequest struct {
	Period string     `json:"period"`
	Date   *time.Time `json:"date"`
}

// Generate creates the review for the bucket containing the request date,
// or now when no date is given.
func (h *ReviewHandler) Generate(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	period, err := model.ParsePeriod(req.Period)
	if err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid", err.Error())
		return
	}
	at := h.now()
	if req.Date != nil {
		at = *req.Date
	}

	rev, err := h.reviews.Generate(r.Context(), period, at)
	if err != nil {
		writeError(w, h.logger, "failed to generate review", err)
		return
	}

	if h.hub != nil {
		h.hub.Broadcast(auth.UserID(r.Context()), websocket.NewMessage(websocket.EntityReview, "saved", rev.ID, nil))
	}
	writeJSON(w, http.StatusCreated, rev)
}
