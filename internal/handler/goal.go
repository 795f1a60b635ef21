package handler

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/dukerupert/goaltrack/internal/auth"
	"github.com/dukerupert/goaltrack/internal/model"
	"github.com/dukerupert/goaltrack/internal/storage"
	"github.com/dukerupert/goaltrack/internal/websocket"
)

type GoalHandler struct {
	store  storage.Service
	hub    *websocket.Hub
	logger *slog.Logger
	now    func() time.Time
}

func NewGoalHandler(store storage.Service, hub *websocket.Hub, logger *slog.Logger) *GoalHandler {
	return &GoalHandler{store: store, hub: hub, logger: logger, now: time.Now}
}

func (h *GoalHandler) broadcast(ctx context.Context, msg websocket.Message) {
	if h.hub != nil {
		h.hub.Broadcast(auth.UserID(ctx), msg)
	}
}

func (h *GoalHandler) find(ctx context.Context, id string) (model.Goal, error) {
	goals, err := h.store.Goals(ctx)
	if err != nil {
		return model.Goal{}, err
	}
	i := slices.IndexFunc(goals, func(g model.Goal) bool { return g.ID == id })
	if i < 0 {
		return model.Goal{}, fmt.Errorf("goal %q: %w", id, storage.ErrNotFound)
	}
	return goals[i], nil
}

func (h *GoalHandler) List(w http.ResponseWriter, r *http.Request) {
	goals, err := h.store.Goals(r.Context())
	if err != nil {
		writeError(w, h.logger, "failed to list goals", err)
		return
	}
	writeJSON(w, http.StatusOK, goals)
}

func (h *GoalHandler) Create(w http.ResponseWriter, r *http.Request) {
	var g model.Goal
	if !decodeJSON(w, r, &g) {
		return
	}
	if g.ID == "" {
		g.ID = model.NewID()
	}
	// History is server-owned.
	g.History = nil
	g.RecordCreate(h.now())
	g.Normalize()

	if err := h.store.SaveGoal(r.Context(), g); err != nil {
		writeError(w, h.logger, "failed to create goal", err)
		return
	}

	h.broadcast(r.Context(), websocket.NewMessage(websocket.EntityGoal, "created", g.ID, nil))
	writeJSON(w, http.StatusCreated, g)
}

func (h *GoalHandler) Update(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var g model.Goal
	if !decodeJSON(w, r, &g) {
		return
	}

	before, err := h.find(r.Context(), id)
	if err != nil {
		writeError(w, h.logger, "failed to get goal", err)
		return
	}

	g.ID = id
	g.History = slices.Clone(before.History)
	g.Normalize()
	g.RecordUpdate(before, h.now())

	if err := h.store.UpdateGoal(r.Context(), g); err != nil {
		writeError(w, h.logger, "failed to update goal", err)
		return
	}

	h.broadcast(r.Context(), websocket.NewMessage(websocket.EntityGoal, "updated", id, nil))
	writeJSON(w, http.StatusOK, g)
}

func (h *GoalHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.store.DeleteGoal(r.Context(), id); err != nil {
		writeError(w, h.logger, "failed to delete goal", err)
		return
	}

	h.broadcast(r.Context(), websocket.NewMessage(websocket.EntityGoal, "deleted", id, nil))
	w.WriteHeader(http.StatusNoContent)
}

// mutateEvents loads a goal, applies fn to it and writes it back. Event
// changes bump LastModified but add no history entry.
func (h *GoalHandler) mutateEvents(w http.ResponseWriter, r *http.Request, status int, fn func(*model.Goal) (*model.Event, error)) {
	id := r.PathValue("id")
	g, err := h.find(r.Context(), id)
	if err != nil {
		writeError(w, h.logger, "failed to get goal", err)
		return
	}

	ev, err := fn(&g)
	if err != nil {
		writeError(w, h.logger, "failed to update event", err)
		return
	}
	g.LastModified = h.now().UTC()

	if err := h.store.UpdateGoal(r.Context(), g); err != nil {
		writeError(w, h.logger, "failed to update goal", err)
		return
	}

	h.broadcast(r.Context(), websocket.NewMessage(websocket.EntityGoal, "updated", id, nil))
	if ev == nil {
		w.WriteHeader(status)
		return
	}
	writeJSON(w, status, ev)
}

func (h *GoalHandler) CreateEvent(w http.ResponseWriter, r *http.Request) {
	var ev model.Event
	if !decodeJSON(w, r, &ev) {
		return
	}
	if ev.ID == "" {
		ev.ID = model.NewID()
	}
	if ev.Date.IsZero() {
		ev.Date = h.now()
	}
	ev.Date = ev.Date.UTC()

	h.mutateEvents(w, r, http.StatusCreated, func(g *model.Goal) (*model.Event, error) {
		if g.EventIndex(ev.ID) >= 0 {
			return nil, fmt.Errorf("event %q: %w", ev.ID, storage.ErrDuplicateKey)
		}
		g.Events = append(g.Events, ev)
		return &ev, nil
	})
}

func (h *GoalHandler) UpdateEvent(w http.ResponseWriter, r *http.Request) {
	eventID := r.PathValue("eventID")
	var ev model.Event
	if !decodeJSON(w, r, &ev) {
		return
	}
	ev.ID = eventID
	ev.Date = ev.Date.UTC()

	h.mutateEvents(w, r, http.StatusOK, func(g *model.Goal) (*model.Event, error) {
		i := g.EventIndex(eventID)
		if i < 0 {
			return nil, fmt.Errorf("event %q: %w", eventID, storage.ErrNotFound)
		}
		if ev.Date.IsZero() {
			ev.Date = g.Events[i].Date
		}
		g.Events[i] = ev
		return &ev, nil
	})
}

func (h *GoalHandler) DeleteEvent(w http.ResponseWriter, r *http.Request) {
	eventID := r.PathValue("eventID")
	h.mutateEvents(w, r, http.StatusNoContent, func(g *model.Goal) (*model.Event, error) {
		i := g.EventIndex(eventID)
		if i < 0 {
			return nil, fmt.Errorf("event %q: %w", eventID, storage.ErrNotFound)
		}
		g.Events = slices.Delete(g.Events, i, i+1)
		return nil, nil
	})
}
