package handler

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/dukerupert/goaltrack/internal/auth"
	"github.com/dukerupert/goaltrack/internal/backup"
	"github.com/dukerupert/goaltrack/internal/storage"
	"github.com/dukerupert/goaltrack/internal/websocket"
)

// DataHandler serves whole-scope operations: export, import, clear and the
// encrypted snapshots built on them.
type DataHandler struct {
	store   storage.Service
	backups *backup.Manager
	hub     *websocket.Hub
	logger  *slog.Logger
	now     func() time.Time
}

func NewDataHandler(store storage.Service, backups *backup.Manager, hub *websocket.Hub, logger *slog.Logger) *DataHandler {
	return &DataHandler{store: store, backups: backups, hub: hub, logger: logger, now: time.Now}
}

func (h *DataHandler) broadcast(r *http.Request, action string, extra map[string]any) {
	if h.hub != nil {
		h.hub.Broadcast(auth.UserID(r.Context()), websocket.NewMessage(websocket.EntityData, action, "", extra))
	}
}

func (h *DataHandler) Export(w http.ResponseWriter, r *http.Request) {
	payload, err := h.store.Export(r.Context())
	if err != nil {
		writeError(w, h.logger, "failed to export", err)
		return
	}
	name := fmt.Sprintf("goals-export-%s.json", h.now().UTC().Format("2006-01-02"))
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	w.WriteHeader(http.StatusOK)
	w.Write(payload)
}

func (h *DataHandler) Import(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeMessage(w, http.StatusRequestEntityTooLarge, "malformed_payload", "payload too large")
			return
		}
		writeMessage(w, http.StatusBadRequest, "malformed_payload", "failed to read payload")
		return
	}

	if err := h.store.Import(r.Context(), payload); err != nil {
		writeError(w, h.logger, "failed to import", err)
		return
	}
	goals, err := h.store.Goals(r.Context())
	if err != nil {
		writeError(w, h.logger, "failed to list goals", err)
		return
	}

	h.broadcast(r, "imported", map[string]any{"count": len(goals)})
	writeJSON(w, http.StatusOK, map[string]any{"imported": len(goals)})
}

func (h *DataHandler) Clear(w http.ResponseWriter, r *http.Request) {
	if err := h.store.ClearAll(r.Context()); err != nil {
		writeError(w, h.logger, "failed to clear data", err)
		return
	}
	h.broadcast(r, "cleared", nil)
	w.WriteHeader(http.StatusNoContent)
}

func (h *DataHandler) CreateBackup(w http.ResponseWriter, r *http.Request) {
	snap, err := h.backups.Run(r.Context())
	if err != nil {
		writeError(w, h.logger, "failed to create backup", err)
		return
	}
	writeJSON(w, http.StatusCreated, snap)
}

func (h *DataHandler) ListBackups(w http.ResponseWriter, r *http.Request) {
	snaps, err := h.backups.List(r.Context())
	if err != nil {
		writeError(w, h.logger, "failed to list backups", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    h.backups.Status(r.Context()),
		"snapshots": snaps,
	})
}

type restoreRequest struct {
	Name string `json:"name"`
}

func (h *DataHandler) RestoreBackup(w http.ResponseWriter, r *http.Request) {
	var req restoreRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.backups.Restore(r.Context(), req.Name); err != nil {
		writeError(w, h.logger, "failed to restore backup", err)
		return
	}
	h.broadcast(r, "imported", map[string]any{"snapshot": req.Name})
	writeJSON(w, http.StatusOK, map[string]string{"restored": req.Name})
}
