package handler

import (
	"log/slog"
	"net/http"

	"github.com/dukerupert/goaltrack/internal/auth"
	"github.com/dukerupert/goaltrack/internal/model"
	"github.com/dukerupert/goaltrack/internal/storage"
	"github.com/dukerupert/goaltrack/internal/websocket"
)

type SettingsHandler struct {
	store  storage.Service
	hub    *websocket.Hub
	logger *slog.Logger
}

func NewSettingsHandler(store storage.Service, hub *websocket.Hub, logger *slog.Logger) *SettingsHandler {
	return &SettingsHandler{store: store, hub: hub, logger: logger}
}

// settingsResponse never echoes the API key back.
type settingsResponse struct {
	BaseURL    string `json:"baseUrl"`
	ModelName  string `json:"modelName"`
	HasAPIKey  bool   `json:"hasApiKey"`
	Configured bool   `json:"configured"`
}

func toSettingsResponse(s model.AISettings) settingsResponse {
	return settingsResponse{
		BaseURL:    s.BaseURL,
		ModelName:  s.ModelName,
		HasAPIKey:  s.OpenAPIKey != "",
		Configured: s.Configured(),
	}
}

func (h *SettingsHandler) Get(w http.ResponseWriter, r *http.Request) {
	s, err := h.store.Settings(r.Context())
	if err != nil {
		writeError(w, h.logger, "failed to get settings", err)
		return
	}
	writeJSON(w, http.StatusOK, toSettingsResponse(s))
}

// Update replaces the settings. An omitted or empty openApiKey keeps the
// stored key.
func (h *SettingsHandler) Update(w http.ResponseWriter, r *http.Request) {
	var req model.AISettings
	if !decodeJSON(w, r, &req) {
		return
	}

	current, err := h.store.Settings(r.Context())
	if err != nil {
		writeError(w, h.logger, "failed to get settings", err)
		return
	}
	if req.OpenAPIKey == "" {
		req.OpenAPIKey = current.OpenAPIKey
	}

	if err := h.store.SaveSettings(r.Context(), req); err != nil {
		writeError(w, h.logger, "failed to save settings", err)
		return
	}

	if h.hub != nil {
		h.hub.Broadcast(auth.UserID(r.Context()), websocket.NewMessage(websocket.EntitySettings, "updated", "", nil))
	}
	writeJSON(w, http.StatusOK, toSettingsResponse(req))
}
