package handlers

import (
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/EvolutionAPI/evolution-api-sub000/internal/instance"
	"github.com/EvolutionAPI/evolution-api-sub000/internal/websocket"
)

// WebsocketHandler upgrades subscribers of the local event socket.
type WebsocketHandler struct {
	hub      *websocket.Hub
	registry *instance.Registry
	logger   *slog.Logger
}

func NewWebsocketHandler(log *slog.Logger, hub *websocket.Hub, registry *instance.Registry) *WebsocketHandler {
	return &WebsocketHandler{
		hub:      hub,
		registry: registry,
		logger:   log.With(slog.String("handler", "websocket")),
	}
}

func (h *WebsocketHandler) Register(e *echo.Echo) {
	e.GET("/ws/:instance", h.Serve)
}

func (h *WebsocketHandler) Serve(c echo.Context) error {
	name := c.Param("instance")
	if _, ok := h.registry.Get(name); !ok {
		return echo.NewHTTPError(http.StatusNotFound, "instance not found")
	}
	if err := h.hub.Serve(c.Response(), c.Request(), name); err != nil {
		h.logger.Debug("websocket closed", slog.String("instance", name), slog.Any("error", err))
	}
	return nil
}
