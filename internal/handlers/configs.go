package handlers

import (
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/EvolutionAPI/evolution-api-sub000/internal/instance"
	"github.com/EvolutionAPI/evolution-api-sub000/internal/repository"
)

// ConfigHandler serves the per-instance sink and behavior settings.
type ConfigHandler struct {
	service *instance.Service
	logger  *slog.Logger
}

func NewConfigHandler(log *slog.Logger, service *instance.Service) *ConfigHandler {
	return &ConfigHandler{
		service: service,
		logger:  log.With(slog.String("handler", "config")),
	}
}

func (h *ConfigHandler) Register(e *echo.Echo) {
	e.POST("/webhook/set/:instance", h.SetWebhook)
	e.GET("/webhook/find/:instance", h.FindWebhook)
	e.POST("/rabbitmq/set/:instance", h.SetQueue)
	e.GET("/rabbitmq/find/:instance", h.FindQueue)
	e.POST("/websocket/set/:instance", h.SetWebsocket)
	e.GET("/websocket/find/:instance", h.FindWebsocket)
	e.POST("/settings/set/:instance", h.SetSettings)
	e.GET("/settings/find/:instance", h.FindSettings)
	e.POST("/integration/set/:instance", h.SetIntegration)
	e.GET("/integration/find/:instance", h.FindIntegrations)
}

type webhookBody struct {
	Webhook repository.Webhook `json:"webhook"`
}

type queueBody struct {
	Queue repository.Queue `json:"rabbitmq"`
}

type websocketBody struct {
	Websocket repository.Websocket `json:"websocket"`
}

func bind(c echo.Context, v any) error {
	if err := c.Bind(v); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return nil
}

func reply[T any](c echo.Context, v T, err error) error {
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, v)
}

func (h *ConfigHandler) SetWebhook(c echo.Context) error {
	var body webhookBody
	if err := bind(c, &body); err != nil {
		return err
	}
	got, err := h.service.SetWebhook(c.Request().Context(), c.Param("instance"), body.Webhook)
	return reply(c, got, err)
}

func (h *ConfigHandler) FindWebhook(c echo.Context) error {
	got, err := h.service.FindWebhook(c.Request().Context(), c.Param("instance"))
	return reply(c, got, err)
}

func (h *ConfigHandler) SetQueue(c echo.Context) error {
	var body queueBody
	if err := bind(c, &body); err != nil {
		return err
	}
	got, err := h.service.SetQueue(c.Request().Context(), c.Param("instance"), body.Queue)
	return reply(c, got, err)
}

func (h *ConfigHandler) FindQueue(c echo.Context) error {
	got, err := h.service.FindQueue(c.Request().Context(), c.Param("instance"))
	return reply(c, got, err)
}

func (h *ConfigHandler) SetWebsocket(c echo.Context) error {
	var body websocketBody
	if err := bind(c, &body); err != nil {
		return err
	}
	got, err := h.service.SetWebsocket(c.Request().Context(), c.Param("instance"), body.Websocket)
	return reply(c, got, err)
}

func (h *ConfigHandler) FindWebsocket(c echo.Context) error {
	got, err := h.service.FindWebsocket(c.Request().Context(), c.Param("instance"))
	return reply(c, got, err)
}

func (h *ConfigHandler) SetSettings(c echo.Context) error {
	var body repository.Settings
	if err := bind(c, &body); err != nil {
		return err
	}
	got, err := h.service.SetSettings(c.Request().Context(), c.Param("instance"), body)
	return reply(c, got, err)
}

func (h *ConfigHandler) FindSettings(c echo.Context) error {
	got, err := h.service.FindSettings(c.Request().Context(), c.Param("instance"))
	return reply(c, got, err)
}

func (h *ConfigHandler) SetIntegration(c echo.Context) error {
	var body repository.Integration
	if err := bind(c, &body); err != nil {
		return err
	}
	got, err := h.service.SetIntegration(c.Request().Context(), c.Param("instance"), body)
	return reply(c, got, err)
}

func (h *ConfigHandler) FindIntegrations(c echo.Context) error {
	got, err := h.service.FindIntegrations(c.Request().Context(), c.Param("instance"))
	return reply(c, got, err)
}
