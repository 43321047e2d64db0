package handlers

import (
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type PingHandler struct {
	version string
	logger  *slog.Logger
}

func NewPingHandler(log *slog.Logger, version string) *PingHandler {
	return &PingHandler{version: version, logger: log.With(slog.String("handler", "ping"))}
}

func (h *PingHandler) Register(e *echo.Echo) {
	e.GET("/", h.Welcome)
	e.GET("/ping", h.Ping)
	e.HEAD("/health", h.PingHead)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
}

func (h *PingHandler) Welcome(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":  http.StatusOK,
		"message": "Welcome to the WhatsApp gateway, it is working!",
		"version": h.version,
	})
}

func (h *PingHandler) Ping(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

func (h *PingHandler) PingHead(c echo.Context) error {
	return c.NoContent(http.StatusOK)
}
