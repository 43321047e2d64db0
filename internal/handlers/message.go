package handlers

import (
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/EvolutionAPI/evolution-api-sub000/internal/instance"
)

// MessageHandler sends outbound messages through a live session.
type MessageHandler struct {
	service *instance.Service
	logger  *slog.Logger
}

func NewMessageHandler(log *slog.Logger, service *instance.Service) *MessageHandler {
	return &MessageHandler{
		service: service,
		logger:  log.With(slog.String("handler", "message")),
	}
}

func (h *MessageHandler) Register(e *echo.Echo) {
	e.POST("/message/sendText/:instance", h.SendText)
}

type sendTextBody struct {
	Number string `json:"number"`
	Text   string `json:"text"`
}

func (h *MessageHandler) SendText(c echo.Context) error {
	var body sendTextBody
	if err := bind(c, &body); err != nil {
		return err
	}
	msg, err := h.service.SendText(c.Request().Context(), c.Param("instance"), body.Number, body.Text)
	if err != nil {
		h.logger.Warn("send text failed", slog.String("instance", c.Param("instance")), slog.Any("error", err))
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, msg)
}
