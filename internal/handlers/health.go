package handlers

import (
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/EvolutionAPI/evolution-api-sub000/internal/healthcheck"
)

// HealthHandler reports runtime checks of one instance.
type HealthHandler struct {
	checker healthcheck.Checker
	logger  *slog.Logger
}

func NewHealthHandler(log *slog.Logger, checker healthcheck.Checker) *HealthHandler {
	return &HealthHandler{
		checker: checker,
		logger:  log.With(slog.String("handler", "health")),
	}
}

func (h *HealthHandler) Register(e *echo.Echo) {
	e.GET("/instance/health/:instance", h.Instance)
}

type healthResponse struct {
	Instance string                    `json:"instance"`
	Status   string                    `json:"status"`
	Checks   []healthcheck.CheckResult `json:"checks"`
}

func (h *HealthHandler) Instance(c echo.Context) error {
	name := c.Param("instance")
	items := h.checker.ListChecks(c.Request().Context(), name)
	return c.JSON(http.StatusOK, healthResponse{
		Instance: name,
		Status:   healthcheck.Overall(items),
		Checks:   items,
	})
}
