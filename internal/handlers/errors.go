package handlers

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/EvolutionAPI/evolution-api-sub000/internal/instance"
	"github.com/EvolutionAPI/evolution-api-sub000/internal/protocol"
	"github.com/EvolutionAPI/evolution-api-sub000/internal/session"
)

// httpError maps service errors to HTTP statuses.
func httpError(err error) error {
	var he *echo.HTTPError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &he):
		return he
	case instance.IsClientError(err), errors.Is(err, protocol.ErrUnsupported):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, instance.ErrInstanceExists):
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	case errors.Is(err, instance.ErrInstanceNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, instance.ErrInstanceOpen),
		errors.Is(err, session.ErrNotConnected),
		errors.Is(err, session.ErrQRCodeLimit),
		errors.Is(err, session.ErrClosed):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
