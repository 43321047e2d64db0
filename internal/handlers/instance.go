package handlers

import (
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/EvolutionAPI/evolution-api-sub000/internal/auth"
	"github.com/EvolutionAPI/evolution-api-sub000/internal/events"
	"github.com/EvolutionAPI/evolution-api-sub000/internal/instance"
	"github.com/EvolutionAPI/evolution-api-sub000/internal/session"
)

// InstanceHandler serves instance provisioning and lifecycle routes.
type InstanceHandler struct {
	service *instance.Service
	logger  *slog.Logger
}

func NewInstanceHandler(log *slog.Logger, service *instance.Service) *InstanceHandler {
	return &InstanceHandler{
		service: service,
		logger:  log.With(slog.String("handler", "instance")),
	}
}

func (h *InstanceHandler) Register(e *echo.Echo) {
	g := e.Group("/instance")
	g.POST("/create", h.Create)
	g.GET("/connect/:instance", h.Connect)
	g.GET("/connectionState/:instance", h.ConnectionState)
	g.POST("/restart/:instance", h.Restart)
	g.DELETE("/logout/:instance", h.Logout)
	g.DELETE("/delete/:instance", h.Delete)
	g.GET("/fetchInstances", h.FetchInstances)
}

func (h *InstanceHandler) Create(c echo.Context) error {
	if err := auth.RequireGlobal(c); err != nil {
		return err
	}
	var req instance.CreateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	resp, err := h.service.CreateInstance(c.Request().Context(), req)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, resp)
}

type connectResponse struct {
	Instance    string        `json:"instance"`
	State       session.State `json:"state"`
	Code        string        `json:"code,omitempty"`
	Base64      string        `json:"base64,omitempty"`
	PairingCode string        `json:"pairingCode,omitempty"`
	Count       int           `json:"count,omitempty"`
}

func newConnectResponse(snap session.Snapshot) connectResponse {
	return connectResponse{
		Instance:    snap.Instance,
		State:       snap.State,
		Code:        snap.QRCode.Code,
		Base64:      snap.QRCode.Base64,
		PairingCode: snap.QRCode.PairingCode,
		Count:       snap.QRCode.Count,
	}
}

func (h *InstanceHandler) Connect(c echo.Context) error {
	snap, err := h.service.Connect(c.Request().Context(), c.Param("instance"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, newConnectResponse(snap))
}

type stateResponse struct {
	Instance stateView `json:"instance"`
}

type stateView struct {
	InstanceName string        `json:"instanceName"`
	State        session.State `json:"state"`
}

func (h *InstanceHandler) ConnectionState(c echo.Context) error {
	snap, err := h.service.ConnectionState(c.Param("instance"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, stateResponse{Instance: stateView{InstanceName: snap.Instance, State: snap.State}})
}

func (h *InstanceHandler) Restart(c echo.Context) error {
	snap, err := h.service.Restart(c.Request().Context(), c.Param("instance"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, stateResponse{Instance: stateView{InstanceName: snap.Instance, State: snap.State}})
}

type statusResponse struct {
	Status   string `json:"status"`
	Error    bool   `json:"error"`
	Response any    `json:"response"`
}

func (h *InstanceHandler) Logout(c echo.Context) error {
	if err := h.service.Logout(c.Request().Context(), c.Param("instance")); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, statusResponse{Status: "SUCCESS", Response: map[string]string{"message": "Instance logged out"}})
}

func (h *InstanceHandler) Delete(c echo.Context) error {
	if err := h.service.Delete(c.Request().Context(), c.Param("instance")); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, statusResponse{Status: "SUCCESS", Response: map[string]string{"message": "Instance deleted"}})
}

// FetchInstances lists live instances. Instance-scoped keys only see their
// own instance.
func (h *InstanceHandler) FetchInstances(c echo.Context) error {
	filter := instance.ListFilter{
		Name:  c.QueryParam("instanceName"),
		State: session.State(c.QueryParam("state")),
	}
	if filter.State != "" && !validState(filter.State) {
		return echo.NewHTTPError(http.StatusBadRequest, "unknown state filter")
	}
	scope := auth.ScopeFromContext(c)
	if !scope.Global {
		filter.Name = scope.Instance
	}
	items, err := h.service.ListInstances(c.Request().Context(), filter)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, items)
}

func validState(s session.State) bool {
	switch string(s) {
	case events.StateOpen, events.StateConnecting, events.StateClose:
		return true
	}
	return false
}
