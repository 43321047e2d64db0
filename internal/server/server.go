package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/EvolutionAPI/evolution-api-sub000/internal/auth"
	"github.com/EvolutionAPI/evolution-api-sub000/internal/config"
)

// Handler registers its routes on the shared echo instance.
type Handler interface {
	Register(e *echo.Echo)
}

type Server struct {
	echo   *echo.Echo
	addr   string
	logger *slog.Logger
}

var publicPaths = map[string]bool{
	"/":        true,
	"/ping":    true,
	"/health":  true,
	"/metrics": true,
}

func isPublic(c echo.Context) bool {
	return publicPaths[c.Path()]
}

func NewServer(log *slog.Logger, cfg config.ServerConfig, verifier auth.TokenVerifier, handlers ...Handler) *Server {
	addr := cfg.Addr
	if addr == "" {
		addr = config.DefaultHTTPAddr
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:   true,
		LogURI:      true,
		LogMethod:   true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []slog.Attr{
				slog.String("method", v.Method),
				slog.String("uri", v.URI),
				slog.Int("status", v.Status),
			}
			if v.Error != nil {
				attrs = append(attrs, slog.Any("error", v.Error))
			}
			log.LogAttrs(c.Request().Context(), slog.LevelDebug, "request", attrs...)
			return nil
		},
	}))
	if cfg.AuthType == config.AuthJWT {
		e.Use(auth.JWTMiddleware(cfg.JWTSecret, isPublic))
	}
	e.Use(auth.APIKeyMiddleware(auth.Options{
		GlobalKey: cfg.APIKey,
		Verifier:  verifier,
		Skipper:   isPublic,
		Logger:    log,
	}))

	for _, h := range handlers {
		if h != nil {
			h.Register(e)
		}
	}

	return &Server{
		echo:   e,
		addr:   addr,
		logger: log.With(slog.String("component", "http")),
	}
}

// Echo exposes the router for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

func (s *Server) Start() error {
	s.logger.Info("http server listening", slog.String("addr", s.addr))
	if err := s.echo.Start(s.addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}
