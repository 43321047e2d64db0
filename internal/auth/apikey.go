// Package auth guards the HTTP API with the global API key, per-instance
// tokens and, in jwt mode, signed instance tokens.
package auth

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

const (
	HeaderAPIKey = "apikey"
	scopeKey     = "auth_scope"
)

// TokenVerifier checks a presented key against the stored token of instance.
type TokenVerifier interface {
	VerifyToken(ctx context.Context, instance, token string) (bool, error)
}

// Scope describes what an authenticated request may touch. A global scope
// reaches every instance.
type Scope struct {
	Global   bool
	Instance string
}

// Allows reports whether the scope covers instance.
func (s Scope) Allows(instance string) bool {
	return s.Global || (s.Instance != "" && s.Instance == instance)
}

type Options struct {
	GlobalKey string
	Verifier  TokenVerifier
	Skipper   middleware.Skipper
	Logger    *slog.Logger
}

// InstanceName returns the instance a request targets: the :instance path
// parameter, or the instanceName query parameter.
func InstanceName(c echo.Context) string {
	if name := c.Param("instance"); name != "" {
		return name
	}
	return c.QueryParam("instanceName")
}

// APIKeyMiddleware authenticates the apikey header, or the apikey query
// parameter for clients that cannot set headers. The global key grants a
// global scope. An instance token only unlocks requests naming that instance.
// A bearer token already validated by JWTMiddleware is accepted in place of
// the header.
func APIKeyMiddleware(opts Options) echo.MiddlewareFunc {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With(slog.String("component", "auth"))
	skipper := opts.Skipper
	if skipper == nil {
		skipper = middleware.DefaultSkipper
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if skipper(c) {
				return next(c)
			}
			target := InstanceName(c)

			if name, err := InstanceFromJWT(c); err == nil {
				if target == "" || name != target {
					return echo.NewHTTPError(http.StatusForbidden, "token does not grant access to this instance")
				}
				c.Set(scopeKey, Scope{Instance: name})
				return next(c)
			}

			key := c.Request().Header.Get(HeaderAPIKey)
			if key == "" {
				key = c.QueryParam(HeaderAPIKey)
			}
			if key == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "apikey is required")
			}
			if opts.GlobalKey != "" && subtle.ConstantTimeCompare([]byte(key), []byte(opts.GlobalKey)) == 1 {
				c.Set(scopeKey, Scope{Global: true})
				return next(c)
			}
			if target == "" || opts.Verifier == nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid apikey")
			}
			ok, err := opts.Verifier.VerifyToken(c.Request().Context(), target, key)
			if err != nil {
				log.Error("verify instance token failed", slog.String("instance", target), slog.Any("error", err))
				return echo.NewHTTPError(http.StatusInternalServerError, "token lookup failed")
			}
			if !ok {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid apikey")
			}
			c.Set(scopeKey, Scope{Instance: target})
			return next(c)
		}
	}
}

// ScopeFromContext returns the scope set by APIKeyMiddleware.
func ScopeFromContext(c echo.Context) Scope {
	s, _ := c.Get(scopeKey).(Scope)
	return s
}

// RequireGlobal rejects requests authenticated with an instance credential.
func RequireGlobal(c echo.Context) error {
	if !ScopeFromContext(c).Global {
		return echo.NewHTTPError(http.StatusForbidden, "global apikey required")
	}
	return nil
}
