package auth

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	echojwt "github.com/labstack/echo-jwt/v4"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

const (
	claimSubject  = "sub"
	claimInstance = "instance"
	claimAPIKey   = "apikey"
	jwtContextKey = "user"
)

// JWTMiddleware validates HS256 bearer tokens minted by GenerateInstanceToken.
// Requests without an Authorization header pass through untouched.
func JWTMiddleware(secret string, skipper middleware.Skipper) echo.MiddlewareFunc {
	if skipper == nil {
		skipper = middleware.DefaultSkipper
	}
	return echojwt.WithConfig(echojwt.Config{
		SigningKey:    []byte(secret),
		SigningMethod: "HS256",
		TokenLookup:   "header:Authorization:Bearer ",
		ContextKey:    jwtContextKey,
		Skipper: func(c echo.Context) bool {
			if c.Request().Header.Get(echo.HeaderAuthorization) == "" {
				return true
			}
			return skipper(c)
		},
		NewClaimsFunc: func(echo.Context) jwt.Claims {
			return jwt.MapClaims{}
		},
	})
}

// GenerateInstanceToken signs the instance credential. ttl <= 0 yields a token
// without expiry.
func GenerateInstanceToken(instance, token, secret string, ttl time.Duration) (string, time.Time, error) {
	if strings.TrimSpace(instance) == "" {
		return "", time.Time{}, fmt.Errorf("instance is required")
	}
	if strings.TrimSpace(secret) == "" {
		return "", time.Time{}, fmt.Errorf("jwt secret is required")
	}

	now := time.Now().UTC()
	claims := jwt.MapClaims{
		claimSubject:  instance,
		claimInstance: instance,
		claimAPIKey:   token,
		"iat":         now.Unix(),
	}
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = now.Add(ttl)
		claims["exp"] = expiresAt.Unix()
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

// InstanceFromJWT returns the instance claim of a validated bearer token.
func InstanceFromJWT(c echo.Context) (string, error) {
	token, ok := c.Get(jwtContextKey).(*jwt.Token)
	if !ok || token == nil || !token.Valid {
		return "", echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", echo.NewHTTPError(http.StatusUnauthorized, "invalid token claims")
	}
	if name := claimString(claims, claimInstance); name != "" {
		return name, nil
	}
	if name := claimString(claims, claimSubject); name != "" {
		return name, nil
	}
	return "", echo.NewHTTPError(http.StatusUnauthorized, "instance missing")
}

func claimString(claims jwt.MapClaims, key string) string {
	raw, ok := claims[key]
	if !ok || raw == nil {
		return ""
	}
	switch v := raw.(type) {
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprint(raw)
	}
}
