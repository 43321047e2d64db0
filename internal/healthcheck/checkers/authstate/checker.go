package authchecker

import (
	"context"
	"log/slog"
	"strings"

	"github.com/EvolutionAPI/evolution-api-sub000/internal/authstate"
	"github.com/EvolutionAPI/evolution-api-sub000/internal/healthcheck"
)

const checkTypeCredentials = "authstate.creds"

// Checker reports whether an instance holds paired credentials.
type Checker struct {
	logger  *slog.Logger
	manager *authstate.Manager
}

func NewChecker(log *slog.Logger, manager *authstate.Manager) *Checker {
	if log == nil {
		log = slog.Default()
	}
	return &Checker{
		logger:  log.With(slog.String("checker", "healthcheck_authstate")),
		manager: manager,
	}
}

func (c *Checker) ListChecks(ctx context.Context, instance string) []healthcheck.CheckResult {
	instance = strings.TrimSpace(instance)
	if instance == "" || c.manager == nil {
		return []healthcheck.CheckResult{}
	}
	item := healthcheck.CheckResult{ID: checkTypeCredentials, Type: checkTypeCredentials}
	var creds struct {
		Me *struct {
			ID string `json:"id"`
		} `json:"me"`
	}
	found, err := c.manager.For(instance).ReadInto(ctx, authstate.CredsKey, &creds)
	switch {
	case err == nil && found && creds.Me != nil && creds.Me.ID != "":
		item.Status = healthcheck.StatusOK
		item.Summary = "Credentials stored."
		item.Metadata = map[string]any{"jid": creds.Me.ID}
	case err == nil:
		item.Status = healthcheck.StatusWarn
		item.Summary = "Not paired yet."
	default:
		c.logger.Warn("read credentials failed", slog.String("instance", instance), slog.Any("error", err))
		item.Status = healthcheck.StatusError
		item.Summary = "Auth state is unreadable."
		item.Detail = err.Error()
	}
	return []healthcheck.CheckResult{item}
}
