package sessionchecker

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/EvolutionAPI/evolution-api-sub000/internal/healthcheck"
	"github.com/EvolutionAPI/evolution-api-sub000/internal/session"
)

const checkTypeSessionState = "session.state"

// Observer reads the live session snapshot of an instance.
type Observer interface {
	Get(name string) (*session.Session, bool)
}

// Checker reports the connection state of the live session.
type Checker struct {
	logger   *slog.Logger
	observer Observer
}

func NewChecker(log *slog.Logger, observer Observer) *Checker {
	if log == nil {
		log = slog.Default()
	}
	return &Checker{
		logger:   log.With(slog.String("checker", "healthcheck_session")),
		observer: observer,
	}
}

func (c *Checker) ListChecks(ctx context.Context, instance string) []healthcheck.CheckResult {
	if err := ctx.Err(); err != nil {
		return []healthcheck.CheckResult{}
	}
	instance = strings.TrimSpace(instance)
	if instance == "" {
		return []healthcheck.CheckResult{}
	}
	if c.observer == nil {
		c.logger.Warn("session healthcheck dependency is unavailable", slog.String("instance", instance))
		return []healthcheck.CheckResult{{
			ID:      checkTypeSessionState + ".service",
			Type:    checkTypeSessionState,
			Status:  healthcheck.StatusWarn,
			Summary: "Session registry is not available.",
		}}
	}
	s, ok := c.observer.Get(instance)
	if !ok {
		return []healthcheck.CheckResult{{
			ID:      checkTypeSessionState,
			Type:    checkTypeSessionState,
			Status:  healthcheck.StatusError,
			Summary: fmt.Sprintf("Instance %s has no live session.", instance),
		}}
	}

	snap := s.Snapshot()
	item := healthcheck.CheckResult{
		ID:   checkTypeSessionState,
		Type: checkTypeSessionState,
		Metadata: map[string]any{
			"state":       string(snap.State),
			"integration": s.Descriptor().Variant.String(),
		},
	}
	if snap.OwnerJID != "" {
		item.Metadata["owner"] = snap.OwnerJID
	}
	switch snap.State {
	case session.StateOpen:
		item.Status = healthcheck.StatusOK
		item.Summary = "Connected."
	case session.StateConnecting:
		item.Status = healthcheck.StatusWarn
		item.Summary = "Waiting for pairing or reconnecting."
	default:
		item.Status = healthcheck.StatusError
		item.Summary = "Disconnected."
		item.Detail = snap.LastError
	}
	return []healthcheck.CheckResult{item}
}
