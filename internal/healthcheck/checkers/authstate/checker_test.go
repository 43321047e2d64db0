package authchecker

import (
	"context"
	"testing"

	"github.com/EvolutionAPI/evolution-api-sub000/internal/authstate"
	"github.com/EvolutionAPI/evolution-api-sub000/internal/healthcheck"
	"github.com/EvolutionAPI/evolution-api-sub000/internal/logger"
	"github.com/EvolutionAPI/evolution-api-sub000/internal/storage/providers/filesystem"
)

func TestCredentialsCheck(t *testing.T) {
	t.Parallel()
	backend, err := filesystem.New(t.TempDir())
	if err != nil {
		t.Fatalf("backend: %v", err)
	}
	manager := authstate.NewManager(backend, logger.Discard())
	checker := NewChecker(logger.Discard(), manager)
	ctx := context.Background()

	items := checker.ListChecks(ctx, "acme")
	if len(items) != 1 || items[0].Status != healthcheck.StatusWarn {
		t.Fatalf("expected warn before pairing, got %+v", items)
	}

	if err := manager.For("acme").Write(ctx, authstate.CredsKey, map[string]any{"registrationId": 7}); err != nil {
		t.Fatalf("write creds: %v", err)
	}
	items = checker.ListChecks(ctx, "acme")
	if len(items) != 1 || items[0].Status != healthcheck.StatusWarn {
		t.Fatalf("expected warn for unpaired creds, got %+v", items)
	}

	me := map[string]any{"registrationId": 7, "me": map[string]string{"id": "5511@s.whatsapp.net"}}
	if err := manager.For("acme").Write(ctx, authstate.CredsKey, me); err != nil {
		t.Fatalf("write creds: %v", err)
	}
	items = checker.ListChecks(ctx, "acme")
	if len(items) != 1 || items[0].Status != healthcheck.StatusOK {
		t.Fatalf("expected ok after pairing, got %+v", items)
	}

	if got := checker.ListChecks(ctx, " "); len(got) != 0 {
		t.Fatalf("expected no checks for blank instance, got %+v", got)
	}
}
