package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	t.Parallel()
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Addr != DefaultHTTPAddr || cfg.Database.Provider != ProviderFilesystem {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.Instance.QRLimit != DefaultQRLimit {
		t.Fatalf("qr limit: got %d", cfg.Instance.QRLimit)
	}
	if cfg.Dispatch.Timeout() != DefaultDispatchTimeout {
		t.Fatalf("dispatch timeout: got %s", cfg.Dispatch.Timeout())
	}
	if cfg.Server.JWTTTL() != 0 {
		t.Fatalf("jwt ttl should default to no expiry")
	}
	if cfg.Whatsmeow.DeviceStore != "authstate" {
		t.Fatalf("device store: got %q", cfg.Whatsmeow.DeviceStore)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.toml")
	body := `
[server]
api_key = "global"
auth_type = "jwt"
jwt_expires_in = "12h"
expose_api_key = true

[database]
provider = "postgres"

[rabbitmq]
enabled = true
mode = "global"

[webhook.global]
enabled = true
url = "https://hooks.example.com"
events = ["MESSAGES_UPSERT"]

[dispatch]
timezone = "America/Sao_Paulo"
timeout_seconds = 5

[instance]
qr_limit = 3

[whatsmeow]
device_store = "sqlite"
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.AuthType != AuthJWT || !cfg.Server.ExposeAPIKey || cfg.Server.JWTTTL() != 12*time.Hour {
		t.Fatalf("server: %+v", cfg.Server)
	}
	if cfg.Database.Provider != ProviderPostgres || cfg.Database.Root != DefaultDataRoot {
		t.Fatalf("database: %+v", cfg.Database)
	}
	if !cfg.RabbitMQ.Enabled || cfg.RabbitMQ.Mode != "global" || cfg.RabbitMQ.ExchangeName != DefaultExchangeName {
		t.Fatalf("rabbitmq: %+v", cfg.RabbitMQ)
	}
	if !cfg.Webhook.Global.Enabled || len(cfg.Webhook.Global.Events) != 1 {
		t.Fatalf("global webhook: %+v", cfg.Webhook.Global)
	}
	if cfg.Dispatch.Timeout() != 5*time.Second {
		t.Fatalf("dispatch timeout: %s", cfg.Dispatch.Timeout())
	}
	if cfg.Instance.QRLimit != 3 || cfg.Instance.SendBurst != 10 {
		t.Fatalf("instance: %+v", cfg.Instance)
	}
	if cfg.Whatsmeow.DeviceStore != "sqlite" || cfg.Whatsmeow.LogLevel != "WARN" {
		t.Fatalf("whatsmeow: %+v", cfg.Whatsmeow)
	}
}

func TestDispatchLocationFallsBackToUTC(t *testing.T) {
	t.Parallel()
	if loc := (DispatchConfig{Timezone: "Not/AZone"}).Location(); loc != time.UTC {
		t.Fatalf("got %v", loc)
	}
}

func TestPostgresDSN(t *testing.T) {
	t.Parallel()
	got := PostgresConfig{Host: "db", Port: 5432, User: "u", Password: "p", Database: "d", SSLMode: "disable"}.DSN()
	if got != "postgres://u:p@db:5432/d?sslmode=disable" {
		t.Fatalf("got %q", got)
	}
}
