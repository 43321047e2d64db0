package dispatch

import (
	"strings"

	"github.com/EvolutionAPI/evolution-api-sub000/internal/config"
	"github.com/EvolutionAPI/evolution-api-sub000/internal/events"
	"github.com/EvolutionAPI/evolution-api-sub000/internal/repository"
)

// Sink kinds, also used as metric labels.
const (
	SinkWebhook       = "webhook"
	SinkGlobalWebhook = "global_webhook"
	SinkBroker        = "broker"
	SinkWebsocket     = "websocket"
	SinkIntegration   = "integration"
)

// integrationEvents is the curated subset relayed to chat integrations.
var integrationEvents = map[events.Type]struct{}{
	events.MessagesUpsert:   {},
	events.ConnectionUpdate: {},
	events.QRCodeUpdated:    {},
	events.StatusInstance:   {},
	events.SendMessage:      {},
}

func subscribed(list []string, t events.Type) bool {
	for _, raw := range list {
		if parsed, ok := events.Parse(raw); ok && parsed == t {
			return true
		}
	}
	return false
}

// webhookURL appends the kebab event name when byEvents is set.
func webhookURL(base string, byEvents bool, t events.Type) string {
	if !byEvents {
		return base
	}
	return strings.TrimRight(base, "/") + "/" + t.Kebab()
}

// LocalWebhookTarget returns the per-instance webhook URL for t.
func LocalWebhookTarget(cfg repository.Webhook, t events.Type) (string, bool) {
	if !cfg.Enabled || strings.TrimSpace(cfg.URL) == "" || !subscribed(cfg.Events, t) {
		return "", false
	}
	return webhookURL(cfg.URL, cfg.ByEvents, t), true
}

// GlobalWebhookTarget returns the process-wide webhook URL for t. It ignores
// every per-instance subscription.
func GlobalWebhookTarget(cfg config.GlobalWebhookConfig, t events.Type) (string, bool) {
	if !cfg.Enabled || strings.TrimSpace(cfg.URL) == "" || !subscribed(cfg.Events, t) {
		return "", false
	}
	return webhookURL(cfg.URL, cfg.ByEvents, t), true
}

func BrokerEligible(brokerEnabled bool, cfg repository.Queue, t events.Type) bool {
	return brokerEnabled && cfg.Enabled && subscribed(cfg.Events, t)
}

func WebsocketEligible(socketsEnabled bool, cfg repository.Websocket, t events.Type) bool {
	return socketsEnabled && cfg.Enabled && subscribed(cfg.Events, t)
}

func IntegrationEligible(cfg repository.Integration, t events.Type) bool {
	if !cfg.Enabled {
		return false
	}
	_, ok := integrationEvents[t]
	return ok
}
