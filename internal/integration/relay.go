// Package integration relays a curated subset of events to chat platform
// integrations configured per instance.
package integration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/EvolutionAPI/evolution-api-sub000/internal/dispatch"
	"github.com/EvolutionAPI/evolution-api-sub000/internal/events"
	"github.com/EvolutionAPI/evolution-api-sub000/internal/repository"
)

// Poster is the HTTP transport, normally a *webhook.Client.
type Poster interface {
	Post(ctx context.Context, url string, headers map[string]string, body any) error
	PostJSON(ctx context.Context, url string, headers map[string]string, body, out any) error
}

// Replier sends bot answers back to the chat through an instance.
type Replier interface {
	SendText(ctx context.Context, instance, to, text string) (events.MessagePayload, error)
}

type Relay struct {
	poster  Poster
	replier atomic.Pointer[Replier]
	logger  *slog.Logger
}

func NewRelay(poster Poster, log *slog.Logger) *Relay {
	if log == nil {
		log = slog.Default()
	}
	return &Relay{poster: poster, logger: log.With(slog.String("component", "integration"))}
}

// SetReplier attaches the sender used for typebot answers. It is set after
// construction because the sender itself depends on the dispatcher.
func (r *Relay) SetReplier(rp Replier) {
	r.replier.Store(&rp)
}

// Relay forwards env to the integration described by cfg.
func (r *Relay) Relay(ctx context.Context, cfg repository.Integration, env dispatch.Envelope) error {
	base := strings.TrimRight(strings.TrimSpace(cfg.URL), "/")
	if base == "" {
		return fmt.Errorf("integration %s: url is required", cfg.Kind)
	}
	switch cfg.Kind {
	case repository.IntegrationChatwoot:
		return r.chatwoot(ctx, base, cfg, env)
	case repository.IntegrationTypebot:
		return r.typebot(ctx, base, cfg, env)
	default:
		return fmt.Errorf("integration %q: unknown kind", cfg.Kind)
	}
}

func (r *Relay) chatwoot(ctx context.Context, base string, cfg repository.Integration, env dispatch.Envelope) error {
	url := fmt.Sprintf("%s/api/v1/accounts/%s/evolution/events", base, cfg.AccountID)
	headers := map[string]string{}
	if cfg.Token != "" {
		headers["api_access_token"] = cfg.Token
	}
	return r.poster.Post(ctx, url, headers, env)
}

// typebotStart is the body of a typebot startChat call.
type typebotStart struct {
	Message            string            `json:"message,omitempty"`
	PrefilledVariables map[string]string `json:"prefilledVariables"`
}

// typebotAnswer is the part of the startChat answer relayed to the chat.
type typebotAnswer struct {
	SessionID string           `json:"sessionId"`
	Messages  []typebotMessage `json:"messages"`
}

type typebotMessage struct {
	Type    string `json:"type"`
	Content struct {
		RichText []richNode `json:"richText"`
		Markdown string     `json:"markdown"`
		URL      string     `json:"url"`
	} `json:"content"`
}

type richNode struct {
	Text     string     `json:"text"`
	Children []richNode `json:"children"`
}

// typebot only reacts to inbound messages. Everything else is acknowledged
// without a request. Text and media bubbles of the answer are sent back to
// the sender as text.
func (r *Relay) typebot(ctx context.Context, base string, cfg repository.Integration, env dispatch.Envelope) error {
	if env.Event != events.MessagesUpsert.Name() {
		return nil
	}
	msg, ok := env.Data.(events.MessagePayload)
	if !ok || msg.Key.FromMe {
		return nil
	}
	if cfg.Target == "" {
		return fmt.Errorf("integration typebot: target is required")
	}
	body := typebotStart{
		Message: messageText(msg),
		PrefilledVariables: map[string]string{
			"remoteJid":    msg.Key.RemoteJID,
			"pushName":     msg.PushName,
			"instanceName": env.Instance,
			"serverUrl":    env.ServerURL,
		},
	}
	headers := map[string]string{}
	if cfg.Token != "" {
		headers["Authorization"] = "Bearer " + cfg.Token
	}
	url := fmt.Sprintf("%s/api/v1/typebots/%s/startChat", base, cfg.Target)
	var answer typebotAnswer
	if err := r.poster.PostJSON(ctx, url, headers, body, &answer); err != nil {
		return err
	}
	return r.reply(ctx, env.Instance, msg.Key.RemoteJID, answer)
}

func (r *Relay) reply(ctx context.Context, instance, to string, answer typebotAnswer) error {
	texts := make([]string, 0, len(answer.Messages))
	for _, m := range answer.Messages {
		if text := bubbleText(m); text != "" {
			texts = append(texts, text)
		}
	}
	if len(texts) == 0 {
		return nil
	}
	rp := r.replier.Load()
	if rp == nil {
		r.logger.Warn("typebot answer dropped, no replier",
			slog.String("instance", instance),
			slog.Int("messages", len(texts)),
		)
		return nil
	}
	var errs error
	for _, text := range texts {
		if _, err := (*rp).SendText(ctx, instance, to, text); err != nil {
			errs = errors.Join(errs, fmt.Errorf("typebot reply: %w", err))
		}
	}
	return errs
}

func bubbleText(m typebotMessage) string {
	switch m.Type {
	case "text":
		if m.Content.Markdown != "" {
			return m.Content.Markdown
		}
		lines := make([]string, 0, len(m.Content.RichText))
		for _, block := range m.Content.RichText {
			var b strings.Builder
			flatten(&b, block)
			lines = append(lines, b.String())
		}
		return strings.TrimSpace(strings.Join(lines, "\n"))
	case "image", "video", "audio", "embed":
		return m.Content.URL
	default:
		return ""
	}
}

func flatten(b *strings.Builder, n richNode) {
	b.WriteString(n.Text)
	for _, c := range n.Children {
		flatten(b, c)
	}
}

func messageText(msg events.MessagePayload) string {
	if text, ok := msg.Message["conversation"].(string); ok {
		return text
	}
	if ext, ok := msg.Message["extendedTextMessage"].(map[string]any); ok {
		if text, ok := ext["text"].(string); ok {
			return text
		}
	}
	return ""
}
