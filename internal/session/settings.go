package session

import (
	"context"
	"log/slog"

	"github.com/EvolutionAPI/evolution-api-sub000/internal/protocol"
	"github.com/EvolutionAPI/evolution-api-sub000/internal/repository"
)

const statusBroadcastJID = "status@broadcast"

// SetSettings replaces the instance behaviour settings. Toggling
// AlwaysOnline on an open session announces the new presence right away.
func (s *Session) SetSettings(settings repository.Settings) {
	s.mu.Lock()
	prev := s.settings
	s.settings = settings
	client, open := s.client, s.state == StateOpen
	s.mu.Unlock()
	if open && prev.AlwaysOnline != settings.AlwaysOnline {
		s.sendPresence(s.ctx, client, settings.AlwaysOnline)
	}
}

func (s *Session) sendPresence(ctx context.Context, client protocol.Client, available bool) {
	sender, ok := client.(protocol.PresenceSender)
	if !ok || !s.desc.Supports(protocol.CapPresence) {
		return
	}
	if err := sender.SendPresence(ctx, available); err != nil {
		s.logger.Warn("send presence failed", slog.Bool("available", available), slog.Any("error", err))
	}
}

// afterCallOffer declines the call when RejectCall is set and answers the
// caller with MsgCall when one is configured.
func (s *Session) afterCallOffer(out *outcome, e protocol.CallOffer) {
	settings, client := s.settings, s.client
	if client == nil || (!settings.RejectCall && settings.MsgCall == "") {
		return
	}
	out.after(func(ctx context.Context) {
		if settings.RejectCall {
			if rejecter, ok := client.(protocol.CallRejecter); ok && s.desc.Supports(protocol.CapRejectCall) {
				if err := rejecter.RejectCall(ctx, e.From, e.ID); err != nil {
					s.logger.Warn("reject call failed", slog.String("from", e.From), slog.Any("error", err))
				}
			}
		}
		if settings.MsgCall != "" {
			if _, err := s.SendText(ctx, e.From, settings.MsgCall); err != nil {
				s.logger.Warn("call reply failed", slog.String("from", e.From), slog.Any("error", err))
			}
		}
	})
}

// afterReceive sends read receipts for incoming messages. Status broadcasts
// follow ReadStatus, everything else ReadMessages.
func (s *Session) afterReceive(out *outcome, items []protocol.Message) {
	settings, client := s.settings, s.client
	if client == nil || (!settings.ReadMessages && !settings.ReadStatus) {
		return
	}
	marker, ok := client.(protocol.ReadMarker)
	if !ok || !s.desc.Supports(protocol.CapMarkRead) {
		return
	}
	var unread []protocol.Message
	for _, m := range items {
		if m.FromMe {
			continue
		}
		if m.Chat == statusBroadcastJID {
			if settings.ReadStatus {
				unread = append(unread, m)
			}
		} else if settings.ReadMessages {
			unread = append(unread, m)
		}
	}
	if len(unread) == 0 {
		return
	}
	out.after(func(ctx context.Context) {
		for _, m := range unread {
			sender := m.Participant
			if m.Chat == statusBroadcastJID {
				sender = m.Sender
			}
			if err := marker.MarkRead(ctx, m.Chat, sender, []string{m.ID}, m.Timestamp); err != nil {
				s.logger.Warn("mark read failed", slog.String("id", m.ID), slog.Any("error", err))
			}
		}
	})
}
