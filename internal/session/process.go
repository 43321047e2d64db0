package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/EvolutionAPI/evolution-api-sub000/internal/events"
	"github.com/EvolutionAPI/evolution-api-sub000/internal/metrics"
	"github.com/EvolutionAPI/evolution-api-sub000/internal/protocol"
	"github.com/EvolutionAPI/evolution-api-sub000/internal/repository"
)

// outcome collects what one raw event produced. Effects run after the
// session lock is released, then events are published, then finalizers run.
type outcome struct {
	events  []events.Event
	effects []func(ctx context.Context)
	finally []func()
}

func (o *outcome) emit(ev events.Event) {
	o.events = append(o.events, ev)
}

func (o *outcome) after(fn func(ctx context.Context)) {
	o.effects = append(o.effects, fn)
}

func (o *outcome) then(fn func()) {
	o.finally = append(o.finally, fn)
}

func (s *Session) process(item inboxItem) {
	s.mu.Lock()
	if s.closed || item.gen != s.gen {
		s.mu.Unlock()
		return
	}
	var out outcome
	s.translateLocked(item.evt, &out)
	s.mu.Unlock()

	for _, fn := range out.effects {
		fn(s.ctx)
	}
	s.publish(out.events...)
	for _, fn := range out.finally {
		fn()
	}
}

// translateLocked maps one raw event to canonical events and side effects.
func (s *Session) translateLocked(raw protocol.Event, out *outcome) {
	switch e := raw.(type) {
	case protocol.QRCode:
		s.onQRCodeLocked(e, out)
	case protocol.PairingCode:
		s.qr.PairingCode = e.Code
		out.emit(s.eventLocked(events.QRCodeUpdated, events.QRCodePayload{QRCode: s.qr}))
	case protocol.Connecting:
		if s.state == StateOpen {
			s.logger.Warn("connecting reported while open")
			return
		}
		if s.state == StateClose {
			s.setStateLocked(StateConnecting)
		}
		out.emit(s.eventLocked(events.ConnectionUpdate, events.ConnectionPayload{
			Instance: s.name,
			State:    events.StateConnecting,
		}))
	case protocol.Connected:
		s.onConnectedLocked(e, out)
	case protocol.Disconnected:
		s.onDisconnectedLocked(e, out)
	case protocol.Messages:
		s.onMessagesLocked(e, out)
	case protocol.Receipt:
		for _, id := range e.IDs {
			key := events.MessageKey{RemoteJID: e.Chat, FromMe: e.FromMe, ID: id}
			out.emit(s.eventLocked(events.MessagesUpdate, events.MessageUpdatePayload{
				Key:       key,
				Status:    e.Status,
				Timestamp: unix(e.Timestamp),
			}))
			s.afterMessageStatus(out, key, e.Status)
		}
	case protocol.MessageRevoked:
		key := events.MessageKey{RemoteJID: e.Chat, FromMe: e.FromMe, ID: e.ID}
		out.emit(s.eventLocked(events.MessagesDelete, events.MessageUpdatePayload{Key: key, Status: "DELETED"}))
		s.afterMessageStatus(out, key, "DELETED")
	case protocol.MessageEdited:
		key := events.MessageKey{RemoteJID: e.Chat, FromMe: e.FromMe, ID: e.ID}
		out.emit(s.eventLocked(events.MessagesEdited, events.MessagePayload{
			Key:     key,
			Message: e.Content,
		}))
		if s.cfg.StoreMessages && s.repos != nil {
			out.after(func(ctx context.Context) {
				s.updateMessage(ctx, key, func(m *repository.Message) { m.Message = e.Content })
			})
		}
	case protocol.Presence:
		out.emit(s.eventLocked(events.PresenceUpdate, events.PresencePayload{
			ID:       e.JID,
			Presence: e.Presence,
			LastSeen: unix(e.LastSeen),
		}))
	case protocol.Contact:
		t := events.ContactsUpdate
		if e.New {
			t = events.ContactsUpsert
		}
		payload := contactPayload(e)
		out.emit(s.eventLocked(t, payload))
		s.afterContacts(out, payload)
	case protocol.Chat:
		payload := chatPayload(e)
		switch {
		case e.Deleted:
			out.emit(s.eventLocked(events.ChatsDelete, payload))
			if s.cfg.StoreChats && s.repos != nil {
				out.after(func(ctx context.Context) {
					s.logPersist(s.repos.Chats.Delete(ctx, s.name, e.JID), "delete chat")
				})
			}
			return
		case e.New:
			out.emit(s.eventLocked(events.ChatsUpsert, payload))
		default:
			out.emit(s.eventLocked(events.ChatsUpdate, payload))
		}
		s.afterChats(out, payload)
	case protocol.HistorySync:
		s.onHistoryLocked(e, out)
	case protocol.Group:
		payload := events.GroupPayload{
			ID:           e.JID,
			Subject:      e.Subject,
			Description:  e.Description,
			Owner:        e.Owner,
			Participants: e.Participants,
		}
		if e.New {
			out.emit(s.eventLocked(events.GroupsUpsert, []events.GroupPayload{payload}))
		} else {
			out.emit(s.eventLocked(events.GroupUpdate, payload))
		}
	case protocol.Participants:
		out.emit(s.eventLocked(events.GroupParticipantsUpdate, events.ParticipantsPayload{
			ID:           e.Group,
			Action:       e.Action,
			Participants: e.JIDs,
		}))
	case protocol.CallOffer:
		out.emit(s.eventLocked(events.Call, events.CallPayload{
			ID:        e.ID,
			From:      e.From,
			Status:    "offer",
			IsVideo:   e.IsVideo,
			IsGroup:   e.IsGroup,
			Timestamp: unix(e.Timestamp),
		}))
		s.afterCallOffer(out, e)
	case protocol.Label:
		out.emit(s.eventLocked(events.LabelsEdit, events.LabelPayload{
			ID:      e.ID,
			Name:    e.Name,
			Color:   e.Color,
			Deleted: e.Deleted,
		}))
	case protocol.LabelAssociation:
		action := "remove"
		if e.Added {
			action = "add"
		}
		out.emit(s.eventLocked(events.LabelsAssociation, events.LabelAssociationPayload{
			LabelID: e.LabelID,
			ChatID:  e.ChatJID,
			Type:    action,
		}))
	default:
		s.logger.Debug("unhandled protocol event", slog.String("type", fmt.Sprintf("%T", raw)))
	}
}

func (s *Session) onQRCodeLocked(e protocol.QRCode, out *outcome) {
	if s.state != StateConnecting {
		return
	}
	s.qr.Count++
	if s.cfg.QRLimit > 0 && s.qr.Count >= s.cfg.QRLimit {
		s.refuseLocked(out)
		return
	}
	metrics.QRCodesIssued.Inc()
	s.qr.Code = e.Code
	png, err := renderQRCode(e.Code)
	if err != nil {
		s.logger.Warn("render qrcode failed", slog.Any("error", err))
	}
	s.qr.Base64 = png
	out.emit(s.eventLocked(events.QRCodeUpdated, events.QRCodePayload{QRCode: s.qr}))
}

// refuseLocked ends the pairing attempt once the QR ceiling is hit.
func (s *Session) refuseLocked(out *outcome) {
	s.terminal = true
	s.lastError = ErrQRCodeLimit
	s.gen++
	s.stopRetryLocked()
	s.setStateLocked(StateClose)
	client := s.client
	s.client = nil
	s.qr.Code, s.qr.Base64 = "", ""

	out.emit(s.eventLocked(events.QRCodeUpdated, events.QRCodePayload{
		Message: "QR code limit reached, please login again",
		QRCode:  s.qr,
	}))
	out.emit(s.eventLocked(events.ConnectionUpdate, events.ConnectionPayload{
		Instance:     s.name,
		State:        events.StateRefused,
		StatusReason: 428,
	}))
	ev, raised := s.raiseRemovedLocked(events.RemovedByQRCodeLimit)
	if raised {
		out.emit(ev)
	}
	s.logger.Warn("qrcode limit reached", slog.Int("count", s.qr.Count))

	out.after(func(context.Context) {
		if client != nil {
			client.Disconnect()
		}
	})
	if raised && s.remover != nil {
		out.then(func() {
			go s.remover.RemoveInstance(context.Background(), s, events.RemovedByQRCodeLimit)
		})
	}
}

func (s *Session) onConnectedLocked(e protocol.Connected, out *outcome) {
	if !canTransition(s.state, StateOpen) {
		s.logger.Warn("connected reported in unexpected state", slog.String("state", s.state.String()))
		return
	}
	s.setStateLocked(StateOpen)
	s.backoff.Reset()
	s.lastError = nil
	s.qr = events.QRCode{Instance: s.name}
	s.ownerJID = e.JID
	if e.PushName != "" {
		s.profileName = e.PushName
	}
	out.emit(s.eventLocked(events.ConnectionUpdate, events.ConnectionPayload{
		Instance:     s.name,
		State:        events.StateOpen,
		StatusReason: 200,
		WUID:         s.ownerJID,
		ProfileName:  s.profileName,
	}))
	s.logger.Info("session open", slog.String("jid", e.JID))
	if s.settings.AlwaysOnline {
		client := s.client
		out.after(func(ctx context.Context) { s.sendPresence(ctx, client, true) })
	}

	jid, profile := s.ownerJID, s.profileName
	if s.repos != nil {
		out.after(func(ctx context.Context) {
			err := s.repos.Instances.Update(ctx, s.name, repository.SingletonID, func(rec *repository.Instance) error {
				rec.OwnerJID = jid
				rec.ProfileName = profile
				rec.ConnectionStatus = events.StateOpen
				rec.UpdatedAt = time.Now().UTC()
				return nil
			})
			s.logPersist(err, "update instance record")
		})
	}
}

func (s *Session) onDisconnectedLocked(e protocol.Disconnected, out *outcome) {
	if s.state == StateClose {
		return
	}
	s.setStateLocked(StateClose)
	s.lastError = fmt.Errorf("disconnected (%d): %s", e.StatusCode, e.Reason)
	out.emit(s.eventLocked(events.ConnectionUpdate, events.ConnectionPayload{
		Instance:     s.name,
		State:        events.StateClose,
		StatusReason: e.StatusCode,
		WUID:         s.ownerJID,
	}))
	out.after(func(ctx context.Context) { s.persistStatus(ctx, events.StateClose) })

	if !e.LoggedOut && !s.terminal {
		s.logger.Info("connection closed", slog.Int("status", e.StatusCode), slog.String("reason", e.Reason))
		s.scheduleReconnectLocked()
		return
	}

	s.terminal = true
	s.gen++
	client := s.client
	s.client = nil
	s.qr = events.QRCode{Instance: s.name}
	if ev, ok := s.raiseRemovedLocked(events.RemovedByLogout); ok {
		out.emit(ev)
	}
	s.logger.Info("logged out", slog.Int("status", e.StatusCode))
	out.after(func(ctx context.Context) {
		if client != nil {
			client.Disconnect()
		}
		if s.auth != nil {
			s.logPersist(s.auth.Clear(ctx), "clear auth state")
		}
	})
}

func (s *Session) onMessagesLocked(e protocol.Messages, out *outcome) {
	kept := make([]protocol.Message, 0, len(e.Items))
	items := make([]events.MessagePayload, 0, len(e.Items))
	for _, m := range e.Items {
		if m.IsGroup && s.settings.GroupsIgnore {
			continue
		}
		kept = append(kept, m)
		items = append(items, messagePayload(m))
	}
	if len(items) == 0 {
		return
	}
	if e.Kind == protocol.KindAppend {
		out.emit(s.eventLocked(events.MessagesSet, items))
	} else {
		for _, p := range items {
			out.emit(s.eventLocked(events.MessagesUpsert, p))
		}
		s.afterReceive(out, kept)
	}
	if s.cfg.StoreMessages && s.repos != nil {
		out.after(func(ctx context.Context) {
			for _, p := range items {
				s.persistMessage(ctx, p)
			}
		})
	}
}

func (s *Session) onHistoryLocked(e protocol.HistorySync, out *outcome) {
	if e.Full && !s.settings.SyncFullHistory {
		s.logger.Debug("full history sync skipped")
		return
	}
	if len(e.Chats) > 0 {
		chats := make([]events.ChatPayload, len(e.Chats))
		for i, c := range e.Chats {
			chats[i] = chatPayload(c)
		}
		out.emit(s.eventLocked(events.ChatsSet, chats))
		s.afterChats(out, chats...)
	}
	if len(e.Contacts) > 0 {
		contacts := make([]events.ContactPayload, len(e.Contacts))
		for i, c := range e.Contacts {
			contacts[i] = contactPayload(c)
		}
		out.emit(s.eventLocked(events.ContactsSet, contacts))
		s.afterContacts(out, contacts...)
	}
	if len(e.Messages) > 0 {
		s.onMessagesLocked(protocol.Messages{Kind: protocol.KindAppend, Items: e.Messages}, out)
	}
}

func (s *Session) afterChats(out *outcome, chats ...events.ChatPayload) {
	if !s.cfg.StoreChats || s.repos == nil {
		return
	}
	out.after(func(ctx context.Context) {
		now := time.Now().UTC()
		for _, c := range chats {
			err := s.repos.Chats.Upsert(ctx, s.name, c.RemoteJID, repository.Chat{
				RemoteJID:   c.RemoteJID,
				Name:        c.Name,
				UnreadCount: c.UnreadCount,
				UpdatedAt:   now,
			})
			s.logPersist(err, "upsert chat")
		}
	})
}

func (s *Session) afterContacts(out *outcome, contacts ...events.ContactPayload) {
	if !s.cfg.StoreContacts || s.repos == nil {
		return
	}
	out.after(func(ctx context.Context) {
		now := time.Now().UTC()
		for _, c := range contacts {
			err := s.repos.Contacts.Upsert(ctx, s.name, c.RemoteJID, repository.Contact{
				RemoteJID:     c.RemoteJID,
				PushName:      c.PushName,
				ProfilePicURL: c.ProfilePicURL,
				UpdatedAt:     now,
			})
			s.logPersist(err, "upsert contact")
		}
	})
}

func (s *Session) afterMessageStatus(out *outcome, key events.MessageKey, status string) {
	if !s.cfg.StoreMessages || s.repos == nil {
		return
	}
	out.after(func(ctx context.Context) {
		s.updateMessage(ctx, key, func(m *repository.Message) { m.Status = status })
	})
}

func (s *Session) updateMessage(ctx context.Context, key events.MessageKey, fn func(*repository.Message)) {
	err := s.repos.Messages.Update(ctx, s.name, key.ID, func(m *repository.Message) error {
		fn(m)
		return nil
	})
	if err != nil && !isNotFound(err) {
		s.logPersist(err, "update message")
	}
}

func (s *Session) persistMessage(ctx context.Context, p events.MessagePayload) {
	if !s.cfg.StoreMessages || s.repos == nil {
		return
	}
	err := s.repos.Messages.Upsert(ctx, s.name, p.Key.ID, repository.Message{
		Key: repository.MessageKey{
			RemoteJID:   p.Key.RemoteJID,
			FromMe:      p.Key.FromMe,
			ID:          p.Key.ID,
			Participant: p.Key.Participant,
		},
		PushName:         p.PushName,
		MessageType:      p.MessageType,
		Message:          p.Message,
		MessageTimestamp: p.MessageTimestamp,
		Status:           p.Status,
		Source:           p.Source,
	})
	s.logPersist(err, "upsert message")
}

func (s *Session) persistStatus(ctx context.Context, status string) {
	if s.repos == nil {
		return
	}
	err := s.repos.Instances.Update(ctx, s.name, repository.SingletonID, func(rec *repository.Instance) error {
		rec.ConnectionStatus = status
		rec.UpdatedAt = time.Now().UTC()
		return nil
	})
	if err != nil && !isNotFound(err) {
		s.logPersist(err, "update connection status")
	}
}

func (s *Session) logPersist(err error, op string) {
	if err == nil {
		return
	}
	s.logger.Warn("persist failed", slog.String("op", op), slog.Any("error", err))
}

func messagePayload(m protocol.Message) events.MessagePayload {
	status := "DELIVERY_ACK"
	if m.FromMe {
		status = "SERVER_ACK"
	}
	return events.MessagePayload{
		Key: events.MessageKey{
			RemoteJID:   m.Chat,
			FromMe:      m.FromMe,
			ID:          m.ID,
			Participant: m.Participant,
		},
		PushName:         m.PushName,
		MessageType:      m.Type,
		Message:          m.Content,
		MessageTimestamp: unix(m.Timestamp),
		Status:           status,
		Source:           "web",
		Media:            m.Download,
	}
}

func contactPayload(c protocol.Contact) events.ContactPayload {
	return events.ContactPayload{RemoteJID: c.JID, PushName: c.PushName}
}

func chatPayload(c protocol.Chat) events.ChatPayload {
	return events.ChatPayload{
		RemoteJID:   c.JID,
		Name:        c.Name,
		UnreadCount: c.UnreadCount,
		Archived:    c.Archived,
		Pinned:      c.Pinned,
	}
}

func unix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}
