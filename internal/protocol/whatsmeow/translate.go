package whatsmeow

import (
	"encoding/json"
	"strings"
	"time"

	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/proto/waHistorySync"
	"go.mau.fi/whatsmeow/proto/waWeb"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/encoding/protojson"

	"github.com/EvolutionAPI/evolution-api-sub000/internal/protocol"
)

// Status codes reported with Disconnected, mirroring the close codes of the
// web protocol.
const (
	statusConnectionClosed = 428
	statusLoggedOut        = 401
	statusReplaced         = 440
	statusQRTimeout        = 408
	statusQRError          = 500
)

// translate maps one library event to zero or more raw protocol events.
// Connected is handled by the client because it needs the device store.
func translate(evt any) []protocol.Event {
	switch v := evt.(type) {
	case *events.Message:
		return translateMessage(v)
	case *events.Receipt:
		ids := make([]string, len(v.MessageIDs))
		for i, id := range v.MessageIDs {
			ids[i] = string(id)
		}
		return []protocol.Event{protocol.Receipt{
			Chat:      v.Chat.String(),
			Sender:    v.Sender.String(),
			FromMe:    v.IsFromMe,
			IDs:       ids,
			Status:    receiptStatus(v.Type),
			Timestamp: v.Timestamp,
		}}
	case *events.Presence:
		state := "available"
		if v.Unavailable {
			state = "unavailable"
		}
		return []protocol.Event{protocol.Presence{JID: v.From.String(), Presence: state, LastSeen: v.LastSeen}}
	case *events.ChatPresence:
		state := string(v.State)
		if v.State == types.ChatPresenceComposing && v.Media == types.ChatPresenceMediaAudio {
			state = "recording"
		}
		return []protocol.Event{protocol.Presence{JID: v.Sender.String(), Presence: state}}
	case *events.PushName:
		return []protocol.Event{protocol.Contact{JID: v.JID.String(), PushName: v.NewPushName}}
	case *events.Contact:
		return []protocol.Event{protocol.Contact{JID: v.JID.String(), PushName: v.Action.GetFullName()}}
	case *events.Archive:
		return []protocol.Event{protocol.Chat{JID: v.JID.String(), Archived: v.Action.GetArchived()}}
	case *events.Pin:
		return []protocol.Event{protocol.Chat{JID: v.JID.String(), Pinned: v.Action.GetPinned()}}
	case *events.DeleteChat:
		return []protocol.Event{protocol.Chat{JID: v.JID.String(), Deleted: true}}
	case *events.HistorySync:
		return translateHistory(v)
	case *events.JoinedGroup:
		participants := make([]string, 0, len(v.Participants))
		for _, p := range v.Participants {
			participants = append(participants, p.JID.String())
		}
		return []protocol.Event{protocol.Group{
			JID:          v.JID.String(),
			Subject:      v.Name,
			Description:  v.Topic,
			Owner:        v.OwnerJID.String(),
			Participants: participants,
			New:          true,
		}}
	case *events.GroupInfo:
		return translateGroupInfo(v)
	case *events.CallOffer:
		return []protocol.Event{protocol.CallOffer{
			ID:        v.CallID,
			From:      v.From.String(),
			IsGroup:   v.From.Server == types.GroupServer,
			Timestamp: v.Timestamp,
		}}
	case *events.LabelEdit:
		return []protocol.Event{protocol.Label{
			ID:      v.LabelID,
			Name:    v.Action.GetName(),
			Color:   int(v.Action.GetColor()),
			Deleted: v.Action.GetDeleted(),
		}}
	case *events.LabelAssociationChat:
		return []protocol.Event{protocol.LabelAssociation{
			LabelID: v.LabelID,
			ChatJID: v.JID.String(),
			Added:   v.Action.GetLabeled(),
		}}
	case *events.LoggedOut:
		return []protocol.Event{protocol.Disconnected{Reason: "logged out", StatusCode: statusLoggedOut, LoggedOut: true}}
	case *events.ConnectFailure:
		return []protocol.Event{protocol.Disconnected{
			Reason:     v.Message,
			StatusCode: int(v.Reason),
			LoggedOut:  v.Reason.IsLoggedOut(),
		}}
	case *events.StreamReplaced:
		return []protocol.Event{protocol.Disconnected{Reason: "stream replaced", StatusCode: statusReplaced}}
	case *events.Disconnected:
		return []protocol.Event{protocol.Disconnected{Reason: "connection closed", StatusCode: statusConnectionClosed}}
	default:
		return nil
	}
}

func translateMessage(v *events.Message) []protocol.Event {
	if pm := v.Message.GetProtocolMessage(); pm != nil {
		switch pm.GetType() {
		case waE2E.ProtocolMessage_REVOKE:
			return []protocol.Event{protocol.MessageRevoked{
				Chat:   v.Info.Chat.String(),
				ID:     pm.GetKey().GetID(),
				FromMe: v.Info.IsFromMe,
			}}
		case waE2E.ProtocolMessage_MESSAGE_EDIT:
			return []protocol.Event{protocol.MessageEdited{
				Chat:    v.Info.Chat.String(),
				ID:      pm.GetKey().GetID(),
				FromMe:  v.Info.IsFromMe,
				Content: contentMap(pm.GetEditedMessage()),
			}}
		default:
			return nil
		}
	}
	return []protocol.Event{protocol.Messages{
		Kind:  protocol.KindNotify,
		Items: []protocol.Message{messageFrom(v.Info, v.Message)},
	}}
}

func messageFrom(info types.MessageInfo, msg *waE2E.Message) protocol.Message {
	out := protocol.Message{
		ID:        string(info.ID),
		Chat:      info.Chat.String(),
		Sender:    info.Sender.String(),
		FromMe:    info.IsFromMe,
		IsGroup:   info.IsGroup,
		PushName:  info.PushName,
		Timestamp: info.Timestamp,
		Type:      messageType(msg),
		Content:   contentMap(msg),
	}
	if info.IsGroup {
		out.Participant = info.Sender.String()
	}
	return out
}

func messageType(msg *waE2E.Message) string {
	switch {
	case msg == nil:
		return "unknown"
	case msg.GetConversation() != "":
		return "conversation"
	case msg.GetExtendedTextMessage() != nil:
		return "extendedTextMessage"
	case msg.GetImageMessage() != nil:
		return "imageMessage"
	case msg.GetVideoMessage() != nil:
		return "videoMessage"
	case msg.GetAudioMessage() != nil:
		return "audioMessage"
	case msg.GetDocumentMessage() != nil:
		return "documentMessage"
	case msg.GetStickerMessage() != nil:
		return "stickerMessage"
	case msg.GetLocationMessage() != nil:
		return "locationMessage"
	case msg.GetContactMessage() != nil:
		return "contactMessage"
	case msg.GetReactionMessage() != nil:
		return "reactionMessage"
	default:
		return "unknown"
	}
}

func hasMedia(msg *waE2E.Message) bool {
	return msg.GetImageMessage() != nil ||
		msg.GetVideoMessage() != nil ||
		msg.GetAudioMessage() != nil ||
		msg.GetDocumentMessage() != nil ||
		msg.GetStickerMessage() != nil
}

// contentMap renders a message proto in its JSON field naming.
func contentMap(msg *waE2E.Message) map[string]any {
	if msg == nil {
		return nil
	}
	raw, err := protojson.Marshal(msg)
	if err != nil {
		return nil
	}
	out := map[string]any{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}

func receiptStatus(t types.ReceiptType) string {
	switch t {
	case types.ReceiptTypeRead, types.ReceiptTypeReadSelf:
		return "READ"
	case types.ReceiptTypePlayed:
		return "PLAYED"
	case types.ReceiptTypeDelivered:
		return "DELIVERY_ACK"
	default:
		return "SERVER_ACK"
	}
}

func translateHistory(v *events.HistorySync) []protocol.Event {
	data := v.Data
	if data == nil {
		return nil
	}
	snapshot := protocol.HistorySync{Full: data.GetSyncType() == waHistorySync.HistorySync_FULL}
	for _, conv := range data.GetConversations() {
		snapshot.Chats = append(snapshot.Chats, protocol.Chat{
			JID:         conv.GetID(),
			Name:        conv.GetName(),
			UnreadCount: int(conv.GetUnreadCount()),
			New:         true,
		})
		for _, hm := range conv.GetMessages() {
			if m, ok := historyMessage(conv.GetID(), hm.GetMessage()); ok {
				snapshot.Messages = append(snapshot.Messages, m)
			}
		}
	}
	for _, pn := range data.GetPushnames() {
		snapshot.Contacts = append(snapshot.Contacts, protocol.Contact{
			JID:      pn.GetID(),
			PushName: pn.GetPushname(),
			New:      true,
		})
	}
	if len(snapshot.Chats) == 0 && len(snapshot.Contacts) == 0 && len(snapshot.Messages) == 0 {
		return nil
	}
	return []protocol.Event{snapshot}
}

func historyMessage(chat string, web *waWeb.WebMessageInfo) (protocol.Message, bool) {
	key := web.GetKey()
	if key.GetID() == "" || web.GetMessage() == nil {
		return protocol.Message{}, false
	}
	if jid := key.GetRemoteJID(); jid != "" {
		chat = jid
	}
	isGroup := strings.HasSuffix(chat, "@"+types.GroupServer)
	participant := key.GetParticipant()
	if participant == "" {
		participant = web.GetParticipant()
	}
	sender := chat
	if isGroup {
		sender = participant
	}
	m := protocol.Message{
		ID:        key.GetID(),
		Chat:      chat,
		Sender:    sender,
		FromMe:    key.GetFromMe(),
		IsGroup:   isGroup,
		PushName:  web.GetPushName(),
		Timestamp: time.Unix(int64(web.GetMessageTimestamp()), 0),
		Type:      messageType(web.GetMessage()),
		Content:   contentMap(web.GetMessage()),
	}
	if isGroup {
		m.Participant = participant
	}
	return m, true
}

func translateGroupInfo(v *events.GroupInfo) []protocol.Event {
	var out []protocol.Event
	if v.Name != nil || v.Topic != nil {
		g := protocol.Group{JID: v.JID.String()}
		if v.Name != nil {
			g.Subject = v.Name.Name
		}
		if v.Topic != nil {
			g.Description = v.Topic.Topic
		}
		out = append(out, g)
	}
	changes := []struct {
		action string
		jids   []types.JID
	}{
		{protocol.ParticipantsAdd, v.Join},
		{protocol.ParticipantsRemove, v.Leave},
		{protocol.ParticipantsPromote, v.Promote},
		{protocol.ParticipantsDemote, v.Demote},
	}
	for _, c := range changes {
		if len(c.jids) == 0 {
			continue
		}
		jids := make([]string, len(c.jids))
		for i, j := range c.jids {
			jids[i] = j.String()
		}
		out = append(out, protocol.Participants{Group: v.JID.String(), Action: c.action, JIDs: jids})
	}
	return out
}
