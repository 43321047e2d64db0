// Package events defines the canonical event stream produced by sessions and
// consumed by every sink.
package events

import (
	"strings"
	"time"
)

// Type is the upper-snake identifier of an event kind, as it appears in
// subscription lists.
type Type string

const (
	ApplicationStartup      Type = "APPLICATION_STARTUP"
	QRCodeUpdated           Type = "QRCODE_UPDATED"
	ConnectionUpdate        Type = "CONNECTION_UPDATE"
	StatusInstance          Type = "STATUS_INSTANCE"
	RemoveInstance          Type = "REMOVE_INSTANCE"
	LogoutInstance          Type = "LOGOUT_INSTANCE"
	MessagesSet             Type = "MESSAGES_SET"
	MessagesUpsert          Type = "MESSAGES_UPSERT"
	MessagesUpdate          Type = "MESSAGES_UPDATE"
	MessagesDelete          Type = "MESSAGES_DELETE"
	MessagesEdited          Type = "MESSAGES_EDITED"
	SendMessage             Type = "SEND_MESSAGE"
	ContactsSet             Type = "CONTACTS_SET"
	ContactsUpsert          Type = "CONTACTS_UPSERT"
	ContactsUpdate          Type = "CONTACTS_UPDATE"
	PresenceUpdate          Type = "PRESENCE_UPDATE"
	ChatsSet                Type = "CHATS_SET"
	ChatsUpsert             Type = "CHATS_UPSERT"
	ChatsUpdate             Type = "CHATS_UPDATE"
	ChatsDelete             Type = "CHATS_DELETE"
	GroupsUpsert            Type = "GROUPS_UPSERT"
	GroupUpdate             Type = "GROUP_UPDATE"
	GroupParticipantsUpdate Type = "GROUP_PARTICIPANTS_UPDATE"
	LabelsEdit              Type = "LABELS_EDIT"
	LabelsAssociation       Type = "LABELS_ASSOCIATION"
	Call                    Type = "CALL"
)

// All lists every known event type in a stable order.
var All = []Type{
	ApplicationStartup, QRCodeUpdated, ConnectionUpdate, StatusInstance, RemoveInstance, LogoutInstance,
	MessagesSet, MessagesUpsert, MessagesUpdate, MessagesDelete, MessagesEdited, SendMessage,
	ContactsSet, ContactsUpsert, ContactsUpdate, PresenceUpdate,
	ChatsSet, ChatsUpsert, ChatsUpdate, ChatsDelete,
	GroupsUpsert, GroupUpdate, GroupParticipantsUpdate,
	LabelsEdit, LabelsAssociation, Call,
}

var known = func() map[Type]struct{} {
	m := make(map[Type]struct{}, len(All))
	for _, t := range All {
		m[t] = struct{}{}
	}
	return m
}()

// Parse accepts any of the three spellings (MESSAGES_UPSERT, messages.upsert,
// messages-upsert) and reports whether the type is known.
func Parse(raw string) (Type, bool) {
	s := strings.ToUpper(strings.TrimSpace(raw))
	s = strings.NewReplacer(".", "_", "-", "_").Replace(s)
	t := Type(s)
	_, ok := known[t]
	return t, ok
}

// Name is the dot-delimited lower-case form used as the envelope event field
// and the broker routing key.
func (t Type) Name() string {
	return strings.ReplaceAll(strings.ToLower(string(t)), "_", ".")
}

// Kebab is the form used for per-event webhook paths and isolated queue names.
func (t Type) Kebab() string {
	return strings.ReplaceAll(strings.ToLower(string(t)), "_", "-")
}

// Category groups event types for the global broker topology.
type Category string

const (
	CategoryContacts Category = "contacts"
	CategoryMessages Category = "messages"
	CategoryChats    Category = "chats"
	CategoryGroups   Category = "groups"
	CategoryOthers   Category = "others"
)

func (t Type) Category() Category {
	switch t {
	case ContactsSet, ContactsUpsert, ContactsUpdate:
		return CategoryContacts
	case MessagesSet, MessagesUpsert, MessagesUpdate, MessagesDelete, MessagesEdited, SendMessage:
		return CategoryMessages
	case ChatsSet, ChatsUpsert, ChatsUpdate, ChatsDelete:
		return CategoryChats
	case GroupsUpsert, GroupUpdate, GroupParticipantsUpdate:
		return CategoryGroups
	default:
		return CategoryOthers
	}
}

// Event is one normalized occurrence on an instance. Sinks must treat it as
// read-only.
type Event struct {
	Type            Type      `json:"event"`
	Instance        string    `json:"instance"`
	Data            any       `json:"data"`
	Sender          string    `json:"sender,omitempty"`
	ServerTimestamp time.Time `json:"server_timestamp"`
}

func New(t Type, instance string, data any) Event {
	return Event{Type: t, Instance: instance, Data: data, ServerTimestamp: time.Now().UTC()}
}

// Set is a subscription list.
type Set map[Type]struct{}

// NewSet builds a Set from raw names, silently dropping unknown entries.
func NewSet(raw ...string) Set {
	s := make(Set, len(raw))
	for _, r := range raw {
		if t, ok := Parse(r); ok {
			s[t] = struct{}{}
		}
	}
	return s
}

func (s Set) Has(t Type) bool {
	_, ok := s[t]
	return ok
}

// Types returns the members in the order of All.
func (s Set) Types() []Type {
	out := make([]Type, 0, len(s))
	for _, t := range All {
		if s.Has(t) {
			out = append(out, t)
		}
	}
	return out
}

// Strings returns the upper-snake members in the order of All.
func (s Set) Strings() []string {
	types := s.Types()
	out := make([]string, len(types))
	for i, t := range types {
		out[i] = string(t)
	}
	return out
}
