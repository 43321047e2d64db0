package protocol

import (
	"context"
	"time"
)

// Event is the closed set of raw callbacks a Client may raise.
type Event interface {
	protocolEvent()
}

type QRCode struct {
	Code string
}

type PairingCode struct {
	Code string
}

type Connecting struct{}

type Connected struct {
	JID      string
	PushName string
	Platform string
}

// Disconnected reports a closed transport. LoggedOut marks a terminal cause.
type Disconnected struct {
	Reason     string
	StatusCode int
	LoggedOut  bool
}

// Message kinds.
const (
	KindNotify = "notify"
	KindAppend = "append"
)

type Message struct {
	ID          string
	Chat        string
	Sender      string
	FromMe      bool
	IsGroup     bool
	PushName    string
	Timestamp   time.Time
	Type        string
	Content     map[string]any
	Participant string
	// Download fetches the attached media. Nil for messages without media.
	Download func(ctx context.Context) ([]byte, error)
}

type Messages struct {
	Kind  string
	Items []Message
}

type Receipt struct {
	Chat      string
	Sender    string
	FromMe    bool
	IDs       []string
	Status    string
	Timestamp time.Time
}

type MessageRevoked struct {
	Chat   string
	ID     string
	FromMe bool
}

type MessageEdited struct {
	Chat    string
	ID      string
	FromMe  bool
	Content map[string]any
}

type Presence struct {
	JID      string
	Presence string
	LastSeen time.Time
}

type Contact struct {
	JID      string
	PushName string
	New      bool
}

type Chat struct {
	JID         string
	Name        string
	UnreadCount int
	Archived    bool
	Pinned      bool
	Deleted     bool
	New         bool
}

// HistorySync carries a history snapshot delivered after pairing. Full marks
// the complete archive as opposed to the initial or recent window.
type HistorySync struct {
	Full     bool
	Chats    []Chat
	Contacts []Contact
	Messages []Message
}

type Group struct {
	JID          string
	Subject      string
	Description  string
	Owner        string
	Participants []string
	New          bool
}

// Participant actions.
const (
	ParticipantsAdd     = "add"
	ParticipantsRemove  = "remove"
	ParticipantsPromote = "promote"
	ParticipantsDemote  = "demote"
)

type Participants struct {
	Group  string
	Action string
	JIDs   []string
}

type CallOffer struct {
	ID        string
	From      string
	IsVideo   bool
	IsGroup   bool
	Timestamp time.Time
}

type Label struct {
	ID      string
	Name    string
	Color   int
	Deleted bool
}

type LabelAssociation struct {
	LabelID string
	ChatJID string
	Added   bool
}

func (QRCode) protocolEvent()           {}
func (PairingCode) protocolEvent()      {}
func (Connecting) protocolEvent()       {}
func (Connected) protocolEvent()        {}
func (Disconnected) protocolEvent()     {}
func (Messages) protocolEvent()         {}
func (Receipt) protocolEvent()          {}
func (MessageRevoked) protocolEvent()   {}
func (MessageEdited) protocolEvent()    {}
func (Presence) protocolEvent()         {}
func (Contact) protocolEvent()          {}
func (Chat) protocolEvent()             {}
func (HistorySync) protocolEvent()      {}
func (Group) protocolEvent()            {}
func (Participants) protocolEvent()     {}
func (CallOffer) protocolEvent()        {}
func (Label) protocolEvent()            {}
func (LabelAssociation) protocolEvent() {}
